package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/settlement"
	"github.com/eigerco/truelens/internal/state"
)

// Destination exposes a settlement pool.
type Destination struct {
	Pool *settlement.Pool
}

// NewDestinationRouter returns the HTTP handler of a destination node.
func NewDestinationRouter(d Destination) *gin.Engine {
	g := newEngine()
	v1 := g.Group("/v1")
	{
		v1.GET("/pool", d.pool)
		v1.GET("/balances/:address", d.balance)
		v1.GET("/halted", d.halted)
		v1.GET("/settlements/:id", d.settlement)
		v1.POST("/settlements/:id/reconcile", d.reconcile)
	}
	return g
}

func (d Destination) pool(c *gin.Context) {
	balance, err := d.Pool.PoolBalance()
	if err != nil {
		fail(c, err)
		return
	}
	last, err := d.Pool.LastNonce()
	if err != nil {
		fail(c, err)
		return
	}
	held, err := d.Pool.Held()
	if err != nil {
		fail(c, err)
		return
	}
	if held == nil {
		held = []uint64{}
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance, "lastNonce": last, "held": held})
}

func (d Destination) balance(c *gin.Context) {
	addr, err := crypto.ParseAddress(c.Param("address"))
	if err != nil {
		fail(c, err)
		return
	}
	balance, err := d.Pool.BalanceOf(addr)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": balance})
}

func (d Destination) halted(c *gin.Context) {
	records, err := d.Pool.Halted()
	if err != nil {
		fail(c, err)
		return
	}
	if records == nil {
		records = []settlement.HaltRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (d Destination) settlement(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	rec, found, err := d.Pool.Settlement(id)
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		escrow, err := d.Pool.Escrow(id)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"err": "item not settled", "escrow": escrow})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// reconcile pays out a halted item with an operator supplied distribution.
func (d Destination) reconcile(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	var req struct {
		Distribution state.Distribution `json:"distribution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := d.Pool.Reconcile(id, req.Distribution); err != nil {
		fail(c, err)
		return
	}
	rec, _, err := d.Pool.Settlement(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
