package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/content"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/leaderboard"
	"github.com/eigerco/truelens/internal/ledger"
	"github.com/eigerco/truelens/internal/registry"
	"github.com/eigerco/truelens/internal/resolution"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/internal/store"
)

const defaultLeaderboardLimit = 50

// Origin groups the components an origin node exposes.
type Origin struct {
	Store       *store.Store
	Ledger      *ledger.Ledger
	Registry    *registry.Registry
	Engine      *resolution.Engine
	Messenger   *bridge.Messenger
	Leaderboard *leaderboard.Aggregator
}

// NewOriginRouter returns the HTTP handler of an origin node.
func NewOriginRouter(o Origin) *gin.Engine {
	g := newEngine()
	v1 := g.Group("/v1")
	{
		v1.POST("/items", o.submit)
		v1.GET("/items", o.listItems)
		v1.GET("/items/:id", o.item)
		v1.POST("/items/:id/stakes", o.stake)
		v1.GET("/items/:id/stakes/:verifier", o.stakeOf)
		v1.POST("/items/:id/resolve", o.resolve)
		v1.GET("/accounts/:address", o.account)
		v1.GET("/leaderboard", o.leaderboard)
		v1.GET("/messages", o.messages)
		v1.GET("/messages/checkpoint", o.checkpoint)
		v1.POST("/messages/:nonce/resume", o.resume)
	}
	return g
}

func (o Origin) submit(c *gin.Context) {
	var req struct {
		ContentRef string `json:"contentRef"`
		// Content is hashed into a reference when no reference is given.
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var (
		ref content.Ref
		err error
	)
	switch {
	case req.ContentRef != "":
		ref, err = content.ParseRef(req.ContentRef)
	case req.Content != "":
		ref, err = content.RefForData([]byte(req.Content))
	default:
		err = registry.ErrMissingRef
	}
	if err != nil {
		fail(c, err)
		return
	}

	item, err := o.Registry.Submit(ref)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (o Origin) listItems(c *gin.Context) {
	var filter []state.Status
	if s := c.Query("status"); s != "" {
		status, err := state.ParseStatus(s)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter = append(filter, status)
	}
	items, err := o.Registry.Items(filter...)
	if err != nil {
		fail(c, err)
		return
	}
	if items == nil {
		items = []state.NewsItem{}
	}
	c.JSON(http.StatusOK, items)
}

type itemView struct {
	state.NewsItem
	TotalStake uint64            `json:"totalStake"`
	Stakes     []state.Stake     `json:"stakes"`
	Resolution *state.Resolution `json:"resolution,omitempty"`
}

func (o Origin) item(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	item, err := o.Registry.Item(id)
	if err != nil {
		fail(c, err)
		return
	}
	stakes, err := o.Registry.Stakes(id)
	if err != nil {
		fail(c, err)
		return
	}
	total, err := registry.TotalStake(stakes)
	if err != nil {
		fail(c, err)
		return
	}
	view := itemView{NewsItem: item, TotalStake: total, Stakes: stakes}
	if view.Stakes == nil {
		view.Stakes = []state.Stake{}
	}
	if res, found, err := o.Engine.Resolution(id); err != nil {
		fail(c, err)
		return
	} else if found {
		view.Resolution = &res
	}
	c.JSON(http.StatusOK, view)
}

// stakeRequest is a signed instruction with hex encoded key material.
type stakeRequest struct {
	Choice    state.Choice `json:"choice" binding:"required"`
	Amount    uint64       `json:"amount" binding:"required"`
	PublicKey string       `json:"publicKey" binding:"required"`
	Signature string       `json:"signature" binding:"required"`
}

func (o Origin) stake(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	pub, err := ed25519.ParsePublicKey(req.PublicKey)
	if err != nil {
		badRequest(c, err)
		return
	}
	sig, err := crypto.DecodeHex(req.Signature)
	if err != nil || len(sig) != crypto.Ed25519SignatureSize {
		badRequest(c, fmt.Errorf("signature must be %d hex bytes", crypto.Ed25519SignatureSize))
		return
	}

	stake, err := o.Registry.RecordStake(id, registry.SignedInstruction{
		NewsItemID: id,
		Choice:     req.Choice,
		Amount:     req.Amount,
		PublicKey:  pub,
		Signature:  crypto.Ed25519Signature(sig),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stake)
}

func (o Origin) stakeOf(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	verifier, err := crypto.ParseAddress(c.Param("verifier"))
	if err != nil {
		fail(c, err)
		return
	}
	stake, err := o.Registry.StakeOf(verifier, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stake)
}

func (o Origin) resolve(c *gin.Context) {
	id, ok := itemID(c)
	if !ok {
		return
	}
	res, err := o.Engine.Resolve(id)
	if err != nil {
		fail(c, err)
		return
	}
	o.Leaderboard.Invalidate()
	c.JSON(http.StatusOK, res)
}

func (o Origin) account(c *gin.Context) {
	addr, err := crypto.ParseAddress(c.Param("address"))
	if err != nil {
		fail(c, err)
		return
	}
	var balance uint64
	if err := o.Store.View(func(tx *store.Tx) error {
		balance, err = o.Ledger.Balance(tx, addr)
		return err
	}); err != nil {
		fail(c, err)
		return
	}
	entry, found, err := o.Leaderboard.Entry(addr)
	if err != nil {
		fail(c, err)
		return
	}
	resp := gin.H{"address": addr, "balance": balance}
	if found {
		resp["profile"] = entry
	}
	c.JSON(http.StatusOK, resp)
}

func (o Origin) leaderboard(c *gin.Context) {
	order, err := leaderboard.ParseOrder(c.Query("order"))
	if err != nil {
		badRequest(c, err)
		return
	}
	limit := defaultLeaderboardLimit
	if s := c.Query("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", s))
			return
		}
	}
	entries, err := o.Leaderboard.Top(order, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (o Origin) messages(c *gin.Context) {
	var (
		records []bridge.Record
		err     error
	)
	if c.Query("pending") == "true" {
		records, err = o.Messenger.Pending()
	} else {
		records, err = o.Messenger.Records()
	}
	if err != nil {
		fail(c, err)
		return
	}
	if records == nil {
		records = []bridge.Record{}
	}
	c.JSON(http.StatusOK, records)
}

func (o Origin) checkpoint(c *gin.Context) {
	cp, err := o.Messenger.Checkpoint()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": cp.Count, "root": cp.Root.String()})
}

func (o Origin) resume(c *gin.Context) {
	nonce, err := strconv.ParseUint(c.Param("nonce"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid nonce %q", c.Param("nonce")))
		return
	}
	if err := o.Messenger.Resume(nonce); err != nil {
		fail(c, err)
		return
	}
	rec, err := o.Messenger.Record(nonce)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func itemID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid item id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}
