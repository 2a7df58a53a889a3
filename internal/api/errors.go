package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/content"
	"github.com/eigerco/truelens/internal/crypto"
	"github.com/eigerco/truelens/internal/registry"
	"github.com/eigerco/truelens/internal/settlement"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/pkg/log"
)

var errorStatus = []struct {
	err    error
	status int
}{
	{state.ErrItemNotFound, http.StatusNotFound},
	{state.ErrStakeNotFound, http.StatusNotFound},
	{bridge.ErrUnknownMessage, http.StatusNotFound},
	{settlement.ErrNotHalted, http.StatusNotFound},
	{state.ErrInvalidStake, http.StatusUnprocessableEntity},
	{state.ErrQuorumNotReached, http.StatusConflict},
	{state.ErrSettlementMismatch, http.StatusConflict},
	{bridge.ErrNotHalted, http.StatusConflict},
	{registry.ErrMissingRef, http.StatusBadRequest},
	{content.ErrInvalidRef, http.StatusBadRequest},
	{crypto.ErrInvalidAddress, http.StatusBadRequest},
}

func statusFor(err error) int {
	for _, es := range errorStatus {
		if errors.Is(err, es.err) {
			return es.status
		}
	}
	return http.StatusInternalServerError
}

// fail writes err with the status it maps to.
func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.API.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"err": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
}
