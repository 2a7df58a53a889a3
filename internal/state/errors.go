package state

import "errors"

var (
	// ErrInvalidStake covers duplicate votes, sub-minimum amounts and stakes
	// on items that are no longer pending. The transaction is reverted.
	ErrInvalidStake = errors.New("invalid stake")
	// ErrQuorumNotReached is returned when resolution is attempted too early.
	// Callers retry later.
	ErrQuorumNotReached = errors.New("quorum not reached")
	// ErrMessageReplay means the nonce was already applied on the destination.
	ErrMessageReplay = errors.New("message replay")
	// ErrMessageOutOfOrder means an earlier nonce has not been applied yet.
	ErrMessageOutOfOrder = errors.New("message out of order")
	// ErrSettlementMismatch is fatal to automatic retry and requires manual
	// reconciliation.
	ErrSettlementMismatch = errors.New("settlement mismatch")
	// ErrBridgeTimeout means no acknowledgment arrived within the window.
	ErrBridgeTimeout = errors.New("bridge timeout")

	ErrItemNotFound  = errors.New("news item not found")
	ErrStakeNotFound = errors.New("stake not found")
)
