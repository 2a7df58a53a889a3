// Package relay moves outbox messages from the origin to the destination and
// reports the outcome of every delivery back to the messenger.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/state"
	"github.com/eigerco/truelens/pkg/log"
)

const (
	DefaultAckTimeout = 10 * time.Second
	DefaultInterval   = 2 * time.Second
)

// Deliverer hands a message to the destination and returns its receipt. The
// error mirrors receipt.Err() when a receipt was obtained.
type Deliverer interface {
	Deliver(ctx context.Context, msg bridge.Message) (bridge.Receipt, error)
}

// Source is the origin side of the route, normally a *bridge.Messenger.
type Source interface {
	Pending() ([]bridge.Record, error)
	OnAcknowledge(nonce uint64) error
	OnTimeout(nonce uint64) error
	Retry(nonce uint64) (bridge.Message, error)
	OnHalt(nonce uint64, reason string) error
}

type Config struct {
	// AckTimeout bounds a single delivery, including the wait for the receipt.
	AckTimeout time.Duration
	// Interval is the pause between passes over the outbox.
	Interval time.Duration
	// Rate limits deliveries per second. Zero means unlimited.
	Rate  float64
	Burst int
}

// Stats counts the outcomes of one pass.
type Stats struct {
	Delivered int
	Held      int
	Halted    int
	Failed    int
}

type Relay struct {
	src         Source
	dst         Deliverer
	cfg         Config
	limiter     *rate.Limiter
	onDelivered func()
}

func New(src Source, dst Deliverer, cfg Config) *Relay {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Relay{src: src, dst: dst, cfg: cfg, limiter: rate.NewLimiter(limit, cfg.Burst)}
}

// OnDelivered registers fn to run after a pass that acknowledged at least one
// message.
func (r *Relay) OnDelivered(fn func()) *Relay {
	r.onDelivered = fn
	return r
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Relay.Info().Dur("interval", r.cfg.Interval).Dur("ackTimeout", r.cfg.AckTimeout).Msg("relay started")
	for {
		if _, err := r.Step(ctx); err != nil && ctx.Err() == nil {
			log.Relay.Error().Err(err).Msg("relay pass failed")
		}
		select {
		case <-ctx.Done():
			log.Relay.Info().Msg("relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Step makes one pass over the pending messages in nonce order. The pass
// stops at the first message the destination cannot take yet, since every
// later nonce would be refused as out of order.
func (r *Relay) Step(ctx context.Context) (Stats, error) {
	var stats Stats
	records, err := r.src.Pending()
	if err != nil {
		return stats, fmt.Errorf("load pending messages: %w", err)
	}
	defer func() {
		if stats.Delivered > 0 && r.onDelivered != nil {
			r.onDelivered()
		}
	}()

	for _, rec := range records {
		if err := r.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		msg := rec.Message
		if rec.Status == bridge.StatusFailed {
			if msg, err = r.src.Retry(msg.Nonce); err != nil {
				return stats, fmt.Errorf("retry nonce %d: %w", rec.Message.Nonce, err)
			}
		}

		proceed, err := r.deliver(ctx, msg, &stats)
		if err != nil {
			return stats, err
		}
		if !proceed {
			break
		}
	}
	return stats, nil
}

// deliver sends one message and records the outcome. It reports whether the
// pass may go on to the next nonce.
func (r *Relay) deliver(ctx context.Context, msg bridge.Message, stats *Stats) (bool, error) {
	logger := log.Relay.With().
		Str("attempt", uuid.NewString()).
		Uint64("nonce", msg.Nonce).
		Stringer("kind", msg.Payload.Kind).
		Logger()

	dctx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	receipt, err := r.dst.Deliver(dctx, msg)
	cancel()

	if ctx.Err() != nil {
		// shutting down; the message stays Sent and goes out again next run
		return false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: nonce %d after %s", state.ErrBridgeTimeout, msg.Nonce, r.cfg.AckTimeout)
	}

	switch {
	case err == nil && receipt.Status == bridge.ReceiptHeld:
		stats.Held++
		logger.Debug().Msg("held by destination")
		return true, nil
	case errors.Is(err, state.ErrSettlementMismatch):
		// the nonce is consumed on the destination; only an operator moves it on
		stats.Halted++
		logger.Error().Err(err).Msg("halting message")
		return true, r.src.OnHalt(msg.Nonce, err.Error())
	case err == nil, errors.Is(err, state.ErrMessageReplay):
		// a replay means an earlier attempt landed and its ack was lost
		stats.Delivered++
		logger.Info().Msg("acknowledged")
		return true, r.src.OnAcknowledge(msg.Nonce)
	default:
		// security and routing rejections leave the nonce unconsumed, so they
		// are retried like a lost connection
		stats.Failed++
		logger.Warn().Err(err).Msg("delivery failed, will retry")
		return false, r.src.OnTimeout(msg.Nonce)
	}
}
