// Package node assembles origin and destination nodes from configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eigerco/truelens/internal/api"
	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/config"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/leaderboard"
	"github.com/eigerco/truelens/internal/ledger"
	"github.com/eigerco/truelens/internal/registry"
	"github.com/eigerco/truelens/internal/relay"
	"github.com/eigerco/truelens/internal/resolution"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/log"
	"github.com/eigerco/truelens/pkg/network/cert"
	"github.com/eigerco/truelens/pkg/network/protocol"
	"github.com/eigerco/truelens/pkg/network/transport"
)

var genesisKey = store.MakeKey(store.PrefixMeta, []byte("genesis"))

// Origin runs verification: registry, ledger, resolution and the outbox.
type Origin struct {
	cfg         config.Config
	Store       *store.Store
	Ledger      *ledger.Ledger
	Messenger   *bridge.Messenger
	Registry    *registry.Registry
	Engine      *resolution.Engine
	Leaderboard *leaderboard.Aggregator
}

// OpenOrigin opens the origin store under cfg.Origin.DataDir.
func OpenOrigin(cfg config.Config) (*Origin, error) {
	st, err := store.Open(cfg.Origin.DataDir)
	if err != nil {
		return nil, err
	}
	o, err := NewOrigin(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return o, nil
}

// NewOrigin wires an origin over st and credits the genesis balances the
// first time the store is used.
func NewOrigin(cfg config.Config, st *store.Store) (*Origin, error) {
	validators, err := cfg.ValidatorSigners()
	if err != nil {
		return nil, err
	}
	origin, destination := cfg.Route()

	o := &Origin{cfg: cfg, Store: st, Ledger: ledger.New(cfg.Protocol.MinStake)}
	o.Messenger = bridge.NewMessenger(st, bridge.Config{
		Origin:      origin,
		Destination: destination,
		Sender:      cfg.MailboxAddress(),
		Recipient:   cfg.PoolAddress(),
		Validators:  validators,
	})
	o.Registry = registry.New(st, o.Ledger, o.Messenger, registry.Config{
		Origin:           origin,
		MinQuorumStake:   cfg.Protocol.MinQuorumStake,
		SubmissionWindow: cfg.Protocol.SubmissionWindow,
	})
	o.Engine, err = resolution.NewEngine(st, o.Registry, o.Ledger, o.Messenger, cfg.ResolutionConfig())
	if err != nil {
		return nil, err
	}
	o.Leaderboard = leaderboard.New(st, o.Messenger, cfg.Protocol.LeaderboardTTL)

	if err := o.applyGenesis(); err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	return o, nil
}

func (o *Origin) applyGenesis() error {
	balances, err := o.cfg.GenesisBalances()
	if err != nil {
		return err
	}
	return o.Store.Update(func(tx *store.Tx) error {
		var done bool
		found, err := tx.Get(genesisKey, &done)
		if err != nil || found {
			return err
		}
		for addr, amount := range balances {
			if err := o.Ledger.Deposit(tx, addr, amount); err != nil {
				return err
			}
		}
		log.Ledger.Info().Int("accounts", len(balances)).Msg("genesis balances credited")
		return tx.Put(genesisKey, true)
	})
}

func (o *Origin) Router() http.Handler {
	return api.NewOriginRouter(api.Origin{
		Store:       o.Store,
		Ledger:      o.Ledger,
		Registry:    o.Registry,
		Engine:      o.Engine,
		Messenger:   o.Messenger,
		Leaderboard: o.Leaderboard,
	})
}

// ResolveDue resolves every item that became resolvable and refreshes the
// leaderboard when anything changed.
func (o *Origin) ResolveDue() int {
	resolved, err := o.Engine.ResolveDue()
	if err != nil {
		log.Ledger.Error().Err(err).Msg("resolving due items")
	}
	if len(resolved) > 0 {
		o.Leaderboard.Invalidate()
		log.Ledger.Info().Int("items", len(resolved)).Msg("items resolved")
	}
	return len(resolved)
}

// RunResolver calls ResolveDue every interval until ctx is cancelled.
func (o *Origin) RunResolver(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Protocol.ResolveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ResolveDue()
		}
	}
}

// NewRelay returns a relay draining this origin's outbox into d.
func (o *Origin) NewRelay(d relay.Deliverer) *relay.Relay {
	return relay.New(o.Messenger, d, relay.Config{
		AckTimeout: o.cfg.Bridge.AckTimeout,
		Interval:   o.cfg.Bridge.RetryInterval,
		Rate:       o.cfg.Bridge.Rate,
		Burst:      o.cfg.Bridge.Burst,
	}).OnDelivered(o.Leaderboard.Invalidate)
}

// RemoteDeliverer dials the configured destination node over QUIC.
func (o *Origin) RemoteDeliverer() (*relay.RemoteDeliverer, *transport.Transport, error) {
	priv, err := ed25519.ParseSeed(o.cfg.Relay.NodeSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("relay node seed: %w", err)
	}
	var trusted []ed25519.PublicKey
	if o.cfg.Relay.DestinationKey != "" {
		key, err := ed25519.ParsePublicKey(o.cfg.Relay.DestinationKey)
		if err != nil {
			return nil, nil, err
		}
		trusted = append(trusted, key)
	}
	tr, err := newTransport(o.cfg, priv, "", nil, trusted)
	if err != nil {
		return nil, nil, err
	}
	return relay.NewRemoteDeliverer(tr, o.cfg.Relay.DestinationAddr), tr, nil
}

// Run serves the HTTP API, resolves due items and, when enabled, relays to
// the destination until ctx is cancelled.
func (o *Origin) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 3)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := api.Serve(ctx, o.cfg.Origin.HTTPAddr, o.Router()); err != nil {
			errs <- fmt.Errorf("http api: %w", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		o.RunResolver(ctx)
	}()

	if o.cfg.Relay.Enabled {
		deliverer, tr, err := o.RemoteDeliverer()
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer tr.Stop()         //nolint:errcheck
		defer deliverer.Close() //nolint:errcheck
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.NewRelay(deliverer).Run(ctx); err != nil {
				errs <- fmt.Errorf("relay: %w", err)
			}
		}()
	}

	wg.Wait()
	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

func (o *Origin) Close() error {
	return o.Store.Close()
}

func newTransport(cfg config.Config, priv ed25519.PrivateKey, listen string, handler transport.Handler, trusted []ed25519.PublicKey) (*transport.Transport, error) {
	tlsCert, err := cert.New(priv, cert.DefaultValidity)
	if err != nil {
		return nil, err
	}
	origin, destination := cfg.Route()
	return transport.NewTransport(transport.Config{
		TLSCert:       tlsCert,
		ListenAddr:    listen,
		CertValidator: cert.NewValidator(trusted...),
		Protocol:      protocol.NewProtocolID(origin, destination).String(),
		Handler:       handler,
	})
}
