package node

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/eigerco/truelens/internal/api"
	"github.com/eigerco/truelens/internal/config"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/internal/ism"
	"github.com/eigerco/truelens/internal/relay"
	"github.com/eigerco/truelens/internal/settlement"
	"github.com/eigerco/truelens/internal/store"
	"github.com/eigerco/truelens/pkg/log"
	"github.com/eigerco/truelens/pkg/network/transport"
)

// Destination holds the settlement pool and accepts relayed messages.
type Destination struct {
	cfg       config.Config
	Store     *store.Store
	Pool      *settlement.Pool
	transport *transport.Transport
}

func OpenDestination(cfg config.Config) (*Destination, error) {
	st, err := store.Open(cfg.Destination.DataDir)
	if err != nil {
		return nil, err
	}
	d, err := NewDestination(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return d, nil
}

func NewDestination(cfg config.Config, st *store.Store) (*Destination, error) {
	keys, err := cfg.ValidatorKeys()
	if err != nil {
		return nil, err
	}
	origin, destination := cfg.Route()
	module, err := ism.New(ism.Config{
		Origin:     origin,
		Mailbox:    cfg.MailboxAddress(),
		Validators: keys,
		Threshold:  cfg.Security.Threshold,
	})
	if err != nil {
		return nil, err
	}
	pool := settlement.NewPool(st, module, settlement.Config{
		Domain: destination,
		Origin: origin,
		Policy: cfg.Policy(),
	})
	return &Destination{cfg: cfg, Store: st, Pool: pool}, nil
}

func (d *Destination) Router() http.Handler {
	return api.NewDestinationRouter(api.Destination{Pool: d.Pool})
}

// Listen starts accepting relay connections on cfg.Destination.ListenAddr.
func (d *Destination) Listen() (net.Addr, error) {
	if d.transport != nil {
		return d.transport.Addr()
	}
	priv, err := ed25519.ParseSeed(d.cfg.Destination.NodeSeed)
	if err != nil {
		return nil, fmt.Errorf("destination node seed: %w", err)
	}
	trusted := make([]ed25519.PublicKey, 0, len(d.cfg.Destination.TrustedRelayers))
	for _, s := range d.cfg.Destination.TrustedRelayers {
		k, err := ed25519.ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		trusted = append(trusted, k)
	}
	tr, err := newTransport(d.cfg, priv, d.cfg.Destination.ListenAddr, relay.NewHandler(d.Pool), trusted)
	if err != nil {
		return nil, err
	}
	if err := tr.Start(); err != nil {
		return nil, err
	}
	d.transport = tr
	log.Network.Info().Hex("key", priv.Public().(ed25519.PublicKey)).Msg("destination node identity")
	return tr.Addr()
}

// Run accepts relay traffic and serves the HTTP API until ctx is cancelled.
func (d *Destination) Run(ctx context.Context) error {
	if _, err := d.Listen(); err != nil {
		return err
	}
	defer d.transport.Stop() //nolint:errcheck
	return api.Serve(ctx, d.cfg.Destination.HTTPAddr, d.Router())
}

func (d *Destination) Close() error {
	if d.transport != nil {
		_ = d.transport.Stop()
		d.transport = nil
	}
	return d.Store.Close()
}
