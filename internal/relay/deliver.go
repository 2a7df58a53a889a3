package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/eigerco/truelens/internal/bridge"
	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/pkg/log"
	"github.com/eigerco/truelens/pkg/network/transport"
)

// Applier is the destination side of the route, normally a
// *settlement.Pool.
type Applier interface {
	ApplyMessage(msg bridge.Message) (bridge.Receipt, error)
}

// LocalDeliverer applies messages in process, used when one node runs both
// domains and in tests.
type LocalDeliverer struct {
	dst Applier
}

func NewLocalDeliverer(dst Applier) *LocalDeliverer {
	return &LocalDeliverer{dst: dst}
}

func (d *LocalDeliverer) Deliver(ctx context.Context, msg bridge.Message) (bridge.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return bridge.Receipt{}, err
	}
	return d.dst.ApplyMessage(msg)
}

// RemoteDeliverer sends messages to a destination node over QUIC. The
// connection is opened lazily and replaced after a transport failure.
type RemoteDeliverer struct {
	tr   *transport.Transport
	addr string

	mu   sync.Mutex
	conn *transport.Conn
}

func NewRemoteDeliverer(tr *transport.Transport, addr string) *RemoteDeliverer {
	return &RemoteDeliverer{tr: tr, addr: addr}
}

func (d *RemoteDeliverer) Deliver(ctx context.Context, msg bridge.Message) (bridge.Receipt, error) {
	request, err := msg.Encode()
	if err != nil {
		return bridge.Receipt{}, fmt.Errorf("encode message: %w", err)
	}
	conn, err := d.connection(ctx)
	if err != nil {
		return bridge.Receipt{}, err
	}
	response, err := conn.Request(ctx, request)
	if err != nil {
		d.drop(conn)
		return bridge.Receipt{}, err
	}
	receipt, err := bridge.DecodeReceipt(response)
	if err != nil {
		return bridge.Receipt{}, err
	}
	return receipt, receipt.Err()
}

func (d *RemoteDeliverer) connection(ctx context.Context) (*transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		select {
		case <-d.conn.Done():
			d.conn = nil
		default:
			return d.conn, nil
		}
	}
	conn, err := d.tr.Connect(ctx, d.addr)
	if err != nil {
		return nil, err
	}
	log.Relay.Info().Str("addr", d.addr).Msg("connected to destination")
	d.conn = conn
	return conn, nil
}

func (d *RemoteDeliverer) drop(conn *transport.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == conn {
		_ = conn.Close()
		d.conn = nil
	}
}

// Close releases the connection, if any.
func (d *RemoteDeliverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Handler serves relay requests on a destination node. Every request gets a
// receipt, including malformed ones.
type Handler struct {
	dst Applier
}

func NewHandler(dst Applier) *Handler {
	return &Handler{dst: dst}
}

func (h *Handler) HandleRequest(_ context.Context, peer ed25519.PublicKey, request []byte) ([]byte, error) {
	msg, err := bridge.DecodeMessage(request)
	if err != nil {
		log.Relay.Warn().Hex("peer", peer).Err(err).Msg("malformed message")
		return bridge.NewReceipt(0, bridge.ReceiptRejected, err).Encode()
	}
	receipt, _ := h.dst.ApplyMessage(msg)
	return receipt.Encode()
}
