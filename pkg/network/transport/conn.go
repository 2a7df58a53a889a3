package transport

import (
	"context"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/pkg/network/frame"
)

// Conn is an authenticated QUIC connection to a peer.
type Conn struct {
	qConn   quic.Connection
	peerKey ed25519.PublicKey
}

func newConn(qConn quic.Connection, peerKey ed25519.PublicKey) *Conn {
	return &Conn{qConn: qConn, peerKey: peerKey}
}

// Request sends request on a fresh stream and waits for the response frame.
// The deadline of ctx bounds the whole exchange.
func (c *Conn) Request(ctx context.Context, request []byte) ([]byte, error) {
	stream, err := c.qConn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := frame.Write(ctx, stream, request); err != nil {
		stream.CancelRead(0)
		return nil, err
	}
	// closing the send side tells the peer the request is complete
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}
	response, err := frame.Read(ctx, stream)
	if err != nil {
		stream.CancelRead(0)
		return nil, err
	}
	return response, nil
}

// PeerKey returns the public key of the connected peer.
func (c *Conn) PeerKey() ed25519.PublicKey {
	return c.peerKey
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.qConn.Context().Done()
}

func (c *Conn) Close() error {
	return c.qConn.CloseWithError(0, "")
}
