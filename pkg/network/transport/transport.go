// Package transport carries bridge requests over QUIC. Both ends present
// self-signed ed25519 certificates over TLS 1.3 and each request uses its own
// bidirectional stream: one request frame, one response frame.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/eigerco/truelens/internal/crypto/ed25519"
	"github.com/eigerco/truelens/pkg/log"
	"github.com/eigerco/truelens/pkg/network/frame"
)

// MaxIdleTimeout defines the maximum duration a connection can be idle before timing out
const MaxIdleTimeout = 5 * time.Minute

// StreamTimeout bounds handling of a single inbound request.
const StreamTimeout = 10 * time.Second

// Handler answers one request from an authenticated peer.
type Handler interface {
	HandleRequest(ctx context.Context, peer ed25519.PublicKey, request []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer ed25519.PublicKey, request []byte) ([]byte, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, peer ed25519.PublicKey, request []byte) ([]byte, error) {
	return f(ctx, peer, request)
}

// CertValidator performs TLS certificate validation and public key extraction
type CertValidator interface {
	ValidateCertificate(cert *x509.Certificate) error
	ExtractPublicKey(cert *x509.Certificate) (ed25519.PublicKey, error)
}

// Config contains all configuration parameters for a Transport
type Config struct {
	TLSCert       *tls.Certificate
	ListenAddr    string // empty for dial-only transports
	CertValidator CertValidator
	// Protocol is the single ALPN protocol both ends must speak.
	Protocol string
	Handler  Handler
}

// Transport manages QUIC connections and their lifecycles
type Transport struct {
	config   Config
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTransport creates and configures a new transport instance.
func NewTransport(config Config) (*Transport, error) {
	if config.TLSCert == nil {
		return nil, fmt.Errorf("TLS certificate required")
	}
	if config.CertValidator == nil {
		return nil, fmt.Errorf("certificate validator required")
	}
	if config.Protocol == "" {
		return nil, fmt.Errorf("ALPN protocol required")
	}
	if config.TLSCert.Leaf == nil {
		return nil, fmt.Errorf("%w: missing leaf", ErrInvalidCertificate)
	}
	// Our own certificate only has to be well formed; trust pinning applies
	// to peers.
	if _, err := config.CertValidator.ExtractPublicKey(config.TLSCert.Leaf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{config: config, ctx: ctx, cancel: cancel}, nil
}

func (t *Transport) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{*t.config.TLSCert},
		NextProtos:         []string{t.config.Protocol},
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("%w: no peer certificate provided", ErrInvalidCertificate)
			}
			if err := t.config.CertValidator.ValidateCertificate(cs.PeerCertificates[0]); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
			}
			if cs.NegotiatedProtocol != t.config.Protocol {
				return fmt.Errorf("unexpected protocol %q", cs.NegotiatedProtocol)
			}
			return nil
		},
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  MaxIdleTimeout,
		KeepAlivePeriod: MaxIdleTimeout / 3,
	}
}

// Start begins accepting connections on ListenAddr.
func (t *Transport) Start() error {
	if t.config.Handler == nil {
		return ErrNoHandler
	}
	listener, err := quic.ListenAddr(t.config.ListenAddr, t.tlsConfig(), quicConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	t.listener = listener
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop()
	}()
	log.Network.Info().Str("addr", listener.Addr().String()).Str("protocol", t.config.Protocol).Msg("listening")
	return nil
}

// Addr returns the listening address.
func (t *Transport) Addr() (net.Addr, error) {
	if t.listener == nil {
		return nil, ErrNotStarted
	}
	return t.listener.Addr(), nil
}

// Stop closes the listener and waits for in-flight requests to finish.
func (t *Transport) Stop() error {
	t.cancel()
	var err error
	if t.listener != nil {
		if cerr := t.listener.Close(); cerr != nil {
			err = fmt.Errorf("failed to close listener: %w", cerr)
		}
	}
	t.wg.Wait()
	return err
}

// Connect dials a remote peer.
func (t *Transport) Connect(ctx context.Context, addr string) (*Conn, error) {
	qConn, err := quic.DialAddr(ctx, addr, t.tlsConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	peerKey, err := t.peerKey(qConn)
	if err != nil {
		_ = qConn.CloseWithError(0, err.Error())
		return nil, err
	}
	return newConn(qConn, peerKey), nil
}

func (t *Transport) peerKey(qConn quic.Connection) (ed25519.PublicKey, error) {
	certs := qConn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate provided", ErrInvalidCertificate)
	}
	return t.config.CertValidator.ExtractPublicKey(certs[0])
}

func (t *Transport) acceptLoop() {
	for {
		qConn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				log.Network.Error().Err(err).Msg("failed to accept connection")
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConn(qConn)
		}()
	}
}

// serveConn answers streams on one connection until it closes.
func (t *Transport) serveConn(qConn quic.Connection) {
	peerKey, err := t.peerKey(qConn)
	if err != nil {
		log.Network.Warn().Err(err).Msg("rejecting connection")
		_ = qConn.CloseWithError(0, err.Error())
		return
	}
	conn := newConn(qConn, peerKey)
	defer conn.Close() //nolint:errcheck

	for {
		stream, err := qConn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveStream(conn, stream)
		}()
	}
}

func (t *Transport) serveStream(conn *Conn, stream quic.Stream) {
	defer stream.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(t.ctx, StreamTimeout)
	defer cancel()

	request, err := frame.Read(ctx, stream)
	if err != nil {
		log.Network.Warn().Err(err).Msg("failed to read request")
		stream.CancelRead(0)
		return
	}
	response, err := t.config.Handler.HandleRequest(ctx, conn.PeerKey(), request)
	if err != nil {
		log.Network.Warn().Err(err).Msg("request handler failed")
		stream.CancelWrite(1)
		return
	}
	if err := frame.Write(ctx, stream, response); err != nil {
		log.Network.Warn().Err(err).Msg("failed to write response")
	}
}
