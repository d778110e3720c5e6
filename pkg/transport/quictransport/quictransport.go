// Package quictransport carries Secure Session bytes over a QUIC stream,
// demonstrating that the core package's callback vocabulary is transport
// agnostic — it is a drop-in alternative to wstransport.
package quictransport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// KeyResolver looks up a peer id's framed signing public key.
type KeyResolver interface {
	GetPublicKeyForID(id []byte) ([]byte, error)
}

// Config bounds idle/keepalive behavior of the underlying QUIC connection.
type Config struct {
	KeepAlivePeriod time.Duration
	MaxIdleTimeout  time.Duration
}

// DefaultConfig returns sane defaults for an interactive connection.
func DefaultConfig() Config {
	return Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

// Listener accepts inbound QUIC connections, each carrying one Transport.
type Listener struct {
	ql       *quic.Listener
	cfg      Config
	registry KeyResolver
}

// Listen opens a QUIC listener on addr.
func Listen(addr string, tlsConfig *tls.Config, cfg Config, registry KeyResolver) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	ql, err := quic.Listen(udpConn, tlsConfig, &quic.Config{
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
		KeepAlivePeriod:       cfg.KeepAlivePeriod,
		MaxIdleTimeout:        cfg.MaxIdleTimeout,
	})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("listen quic: %w", err)
	}

	return &Listener{ql: ql, cfg: cfg, registry: registry}, nil
}

// Accept waits for and returns the next inbound Transport.
func (l *Listener) Accept(ctx context.Context) (*Transport, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept quic connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to accept stream")
		return nil, fmt.Errorf("accept quic stream: %w", err)
	}
	return &Transport{conn: conn, stream: stream, registry: l.registry}, nil
}

// Close shuts down the listener.
func (l *Listener) Close() error {
	return l.ql.Close()
}

// Addr returns the address the listener is bound to, for callers that
// listened on an ephemeral port.
func (l *Listener) Addr() string {
	return l.ql.Addr().String()
}

// Dial establishes an outbound QUIC connection and opens its one stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, cfg Config, registry KeyResolver) (*Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial quic: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to open stream")
		return nil, fmt.Errorf("open quic stream: %w", err)
	}
	return &Transport{conn: conn, stream: stream, registry: registry}, nil
}

// Transport implements securesession.Transport over one QUIC stream, using
// a 4-byte big-endian length prefix per message (the stream itself has no
// message boundaries).
type Transport struct {
	conn     *quic.Conn
	stream   *quic.Stream
	registry KeyResolver
}

// SendData implements securesession.Transport.
func (t *Transport) SendData(data []byte) error {
	var lengthPrefix [4]byte
	binary.BigEndian.PutUint32(lengthPrefix[:], uint32(len(data)))
	if _, err := t.stream.Write(lengthPrefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := t.stream.Write(data); err != nil {
		return fmt.Errorf("write quic frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one length-prefixed message from the stream,
// blocking until one is available.
func (t *Transport) ReadMessage() ([]byte, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(t.stream, lengthPrefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lengthPrefix[:])
	if n == 0 || n > 1<<20 {
		return nil, fmt.Errorf("invalid frame length: %d", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(t.stream, data); err != nil {
		return nil, fmt.Errorf("read frame data: %w", err)
	}
	return data, nil
}

// GetPublicKeyForID implements securesession.Transport.
func (t *Transport) GetPublicKeyForID(id []byte) ([]byte, error) {
	return t.registry.GetPublicKeyForID(id)
}

// Close shuts down the stream and underlying connection.
func (t *Transport) Close() error {
	t.stream.Close()
	return t.conn.CloseWithError(0, "connection closed")
}
