// Package wstransport carries Secure Session handshake and record bytes
// over a websocket connection. It is one interchangeable implementation of
// the securesession.Transport collaborator — the core package never knows
// which concrete transport is driving it.
package wstransport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// KeyResolver looks up a peer id's framed signing public key, typically
// backed by the identity registry.
type KeyResolver interface {
	GetPublicKeyForID(id []byte) ([]byte, error)
}

// SessionReceiver is the subset of *securesession.Session a Transport needs
// to deliver inbound bytes to.
type SessionReceiver interface {
	Receive(data []byte) ([]byte, error)
}

// Config controls dial/accept timeouts and message size limits.
type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
}

// DefaultConfig returns sane defaults for an interactive handshake-then-
// record-stream connection.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     20 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

// Transport pumps binary websocket messages to and from a driving Session.
type Transport struct {
	cfg      Config
	conn     *websocket.Conn
	registry KeyResolver
	session  SessionReceiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	errs chan error
}

// Dial opens an outbound websocket connection to addr.
func Dial(ctx context.Context, addr string, cfg Config, registry KeyResolver) (*Transport, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid transport address: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: cfg.HandshakeTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket transport: %w", err)
	}
	return newTransport(conn, cfg, registry), nil
}

// Accept wraps an already-upgraded websocket connection (as produced by a
// gorilla/websocket Upgrader on the relay side).
func Accept(conn *websocket.Conn, cfg Config, registry KeyResolver) *Transport {
	return newTransport(conn, cfg, registry)
}

func newTransport(conn *websocket.Conn, cfg Config, registry KeyResolver) *Transport {
	conn.SetReadLimit(cfg.MaxMessageSize)
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		conn:     conn,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 8),
	}
}

// BindSession attaches the Session this transport delivers inbound bytes
// to, and starts the read loop. Must be called before the remote end's
// first message arrives.
func (t *Transport) BindSession(session SessionReceiver) {
	t.mu.Lock()
	t.session = session
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop()
	if t.cfg.PingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop()
	}
}

// SendData implements securesession.Transport.
func (t *Transport) SendData(data []byte) error {
	if t.cfg.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// GetPublicKeyForID implements securesession.Transport.
func (t *Transport) GetPublicKeyForID(id []byte) ([]byte, error) {
	return t.registry.GetPublicKeyForID(id)
}

// Errors returns the channel read-loop failures are reported on.
func (t *Transport) Errors() <-chan error {
	return t.errs
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if t.cfg.ReadTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.reportErr(fmt.Errorf("read websocket message: %w", err))
			}
			return
		}

		t.mu.Lock()
		session := t.session
		t.mu.Unlock()
		if session == nil {
			continue
		}
		if _, err := session.Receive(data); err != nil {
			t.reportErr(fmt.Errorf("session receive: %w", err))
		}
	}
}

func (t *Transport) pingLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				t.reportErr(fmt.Errorf("ping websocket: %w", err))
				return
			}
		}
	}
}

func (t *Transport) reportErr(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

// Close shuts down the transport and its background loops.
func (t *Transport) Close() error {
	t.cancel()
	t.wg.Wait()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	_ = t.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return t.conn.Close()
}
