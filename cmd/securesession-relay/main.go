// Command securesession-relay terminates websocket connections from peers
// and drives a real Secure Session handshake with each one, resolving
// peer signing keys from a Postgres-backed identity registry and using a
// Redis-backed store to reject replayed session ids and rate-limit
// handshake attempts per peer.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/securesession/securesession/internal/config"
	"github.com/securesession/securesession/internal/securelog"
	"github.com/securesession/securesession/pkg/registry"
	"github.com/securesession/securesession/pkg/sessionstore"
	"github.com/securesession/securesession/pkg/transport/wstransport"
	"github.com/securesession/securesession/shared/cryptofacade"
	"github.com/securesession/securesession/shared/securesession"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "securesession-relay",
	Short: "Run a websocket relay that terminates Secure Session handshakes",
	RunE:  runRelay,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "securesession-relay: %v\n", err)
		os.Exit(1)
	}
}

// peerConn tracks one accepted connection's transport and underlying
// Session, enough to report status and to tear it down on error.
type peerConn struct {
	remoteID  string
	transport *wstransport.Transport
	session   *securesession.Session
	connectedAt time.Time
}

// relayServer accepts websocket connections, looks each claimed peer id up
// in the identity registry, and runs a Session against it.
type relayServer struct {
	cfg      *config.Config
	log      *securelog.Logger
	reg      *registry.PostgresRegistry
	store    *sessionstore.Store
	signKey  *cryptofacade.SigningKey
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peerConn
}

func newRelayServer(cfg *config.Config, log *securelog.Logger, reg *registry.PostgresRegistry, store *sessionstore.Store, signKey *cryptofacade.SigningKey) *relayServer {
	return &relayServer{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		store:   store,
		signKey: signKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
}

// trackedSession wraps a Session's Receive so the relay learns the moment
// a handshake first reaches Established, and can reject a session id that
// the store has already seen (a replayed or duplicated client-finish).
type trackedSession struct {
	session  *securesession.Session
	store    *sessionstore.Store
	log      *securelog.Logger
	remoteID string
}

func (t *trackedSession) Receive(data []byte) ([]byte, error) {
	wasEstablished := t.session.State() == securesession.StateEstablished
	plaintext, err := t.session.Receive(data)
	if err != nil {
		return nil, err
	}
	if !wasEstablished && t.session.State() == securesession.StateEstablished {
		sid := t.session.SessionID()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		first, serr := t.store.MarkEstablished(ctx, sid)
		cancel()
		if serr != nil {
			t.log.Error("session store unavailable", securelog.Fields{"error": serr.Error()})
			return nil, serr
		}
		if !first {
			t.log.Warn("rejecting replayed session id", securelog.Fields{"peer_id": t.remoteID, "session_id": fmt.Sprintf("%x", sid)})
			return nil, fmt.Errorf("duplicate session id")
		}
		t.log.Info("session established", securelog.Fields{"peer_id": t.remoteID, "session_id": fmt.Sprintf("%x", sid)})
	}
	return plaintext, nil
}

func (rs *relayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remoteID := r.URL.Query().Get("peer_id")
	if remoteID == "" {
		http.Error(w, "peer_id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	allowed, err := rs.store.AllowHandshakeAttempt(ctx, remoteID, rs.cfg.Handshake.RateLimitPerMin)
	cancel()
	if err != nil {
		rs.log.Error("rate limit check failed", securelog.Fields{"error": err.Error()})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !allowed {
		rs.log.Warn("rejecting handshake attempt over rate limit", securelog.Fields{"peer_id": remoteID})
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.log.Error("websocket upgrade failed", securelog.Fields{"error": err.Error()})
		return
	}

	transport := wstransport.Accept(conn, wstransport.DefaultConfig(), rs.reg)
	session, err := securesession.Init([]byte(rs.cfg.Identity.PeerID), rs.signKey, transport)
	if err != nil {
		rs.log.Error("init session failed", securelog.Fields{"peer_id": remoteID, "error": err.Error()})
		transport.Close()
		return
	}

	pc := &peerConn{remoteID: remoteID, transport: transport, session: session, connectedAt: time.Now()}
	rs.mu.Lock()
	if existing, ok := rs.peers[remoteID]; ok {
		existing.transport.Close()
	}
	rs.peers[remoteID] = pc
	rs.mu.Unlock()

	rs.log.Info("peer connected", securelog.Fields{"peer_id": remoteID, "remote_addr": r.RemoteAddr})

	transport.BindSession(&trackedSession{session: session, store: rs.store, log: rs.log, remoteID: remoteID})

	go rs.watchErrors(remoteID, pc)
}

func (rs *relayServer) watchErrors(remoteID string, pc *peerConn) {
	err := <-pc.transport.Errors()
	rs.log.Info("peer disconnected", securelog.Fields{"peer_id": remoteID, "reason": errString(err)})
	pc.session.Cleanup()
	rs.mu.Lock()
	if rs.peers[remoteID] == pc {
		delete(rs.peers, remoteID)
	}
	rs.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}

func (rs *relayServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connected_peers":%d,"peers":[`, len(rs.peers))
	first := true
	for id, pc := range rs.peers {
		if !first {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, `{"id":%q,"state":%q,"connected_at":%q}`, id, pc.session.State().String(), pc.connectedAt.Format(time.RFC3339))
		first = false
	}
	fmt.Fprint(w, `]}`)
}

func (rs *relayServer) start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", rs.handleWebSocket)
	mux.HandleFunc("/status", rs.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		rs.log.Info("relay listening", securelog.Fields{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rs.log.Error("server error", securelog.Fields{"error": err.Error()})
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rs.log.Info("shutting down relay", nil)
	return server.Shutdown(shutdownCtx)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := securelog.InitDefault("securesession-relay", securelog.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := securelog.Default()

	keyBytes, err := os.ReadFile(cfg.Identity.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	signKey, err := cryptofacade.ParseSigningKey(keyBytes)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}

	reg, err := registry.Open(registry.Config{
		Host:     cfg.Registry.Host,
		Port:     cfg.Registry.Port,
		User:     cfg.Registry.User,
		Password: cfg.Registry.Password,
		DBName:   cfg.Registry.DBName,
		SSLMode:  cfg.Registry.SSLMode,
	})
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	store, err := sessionstore.Open(sessionstore.Config{
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
		TTL:      cfg.Store.TTL,
	})
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	rs := newRelayServer(cfg, log, reg, store, signKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("received shutdown signal", nil)
		cancel()
	}()

	return rs.start(ctx, cfg.Transport.ListenAddr)
}
