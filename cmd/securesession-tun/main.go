// Command securesession-tun establishes a Secure Session over a websocket
// connection between two hosts and pipes its record layer over a real TUN
// device, so that IP traffic routed onto the device is encrypted and
// authenticated end to end.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/securesession/securesession/internal/securelog"
	"github.com/securesession/securesession/pkg/transport/wstransport"
	"github.com/securesession/securesession/pkg/tunnel"
	"github.com/securesession/securesession/shared/container"
	"github.com/securesession/securesession/shared/cryptofacade"
	"github.com/securesession/securesession/shared/securesession"
)

var (
	mode           string
	listenAddr     string
	dialAddr       string
	localPeerID    string
	remotePeerID   string
	signingKeyPath string
	remotePubPath  string
	tunName        string
	tunIP          string
	tunPrefix      string
)

var rootCmd = &cobra.Command{
	Use:   "securesession-tun",
	Short: "Carry IP traffic over a Secure Session record layer via a TUN device",
	RunE:  runTun,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	f := rootCmd.Flags()
	f.StringVar(&mode, "mode", "", "client or server (required)")
	f.StringVar(&listenAddr, "listen-addr", ":8443", "address to listen on (server mode)")
	f.StringVar(&dialAddr, "dial-addr", "", "websocket URL to dial (client mode, required)")
	f.StringVar(&localPeerID, "peer-id", "", "this side's peer id (required)")
	f.StringVar(&remotePeerID, "remote-peer-id", "", "the other side's peer id (required)")
	f.StringVar(&signingKeyPath, "signing-key", "", "path to this side's private signing key (required)")
	f.StringVar(&remotePubPath, "remote-pubkey", "", "path to the other side's framed public key (required)")
	f.StringVar(&tunName, "tun-name", "securesession0", "TUN device name")
	f.StringVar(&tunIP, "tun-ip", "", "point-to-point IP address to assign the device")
	f.StringVar(&tunPrefix, "tun-prefix", "24", "CIDR prefix length for tun-ip")
	rootCmd.MarkFlagRequired("mode")
	rootCmd.MarkFlagRequired("peer-id")
	rootCmd.MarkFlagRequired("remote-peer-id")
	rootCmd.MarkFlagRequired("signing-key")
	rootCmd.MarkFlagRequired("remote-pubkey")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "securesession-tun: %v\n", err)
		os.Exit(1)
	}
}

// staticResolver answers GetPublicKeyForID with the one remote key this
// process was told about; there is no registry in point-to-point mode.
type staticResolver struct {
	remoteID  string
	remoteKey []byte
}

func (r staticResolver) GetPublicKeyForID(id []byte) ([]byte, error) {
	if string(id) != r.remoteID {
		return nil, fmt.Errorf("no known key for peer %q", id)
	}
	return r.remoteKey, nil
}

// tunReceiver feeds inbound wire bytes to the Session and, once a record
// decrypts to plaintext, injects it onto the TUN device.
type tunReceiver struct {
	session *securesession.Session
	tun     *tunnel.Tunnel
	log     *securelog.Logger
}

func (r *tunReceiver) Receive(data []byte) ([]byte, error) {
	plaintext, err := r.session.Receive(data)
	if err != nil {
		return nil, err
	}
	if plaintext != nil {
		if err := r.tun.Inject(plaintext); err != nil {
			r.log.Warn("dropping packet, tunnel inject failed", securelog.Fields{"error": err.Error()})
		}
	}
	return plaintext, nil
}

func runTun(cmd *cobra.Command, args []string) error {
	log := securelog.Default()
	log.SetLevel(securelog.INFO)

	keyBytes, err := os.ReadFile(signingKeyPath)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	signKey, err := cryptofacade.ParseSigningKey(keyBytes)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}
	remoteKey, err := os.ReadFile(remotePubPath)
	if err != nil {
		return fmt.Errorf("read remote public key: %w", err)
	}
	if _, err := container.Parse(remoteKey, container.TagECPub); err != nil {
		return fmt.Errorf("remote public key is not a valid framed key: %w", err)
	}
	resolver := staticResolver{remoteID: remotePeerID, remoteKey: remoteKey}

	var wsTransport *wstransport.Transport
	switch mode {
	case "client":
		wsTransport, err = dialClient(dialAddr, resolver)
	case "server":
		wsTransport, err = acceptServer(listenAddr, resolver)
	default:
		return fmt.Errorf("--mode must be client or server, got %q", mode)
	}
	if err != nil {
		return err
	}
	defer wsTransport.Close()

	session, err := securesession.Init([]byte(localPeerID), signKey, wsTransport)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	defer session.Cleanup()

	tun, err := tunnel.Open(tunName, tunIP, tunPrefix, session)
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer tun.Close()

	wsTransport.BindSession(&tunReceiver{session: session, tun: tun, log: log})

	if mode == "client" {
		log.Info("starting handshake", securelog.Fields{"remote": remotePeerID})
		if err := session.Connect(); err != nil {
			return fmt.Errorf("handshake failed: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	pumpErr := make(chan error, 1)
	go func() { pumpErr <- tun.Pump() }()

	log.Info("tunnel running", securelog.Fields{"device": tun.Name(), "mode": mode})

	select {
	case <-ctx.Done():
		return nil
	case err := <-pumpErr:
		if err != nil {
			return fmt.Errorf("tunnel pump stopped: %w", err)
		}
		return nil
	}
}

func dialClient(addr string, resolver staticResolver) (*wstransport.Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wstransport.Dial(ctx, addr, wstransport.DefaultConfig(), resolver)
}

// acceptServer runs a one-shot HTTP server that accepts exactly one
// websocket upgrade and returns the resulting Transport.
func acceptServer(addr string, resolver staticResolver) (*wstransport.Transport, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	connCh := make(chan *wstransport.Transport, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/tun", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- fmt.Errorf("upgrade: %w", err)
			return
		}
		connCh <- wstransport.Accept(conn, wstransport.DefaultConfig(), resolver)
	})
	server := &http.Server{Addr: addr, Handler: mux}
	go server.ListenAndServe()

	select {
	case t := <-connCh:
		go server.Shutdown(context.Background())
		return t, nil
	case err := <-errCh:
		server.Shutdown(context.Background())
		return nil, err
	case <-time.After(2 * time.Minute):
		server.Shutdown(context.Background())
		return nil, fmt.Errorf("timed out waiting for client connection")
	}
}
