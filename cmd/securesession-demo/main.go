// Command securesession-demo runs a complete handshake and a few wrapped
// records between two in-process peers, to exercise the core package end
// to end without any real network transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/securesession/securesession/internal/securelog"
	"github.com/securesession/securesession/shared/securesession"
)

var rootCmd = &cobra.Command{
	Use:   "securesession-demo",
	Short: "Run a local Secure Session handshake and record exchange",
	RunE:  runDemo,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "securesession-demo: %v\n", err)
		os.Exit(1)
	}
}

// loopbackTransport wires a Session directly to its peer's Receive method
// and resolves peer keys from a shared in-memory registry.
type loopbackTransport struct {
	log      *securelog.Logger
	peer     *securesession.Session
	registry map[string][]byte
}

func (t *loopbackTransport) SendData(data []byte) error {
	plaintext, err := t.peer.Receive(data)
	if err != nil {
		return err
	}
	if plaintext != nil {
		t.log.Info("received application data", securelog.Fields{"plaintext": string(plaintext)})
	}
	return nil
}

func (t *loopbackTransport) GetPublicKeyForID(id []byte) ([]byte, error) {
	key, ok := t.registry[string(id)]
	if !ok {
		return nil, fmt.Errorf("no registered key for %q", id)
	}
	return key, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	log := securelog.Default()
	log.SetLevel(securelog.INFO)

	clientKey, err := identityKey()
	if err != nil {
		return err
	}
	serverKey, err := identityKey()
	if err != nil {
		return err
	}

	clientVerify, err := framedVerifyKeyOf(clientKey)
	if err != nil {
		return err
	}
	serverVerify, err := framedVerifyKeyOf(serverKey)
	if err != nil {
		return err
	}

	registry := map[string][]byte{
		"client-demo": clientVerify,
		"server-demo": serverVerify,
	}

	clientTransport := &loopbackTransport{log: log.With("client"), registry: registry}
	serverTransport := &loopbackTransport{log: log.With("server"), registry: registry}

	client, err := securesession.Init([]byte("client-demo"), clientKey, clientTransport)
	if err != nil {
		return fmt.Errorf("init client session: %w", err)
	}
	server, err := securesession.Init([]byte("server-demo"), serverKey, serverTransport)
	if err != nil {
		return fmt.Errorf("init server session: %w", err)
	}
	clientTransport.peer = server
	serverTransport.peer = client

	log.Info("starting handshake")
	if err := client.Connect(); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	log.Info("handshake complete",
		securelog.Fields{
			"client_state": client.State().String(),
			"server_state": server.State().String(),
			"session_id":   fmt.Sprintf("%x", client.SessionID()),
		})

	if _, err := client.Send([]byte("hello from the client")); err != nil {
		return fmt.Errorf("client send failed: %w", err)
	}
	if _, err := server.Send([]byte("hello back from the server")); err != nil {
		return fmt.Errorf("server send failed: %w", err)
	}

	client.Cleanup()
	server.Cleanup()
	return nil
}
