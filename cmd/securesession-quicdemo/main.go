// Command securesession-quicdemo runs a complete Secure Session handshake
// and record exchange between two in-process peers connected over a real
// QUIC stream on the loopback interface, using pkg/transport/quictransport as the Transport collaborator.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/securesession/securesession/internal/securelog"
	"github.com/securesession/securesession/pkg/transport/quictransport"
	"github.com/securesession/securesession/shared/container"
	"github.com/securesession/securesession/shared/cryptofacade"
	"github.com/securesession/securesession/shared/securesession"
)

var rootCmd = &cobra.Command{
	Use:   "securesession-quicdemo",
	Short: "Run a Secure Session handshake over a real QUIC connection",
	RunE:  runQUICDemo,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "securesession-quicdemo: %v\n", err)
		os.Exit(1)
	}
}

type staticRegistry struct {
	keys map[string][]byte
}

func (r staticRegistry) GetPublicKeyForID(id []byte) ([]byte, error) {
	key, ok := r.keys[string(id)]
	if !ok {
		return nil, fmt.Errorf("no registered key for %q", id)
	}
	return key, nil
}

func selfSignedServerTLS() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "securesession-quicdemo"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"securesession-quicdemo"},
	}, nil
}

// pumpUntilEstablished feeds inbound QUIC frames to session.Receive until
// the handshake completes or reads start failing, reporting the outcome on
// done.
func pumpUntilEstablished(log *securelog.Logger, transport *quictransport.Transport, session *securesession.Session, done chan<- error) {
	for session.State() != securesession.StateEstablished {
		msg, err := transport.ReadMessage()
		if err != nil {
			done <- fmt.Errorf("read: %w", err)
			return
		}
		if _, err := session.Receive(msg); err != nil {
			done <- fmt.Errorf("receive: %w", err)
			return
		}
	}
	log.Info("handshake complete", securelog.Fields{"session_id": fmt.Sprintf("%x", session.SessionID())})
	done <- nil
}

func runQUICDemo(cmd *cobra.Command, args []string) error {
	log := securelog.Default()
	log.SetLevel(securelog.INFO)

	clientKey, err := cryptofacade.GenerateSigningKey()
	if err != nil {
		return err
	}
	serverKey, err := cryptofacade.GenerateSigningKey()
	if err != nil {
		return err
	}
	clientVerify, err := framedVerify(clientKey)
	if err != nil {
		return err
	}
	serverVerify, err := framedVerify(serverKey)
	if err != nil {
		return err
	}
	registry := staticRegistry{keys: map[string][]byte{
		"client-demo": clientVerify,
		"server-demo": serverVerify,
	}}

	tlsConfig, err := selfSignedServerTLS()
	if err != nil {
		return fmt.Errorf("generate tls config: %w", err)
	}

	ln, err := quictransport.Listen("127.0.0.1:0", tlsConfig, quictransport.DefaultConfig(), registry)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	type acceptResult struct {
		transport *quictransport.Transport
		err       error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		t, err := ln.Accept(ctx)
		acceptCh <- acceptResult{t, err}
	}()

	clientTransport, err := quictransport.Dial(context.Background(), ln.Addr(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"securesession-quicdemo"},
	}, quictransport.DefaultConfig(), registry)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer clientTransport.Close()

	accepted := <-acceptCh
	if accepted.err != nil {
		return fmt.Errorf("accept: %w", accepted.err)
	}
	serverTransport := accepted.transport
	defer serverTransport.Close()

	clientSession, err := securesession.Init([]byte("client-demo"), clientKey, clientTransport)
	if err != nil {
		return fmt.Errorf("init client session: %w", err)
	}
	serverSession, err := securesession.Init([]byte("server-demo"), serverKey, serverTransport)
	if err != nil {
		return fmt.Errorf("init server session: %w", err)
	}

	clientDone := make(chan error, 1)
	serverDone := make(chan error, 1)
	go pumpUntilEstablished(log.With("client"), clientTransport, clientSession, clientDone)
	go pumpUntilEstablished(log.With("server"), serverTransport, serverSession, serverDone)

	if err := clientSession.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := <-clientDone; err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}
	if err := <-serverDone; err != nil {
		return fmt.Errorf("server handshake: %w", err)
	}

	if _, err := clientSession.Send([]byte("hello over quic")); err != nil {
		return fmt.Errorf("client send: %w", err)
	}
	msg, err := serverTransport.ReadMessage()
	if err != nil {
		return fmt.Errorf("server read: %w", err)
	}
	plaintext, err := serverSession.Receive(msg)
	if err != nil {
		return fmt.Errorf("server receive: %w", err)
	}
	log.Info("server received", securelog.Fields{"plaintext": string(plaintext)})

	clientSession.Cleanup()
	serverSession.Cleanup()
	return nil
}

func framedVerify(sk *cryptofacade.SigningKey) ([]byte, error) {
	raw, err := sk.Public().Marshal()
	if err != nil {
		return nil, err
	}
	return container.Make(container.TagECPub, raw), nil
}
