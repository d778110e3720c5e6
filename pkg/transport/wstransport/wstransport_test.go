package wstransport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeRegistry struct {
	keys map[string][]byte
}

func (r *fakeRegistry) GetPublicKeyForID(id []byte) ([]byte, error) {
	key, ok := r.keys[string(id)]
	if !ok {
		return nil, fmt.Errorf("no key for %q", id)
	}
	return key, nil
}

type recordingReceiver struct {
	mu       sync.Mutex
	received [][]byte
}

func (r *recordingReceiver) Receive(data []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, append([]byte(nil), data...))
	return nil, nil
}

func (r *recordingReceiver) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.received))
	copy(out, r.received)
	return out
}

func TestSendDataDeliversToServerReceiver(t *testing.T) {
	serverReceiver := &recordingReceiver{}
	upgrader := websocket.Upgrader{}

	var serverTransport *Transport
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		serverTransport = Accept(conn, DefaultConfig(), &fakeRegistry{})
		serverTransport.BindSession(serverReceiver)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientTransport, err := Dial(context.Background(), wsURL, DefaultConfig(), &fakeRegistry{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientTransport.Close()

	if err := clientTransport.SendData([]byte("hello over websocket")); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(serverReceiver.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := serverReceiver.snapshot()
	if len(got) != 1 || string(got[0]) != "hello over websocket" {
		t.Fatalf("server received = %v, want one message %q", got, "hello over websocket")
	}
}

func TestGetPublicKeyForIDDelegatesToRegistry(t *testing.T) {
	registry := &fakeRegistry{keys: map[string][]byte{"peer-a": []byte("framed-key")}}
	tr := &Transport{registry: registry}

	key, err := tr.GetPublicKeyForID([]byte("peer-a"))
	if err != nil {
		t.Fatalf("GetPublicKeyForID() error = %v", err)
	}
	if string(key) != "framed-key" {
		t.Errorf("key = %q, want %q", key, "framed-key")
	}

	if _, err := tr.GetPublicKeyForID([]byte("unknown")); err == nil {
		t.Error("GetPublicKeyForID() for unknown id expected error, got nil")
	}
}
