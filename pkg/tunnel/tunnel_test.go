package tunnel

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeDevice is an in-memory Device standing in for a real TUN device,
// which the test environment cannot open without kernel privileges.
type fakeDevice struct {
	mu      sync.Mutex
	toRead  [][]byte
	written [][]byte
	closed  bool
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.toRead) == 0 {
		if d.closed {
			return 0, io.EOF
		}
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		d.mu.Lock()
	}
	packet := d.toRead[0]
	d.toRead = d.toRead[1:]
	return copy(p, packet), nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.written = append(d.written, append([]byte(nil), p...))
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) Name() string { return "fake0" }

func (d *fakeDevice) push(packet []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toRead = append(d.toRead, packet)
}

func (d *fakeDevice) writtenSnapshot() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

type recordingSession struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *recordingSession) Send(plaintext []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), plaintext...))
	return len(plaintext), nil
}

func (s *recordingSession) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func newTestTunnel(device *fakeDevice, session RecordSession) *Tunnel {
	t := &Tunnel{
		device:     device,
		session:    session,
		writeQueue: make(chan []byte, 1024),
		active:     true,
	}
	t.wg.Add(1)
	go t.writeWorker()
	return t
}

func TestPumpSendsPacketsReadFromDevice(t *testing.T) {
	device := &fakeDevice{}
	session := &recordingSession{}
	tun := newTestTunnel(device, session)
	defer tun.Close()

	packet := []byte("fake ip packet")
	device.push(packet)

	pumpErr := make(chan error, 1)
	go func() { pumpErr <- tun.Pump() }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(session.snapshot()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := session.snapshot()
	if len(got) != 1 || !bytes.Equal(got[0], packet) {
		t.Fatalf("session.Send received %v, want [%q]", got, packet)
	}
}

func TestInjectWritesToDevice(t *testing.T) {
	device := &fakeDevice{}
	tun := newTestTunnel(device, &recordingSession{})
	defer tun.Close()

	packet := []byte("inbound decrypted packet")
	if err := tun.Inject(packet); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(device.writtenSnapshot()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := device.writtenSnapshot()
	if len(got) != 1 || !bytes.Equal(got[0], packet) {
		t.Fatalf("device received %v, want [%q]", got, packet)
	}
}

func TestInjectRejectsAfterClose(t *testing.T) {
	device := &fakeDevice{}
	tun := newTestTunnel(device, &recordingSession{})
	if err := tun.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := tun.Inject([]byte("too late")); err == nil {
		t.Error("Inject() after Close() expected error, got nil")
	}
}

func TestCidrToNetmask(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"8", "255.0.0.0"},
		{"16", "255.255.0.0"},
		{"24", "255.255.255.0"},
		{"30", "255.255.255.252"},
		{"32", "255.255.255.255"},
		{"0", "0.0.0.0"},
		{"not-a-number", "255.255.255.0"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("prefix=%s", tt.prefix), func(t *testing.T) {
			if got := cidrToNetmask(tt.prefix); got != tt.want {
				t.Errorf("cidrToNetmask(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}
