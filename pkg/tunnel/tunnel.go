// Package tunnel pipes an established Secure Session's record layer over a
// TUN device, so two hosts can carry real IP traffic across it — the
// natural demonstration of why anyone would want the record layer at all.
package tunnel

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/songgao/water"
)

// RecordSession is the subset of *securesession.Session a Tunnel drives
// packets through: Send wraps and transmits, Receive (fed encoded records
// arriving on some transport) is handled by the caller's own transport
// wiring, not by this package — a Tunnel only needs the send half plus a
// decoded-plaintext callback.
type RecordSession interface {
	Send(plaintext []byte) (int, error)
}

// Device is the subset of water.Interface a Tunnel needs.
type Device interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	Name() string
}

const mtu = 1500

// Tunnel reads IP packets off a TUN device and wraps+sends each one over a
// Secure Session, and accepts decrypted plaintext from the peer to write
// back onto the device.
type Tunnel struct {
	device  Device
	session RecordSession

	writeQueue chan []byte
	mu         sync.RWMutex
	active     bool
	wg         sync.WaitGroup
}

// Open creates (or attaches to) a TUN device named name and configures it
// with the given point-to-point IP address and CIDR prefix length.
func Open(name, ipAddr, prefixLen string, session RecordSession) (*Tunnel, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.Name = name
	}

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create TUN device: %w", err)
	}

	t := &Tunnel{
		device:     iface,
		session:    session,
		writeQueue: make(chan []byte, 1024),
		active:     true,
	}

	t.wg.Add(1)
	go t.writeWorker()

	if ipAddr != "" && prefixLen != "" {
		if err := t.configureIP(iface.Name(), ipAddr, prefixLen); err != nil {
			t.Close()
			return nil, fmt.Errorf("configure TUN address: %w", err)
		}
	}

	return t, nil
}

func (t *Tunnel) configureIP(name, ipAddr, prefixLen string) error {
	if runtime.GOOS == "darwin" {
		cmd := exec.Command("ifconfig", name, ipAddr, ipAddr, "netmask", cidrToNetmask(prefixLen), "up")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ifconfig: %w (output: %s)", err, out)
		}
		return nil
	}

	if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
		return fmt.Errorf("bring up interface: %w", err)
	}
	cidr := fmt.Sprintf("%s/%s", ipAddr, prefixLen)
	if err := exec.Command("ip", "addr", "add", cidr, "dev", name).Run(); err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	return nil
}

// cidrToNetmask converts an IPv4 prefix length ("8", "16", "30", ...) to its
// dotted-decimal netmask. Invalid or out-of-range prefixes fall back to a
// /24, matching the permissive style of this package's other ifconfig args.
func cidrToNetmask(prefixLen string) string {
	bits, err := strconv.Atoi(prefixLen)
	if err != nil || bits < 0 || bits > 32 {
		bits = 24
	}
	mask := net.CIDRMask(bits, 32)
	return net.IPv4(mask[0], mask[1], mask[2], mask[3]).String()
}

// Name returns the TUN device's kernel-assigned name.
func (t *Tunnel) Name() string {
	return t.device.Name()
}

// Pump reads packets off the TUN device in a loop, wrapping and sending
// each over the Secure Session, until the device is closed or a read error
// occurs. Intended to run in its own goroutine.
func (t *Tunnel) Pump() error {
	buf := make([]byte, mtu)
	for {
		n, err := t.device.Read(buf)
		if err != nil {
			return fmt.Errorf("read packet from TUN device: %w", err)
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		if _, err := t.session.Send(packet); err != nil {
			return fmt.Errorf("send packet over session: %w", err)
		}
	}
}

// Inject writes a packet (decrypted from an inbound record) onto the TUN
// device, queued so a slow device write never blocks the caller delivering
// inbound records.
func (t *Tunnel) Inject(packet []byte) error {
	t.mu.RLock()
	if !t.active {
		t.mu.RUnlock()
		return fmt.Errorf("tunnel is closed")
	}
	t.mu.RUnlock()

	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case t.writeQueue <- packetCopy:
		return nil
	default:
		return fmt.Errorf("tunnel write queue full, packet dropped")
	}
}

func (t *Tunnel) writeWorker() {
	defer t.wg.Done()
	for packet := range t.writeQueue {
		t.mu.RLock()
		active := t.active
		t.mu.RUnlock()
		if !active {
			return
		}
		if _, err := t.device.Write(packet); err != nil {
			continue
		}
	}
}

// Close shuts down the tunnel and its underlying device.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()

	close(t.writeQueue)
	t.wg.Wait()
	return t.device.Close()
}
