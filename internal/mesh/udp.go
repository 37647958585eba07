package mesh

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMulticastGroup is the LAN multicast address relay nodes flood on.
const DefaultMulticastGroup = "239.77.77.77:27077"

// peerExpiry is how long a sender counts as a connected peer after its last
// datagram.
const peerExpiry = 2 * time.Minute

const maxDatagram = 64 * 1024

// UDPTransport floods envelopes over LAN multicast. It stands in for the
// short-range radio on fixed relay nodes (shelters, aid stations) that share
// a local network segment but may have no internet uplink.
type UDPTransport struct {
	group      string
	instanceID string

	mu       sync.Mutex
	conn     *net.UDPConn
	groupUDP *net.UDPAddr
	receiver func(InboundMessage)
	peers    map[string]time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewUDPTransport creates a transport on group ("host:port"); empty means
// DefaultMulticastGroup.
func NewUDPTransport(group string) *UDPTransport {
	if group == "" {
		group = DefaultMulticastGroup
	}
	return &UDPTransport{
		group:      group,
		instanceID: uuid.NewString(),
		peers:      make(map[string]time.Time),
	}
}

// IsAvailable reports whether the group address resolves and a socket can
// be bound.
func (t *UDPTransport) IsAvailable(_ context.Context) (bool, error) {
	if _, err := net.ResolveUDPAddr("udp4", t.group); err != nil {
		return false, fmt.Errorf("mesh: resolve group %q: %w", t.group, err)
	}
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return false, fmt.Errorf("mesh: bind probe socket: %w", err)
	}
	_ = probe.Close()
	return true, nil
}

// RequestPermission always grants: a daemon has no runtime permission prompt.
func (t *UDPTransport) RequestPermission(_ context.Context) (bool, error) {
	return true, nil
}

// Start joins the multicast group and begins the read loop.
func (t *UDPTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return fmt.Errorf("mesh: transport already started")
	}

	addr, err := net.ResolveUDPAddr("udp4", t.group)
	if err != nil {
		return fmt.Errorf("mesh: resolve group %q: %w", t.group, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("mesh: join group %q: %w", t.group, err)
	}
	_ = conn.SetReadBuffer(maxDatagram)

	t.conn = conn
	t.groupUDP = addr
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

// Stop leaves the group and ends the read loop.
func (t *UDPTransport) Stop(_ context.Context) error {
	t.mu.Lock()
	conn := t.conn
	stopCh := t.stopCh
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(stopCh)
	err := conn.Close()
	t.wg.Wait()
	return err
}

// Broadcast sends content to every node on the group.
func (t *UDPTransport) Broadcast(_ context.Context, content string) error {
	t.mu.Lock()
	conn := t.conn
	group := t.groupUDP
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("mesh: transport not started")
	}

	frame := t.instanceID + "\n" + content
	if len(frame) > maxDatagram {
		return fmt.Errorf("mesh: frame exceeds %d bytes", maxDatagram)
	}
	_, err := conn.WriteToUDP([]byte(frame), group)
	return err
}

// PeerCount returns how many distinct senders were heard recently.
func (t *UDPTransport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	n := 0
	for id, seen := range t.peers {
		if now.Sub(seen) > peerExpiry {
			delete(t.peers, id)
			continue
		}
		n++
	}
	return n
}

// SetReceiver installs the inbound handler. Must be set before Start.
func (t *UDPTransport) SetReceiver(fn func(InboundMessage)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

func (t *UDPTransport) readLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			log.Printf("mesh: udp read: %v", err)
			return
		}

		sender, content, ok := strings.Cut(string(buf[:n]), "\n")
		if !ok || sender == t.instanceID {
			// Malformed frame or our own multicast echo.
			continue
		}

		t.mu.Lock()
		t.peers[sender] = time.Now()
		receiver := t.receiver
		t.mu.Unlock()

		if receiver != nil {
			receiver(InboundMessage{SenderID: sender, Content: content})
		}
	}
}
