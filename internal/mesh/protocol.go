package mesh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/reliefgrid/beacon/internal/backend"
	"github.com/reliefgrid/beacon/internal/meshcrypto"
	"github.com/reliefgrid/beacon/internal/model"
	"github.com/reliefgrid/beacon/internal/store"
)

// State is the protocol lifecycle state. Stop returns the protocol to
// StateInitialized so it can be started again without re-running the
// capability checks.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
)

// DefaultAckWait bounds how long SendSOS waits for a delivery acknowledgment.
const DefaultAckWait = 60 * time.Second

// EventType classifies subscriber notifications.
type EventType int

const (
	EventSOSReceived EventType = iota
	EventAckReceived
	EventStatusReceived
)

// Event is delivered to protocol subscribers for every processed envelope.
type Event struct {
	Type     EventType
	Envelope Envelope
}

// BackendRelay is the slice of the backend client the relay path needs.
type BackendRelay interface {
	RelayMeshSOS(ctx context.Context, req backend.RelayRequest) (*backend.SubmitResponse, error)
	NotifyAckDelivered(ctx context.Context, notice backend.AckNotice) error
}

// RecordStore persists SOS records received in a responder role.
type RecordStore interface {
	Put(storeName, key string, v any) error
}

// Config wires the protocol's collaborators.
type Config struct {
	Transport Transport
	Codec     *meshcrypto.Codec
	// Backend relays received SOS envelopes when this device has internet.
	// Optional; nil disables backend relaying.
	Backend BackendRelay
	// Records stores responder-received SOS for operator action. Optional.
	Records RecordStore
	// IsResponder marks this device as a recognized authority/responder.
	IsResponder bool
	// HasInternet reports current wide-area reachability; consulted on every
	// received SOS. Optional; nil means never.
	HasInternet func() bool
	// APICredential is required by Initialize; an empty credential fails closed.
	APICredential string
	// AckWait overrides DefaultAckWait when positive.
	AckWait time.Duration
}

// SendResult reports the outcome of one SendSOS broadcast.
type SendResult struct {
	MessageID string
	// Ack is the acknowledgment that arrived within the wait window, or nil.
	Ack *Acknowledgment
	// AckPending is set when the wait timed out. The broadcast itself cannot
	// be retracted, so a timeout is still a successful send.
	AckPending bool
}

// Protocol is the mesh relay service for one device.
type Protocol struct {
	cfg       Config
	transport Transport
	codec     *meshcrypto.Codec
	ackWait   time.Duration

	mu     sync.Mutex
	state  State
	userID string

	dedupMu sync.Mutex
	dedup   *DedupSet

	waiters *xsync.Map[string, chan Acknowledgment]

	subSeq      atomic.Uint64
	subscribers *xsync.Map[uint64, func(Event)]
}

// NewProtocol creates an uninitialized Protocol.
func NewProtocol(cfg Config) *Protocol {
	wait := cfg.AckWait
	if wait <= 0 {
		wait = DefaultAckWait
	}
	return &Protocol{
		cfg:         cfg,
		transport:   cfg.Transport,
		codec:       cfg.Codec,
		ackWait:     wait,
		dedup:       NewDedupSet(),
		waiters:     xsync.NewMap[string, chan Acknowledgment](),
		subscribers: xsync.NewMap[uint64, func(Event)](),
	}
}

// State returns the current lifecycle state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PeerCount returns the transport's current connected peer count.
func (p *Protocol) PeerCount() int {
	return p.transport.PeerCount()
}

// Initialized reports whether the capability checks have passed.
func (p *Protocol) Initialized() bool {
	return p.State() >= StateInitialized
}

// Running reports whether the broadcast radio is live.
func (p *Protocol) Running() bool {
	return p.State() == StateRunning
}

// Initialize runs the platform capability checks. It fails closed (false)
// on missing radio hardware, denied permission, or an empty API credential,
// and never returns an error to the caller.
func (p *Protocol) Initialize(ctx context.Context, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateRunning {
		return false
	}
	if userID == "" {
		log.Printf("mesh: initialize refused: empty user id")
		return false
	}
	if p.cfg.APICredential == "" {
		log.Printf("mesh: initialize refused: no api credential")
		return false
	}

	available, err := p.transport.IsAvailable(ctx)
	if err != nil || !available {
		log.Printf("mesh: initialize refused: radio unavailable (err=%v)", err)
		return false
	}
	granted, err := p.transport.RequestPermission(ctx)
	if err != nil || !granted {
		log.Printf("mesh: initialize refused: permission denied (err=%v)", err)
		return false
	}

	p.userID = userID
	p.state = StateInitialized
	return true
}

// Start enables the broadcast radio and begins processing inbound messages.
func (p *Protocol) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateInitialized {
		return fmt.Errorf("mesh: start requires initialized state, have %d", p.state)
	}
	if err := p.transport.Start(ctx); err != nil {
		return fmt.Errorf("mesh: start transport: %w", err)
	}
	p.transport.SetReceiver(p.HandleInbound)
	p.state = StateRunning
	log.Printf("mesh: running as %s (responder=%v)", p.userID, p.cfg.IsResponder)
	return nil
}

// Stop tears down the radio and returns to the initialized state.
func (p *Protocol) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateRunning {
		return nil
	}
	if err := p.transport.Stop(ctx); err != nil {
		return fmt.Errorf("mesh: stop transport: %w", err)
	}
	p.state = StateInitialized
	return nil
}

// Subscribe registers fn for protocol events, returning an unsubscribe
// handle. A panicking subscriber is isolated from the others.
func (p *Protocol) Subscribe(fn func(Event)) func() {
	id := p.subSeq.Add(1)
	p.subscribers.Store(id, fn)
	return func() { p.subscribers.Delete(id) }
}

func (p *Protocol) notify(ev Event) {
	p.subscribers.Range(func(_ uint64, fn func(Event)) bool {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("mesh: subscriber panic: %v", r)
				}
			}()
			fn(ev)
		}()
		return true
	})
}

// SendSOS broadcasts the payload as a fresh SOS envelope and waits up to the
// ack window for a delivery acknowledgment. A timed-out wait is reported via
// AckPending, not as an error.
func (p *Protocol) SendSOS(ctx context.Context, payload model.SOSPayload) (SendResult, error) {
	if p.State() != StateRunning {
		return SendResult{}, fmt.Errorf("mesh: send requires running state")
	}

	env := NewSOSEnvelope(p.userID, payload)

	// Mark our own id so a flood echo of this envelope is not reprocessed.
	p.dedupMu.Lock()
	p.dedup.Mark(env.MessageID)
	p.dedupMu.Unlock()

	ch := make(chan Acknowledgment, 1)
	p.waiters.Store(env.MessageID, ch)
	defer p.waiters.Delete(env.MessageID)

	if err := p.broadcast(ctx, env); err != nil {
		return SendResult{}, fmt.Errorf("mesh: broadcast sos: %w", err)
	}

	timer := time.NewTimer(p.ackWait)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return SendResult{MessageID: env.MessageID, Ack: &ack}, nil
	case <-timer.C:
		return SendResult{MessageID: env.MessageID, AckPending: true}, nil
	case <-ctx.Done():
		// The broadcast already left the radio; report it as pending
		// rather than failing a message that may well be in flight.
		return SendResult{MessageID: env.MessageID, AckPending: true}, nil
	}
}

// SendStatusUpdate broadcasts a notify-only status envelope. No ack machinery.
func (p *Protocol) SendStatusUpdate(ctx context.Context, status StatusUpdate) (string, error) {
	if p.State() != StateRunning {
		return "", fmt.Errorf("mesh: send requires running state")
	}
	env := NewStatusUpdateEnvelope(p.userID, status)
	p.dedupMu.Lock()
	p.dedup.Mark(env.MessageID)
	p.dedupMu.Unlock()
	if err := p.broadcast(ctx, env); err != nil {
		return "", fmt.Errorf("mesh: broadcast status: %w", err)
	}
	return env.MessageID, nil
}

// broadcast serializes and encrypts env, degrading to plaintext if encryption
// fails. Losing an emergency message outright is worse than sending it in the
// clear, so availability wins over confidentiality on this path. The fallback
// is always logged.
func (p *Protocol) broadcast(ctx context.Context, env Envelope) error {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	content, err := p.codec.Encrypt(raw)
	if err != nil {
		log.Printf("mesh: POLICY: encryption failed for %s, sending plaintext: %v", env.MessageID, err)
		content = string(raw)
	}
	return p.transport.Broadcast(ctx, content)
}

// HandleInbound processes one message from the radio. Installed as the
// transport receiver by Start; exported so hosts embedding their own
// transport loop can feed messages directly.
func (p *Protocol) HandleInbound(msg InboundMessage) {
	raw := []byte(msg.Content)
	if meshcrypto.IsEncrypted(msg.Content) {
		pt, err := p.codec.Decrypt(msg.Content)
		if err != nil {
			// Wrong key or corrupt wrapper: unparseable, drop.
			log.Printf("mesh: dropping undecryptable message from %s: %v", msg.SenderID, err)
			return
		}
		raw = pt
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		log.Printf("mesh: dropping malformed message from %s: %v", msg.SenderID, err)
		return
	}

	p.dedupMu.Lock()
	fresh := p.dedup.Mark(env.MessageID)
	p.dedupMu.Unlock()
	if !fresh {
		// Duplicate relay: idempotent no-op.
		return
	}

	switch env.Type {
	case TypeSOS:
		p.handleSOS(env)
	case TypeAck:
		p.handleAck(env)
	case TypeStatusUpdate:
		p.notify(Event{Type: EventStatusReceived, Envelope: env})
	}
}

func (p *Protocol) handleSOS(env Envelope) {
	ctx := context.Background()
	sos := env.SOS

	p.notify(Event{Type: EventSOSReceived, Envelope: env})

	// Responder role: store for immediate operator action and confirm
	// delivery even with zero internet anywhere in the mesh.
	if p.cfg.IsResponder {
		if p.cfg.Records != nil {
			rec := model.ReceivedSOS{
				MessageID:    env.MessageID,
				SenderID:     env.SenderID,
				Payload:      sos.Payload,
				Hops:         sos.Hops,
				RoutedVia:    sos.RoutedVia,
				ReceivedAtNs: time.Now().UnixNano(),
			}
			if err := p.cfg.Records.Put(store.StoreReceivedSOS, env.MessageID, rec); err != nil {
				log.Printf("mesh: store received sos %s: %v", env.MessageID, err)
			}
		}
		p.broadcastAck(ctx, Acknowledgment{
			OriginalMessageID: env.MessageID,
			AcknowledgedBy:    AckByResponder,
			ResponderID:       p.userID,
			TimestampNs:       time.Now().UnixNano(),
		})
	}

	// Internet-holding relay: deliver to the backend and ack with the
	// assigned case id.
	if p.cfg.Backend != nil && p.cfg.HasInternet != nil && p.cfg.HasInternet() {
		resp, err := p.cfg.Backend.RelayMeshSOS(ctx, backend.RelayRequest{
			MessageID:     env.MessageID,
			Payload:       sos.Payload,
			OriginTimeNs:  sos.Payload.CreatedAtNs,
			HopCount:      sos.Hops,
			RelayDeviceID: p.userID,
			RoutedVia:     sos.RoutedVia,
		})
		if err != nil {
			log.Printf("mesh: backend relay of %s failed: %v", env.MessageID, err)
		} else {
			p.broadcastAck(ctx, Acknowledgment{
				OriginalMessageID: env.MessageID,
				AcknowledgedBy:    AckByBackend,
				SOSID:             resp.SOSID,
				TimestampNs:       time.Now().UnixNano(),
			})
			if err := p.cfg.Backend.NotifyAckDelivered(ctx, backend.AckNotice{
				OriginalMessageID: env.MessageID,
				RelayDeviceID:     p.userID,
			}); err != nil {
				log.Printf("mesh: ack notice for %s failed: %v", env.MessageID, err)
			}
		}
	}

	// Flooding step: propagate outward regardless of whether this hop also
	// delivered. TTL alone bounds propagation; the routed chain is never
	// inspected for cycles.
	if sos.TTL > 0 {
		if err := p.broadcast(ctx, env.relayed(p.userID)); err != nil {
			log.Printf("mesh: relay of %s failed: %v", env.MessageID, err)
		}
	}
}

func (p *Protocol) handleAck(env Envelope) {
	ack := *env.Ack
	if ch, ok := p.waiters.Load(ack.OriginalMessageID); ok {
		select {
		case ch <- ack:
		default:
		}
	}
	p.notify(Event{Type: EventAckReceived, Envelope: env})
}

func (p *Protocol) broadcastAck(ctx context.Context, ack Acknowledgment) {
	env := NewAckEnvelope(p.userID, ack)
	p.dedupMu.Lock()
	p.dedup.Mark(env.MessageID)
	p.dedupMu.Unlock()
	if err := p.broadcast(ctx, env); err != nil {
		log.Printf("mesh: broadcast ack for %s failed: %v", ack.OriginalMessageID, err)
	}
}
