// Package mesh implements the peer-to-peer relay protocol: the message
// envelope, TTL-bounded flooding, deduplication, and acknowledgments.
package mesh

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/reliefgrid/beacon/internal/model"
)

// MessageType tags an envelope variant. The set is closed; DecodeEnvelope
// rejects unknown tags so a new variant is a deliberate protocol change.
type MessageType string

const (
	TypeSOS          MessageType = "sos"
	TypeAck          MessageType = "acknowledgment"
	TypeStatusUpdate MessageType = "status_update"
)

const (
	// ProtocolVersion is bumped on any wire-incompatible envelope change.
	ProtocolVersion = 1

	// InitialTTL is the hop budget a fresh SOS envelope starts with.
	InitialTTL = 15

	maxDetailsLen       = 100
	maxMedicalCondition = 5
)

// AckSource identifies who produced an acknowledgment.
type AckSource string

const (
	AckByBackend   AckSource = "backend"
	AckByResponder AckSource = "responder"
)

// SOSMessage is the SOS variant body: the payload plus flood bookkeeping.
type SOSMessage struct {
	Payload model.SOSPayload `json:"payload"`
	// TTL is the remaining hop budget; flooding stops at zero.
	TTL int `json:"ttl"`
	// Hops counts relay hops already traveled.
	Hops int `json:"hops"`
	// RoutedVia is the append-only chain of relay identifiers. Never
	// deduplicated; the TTL bound alone stops cyclic propagation.
	RoutedVia []string `json:"routed_via"`
}

// Acknowledgment confirms delivery of an earlier SOS envelope.
type Acknowledgment struct {
	OriginalMessageID string    `json:"original_message_id"`
	AcknowledgedBy    AckSource `json:"acknowledged_by"`
	SOSID             string    `json:"sos_id,omitempty"`
	ResponderID       string    `json:"responder_id,omitempty"`
	TimestampNs       int64     `json:"timestamp_ns"`
}

// StatusUpdate is a lightweight broadcast of a sender's current condition.
type StatusUpdate struct {
	Status  model.SOSStatus `json:"status"`
	Details string          `json:"details,omitempty"`
}

// Envelope is the wire message: common header plus exactly one variant body.
type Envelope struct {
	Type      MessageType `json:"type"`
	Version   int         `json:"version"`
	MessageID string      `json:"message_id"`
	SenderID  string      `json:"sender_id"`

	SOS    *SOSMessage     `json:"sos,omitempty"`
	Ack    *Acknowledgment `json:"ack,omitempty"`
	Status *StatusUpdate   `json:"status,omitempty"`
}

// ClampSeverity rounds s to the nearest integer and clamps into [1,5].
func ClampSeverity(s float64) int {
	r := int(math.Round(s))
	if r < 1 {
		return 1
	}
	if r > 5 {
		return 5
	}
	return r
}

// sanitizePayload applies transmission limits without mutating the caller's
// copy: severity round-then-clamp, details truncation, condition cap.
func sanitizePayload(p model.SOSPayload) model.SOSPayload {
	p.Severity = float64(ClampSeverity(p.Severity))
	if len(p.Details) > maxDetailsLen {
		p.Details = p.Details[:maxDetailsLen]
	}
	if len(p.MedicalConditions) > maxMedicalCondition {
		p.MedicalConditions = p.MedicalConditions[:maxMedicalCondition]
	}
	return p
}

// NewSOSEnvelope builds a fresh SOS envelope with a unique message id and
// the initial flood bookkeeping.
func NewSOSEnvelope(senderID string, payload model.SOSPayload) Envelope {
	return Envelope{
		Type:      TypeSOS,
		Version:   ProtocolVersion,
		MessageID: uuid.NewString(),
		SenderID:  senderID,
		SOS: &SOSMessage{
			Payload:   sanitizePayload(payload),
			TTL:       InitialTTL,
			Hops:      0,
			RoutedVia: []string{},
		},
	}
}

// NewAckEnvelope builds an acknowledgment referencing originalMessageID.
func NewAckEnvelope(senderID string, ack Acknowledgment) Envelope {
	return Envelope{
		Type:      TypeAck,
		Version:   ProtocolVersion,
		MessageID: uuid.NewString(),
		SenderID:  senderID,
		Ack:       &ack,
	}
}

// NewStatusUpdateEnvelope builds a notify-only status broadcast.
func NewStatusUpdateEnvelope(senderID string, status StatusUpdate) Envelope {
	return Envelope{
		Type:      TypeStatusUpdate,
		Version:   ProtocolVersion,
		MessageID: uuid.NewString(),
		SenderID:  senderID,
		Status:    &status,
	}
}

// relayed returns a copy of a SOS envelope prepared for re-broadcast by
// relayID: ttl-1, hops+1, relay id appended to the routed chain.
func (e Envelope) relayed(relayID string) Envelope {
	sos := *e.SOS
	sos.TTL--
	sos.Hops++
	sos.RoutedVia = append(append([]string{}, sos.RoutedVia...), relayID)
	e.SOS = &sos
	return e
}

// EncodeEnvelope serializes an envelope to its JSON wire form.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a JSON wire envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("mesh: decode envelope: %w", err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("mesh: envelope missing message id")
	}
	switch e.Type {
	case TypeSOS:
		if e.SOS == nil {
			return fmt.Errorf("mesh: sos envelope missing body")
		}
	case TypeAck:
		if e.Ack == nil || e.Ack.OriginalMessageID == "" {
			return fmt.Errorf("mesh: ack envelope missing original message id")
		}
	case TypeStatusUpdate:
		if e.Status == nil {
			return fmt.Errorf("mesh: status envelope missing body")
		}
	default:
		return fmt.Errorf("mesh: unknown envelope type %q", e.Type)
	}
	return nil
}
