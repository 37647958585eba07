// Package model defines domain structs shared across the delivery subsystem.
package model

import "time"

// ConnectionLayer identifies one delivery path in the fallback chain.
type ConnectionLayer string

const (
	LayerInternet  ConnectionLayer = "internet"
	LayerSMS       ConnectionLayer = "sms"
	LayerBluetooth ConnectionLayer = "bluetooth"
	LayerNone      ConnectionLayer = "none"
)

// InternetQuality classifies probe round-trip time.
type InternetQuality string

const (
	QualityGood InternetQuality = "good"
	QualityPoor InternetQuality = "poor"
	QualityNone InternetQuality = "none"
)

// InternetState is the monitor's view of the wide-area network layer.
type InternetState struct {
	Available       bool            `json:"available"`
	Quality         InternetQuality `json:"quality"`
	LastCheck       time.Time       `json:"last_check"`
	RoundTripMillis int64           `json:"round_trip_millis,omitempty"`
}

// CellularState is the monitor's view of the text-message layer.
type CellularState struct {
	Available   bool `json:"available"`
	CanSendText bool `json:"can_send_text"`
}

// BluetoothState is the monitor's view of the mesh radio layer.
type BluetoothState struct {
	Available       bool `json:"available"`
	MeshRunning     bool `json:"mesh_running"`
	MeshConnected   bool `json:"mesh_connected"`
	NearbyPeerCount int  `json:"nearby_peer_count"`
}

// ConnectionState is a point-in-time snapshot of all three layers.
// Mutated only by the connectivity monitor; treat as read-only elsewhere.
type ConnectionState struct {
	Internet  InternetState  `json:"internet"`
	Cellular  CellularState  `json:"cellular"`
	Bluetooth BluetoothState `json:"bluetooth"`
}

// SOSStatus is the self-reported condition of the person raising the SOS.
type SOSStatus string

const (
	StatusSafe     SOSStatus = "safe"
	StatusInjured  SOSStatus = "injured"
	StatusTrapped  SOSStatus = "trapped"
	StatusEvacuate SOSStatus = "evacuate"
)

// SOSPayload is the distress message content. Immutable once constructed;
// the mesh send path clamps severity and truncates free text before
// transmission rather than mutating the caller's copy.
type SOSPayload struct {
	PatientID         string    `json:"patient_id"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Accuracy          float64   `json:"accuracy"`
	Status            SOSStatus `json:"status"`
	Severity          float64   `json:"severity"`
	Details           string    `json:"details"`
	PatientName       string    `json:"patient_name,omitempty"`
	BloodType         string    `json:"blood_type,omitempty"`
	MedicalConditions []string  `json:"medical_conditions,omitempty"`
	CreatedAtNs       int64     `json:"created_at_ns"`
}

// PendingSOS is a queued payload awaiting retry after every layer failed.
type PendingSOS struct {
	MessageID     string     `json:"message_id"`
	Payload       SOSPayload `json:"payload"`
	CreatedAtNs   int64      `json:"created_at_ns"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptNs int64      `json:"last_attempt_ns,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// SyncOp is the pending operation kind for a generic sync-queue item.
type SyncOp string

const (
	SyncOpCreate SyncOp = "create"
	SyncOpUpdate SyncOp = "update"
	SyncOpDelete SyncOp = "delete"
)

// SyncQueueItem generalizes PendingSOS bookkeeping to any entity kind.
type SyncQueueItem struct {
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	Op            SyncOp `json:"op"`
	PayloadJSON   []byte `json:"payload_json"`
	CreatedAtNs   int64  `json:"created_at_ns"`
	RetryCount    int    `json:"retry_count"`
	LastAttemptNs int64  `json:"last_attempt_ns,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// ReceivedSOS is a mesh SOS stored locally on a responder device for
// immediate operator action.
type ReceivedSOS struct {
	MessageID    string     `json:"message_id"`
	SenderID     string     `json:"sender_id"`
	Payload      SOSPayload `json:"payload"`
	Hops         int        `json:"hops"`
	RoutedVia    []string   `json:"routed_via"`
	ReceivedAtNs int64      `json:"received_at_ns"`
}

// DispatchResult reports the outcome of one dispatch attempt across layers.
type DispatchResult struct {
	Success               bool              `json:"success"`
	Layer                 ConnectionLayer   `json:"layer"`
	MessageID             string            `json:"message_id"`
	SOSID                 string            `json:"sos_id,omitempty"`
	FallbacksAttempted    []ConnectionLayer `json:"fallbacks_attempted"`
	Error                 string            `json:"error,omitempty"`
	AcknowledgmentPending bool              `json:"acknowledgment_pending,omitempty"`
}
