// Package dispatch implements the fallback orchestrator: given an SOS
// payload it walks the ranked layer list, attempts each in turn, and on
// total failure persists the request for later retry.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliefgrid/beacon/internal/backend"
	"github.com/reliefgrid/beacon/internal/mesh"
	"github.com/reliefgrid/beacon/internal/model"
	"github.com/reliefgrid/beacon/internal/store"
)

// DefaultInternetTimeout bounds one direct backend submission.
const DefaultInternetTimeout = 10 * time.Second

// ChainProvider is the slice of the connectivity monitor the dispatcher
// consults for layer ranking.
type ChainProvider interface {
	FallbackChain() []model.ConnectionLayer
	State() model.ConnectionState
}

// Backend is the direct-submission slice of the backend client.
type Backend interface {
	SubmitSOS(ctx context.Context, req backend.SubmitRequest) (*backend.SubmitResponse, error)
}

// SMSSender is the platform text-message transport. The returned bool
// reports carrier hand-off, not delivery.
type SMSSender interface {
	SendText(ctx context.Context, number, body string) (bool, error)
}

// MeshSender is the mesh layer's send surface. The result's MessageID is
// authoritative for the broadcast envelope.
type MeshSender interface {
	SendSOS(ctx context.Context, payload model.SOSPayload) (mesh.SendResult, error)
}

// Config wires the dispatcher's collaborators. Backend, SMS, and Mesh may be
// nil; a nil layer fails its attempt and falls through.
type Config struct {
	Monitor   ChainProvider
	Backend   Backend
	SMS       SMSSender
	SMSNumber string
	Mesh      MeshSender
	// Queue persists exhausted payloads. Required.
	Queue    *store.Store
	DeviceID string
	// InternetTimeout overrides DefaultInternetTimeout when positive.
	InternetTimeout time.Duration
}

// Dispatcher walks the fallback chain for each SOS. Safe for concurrent use.
type Dispatcher struct {
	cfg             Config
	internetTimeout time.Duration

	mu           sync.Mutex
	retryTrigger func()
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	timeout := cfg.InternetTimeout
	if timeout <= 0 {
		timeout = DefaultInternetTimeout
	}
	return &Dispatcher{cfg: cfg, internetTimeout: timeout}
}

// SetRetryTrigger installs the background-retry kick invoked after an
// exhausted dispatch persists its payload.
func (d *Dispatcher) SetRetryTrigger(fn func()) {
	d.mu.Lock()
	d.retryTrigger = fn
	d.mu.Unlock()
}

func (d *Dispatcher) requestRetry() {
	d.mu.Lock()
	fn := d.retryTrigger
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Dispatch sends payload over the best currently-viable layer, falling back
// down the chain in order. Transport failures never escape: an exhausted
// dispatch persists the payload and reports a structured non-fatal failure.
func (d *Dispatcher) Dispatch(ctx context.Context, payload model.SOSPayload) model.DispatchResult {
	messageID := uuid.NewString()
	if payload.CreatedAtNs == 0 {
		payload.CreatedAtNs = time.Now().UnixNano()
	}

	res, lastErr := d.attemptChain(ctx, payload, messageID)
	if res.Success {
		return res
	}

	// Every layer failed: persist for retry and hand back a structured
	// failure. The host renders "queued, will retry", not an error screen.
	if err := d.enqueue(payload, messageID); err != nil {
		log.Printf("dispatch: persist %s failed: %v", messageID, err)
	} else {
		d.requestRetry()
	}

	res.Layer = model.LayerNone
	if lastErr != nil {
		res.Error = lastErr.Error()
	} else {
		res.Error = "no delivery layer available; queued for retry"
	}
	return res
}

// attemptChain walks the fallback chain once without persisting. Used by
// Dispatch and by the retry worker (which must not re-enqueue).
func (d *Dispatcher) attemptChain(ctx context.Context, payload model.SOSPayload, messageID string) (model.DispatchResult, error) {
	res := model.DispatchResult{
		MessageID:          messageID,
		FallbacksAttempted: []model.ConnectionLayer{},
	}

	chain := d.cfg.Monitor.FallbackChain()
	if len(chain) == 0 {
		// Nearby peers may exist even when the monitor cannot confirm
		// mesh connectivity; try the mesh opportunistically.
		chain = []model.ConnectionLayer{model.LayerBluetooth}
	}

	var lastErr error
	for _, layer := range chain {
		res.FallbacksAttempted = append(res.FallbacksAttempted, layer)

		sosID, ackPending, err := d.sendVia(ctx, layer, payload, messageID, &res)
		if err != nil {
			log.Printf("dispatch: %s layer failed for %s: %v", layer, messageID, err)
			lastErr = err
			continue
		}

		res.Success = true
		res.Layer = layer
		res.SOSID = sosID
		res.AcknowledgmentPending = ackPending
		return res, nil
	}
	return res, lastErr
}

func (d *Dispatcher) sendVia(ctx context.Context, layer model.ConnectionLayer, payload model.SOSPayload, messageID string, res *model.DispatchResult) (sosID string, ackPending bool, err error) {
	switch layer {
	case model.LayerInternet:
		if d.cfg.Backend == nil {
			return "", false, fmt.Errorf("dispatch: no backend configured")
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.internetTimeout)
		defer cancel()
		resp, err := d.cfg.Backend.SubmitSOS(sendCtx, backend.SubmitRequest{
			MessageID: messageID,
			DeviceID:  d.cfg.DeviceID,
			Payload:   payload,
		})
		if err != nil {
			return "", false, err
		}
		return resp.SOSID, false, nil

	case model.LayerSMS:
		if d.cfg.SMS == nil {
			return "", false, fmt.Errorf("dispatch: no sms transport configured")
		}
		handed, err := d.cfg.SMS.SendText(ctx, d.cfg.SMSNumber, smsBody(payload, messageID))
		if err != nil {
			return "", false, err
		}
		if !handed {
			return "", false, fmt.Errorf("dispatch: sms not handed to carrier")
		}
		return "", false, nil

	case model.LayerBluetooth:
		if d.cfg.Mesh == nil {
			return "", false, fmt.Errorf("dispatch: no mesh configured")
		}
		sent, err := d.cfg.Mesh.SendSOS(ctx, payload)
		if err != nil {
			return "", false, err
		}
		// The mesh assigns the envelope id; adopt it so the caller can
		// correlate a later acknowledgment.
		res.MessageID = sent.MessageID
		if sent.Ack != nil {
			return sent.Ack.SOSID, false, nil
		}
		return "", sent.AckPending, nil

	default:
		return "", false, fmt.Errorf("dispatch: unknown layer %q", layer)
	}
}

// smsBody renders the compact carrier-friendly SOS text.
func smsBody(p model.SOSPayload, messageID string) string {
	return fmt.Sprintf("SOS %s sev%d %.5f,%.5f acc%.0fm %s id:%s",
		p.Status, mesh.ClampSeverity(p.Severity), p.Latitude, p.Longitude, p.Accuracy, p.Details, messageID)
}

func (d *Dispatcher) enqueue(payload model.SOSPayload, messageID string) error {
	return d.cfg.Queue.Put(store.StorePendingSOS, messageID, model.PendingSOS{
		MessageID:   messageID,
		Payload:     payload,
		CreatedAtNs: time.Now().UnixNano(),
		RetryCount:  0,
	})
}

// PendingCount reports how many SOS requests are queued for retry.
func (d *Dispatcher) PendingCount() (int, error) {
	return d.cfg.Queue.Count(store.StorePendingSOS)
}

// ListPending returns the queued requests keyed by message id. Undecryptable
// records are skipped and counted.
func (d *Dispatcher) ListPending() (map[string]model.PendingSOS, int, error) {
	return store.ReadAll[model.PendingSOS](d.cfg.Queue, store.StorePendingSOS)
}
