// Package connectivity implements the layered health monitor: periodic
// probing of the wide-area network, the cellular text layer, and the mesh
// radio, exposed as a ranked view of currently usable delivery layers.
package connectivity

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/reliefgrid/beacon/internal/model"
	"github.com/reliefgrid/beacon/internal/scanloop"
)

// RTT classification bands for the internet probe.
const (
	DefaultProbeTimeout = 5 * time.Second
	goodRTTBound        = 1000 * time.Millisecond
	poorRTTBound        = 5000 * time.Millisecond
)

// MeshInfo is the slice of the relay protocol the monitor polls for the
// bluetooth layer's liveness.
type MeshInfo interface {
	Initialized() bool
	Running() bool
	PeerCount() int
}

// Config wires the monitor's probes and platform signals.
type Config struct {
	// Prober measures internet reachability. Defaults to HTTPProber("").
	Prober Prober
	// ProbeTimeout bounds one probe. Defaults to DefaultProbeTimeout.
	ProbeTimeout time.Duration
	// CheckInterval is the periodic health-check cadence. Defaults to the
	// shared scanloop cadence (10 s).
	CheckInterval time.Duration

	// NetworkAvailable is the OS-level "some network exists" signal, looser
	// than a successful probe. Optional.
	NetworkAvailable func() bool
	// CanSendText reports whether the platform can hand a text message to
	// the carrier. Optional.
	CanSendText func() bool
	// Mesh is polled for bluetooth-layer liveness. Optional.
	Mesh MeshInfo
}

// Monitor periodically probes all three layers and exposes a ranked view.
type Monitor struct {
	cfg          Config
	prober       Prober
	probeTimeout time.Duration
	interval     time.Duration

	mu    sync.RWMutex
	state model.ConnectionState

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	subSeq      atomic.Uint64
	subscribers *xsync.Map[uint64, func(model.ConnectionState)]
}

// NewMonitor creates a Monitor; call Initialize to start the periodic checks.
func NewMonitor(cfg Config) *Monitor {
	prober := cfg.Prober
	if prober == nil {
		prober = HTTPProber("")
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = scanloop.DefaultMinInterval
	}
	return &Monitor{
		cfg:          cfg,
		prober:       prober,
		probeTimeout: timeout,
		interval:     interval,
		stopCh:       make(chan struct{}),
		subscribers:  xsync.NewMap[uint64, func(model.ConnectionState)](),
	}
}

// Initialize runs one immediate check and starts the periodic loop. The loop
// runs until Destroy.
func (m *Monitor) Initialize() {
	m.CheckNow()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, m.interval, scanloop.DefaultJitterRange, m.CheckNow)
	}()
}

// Destroy cancels the periodic loop and drops all subscriptions. Idempotent.
func (m *Monitor) Destroy() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.subscribers.Clear()
}

// State returns the latest snapshot. Always best-effort; a failed probe
// degrades quality but never propagates an error.
func (m *Monitor) State() model.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn, immediately replays the current snapshot to it,
// and pushes future changes. Returns an unsubscribe handle.
func (m *Monitor) Subscribe(fn func(model.ConnectionState)) func() {
	id := m.subSeq.Add(1)
	m.subscribers.Store(id, fn)
	safeNotify(fn, m.State())
	return func() { m.subscribers.Delete(id) }
}

// CheckNow forces an out-of-band probe of all three layers.
func (m *Monitor) CheckNow() {
	next := m.probeAll()

	m.mu.Lock()
	changed := !sameSignal(m.state, next)
	m.state = next
	m.mu.Unlock()

	if changed {
		m.subscribers.Range(func(_ uint64, fn func(model.ConnectionState)) bool {
			safeNotify(fn, next)
			return true
		})
	}
}

func (m *Monitor) probeAll() model.ConnectionState {
	var st model.ConnectionState

	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	rtt, err := m.prober(ctx)
	cancel()

	st.Internet.LastCheck = time.Now()
	switch {
	case err != nil:
		st.Internet.Available = false
		st.Internet.Quality = model.QualityNone
	case rtt < goodRTTBound:
		st.Internet.Available = true
		st.Internet.Quality = model.QualityGood
		st.Internet.RoundTripMillis = rtt.Milliseconds()
	case rtt < poorRTTBound:
		st.Internet.Available = true
		st.Internet.Quality = model.QualityPoor
		st.Internet.RoundTripMillis = rtt.Milliseconds()
	default:
		st.Internet.Available = false
		st.Internet.Quality = model.QualityNone
	}

	if m.cfg.CanSendText != nil && m.cfg.CanSendText() {
		st.Cellular.Available = true
		st.Cellular.CanSendText = true
	}

	if m.cfg.Mesh != nil {
		st.Bluetooth.Available = m.cfg.Mesh.Initialized()
		st.Bluetooth.MeshRunning = m.cfg.Mesh.Running()
		st.Bluetooth.NearbyPeerCount = m.cfg.Mesh.PeerCount()
		st.Bluetooth.MeshConnected = st.Bluetooth.MeshRunning && st.Bluetooth.NearbyPeerCount > 0
	}

	return st
}

// BestLayer ranks the layers for a single preferred pick: good internet, then
// sms, then a connected mesh, then degraded internet as last resort.
func (m *Monitor) BestLayer() model.ConnectionLayer {
	st := m.State()
	switch {
	case st.Internet.Available && st.Internet.Quality == model.QualityGood:
		return model.LayerInternet
	case st.Cellular.CanSendText:
		return model.LayerSMS
	case st.Bluetooth.MeshConnected:
		return model.LayerBluetooth
	case st.Internet.Available:
		return model.LayerInternet
	default:
		return model.LayerNone
	}
}

// FallbackChain lists all currently viable layers in priority order. The
// inclusion rules are deliberately looser than BestLayer: one failed probe
// must not discard a path that may still work during the attempt.
func (m *Monitor) FallbackChain() []model.ConnectionLayer {
	st := m.State()
	var chain []model.ConnectionLayer

	osSaysOnline := m.cfg.NetworkAvailable != nil && m.cfg.NetworkAvailable()
	if st.Internet.Available || osSaysOnline {
		chain = append(chain, model.LayerInternet)
	}
	if st.Cellular.CanSendText {
		chain = append(chain, model.LayerSMS)
	}
	// Peers may appear during the attempt; running is enough.
	if st.Bluetooth.MeshRunning {
		chain = append(chain, model.LayerBluetooth)
	}
	return chain
}

// sameSignal compares two snapshots ignoring the per-probe measurement noise
// (timestamps, raw RTT) so subscribers only hear meaningful transitions.
func sameSignal(a, b model.ConnectionState) bool {
	return a.Internet.Available == b.Internet.Available &&
		a.Internet.Quality == b.Internet.Quality &&
		a.Cellular.Available == b.Cellular.Available &&
		a.Cellular.CanSendText == b.Cellular.CanSendText &&
		a.Bluetooth.Available == b.Bluetooth.Available &&
		a.Bluetooth.MeshRunning == b.Bluetooth.MeshRunning &&
		a.Bluetooth.MeshConnected == b.Bluetooth.MeshConnected &&
		a.Bluetooth.NearbyPeerCount == b.Bluetooth.NearbyPeerCount
}

func safeNotify(fn func(model.ConnectionState), st model.ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("connectivity: subscriber panic: %v", r)
		}
	}()
	fn(st)
}
