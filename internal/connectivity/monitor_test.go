package connectivity_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reliefgrid/beacon/internal/connectivity"
	"github.com/reliefgrid/beacon/internal/model"
)

// ── helpers ─────────────────────────────────────────────────────

type fakeMesh struct {
	initialized bool
	running     bool
	peers       int
}

func (f *fakeMesh) Initialized() bool { return f.initialized }
func (f *fakeMesh) Running() bool     { return f.running }
func (f *fakeMesh) PeerCount() int    { return f.peers }

func fixedProber(rtt time.Duration, err error) connectivity.Prober {
	return func(context.Context) (time.Duration, error) { return rtt, err }
}

func newMonitor(t *testing.T, cfg connectivity.Config) *connectivity.Monitor {
	t.Helper()
	m := connectivity.NewMonitor(cfg)
	t.Cleanup(m.Destroy)
	return m
}

// ── probe classification ────────────────────────────────────────

func TestProbeClassification(t *testing.T) {
	cases := []struct {
		name     string
		rtt      time.Duration
		err      error
		quality  model.InternetQuality
		availble bool
	}{
		{"fast", 300 * time.Millisecond, nil, model.QualityGood, true},
		{"slow", 3000 * time.Millisecond, nil, model.QualityPoor, true},
		{"very slow", 6 * time.Second, nil, model.QualityNone, false},
		{"timeout", 0, errors.New("context deadline exceeded"), model.QualityNone, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newMonitor(t, connectivity.Config{Prober: fixedProber(c.rtt, c.err)})
			m.CheckNow()
			st := m.State()
			if st.Internet.Quality != c.quality {
				t.Fatalf("quality = %s, want %s", st.Internet.Quality, c.quality)
			}
			if st.Internet.Available != c.availble {
				t.Fatalf("available = %v, want %v", st.Internet.Available, c.availble)
			}
		})
	}
}

func TestFailedProbeNeverPanicsOrErrors(t *testing.T) {
	m := newMonitor(t, connectivity.Config{Prober: fixedProber(0, errors.New("no route"))})
	m.CheckNow()
	st := m.State()
	if st.Internet.Available {
		t.Fatal("failed probe left internet available")
	}
	if st.Internet.LastCheck.IsZero() {
		t.Fatal("snapshot missing probe timestamp")
	}
}

// ── best layer ──────────────────────────────────────────────────

func TestBestLayerRanking(t *testing.T) {
	cases := []struct {
		name string
		cfg  connectivity.Config
		want model.ConnectionLayer
	}{
		{
			"good internet wins",
			connectivity.Config{
				Prober:      fixedProber(200*time.Millisecond, nil),
				CanSendText: func() bool { return true },
				Mesh:        &fakeMesh{initialized: true, running: true, peers: 3},
			},
			model.LayerInternet,
		},
		{
			"sms beats poor internet",
			connectivity.Config{
				Prober:      fixedProber(3*time.Second, nil),
				CanSendText: func() bool { return true },
			},
			model.LayerSMS,
		},
		{
			"connected mesh beats poor internet",
			connectivity.Config{
				Prober: fixedProber(3*time.Second, nil),
				Mesh:   &fakeMesh{initialized: true, running: true, peers: 1},
			},
			model.LayerBluetooth,
		},
		{
			"poor internet is the degraded fallback",
			connectivity.Config{
				Prober: fixedProber(3*time.Second, nil),
				Mesh:   &fakeMesh{initialized: true, running: true, peers: 0},
			},
			model.LayerInternet,
		},
		{
			"nothing viable",
			connectivity.Config{Prober: fixedProber(0, errors.New("down"))},
			model.LayerNone,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newMonitor(t, c.cfg)
			m.CheckNow()
			if got := m.BestLayer(); got != c.want {
				t.Fatalf("BestLayer = %s, want %s", got, c.want)
			}
		})
	}
}

// ── fallback chain ──────────────────────────────────────────────

func TestFallbackChainLooserThanBestLayer(t *testing.T) {
	// Probe failed, but the OS still reports general availability and the
	// mesh is running with zero peers: both stay in the chain.
	m := newMonitor(t, connectivity.Config{
		Prober:           fixedProber(0, errors.New("one failed probe")),
		NetworkAvailable: func() bool { return true },
		CanSendText:      func() bool { return true },
		Mesh:             &fakeMesh{initialized: true, running: true, peers: 0},
	})
	m.CheckNow()

	chain := m.FallbackChain()
	want := []model.ConnectionLayer{model.LayerInternet, model.LayerSMS, model.LayerBluetooth}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("chain = %v, want %v", chain, want)
		}
	}
}

func TestFallbackChainEmptyWhenNothingViable(t *testing.T) {
	m := newMonitor(t, connectivity.Config{
		Prober: fixedProber(0, errors.New("down")),
		Mesh:   &fakeMesh{initialized: true, running: false},
	})
	m.CheckNow()
	if chain := m.FallbackChain(); len(chain) != 0 {
		t.Fatalf("chain = %v, want empty", chain)
	}
}

// ── subscriptions ───────────────────────────────────────────────

func TestSubscribeReplaysThenPushesChanges(t *testing.T) {
	online := true
	var mu sync.Mutex
	prober := func(context.Context) (time.Duration, error) {
		mu.Lock()
		defer mu.Unlock()
		if online {
			return 100 * time.Millisecond, nil
		}
		return 0, errors.New("offline")
	}

	m := newMonitor(t, connectivity.Config{Prober: prober})
	m.CheckNow()

	var snapshots []model.ConnectionState
	var snapMu sync.Mutex
	unsub := m.Subscribe(func(st model.ConnectionState) {
		snapMu.Lock()
		snapshots = append(snapshots, st)
		snapMu.Unlock()
	})
	defer unsub()

	snapMu.Lock()
	if len(snapshots) != 1 || !snapshots[0].Internet.Available {
		t.Fatalf("replay missing or wrong: %+v", snapshots)
	}
	snapMu.Unlock()

	// A no-change check must not notify again.
	m.CheckNow()
	snapMu.Lock()
	if len(snapshots) != 1 {
		t.Fatalf("no-change probe notified subscribers: %d snapshots", len(snapshots))
	}
	snapMu.Unlock()

	// A transition must notify.
	mu.Lock()
	online = false
	mu.Unlock()
	m.CheckNow()
	snapMu.Lock()
	if len(snapshots) != 2 || snapshots[1].Internet.Available {
		t.Fatalf("offline transition not delivered: %+v", snapshots)
	}
	snapMu.Unlock()
}

func TestSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	m := newMonitor(t, connectivity.Config{Prober: fixedProber(100*time.Millisecond, nil)})
	m.CheckNow()

	m.Subscribe(func(model.ConnectionState) { panic("bad listener") })
	var called bool
	m.Subscribe(func(model.ConnectionState) { called = true })

	if !called {
		t.Fatal("replay to second subscriber lost after first panicked")
	}
}

func TestDestroyStopsLoop(t *testing.T) {
	var probes int
	var mu sync.Mutex
	m := connectivity.NewMonitor(connectivity.Config{
		Prober: func(context.Context) (time.Duration, error) {
			mu.Lock()
			probes++
			mu.Unlock()
			return 100 * time.Millisecond, nil
		},
		CheckInterval: 10 * time.Millisecond,
	})
	m.Initialize()
	time.Sleep(50 * time.Millisecond)
	m.Destroy()

	mu.Lock()
	after := probes
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if probes != after {
		t.Fatalf("probes continued after Destroy: %d -> %d", after, probes)
	}
	// Destroy is idempotent.
	m.Destroy()
}