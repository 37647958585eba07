// Command beacon runs a fixed relay node: it bridges the local mesh segment
// to the coordination backend, stores received SOS records, and drains the
// pending queue when connectivity returns.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/reliefgrid/beacon/internal/backend"
	"github.com/reliefgrid/beacon/internal/buildinfo"
	"github.com/reliefgrid/beacon/internal/config"
	"github.com/reliefgrid/beacon/internal/connectivity"
	"github.com/reliefgrid/beacon/internal/dispatch"
	"github.com/reliefgrid/beacon/internal/mesh"
	"github.com/reliefgrid/beacon/internal/meshcrypto"
	"github.com/reliefgrid/beacon/internal/scanloop"
	"github.com/reliefgrid/beacon/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

type beaconApp struct {
	st          *store.Store
	monitor     *connectivity.Monitor
	protocol    *mesh.Protocol
	worker      *dispatch.RetryWorker
	purgeStopCh chan struct{}
}

func run() error {
	var fileCfg *config.FileConfig
	if path := os.Getenv("BEACON_CONFIG_FILE"); path != "" {
		fc, err := config.LoadFileConfig(path)
		if err != nil {
			return err
		}
		fileCfg = fc
	}
	cfg, err := config.LoadEnvConfig(fileCfg)
	if err != nil {
		return err
	}
	log.Printf("beacon %s (%s) starting", buildinfo.Version, buildinfo.GitCommit)

	if config.IsWeakPassphrase(cfg.GroupPassphrase) {
		log.Printf("WARNING: group passphrase is weak; anyone nearby can read mesh traffic")
	}
	if cfg.GroupPassphrase == "" {
		log.Printf("WARNING: no group passphrase; mesh traffic will be plaintext")
	}

	app, err := newBeaconApp(cfg)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)
	return nil
}

func newBeaconApp(cfg *config.EnvConfig) (*beaconApp, error) {
	st, err := store.Open(cfg.DataDir, func() string { return cfg.SessionSecret })
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := backend.NewClient(cfg.BackendBaseURL, cfg.APICredential, cfg.BackendTimeout)
	codec := meshcrypto.NewCodec(cfg.GroupPassphrase)
	transport := mesh.NewUDPTransport(cfg.MulticastGroup)

	// The protocol consults the monitor for uplink state and the monitor
	// polls the protocol for mesh liveness; the pointer breaks the cycle.
	var monRef atomic.Pointer[connectivity.Monitor]
	protocol := mesh.NewProtocol(mesh.Config{
		Transport:   transport,
		Codec:       codec,
		Backend:     client,
		Records:     st,
		IsResponder: cfg.IsResponder,
		HasInternet: func() bool {
			m := monRef.Load()
			return m != nil && m.State().Internet.Available
		},
		APICredential: cfg.APICredential,
		AckWait:       cfg.AckWait,
	})

	monitor := connectivity.NewMonitor(connectivity.Config{
		Prober:           connectivity.HTTPProber(cfg.ProbeURL),
		ProbeTimeout:     cfg.ProbeTimeout,
		CheckInterval:    cfg.CheckInterval,
		NetworkAvailable: hasNetworkRoute,
		Mesh:             protocol,
	})
	monRef.Store(monitor)

	id := deviceID(cfg)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Monitor:         monitor,
		Backend:         client,
		SMSNumber:       cfg.EmergencyNumber,
		Mesh:            protocol,
		Queue:           st,
		DeviceID:        id,
		InternetTimeout: cfg.BackendTimeout,
	})
	worker := dispatch.NewRetryWorker(dispatcher, st, monitor, cfg.RetrySchedule)

	ctx := context.Background()
	if protocol.Initialize(ctx, id) {
		if err := protocol.Start(ctx); err != nil {
			log.Printf("mesh start failed, continuing without mesh: %v", err)
		}
	} else {
		log.Printf("mesh unavailable, continuing with internet path only")
	}

	monitor.Initialize()
	if err := worker.Start(); err != nil {
		st.Close()
		return nil, err
	}

	purgeStopCh := make(chan struct{})
	go scanloop.Run(purgeStopCh, time.Hour, 5*time.Minute, func() {
		cutoff := time.Now().Add(-cfg.ReceivedRetention)
		n, err := st.PurgeOlderThan(store.StoreReceivedSOS, cutoff)
		if err != nil {
			log.Printf("purge received records: %v", err)
		} else if n > 0 {
			log.Printf("purged %d stale received record(s)", n)
		}
	})

	return &beaconApp{
		st:          st,
		monitor:     monitor,
		protocol:    protocol,
		worker:      worker,
		purgeStopCh: purgeStopCh,
	}, nil
}

func (a *beaconApp) shutdown(ctx context.Context) {
	close(a.purgeStopCh)
	a.worker.Stop()
	if err := a.protocol.Stop(ctx); err != nil {
		log.Printf("mesh stop: %v", err)
	}
	a.monitor.Destroy()
	if err := a.st.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
	log.Println("Relay node stopped")
}

func deviceID(cfg *config.EnvConfig) string {
	if cfg.DeviceName != "" {
		return cfg.DeviceName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// hasNetworkRoute reports whether any non-loopback interface has an address.
func hasNetworkRoute() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && !ipNet.IP.IsLoopback() {
			return true
		}
	}
	return false
}
