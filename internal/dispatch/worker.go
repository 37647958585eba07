package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reliefgrid/beacon/internal/model"
	"github.com/reliefgrid/beacon/internal/store"
)

// DefaultRetrySchedule is the periodic background-sync cadence.
const DefaultRetrySchedule = "@every 5m"

// StateSource is the monitor subscription surface the worker uses to detect
// back-online transitions.
type StateSource interface {
	Subscribe(fn func(model.ConnectionState)) func()
}

// RetryWorker drains the pending queue on three triggers: a back-online
// transition, the periodic schedule, and explicit kicks (user action or an
// exhausted dispatch).
type RetryWorker struct {
	dispatcher *Dispatcher
	queue      *store.Store
	monitor    StateSource
	schedule   string

	cron   *cron.Cron
	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	wasOnline   bool
	unsubscribe func()
}

// NewRetryWorker creates a worker and installs itself as the dispatcher's
// retry trigger. schedule is a cron expression; empty means
// DefaultRetrySchedule.
func NewRetryWorker(d *Dispatcher, queue *store.Store, monitor StateSource, schedule string) *RetryWorker {
	if schedule == "" {
		schedule = DefaultRetrySchedule
	}
	w := &RetryWorker{
		dispatcher: d,
		queue:      queue,
		monitor:    monitor,
		schedule:   schedule,
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	d.SetRetryTrigger(w.Kick)
	return w
}

// Start begins the drain loop, the cron schedule, and the back-online watch.
func (w *RetryWorker) Start() error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.schedule, w.Kick); err != nil {
		return fmt.Errorf("dispatch: retry schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()

	if w.monitor != nil {
		w.unsubscribe = w.monitor.Subscribe(func(st model.ConnectionState) {
			online := st.Internet.Available || st.Cellular.CanSendText
			w.mu.Lock()
			came := online && !w.wasOnline
			w.wasOnline = online
			w.mu.Unlock()
			if came {
				log.Printf("dispatch: back online, draining pending queue")
				w.Kick()
			}
		})
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case <-w.kickCh:
				w.RetryNow(context.Background())
			}
		}
	}()
	return nil
}

// Stop cancels the schedule, the subscription, and the drain loop.
func (w *RetryWorker) Stop() {
	if w.cron != nil {
		w.cron.Stop()
	}
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	close(w.stopCh)
	w.wg.Wait()
}

// Kick requests a drain without blocking; coalesces with a pending kick.
func (w *RetryWorker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// RetryNow synchronously re-attempts every pending request. A success removes
// the record; a failure updates its bookkeeping. Records are never dropped
// automatically: they persist until delivered or explicitly cleared.
func (w *RetryWorker) RetryNow(ctx context.Context) {
	pending, skipped, err := store.ReadAll[model.PendingSOS](w.queue, store.StorePendingSOS)
	if err != nil {
		log.Printf("dispatch: read pending queue: %v", err)
		return
	}
	if skipped > 0 {
		log.Printf("dispatch: retry pass skipping %d unreadable record(s)", skipped)
	}

	for key, item := range pending {
		res, attemptErr := w.dispatcher.attemptChain(ctx, item.Payload, item.MessageID)
		if res.Success {
			if err := w.queue.Delete(store.StorePendingSOS, key); err != nil {
				log.Printf("dispatch: remove delivered %s: %v", key, err)
			}
			log.Printf("dispatch: retried %s delivered via %s", item.MessageID, res.Layer)
			continue
		}

		item.RetryCount++
		item.LastAttemptNs = time.Now().UnixNano()
		if attemptErr != nil {
			item.LastError = attemptErr.Error()
		} else {
			item.LastError = "no delivery layer available"
		}
		if err := w.queue.Put(store.StorePendingSOS, key, item); err != nil {
			log.Printf("dispatch: update pending %s: %v", key, err)
		}
	}
}
