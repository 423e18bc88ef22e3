// Package dispatch implements C6: a bounded change-event queue drained by
// one background task that batches by device and fans each device's
// batch out to three parallel effects (cache, history, push), per §4.6.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"modbus-gateway/internal/engine"
	"modbus-gateway/internal/metrics"
)

// HistoryRow is one history-sink write (§6.3).
type HistoryRow struct {
	DeviceID      string
	ParameterName string
	Value         any
	OldValue      any
	Unit          string
	Timestamp     time.Time
	Quality       string
	Source        string
	CorrelationID string
}

// HistorySink is the external collaborator of §6.3; AppendMany is
// unordered and must tolerate per-row failures without failing the
// whole batch.
type HistorySink interface {
	AppendMany(ctx context.Context, rows []HistoryRow) error
}

// PushChannel is the external collaborator of §6.4; Publish is
// fire-and-forget from the dispatcher's point of view.
type PushChannel interface {
	PublishSnapshot(ctx context.Context, deviceID string, snapshot engine.Snapshot) error
}

// CacheWriter is the subset of Engine the dispatcher's realtime effect
// uses (§4.6's "Realtime update" effect). The engine writes the cache
// inline during a read cycle; the dispatcher's effect only looks the
// device's snapshot up and logs when there is none. It does not build a
// snapshot and does not write the cache.
type CacheWriter interface {
	GetRealtimeSnapshot(deviceID string) (engine.Snapshot, bool)
}

const (
	queueCapacity  = 10000
	batchCadence   = 100 * time.Millisecond
	enqueueTimeout = 2 * time.Second
)

// Dispatcher drains engine.ChangeEvent and fans each one out. It never
// blocks the caller of Enqueue for more than enqueueTimeout (§6.4's
// "MUST NOT backpressure the poller").
type Dispatcher struct {
	history HistorySink
	push    PushChannel
	cache   CacheWriter
	metrics *metrics.Registry

	queue chan engine.ChangeEvent
	wg    sync.WaitGroup
}

// New constructs a Dispatcher and starts its drain task. Call Close to
// stop it once the caller is done enqueueing. metricsReg is optional;
// pass nil to disable instrumentation.
func New(history HistorySink, push PushChannel, cache CacheWriter, metricsReg *metrics.Registry) *Dispatcher {
	d := &Dispatcher{
		history: history,
		push:    push,
		cache:   cache,
		metrics: metricsReg,
		queue:   make(chan engine.ChangeEvent, queueCapacity),
	}
	d.wg.Add(1)
	go d.drain()
	return d
}

// Enqueue implements engine.Dispatcher. Best-effort: if the queue is
// full it waits up to enqueueTimeout, then drops and logs (§5, §6.4).
func (d *Dispatcher) Enqueue(ev engine.ChangeEvent) {
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
	}
	select {
	case d.queue <- ev:
		return
	default:
	}
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case d.queue <- ev:
	case <-timer.C:
		log.Printf("dispatch: queue full, dropping change event for device %s address %d", ev.DeviceID, ev.Address)
		if d.metrics != nil {
			d.metrics.DroppedEvents.Inc()
		}
	}
}

// PendingChanges reports the queue's current depth, for ServiceStats
// (§6.5).
func (d *Dispatcher) PendingChanges() int {
	return len(d.queue)
}

// drain batches queued events by device at ≤100ms cadence when busy,
// immediately when the queue was empty and a new event just arrived
// (§4.6).
func (d *Dispatcher) drain() {
	defer d.wg.Done()
	ticker := time.NewTicker(batchCadence)
	defer ticker.Stop()

	pending := make(map[string][]engine.ChangeEvent)
	var mu sync.Mutex

	flush := func() {
		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		batch := pending
		pending = make(map[string][]engine.ChangeEvent)
		mu.Unlock()

		var fanWG sync.WaitGroup
		for deviceID, events := range batch {
			fanWG.Add(1)
			go func(deviceID string, events []engine.ChangeEvent) {
				defer fanWG.Done()
				d.fanOut(deviceID, events)
			}(deviceID, events)
		}
		fanWG.Wait()
	}

	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				flush()
				return
			}
			mu.Lock()
			wasEmpty := len(pending) == 0
			pending[ev.DeviceID] = append(pending[ev.DeviceID], ev)
			mu.Unlock()
			if wasEmpty {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// fanOut performs the three effects for one device's batch, per §4.6:
// within a device, event e_k's effects complete before e_{k+1}'s are
// dispatched (we process events in arrival order, each run through all
// three effects in parallel, before moving to the next).
func (d *Dispatcher) fanOut(deviceID string, events []engine.ChangeEvent) {
	for _, ev := range events {
		corrID := uuid.NewString()
		var effectWG sync.WaitGroup
		effectWG.Add(3)

		go func() {
			defer effectWG.Done()
			d.writeCache(deviceID)
		}()
		go func() {
			defer effectWG.Done()
			d.writeHistory(ev, corrID)
		}()
		go func() {
			defer effectWG.Done()
			d.publishPush(deviceID)
		}()

		effectWG.Wait()
	}
}

func (d *Dispatcher) writeCache(deviceID string) {
	if d.cache == nil {
		return
	}
	// the engine owns the cache write during its read cycle (§4.5);
	// this effect only checks that a snapshot exists and writes nothing.
	if _, ok := d.cache.GetRealtimeSnapshot(deviceID); !ok {
		log.Printf("dispatch: no realtime snapshot yet for device %s", deviceID)
	}
}

func (d *Dispatcher) writeHistory(ev engine.ChangeEvent, corrID string) {
	if d.history == nil {
		return
	}
	row := HistoryRow{
		DeviceID:      ev.DeviceID,
		ParameterName: ev.RegisterName,
		Value:         ev.NewValue,
		OldValue:      ev.OldValue,
		Timestamp:     ev.Timestamp,
		Quality:       "good",
		Source:        ev.Source,
		CorrelationID: corrID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.history.AppendMany(ctx, []HistoryRow{row}); err != nil {
		log.Printf("dispatch: history append failed for device %s: %v", ev.DeviceID, err)
	}
}

func (d *Dispatcher) publishPush(deviceID string) {
	if d.push == nil || d.cache == nil {
		return
	}
	snap, ok := d.cache.GetRealtimeSnapshot(deviceID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.push.PublishSnapshot(ctx, deviceID, snap); err != nil {
		log.Printf("dispatch: push publish failed for device %s: %v", deviceID, err)
	}
}

// Close stops accepting new events, flushes the remaining queue, and
// waits for the drain task to exit.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}
