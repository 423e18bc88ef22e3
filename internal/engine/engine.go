// Package engine implements C5: one cooperative task per enabled device
// running the per-device state machine, a shared realtime snapshot cache,
// and the engine-to-host API (§4.5, §5, §6.5).
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"

	"modbus-gateway/internal/catalog"
	"modbus-gateway/internal/connmgr"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/reader"
)

// State is one node of the per-device state machine (§4.5).
type State int32

const (
	StateIdle State = iota
	StateInitialSync
	StateMonitor
	StateDegraded
	StateQuarantined
	StateOfflineBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialSync:
		return "initialSync"
	case StateMonitor:
		return "monitor"
	case StateDegraded:
		return "degraded"
	case StateQuarantined:
		return "quarantined"
	case StateOfflineBackoff:
		return "offlineBackoff"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultMonitoringInterval = 10 * time.Second
	minMonitoringInterval     = 500 * time.Millisecond
	maxMonitoringInterval     = 60 * time.Second
	heartbeatInterval         = 30 * time.Second
	complianceInterval        = 5 * time.Minute
	offlineBackoff            = 5 * time.Minute
	maxTransientErrors        = 10
	changeThreshold           = 0.01
)

// ChangeEvent is emitted whenever a tracked value changes meaningfully
// (§3, §4.6).
type ChangeEvent struct {
	DeviceID     string
	Address      uint16
	RegisterName string
	OldValue     any
	NewValue     any
	Timestamp    time.Time
	Source       string // "modbus", "sync", "heartbeat"
}

// Dispatcher is C6's consumer-facing contract: the engine never blocks on
// it (§5's "never block polling").
type Dispatcher interface {
	Enqueue(ChangeEvent)
}

// Snapshot is one entry of the realtime cache (§3's RealtimeSnapshot).
type Snapshot struct {
	DeviceID   string
	DeviceName string
	Timestamp  time.Time
	Readings   []reader.Reading
}

// Health is the engine-to-host health projection (§6.5).
type Health struct {
	LastSeen     time.Time
	ErrorRate    float64
	ResponseTime time.Duration
	Status       string // online, offline, degraded, unknown
}

// String renders a Health for logs in the form operators actually read:
// a relative "last seen" instead of a raw timestamp (getDeviceHealth,
// §6.5).
func (h Health) String() string {
	lastSeen := "never"
	if !h.LastSeen.IsZero() {
		lastSeen = humanize.Time(h.LastSeen)
	}
	return fmt.Sprintf("%s (last seen %s, error rate %.1f%%, response %s)",
		h.Status, lastSeen, h.ErrorRate*100, h.ResponseTime)
}

// ServiceStats is the engine-wide summary (§6.5).
type ServiceStats struct {
	TotalDevices       int
	Online             int
	Offline            int
	ActiveConnections  int
	PendingChanges     int
	MonitoringInterval time.Duration
}

// String renders a ServiceStats for logs with a thousands-separated
// pending-changes count (getServiceStats, §6.5).
func (s ServiceStats) String() string {
	return fmt.Sprintf("%d/%d devices online, %s connections active, %s changes pending, polling every %s",
		s.Online, s.TotalDevices, humanize.Comma(int64(s.ActiveConnections)),
		humanize.Comma(int64(s.PendingChanges)), s.MonitoringInterval)
}

// Options configures Engine construction.
type Options struct {
	Catalog    catalog.DeviceCatalog
	ConnMgr    *connmgr.Manager
	Reader     *reader.Reader
	Dispatcher Dispatcher
	// Metrics is optional; a nil Registry disables instrumentation.
	Metrics *metrics.Registry
}

// Engine owns one task per enabled device plus the realtime cache.
type Engine struct {
	catalog    catalog.DeviceCatalog
	conn       *connmgr.Manager
	rdr        *reader.Reader
	dispatcher Dispatcher
	metrics    *metrics.Registry

	cache *ristretto.Cache

	mu      sync.RWMutex
	devices map[string]*deviceTask

	interval atomic.Int64 // nanoseconds

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Engine; call Start to bring up device tasks.
func New(opts Options) (*Engine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create realtime cache: %w", err)
	}
	e := &Engine{
		catalog:    opts.Catalog,
		conn:       opts.ConnMgr,
		rdr:        opts.Reader,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		cache:      cache,
		devices:    make(map[string]*deviceTask),
	}
	e.interval.Store(int64(defaultMonitoringInterval))
	return e, nil
}

// deviceTask is the per-device goroutine's private state; only it mutates
// deviceState, per the "cyclic/shared state" design decision. Fields read
// by the host API go through mu.
type deviceTask struct {
	id     string
	cancel context.CancelFunc
	syncCh chan struct{}

	mu                sync.RWMutex
	state             State
	lastSeen          time.Time
	lastResponseTime  time.Duration
	consecutiveErrors int
	totalCycles       int
	errorCycles       int

	deviceState *catalog.DeviceState
}

func (t *deviceTask) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *deviceTask) currentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// setTaskState transitions t's state and, if instrumentation is
// enabled, reflects it into the device_status gauge (1 for Monitor,
// 0 otherwise).
func (e *Engine) setTaskState(t *deviceTask, deviceID string, s State) {
	t.setState(s)
	if e.metrics == nil {
		return
	}
	v := 0.0
	if s == StateMonitor {
		v = 1.0
	}
	e.metrics.DeviceStatus.WithLabelValues(deviceID).Set(v)
}

func (t *deviceTask) health() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status := "unknown"
	switch t.state {
	case StateMonitor:
		status = "online"
	case StateDegraded, StateInitialSync:
		status = "degraded"
	case StateOfflineBackoff, StateQuarantined, StateClosed:
		status = "offline"
	}
	errRate := 0.0
	if t.totalCycles > 0 {
		errRate = float64(t.errorCycles) / float64(t.totalCycles)
	}
	return Health{
		LastSeen:     t.lastSeen,
		ErrorRate:    errRate,
		ResponseTime: t.lastResponseTime,
		Status:       status,
	}
}

// Start brings up every enabled device's task, bounding total
// initialization time to timeout (default 30s) per the smart-startup
// tiers (§4.5). It returns once startup has committed every device to
// either immediate or background initialization.
func (e *Engine) Start(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	devices, err := e.catalog.ListEnabledDevices(ctx)
	if err != nil {
		return fmt.Errorf("engine: list enabled devices: %w", err)
	}

	budget := timeout - 2*time.Second
	if budget < 0 {
		budget = 0
	}
	n := len(devices)

	var immediate, background []catalog.Device
	switch {
	case n == 0:
		// nothing to do
	case budget/time.Duration(max(n, 1)) >= time.Second:
		// the budget allows at least 1s per device: every device is
		// started here, through the same bounded-concurrency loop below;
		// there is no sequential pass and no split into batches.
		immediate = devices
	case budget < time.Second:
		// emergency mode: only the first 2 devices are brought up
		// inline, the rest start in the background (§4.5).
		if n > 2 {
			immediate, background = devices[:2], devices[2:]
		} else {
			immediate = devices
		}
	default:
		// every device is started concurrently (bounded below) and
		// nothing is deferred to background. No health check runs before
		// a device is started, and startDevice only launches the device's
		// task, so Start does not wait for any device to connect.
		immediate = devices
	}

	const healthCheckConcurrency = 5
	sem := make(chan struct{}, healthCheckConcurrency)
	var startWG sync.WaitGroup
	for _, dev := range immediate {
		dev := dev
		startWG.Add(1)
		sem <- struct{}{}
		go func() {
			defer startWG.Done()
			defer func() { <-sem }()
			e.startDevice(runCtx, dev)
		}()
	}
	startWG.Wait()

	for _, dev := range background {
		dev := dev
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.backgroundInit(runCtx, dev)
		}()
	}
	return nil
}

// backgroundInit starts a deferred device's task. startDevice always
// registers the task, so the loop returns after the first call; there is
// no repeated start. A device that fails to connect is retried by its own
// task's monitor timer, not by backgroundInit.
func (e *Engine) backgroundInit(ctx context.Context, dev catalog.Device) {
	for {
		e.startDevice(ctx, dev)
		e.mu.RLock()
		_, started := e.devices[dev.ID]
		e.mu.RUnlock()
		if started {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(offlineBackoff):
		}
	}
}

func (e *Engine) startDevice(ctx context.Context, dev catalog.Device) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &deviceTask{
		id:          dev.ID,
		cancel:      cancel,
		syncCh:      make(chan struct{}, 1),
		state:       StateIdle,
		deviceState: catalog.NewDeviceState(dev.ID),
	}
	e.mu.Lock()
	e.devices[dev.ID] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runDevice(taskCtx, dev, t)
	}()
}

// runDevice is the per-device state machine's goroutine body (§4.5).
func (e *Engine) runDevice(ctx context.Context, dev catalog.Device, t *deviceTask) {
	e.setTaskState(t, dev.ID, StateInitialSync)
	ok := e.cycle(ctx, dev, t, "sync")
	if t.currentState() == StateQuarantined {
		// fatal config error (e.g. zero DataPoints): suspend monitoring
		// entirely, with no periodic retry, until ctx is canceled (§4.5).
		<-ctx.Done()
		e.setTaskState(t, dev.ID, StateClosed)
		return
	}
	if !ok {
		e.setTaskState(t, dev.ID, StateDegraded)
	} else {
		e.setTaskState(t, dev.ID, StateMonitor)
	}

	monitorTimer := time.NewTimer(e.monitoringInterval())
	heartbeat := time.NewTimer(heartbeatInterval)
	compliance := time.NewTimer(complianceInterval)
	defer monitorTimer.Stop()
	defer heartbeat.Stop()
	defer compliance.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setTaskState(t, dev.ID, StateClosed)
			return

		case <-t.syncCh:
			e.cycle(ctx, dev, t, "sync")

		case <-monitorTimer.C:
			ok := e.cycle(ctx, dev, t, "modbus")
			if t.currentState() == StateQuarantined {
				// fatal config error: suspend monitoring, no periodic
				// retry (§4.5). The timer is left unreset; only ctx.Done
				// and t.syncCh remain live for this task.
				heartbeat.Stop()
				compliance.Stop()
				continue
			}
			t.mu.Lock()
			if !ok {
				t.consecutiveErrors++
			} else {
				t.consecutiveErrors = 0
			}
			errs := t.consecutiveErrors
			t.mu.Unlock()

			switch {
			case errs >= maxTransientErrors:
				e.setTaskState(t, dev.ID, StateOfflineBackoff)
				monitorTimer.Reset(offlineBackoff)
				t.mu.Lock()
				t.consecutiveErrors = 0
				t.mu.Unlock()
			default:
				if ok {
					e.setTaskState(t, dev.ID, StateMonitor)
				} else {
					e.setTaskState(t, dev.ID, StateDegraded)
				}
				monitorTimer.Reset(e.monitoringInterval())
			}

		case <-heartbeat.C:
			t.mu.RLock()
			stale := time.Since(t.lastSeen) > heartbeatInterval
			t.mu.RUnlock()
			if stale {
				e.heartbeatPing(ctx, dev, t)
			}
			heartbeat.Reset(heartbeatInterval)

		case <-compliance.C:
			e.complianceSnapshot(ctx, dev, t)
			compliance.Reset(complianceInterval)
		}
	}
}

// heartbeatPing confirms a device is still responding with a single
// cheap register/coil read of its first configured range, rather than
// running the full read-decode-scale pass cycle performs (§4.5's
// heartbeat is "a cheap single-register read to confirm liveness").
func (e *Engine) heartbeatPing(ctx context.Context, dev catalog.Device, t *deviceTask) bool {
	if len(dev.DataPoints) == 0 {
		return false
	}
	sess, err := e.conn.Acquire(ctx, dev)
	if err != nil {
		log.Printf("engine: device %s heartbeat connect failed: %v", dev.ID, err)
		return false
	}
	defer sess.Close()

	rng := dev.DataPoints[0].Range
	start := time.Now()
	var readErr error
	switch rng.Function {
	case catalog.FuncHoldingRegisters:
		_, readErr = sess.Transport.ReadHoldingRegisters(ctx, rng.Start, 1)
	case catalog.FuncInputRegisters:
		_, readErr = sess.Transport.ReadInputRegisters(ctx, rng.Start, 1)
	case catalog.FuncCoils:
		_, readErr = sess.Transport.ReadCoils(ctx, rng.Start, 1)
	case catalog.FuncDiscreteInputs:
		_, readErr = sess.Transport.ReadDiscreteInputs(ctx, rng.Start, 1)
	default:
		readErr = fmt.Errorf("engine: unsupported function code %s", rng.Function)
	}
	responseTime := time.Since(start)
	if readErr != nil {
		log.Printf("engine: device %s heartbeat read failed: %v", dev.ID, readErr)
		return false
	}
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.lastResponseTime = responseTime
	t.mu.Unlock()
	return true
}

// cycle performs one read-diff-dispatch pass and returns whether the
// device responded successfully.
func (e *Engine) cycle(ctx context.Context, dev catalog.Device, t *deviceTask, source string) bool {
	if len(dev.DataPoints) == 0 || !dev.Enabled {
		e.setTaskState(t, dev.ID, StateQuarantined)
		return false
	}

	if e.metrics != nil {
		e.metrics.ReadsTotal.WithLabelValues(dev.ID, source).Inc()
	}

	sess, err := e.conn.Acquire(ctx, dev)
	if err != nil {
		log.Printf("engine: device %s connect failed: %v", dev.ID, err)
		if e.metrics != nil {
			e.metrics.ReadErrorsTotal.WithLabelValues(dev.ID).Inc()
		}
		return false
	}
	defer sess.Close()

	start := time.Now()
	set, failures := e.rdr.Read(ctx, dev, sess.Transport)
	responseTime := time.Since(start)
	if e.metrics != nil {
		e.metrics.ReadDuration.WithLabelValues(dev.ID).Observe(responseTime.Seconds())
	}
	for _, f := range failures {
		log.Printf("engine: device %s range %v failed: %v", dev.ID, f.Range, f.Err)
		if e.metrics != nil {
			e.metrics.ReadErrorsTotal.WithLabelValues(dev.ID).Inc()
		}
	}

	now := time.Now()
	t.mu.Lock()
	t.lastSeen = now
	t.lastResponseTime = responseTime
	t.totalCycles++
	if set.Partial {
		t.errorCycles++
	}
	ds := t.deviceState
	t.mu.Unlock()

	e.diffAndEnqueue(dev, ds, set, source)
	e.writeSnapshot(dev, ds, set)

	if err := e.catalog.UpdateLastSeen(ctx, dev.ID, now); err != nil {
		log.Printf("engine: device %s update last seen: %v", dev.ID, err)
	}
	return !set.Partial || len(set.Readings) > 0
}

// diffAndEnqueue compares this cycle's readings against lastValues and
// enqueues a ChangeEvent per meaningfully-changed address (§4.5).
func (e *Engine) diffAndEnqueue(dev catalog.Device, ds *catalog.DeviceState, set reader.DeviceReadingSet, source string) {
	for _, rd := range set.Readings {
		old, existed := ds.LastValues[rd.Address]
		changed := !existed || valuesDiffer(old, rd.Value)
		if !changed {
			continue
		}
		ds.LastValues[rd.Address] = rd.Value
		var oldValue any
		if existed {
			oldValue = old
		}
		if e.metrics != nil {
			e.metrics.ChangeEvents.WithLabelValues(dev.ID).Inc()
		}
		if e.dispatcher != nil {
			e.dispatcher.Enqueue(ChangeEvent{
				DeviceID:     dev.ID,
				Address:      rd.Address,
				RegisterName: rd.Name,
				OldValue:     oldValue,
				NewValue:     rd.Value,
				Timestamp:    set.Timestamp,
				Source:       source,
			})
		}
	}
}

func valuesDiffer(old, new any) bool {
	if old == nil || new == nil {
		return old != new
	}
	switch o := old.(type) {
	case float64:
		n, ok := new.(float64)
		if !ok {
			return true
		}
		return math.Abs(o-n) > changeThreshold
	case bool:
		n, ok := new.(bool)
		return !ok || o != n
	default:
		return old != new
	}
}

// complianceSnapshot performs a full unconditional read, stored to
// history regardless of change (§4.5, §4.6).
func (e *Engine) complianceSnapshot(ctx context.Context, dev catalog.Device, t *deviceTask) {
	sess, err := e.conn.Acquire(ctx, dev)
	if err != nil {
		log.Printf("engine: device %s compliance snapshot connect failed: %v", dev.ID, err)
		return
	}
	defer sess.Close()

	set, _ := e.rdr.Read(ctx, dev, sess.Transport)
	t.mu.RLock()
	ds := t.deviceState
	t.mu.RUnlock()

	for _, rd := range set.Readings {
		old := ds.LastValues[rd.Address]
		ds.LastValues[rd.Address] = rd.Value
		if e.dispatcher != nil {
			e.dispatcher.Enqueue(ChangeEvent{
				DeviceID:     dev.ID,
				Address:      rd.Address,
				RegisterName: rd.Name,
				OldValue:     old,
				NewValue:     rd.Value,
				Timestamp:    set.Timestamp,
				Source:       "sync",
			})
		}
	}
	e.writeSnapshot(dev, ds, set)
}

// writeSnapshot builds a complete snapshot from lastValues (not the
// partial diff) and installs it atomically (§4.6's "Realtime update").
func (e *Engine) writeSnapshot(dev catalog.Device, ds *catalog.DeviceState, set reader.DeviceReadingSet) {
	readings := make([]reader.Reading, 0, len(ds.LastValues))
	byAddr := make(map[uint16]reader.Reading, len(set.Readings))
	for _, rd := range set.Readings {
		byAddr[rd.Address] = rd
	}
	for addr, v := range ds.LastValues {
		if rd, ok := byAddr[addr]; ok {
			readings = append(readings, rd)
		} else {
			readings = append(readings, reader.Reading{Address: addr, Value: v})
		}
	}
	snap := Snapshot{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Timestamp:  set.Timestamp,
		Readings:   readings,
	}
	e.cache.Set(dev.ID, snap, 1)
	e.cache.Wait()
}

// Stop signals every device task, waits for in-flight cycles to finish
// or time out, and releases all resources (§5).
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Printf("engine: timeout waiting for device tasks to stop")
	}
	e.cache.Close()
}

// TriggerDeviceSync forces an out-of-cycle initial sync for deviceId.
func (e *Engine) TriggerDeviceSync(deviceID string) error {
	e.mu.RLock()
	t, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: device %s is not tracked", deviceID)
	}
	select {
	case t.syncCh <- struct{}{}:
	default:
	}
	return nil
}

// GetRealtimeSnapshot returns the most recent complete snapshot for a
// device, or false if none exists yet.
func (e *Engine) GetRealtimeSnapshot(deviceID string) (Snapshot, bool) {
	v, ok := e.cache.Get(deviceID)
	if !ok {
		return Snapshot{}, false
	}
	return v.(Snapshot), true
}

// GetDeviceHealth reports a device's current health projection.
func (e *Engine) GetDeviceHealth(deviceID string) (Health, error) {
	e.mu.RLock()
	t, ok := e.devices[deviceID]
	e.mu.RUnlock()
	if !ok {
		return Health{}, fmt.Errorf("engine: device %s is not tracked", deviceID)
	}
	return t.health(), nil
}

// GetServiceStats summarizes the whole engine.
func (e *Engine) GetServiceStats() ServiceStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stats := ServiceStats{
		TotalDevices:       len(e.devices),
		MonitoringInterval: e.monitoringInterval(),
	}
	if pc, ok := e.dispatcher.(interface{ PendingChanges() int }); ok {
		stats.PendingChanges = pc.PendingChanges()
	}
	for _, t := range e.devices {
		h := t.health()
		switch h.Status {
		case "online":
			stats.Online++
			stats.ActiveConnections++
		default:
			stats.Offline++
		}
	}
	return stats
}

// SetChangeMonitoringInterval clamps ms to [500ms, 60s] and live-applies
// it; existing timers pick it up on their next reset (§4.5).
func (e *Engine) SetChangeMonitoringInterval(ms int) {
	d := time.Duration(ms) * time.Millisecond
	if d < minMonitoringInterval {
		d = minMonitoringInterval
	}
	if d > maxMonitoringInterval {
		d = maxMonitoringInterval
	}
	e.interval.Store(int64(d))
}

func (e *Engine) monitoringInterval() time.Duration {
	return time.Duration(e.interval.Load())
}
