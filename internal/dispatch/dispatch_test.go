package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"modbus-gateway/internal/engine"
)

type fakeHistory struct {
	mu   sync.Mutex
	rows []HistoryRow
}

func (f *fakeHistory) AppendMany(_ context.Context, rows []HistoryRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakePush struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePush) PublishSnapshot(context.Context, string, engine.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

type fakeCache struct{}

func (fakeCache) GetRealtimeSnapshot(string) (engine.Snapshot, bool) {
	return engine.Snapshot{}, false
}

func TestDispatcherWritesHistory(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePush{}
	d := New(h, p, fakeCache{}, nil)
	defer d.Close()

	d.Enqueue(engine.ChangeEvent{DeviceID: "d1", RegisterName: "r1", NewValue: 5.0, Timestamp: time.Now(), Source: "modbus"})

	deadline := time.After(2 * time.Second)
	for h.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for history write")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if h.count() != 1 {
		t.Errorf("expected 1 history row, got %d", h.count())
	}
}

func TestDispatcherBatchesMultipleDevices(t *testing.T) {
	h := &fakeHistory{}
	p := &fakePush{}
	d := New(h, p, fakeCache{}, nil)
	defer d.Close()

	for i := 0; i < 5; i++ {
		d.Enqueue(engine.ChangeEvent{DeviceID: "d1", RegisterName: "a", NewValue: float64(i), Timestamp: time.Now()})
		d.Enqueue(engine.ChangeEvent{DeviceID: "d2", RegisterName: "b", NewValue: float64(i), Timestamp: time.Now()})
	}

	deadline := time.After(2 * time.Second)
	for h.count() < 10 {
		select {
		case <-deadline:
			t.Fatalf("timed out, only got %d rows", h.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnqueueDoesNotBlockWhenQueueHasRoom(t *testing.T) {
	d := New(&fakeHistory{}, &fakePush{}, fakeCache{}, nil)
	defer d.Close()

	done := make(chan struct{})
	go func() {
		d.Enqueue(engine.ChangeEvent{DeviceID: "d1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked unexpectedly")
	}
}
