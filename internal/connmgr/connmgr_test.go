package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"modbus-gateway/internal/catalog"
	"modbus-gateway/internal/transport"
)

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeTransport) SetUnitID(uint8) {}
func (f *fakeTransport) ReadCoils(context.Context, uint16, uint16) ([]bool, error) {
	return nil, nil
}
func (f *fakeTransport) ReadDiscreteInputs(context.Context, uint16, uint16) ([]bool, error) {
	return nil, nil
}
func (f *fakeTransport) ReadHoldingRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return nil, nil
}
func (f *fakeTransport) ReadInputRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return nil, nil
}
func (f *fakeTransport) WriteCoil(context.Context, uint16, bool) error         { return nil }
func (f *fakeTransport) WriteCoils(context.Context, uint16, []bool) error     { return nil }
func (f *fakeTransport) Valid() bool                                          { return !f.closed }
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func tcpDevice() catalog.Device {
	return catalog.Device{
		ID:         "dev-1",
		Connection: catalog.Connection{Kind: catalog.ConnTCP, IP: "10.0.0.1", Port: 502},
		Advanced:   catalog.DefaultAdvancedSettings(),
	}
}

func TestAcquireSucceedsFirstTry(t *testing.T) {
	m := New()
	ft := &fakeTransport{}
	calls := 0
	m.connect = func(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error) {
		calls++
		return ft, nil
	}
	sess, err := m.Acquire(context.Background(), tcpDevice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 connect call, got %d", calls)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if !ft.closed {
		t.Errorf("expected transport closed")
	}
}

func TestAcquireRetriesThenFails(t *testing.T) {
	m := New()
	calls := 0
	m.connect = func(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error) {
		calls++
		return nil, errors.New("refused")
	}
	dev := tcpDevice()
	dev.Advanced.Retries = 2
	dev.Advanced.RetryDelay = time.Millisecond
	_, err := m.Acquire(context.Background(), dev)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", calls)
	}
}

func TestAcquireRetrySucceedsOnSecondAttempt(t *testing.T) {
	m := New()
	ft := &fakeTransport{}
	calls := 0
	m.connect = func(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("refused")
		}
		return ft, nil
	}
	dev := tcpDevice()
	dev.Advanced.Retries = 1
	dev.Advanced.RetryDelay = time.Millisecond
	sess, err := m.Acquire(context.Background(), dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sess.Close()
}

func TestSerialPortExclusivity(t *testing.T) {
	m := New()
	active := 0
	maxActive := 0
	var mu sync.Mutex
	m.connect = func(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &fakeTransport{}, nil
	}

	dev := catalog.Device{
		ID:         "rtu-1",
		Connection: catalog.Connection{Kind: catalog.ConnRTU, SerialPort: "/dev/ttyUSB0"},
		Advanced:   catalog.DefaultAdvancedSettings(),
	}
	dev2 := dev
	dev2.ID = "rtu-2"

	var wg sync.WaitGroup
	wg.Add(2)
	for _, d := range []catalog.Device{dev, dev2} {
		d := d
		go func() {
			defer wg.Done()
			sess, err := m.Acquire(context.Background(), d)
			if err != nil {
				t.Errorf("acquire %s: %v", d.ID, err)
				return
			}
			sess.Close()
		}()
	}
	wg.Wait()

	if maxActive > 1 {
		t.Errorf("expected at most 1 concurrent connect on shared port, saw %d", maxActive)
	}
}

// TestSerialPortExclusivityThreeWay exercises the window a 2-device test
// never reaches: a third acquirer calling portFor concurrently with the
// first holder's release, which used to be able to observe an empty
// m.ports map and allocate a brand new portLock — granting it a
// concurrent session on the same physical port the second holder still
// had reserved.
func TestSerialPortExclusivityThreeWay(t *testing.T) {
	m := New()
	active := 0
	maxActive := 0
	var mu sync.Mutex
	m.connect = func(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &fakeTransport{}, nil
	}

	dev := catalog.Device{
		ID:         "rtu-1",
		Connection: catalog.Connection{Kind: catalog.ConnRTU, SerialPort: "/dev/ttyUSB0"},
		Advanced:   catalog.DefaultAdvancedSettings(),
	}

	const devices = 3
	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		d := dev
		d.ID = fmt.Sprintf("rtu-%d", i)
		wg.Add(1)
		go func(d catalog.Device) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				sess, err := m.Acquire(context.Background(), d)
				if err != nil {
					t.Errorf("acquire %s: %v", d.ID, err)
					return
				}
				sess.Close()
			}
		}(d)
	}
	wg.Wait()

	if maxActive > 1 {
		t.Errorf("expected at most 1 concurrent connect on shared port, saw %d", maxActive)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New()
	ft := &fakeTransport{}
	m.connect = func(catalog.Device, catalog.AdvancedSettings) (transport.Transport, error) {
		return ft, nil
	}
	sess, err := m.Acquire(context.Background(), tcpDevice())
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
