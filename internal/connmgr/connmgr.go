// Package connmgr implements C3: acquiring a transport.Transport for a
// catalog.Device, retrying failed connects with backoff, and serializing
// access to serial ports shared by more than one RTU device (§4.3, §5).
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"modbus-gateway/internal/catalog"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/transport"
)

// Manager hands out transport.Transport sessions for devices, enforcing
// one open session per serial port at a time.
type Manager struct {
	portsMu sync.Mutex
	ports   map[string]*portLock

	// connect is swappable in tests; production code always uses connect
	// (the package-level func below) via New().
	connect func(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error)

	// Metrics is optional; set after New() to enable the
	// active-connections gauge. Left nil, instrumentation is a no-op.
	Metrics *metrics.Registry
}

type portLock struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	refCount int
}

// New creates an empty Manager; zero value is also usable.
func New() *Manager {
	return &Manager{ports: make(map[string]*portLock), connect: connect}
}

// portFor returns the portLock for serialPort, creating it if needed, and
// reserves it by bumping refCount under portsMu before returning. The
// reservation must happen here, not after the caller later locks pl.mu,
// or a concurrent release() could delete the map entry out from under a
// caller that already holds a pointer to pl but hasn't registered itself
// yet.
func (m *Manager) portFor(serialPort string) *portLock {
	m.portsMu.Lock()
	defer m.portsMu.Unlock()
	p, ok := m.ports[serialPort]
	if !ok {
		// at most one reconnect attempt every 2 seconds per port: a
		// flapping bus must not be hammered with dial attempts (§4.3).
		p = &portLock{limiter: rate.NewLimiter(rate.Every(2*time.Second), 1)}
		m.ports[serialPort] = p
	}
	p.refCount++
	return p
}

// Session is an open transport plus the release function that must be
// called when the caller is done, even on error paths (§5's "every
// acquisition is matched by a release on every exit path").
type Session struct {
	Transport transport.Transport
	release   func()
	onClose   func()
	closed    bool
	mu        sync.Mutex
}

// Close releases the session's port lock (if any) and closes the
// transport. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.Transport.Close()
	if s.release != nil {
		s.release()
	}
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// Acquire connects to dev, retrying AdvancedSettings.Retries times with
// exponential backoff: AdvancedSettings.RetryDelay before the first retry,
// doubling before each later one (§4.3's documented defaults: retries=0,
// retryDelay=500ms). For RTU devices it first takes
// the exclusive port lock so two devices never share a physical bus at
// once (§5).
func (m *Manager) Acquire(ctx context.Context, dev catalog.Device) (*Session, error) {
	adv := dev.Advanced
	if adv.ConnectTimeout <= 0 {
		adv.ConnectTimeout = 5 * time.Second
	}
	if adv.RetryDelay <= 0 {
		adv.RetryDelay = 500 * time.Millisecond
	}

	var release func()
	var pl *portLock
	if dev.Connection.Kind == catalog.ConnRTU {
		port := dev.Connection.SerialPort
		pl = m.portFor(port)
		pl.mu.Lock()
		release = func() {
			pl.mu.Unlock()
			m.portsMu.Lock()
			pl.refCount--
			if pl.refCount == 0 {
				delete(m.ports, port)
			}
			m.portsMu.Unlock()
		}
	}

	connectFn := m.connect
	if connectFn == nil {
		connectFn = connect
	}

	var lastErr error
	delay := adv.RetryDelay
	for attempt := 0; attempt <= adv.Retries; attempt++ {
		if attempt > 0 && pl != nil {
			// a flapping bus must not be hammered with reconnect
			// attempts; first try of a fresh acquisition is never
			// throttled (§4.3).
			if err := pl.limiter.Wait(ctx); err != nil {
				release()
				return nil, fmt.Errorf("connmgr: rate limit wait for port %s: %w", dev.Connection.SerialPort, err)
			}
		}
		tr, err := connectFn(dev, adv)
		if err == nil {
			if m.Metrics != nil {
				m.Metrics.ActiveConns.Inc()
			}
			onClose := func() {}
			if m.Metrics != nil {
				onClose = func() { m.Metrics.ActiveConns.Dec() }
			}
			return &Session{Transport: tr, release: release, onClose: onClose}, nil
		}
		lastErr = err
		if attempt == adv.Retries {
			break
		}
		select {
		case <-ctx.Done():
			if release != nil {
				release()
			}
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if release != nil {
		release()
	}
	return nil, fmt.Errorf("connmgr: connect device %s after %d attempt(s): %w", dev.ID, adv.Retries+1, lastErr)
}

func connect(dev catalog.Device, adv catalog.AdvancedSettings) (transport.Transport, error) {
	switch dev.Connection.Kind {
	case catalog.ConnTCP:
		return transport.ConnectTCP(transport.TCPOptions{
			IP:      dev.Connection.IP,
			Port:    dev.Connection.Port,
			UnitID:  dev.Connection.UnitID,
			Timeout: adv.ConnectTimeout,
		})
	case catalog.ConnRTU:
		return transport.ConnectRTU(transport.RTUOptions{
			SerialPort: dev.Connection.SerialPort,
			BaudRate:   dev.Connection.BaudRate,
			DataBits:   dev.Connection.DataBits,
			StopBits:   dev.Connection.StopBits,
			Parity:     dev.Connection.Parity,
			UnitID:     dev.Connection.UnitID,
			Timeout:    adv.ConnectTimeout,
		})
	default:
		return nil, fmt.Errorf("connmgr: unknown connection kind for device %s", dev.ID)
	}
}
