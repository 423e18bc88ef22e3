// Package gateway wires the gateway's collaborators together behind a
// single Options/Run facade, mirroring pkg/collector's re-export of
// internal/tasks.InitAndRunCollector.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"modbus-gateway/internal/catalog"
	"modbus-gateway/internal/config"
	"modbus-gateway/internal/connmgr"
	"modbus-gateway/internal/dispatch"
	"modbus-gateway/internal/engine"
	"modbus-gateway/internal/history"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/push"
	"modbus-gateway/internal/reader"
	"modbus-gateway/internal/store"
)

// Options configures a gateway run. Mirrors the CLI flags cmd/gateway
// exposes.
type Options struct {
	// ConfigPath is the YAML device definition file (required).
	ConfigPath string
	// CatalogPath is the SQLite file backing internal/store. Devices
	// loaded from ConfigPath are upserted into it at startup so the
	// store stays the single source of truth the engine reads from.
	CatalogPath string
	// WatchConfig enables the fsnotify-driven hot reload.
	WatchConfig bool

	// HistoryDriver selects the history.HistorySink backend: "sqlite"
	// (default) or "postgres".
	HistoryDriver string
	// HistoryDSN is the sqlite file path or postgres DSN, depending on
	// HistoryDriver.
	HistoryDSN string

	// PushDriver selects the push.PublishSnapshot backend: "websocket"
	// (default), "redis", or "none".
	PushDriver string
	// PushAddr is the websocket hub's listen address, or the redis
	// server address, depending on PushDriver.
	PushAddr string

	// MetricsEnabled mounts a Prometheus /metrics endpoint on MetricsAddr.
	MetricsEnabled bool
	MetricsAddr    string

	// StartupTimeout bounds Engine.Start's smart-startup window.
	StartupTimeout time.Duration
}

// Gateway owns every collaborator constructed by Run and exposes the
// host-facing engine API plus a Close for graceful shutdown.
type Gateway struct {
	Engine *engine.Engine

	store      *store.Store
	watcher    *config.Watcher
	history    historyCloser
	closePush  func() error
	dispatch   *dispatch.Dispatcher
	metricsSv  *http.Server
}

// historyCloser is both the dispatch.HistorySink the dispatcher writes
// through and the Closer the Gateway shuts down on exit.
type historyCloser interface {
	dispatch.HistorySink
	Close() error
}

// Run constructs every collaborator per opts, starts the engine, and
// blocks until ctx is canceled, then shuts everything down in reverse
// order.
func Run(ctx context.Context, opts Options) error {
	gw, err := New(opts)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.Engine.Start(ctx, opts.StartupTimeout); err != nil {
		return fmt.Errorf("gateway: start engine: %w", err)
	}

	<-ctx.Done()
	return nil
}

// New constructs a Gateway without starting the engine, so callers that
// need to drive the engine API directly (tests, embedding) can do so.
func New(opts Options) (*Gateway, error) {
	if opts.ConfigPath == "" {
		return nil, fmt.Errorf("gateway: ConfigPath is required")
	}
	if opts.CatalogPath == "" {
		opts.CatalogPath = "catalog.db"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}

	st, err := store.Open(opts.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open catalog: %w", err)
	}

	loadAndSync := func(devices []catalog.Device) {
		ctx := context.Background()
		for _, dev := range devices {
			if err := st.Put(ctx, dev); err != nil {
				continue
			}
		}
	}

	var watcher *config.Watcher
	if opts.WatchConfig {
		watcher, err = config.Start(opts.ConfigPath, loadAndSync)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("gateway: watch config: %w", err)
		}
	} else {
		devices, err := config.LoadYAML(opts.ConfigPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("gateway: load config: %w", err)
		}
		loadAndSync(devices)
	}

	var metricsReg *metrics.Registry
	if opts.MetricsEnabled {
		metricsReg = metrics.New()
	}

	historySink, err := openHistory(opts)
	if err != nil {
		closeAll(st, watcher, nil)
		return nil, err
	}

	pushChannel, closePush, err := openPush(opts)
	if err != nil {
		historySink.Close()
		closeAll(st, watcher, nil)
		return nil, err
	}

	// cacheAdapter forwards CacheWriter.GetRealtimeSnapshot to the engine
	// constructed below; the dispatcher needs a CacheWriter before the
	// engine exists, and the engine needs a Dispatcher before it exists,
	// so the adapter's target is filled in once both sides are built.
	cacheAdapter := &engineCache{}
	disp := dispatch.New(historySink, pushChannel, cacheAdapter, metricsReg)

	connMgr := connmgr.New()
	connMgr.Metrics = metricsReg

	eng, err := engine.New(engine.Options{
		Catalog:    st,
		ConnMgr:    connMgr,
		Reader:     reader.New(),
		Dispatcher: disp,
		Metrics:    metricsReg,
	})
	if err != nil {
		closePush()
		historySink.Close()
		closeAll(st, watcher, nil)
		return nil, fmt.Errorf("gateway: construct engine: %w", err)
	}
	cacheAdapter.eng = eng

	gw := &Gateway{
		Engine:    eng,
		store:     st,
		watcher:   watcher,
		history:   historySink,
		closePush: closePush,
		dispatch:  disp,
	}

	if opts.MetricsEnabled {
		addr := opts.MetricsAddr
		if addr == "" {
			addr = ":9090"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		gw.metricsSv = &http.Server{Addr: addr, Handler: mux}
		go gw.metricsSv.ListenAndServe()
	}

	return gw, nil
}

// Close shuts down every collaborator in reverse construction order.
// Call it once: a second call closes the dispatcher's queue again, which
// panics.
func (g *Gateway) Close() error {
	g.Engine.Stop()
	if g.metricsSv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.metricsSv.Shutdown(shutdownCtx)
	}
	g.dispatch.Close()
	if g.closePush != nil {
		g.closePush()
	}
	g.history.Close()
	closeAll(g.store, g.watcher, nil)
	return nil
}

func closeAll(st *store.Store, w *config.Watcher, _ error) {
	if w != nil {
		w.Close()
	}
	if st != nil {
		st.Close()
	}
}

func openHistory(opts Options) (historyCloser, error) {
	driver := strings.ToLower(opts.HistoryDriver)
	switch driver {
	case "", "sqlite":
		dsn := opts.HistoryDSN
		if dsn == "" {
			dsn = "history.db"
		}
		return history.OpenSQLite(dsn)
	case "postgres":
		return history.OpenPostgres(opts.HistoryDSN)
	default:
		return nil, fmt.Errorf("gateway: unknown history driver %q", opts.HistoryDriver)
	}
}

func openPush(opts Options) (dispatch.PushChannel, func() error, error) {
	driver := strings.ToLower(opts.PushDriver)
	switch driver {
	case "", "websocket":
		hub := push.NewHub(push.HubConfig{})
		addr := opts.PushAddr
		if addr == "" {
			addr = ":9091"
		}
		go http.ListenAndServe(addr, hub)
		return hub, func() error { hub.Close(); return nil }, nil
	case "redis":
		cfg := push.RedisConfig{}
		if opts.PushAddr != "" {
			cfg.Addr = opts.PushAddr
		}
		pub, err := push.NewRedisPublisher(cfg)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	case "none":
		return noopPush{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("gateway: unknown push driver %q", opts.PushDriver)
	}
}

type noopPush struct{}

func (noopPush) PublishSnapshot(context.Context, string, engine.Snapshot) error { return nil }

// engineCache implements dispatch.CacheWriter by forwarding to an
// *engine.Engine assigned after both it and the Dispatcher it feeds are
// constructed.
type engineCache struct {
	eng *engine.Engine
}

func (c *engineCache) GetRealtimeSnapshot(deviceID string) (engine.Snapshot, bool) {
	if c.eng == nil {
		return engine.Snapshot{}, false
	}
	return c.eng.GetRealtimeSnapshot(deviceID)
}
