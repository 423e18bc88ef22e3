package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"modbus-gateway/pkg/gateway"
)

func main() {
	var opts gateway.Options
	flag.StringVar(&opts.ConfigPath, "config", "config/devices.yaml", "path to the YAML device definition file")
	flag.StringVar(&opts.CatalogPath, "catalog", "catalog.db", "path to the SQLite device catalog")
	flag.BoolVar(&opts.WatchConfig, "watch-config", false, "hot-reload the device list when the config file changes")
	flag.StringVar(&opts.HistoryDriver, "history-driver", "sqlite", "history backend: sqlite or postgres")
	flag.StringVar(&opts.HistoryDSN, "history-dsn", "history.db", "history sqlite path or postgres DSN")
	flag.StringVar(&opts.PushDriver, "push-driver", "websocket", "realtime push backend: websocket, redis, or none")
	flag.StringVar(&opts.PushAddr, "push-addr", "", "websocket listen address or redis server address")
	flag.BoolVar(&opts.MetricsEnabled, "metrics", true, "expose a Prometheus /metrics endpoint")
	flag.StringVar(&opts.MetricsAddr, "metrics-addr", ":9090", "metrics endpoint listen address")
	flag.DurationVar(&opts.StartupTimeout, "startup-timeout", 30*time.Second, "bound on the engine's smart-startup window")
	flag.Parse()

	// attached to a terminal: keep log output terse for a human reading
	// it live. Piped or redirected (systemd, docker logs): include the
	// source location since the surrounding infrastructure already adds
	// timestamps.
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal: %v, shutting down...", s)
		cancel()
	}()

	if err := gateway.Run(ctx, opts); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}
