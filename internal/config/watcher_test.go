package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"modbus-gateway/internal/catalog"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var mu sync.Mutex
	var reloads int
	var last []catalog.Device
	w, err := Start(path, func(devices []catalog.Device) {
		mu.Lock()
		reloads++
		last = devices
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()

	mu.Lock()
	if reloads != 1 || len(last) != 1 {
		mu.Unlock()
		t.Fatalf("expected initial load, got %d reloads", reloads)
	}
	mu.Unlock()

	updated := sampleYAML + `
  - id: pump-2
    name: Pump 2
    enabled: true
    connection:
      kind: tcp
      ip: 10.0.0.6
      port: 502
    data_points:
      - function: holdingRegisters
        start: 0
        count: 1
        parameters:
          - name: v
            data_type: UINT16
            register_index: 0
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite fixture: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(last)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for reload to pick up 2 devices, last saw %d", n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
