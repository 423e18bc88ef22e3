package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"modbus-gateway/internal/catalog"
)

func testDevice(id string) catalog.Device {
	return catalog.Device{
		ID:      id,
		Name:    "pump-1",
		Enabled: true,
		Connection: catalog.Connection{
			Kind: catalog.ConnTCP,
			IP:   "10.0.0.5",
			Port: 502,
		},
		DataPoints: []catalog.DataPoint{
			{
				Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 100, Count: 5},
				Parameters: []catalog.Parameter{
					{Name: "speed", DataType: catalog.TypeUint16, RegisterIndex: 100, ScalingFactor: 0.1},
				},
			},
		},
		Advanced: catalog.DefaultAdvancedSettings(),
	}
}

func TestPutAndFindDevice(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	dev := testDevice("d1")
	if err := s.Put(context.Background(), dev); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.FindDevice(context.Background(), "d1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Name != "pump-1" || got.Connection.IP != "10.0.0.5" {
		t.Errorf("unexpected device: %+v", got)
	}
	if len(got.DataPoints) != 1 || len(got.DataPoints[0].Parameters) != 1 {
		t.Errorf("expected data points to round-trip, got %+v", got.DataPoints)
	}
}

func TestFindDeviceNotFound(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.FindDevice(context.Background(), "missing"); err != catalog.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEnabledDevicesExcludesDisabled(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	enabled := testDevice("d1")
	disabled := testDevice("d2")
	disabled.Enabled = false

	if err := s.Put(context.Background(), enabled); err != nil {
		t.Fatalf("put enabled: %v", err)
	}
	if err := s.Put(context.Background(), disabled); err != nil {
		t.Fatalf("put disabled: %v", err)
	}

	devices, err := s.ListEnabledDevices(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "d1" {
		t.Errorf("expected only d1, got %+v", devices)
	}
}

func TestUpdateLastSeen(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	dev := testDevice("d1")
	if err := s.Put(context.Background(), dev); err != nil {
		t.Fatalf("put: %v", err)
	}

	now := time.Now().Truncate(time.Second)
	if err := s.UpdateLastSeen(context.Background(), "d1", now); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.FindDevice(context.Background(), "d1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.LastSeen.Equal(now) {
		t.Errorf("expected last seen %v, got %v", now, got.LastSeen)
	}
}

func TestUpdateLastSeenUnknownDevice(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.UpdateLastSeen(context.Background(), "missing", time.Now()); err != catalog.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDriverConfigRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	cfg := catalog.DriverConfig{
		WritableRegisters: []uint16{10, 20},
		ControlParameters: []string{"setpoint"},
	}
	if err := s.PutDriverConfig(context.Background(), "driver-x", cfg); err != nil {
		t.Fatalf("put driver config: %v", err)
	}
	got, err := s.LoadDriverConfig(context.Background(), "driver-x")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.WritableRegisters) != 2 || got.ControlParameters[0] != "setpoint" {
		t.Errorf("unexpected driver config: %+v", got)
	}
}
