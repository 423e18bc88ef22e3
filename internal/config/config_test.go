package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
devices:
  - id: pump-1
    name: Pump 1
    enabled: true
    connection:
      kind: tcp
      ip: 10.0.0.5
      port: 502
    data_points:
      - function: holdingRegisters
        start: 100
        count: 5
        parameters:
          - name: speed
            data_type: UINT16
            register_index: 102
            scaling_factor: 0.1
            decimal_point: 2
`

func TestLoadYAMLParsesDeviceAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	devices, err := LoadYAML(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	dev := devices[0]
	if dev.ID != "pump-1" || dev.Connection.IP != "10.0.0.5" || dev.Connection.Port != 502 {
		t.Errorf("unexpected device: %+v", dev)
	}
	if len(dev.DataPoints) != 1 || len(dev.DataPoints[0].Parameters) != 1 {
		t.Fatalf("unexpected data points: %+v", dev.DataPoints)
	}
	p := dev.DataPoints[0].Parameters[0]
	if p.RegisterIndex != 102 || p.ScalingFactor != 0.1 {
		t.Errorf("unexpected parameter: %+v", p)
	}
	if dev.Advanced.RetryDelay <= 0 {
		t.Errorf("expected default retry delay to be applied, got %v", dev.Advanced.RetryDelay)
	}
}

func TestLoadYAMLRejectsEmptyDeviceList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("devices: []\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := LoadYAML(path); err == nil {
		t.Error("expected an error for an empty device list")
	}
}

func TestLoadDevicesFromCSV(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "devices.csv")
	csvBody := "device_id,ip,port,unit_id\nd1,10.0.0.1,502,1\nd2,10.0.0.2,502,2\n"
	if err := os.WriteFile(csvPath, []byte(csvBody), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	yamlBody := `
devices:
  - devices_file: devices.csv
    data_points:
      - function: holdingRegisters
        start: 0
        count: 2
        parameters:
          - name: v
            data_type: UINT16
            register_index: 0
`
	yamlPath := filepath.Join(dir, "devices.yaml")
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	devices, err := LoadYAML(yamlPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices from csv import, got %d", len(devices))
	}
	if devices[0].ID != "d1" || devices[1].ID != "d2" {
		t.Errorf("unexpected device ids: %s, %s", devices[0].ID, devices[1].ID)
	}
	if devices[0].Connection.UnitID != 1 {
		t.Errorf("expected unit id 1, got %d", devices[0].Connection.UnitID)
	}
}
