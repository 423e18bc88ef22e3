package reader

import (
	"context"
	"errors"
	"testing"

	"modbus-gateway/internal/catalog"
	"modbus-gateway/internal/transport"
)

type fakeTransport struct {
	holding map[uint16][]uint16 // keyed by start address
	coils   map[uint16][]bool
	failAt  uint16
}

func (f *fakeTransport) SetUnitID(uint8) {}

func (f *fakeTransport) ReadHoldingRegisters(_ context.Context, addr, count uint16) ([]uint16, error) {
	if addr == f.failAt {
		return nil, errors.New("simulated failure")
	}
	return f.holding[addr], nil
}
func (f *fakeTransport) ReadInputRegisters(_ context.Context, addr, count uint16) ([]uint16, error) {
	return f.holding[addr], nil
}
func (f *fakeTransport) ReadCoils(_ context.Context, addr, count uint16) ([]bool, error) {
	return f.coils[addr], nil
}
func (f *fakeTransport) ReadDiscreteInputs(_ context.Context, addr, count uint16) ([]bool, error) {
	return f.coils[addr], nil
}
func (f *fakeTransport) WriteCoil(context.Context, uint16, bool) error     { return nil }
func (f *fakeTransport) WriteCoils(context.Context, uint16, []bool) error { return nil }
func (f *fakeTransport) Valid() bool                                      { return true }
func (f *fakeTransport) Close() error                                     { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestReadAppliesScaleAndRounding(t *testing.T) {
	// §8 scenario 4: FC=3 start=100 count=5 -> [10,20,30,40,50];
	// parameter at address 102, UINT16, scalingFactor=0.1, decimalPoint=2
	// -> Reading{address:102, value:3.00}
	ft := &fakeTransport{holding: map[uint16][]uint16{
		100: {10, 20, 30, 40, 50},
	}}
	dev := catalog.Device{
		ID:   "dev-1",
		Name: "Device One",
		DataPoints: []catalog.DataPoint{{
			Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 100, Count: 5},
			Parameters: []catalog.Parameter{{
				Name:          "p1",
				DataType:      catalog.TypeUint16,
				ByteOrder:     catalog.OrderAB,
				RegisterIndex: 102,
				ScalingFactor: 0.1,
				DecimalPoint:  intPtr(2),
			}},
		}},
	}
	r := New()
	set, failures := r.Read(context.Background(), dev, ft)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if set.Partial {
		t.Fatalf("expected non-partial set")
	}
	if len(set.Readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(set.Readings))
	}
	got := set.Readings[0]
	if got.Address != 102 {
		t.Errorf("expected address 102, got %d", got.Address)
	}
	if got.Value.(float64) != 3.0 {
		t.Errorf("expected value 3.0, got %v", got.Value)
	}
}

func TestReadPartialOnRangeFailure(t *testing.T) {
	ft := &fakeTransport{
		holding: map[uint16][]uint16{200: {7}},
		failAt:  100,
	}
	dev := catalog.Device{
		ID: "dev-2",
		DataPoints: []catalog.DataPoint{
			{
				Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 100, Count: 1},
				Parameters: []catalog.Parameter{{
					Name: "broken", DataType: catalog.TypeUint16, ByteOrder: catalog.OrderAB, RegisterIndex: 100,
				}},
			},
			{
				Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 200, Count: 1},
				Parameters: []catalog.Parameter{{
					Name: "ok", DataType: catalog.TypeUint16, ByteOrder: catalog.OrderAB, RegisterIndex: 200,
				}},
			},
		},
	}
	r := New()
	set, failures := r.Read(context.Background(), dev, ft)
	if len(failures) != 1 {
		t.Fatalf("expected 1 range failure, got %d", len(failures))
	}
	if !set.Partial {
		t.Errorf("expected partial=true")
	}
	if len(set.Readings) != 1 || set.Readings[0].Name != "ok" {
		t.Errorf("expected the surviving range's reading, got %+v", set.Readings)
	}
}

func TestReadClampsToMinMax(t *testing.T) {
	ft := &fakeTransport{holding: map[uint16][]uint16{0: {9999}}}
	dev := catalog.Device{
		DataPoints: []catalog.DataPoint{{
			Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 0, Count: 1},
			Parameters: []catalog.Parameter{{
				Name: "clamped", DataType: catalog.TypeUint16, ByteOrder: catalog.OrderAB, RegisterIndex: 0,
				MaxValue: floatPtr(100),
			}},
		}},
	}
	r := New()
	set, _ := r.Read(context.Background(), dev, ft)
	if set.Readings[0].Value.(float64) != 100 {
		t.Errorf("expected clamp to 100, got %v", set.Readings[0].Value)
	}
}

func TestReadSmallValueBelowThresholdUnrounded(t *testing.T) {
	ft := &fakeTransport{holding: map[uint16][]uint16{0: {1}}}
	dev := catalog.Device{
		DataPoints: []catalog.DataPoint{{
			Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 0, Count: 1},
			Parameters: []catalog.Parameter{{
				Name: "tiny", DataType: catalog.TypeUint16, ByteOrder: catalog.OrderAB, RegisterIndex: 0,
				ScalingFactor: 0.0001, DecimalPoint: intPtr(2),
			}},
		}},
	}
	r := New()
	set, _ := r.Read(context.Background(), dev, ft)
	got := set.Readings[0].Value.(float64)
	if got != 0.0001 {
		t.Errorf("expected unrounded 0.0001, got %v", got)
	}
}

func TestReadScalingEquation(t *testing.T) {
	ft := &fakeTransport{holding: map[uint16][]uint16{0: {100}}}
	dev := catalog.Device{
		DataPoints: []catalog.DataPoint{{
			Range: catalog.Range{Function: catalog.FuncHoldingRegisters, Start: 0, Count: 1},
			Parameters: []catalog.Parameter{{
				Name: "eq", DataType: catalog.TypeUint16, ByteOrder: catalog.OrderAB, RegisterIndex: 0,
				ScalingEquation: "(x + 10) / 2",
			}},
		}},
	}
	r := New()
	set, _ := r.Read(context.Background(), dev, ft)
	if set.Readings[0].Value.(float64) != 55 {
		t.Errorf("expected 55, got %v", set.Readings[0].Value)
	}
}

func TestReadBoolNotScaled(t *testing.T) {
	ft := &fakeTransport{coils: map[uint16][]bool{0: {true, false}}}
	dev := catalog.Device{
		DataPoints: []catalog.DataPoint{{
			Range: catalog.Range{Function: catalog.FuncCoils, Start: 0, Count: 2},
			Parameters: []catalog.Parameter{{
				Name: "flag", DataType: catalog.TypeBool, RegisterIndex: 1,
			}},
		}},
	}
	r := New()
	set, _ := r.Read(context.Background(), dev, ft)
	if set.Readings[0].Value.(bool) != false {
		t.Errorf("expected false")
	}
}
