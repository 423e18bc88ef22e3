// Package reader implements C4: given an owned Device and an open
// transport.Transport, issues the device's range reads, decodes each
// Parameter through codec, applies scaling/rounding/clamping, and returns
// a DeviceReadingSet (§4.4).
package reader

import (
	"context"
	"fmt"
	"math"
	"time"

	"modbus-gateway/internal/catalog"
	"modbus-gateway/internal/codec"
	"modbus-gateway/internal/scaling"
	"modbus-gateway/internal/transport"
)

// Reading is one decoded, scaled value (§4's Data Model).
type Reading struct {
	Name     string
	Address  uint16
	Value    any
	Unit     string
	DataType catalog.DataType
}

// DeviceReadingSet is C4's output for one polling cycle of one device.
type DeviceReadingSet struct {
	DeviceID   string
	DeviceName string
	Timestamp  time.Time
	Readings   []Reading
	// Partial is true if at least one range read or parameter decode
	// failed, or if no parameter decoded at all. It is also true when
	// every read failed, so it does not by itself mean that some
	// readings succeeded.
	Partial bool
}

// RangeFailure records one range that could not be read, without aborting
// the rest of the device's DataPoints.
type RangeFailure struct {
	Range Range
	Err   error
}

// Range mirrors catalog.Range for error reporting without importing the
// whole catalog package into error values callers might log raw.
type Range = catalog.Range

// Reader reads one device per call to Read; equations are cached per
// unique ScalingEquation string across calls to avoid re-parsing them
// every polling cycle.
type Reader struct {
	exprCache map[string]*scaling.Expr
}

// New creates a Reader with an empty equation cache.
func New() *Reader {
	return &Reader{exprCache: make(map[string]*scaling.Expr)}
}

// Read executes dev's DataPoints against tr and returns the resulting
// reading set. It never returns an error itself — a device with zero
// readable ranges still yields a (possibly empty) DeviceReadingSet with
// Partial set, matching "a device may come online later" (§5).
func (r *Reader) Read(ctx context.Context, dev catalog.Device, tr transport.Transport) (DeviceReadingSet, []RangeFailure) {
	set := DeviceReadingSet{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Timestamp:  time.Now(),
	}
	var failures []RangeFailure
	anyOK := false

	for _, dp := range dev.DataPoints {
		words, err := r.readRange(ctx, tr, dp.Range)
		if err != nil {
			set.Partial = true
			failures = append(failures, RangeFailure{Range: dp.Range, Err: err})
			continue
		}
		rangeHadSuccess := false
		for _, p := range dp.Parameters {
			reading, err := r.decodeParameter(dp.Range, p, words)
			if err != nil {
				set.Partial = true
				continue
			}
			set.Readings = append(set.Readings, reading)
			rangeHadSuccess = true
		}
		if rangeHadSuccess {
			anyOK = true
		}
	}
	if !anyOK && len(dev.DataPoints) > 0 {
		set.Partial = true
	}
	return set, failures
}

func (r *Reader) readRange(ctx context.Context, tr transport.Transport, rng catalog.Range) ([]uint16, error) {
	switch rng.Function {
	case catalog.FuncHoldingRegisters:
		return tr.ReadHoldingRegisters(ctx, rng.Start, rng.Count)
	case catalog.FuncInputRegisters:
		return tr.ReadInputRegisters(ctx, rng.Start, rng.Count)
	case catalog.FuncCoils:
		bits, err := tr.ReadCoils(ctx, rng.Start, rng.Count)
		if err != nil {
			return nil, err
		}
		return bitsToWords(bits), nil
	case catalog.FuncDiscreteInputs:
		bits, err := tr.ReadDiscreteInputs(ctx, rng.Start, rng.Count)
		if err != nil {
			return nil, err
		}
		return bitsToWords(bits), nil
	default:
		return nil, fmt.Errorf("reader: unsupported function code %s", rng.Function)
	}
}

// bitsToWords lifts each bit into its own "word" (0 or 1) so Decode's
// BOOL case, which reads words[0], works uniformly for bit-addressed
// ranges too.
func bitsToWords(bits []bool) []uint16 {
	words := make([]uint16, len(bits))
	for i, b := range bits {
		if b {
			words[i] = 1
		}
	}
	return words
}

func (r *Reader) decodeParameter(rng catalog.Range, p catalog.Parameter, words []uint16) (Reading, error) {
	offset := int(p.RegisterIndex) - int(rng.Start)
	wc := p.WordCount
	if wc == 0 {
		wc = p.DataType.WordCount()
	}
	if offset < 0 || offset+wc > len(words) {
		return Reading{}, fmt.Errorf("reader: parameter %q address %d out of range bounds", p.Name, p.RegisterIndex)
	}
	raw, err := codec.Decode(p.DataType, p.ByteOrder, words[offset:offset+wc])
	if err != nil {
		return Reading{}, fmt.Errorf("reader: decode %q: %w", p.Name, err)
	}

	reading := Reading{
		Name:     p.Name,
		Address:  p.RegisterIndex,
		Unit:     p.Unit,
		DataType: p.DataType,
	}
	if p.DataType == catalog.TypeBool || raw == nil {
		reading.Value = raw
		return reading, nil
	}

	v, err := toFloat64(raw)
	if err != nil {
		return Reading{}, fmt.Errorf("reader: scale %q: %w", p.Name, err)
	}
	v *= scalingFactorOrOne(p.ScalingFactor)
	if p.ScalingEquation != "" {
		expr, err := r.compile(p.ScalingEquation)
		if err != nil {
			return Reading{}, fmt.Errorf("reader: scaling equation for %q: %w", p.Name, err)
		}
		v, err = expr.Eval(v)
		if err != nil {
			return Reading{}, fmt.Errorf("reader: evaluate scaling equation for %q: %w", p.Name, err)
		}
	}
	v = roundBankers(v, p.DecimalPoint)
	v = clamp(v, p.MinValue, p.MaxValue)
	reading.Value = v
	return reading, nil
}

func (r *Reader) compile(equation string) (*scaling.Expr, error) {
	if e, ok := r.exprCache[equation]; ok {
		return e, nil
	}
	e, err := scaling.Compile(equation)
	if err != nil {
		return nil, err
	}
	r.exprCache[equation] = e
	return e, nil
}

func scalingFactorOrOne(f float64) float64 {
	if f == 0 {
		return 1
	}
	return f
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case uint16:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case float32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// roundBankers rounds v to decimalPoint digits using round-half-to-even;
// values whose magnitude is below 10^(-decimalPoint) are left unrounded
// to avoid silently zeroing small readings (§4.4).
func roundBankers(v float64, decimalPoint *int) float64 {
	if decimalPoint == nil {
		return v
	}
	dp := *decimalPoint
	threshold := math.Pow(10, -float64(dp))
	if math.Abs(v) < threshold {
		return v
	}
	mult := math.Pow(10, float64(dp))
	return math.RoundToEven(v*mult) / mult
}

func clamp(v float64, min, max *float64) float64 {
	if min != nil && v < *min {
		v = *min
	}
	if max != nil && v > *max {
		v = *max
	}
	return v
}
