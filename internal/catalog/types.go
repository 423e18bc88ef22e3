// Package catalog defines the Device/DataPoint/Parameter schema the engine
// polls against, and the DeviceCatalog collaborator (§6.2) that owns it.
//
// Devices are treated as immutable values for the duration of one polling
// cycle: the engine clones what findDevice/listEnabledDevices hands back
// and never mutates it in place, per the "cyclic/shared state" design note.
package catalog

import (
	"context"
	"time"
)

// FunctionCode identifies which Modbus read operation a Range uses.
type FunctionCode int

const (
	FuncCoils            FunctionCode = 1
	FuncDiscreteInputs   FunctionCode = 2
	FuncHoldingRegisters FunctionCode = 3
	FuncInputRegisters   FunctionCode = 4
)

func (f FunctionCode) String() string {
	switch f {
	case FuncCoils:
		return "coils"
	case FuncDiscreteInputs:
		return "discreteInputs"
	case FuncHoldingRegisters:
		return "holdingRegisters"
	case FuncInputRegisters:
		return "inputRegisters"
	default:
		return "unknown"
	}
}

// DataType is the typed wire value a Parameter decodes to.
type DataType string

const (
	TypeUint16  DataType = "UINT16"
	TypeInt16   DataType = "INT16"
	TypeUint32  DataType = "UINT32"
	TypeInt32   DataType = "INT32"
	TypeFloat32 DataType = "FLOAT32"
	TypeBool    DataType = "BOOL"
)

// WordCount returns how many 16-bit registers the data type spans.
func (d DataType) WordCount() int {
	switch d {
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

// ByteOrder is the arrangement of bytes within one or two registers.
type ByteOrder string

const (
	OrderAB   ByteOrder = "AB"
	OrderBA   ByteOrder = "BA"
	OrderABCD ByteOrder = "ABCD"
	OrderCDAB ByteOrder = "CDAB"
	OrderBADC ByteOrder = "BADC"
	OrderDCBA ByteOrder = "DCBA"
)

// DefaultByteOrder returns the spec default order for a data type
// (AB for single-word types, ABCD for double-word types).
func DefaultByteOrder(dt DataType) ByteOrder {
	if dt.WordCount() == 2 {
		return OrderABCD
	}
	return OrderAB
}

// ConnectionKind distinguishes the tagged connection union.
type ConnectionKind int

const (
	ConnTCP ConnectionKind = iota
	ConnRTU
)

// Parity is the RTU serial parity setting.
type Parity string

const (
	ParityNone Parity = "none"
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// Connection is the tagged union {TCP, RTU} from §3.
type Connection struct {
	Kind ConnectionKind

	// TCP fields
	IP     string
	Port   int
	UnitID uint8

	// RTU fields
	SerialPort string
	BaudRate   int
	DataBits   int // 5..8
	StopBits   int // 1 or 2
	Parity     Parity
}

// AdvancedSettings carries per-device timeouts/retries/poll defaults.
type AdvancedSettings struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	Retries           int
	RetryDelay        time.Duration
	MonitoringInterval time.Duration
}

// DefaultAdvancedSettings returns §4.3's documented defaults.
func DefaultAdvancedSettings() AdvancedSettings {
	return AdvancedSettings{
		ConnectTimeout:     5 * time.Second,
		ReadTimeout:        5 * time.Second,
		Retries:            0,
		RetryDelay:         500 * time.Millisecond,
		MonitoringInterval: 10 * time.Second,
	}
}

// Parameter is one decoded value inside a DataPoint's range.
//
// RegisterIndex is always absolute after catalog.Normalize has run; raw
// sources may supply range-relative indices (see RelativeAddressing on
// DataPoint) which Normalize converts once at load time (§9 open question).
type Parameter struct {
	Name           string
	DataType       DataType
	ByteOrder      ByteOrder
	RegisterIndex  uint16
	WordCount      int // derived from DataType if zero
	ScalingFactor  float64
	LegacyDivisor  float64 // if non-zero at load time, folded into ScalingFactor by Normalize and cleared
	ScalingEquation string  // optional, evaluated in x after ScalingFactor is applied
	DecimalPoint   *int    // optional rounding digits
	Unit           string
	MinValue       *float64
	MaxValue       *float64
}

// Range is one contiguous Modbus read transaction plan.
type Range struct {
	Function FunctionCode
	Start    uint16
	Count    uint16
}

// Contains reports whether address a (and, for multi-word spans, a+words-1)
// lies fully inside the range.
func (r Range) Contains(address uint16, words int) bool {
	if address < r.Start {
		return false
	}
	end := uint32(r.Start) + uint32(r.Count)
	return uint32(address)+uint32(words) <= end
}

// DataPoint is one Range plus the Parameters decoded from it.
type DataPoint struct {
	Range Range
	// RelativeAddressing marks that Parameters in this DataPoint were
	// authored with addresses relative to Range.Start rather than
	// absolute; catalog.Normalize rewrites them to absolute and clears
	// this flag so no downstream code ever branches on it.
	RelativeAddressing bool
	Parameters         []Parameter
}

// Device is the immutable-per-cycle record the engine polls.
type Device struct {
	ID         string
	Name       string
	Enabled    bool
	Connection Connection
	DataPoints []DataPoint
	Advanced   AdvancedSettings

	// AddressBase replaces the source's implicit "-1 if retries==0" bug
	// (§9) with an explicit, declared offset applied once by Normalize.
	AddressBase uint16

	LastSeen time.Time
}

// DeviceState is owned exclusively by the device's own engine task.
type DeviceState struct {
	DeviceID          string
	LastValues        map[uint16]any // nil entry key means "observed but null"
	LastSeen          time.Time
	LastSync          time.Time
	ConsecutiveErrors int
	IsOnline          bool
}

// NewDeviceState creates the zero state for a newly started device.
func NewDeviceState(deviceID string) *DeviceState {
	return &DeviceState{
		DeviceID:   deviceID,
		LastValues: make(map[uint16]any),
	}
}

// DriverConfig is the optional lazily-loaded parser schema for devices that
// only carry a driver reference (§6.2).
type DriverConfig struct {
	DataPoints        []DataPoint
	WritableRegisters []uint16
	ControlParameters []string
}

// ErrNotFound is returned by DeviceCatalog.FindDevice when the id is unknown.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "device not found" }

// DeviceCatalog is the external collaborator of §6.2. The engine never
// assumes a particular storage technology behind it.
type DeviceCatalog interface {
	FindDevice(ctx context.Context, id string) (Device, error)
	ListEnabledDevices(ctx context.Context) ([]Device, error)
	UpdateLastSeen(ctx context.Context, id string, ts time.Time) error
	// LoadDriverConfig is optional; adapters that don't support
	// driver-reference devices may return catalog.ErrNotFound.
	LoadDriverConfig(ctx context.Context, driverID string) (DriverConfig, error)
}
