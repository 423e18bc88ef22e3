// Package transport implements C2: a frame-correct Modbus TCP/RTU client.
// It wraps github.com/goburrow/modbus (teacher's direct dependency) behind
// a narrow interface so the rest of the engine never imports it directly,
// and maps protocol-level failures to the taxonomy §4.2/§7 describe.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-gateway/internal/catalog"
)

// Transport is one open Modbus session, TCP or RTU, behind a single contract
// (§4.2).
type Transport interface {
	SetUnitID(id uint8)
	ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, addr, count uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, addr, count uint16) ([]uint16, error)
	WriteCoil(ctx context.Context, addr uint16, value bool) error
	WriteCoils(ctx context.Context, addr uint16, values []bool) error
	// Valid reports whether the session is still usable: open, and the
	// last operation did not report Timeout or ConnectionLost (§4.3).
	Valid() bool
	Close() error
}

// FailureKind classifies connect-time failures (§4.2).
type FailureKind int

const (
	FailRefused FailureKind = iota
	FailTimeout
	FailPortNotFound
	FailPermissionDenied
	FailPortBusy
	FailOther
)

// ConnectError wraps a connect-time failure with its classification.
type ConnectError struct {
	Kind FailureKind
	Err  error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// ExceptionCode enumerates the Modbus exception codes (§4.2, §6.1).
type ExceptionCode int

const (
	ExcIllegalFunction ExceptionCode = 0x01
	ExcIllegalAddress  ExceptionCode = 0x02
	ExcIllegalValue    ExceptionCode = 0x03
	ExcSlaveFailure    ExceptionCode = 0x04
	ExcAcknowledge     ExceptionCode = 0x05
	ExcSlaveBusy       ExceptionCode = 0x06
	ExcNAK             ExceptionCode = 0x07
	ExcGatewayPath     ExceptionCode = 0x0A
	ExcGatewayTarget   ExceptionCode = 0x0B
)

// ModbusException is a per-range protocol failure (§4.2, §7): it never
// marks the device offline on its own.
type ModbusException struct {
	Code     ExceptionCode
	Function byte
}

func (e *ModbusException) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X", e.Code, e.Function)
}

// ErrInvalidRequest is returned locally, with no wire traffic, when a caller
// asks for more than the protocol's range limit (§4.2).
var ErrInvalidRequest = fmt.Errorf("invalid request: exceeds protocol range limit")

const (
	maxBitCount      = 2000
	maxRegisterCount = 125
)

// TCPOptions configures connectTCP (§4.2).
type TCPOptions struct {
	IP      string
	Port    int
	UnitID  uint8
	Timeout time.Duration
}

// RTUOptions configures connectRTU (§4.2).
type RTUOptions struct {
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     catalog.Parity
	UnitID     uint8
	Timeout    time.Duration
}

// handler is the subset of goburrow/modbus's client handlers this package
// needs: Connect/Close lifecycle plus the ClientHandler the mb.Client uses
// under the hood for framing.
type handler interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

type transport struct {
	h       handler
	client  mb.Client
	unitSet func(uint8)
	valid   bool
}

// ConnectTCP opens a Modbus TCP session (MBAP framing, §6.1).
func ConnectTCP(opts TCPOptions) (Transport, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addr := fmt.Sprintf("%s:%d", opts.IP, opts.Port)
	h := mb.NewTCPClientHandler(addr)
	h.Timeout = timeout
	h.SlaveId = opts.UnitID

	if err := h.Connect(); err != nil {
		return nil, &ConnectError{Kind: classifyConnectErr(err), Err: err}
	}
	return &transport{
		h:       h,
		client:  mb.NewClient(h),
		unitSet: func(id uint8) { h.SlaveId = id },
		valid:   true,
	}, nil
}

// ConnectRTU opens a Modbus RTU session over a serial port (§6.1).
func ConnectRTU(opts RTUOptions) (Transport, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if strings.TrimSpace(opts.SerialPort) == "" {
		return nil, &ConnectError{Kind: FailPortNotFound, Err: fmt.Errorf("serial port is required for RTU")}
	}
	h := mb.NewRTUClientHandler(opts.SerialPort)
	h.BaudRate = opts.BaudRate
	if h.BaudRate == 0 {
		h.BaudRate = 9600
	}
	h.DataBits = opts.DataBits
	if h.DataBits == 0 {
		h.DataBits = 8
	}
	h.StopBits = opts.StopBits
	if h.StopBits == 0 {
		h.StopBits = 1
	}
	h.Parity = rtuParity(opts.Parity)
	if h.Parity == "" {
		h.Parity = "N"
	}
	h.Timeout = timeout
	h.SlaveId = opts.UnitID

	if err := h.Connect(); err != nil {
		return nil, &ConnectError{Kind: classifyConnectErr(err), Err: err}
	}
	return &transport{
		h:       h,
		client:  mb.NewClient(h),
		unitSet: func(id uint8) { h.SlaveId = id },
		valid:   true,
	}, nil
}

func rtuParity(p catalog.Parity) string {
	switch p {
	case catalog.ParityEven:
		return "E"
	case catalog.ParityOdd:
		return "O"
	case catalog.ParityNone:
		return "N"
	default:
		return ""
	}
}

func classifyConnectErr(err error) FailureKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "refused"):
		return FailRefused
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return FailTimeout
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "not found"):
		return FailPortNotFound
	case strings.Contains(msg, "permission denied"):
		return FailPermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "resource temporarily unavailable"):
		return FailPortBusy
	default:
		return FailOther
	}
}

func (t *transport) SetUnitID(id uint8) { t.unitSet(id) }

func (t *transport) Valid() bool { return t.valid }

func (t *transport) Close() error {
	t.valid = false
	return t.h.Close()
}

func (t *transport) markInvalid(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "closed") || strings.Contains(msg, "connection") {
		t.valid = false
	}
	if exc := asModbusException(err); exc != nil {
		return exc
	}
	return err
}

func (t *transport) ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error) {
	if count == 0 || count > maxBitCount {
		return nil, ErrInvalidRequest
	}
	data, err := callWithContext(ctx, func() ([]byte, error) { return t.client.ReadCoils(addr, count) })
	if err != nil {
		return nil, t.markInvalid(err)
	}
	return unpackBits(data, int(count)), nil
}

func (t *transport) ReadDiscreteInputs(ctx context.Context, addr, count uint16) ([]bool, error) {
	if count == 0 || count > maxBitCount {
		return nil, ErrInvalidRequest
	}
	data, err := callWithContext(ctx, func() ([]byte, error) { return t.client.ReadDiscreteInputs(addr, count) })
	if err != nil {
		return nil, t.markInvalid(err)
	}
	return unpackBits(data, int(count)), nil
}

func (t *transport) ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	if count == 0 || count > maxRegisterCount {
		return nil, ErrInvalidRequest
	}
	data, err := callWithContext(ctx, func() ([]byte, error) { return t.client.ReadHoldingRegisters(addr, count) })
	if err != nil {
		return nil, t.markInvalid(err)
	}
	return unpackWords(data), nil
}

func (t *transport) ReadInputRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	if count == 0 || count > maxRegisterCount {
		return nil, ErrInvalidRequest
	}
	data, err := callWithContext(ctx, func() ([]byte, error) { return t.client.ReadInputRegisters(addr, count) })
	if err != nil {
		return nil, t.markInvalid(err)
	}
	return unpackWords(data), nil
}

func (t *transport) WriteCoil(ctx context.Context, addr uint16, value bool) error {
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	_, err := callWithContext(ctx, func() ([]byte, error) { return t.client.WriteSingleCoil(addr, v) })
	if err != nil {
		return t.markInvalid(err)
	}
	return nil
}

func (t *transport) WriteCoils(ctx context.Context, addr uint16, values []bool) error {
	if len(values) == 0 || len(values) > maxBitCount {
		return ErrInvalidRequest
	}
	packed := packBits(values)
	_, err := callWithContext(ctx, func() ([]byte, error) {
		return t.client.WriteMultipleCoils(addr, uint16(len(values)), packed)
	})
	if err != nil {
		return t.markInvalid(err)
	}
	return nil
}

// callWithContext runs a blocking goburrow/modbus call and honors ctx
// cancellation; the underlying handler's own Timeout bounds the call too,
// but ctx lets the engine's cooperative cancellation win early (§5).
func callWithContext(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := fn()
		done <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

// asModbusException recognizes goburrow/modbus's exception error strings
// (it formats them as "modbus: exception '<code>' (<name>), function '<fc>'")
// and turns them into a typed ModbusException so callers can branch on the
// exception code without string matching (§4.2, §6.1).
func asModbusException(err error) *ModbusException {
	msg := err.Error()
	if !strings.Contains(msg, "exception") {
		return nil
	}
	code, ok := extractDecimalAfter(msg, "exception '")
	if !ok {
		return nil
	}
	fn, _ := extractDecimalAfter(msg, "function '")
	return &ModbusException{Code: ExceptionCode(code), Function: byte(fn)}
}

// extractDecimalAfter pulls the quoted integer following marker out of msg.
// goburrow/modbus formats its exception error as
// "exception '<code>' (<name>), function '<fc>'" with both %v-formatted
// byte values printed in decimal, not hex.
func extractDecimalAfter(msg, marker string) (int64, bool) {
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return 0, false
	}
	rest := msg[idx+len(marker):]
	end := strings.IndexByte(rest, '\'')
	if end < 0 {
		return 0, false
	}
	var v int64
	if _, err := fmt.Sscanf(rest[:end], "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

func unpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = uint16(data[i*2])<<8 | uint16(data[i*2+1])
	}
	return out
}
