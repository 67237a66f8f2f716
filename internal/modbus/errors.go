package modbus

import "fmt"

// Exception is a Modbus exception code carried in an exception response (function|0x80).
type Exception byte

const (
	ExIllegalFunction        Exception = 0x01
	ExIllegalDataAddress     Exception = 0x02
	ExIllegalDataValue       Exception = 0x03
	ExServerDeviceFailure    Exception = 0x04
	ExAcknowledge            Exception = 0x05
	ExServerDeviceBusy       Exception = 0x06
	ExMemoryParityError      Exception = 0x08
	ExGatewayPathUnavailable Exception = 0x0A
	ExGatewayTargetFailed    Exception = 0x0B
)

func (e Exception) String() string {
	switch e {
	case ExIllegalFunction:
		return "illegal function"
	case ExIllegalDataAddress:
		return "illegal data address"
	case ExIllegalDataValue:
		return "illegal data value"
	case ExServerDeviceFailure:
		return "server device failure"
	case ExAcknowledge:
		return "acknowledge"
	case ExServerDeviceBusy:
		return "server device busy"
	case ExMemoryParityError:
		return "memory parity error"
	case ExGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExGatewayTargetFailed:
		return "gateway target failed to respond"
	default:
		return fmt.Sprintf("exception 0x%02X", byte(e))
	}
}

// FrameError is a framing/checksum/length violation on a transport.
type FrameError struct {
	Transport string
	Reason    string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("modbus: frame error on %s: %s", e.Transport, e.Reason)
}

// ProtocolError is a valid frame carrying illegal contents for its function
// code. Exception carries the Modbus exception code a server should reply
// with. DecodeRequest always sets it (ExIllegalFunction for an unknown
// function code, ExIllegalDataValue for an out-of-range quantity/byte-count,
// ExIllegalDataAddress for a range running past 0xFFFF); the encoders and
// DecodeResponse leave it zero.
type ProtocolError struct {
	FunctionCode byte
	Exception    Exception
	Reason       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modbus: protocol error (fc=0x%02X): %s", e.FunctionCode, e.Reason)
}

// ExceptionFor maps a core error to the Modbus exception code a server
// should reply with. ok is false when the error is not one that produces an
// exception reply (framing/IO/timeout errors fail the transaction instead).
func ExceptionFor(err error) (ex Exception, ok bool) {
	switch e := err.(type) {
	case *ProtocolError:
		return e.Exception, true
	case *AddressError:
		return ExIllegalDataAddress, true
	case *ValueError:
		return ExIllegalDataValue, true
	default:
		return 0, false
	}
}

// AddressError is raised when a referenced address falls outside any registered
// view, or a write spans two incompatible views.
type AddressError struct {
	Table   Table
	Address uint16
	Reason  string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("modbus: address error (table=%s addr=%d): %s", e.Table, e.Address, e.Reason)
}

// ValueError is raised when a value lies outside the domain a function code allows.
type ValueError struct {
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("modbus: value error: %s", e.Reason)
}

// IoError wraps an underlying transport failure. All outstanding transactions on
// the connection are failed and the connection is marked closed.
type IoError struct {
	Cause error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("modbus: io error: %v", e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

// TimeoutError is raised when a transaction's deadline expires before a response
// is matched.
type TimeoutError struct {
	CorrelationID uint16
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("modbus: request timed out (correlation=%d)", e.CorrelationID)
}

// ConnectFailed is returned by the client façade when no transport came up.
type ConnectFailed struct {
	Peer   string
	Causes []error
}

func (e *ConnectFailed) Error() string {
	return fmt.Sprintf("modbus: connect failed for peer %s (%d attempts)", e.Peer, len(e.Causes))
}

// RequestFailed is surfaced to the client caller when a transaction ends in a
// Modbus exception reply or exhausts its retries.
type RequestFailed struct {
	Exception Exception
	HasException bool
	Cause     error
}

func (e *RequestFailed) Error() string {
	if e.HasException {
		return fmt.Sprintf("modbus: request failed: %s", e.Exception)
	}
	return fmt.Sprintf("modbus: request failed: %v", e.Cause)
}

func (e *RequestFailed) Unwrap() error { return e.Cause }
