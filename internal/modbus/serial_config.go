package modbus

import (
	"time"

	"go.bug.st/serial"
)

// SerialFraming selects which serial framing a peer speaks.
type SerialFraming string

const (
	SerialRTU   SerialFraming = "rtu"
	SerialASCII SerialFraming = "ascii"
)

// SerialParity mirrors go.bug.st/serial's parity constants in a
// configuration-friendly form (so callers don't need to import the serial
// package just to build a PeerConfig).
type SerialParity string

const (
	ParityNone SerialParity = "none"
	ParityOdd  SerialParity = "odd"
	ParityEven SerialParity = "even"
)

// SerialConfig holds the line parameters of spec.md §6.
type SerialConfig struct {
	Port     string
	Speed    int // baud, default 9600
	Parity   SerialParity
	DataBits int // 8 for RTU, 7 for ASCII
	StopBits int // 1 or 2
	Modem    bool
}

func (c SerialConfig) toMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: c.Speed,
		DataBits: c.DataBits,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 9600
	}
	switch c.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch c.Parity {
	case ParityOdd:
		mode.Parity = serial.OddParity
	case ParityEven:
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode
}

// SerialPort is the subset of go.bug.st/serial.Port this package depends on,
// narrowed to an interface so tests can substitute an in-memory fake.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	GetModemStatusBits() (*serial.ModemStatusBits, error)
	Close() error
}

// OpenSerialPort opens an OS serial port with the given line parameters.
func OpenSerialPort(cfg SerialConfig) (SerialPort, error) {
	port, err := serial.Open(cfg.Port, cfg.toMode())
	if err != nil {
		return nil, err
	}
	return port, nil
}

// CharacterTime is the serial "character time" of spec.md §4.1: (11 bit
// times)/baud when baud >= 19200, else a fixed 750us.
func CharacterTime(baud int) time.Duration {
	if baud >= 19200 {
		return time.Duration(float64(11) / float64(baud) * float64(time.Second))
	}
	return 750 * time.Microsecond
}

// InterFrameSilence is 3.5 character times, used both as the read-completion
// trigger and the minimum wait between outbound frames.
func InterFrameSilence(baud int) time.Duration {
	return time.Duration(3.5 * float64(CharacterTime(baud)))
}

// WaitForDSR polls modem status bits until DSR is high or the timeout
// elapses, per spec.md §4.5 ("On a serial port in modem mode, waits for DSR
// high up to the connect-timeout").
func WaitForDSR(port SerialPort, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		bits, err := port.GetModemStatusBits()
		if err != nil {
			return err
		}
		if bits.DSR {
			return nil
		}
		if time.Now().After(deadline) {
			return &ConnectFailed{Peer: "serial", Causes: []error{&IoError{Cause: errDSRTimeout}}}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var errDSRTimeout = dsrTimeoutError{}

type dsrTimeoutError struct{}

func (dsrTimeoutError) Error() string { return "timed out waiting for DSR" }
