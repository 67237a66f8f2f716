package modbus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Client is the spec.md §4.5 client façade: it owns one peer connection
// (TCP, falling back to serial) and offers both the raw function-code calls
// and the higher-level point-oriented FetchPointValues/UpdatePointValues
// built on the peer's configured Bindings.
type Client struct {
	cfg      PeerConfig
	logger   *zap.Logger
	trace    TraceHook
	counters Counters
	regs     *RegisterMap

	engine    *Engine
	transport Transport
}

// NewClient builds a Client for one peer. The RegisterMap it constructs from
// cfg.Bindings is used only as a local scratchpad for point-oriented
// decode/encode; it never materializes server-side storage.
func NewClient(cfg PeerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	regs, err := NewRegisterMap(cfg.Bindings, cfg.LittleEndian, logger)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, logger: logger, regs: regs}, nil
}

// SetTraceHook installs a hook receiving every raw framed PDU, per spec.md
// §7. Connect hands the hook to the engine, so a hook set after Connect
// takes effect only from the next Connect.
func (c *Client) SetTraceHook(h TraceHook) { c.trace = h }

// Counters exposes the connection's observability counters.
func (c *Client) Counters() *Counters { return &c.counters }

// Connect tries each configured TCP socket in order, then falls back to the
// serial transport (waiting for DSR first if the serial line is configured
// for modem control), per spec.md §4.5 "connect timeout".
func (c *Client) Connect(ctx context.Context) error {
	var causes []error

	for _, addr := range c.cfg.Sockets {
		t, err := DialTCP(addr, c.cfg.ConnectTimeout)
		if err != nil {
			causes = append(causes, err)
			continue
		}
		c.transport = t
		c.engine = NewEngine(t, c.cfg, c.logger, c.trace, &c.counters)
		return nil
	}

	if c.cfg.Serial != nil {
		port, err := OpenSerialPort(*c.cfg.Serial)
		if err != nil {
			causes = append(causes, err)
			return &ConnectFailed{Peer: c.cfg.Serial.Port, Causes: causes}
		}
		if c.cfg.Serial.Modem {
			if err := WaitForDSR(port, c.cfg.ConnectTimeout); err != nil {
				causes = append(causes, err)
				return &ConnectFailed{Peer: c.cfg.Serial.Port, Causes: causes}
			}
		}
		var t Transport
		if c.cfg.Framing == SerialASCII {
			t = NewASCIITransport(port)
		} else {
			t = NewRTUTransport(port, c.cfg.Serial.Speed)
		}
		c.transport = t
		c.engine = NewEngine(t, c.cfg, c.logger, c.trace, &c.counters)
		return nil
	}

	return &ConnectFailed{Peer: "unconfigured", Causes: causes}
}

// Close tears down the underlying transport and fails any outstanding
// transaction.
func (c *Client) Close() error {
	if c.engine == nil {
		return nil
	}
	return c.engine.Close()
}

func (c *Client) submit(ctx context.Context, req *Pdu, reqQuantity uint16) (*Pdu, error) {
	if c.engine == nil {
		return nil, fmt.Errorf("modbus: client is not connected")
	}
	return c.engine.Submit(ctx, req, c.cfg.UnitID, reqQuantity)
}

// ReadCoils issues function code 01.
func (c *Client) ReadCoils(ctx context.Context, start, qty uint16) ([]bool, error) {
	resp, err := c.submit(ctx, &Pdu{Function: FuncReadCoils, Start: start, Quantity: qty}, qty)
	if err != nil {
		return nil, err
	}
	return resp.Bits, nil
}

// ReadDiscreteInputs issues function code 02.
func (c *Client) ReadDiscreteInputs(ctx context.Context, start, qty uint16) ([]bool, error) {
	resp, err := c.submit(ctx, &Pdu{Function: FuncReadDiscreteInputs, Start: start, Quantity: qty}, qty)
	if err != nil {
		return nil, err
	}
	return resp.Bits, nil
}

// ReadHoldingRegisters issues function code 03.
func (c *Client) ReadHoldingRegisters(ctx context.Context, start, qty uint16) ([]uint16, error) {
	resp, err := c.submit(ctx, &Pdu{Function: FuncReadHoldingRegisters, Start: start, Quantity: qty}, qty)
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

// ReadInputRegisters issues function code 04.
func (c *Client) ReadInputRegisters(ctx context.Context, start, qty uint16) ([]uint16, error) {
	resp, err := c.submit(ctx, &Pdu{Function: FuncReadInputRegisters, Start: start, Quantity: qty}, qty)
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

// WriteSingleCoil issues function code 05.
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, value bool) error {
	wire := uint16(0x0000)
	if value {
		wire = 0xFF00
	}
	_, err := c.submit(ctx, &Pdu{Function: FuncWriteSingleCoil, SingleAddress: address, SingleValue: wire}, 0)
	return err
}

// WriteSingleRegister issues function code 06.
func (c *Client) WriteSingleRegister(ctx context.Context, address, value uint16) error {
	_, err := c.submit(ctx, &Pdu{Function: FuncWriteSingleRegister, SingleAddress: address, SingleValue: value}, 0)
	return err
}

// WriteMultipleCoils issues function code 15.
func (c *Client) WriteMultipleCoils(ctx context.Context, start uint16, bits []bool) error {
	_, err := c.submit(ctx, &Pdu{Function: FuncWriteMultipleCoils, WriteStart: start, WriteBits: bits}, 0)
	return err
}

// WriteMultipleRegisters issues function code 16.
func (c *Client) WriteMultipleRegisters(ctx context.Context, start uint16, words []uint16) error {
	_, err := c.submit(ctx, &Pdu{Function: FuncWriteMultipleRegisters, WriteStart: start, WriteWords: words}, 0)
	return err
}

// MaskWriteRegister issues function code 22.
func (c *Client) MaskWriteRegister(ctx context.Context, address, andMask, orMask uint16) error {
	_, err := c.submit(ctx, &Pdu{Function: FuncMaskWriteRegister, MaskAddress: address, AndMask: andMask, OrMask: orMask}, 0)
	return err
}

// WriteReadMultipleRegisters issues function code 23: the write half is
// applied on the server before the read half is evaluated.
func (c *Client) WriteReadMultipleRegisters(ctx context.Context, readStart, readQty, writeStart uint16, writeWords []uint16) ([]uint16, error) {
	resp, err := c.submit(ctx, &Pdu{
		Function:     FuncReadWriteMultipleRegisters,
		ReadStart:    readStart,
		ReadQuantity: readQty,
		RWWriteStart: writeStart,
		RWWriteQty:   uint16(len(writeWords)),
		RWWriteWords: writeWords,
	}, readQty)
	if err != nil {
		return nil, err
	}
	return resp.Words, nil
}

// FetchPointValues reads each bound point's register individually and
// returns the decoded values, timestamped at the moment each read completed.
func (c *Client) FetchPointValues(ctx context.Context) ([]PointValue, error) {
	out := make([]PointValue, 0, len(c.cfg.Bindings))
	for _, b := range c.cfg.Bindings {
		val, err := c.fetchOne(ctx, b.Register)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", b.Point.ID, err)
		}
		out = append(out, PointValue{PointID: b.Point.ID, Value: val, Timestamp: time.Now()})
	}
	return out, nil
}

func (c *Client) fetchOne(ctx context.Context, reg Register) (interface{}, error) {
	width := reg.Width()

	switch reg.Table {
	case TableCoils, TableDiscreteInputs:
		var bits []bool
		var err error
		if reg.Table == TableCoils {
			bits, err = c.ReadCoils(ctx, reg.Address, uint16(width))
		} else {
			bits, err = c.ReadDiscreteInputs(ctx, reg.Address, uint16(width))
		}
		if err != nil {
			return nil, err
		}
		if reg.Kind == KindDiscreteArray {
			return bits, nil
		}
		return bits[0], nil

	default:
		var words []uint16
		var err error
		if reg.Table == TableHoldingRegisters {
			words, err = c.ReadHoldingRegisters(ctx, reg.Address, uint16(width))
		} else {
			words, err = c.ReadInputRegisters(ctx, reg.Address, uint16(width))
		}
		if err != nil {
			return nil, err
		}
		return reg.DecodeValue(words, c.cfg.LittleEndian)
	}
}

// UpdatePointValues writes a batch of freshly produced point values out to
// their bound registers, one Modbus request per point.
func (c *Client) UpdatePointValues(ctx context.Context, values []PointValue) error {
	index := make(map[string]Register, len(c.cfg.Bindings))
	for _, b := range c.cfg.Bindings {
		index[b.Point.ID] = b.Register
	}

	for _, pv := range values {
		reg, ok := index[pv.PointID]
		if !ok {
			return &AddressError{Reason: "no register bound to point " + pv.PointID}
		}
		if err := c.writeOne(ctx, reg, pv.Value); err != nil {
			return fmt.Errorf("point %s: %w", pv.PointID, err)
		}
	}
	return nil
}

func (c *Client) writeOne(ctx context.Context, reg Register, value interface{}) error {
	if reg.ReadOnly {
		return &ProtocolError{Exception: ExIllegalFunction, Reason: "register is read-only"}
	}

	switch reg.Table {
	case TableCoils:
		if reg.Kind == KindDiscreteArray {
			bits, ok := value.([]bool)
			if !ok || len(bits) != reg.ArrayLen {
				return &ValueError{Reason: "DiscreteArray point requires a matching []bool"}
			}
			return c.WriteMultipleCoils(ctx, reg.Address, bits)
		}
		b, ok := value.(bool)
		if !ok {
			return &ValueError{Reason: "Discrete point requires a bool value"}
		}
		return c.WriteSingleCoil(ctx, reg.Address, b)

	default:
		words, err := reg.EncodeValue(value, c.cfg.LittleEndian)
		if err != nil {
			return err
		}
		if len(words) == 1 {
			return c.WriteSingleRegister(ctx, reg.Address, words[0])
		}
		return c.WriteMultipleRegisters(ctx, reg.Address, words)
	}
}
