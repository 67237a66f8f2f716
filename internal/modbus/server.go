package modbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Responder is the pull-model hook of spec.md §4.6: called for every bound
// point whose register starts inside an incoming read's address range, just
// before the read is answered, so the host can refresh the value that goes
// out on the wire. A register that starts before the range is not refreshed.
// With a nil Responder, or when a call fails, the read serves whatever value
// is already stored in the register map.
type Responder func(pointID string) (interface{}, error)

// ValueSink is the push-model hook: invoked once per point immediately
// after an incoming write has been applied to the register map.
type ValueSink func(PointValue)

// Server is the spec.md §4.6 server façade: it owns a RegisterMap backing
// one peer's address space and answers requests from one listening
// transport (TCP) or one serial line.
type Server struct {
	cfg      PeerConfig
	logger   *zap.Logger
	trace    TraceHook
	counters Counters
	regs     *RegisterMap

	responder Responder
	sink      ValueSink

	stampMu     sync.Mutex
	lastStampAt time.Time // wall clock when the Stamp register was last written
	lastStamp   time.Time // that Stamp anchored to an absolute instant

	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewServer builds a Server from a peer configuration. Bindings with
// ReadOnly set answer reads but reject writes with illegal-function.
func NewServer(cfg PeerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	regs, err := NewRegisterMap(cfg.Bindings, cfg.LittleEndian, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		regs:   regs,
		closed: make(chan struct{}),
	}, nil
}

func (s *Server) SetResponder(r Responder)   { s.responder = r }
func (s *Server) SetValueSink(v ValueSink)   { s.sink = v }
func (s *Server) SetTraceHook(h TraceHook)   { s.trace = h }
func (s *Server) Counters() *Counters        { return &s.counters }
func (s *Server) Registers() *RegisterMap    { return s.regs }

// Serve binds according to the peer configuration (a TCP listen socket or a
// serial line) and blocks, answering requests, until ctx is canceled or
// Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	switch {
	case len(s.cfg.Sockets) > 0:
		return s.serveTCP(ctx, s.cfg.Sockets[0])
	case s.cfg.Serial != nil:
		return s.serveSerial(ctx)
	default:
		return fmt.Errorf("modbus: server has neither a listen socket nor a serial port configured")
	}
}

func (s *Server) serveTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		<-s.closed
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTransport(NewTCPTransport(conn))
		}()
	}
}

func (s *Server) serveSerial(ctx context.Context) error {
	port, err := OpenSerialPort(*s.cfg.Serial)
	if err != nil {
		return err
	}

	var t Transport
	if s.cfg.Framing == SerialASCII {
		t = NewASCIITransport(port)
	} else {
		t = NewRTUTransport(port, s.cfg.Serial.Speed)
	}

	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()
	go func() {
		<-s.closed
		_ = t.Close()
	}()

	s.handleTransport(t)
	return nil
}

// handleTransport runs the request/response loop for one connection (TCP)
// or the single serial line, until the transport is closed.
func (s *Server) handleTransport(t Transport) {
	defer t.Close()
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			if _, ok := err.(*FrameError); ok {
				s.counters.FrameErrors.Inc()
				continue
			}
			return
		}
		if s.trace != nil {
			s.trace("in", "", frame.PDU)
		}

		if !s.acceptsUnit(frame.UnitID) {
			continue
		}

		s.counters.Submitted.Inc()
		respPDU := s.handleRequest(frame.UnitID, frame.PDU)

		if UnitID(frame.UnitID) == UnitBroadcastServer && t.HalfDuplex() {
			s.counters.Succeeded.Inc()
			continue
		}

		out := Frame{TransactionID: frame.TransactionID, UnitID: frame.UnitID, PDU: respPDU}
		if s.trace != nil {
			s.trace("out", "", respPDU)
		}
		if err := t.WriteFrame(out); err != nil {
			s.counters.Failed.Inc()
			return
		}
		s.counters.Succeeded.Inc()
	}
}

func (s *Server) acceptsUnit(unitID byte) bool {
	return unitID == s.cfg.UnitID || UnitID(unitID) == UnitBroadcastServer || UnitID(unitID) == UnitBroadcastSerial
}

// handleRequest decodes, dispatches, and re-encodes one PDU, converting any
// core error into a well-formed exception response rather than propagating
// it — a malformed-but-framed request must never drop the connection.
func (s *Server) handleRequest(unitID byte, pduBytes []byte) []byte {
	req, err := DecodeRequest(pduBytes)
	if err != nil {
		return s.exceptionBytes(functionCodeOf(pduBytes), err)
	}

	resp, err := s.dispatch(req)
	if err != nil {
		return s.exceptionBytes(req.Function, err)
	}

	out, err := EncodeResponse(resp)
	if err != nil {
		return s.exceptionBytes(req.Function, err)
	}
	return out
}

func functionCodeOf(pduBytes []byte) FunctionCode {
	if len(pduBytes) == 0 {
		return 0
	}
	return FunctionCode(pduBytes[0])
}

func (s *Server) exceptionBytes(fc FunctionCode, err error) []byte {
	ex, ok := ExceptionFor(err)
	if !ok {
		ex = ExServerDeviceFailure
	}
	out, _ := EncodeResponse(&Pdu{Function: fc.AsException(), Exception: ex})
	return out
}

// dispatch executes one decoded request against the register map, invoking
// the Responder ahead of reads and the ValueSink after writes.
func (s *Server) dispatch(req *Pdu) (*Pdu, error) {
	switch req.Function {
	case FuncReadCoils:
		s.refreshPoints(TableCoils, req.Start, int(req.Quantity))
		return &Pdu{Function: req.Function, Bits: s.regs.ReadBits(TableCoils, req.Start, int(req.Quantity))}, nil

	case FuncReadDiscreteInputs:
		s.refreshPoints(TableDiscreteInputs, req.Start, int(req.Quantity))
		return &Pdu{Function: req.Function, Bits: s.regs.ReadBits(TableDiscreteInputs, req.Start, int(req.Quantity))}, nil

	case FuncReadHoldingRegisters:
		s.refreshPoints(TableHoldingRegisters, req.Start, int(req.Quantity))
		return &Pdu{Function: req.Function, Words: s.regs.ReadWords(TableHoldingRegisters, req.Start, int(req.Quantity))}, nil

	case FuncReadInputRegisters:
		s.refreshPoints(TableInputRegisters, req.Start, int(req.Quantity))
		return &Pdu{Function: req.Function, Words: s.regs.ReadWords(TableInputRegisters, req.Start, int(req.Quantity))}, nil

	case FuncWriteSingleCoil:
		value := req.SingleValue == 0xFF00
		pvs, err := s.regs.WriteBits(TableCoils, req.SingleAddress, []bool{value})
		if err != nil {
			return nil, err
		}
		s.publishWithStamp(pvs)
		return &Pdu{Function: req.Function, SingleAddress: req.SingleAddress, SingleValue: req.SingleValue}, nil

	case FuncWriteSingleRegister:
		pvs, err := s.regs.WriteWords(TableHoldingRegisters, req.SingleAddress, []uint16{req.SingleValue})
		if err != nil {
			return nil, err
		}
		s.publishWithStamp(pvs)
		s.bumpSequence(TableHoldingRegisters, req.SingleAddress, 1)
		return &Pdu{Function: req.Function, SingleAddress: req.SingleAddress, SingleValue: req.SingleValue}, nil

	case FuncWriteMultipleCoils:
		pvs, err := s.regs.WriteBits(TableCoils, req.WriteStart, req.WriteBits)
		if err != nil {
			return nil, err
		}
		s.publishWithStamp(pvs)
		return &Pdu{Function: req.Function, WriteStart: req.WriteStart, WriteQuantity: req.WriteQuantity}, nil

	case FuncWriteMultipleRegisters:
		s.maybeRecordStamp(req.WriteStart, req.WriteWords)
		pvs, err := s.regs.WriteWords(TableHoldingRegisters, req.WriteStart, req.WriteWords)
		if err != nil {
			return nil, err
		}
		s.publishWithStamp(pvs)
		s.bumpSequence(TableHoldingRegisters, req.WriteStart, len(req.WriteWords))
		return &Pdu{Function: req.Function, WriteStart: req.WriteStart, WriteQuantity: req.WriteQuantity}, nil

	case FuncMaskWriteRegister:
		current := s.regs.ReadWords(TableHoldingRegisters, req.MaskAddress, 1)[0]
		next := MaskWrite(current, req.AndMask, req.OrMask)
		pvs, err := s.regs.WriteWords(TableHoldingRegisters, req.MaskAddress, []uint16{next})
		if err != nil {
			return nil, err
		}
		s.publishWithStamp(pvs)
		return &Pdu{Function: req.Function, MaskAddress: req.MaskAddress, AndMask: req.AndMask, OrMask: req.OrMask}, nil

	case FuncReadWriteMultipleRegisters:
		s.maybeRecordStamp(req.RWWriteStart, req.RWWriteWords)
		pvs, err := s.regs.WriteWords(TableHoldingRegisters, req.RWWriteStart, req.RWWriteWords)
		if err != nil {
			return nil, err
		}
		s.publishWithStamp(pvs)
		s.bumpSequence(TableHoldingRegisters, req.RWWriteStart, len(req.RWWriteWords))
		s.refreshPoints(TableHoldingRegisters, req.ReadStart, int(req.ReadQuantity))
		words := s.regs.ReadWords(TableHoldingRegisters, req.ReadStart, int(req.ReadQuantity))
		return &Pdu{Function: req.Function, Words: words}, nil

	default:
		return nil, &ProtocolError{FunctionCode: byte(req.Function), Exception: ExIllegalFunction, Reason: "unsupported function code"}
	}
}

func (s *Server) refreshPoints(table Table, start uint16, qty int) {
	if s.responder == nil {
		return
	}
	for i := 0; i < qty; i++ {
		addr := start + uint16(i)
		reg, ok := s.regs.startRegs[table][addr]
		if !ok || len(reg) == 0 {
			continue
		}
		for _, r := range reg {
			val, err := s.responder(r.PointID)
			if err != nil {
				s.logger.Warn("responder failed, serving stored value",
					zap.String("point_id", r.PointID), zap.Error(err))
				continue
			}
			if err := s.regs.SetPointValue(r.PointID, val); err != nil {
				s.logger.Warn("responder returned a value of the wrong shape",
					zap.String("point_id", r.PointID), zap.Error(err))
			}
		}
	}
}

func (s *Server) publish(pvs []PointValue) {
	if s.sink == nil {
		return
	}
	for _, pv := range pvs {
		s.sink(pv)
	}
}

// maybeRecordStamp anchors and remembers a Stamp register written as part of
// [start, start+len(words)), for writeTimestamp to consult (spec.md §4.6
// time discipline). A no-op when the peer has no configured StampAddress or
// the current write doesn't cover it.
func (s *Server) maybeRecordStamp(start uint16, words []uint16) {
	if s.cfg.StampAddress == nil {
		return
	}
	addr := *s.cfg.StampAddress
	if addr < start || int(addr-start)+2 > len(words) {
		return
	}
	i := int(addr - start)
	sv := StampValue{SecondsInHour: words[i], HundredMicros: words[i+1]}

	now := time.Now()
	s.stampMu.Lock()
	s.lastStampAt = now
	s.lastStamp = sv.Anchor(now)
	s.stampMu.Unlock()
}

// writeTimestamp selects the instant a just-applied write should be
// reported with: the most recently anchored Stamp value if one arrived
// within stamp_tick, otherwise the server clock (spec.md §4.6). stale is
// true only when stamp discipline is configured but has nothing fresh to
// offer, so the caller can log the fallback.
func (s *Server) writeTimestamp() (ts time.Time, stale bool) {
	if s.cfg.StampTick <= 0 {
		return time.Now(), false
	}
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	if !s.lastStampAt.IsZero() && time.Since(s.lastStampAt) <= s.cfg.StampTick {
		return s.lastStamp, false
	}
	return time.Now(), true
}

// publishWithStamp timestamps pvs per writeTimestamp and forwards them to
// the ValueSink, warning once per write if stamp_tick has expired.
func (s *Server) publishWithStamp(pvs []PointValue) {
	if len(pvs) == 0 {
		return
	}
	ts, stale := s.writeTimestamp()
	if stale {
		s.logger.Warn("stamp_tick expired, falling back to server clock", zap.Duration("stamp_tick", s.cfg.StampTick))
	}
	for i := range pvs {
		pvs[i].Timestamp = ts
	}
	s.publish(pvs)
}

func (s *Server) bumpSequence(table Table, start uint16, qty int) {
	if s.cfg.SequenceAddress == nil {
		return
	}
	s.regs.BumpSequenceIfTouched(table, start, qty, *s.cfg.SequenceAddress, true)
}

// Shutdown stops Serve and closes the listening socket or serial port.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.wg.Wait()
}
