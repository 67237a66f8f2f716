package modbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TxState is the transaction lifecycle of spec.md §5. Submit marks a
// Transaction Active on every attempt; on full-duplex (TCP) transports the
// read loop marks it Answered when its response decodes, or Failed when the
// response does not decode or the connection fails. State is not updated on
// timeout, on context cancellation or on the half-duplex (serial) path, and
// it is never set back to Inactive after the result is consumed.
type TxState int

const (
	TxInactive TxState = iota
	TxActive
	TxAnswered
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxInactive:
		return "inactive"
	case TxActive:
		return "active"
	case TxAnswered:
		return "answered"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transaction tracks one outstanding request/response pair.
type Transaction struct {
	ID       uint16
	Request  *Pdu
	Response *Pdu
	State    TxState
	Err      error

	reqQuantity uint16
	attempts    int
	deadline    time.Time
	done        chan struct{}
}

// Engine is the transaction engine of spec.md §5: it assigns correlation
// ids, writes requests to a Transport, matches inbound frames back to their
// waiting Transaction, and applies the retry/timeout policy. One Engine
// serves one peer connection; TCP transports may have many Transactions
// Active at once, capped by the batch semaphore at PeerConfig.BatchSize;
// serial transports (HalfDuplex) have at most one outstanding regardless.
type Engine struct {
	transport Transport
	cfg       PeerConfig
	logger    *zap.Logger
	trace     TraceHook
	counters  *Counters

	nextTxID uint32
	batch    chan struct{} // nil when BatchSize<=0 (unbounded)

	mu      sync.Mutex
	pending map[uint16]*Transaction

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEngine constructs a transaction engine bound to an already-connected
// Transport.
func NewEngine(transport Transport, cfg PeerConfig, logger *zap.Logger, trace TraceHook, counters *Counters) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = &Counters{}
	}
	e := &Engine{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		trace:     trace,
		counters:  counters,
		pending:   make(map[uint16]*Transaction),
		closed:    make(chan struct{}),
	}
	if cfg.BatchSize > 0 {
		e.batch = make(chan struct{}, cfg.BatchSize)
	}
	if !transport.HalfDuplex() {
		go e.readLoop()
	}
	return e
}

// Submit sends req and blocks until a matching response arrives, the
// context is canceled, the request timeout elapses, or retries are
// exhausted. reqQuantity is the request's own quantity field, needed by
// DecodeResponse for the read function codes (which don't echo it).
func (e *Engine) Submit(ctx context.Context, req *Pdu, unitID byte, reqQuantity uint16) (*Pdu, error) {
	tx := &Transaction{
		Request:     req,
		State:       TxActive,
		reqQuantity: reqQuantity,
		done:        make(chan struct{}),
	}

	var lastErr error
	retries := e.cfg.RequestRetries
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		tx.attempts = attempt + 1
		if attempt > 0 {
			e.counters.Retried.Inc()
			select {
			case <-time.After(e.cfg.RequestRetryInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := e.submitOnce(ctx, tx, req, unitID)
		if err == nil {
			e.counters.Succeeded.Inc()
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			e.counters.Failed.Inc()
			return nil, err
		}
	}
	e.counters.Failed.Inc()
	return nil, &RequestFailed{Cause: lastErr}
}

func isRetryable(err error) bool {
	switch err.(type) {
	case *TimeoutError, *IoError, *FrameError:
		return true
	default:
		return false
	}
}

func (e *Engine) submitOnce(ctx context.Context, tx *Transaction, req *Pdu, unitID byte) (*Pdu, error) {
	pduBytes, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	if err := e.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer e.releaseSlot()

	e.counters.Submitted.Inc()

	tx.State = TxActive
	tx.deadline = time.Now().Add(e.cfg.RequestTimeout)

	if e.transport.HalfDuplex() {
		return e.submitHalfDuplex(ctx, tx, pduBytes, unitID)
	}
	return e.submitFullDuplex(ctx, tx, pduBytes, unitID)
}

// acquireSlot blocks until a batch slot is available (spec.md §4.3/§5:
// "submission beyond the cap blocks until a slot frees"), or ctx is
// canceled. A nil batch channel (BatchSize<=0) means unbounded concurrency.
func (e *Engine) acquireSlot(ctx context.Context) error {
	if e.batch == nil {
		return nil
	}
	select {
	case e.batch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseSlot() {
	if e.batch == nil {
		return
	}
	<-e.batch
}

// submitFullDuplex correlates by MBAP transaction id and relies on the
// background readLoop to deliver the matching response.
func (e *Engine) submitFullDuplex(ctx context.Context, tx *Transaction, pduBytes []byte, unitID byte) (*Pdu, error) {
	txID := uint16(atomic.AddUint32(&e.nextTxID, 1))
	tx.ID = txID

	e.mu.Lock()
	e.pending[txID] = tx
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, txID)
		e.mu.Unlock()
	}()

	if e.trace != nil {
		e.trace("out", "", pduBytes)
	}
	if err := e.transport.WriteFrame(Frame{TransactionID: txID, UnitID: unitID, PDU: pduBytes}); err != nil {
		return nil, &IoError{Cause: err}
	}

	select {
	case <-tx.done:
		return tx.finish(e)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Until(tx.deadline)):
		return nil, &TimeoutError{CorrelationID: txID}
	case <-e.closed:
		return nil, &IoError{Cause: fmt.Errorf("engine closed")}
	}
}

// submitHalfDuplex performs a synchronous write-then-read: serial framing
// carries no correlation id, so only one request may be outstanding at a
// time (spec.md §4.1).
func (e *Engine) submitHalfDuplex(ctx context.Context, tx *Transaction, pduBytes []byte, unitID byte) (*Pdu, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.transport.SetDeadline(tx.deadline); err != nil {
		return nil, &IoError{Cause: err}
	}
	if e.trace != nil {
		e.trace("out", "", pduBytes)
	}
	if err := e.transport.WriteFrame(Frame{UnitID: unitID, PDU: pduBytes}); err != nil {
		return nil, &IoError{Cause: err}
	}

	if UnitID(unitID) == UnitBroadcastServer {
		// writes-only broadcast: no response expected (spec.md §3 "Proxy").
		return &Pdu{Function: tx.Request.Function}, nil
	}

	frame, err := e.transport.ReadFrame()
	if err != nil {
		if fe, ok := err.(*FrameError); ok {
			e.counters.FrameErrors.Inc()
			return nil, fe
		}
		return nil, &IoError{Cause: err}
	}
	if e.trace != nil {
		e.trace("in", "", frame.PDU)
	}

	resp, err := DecodeResponse(tx.Request.Function, tx.reqQuantity, frame.PDU)
	if err != nil {
		return nil, err
	}
	if resp.Function.IsException() {
		ex := resp.Exception
		return nil, &RequestFailed{Exception: ex, HasException: true}
	}
	return resp, nil
}

// finish converts a delivered Transaction into its (Pdu, error) result.
func (tx *Transaction) finish(e *Engine) (*Pdu, error) {
	if tx.State == TxFailed {
		return nil, tx.Err
	}
	if tx.Response.Function.IsException() {
		return nil, &RequestFailed{Exception: tx.Response.Exception, HasException: true}
	}
	return tx.Response, nil
}

// readLoop is the background reader for full-duplex (TCP) transports: it
// continuously reads frames and dispatches each to the Transaction awaiting
// its transaction id.
func (e *Engine) readLoop() {
	for {
		select {
		case <-e.closed:
			return
		default:
		}

		frame, err := e.transport.ReadFrame()
		if err != nil {
			e.failAllPending(err)
			return
		}
		if e.trace != nil {
			e.trace("in", "", frame.PDU)
		}

		e.mu.Lock()
		tx, ok := e.pending[frame.TransactionID]
		e.mu.Unlock()
		if !ok {
			e.logger.Warn("response with no matching transaction", zap.Uint16("transaction_id", frame.TransactionID))
			continue
		}

		resp, decErr := DecodeResponse(tx.Request.Function, tx.reqQuantity, frame.PDU)
		if decErr != nil {
			tx.State = TxFailed
			tx.Err = decErr
		} else {
			tx.State = TxAnswered
			tx.Response = resp
		}
		close(tx.done)
	}
}

func (e *Engine) failAllPending(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, tx := range e.pending {
		tx.State = TxFailed
		tx.Err = &IoError{Cause: cause}
		close(tx.done)
		delete(e.pending, id)
	}
}

// Close stops the engine's background reader and fails any Transaction
// still outstanding.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	return e.transport.Close()
}
