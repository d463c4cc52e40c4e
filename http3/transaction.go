package http3

import (
	"fmt"

	"github.com/lucas-clemente/quic-go"
)

// StreamState is the per-direction state of a Transaction (spec §4.3). The
// same enum serves both ingress and egress; egress never visits
// ExpectTrailers/ExpectHeaders explicitly but the table is deliberately kept
// symmetric rather than split into two near-duplicate enums.
type StreamState int

const (
	StateIdle StreamState = iota
	StateExpectHeaders
	StateExpectBody
	StateExpectTrailers
	StateDone
	StateAborted
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateExpectHeaders:
		return "ExpectHeaders"
	case StateExpectBody:
		return "ExpectBody"
	case StateExpectTrailers:
		return "ExpectTrailers"
	case StateDone:
		return "Done"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is a state from which no further transitions
// occur.
func (s StreamState) Terminal() bool { return s == StateDone || s == StateAborted }

// Transaction is one request/response exchange bound to a single QUIC
// stream id. It is owned exclusively by its Session; a TransactionHandler
// holds only a non-owning reference that must be dropped at detach.
type Transaction struct {
	id      quic.StreamID
	session *Session
	handler TransactionHandler

	stream Stream // nil for pushed transactions, which are receive-only

	ingress StreamState
	egress  StreamState

	headersSent bool
	eomSent     bool
	gotHeaders  bool // a non-interim onHeaders has been delivered

	partialReliability bool
	bodyOffset         uint64 // next expected ingress body offset

	pendingByteEvents int

	replayCallbacks []func()

	// push-specific; nil for ordinary request transactions.
	push   *pushID
	parent *Transaction

	resetSent int  // number of times SendAbort has issued a QUIC reset; capped at 2
	detached  bool // guards maybeDetach's exactly-once contract
}

func newTransaction(s *Session, id quic.StreamID, stream Stream, handler TransactionHandler) *Transaction {
	return &Transaction{
		session: s,
		id:      id,
		stream:  stream,
		handler: handler,
		ingress: StateIdle,
		egress:  StateIdle,
	}
}

// ID returns the QUIC stream id this Transaction is bound to.
func (t *Transaction) ID() quic.StreamID { return t.id }

// SetHandler attaches h as the Transaction's handler. Used by applications
// that receive a Pushed Transaction through onPushedTransaction and must
// attach a handler before header delivery proceeds.
func (t *Transaction) SetHandler(h TransactionHandler) { t.handler = h }

// IsPush reports whether this Transaction is a server-pushed response rather
// than a client-initiated request.
func (t *Transaction) IsPush() bool { return t.push != nil }

// Parent returns the request Transaction a pushed Transaction is associated
// with, or nil for an ordinary request Transaction.
func (t *Transaction) Parent() *Transaction { return t.parent }

// EnablePartialReliability turns on skip/reject semantics for the body of
// this Transaction. Must be called before any body bytes arrive.
func (t *Transaction) EnablePartialReliability() { t.partialReliability = true }

// --- egress ---

// SendHeaders serializes and writes a HEADERS frame. Valid only from Idle.
func (t *Transaction) SendHeaders(h Headers) error {
	if t.egress.Terminal() {
		return fmt.Errorf("http3: SendHeaders on terminal transaction %d", t.id)
	}
	if t.headersSent {
		panic("http3: duplicate SendHeaders on transaction " + fmt.Sprint(t.id))
	}
	payload, err := t.session.qpack.encode(h)
	if err != nil {
		return err
	}
	if t.stream != nil {
		b := writeHeadersFrameBytes(nil, payload)
		if _, err := t.stream.Write(b); err != nil {
			t.session.transactionWriteError(t, err)
			return err
		}
	}
	t.headersSent = true
	t.egress = StateExpectBody
	return nil
}

// SendBody writes a DATA frame carrying p.
func (t *Transaction) SendBody(p []byte) error {
	if t.egress != StateExpectBody {
		return fmt.Errorf("http3: SendBody outside ExpectBody on transaction %d", t.id)
	}
	b := writeFrameHeader(nil, FrameTypeData, uint64(len(p)))
	b = append(b, p...)
	if t.stream != nil {
		if _, err := t.stream.Write(b); err != nil {
			t.session.transactionWriteError(t, err)
			return err
		}
	}
	return nil
}

// SendEOM closes the egress side. Requires headers already sent.
func (t *Transaction) SendEOM() error {
	if !t.headersSent {
		return fmt.Errorf("http3: SendEOM before SendHeaders on transaction %d", t.id)
	}
	if t.eomSent {
		return nil // idempotent, mirrors SendAbort's duplicate tolerance
	}
	if t.stream != nil {
		if err := t.stream.Close(); err != nil {
			t.session.transactionWriteError(t, err)
			return err
		}
	}
	t.eomSent = true
	t.egress = StateDone
	t.maybeDetach()
	return nil
}

// SendAbort resets the stream and moves both directions to Aborted. It is
// explicitly idempotent: the Session may call it twice (once on application
// request, once retried after write backpressure) without double-billing
// pending byte events or re-delivering onError.
func (t *Transaction) SendAbort() {
	alreadyAborted := t.egress == StateAborted && t.ingress == StateAborted
	t.egress = StateAborted
	t.ingress = StateAborted
	if t.resetSent < 2 {
		t.resetSent++
		if t.stream != nil {
			t.stream.CancelWrite(quic.StreamErrorCode(errorRequestCanceled))
			t.stream.CancelRead(quic.StreamErrorCode(errorRequestCanceled))
		}
	}
	if !alreadyAborted {
		t.session.qpackGate.cancelStream(t.id)
	}
	t.maybeDetach()
}

// --- ingress ---

// deliverHeaders is invoked once the QPACK Gate has released a header block
// for this stream, in wire-arrival order.
func (t *Transaction) deliverHeaders(h Headers) {
	if t.ingress.Terminal() {
		return
	}
	interim := isInterimStatus(h.Status()) && !t.gotHeaders
	if !interim {
		t.gotHeaders = true
	}
	if t.ingress == StateIdle || t.ingress == StateExpectHeaders {
		t.ingress = StateExpectBody
	}
	t.handler.OnHeaders(h, interim)
}

// deliverBody delivers body bytes at the next expected offset: through
// OnBodyWithOffset when partial reliability is enabled, through OnBody
// otherwise.
func (t *Transaction) deliverBody(p []byte) {
	if t.ingress.Terminal() || len(p) == 0 {
		return
	}
	t.bodyOffset += uint64(len(p))
	if t.partialReliability {
		t.handler.OnBodyWithOffset(t.bodyOffset-uint64(len(p)), p)
	} else {
		t.handler.OnBody(p)
	}
}

// deliverBodySkipped advances the logical body offset by delta in response to
// a peer-declared skip (spec §4.6) and notifies the handler.
func (t *Transaction) deliverBodySkipped(delta uint64) {
	if t.ingress.Terminal() {
		return
	}
	if delta == 0 {
		return // a zero-length skip is a no-op, per spec's round-trip property
	}
	t.bodyOffset += delta
	t.handler.OnBodySkipped(t.bodyOffset)
}

// rejectBodyTo asks the transport to stop delivering body bytes below
// newOffset. Returns an error if the transport rejects the delivery-callback
// registration backing the advance.
func (t *Transaction) rejectBodyTo(newOffset uint64) error {
	if newOffset < t.bodyOffset {
		// Out-of-range request from a misbehaving caller: soft error, the
		// transaction is left running.
		t.session.logger.Warn().
			Uint64("stream_id", uint64(t.id)).
			Uint64("requested_offset", newOffset).
			Uint64("current_offset", t.bodyOffset).
			Msg("rejectBodyTo offset below current body offset, ignoring")
		return nil
	}
	prc, ok := t.session.conn.(PartialReliabilityConnection)
	if !ok {
		return fmt.Errorf("http3: partial reliability not supported by this connection")
	}
	if err := prc.DataRejected(t.id, newOffset); err != nil {
		return fmt.Errorf("http3: failed to register delivery callback: %w", err)
	}
	t.bodyOffset = newOffset
	return nil
}

func (t *Transaction) deliverTrailers(h Headers) {
	if t.ingress.Terminal() {
		return
	}
	t.ingress = StateExpectTrailers
	t.handler.OnTrailers(h)
}

// deliverEOM closes ingress and attempts detach.
func (t *Transaction) deliverEOM() {
	if t.ingress.Terminal() {
		return
	}
	t.ingress = StateDone
	t.handler.OnEOM()
	t.maybeDetach()
}

// deliverError surfaces a stream-level error and detaches; per spec §7 this
// is exactly one onError followed by exactly one detachTransaction.
func (t *Transaction) deliverError(err *HTTPException) {
	if t.ingress == StateAborted && t.egress == StateAborted {
		return // already terminal, no second onError
	}
	t.ingress = StateAborted
	t.egress = StateAborted
	t.session.qpackGate.cancelStream(t.id)
	t.handler.OnError(err)
	t.maybeDetach()
}

func (t *Transaction) pushedTransaction(child *Transaction) {
	t.handler.OnPushedTransaction(child)
}

// addReplaySafetyCallback stores cb in the Transaction's replayCallbacks.
// Nothing reads that list: the Session's replay-safety notification does not
// run these callbacks, and detach does not clear them.
func (t *Transaction) addReplaySafetyCallback(cb func()) {
	t.replayCallbacks = append(t.replayCallbacks, cb)
}

func (t *Transaction) incPendingByteEvents() { t.pendingByteEvents++ }

func (t *Transaction) decPendingByteEvents() {
	t.pendingByteEvents--
	t.maybeDetach()
}

// maybeDetach destroys the Transaction once both directions are terminal and
// no byte events are outstanding, firing detachTransaction on the handler
// exactly once.
func (t *Transaction) maybeDetach() {
	if t.detached {
		return
	}
	if !t.ingress.Terminal() || !t.egress.Terminal() || t.pendingByteEvents > 0 {
		return
	}
	t.detached = true
	t.session.removeTransaction(t.id)
	handler := t.handler
	t.handler = nil
	handler.DetachTransaction()
}
