package http3

import (
	"net"
	"reflect"
	"sort"
	"time"

	"github.com/lucas-clemente/quic-go"
	"github.com/rs/zerolog"
)

// LifecycleState is the Session's coarse connection state (spec §4.7).
type LifecycleState int

const (
	StateConnecting LifecycleState = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s LifecycleState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// maxGoawayID is the largest value GOAWAY's single varint field can carry
// (a QUIC variable-length integer tops out at 2^62-1); an upstream Session
// draining politely sends this first so the peer knows no further requests
// will be accepted, before following up with the actual high-water mark.
const maxGoawayID = uint64(1)<<62 - 1

// Options configures a Session at construction.
type Options struct {
	// QPACKBlockedTimeout bounds how long a header block may wait on the
	// QPACK dynamic table before the Gate gives up (default
	// DefaultQPACKBlockedTimeout).
	QPACKBlockedTimeout time.Duration
	// Settings are the local SETTINGS values sent on connect. Nil sends an
	// empty SETTINGS frame.
	Settings Settings
	// DisableAutomaticSettings skips sending SETTINGS from Connect; tests
	// that want to drive the control stream by hand set this.
	DisableAutomaticSettings bool
	// GoawayDrainDelay is the pause between GOAWAY(MAX) and
	// GOAWAY(maxSeenStreamId) during a graceful drain (spec §4.1).
	GoawayDrainDelay time.Duration

	Clock  Clock
	Logger *zerolog.Logger
}

// Session is the per-connection upstream HTTP/3 multiplexer (spec §2-§5). It
// runs entirely on the goroutine driving its Loop; no field here is ever
// touched from another goroutine directly — transport boundary goroutines
// only ever reach into it via loop.Post.
type Session struct {
	conn Connection
	loop *Loop
	opts Options
	clock  Clock
	logger zerolog.Logger

	state            LifecycleState
	maxSeenStreamID  quic.StreamID
	peerGoawayLastID *uint64
	drained          bool

	localAddr net.Addr
	peerAddr  net.Addr

	connectCB    ConnectCallback
	connectFired bool

	info SessionInfoCallback

	replaySafe      bool
	replayCallbacks []func()

	transactions    map[quic.StreamID]*Transaction
	nextSyntheticID quic.StreamID

	peerSettings Settings

	qpack     *qpackCodec
	qpackGate *qpackGate
	push      *pushCoordinator
	control   *controlPlane
}

// NewSession builds a Session bound to conn, driven by loop. Connect must be
// called before any Transaction can be created.
func NewSession(conn Connection, loop *Loop, opts Options) *Session {
	s := &Session{
		conn:         conn,
		loop:         loop,
		opts:         opts,
		state:        StateConnecting,
		transactions: make(map[quic.StreamID]*Transaction),
		qpack:        newQPACKCodec(),
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	} else {
		s.logger = zerolog.Nop()
	}
	if opts.Clock != nil {
		s.clock = opts.Clock
	} else {
		s.clock = loopClock{loop: loop}
	}
	s.qpackGate = newQPACKGate(s, opts.QPACKBlockedTimeout, s.clock)
	s.push = newPushCoordinator(s, s.clock)
	s.control = newControlPlane(s)
	return s
}

// Connect waits for transport-ready (quic.Connection.HandshakeComplete),
// opens the control stream, and starts the unidirectional-stream accept
// loop. cb.ConnectSuccess or cb.ConnectError fires exactly once (spec §4.7),
// even if DropConnection is invoked from inside ConnectError.
func (s *Session) Connect(cb ConnectCallback) {
	s.connectCB = cb
	go func() {
		select {
		case <-s.conn.HandshakeComplete().Done():
			s.loop.Post(func() { s.onTransportReady() })
		case <-s.conn.Context().Done():
			err := s.conn.Context().Err()
			s.loop.Post(func() { s.onConnectFailed(err) })
		}
	}()
}

func (s *Session) onTransportReady() {
	if s.state != StateConnecting {
		return
	}
	s.localAddr = s.conn.LocalAddr()
	s.peerAddr = s.conn.RemoteAddr()

	if err := s.control.openEgress(); err != nil {
		s.onConnectFailed(err)
		return
	}
	s.state = StateOpen
	go s.acceptUniStreamLoop()
	s.fireConnectSuccess()
	s.markReplaySafe()
}

func (s *Session) onConnectFailed(err error) {
	if s.connectFired {
		return
	}
	s.connectFired = true
	kind := ErrorKindConnectionReset
	if err == errGiveUpZeroRTT {
		kind = ErrorKindEarlyDataFailed
	}
	cb := s.connectCB
	if cb != nil {
		cb.ConnectError(&HTTPException{Kind: kind, Msg: err.Error()})
	}
}

func (s *Session) fireConnectSuccess() {
	if s.connectFired {
		return
	}
	s.connectFired = true
	if s.connectCB != nil {
		s.connectCB.ConnectSuccess()
	}
}

// markReplaySafe is invoked once the transport itself is known to be
// replay-safe (0-RTT accepted or full handshake complete). In this module
// that condition is simplified to "transport ready", since the Connection
// interface does not separately expose an earlier 0-RTT-armed signal.
func (s *Session) markReplaySafe() {
	if s.replaySafe {
		return
	}
	s.replaySafe = true
	cbs := s.replayCallbacks
	s.replayCallbacks = nil
	for _, cb := range cbs {
		cb()
	}
	if s.info != nil {
		s.info.OnReplaySafe()
	}
}

// AddWaitingForReplaySafety queues cb to run once the transport is
// replay-safe, or runs it immediately if it already is (spec §4.7).
func (s *Session) AddWaitingForReplaySafety(cb func()) {
	if s.replaySafe {
		cb()
		return
	}
	s.replayCallbacks = append(s.replayCallbacks, cb)
}

// RemoveWaitingForReplaySafety removes the first queued callback whose code
// pointer equals cb's (see sameFunc). Go has no function equality beyond
// nil-comparison, so this is not full identity: closures created from the
// same function literal share a code pointer, and any of them matches cb.
func (s *Session) RemoveWaitingForReplaySafety(cb func()) {
	for i, f := range s.replayCallbacks {
		if sameFunc(f, cb) {
			s.replayCallbacks = append(s.replayCallbacks[:i], s.replayCallbacks[i+1:]...)
			return
		}
	}
}

// NewTransaction creates a Transaction for a new outbound request. It
// returns (nil, nil) — no transaction, no error — when the Session is not
// Open or the socket is unhealthy, per spec §3's explicit "returns no
// transaction, never throws" contract; errors are reserved for the stream
// actually failing to open once the Session was willing to try.
func (s *Session) NewTransaction(handler TransactionHandler) (*Transaction, error) {
	if s.state != StateOpen || s.conn.Context().Err() != nil {
		return nil, nil
	}
	stream, err := s.conn.OpenStreamSync(s.conn.Context())
	if err != nil {
		return nil, err
	}
	id := stream.StreamID()
	txn := newTransaction(s, id, stream, handler)
	s.transactions[id] = txn
	if id > s.maxSeenStreamID {
		s.maxSeenStreamID = id
	}
	go s.readRequestStream(txn, stream)
	return txn, nil
}

func (s *Session) removeTransaction(id quic.StreamID) {
	delete(s.transactions, id)
	if s.state == StateDraining && len(s.transactions) == 0 {
		s.closeNow()
	}
}

func (s *Session) registerPushTransaction(child *Transaction) {
	child.id = s.nextSyntheticID
	s.nextSyntheticID++
	s.transactions[child.id] = child
}

// transactionWriteError handles a failed write to a Transaction's stream:
// the egress side is marked Aborted and the handler is told via onError,
// matching the backpressure policy of spec §5.
func (s *Session) transactionWriteError(t *Transaction, err error) {
	t.deliverError(&HTTPException{Kind: ErrorKindEgressWriteError, Msg: err.Error()})
}

// CloseWhenIdle begins a graceful drain: Open -> Draining, a GOAWAY(MAX) is
// sent immediately followed (after a short delay) by
// GOAWAY(maxSeenStreamId), and the connection closes once the last
// Transaction detaches.
func (s *Session) CloseWhenIdle() {
	if s.state != StateOpen {
		return
	}
	s.state = StateDraining
	if s.control.egress != nil {
		_ = s.control.sendGoaway(maxGoawayID)
	}
	delay := s.opts.GoawayDrainDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	s.clock.AfterFunc(delay, func() {
		s.loop.Post(func() {
			if s.state != StateDraining || s.control.egress == nil {
				return
			}
			_ = s.control.sendGoaway(uint64(s.maxSeenStreamID))
		})
	})
	if len(s.transactions) == 0 {
		s.closeNow()
	}
}

func (s *Session) closeNow() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.conn.CloseWithError(quic.ApplicationErrorCode(errorNoError), "")
}

// DropConnection synchronously tears the Session down: every Transaction
// gets OnError(Shutdown), OnDestroy fires exactly once on the info
// callback, and both happen in the same call stack as the DropConnection
// call itself (spec §4.7, §7).
func (s *Session) DropConnection() {
	if s.state == StateClosed {
		return
	}
	s.fanOutError(&HTTPException{Kind: ErrorKindShutdown, Msg: "session dropped"})
	s.state = StateClosed
	s.conn.CloseWithError(quic.ApplicationErrorCode(errorNoError), "")
	s.onConnectFailed(errSessionDropped) // harmless no-op if connect already fired
	if s.info != nil {
		s.info.OnDestroy()
	}
}

// dropConnectionWithError is DropConnection's internal counterpart for
// connection-fatal protocol errors: it fans the given exception out to every
// Transaction (instead of a generic Shutdown) before tearing down.
func (s *Session) dropConnectionWithError(exc *HTTPException) {
	if s.state == StateClosed {
		return
	}
	s.fanOutError(exc)
	s.state = StateClosed
	s.conn.CloseWithError(wireErrorCodeFor(exc.Kind), exc.Error())
	if s.info != nil {
		s.info.OnDestroy()
	}
}

// fanOutError delivers err to every active Transaction in ascending stream
// id order (spec §7's "deterministic, stable order"), tolerating handler
// reentrancy (a handler may act on another Transaction from within onError).
func (s *Session) fanOutError(err *HTTPException) {
	ids := make([]quic.StreamID, 0, len(s.transactions))
	for id := range s.transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if txn, ok := s.transactions[id]; ok {
			txn.deliverError(err)
		}
	}
}

func (s *Session) onConnectionError(err error) {
	s.dropConnectionWithError(&HTTPException{Kind: ErrorKindConnectionReset, Msg: err.Error()})
}

// onGoaway applies a received GOAWAY(lastID): every active Transaction whose
// id exceeds lastID fails with StreamUnacknowledged; lower-numbered ones are
// left alone. The Session moves to Draining if it wasn't already (spec
// §4.1, §4.7).
func (s *Session) onGoaway(lastID uint64) {
	if !s.control.receivedSettings {
		s.dropConnectionWithError(&HTTPException{Kind: ErrorKindMissingSettings, Msg: "GOAWAY received before SETTINGS"})
		return
	}
	s.peerGoawayLastID = &lastID
	if s.state == StateOpen {
		s.state = StateDraining
	}

	ids := make([]quic.StreamID, 0, len(s.transactions))
	for id := range s.transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if uint64(id) <= lastID {
			continue
		}
		if txn, ok := s.transactions[id]; ok {
			txn.deliverError(newStreamUnacknowledgedError(id))
		}
	}

	for _, txn := range s.transactions {
		txn.handler.OnGoaway(lastID)
	}

	if s.state == StateDraining && len(s.transactions) == 0 {
		s.closeNow()
	}
}

// LocalAddr returns the address observed at connect time. It remains valid
// after DropConnection (spec §4.7's address-stability guarantee).
func (s *Session) LocalAddr() net.Addr { return s.localAddr }

// PeerAddr returns the peer address observed at connect time, stable across
// DropConnection.
func (s *Session) PeerAddr() net.Addr { return s.peerAddr }

// SetInfoCallback registers the Session-level lifecycle observer.
func (s *Session) SetInfoCallback(cb SessionInfoCallback) { s.info = cb }

// wireErrorCodeFor maps an ErrorKind back to the wire HTTP/3 error code used
// to close the connection (spec §6).
func wireErrorCodeFor(k ErrorKind) quic.ApplicationErrorCode {
	switch k {
	case ErrorKindUnexpectedFrame:
		return quic.ApplicationErrorCode(errorFrameUnexpected)
	case ErrorKindMissingSettings:
		return quic.ApplicationErrorCode(errorMissingSettings)
	case ErrorKindHeaderDecodeError:
		return quic.ApplicationErrorCode(errorGeneralProtocolError)
	default:
		return quic.ApplicationErrorCode(errorInternalError)
	}
}

// sameFunc compares two func() values by code pointer. Go gives no direct
// equality for funcs; reflect's Pointer is the idiomatic escape hatch. Two
// distinct closures of the same function literal compare equal.
func sameFunc(a, b func()) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// errGiveUpZeroRTT/errSessionDropped are sentinel errors for onConnectFailed
// inside this package; they never cross the Connection interface boundary.
// DropConnection passes errSessionDropped; nothing passes errGiveUpZeroRTT,
// so onConnectFailed's EarlyDataFailed branch is never taken.
var (
	errGiveUpZeroRTT   = giveUpZeroRTTError{}
	errSessionDropped  = sessionDroppedError{}
)

type giveUpZeroRTTError struct{}

func (giveUpZeroRTTError) Error() string { return "0-RTT data rejected" }

type sessionDroppedError struct{}

func (sessionDroppedError) Error() string { return "session dropped before connect completed" }
