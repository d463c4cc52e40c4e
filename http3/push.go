package http3

import "time"

// DefaultPushPromiseTimeout bounds how long a half-open pushed transaction
// (promise seen, stream not yet) waits before the Coordinator gives up on
// ever seeing the matching push stream.
const DefaultPushPromiseTimeout = 10 * time.Second

// pushState is the promise/stream correlation record for one push id (spec
// §4.5). It starts with only one side populated and is materialized into a
// Pushed Transaction once both are present, in whichever order they arrive.
type pushState struct {
	id     pushID
	parent *Transaction

	havePromise bool
	headers     Headers

	haveStream bool
	stream     ReceiveStream

	child *Transaction
	timer Timer
}

// pushCoordinator correlates PUSH_PROMISE frames (observed on request
// streams) with nascent push streams (observed on the unidirectional stream
// space), by push id.
type pushCoordinator struct {
	session *Session
	clock   Clock
	timeout time.Duration

	byID map[pushID]*pushState
}

func newPushCoordinator(s *Session, clock Clock) *pushCoordinator {
	return &pushCoordinator{
		session: s,
		clock:   clock,
		timeout: DefaultPushPromiseTimeout,
		byID:    make(map[pushID]*pushState),
	}
}

func (c *pushCoordinator) stateFor(id pushID) *pushState {
	st, ok := c.byID[id]
	if !ok {
		st = &pushState{id: id}
		c.byID[id] = st
	}
	return st
}

// onPushPromise handles a PUSH_PROMISE frame parsed off a request stream.
func (c *pushCoordinator) onPushPromise(parent *Transaction, id pushID, headers Headers) {
	c.session.logger.Debug().Uint64("push_id", uint64(id)).Msg("pushPromiseBegin")
	st := c.stateFor(id)
	st.parent = parent
	st.havePromise = true
	st.headers = headers
	c.session.logger.Debug().Uint64("push_id", uint64(id)).Msg("pushPromise")

	if st.haveStream {
		c.materialize(st)
		return
	}
	c.session.logger.Debug().Uint64("push_id", uint64(id)).Msg("halfOpenPushedTxn")
	st.timer = c.clock.AfterFunc(c.timeout, func() { c.onHalfOpenTimeout(st) })
}

// onNascentPushStream handles a push-typed unidirectional stream once its
// unframed push id has been decoded by the Dispatcher.
func (c *pushCoordinator) onNascentPushStream(id pushID, stream ReceiveStream) {
	st := c.stateFor(id)
	st.haveStream = true
	st.stream = stream

	if st.havePromise {
		c.materialize(st)
		return
	}
	// Orphaned-awaiting-promise: nothing to surface yet. The stream stays
	// parked in byID until a promise with this push id arrives; nothing reads
	// it meanwhile, and it is not reset on EOF or when the connection drops.
}

func (c *pushCoordinator) materialize(st *pushState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	child := newTransaction(c.session, 0, nil, NoOpHandler{})
	child.push = &st.id
	child.parent = st.parent
	child.ingress = StateExpectHeaders
	child.egress = StateDone // pushed transactions have no egress of their own

	c.session.registerPushTransaction(child)
	st.child = child

	c.session.logger.Debug().Uint64("push_id", uint64(st.id)).Msg("pushedTxn")
	// The parent's OnPushedTransaction is expected to call child.SetHandler
	// synchronously; deliverHeaders below then reaches whatever handler the
	// application attached, never the NoOpHandler placeholder.
	st.parent.pushedTransaction(child)
	child.deliverHeaders(st.headers)

	c.session.bindPushStreamReader(child, st.stream)
	delete(c.byID, st.id)
}

func (c *pushCoordinator) onHalfOpenTimeout(st *pushState) {
	if _, ok := c.byID[st.id]; !ok || st.child != nil {
		return
	}
	c.session.logger.Warn().Uint64("push_id", uint64(st.id)).Msg("pushedTxnTimeout")
	c.session.logger.Debug().Uint64("push_id", uint64(st.id)).Msg("orphanedHalfOpenPushedTxn")
	delete(c.byID, st.id)
}
