package http3

import (
	"time"

	"github.com/lucas-clemente/quic-go"
)

// DefaultQPACKBlockedTimeout is used when Session.Options.QPACKBlockedTimeout
// is left at zero. The observed code never states an exact figure (spec's
// open question); several hundred milliseconds is the sane default it asks
// for.
const DefaultQPACKBlockedTimeout = 400 * time.Millisecond

type blockKind int

const (
	blockKindHeaders blockKind = iota
	blockKindTrailers
)

// blockedField is one pending header delivery, queued because its Required
// Insert Count exceeded what the decoder's dynamic table had observed at
// arrival time.
type blockedField struct {
	txn                 *Transaction
	requiredInsertCount uint64
	fieldLines          []byte
	kind                blockKind
	timer               Timer
}

// qpackGate is the per-connection "blocked on dynamic-table insert count"
// queue (spec §4.4). There is one Gate per Session; it tracks a single known
// insert count fed by the peer's QPACK encoder stream and releases queued
// header blocks, in per-stream FIFO order, as that count advances.
type qpackGate struct {
	session *Session
	clock   Clock
	timeout time.Duration

	knownInsertCount uint64

	// byStream preserves arrival order within a stream even when entries
	// become ready out of insertion order; byCount indexes the same entries
	// by the count they're waiting on so encoder-stream progress can find
	// them quickly.
	byStream map[quic.StreamID][]*blockedField
	byCount  map[uint64][]*blockedField

	// pending holds DATA/end-of-stream delivery for a stream whose HEADERS
	// (or trailers) are still queued here, so the handler never sees body or
	// EOM before the header block they logically follow on the wire.
	pending map[quic.StreamID][]func()
}

func newQPACKGate(s *Session, timeout time.Duration, clock Clock) *qpackGate {
	if timeout <= 0 {
		timeout = DefaultQPACKBlockedTimeout
	}
	return &qpackGate{
		session:  s,
		clock:    clock,
		timeout:  timeout,
		byStream: make(map[quic.StreamID][]*blockedField),
		byCount:  make(map[uint64][]*blockedField),
		pending:  make(map[quic.StreamID][]func()),
	}
}

// blocked reports whether streamID currently has a header or trailer block
// parked here, waiting on the dynamic table to catch up.
func (g *qpackGate) blocked(streamID quic.StreamID) bool {
	return len(g.byStream[streamID]) > 0
}

// deferUntilUnblocked queues fn to run once streamID no longer has any
// blocked header/trailer entry, preserving the order callers enqueue in.
func (g *qpackGate) deferUntilUnblocked(streamID quic.StreamID, fn func()) {
	g.pending[streamID] = append(g.pending[streamID], fn)
}

// flushPending runs and discards every deferred closure for streamID, in the
// order they were queued.
func (g *qpackGate) flushPending(streamID quic.StreamID) {
	fns := g.pending[streamID]
	delete(g.pending, streamID)
	for _, fn := range fns {
		fn()
	}
}

// submitHeaders parses the field section prefix of raw and either delivers it
// immediately (table already knows enough) or queues it behind the missing
// insert count, arming a timeout.
func (g *qpackGate) submitHeaders(txn *Transaction, raw []byte) {
	g.submit(txn, raw, blockKindHeaders)
}

func (g *qpackGate) submitTrailers(txn *Transaction, raw []byte) {
	g.submit(txn, raw, blockKindTrailers)
}

func (g *qpackGate) submit(txn *Transaction, raw []byte, kind blockKind) {
	ric, lines, err := decodeFieldSectionPrefix(raw)
	if err != nil {
		txn.deliverError(&HTTPException{Kind: ErrorKindHeaderDecodeError, Msg: err.Error()})
		return
	}
	entry := &blockedField{txn: txn, requiredInsertCount: ric, fieldLines: lines, kind: kind}
	if ric <= g.knownInsertCount {
		g.deliver(entry)
		if !g.blocked(txn.id) {
			g.flushPending(txn.id)
		}
		return
	}
	g.enqueue(entry)
}

func (g *qpackGate) enqueue(entry *blockedField) {
	streamID := entry.txn.id
	g.byStream[streamID] = append(g.byStream[streamID], entry)
	g.byCount[entry.requiredInsertCount] = append(g.byCount[entry.requiredInsertCount], entry)
	timeout := g.timeout
	entry.timer = g.clock.AfterFunc(timeout, func() { g.onTimeout(entry) })
}

func (g *qpackGate) onTimeout(entry *blockedField) {
	if !g.remove(entry) {
		return // already delivered or cancelled
	}
	entry.txn.deliverError(&HTTPException{
		Kind: ErrorKindHeaderDecodeError,
		Msg:  "QPACK decoder timed out waiting for dynamic table update",
	})
}

// remove drops entry from both indexes, returning false if it was already
// gone (delivered, or the timer fired after the entry had already been
// removed for some other reason).
func (g *qpackGate) remove(entry *blockedField) bool {
	found := false
	if list, ok := g.byStream[entry.txn.id]; ok {
		for i, e := range list {
			if e == entry {
				g.byStream[entry.txn.id] = append(list[:i], list[i+1:]...)
				found = true
				break
			}
		}
		if len(g.byStream[entry.txn.id]) == 0 {
			delete(g.byStream, entry.txn.id)
		}
	}
	if list, ok := g.byCount[entry.requiredInsertCount]; ok {
		for i, e := range list {
			if e == entry {
				g.byCount[entry.requiredInsertCount] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(g.byCount[entry.requiredInsertCount]) == 0 {
			delete(g.byCount, entry.requiredInsertCount)
		}
	}
	return found
}

func (g *qpackGate) deliver(entry *blockedField) {
	headers, err := decodeFieldLines(entry.fieldLines)
	if err != nil {
		entry.txn.deliverError(&HTTPException{Kind: ErrorKindHeaderDecodeError, Msg: err.Error()})
		return
	}
	switch entry.kind {
	case blockKindTrailers:
		entry.txn.deliverTrailers(headers)
	default:
		entry.txn.deliverHeaders(headers)
	}
}

// onEncoderStreamData feeds bytes read from the peer's QPACK encoder stream,
// advancing knownInsertCount and releasing any entries it unblocks, in the
// order their stream originally submitted them.
func (g *qpackGate) onEncoderStreamData(p []byte) error {
	inserts, _, err := countInserts(p)
	if err != nil {
		return err
	}
	if inserts == 0 {
		return nil
	}
	g.knownInsertCount += inserts
	g.releaseReady()
	return nil
}

func (g *qpackGate) releaseReady() {
	for count := range g.byCount {
		if count > g.knownInsertCount {
			continue
		}
		ready := g.byCount[count]
		delete(g.byCount, count)
		for _, entry := range ready {
			entry.timer.Stop()
			g.remove(entry)
			g.deliver(entry)
			if !g.blocked(entry.txn.id) {
				g.flushPending(entry.txn.id)
			}
		}
	}
}

// cancelStream discards any queued entry for streamID without delivering it,
// used when a Transaction aborts or detaches while still QPACK-blocked (spec
// §4.4's detached-while-blocked edge case).
func (g *qpackGate) cancelStream(streamID quic.StreamID) {
	for _, entry := range append([]*blockedField(nil), g.byStream[streamID]...) {
		entry.timer.Stop()
		g.remove(entry)
	}
	delete(g.pending, streamID)
}
