package http3

import "github.com/lucas-clemente/quic-go"

// Partial reliability (spec §4.6) is split across three places: the
// per-Transaction mechanics (deliverBodySkipped, rejectBodyTo) live in
// transaction.go next to the rest of the ingress/egress state machine; this
// file holds the Session-level entry points a transport boundary goroutine
// calls into once it observes the corresponding QUIC-layer event, posted
// onto the Loop like every other transport callback (spec §5).

// onPeerDataExpired handles the peer declaring that bytes in
// [priorOffset, newOffset) on streamID will never be sent. It is the
// receive-side counterpart of PartialReliabilityConnection.DeliverDataExpired
// (which is this Session informing the peer of our own skip) — lucas-clemente/
// quic-go's stream API does not yet expose a dedicated callback for it, so a
// Connection implementation that supports the extension delivers it by
// calling this method from its boundary goroutine, same as any other stream
// event.
func (s *Session) onPeerDataExpired(streamID quic.StreamID, newOffset uint64) {
	txn, ok := s.transactions[streamID]
	if !ok {
		return
	}
	if newOffset <= txn.bodyOffset {
		return // stale or duplicate notification, nothing to do
	}
	if !txn.partialReliability {
		s.logger.Warn().
			Uint64("stream_id", uint64(streamID)).
			Msg("peer sent a data-expired notification on a non-partially-reliable transaction")
		return
	}
	delta := newOffset - txn.bodyOffset
	txn.deliverBodySkipped(delta)
}

// RejectBodyTo is the application-facing entry point for rejecting a
// Transaction's body up to newOffset (spec §4.6's receiver-initiated reject).
// It is a thin Session-level wrapper so callers do not need direct access to
// the Transaction registry.
func (s *Session) RejectBodyTo(streamID quic.StreamID, newOffset uint64) error {
	txn, ok := s.transactions[streamID]
	if !ok {
		return nil
	}
	return txn.rejectBodyTo(newOffset)
}
