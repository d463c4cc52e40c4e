package http3

import (
	"io"

	"github.com/lucas-clemente/quic-go/quicvarint"
)

// readRequestStream is the boundary goroutine draining one request stream's
// response: HEADERS (possibly more than one, for 1xx interim responses),
// DATA, an optional trailing HEADERS, PUSH_PROMISE, and end-of-stream. All
// parsed frames are posted onto the Loop as they're decoded; only the frame
// parsing itself (and the blocking Read calls backing it) happens off the
// loop goroutine.
func (s *Session) readRequestStream(txn *Transaction, stream Stream) {
	s.runIngressFrameLoop(txn, stream)
}

// bindPushStreamReader starts draining a materialized pushed Transaction's
// underlying (receive-only) push stream, once the Push Coordinator has
// correlated it with its promise.
func (s *Session) bindPushStreamReader(txn *Transaction, stream ReceiveStream) {
	if stream == nil {
		return
	}
	go s.runIngressFrameLoop(txn, stream)
}

func (s *Session) runIngressFrameLoop(txn *Transaction, r io.Reader) {
	fr := &FrameReader{R: r}
	for {
		if err := fr.Next(); err != nil {
			s.loop.Post(func() { s.onIngressStreamEnd(txn, err) })
			return
		}
		switch fr.Type {
		case FrameTypeHeaders:
			b := make([]byte, fr.N)
			if _, err := io.ReadFull(fr, b); err != nil {
				s.loop.Post(func() { s.onIngressStreamEnd(txn, err) })
				return
			}
			s.loop.Post(func() {
				if txn.gotHeaders {
					s.qpackGate.submitTrailers(txn, b)
				} else {
					s.qpackGate.submitHeaders(txn, b)
				}
			})
		case FrameTypeData:
			b := make([]byte, fr.N)
			if _, err := io.ReadFull(fr, b); err != nil {
				s.loop.Post(func() { s.onIngressStreamEnd(txn, err) })
				return
			}
			s.loop.Post(func() { s.deliverBodyInOrder(txn, b) })
		case FrameTypePushPromise:
			b := make([]byte, fr.N)
			if _, err := io.ReadFull(fr, b); err != nil {
				s.loop.Post(func() { s.onIngressStreamEnd(txn, err) })
				return
			}
			pp, err := parsePushPromisePayload(b)
			if err != nil {
				s.loop.Post(func() {
					txn.deliverError(&HTTPException{Kind: ErrorKindUnexpectedFrame, Msg: err.Error()})
				})
				return
			}
			// Promised request header blocks are small enough in practice that
			// real encoders emit them static-table-only; this module decodes
			// them eagerly rather than routing them through the QPACK Gate,
			// a deliberate simplification over response headers.
			headers, err := decodeFieldLines(pp.EncodedField)
			if err != nil {
				s.loop.Post(func() {
					txn.deliverError(&HTTPException{Kind: ErrorKindHeaderDecodeError, Msg: err.Error()})
				})
				return
			}
			s.loop.Post(func() { s.push.onPushPromise(txn, pushID(pp.PushID), headers) })
		default:
			if _, err := io.CopyN(io.Discard, fr, int64(fr.N)); err != nil {
				s.loop.Post(func() { s.onIngressStreamEnd(txn, err) })
				return
			}
		}
	}
}

// onIngressStreamEnd handles the ingress side of a request/push stream
// ending, whether cleanly (io.EOF, delivering EOM) or with an error (reset,
// surfaced as StreamUnacknowledged per spec §4.3's "peer RESET /
// STOP_SENDING" row).
func (s *Session) onIngressStreamEnd(txn *Transaction, err error) {
	if err == io.EOF {
		s.deliverEOMInOrder(txn)
		return
	}
	txn.deliverError(newStreamUnacknowledgedError(txn.id))
}

// deliverBodyInOrder and deliverEOMInOrder hold DATA and end-of-stream back
// behind a still-queued QPACK Gate entry for the same stream, so a header (or
// trailer) block delayed on the dynamic table is always delivered to the
// handler before the body/EOM that followed it on the wire.
func (s *Session) deliverBodyInOrder(txn *Transaction, b []byte) {
	if s.qpackGate.blocked(txn.id) {
		s.qpackGate.deferUntilUnblocked(txn.id, func() { txn.deliverBody(b) })
		return
	}
	txn.deliverBody(b)
}

func (s *Session) deliverEOMInOrder(txn *Transaction) {
	if s.qpackGate.blocked(txn.id) {
		s.qpackGate.deferUntilUnblocked(txn.id, func() { txn.deliverEOM() })
		return
	}
	txn.deliverEOM()
}

// parsePushPromisePayload splits a PUSH_PROMISE frame's payload into its push
// id and QPACK-encoded header block (spec §6's unframed-push-id note applies
// only to push streams; on the request stream PUSH_PROMISE is itself a
// normal length-prefixed HTTP/3 frame per RFC 9114 section 7.2.5).
func parsePushPromisePayload(b []byte) (*pushPromiseFrame, error) {
	id, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, err
	}
	return &pushPromiseFrame{PushID: id, EncodedField: b[n:]}, nil
}
