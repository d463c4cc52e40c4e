package http3

import (
	"errors"
	"io"

	"github.com/lucas-clemente/quic-go"
)

// acceptUniStreamLoop is the boundary goroutine that blocks on
// AcceptUniStream; every stream it gets is handed to its own short-lived
// reader goroutine so one slow/adversarial peer stream never stalls
// classification of the others. All effects on Session state are posted
// through the Loop (spec §5).
func (s *Session) acceptUniStreamLoop() {
	for {
		stream, err := s.conn.AcceptUniStream(s.conn.Context())
		if err != nil {
			s.loop.Post(func() { s.onConnectionError(err) })
			return
		}
		go s.classifyUniStream(stream)
	}
}

// classifyUniStream reads the preface byte(s) of a freshly accepted
// unidirectional stream and routes it to the right subsystem (spec §4.2).
// Unknown preface values reset the stream with a protocol error without
// tearing down the connection; grease values (draft-nottingham-http-grease)
// are ignored: reading stops with H3_NO_ERROR.
func (s *Session) classifyUniStream(stream ReceiveStream) {
	t, _, err := readQUICVarint(stream)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(errorGeneralProtocolError))
		return
	}

	switch StreamType(t) {
	case StreamTypeControl:
		s.loop.Post(func() { s.bindInboundControlStream(stream) })
	case StreamTypeQPACKEncoder:
		s.loop.Post(func() { s.bindQPACKEncoderStream(stream) })
	case StreamTypeQPACKDecoder:
		s.loop.Post(func() { s.bindQPACKDecoderStream(stream) })
	case StreamTypePush:
		s.readNascentPushStream(stream)
	default:
		if isGrease(t) {
			stream.CancelRead(quic.StreamErrorCode(errorNoError))
			return
		}
		stream.CancelRead(quic.StreamErrorCode(errorStreamCreationError))
	}
}

// readNascentPushStream reads the unframed push id off a PUSH-typed stream.
// The id is a QUIC variable-length integer of length 1, 2, 4, or 8 bytes
// (spec §6); reading it one byte at a time (rather than via quicvarint.Read
// directly) lets us fire nascentPushStreamBegin as soon as any byte has
// landed, before the id itself is known, matching the Dispatcher's
// instrumentation contract (spec §4.2).
func (s *Session) readNascentPushStream(stream ReceiveStream) {
	var first [1]byte
	if _, err := io.ReadFull(stream, first[:]); err != nil {
		s.loop.Post(func() { s.onOrphanedNascentStream(stream.StreamID(), nil) })
		return
	}
	s.loop.Post(func() { s.onNascentPushStreamBegin(stream.StreamID(), false) })

	length := quicvarintLength(first[0])
	rest := make([]byte, length-1)
	if length > 1 {
		if _, err := io.ReadFull(stream, rest); err != nil {
			s.loop.Post(func() { s.onOrphanedNascentStream(stream.StreamID(), nil) })
			return
		}
	}
	id := decodeQUICVarint(first[0], rest)

	s.loop.Post(func() {
		s.onNascentPushStream(stream.StreamID(), pushID(id), false)
		s.push.onNascentPushStream(pushID(id), stream)
	})
}

// onNascentPushStreamBegin and onNascentPushStream are the Dispatcher's
// lifecycle observation hooks named in spec §4.2; kept as Session methods so
// tests can assert on them without a separate observer abstraction.
func (s *Session) onNascentPushStreamBegin(streamID quic.StreamID, isEOF bool) {
	s.logger.Debug().Uint64("stream_id", uint64(streamID)).Bool("eof", isEOF).Msg("nascentPushStreamBegin")
}

func (s *Session) onNascentPushStream(streamID quic.StreamID, id pushID, isEOF bool) {
	s.logger.Debug().Uint64("stream_id", uint64(streamID)).Uint64("push_id", uint64(id)).Bool("eof", isEOF).Msg("nascentPushStream")
}

func (s *Session) onOrphanedNascentStream(streamID quic.StreamID, maybePushID *pushID) {
	s.logger.Debug().Uint64("stream_id", uint64(streamID)).Msg("orphanedNascentStream")
}

// bindInboundControlStream registers the single permitted inbound control
// stream and starts its dedicated read loop.
func (s *Session) bindInboundControlStream(stream ReceiveStream) {
	if err := s.control.bindIngress(stream); err != nil {
		var exc *HTTPException
		if errors.As(err, &exc) {
			s.dropConnectionWithError(exc)
		}
		return
	}
	go s.control.readLoop()
}

func (s *Session) bindQPACKEncoderStream(stream ReceiveStream) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				s.loop.Post(func() {
					if err := s.qpackGate.onEncoderStreamData(chunk); err != nil {
						s.dropConnectionWithError(&HTTPException{Kind: ErrorKindUnexpectedFrame, Msg: err.Error()})
					}
				})
			}
			if err != nil {
				return
			}
		}
	}()
}

func (s *Session) bindQPACKDecoderStream(stream ReceiveStream) {
	// The decoder stream (our own encoder's acknowledgements) carries Header
	// Acknowledgement / Stream Cancellation / Insert Count Increment
	// instructions. This Session never itself uses the dynamic table on
	// egress (see qpackCodec.encode), so there is nothing to act on besides
	// draining the stream to keep the peer's flow control happy.
	go func() {
		_, _ = io.Copy(io.Discard, stream)
	}()
}

// readQUICVarint reads one QUIC variable-length integer from r, returning its
// value and encoded length.
func readQUICVarint(r io.Reader) (uint64, int, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, 0, err
	}
	length := quicvarintLength(first[0])
	rest := make([]byte, length-1)
	if length > 1 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return 0, 0, err
		}
	}
	return decodeQUICVarint(first[0], rest), length, nil
}

// quicvarintLength returns the encoded length (1, 2, 4, or 8) of a QUIC
// variable-length integer from its first byte's top two bits (RFC 9000
// section 16).
func quicvarintLength(first byte) int {
	switch first >> 6 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

func decodeQUICVarint(first byte, rest []byte) uint64 {
	v := uint64(first & 0x3f)
	for _, b := range rest {
		v = v<<8 | uint64(b)
	}
	return v
}
