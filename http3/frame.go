package http3

import (
	"fmt"
	"io"

	"github.com/lucas-clemente/quic-go/quicvarint"
)

// FrameType is an HTTP/3 frame type (RFC 9114 section 7.2).
type FrameType uint64

const (
	FrameTypeData        FrameType = 0x0
	FrameTypeHeaders      FrameType = 0x1
	FrameTypeCancelPush   FrameType = 0x3
	FrameTypeSettings     FrameType = 0x4
	FrameTypePushPromise  FrameType = 0x5
	FrameTypeGoaway       FrameType = 0x7
	FrameTypeMaxPushID    FrameType = 0xd
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "DATA"
	case FrameTypeHeaders:
		return "HEADERS"
	case FrameTypeCancelPush:
		return "CANCEL_PUSH"
	case FrameTypeSettings:
		return "SETTINGS"
	case FrameTypePushPromise:
		return "PUSH_PROMISE"
	case FrameTypeGoaway:
		return "GOAWAY"
	case FrameTypeMaxPushID:
		return "MAX_PUSH_ID"
	default:
		return fmt.Sprintf("frame type %#x", uint64(t))
	}
}

// isGrease reports whether t is a reserved "grease" frame type per
// https://datatracker.ietf.org/doc/html/draft-nottingham-http-grease-00: values of
// the form 0x1f * N + 0x21 are to be ignored, never treated as errors.
func isGrease(t uint64) bool {
	return t >= 0x21 && (t-0x21)%0x1f == 0
}

// StreamType is the preface byte (varint) that opens an HTTP/3 unidirectional
// stream (RFC 9114 section 6.2).
type StreamType uint64

const (
	StreamTypeControl      StreamType = 0x0
	StreamTypePush         StreamType = 0x1
	StreamTypeQPACKEncoder StreamType = 0x2
	StreamTypeQPACKDecoder StreamType = 0x3
)

func (t StreamType) String() string {
	switch t {
	case StreamTypeControl:
		return "control stream"
	case StreamTypePush:
		return "push stream"
	case StreamTypeQPACKEncoder:
		return "QPACK encoder stream"
	case StreamTypeQPACKDecoder:
		return "QPACK decoder stream"
	default:
		return fmt.Sprintf("stream type %#x", uint64(t))
	}
}

// FrameReader reads a sequence of length-prefixed HTTP/3 frames off R, exposing
// the current frame's payload through Read itself (so io.ReadFull(fr, buf) reads
// frame payload bytes). Call Next to advance to the following frame.
type FrameReader struct {
	R io.Reader

	Type FrameType
	N    uint64 // remaining, unread bytes of the current frame's payload

	r quicvarint.Reader
}

// Next skips any unread bytes of the current frame and parses the header of
// the next one, leaving N set to its payload length.
func (fr *FrameReader) Next() error {
	if fr.r == nil {
		fr.r = quicvarint.NewReader(fr.R)
	}
	if fr.N > 0 {
		if _, err := io.CopyN(io.Discard, fr, int64(fr.N)); err != nil {
			return err
		}
	}
	for {
		t, err := quicvarint.Read(fr.r)
		if err != nil {
			return err
		}
		l, err := quicvarint.Read(fr.r)
		if err != nil {
			return err
		}
		if isGrease(t) {
			if _, err := io.CopyN(io.Discard, fr.r, int64(l)); err != nil {
				return err
			}
			continue
		}
		fr.Type = FrameType(t)
		fr.N = l
		return nil
	}
}

// Read reads from the current frame's remaining payload.
func (fr *FrameReader) Read(p []byte) (int, error) {
	if fr.N == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > fr.N {
		p = p[:fr.N]
	}
	n, err := fr.r.Read(p)
	fr.N -= uint64(n)
	return n, err
}

// writeFrameHeader appends a frame type + length prefix to b.
func writeFrameHeader(b []byte, t FrameType, length uint64) []byte {
	b = quicvarint.Append(b, uint64(t))
	b = quicvarint.Append(b, length)
	return b
}

// writeHeadersFrameBytes appends a complete HEADERS frame (already QPACK-encoded
// payload) to b.
func writeHeadersFrameBytes(b, payload []byte) []byte {
	b = writeFrameHeader(b, FrameTypeHeaders, uint64(len(payload)))
	return append(b, payload...)
}
