package http3

import (
	"fmt"
	"io"

	"github.com/lucas-clemente/quic-go/quicvarint"
)

// Well-known SETTINGS identifiers (RFC 9114 section 7.2.4.1, RFC 9297 section 5.1).
const (
	SettingMaxFieldSectionSize uint64 = 0x6
	SettingDatagram            uint64 = 0xffd277
)

// Settings is the parsed contents of a SETTINGS frame: an identifier -> value
// map.
type Settings map[uint64]uint64

// EnableDatagrams marks HTTP/3 Datagram support (RFC 9297) as enabled.
func (s Settings) EnableDatagrams() { s[SettingDatagram] = 1 }

// DatagramsEnabled reports whether HTTP/3 Datagram support is enabled.
func (s Settings) DatagramsEnabled() bool { return s[SettingDatagram] == 1 }

// MaxFieldSectionSize returns the advertised cap on a QPACK-encoded header
// block, or 0 if unset.
func (s Settings) MaxFieldSectionSize() uint64 { return s[SettingMaxFieldSectionSize] }

func (s Settings) writeFrame(w io.Writer) error {
	var payload []byte
	for id, val := range s {
		payload = quicvarint.Append(payload, id)
		payload = quicvarint.Append(payload, val)
	}
	b := writeFrameHeader(nil, FrameTypeSettings, uint64(len(payload)))
	b = append(b, payload...)
	_, err := w.Write(b)
	return err
}

// readSettings reads exactly one SETTINGS frame from fr, which must be
// positioned right at the start of the control stream (RFC 9114 section 3.2.1:
// "the first frame ... MUST be a SETTINGS frame").
func readSettings(fr *FrameReader) (Settings, error) {
	if err := fr.Next(); err != nil {
		return nil, err
	}
	if fr.Type != FrameTypeSettings {
		return nil, &FrameTypeError{Want: FrameTypeSettings, Type: fr.Type}
	}
	settings := Settings{}
	b := make([]byte, fr.N)
	if _, err := io.ReadFull(fr, b); err != nil {
		return nil, err
	}
	r := quicvarint.NewReader(&byteReader{b})
	for {
		id, err := quicvarint.Read(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		val, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("http3: malformed SETTINGS value for id %#x: %w", id, err)
		}
		settings[id] = val
	}
	return settings, nil
}

// byteReader adapts a byte slice to io.Reader without pulling in bytes.Reader
// state we don't need (kept minimal on purpose).
type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// goawayFrame is a GOAWAY frame (RFC 9114 section 7.2.6): for a client-received
// GOAWAY, ID is the largest request-stream id the peer promises to finish
// serving.
type goawayFrame struct {
	ID uint64
}

func (f *goawayFrame) writeTo(w io.Writer) error {
	payload := quicvarint.Append(nil, f.ID)
	b := writeFrameHeader(nil, FrameTypeGoaway, uint64(len(payload)))
	b = append(b, payload...)
	_, err := w.Write(b)
	return err
}

func readGoaway(fr *FrameReader) (*goawayFrame, error) {
	b := make([]byte, fr.N)
	if _, err := io.ReadFull(fr, b); err != nil {
		return nil, err
	}
	id, _, err := quicvarint.Parse(b)
	if err != nil {
		return nil, err
	}
	return &goawayFrame{ID: id}, nil
}

// pushPromiseFrame is a PUSH_PROMISE frame (RFC 9114 section 7.2.5): a push id
// followed by a QPACK-encoded header block for the promised request.
type pushPromiseFrame struct {
	PushID       uint64
	EncodedField []byte
}
