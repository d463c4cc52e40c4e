package http3

import (
	"bytes"
	"fmt"

	"github.com/lucas-clemente/quic-go/quicvarint"
	"github.com/marten-seemann/qpack"
)

// qpackCodec wraps marten-seemann/qpack for the static-table-only encoding
// direction (outbound requests never need dynamic-table blocking: the client
// always holds the full static table and whatever it itself inserted) and
// decodes inbound header blocks, including the RFC 9204 section 4.5.1
// two-integer prefix (Required Insert Count, Delta Base) a real QPACK decoder
// needs to resolve relative/post-base indices. marten-seemann/qpack's own
// Decoder does not track insert counts, so the prefix parsing and
// insert-count bookkeeping here is hand-rolled, built to let the QPACK Gate
// defer delivery until the table has caught up.
type qpackCodec struct {
	encBuf bytes.Buffer
	enc    *qpack.Encoder
}

func newQPACKCodec() *qpackCodec {
	c := &qpackCodec{}
	c.enc = qpack.NewEncoder(&c.encBuf)
	return c
}

func (c *qpackCodec) encode(h Headers) ([]byte, error) {
	c.encBuf.Reset()
	// Required Insert Count = 0, Delta Base = 0: the client never references
	// its own dynamic table entries when issuing requests.
	prefix := quicvarint.Append(nil, 0)
	prefix = append(prefix, 0x00)
	for _, f := range h {
		if err := c.enc.WriteField(qpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return nil, err
		}
	}
	return append(prefix, c.encBuf.Bytes()...), nil
}

// decodeFieldSectionPrefix parses a header block's Required Insert Count +
// Delta Base prefix and returns the count together with the remaining
// field-line bytes. It does not itself resolve dynamic-table references: the
// Gate calls it as soon as a block arrives, to learn the count the block
// waits for, and only once the table has advanced enough are the field lines
// handed to decodeFieldLines, a fresh qpack.Decoder that resolves against the
// static table (marten-seemann/qpack always has the static table available).
func decodeFieldSectionPrefix(b []byte) (requiredInsertCount uint64, rest []byte, err error) {
	ric, n, err := parsePrefixedInt(b, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("http3: malformed QPACK field section prefix: %w", err)
	}
	b = b[n:]
	if len(b) == 0 {
		return 0, nil, fmt.Errorf("http3: truncated QPACK field section prefix")
	}
	// Delta Base occupies the remainder of the second prefix integer (S bit +
	// 7-bit prefix per RFC 9204 4.5.1); we only need to skip it.
	_, n, err = parsePrefixedInt(b, 7)
	if err != nil {
		return 0, nil, fmt.Errorf("http3: malformed QPACK delta base: %w", err)
	}
	return ric, b[n:], nil
}

func decodeFieldLines(b []byte) (Headers, error) {
	var out Headers
	dec := qpack.NewDecoder(func(f qpack.HeaderField) {
		out = append(out, Header{Name: f.Name, Value: f.Value})
	})
	if _, err := dec.Write(b); err != nil {
		return nil, err
	}
	return out, nil
}

// countInserts (below) reports how many dynamic-table insertions are
// represented by a chunk of bytes read off the peer's QPACK encoder stream.
// RFC 9204 section 4.3: "Insert With Name Reference" (1xxxxxxx) and "Insert
// With Literal Name" (01xxxxxx) each insert one entry; "Set Dynamic Table
// Capacity" (001xxxxx) and "Duplicate" (000xxxxx, which also inserts one
// entry by copying) are the remaining instruction classes. For the purposes
// of the Gate we only need a count of insertions, not the literal contents,
// since this package never itself needs to resolve dynamic-table-indexed
// references (requests are always static-table only, see encode above).
// parsePrefixedInt decodes an RFC 7541 section 5.1 N-bit prefix integer
// starting at b[0]; the low prefixBits bits of b[0] hold the initial value,
// continuation bytes (high bit set) extend it. quicvarint only knows the
// QUIC varint encoding, not this HPACK/QPACK instruction-stream encoding, so
// this is a standalone, stdlib-only implementation.
func parsePrefixedInt(b []byte, prefixBits int) (value uint64, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("http3: empty QPACK instruction")
	}
	mask := byte(1<<uint(prefixBits)) - 1
	value = uint64(b[0] & mask)
	consumed = 1
	if value < uint64(mask) {
		return value, consumed, nil
	}
	var shift uint
	for {
		if consumed >= len(b) {
			return 0, 0, fmt.Errorf("http3: truncated QPACK prefixed integer")
		}
		c := b[consumed]
		value += uint64(c&0x7f) << shift
		consumed++
		if c&0x80 == 0 {
			return value, consumed, nil
		}
		shift += 7
	}
}

func countInserts(b []byte) (inserts uint64, consumed int, err error) {
	for len(b) > 0 {
		first := b[0]
		switch {
		case first&0x80 != 0: // Insert With Name Reference, 1T NNNNNN
			// T selects the static or dynamic table; either way the name is
			// an index, so no name bytes follow it.
			_, n, derr := parsePrefixedInt(b, 6)
			if derr != nil {
				return inserts, consumed, derr
			}
			b = b[n:]
			consumed += n
			valLen, n, derr := parsePrefixedInt(b, 7)
			if derr != nil {
				return inserts, consumed, derr
			}
			b = b[n:]
			consumed += n
			if uint64(len(b)) < valLen {
				return inserts, consumed, fmt.Errorf("http3: truncated QPACK instruction")
			}
			b = b[valLen:]
			consumed += int(valLen)
			inserts++
		case first&0x40 != 0: // Insert With Literal Name, 01 NNNNN
			nameLen, n, derr := parsePrefixedInt(b, 5)
			if derr != nil {
				return inserts, consumed, derr
			}
			b = b[n:]
			consumed += n
			if uint64(len(b)) < nameLen {
				return inserts, consumed, fmt.Errorf("http3: truncated QPACK instruction")
			}
			b = b[nameLen:]
			consumed += int(nameLen)
			valLen, n, derr := parsePrefixedInt(b, 7)
			if derr != nil {
				return inserts, consumed, derr
			}
			b = b[n:]
			consumed += n
			if uint64(len(b)) < valLen {
				return inserts, consumed, fmt.Errorf("http3: truncated QPACK instruction")
			}
			b = b[valLen:]
			consumed += int(valLen)
			inserts++
		case first&0x20 != 0: // Set Dynamic Table Capacity, 001 NNNNN
			_, n, derr := parsePrefixedInt(b, 5)
			if derr != nil {
				return inserts, consumed, derr
			}
			b = b[n:]
			consumed += n
		default: // Duplicate, 000 NNNNN
			_, n, derr := parsePrefixedInt(b, 5)
			if derr != nil {
				return inserts, consumed, derr
			}
			b = b[n:]
			consumed += n
			inserts++
		}
	}
	return inserts, consumed, nil
}
