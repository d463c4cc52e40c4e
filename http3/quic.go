package http3

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/lucas-clemente/quic-go"
)

// Connection is the subset of quic.Session/quic.Connection the Session drives.
// It is the only way the Session talks to the QUIC transport; nothing in this
// package dials, accepts, or configures QUIC itself (spec.md §1, out of scope).
type Connection interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	ConnectionState() quic.ConnectionState
	HandshakeComplete() context.Context
	Context() context.Context

	CloseWithError(quic.ApplicationErrorCode, string) error
}

// SendStream is the sending half of a QUIC stream.
type SendStream interface {
	io.Writer
	CancelWrite(quic.StreamErrorCode)
	Close() error
	StreamID() quic.StreamID
}

// ReceiveStream is the receiving half of a QUIC stream.
type ReceiveStream interface {
	io.Reader
	CancelRead(quic.StreamErrorCode)
	StreamID() quic.StreamID
}

// Stream is a client-initiated bidirectional QUIC stream: one request/response
// exchange lives on exactly one Stream.
type Stream interface {
	SendStream
	ReceiveStream
}

// DeliveryCallback is invoked once bytes written up to (and including) an
// offset have been acknowledged by the peer, or with err set if the stream
// was reset before that happened.
type DeliveryCallback func(err error)

// PartialReliabilityConnection is implemented by transports that support the
// HTTP/3 partial reliability extension (skip / reject, spec.md §4.6). A
// Connection that does not implement it simply never exercises that path;
// Session.NewTransaction degrades to full reliability automatically.
type PartialReliabilityConnection interface {
	// RegisterDeliveryCallback arms cb to fire once bytes written to offset on
	// streamID have been acknowledged.
	RegisterDeliveryCallback(streamID quic.StreamID, offset uint64, cb DeliveryCallback) error
	// DeliverDataExpired tells the peer that bytes up to offset on streamID
	// will never be sent (our side skipping into the future).
	DeliverDataExpired(streamID quic.StreamID, offset uint64) error
	// DataRejected tells the transport we no longer want to receive bytes
	// below offset on streamID (our side rejecting into the future).
	DataRejected(streamID quic.StreamID, offset uint64) error
}

// Clock abstracts time so tests can control the QPACK Gate's timeout without
// sleeping. A Session without Options.Clock uses loopClock, which schedules
// through its Loop; realClock is not used by NewSession.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the Gate needs.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
