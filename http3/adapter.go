package http3

import (
	"context"

	"github.com/lucas-clemente/quic-go"
)

// sessionAdapter narrows a real quic.Session down to the Connection
// interface this package actually drives. quic.Stream/quic.SendStream/
// quic.ReceiveStream already satisfy our Stream/SendStream/ReceiveStream
// interfaces structurally (same method sets), so no per-call wrapping is
// needed beyond the type conversion itself.
type sessionAdapter struct {
	quic.Session
}

// WrapConnection adapts a dialed quic.Session to the Connection interface
// Session consumes, the one seam between this package and the real QUIC
// transport (spec §1).
func WrapConnection(sess quic.Session) Connection {
	return sessionAdapter{sess}
}

func (a sessionAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	return a.Session.OpenStreamSync(ctx)
}

func (a sessionAdapter) OpenUniStream() (SendStream, error) {
	return a.Session.OpenUniStream()
}

func (a sessionAdapter) AcceptStream(ctx context.Context) (Stream, error) {
	return a.Session.AcceptStream(ctx)
}

func (a sessionAdapter) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	return a.Session.AcceptUniStream(ctx)
}
