package http3

import (
	"io"

	"github.com/lucas-clemente/quic-go/quicvarint"
)

// controlPlane owns the Session's outbound and inbound unidirectional
// control streams (spec §4.1): it emits SETTINGS at most once, accepts
// exactly one inbound control stream, requires SETTINGS as that stream's
// first frame, and parses GOAWAY.
type controlPlane struct {
	session *Session

	egress       SendStream
	sentSettings bool

	ingress          ReceiveStream
	fr               *FrameReader
	receivedSettings bool
}

func newControlPlane(s *Session) *controlPlane {
	return &controlPlane{session: s}
}

// openEgress opens the outbound control stream and sends SETTINGS, unless
// the Session's configuration disables it (used by tests that want to drive
// SETTINGS manually).
func (c *controlPlane) openEgress() error {
	stream, err := c.session.conn.OpenUniStream()
	if err != nil {
		return err
	}
	preface := quicvarint.Append(nil, uint64(StreamTypeControl))
	if _, err := stream.Write(preface); err != nil {
		return err
	}
	c.egress = stream
	if c.session.opts.DisableAutomaticSettings {
		return nil
	}
	return c.sendSettings(c.session.opts.Settings)
}

// sendSettings writes SETTINGS on the egress control stream. Calling it
// twice is a programming error (spec §3's "sending it twice is a programming
// error (abort)"), so the second call panics rather than silently
// corrupting the stream.
func (c *controlPlane) sendSettings(settings Settings) error {
	if c.sentSettings {
		panic("http3: duplicate SETTINGS on egress control stream")
	}
	if settings == nil {
		settings = Settings{}
	}
	if err := settings.writeFrame(c.egress); err != nil {
		return err
	}
	c.sentSettings = true
	return nil
}

// bindIngress registers stream as the (sole) inbound control stream.
func (c *controlPlane) bindIngress(stream ReceiveStream) error {
	if c.ingress != nil {
		stream.CancelRead(0)
		return &HTTPException{Kind: ErrorKindUnexpectedFrame, Msg: "duplicate inbound control stream"}
	}
	c.ingress = stream
	c.fr = &FrameReader{R: stream}
	return nil
}

// readLoop is the boundary goroutine draining the inbound control stream. It
// parses frames and posts the resulting events onto the Loop; nothing here
// touches Session state directly.
func (c *controlPlane) readLoop() {
	settings, err := readSettings(c.fr)
	if err != nil {
		kind := ErrorKindUnexpectedFrame
		if _, ok := err.(*FrameTypeError); ok {
			kind = ErrorKindMissingSettings
		}
		c.session.loop.Post(func() {
			c.session.dropConnectionWithError(&HTTPException{Kind: kind, Msg: err.Error()})
		})
		return
	}
	c.session.loop.Post(func() { c.onSettings(settings) })

	for {
		if err := c.fr.Next(); err != nil {
			c.session.loop.Post(func() { c.session.onConnectionError(err) })
			return
		}
		switch c.fr.Type {
		case FrameTypeSettings:
			c.session.loop.Post(func() {
				c.session.dropConnectionWithError(&HTTPException{
					Kind: ErrorKindUnexpectedFrame,
					Msg:  "duplicate SETTINGS frame on control stream",
				})
			})
			return
		case FrameTypeGoaway:
			g, err := readGoaway(c.fr)
			if err != nil {
				c.session.loop.Post(func() {
					c.session.dropConnectionWithError(&HTTPException{Kind: ErrorKindUnexpectedFrame, Msg: err.Error()})
				})
				return
			}
			c.session.loop.Post(func() { c.session.onGoaway(g.ID) })
		default:
			io.Copy(io.Discard, c.fr) //nolint:errcheck // frame payload we don't act on
		}
	}
}

func (c *controlPlane) onSettings(settings Settings) {
	c.receivedSettings = true
	c.session.peerSettings = settings
}

// sendGoaway writes a GOAWAY frame carrying id. Used both for the
// immediate GOAWAY(MAX) and the follow-up GOAWAY(maxSeenStreamId) of a
// graceful drain (spec §4.1).
func (c *controlPlane) sendGoaway(id uint64) error {
	f := &goawayFrame{ID: id}
	return f.writeTo(c.egress)
}
