package http3

import (
	"context"
	"io"

	"github.com/lucas-clemente/quic-go"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// connectSession wires a fakeConnection through Connect and drains the Loop
// until the Session reaches Open, returning the session, its connection, and
// the fake control-egress stream it opened.
func connectSession(opts Options) (*Session, *fakeConnection, *fakeSendStream) {
	conn := newFakeConnection()
	var controlEgress *fakeSendStream
	conn.openUniStreamFunc = func() (SendStream, error) {
		controlEgress = &fakeSendStream{id: 2}
		return controlEgress, nil
	}
	loop := NewLoop(64)
	s := NewSession(conn, loop, opts)
	cb := &recordingConnectCallback{}
	s.Connect(cb)
	conn.completeHandshake()
	Eventually(func() bool {
		drainLoop(loop)
		ok, _ := cb.snapshot()
		return ok
	}).Should(BeTrue())
	return s, conn, controlEgress
}

var _ = Describe("Session lifecycle", func() {
	It("fires ConnectSuccess once the transport handshake completes", func() {
		s, _, egress := connectSession(Options{})
		Expect(s.state).To(Equal(StateOpen))
		Expect(egress.writtenBytes()).ToNot(BeEmpty()) // preface + SETTINGS
	})

	It("fires ConnectError when the transport context ends before handshake", func() {
		conn := newFakeConnection()
		loop := NewLoop(64)
		s := NewSession(conn, loop, Options{})
		cb := &recordingConnectCallback{}
		s.Connect(cb)
		conn.failConn()
		Eventually(func() *HTTPException {
			drainLoop(loop)
			_, err := cb.snapshot()
			return err
		}).ShouldNot(BeNil())
		Expect(s.state).To(Equal(StateConnecting))
	})

	It("returns (nil, nil) from NewTransaction when not Open", func() {
		conn := newFakeConnection()
		loop := NewLoop(64)
		s := NewSession(conn, loop, Options{})
		txn, err := s.NewTransaction(&recordingHandler{})
		Expect(txn).To(BeNil())
		Expect(err).To(BeNil())
	})

	It("drives a simple GET/response exchange (SimpleGet)", func() {
		s, conn, _ := connectSession(Options{})

		reqStream, reqPeerWriter := newFakeStream(4)
		conn.openStreamSyncFunc = func(ctx context.Context) (Stream, error) { return reqStream, nil }

		handler := &recordingHandler{}
		txn, err := s.NewTransaction(handler)
		Expect(err).ToNot(HaveOccurred())
		Expect(txn).ToNot(BeNil())

		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/"}})).To(Succeed())
		Expect(txn.SendEOM()).To(Succeed())
		Expect(reqStream.isClosed()).To(BeTrue())

		codec := newQPACKCodec()
		respHeaders, err := codec.encode(Headers{{Name: ":status", Value: "200"}})
		Expect(err).ToNot(HaveOccurred())

		go func() {
			_, _ = reqPeerWriter.Write(writeHeadersFrameBytes(nil, respHeaders))
			_, _ = reqPeerWriter.Write(writeFrameHeader(nil, FrameTypeData, 5))
			_, _ = reqPeerWriter.Write([]byte("hello"))
			reqPeerWriter.Close()
		}()

		Eventually(func() bool {
			drainLoop(s.loop)
			hdrs, _ := handler.snapshot()
			return len(hdrs) == 1
		}).Should(BeTrue())
		Eventually(func() bool {
			drainLoop(s.loop)
			handler.mu.Lock()
			defer handler.mu.Unlock()
			return handler.eom
		}).Should(BeTrue())

		hdrs, interim := handler.snapshot()
		Expect(hdrs[0].Status()).To(Equal(200))
		Expect(interim[0]).To(BeFalse())
		Expect(handler.body).To(HaveLen(1))
		Expect(string(handler.body[0])).To(Equal("hello"))
		Expect(handler.detached).To(BeTrue())
	})

	It("delivers a 1xx interim response before the final headers", func() {
		s, conn, _ := connectSession(Options{})
		reqStream, reqPeerWriter := newFakeStream(4)
		conn.openStreamSyncFunc = func(ctx context.Context) (Stream, error) { return reqStream, nil }

		handler := &recordingHandler{}
		txn, err := s.NewTransaction(handler)
		Expect(err).ToNot(HaveOccurred())
		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "POST"}})).To(Succeed())

		codec := newQPACKCodec()
		interimHeaders, _ := codec.encode(Headers{{Name: ":status", Value: "100"}})
		finalHeaders, _ := codec.encode(Headers{{Name: ":status", Value: "200"}})

		go func() {
			_, _ = reqPeerWriter.Write(writeHeadersFrameBytes(nil, interimHeaders))
			_, _ = reqPeerWriter.Write(writeHeadersFrameBytes(nil, finalHeaders))
		}()

		Eventually(func() int {
			drainLoop(s.loop)
			hdrs, _ := handler.snapshot()
			return len(hdrs)
		}).Should(Equal(2))

		hdrs, interim := handler.snapshot()
		Expect(hdrs[0].Status()).To(Equal(100))
		Expect(interim[0]).To(BeTrue())
		Expect(hdrs[1].Status()).To(Equal(200))
		Expect(interim[1]).To(BeFalse())
	})

	It("holds body and EOM back behind a DelayedQPACK header block, then delivers all three in wire order", func() {
		s, conn, _ := connectSession(Options{})
		reqStream, reqPeerWriter := newFakeStream(4)
		conn.openStreamSyncFunc = func(ctx context.Context) (Stream, error) { return reqStream, nil }

		handler := &recordingHandler{}
		txn, err := s.NewTransaction(handler)
		Expect(err).ToNot(HaveOccurred())
		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())

		blockedHeaders := encodeQPACKHeaders(Headers{{Name: ":status", Value: "200"}}, 1)

		go func() {
			_, _ = reqPeerWriter.Write(writeHeadersFrameBytes(nil, blockedHeaders))
			_, _ = reqPeerWriter.Write(writeFrameHeader(nil, FrameTypeData, 5))
			_, _ = reqPeerWriter.Write([]byte("hello"))
			reqPeerWriter.Close()
		}()

		Eventually(func() bool {
			drainLoop(s.loop)
			return s.qpackGate.blocked(txn.ID())
		}).Should(BeTrue())

		handler.mu.Lock()
		Expect(handler.headers).To(BeEmpty(), "header block is still gated, nothing may be delivered yet")
		Expect(handler.body).To(BeEmpty(), "DATA must wait for the header block it followed on the wire")
		Expect(handler.eom).To(BeFalse(), "EOM must wait for the header block it followed on the wire")
		handler.mu.Unlock()

		Expect(s.qpackGate.onEncoderStreamData(encoderInsertWithLiteralName("x", "y"))).To(Succeed())

		Eventually(func() bool {
			drainLoop(s.loop)
			handler.mu.Lock()
			defer handler.mu.Unlock()
			return handler.eom
		}).Should(BeTrue())

		hdrs, _ := handler.snapshot()
		Expect(hdrs).To(HaveLen(1))
		Expect(hdrs[0].Status()).To(Equal(200))
		Expect(handler.body).To(HaveLen(1))
		Expect(string(handler.body[0])).To(Equal("hello"))
	})

	It("fails streams above GOAWAY's last id with StreamUnacknowledged", func() {
		s, conn, _ := connectSession(Options{})

		var streams []*fakeStream
		nextID := quic.StreamID(4)
		conn.openStreamSyncFunc = func(ctx context.Context) (Stream, error) {
			st, _ := newFakeStream(nextID)
			streams = append(streams, st)
			nextID += 4
			return st, nil
		}

		h1 := &recordingHandler{}
		t1, _ := s.NewTransaction(h1)
		Expect(t1.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())

		h2 := &recordingHandler{}
		t2, _ := s.NewTransaction(h2)
		Expect(t2.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())

		// Peer opens its control stream and sends SETTINGS then GOAWAY(4):
		// only the first transaction (id 4) is acknowledged.
		ctrl, ctrlWriter := newFakeReceiveStream(3)
		conn.acceptUniStreamCh <- ctrl
		// The stream is only bound as the control stream once its type byte
		// has been read, so that byte has to be written before waiting.
		go func() { _, _ = ctrlWriter.Write([]byte{0x0}) }() // stream type Control = varint 0
		Eventually(func() bool { drainLoop(s.loop); return s.control.ingress != nil }).Should(BeTrue())

		go func() {
			settings := writeFrameHeader(nil, FrameTypeSettings, 0)
			_, _ = ctrlWriter.Write(settings)
			goaway := &goawayFrame{ID: uint64(t1.ID())}
			_ = goaway.writeTo(ctrlWriter)
		}()

		Eventually(func() int {
			drainLoop(s.loop)
			h2.mu.Lock()
			defer h2.mu.Unlock()
			return len(h2.errs)
		}).Should(Equal(1))

		h2.mu.Lock()
		kind := h2.errs[0].Kind
		h2.mu.Unlock()
		Expect(kind).To(Equal(ErrorKindStreamUnacknowledged))

		h1.mu.Lock()
		defer h1.mu.Unlock()
		Expect(h1.errs).To(BeEmpty())
		Expect(s.state).To(Equal(StateDraining))
	})

	It("sends GOAWAY(MAX) immediately and GOAWAY(maxSeenStreamId) after the drain delay", func() {
		clock := &fakeClock{}
		s, conn, egress := connectSession(Options{Clock: clock, GoawayDrainDelay: 1})
		conn.openStreamSyncFunc = func(ctx context.Context) (Stream, error) {
			st, _ := newFakeStream(4)
			return st, nil
		}
		txn, _ := s.NewTransaction(&recordingHandler{})
		Expect(txn).ToNot(BeNil())

		before := len(egress.writtenBytes())
		s.CloseWhenIdle()
		Expect(s.state).To(Equal(StateDraining))
		Expect(len(egress.writtenBytes())).To(BeNumerically(">", before))

		afterFirst := len(egress.writtenBytes())
		clock.fireAll()
		drainLoop(s.loop)
		Expect(len(egress.writtenBytes())).To(BeNumerically(">", afterFirst))
	})

	It("is idempotent and keeps addresses stable across DropConnection", func() {
		s, conn, _ := connectSession(Options{})
		local, peer := s.LocalAddr(), s.PeerAddr()

		s.DropConnection()
		Expect(conn.wasClosed()).To(BeTrue())
		Expect(s.state).To(Equal(StateClosed))

		s.DropConnection() // second call must be a no-op, not a panic or double OnDestroy
		Expect(s.LocalAddr()).To(Equal(local))
		Expect(s.PeerAddr()).To(Equal(peer))
	})

	It("fans OnError(Shutdown) out to every live transaction on DropConnection", func() {
		s, conn, _ := connectSession(Options{})
		conn.openStreamSyncFunc = func(ctx context.Context) (Stream, error) {
			st, _ := newFakeStream(4)
			return st, nil
		}
		h := &recordingHandler{}
		txn, _ := s.NewTransaction(h)
		Expect(txn).ToNot(BeNil())

		s.DropConnection()
		h.mu.Lock()
		defer h.mu.Unlock()
		Expect(h.errs).To(HaveLen(1))
		Expect(h.errs[0].Kind).To(Equal(ErrorKindShutdown))
	})
})

var _ io.Writer = (*fakeSendStream)(nil)
