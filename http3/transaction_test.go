package http3

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newStandaloneTransaction() (*Transaction, *fakeStream, *recordingHandler, *Session) {
	loop := NewLoop(16)
	s := NewSession(newFakeConnection(), loop, Options{})
	handler := &recordingHandler{}
	stream, _ := newFakeStream(4)
	txn := newTransaction(s, stream.StreamID(), stream, handler)
	s.transactions[txn.id] = txn
	return txn, stream, handler, s
}

var _ = Describe("Transaction", func() {
	It("panics on a duplicate SendHeaders call", func() {
		txn, _, _, _ := newStandaloneTransaction()
		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())
		Expect(func() { _ = txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}}) }).To(Panic())
	})

	It("treats a second SendEOM as idempotent", func() {
		txn, stream, _, _ := newStandaloneTransaction()
		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())
		Expect(txn.SendEOM()).To(Succeed())
		Expect(txn.SendEOM()).To(Succeed())
		Expect(stream.isClosed()).To(BeTrue())
	})

	It("caps the number of QUIC resets SendAbort issues and tolerates repeat calls", func() {
		txn, stream, _, _ := newStandaloneTransaction()
		txn.SendAbort()
		txn.SendAbort()
		txn.SendAbort()
		Expect(txn.egress).To(Equal(StateAborted))
		Expect(txn.ingress).To(Equal(StateAborted))
		Expect(txn.resetSent).To(Equal(2))
		Expect(stream.wasCanceled()).To(BeTrue())
	})

	It("detaches exactly once, even if both directions complete and an extra byte-event arrives", func() {
		txn, _, handler, _ := newStandaloneTransaction()
		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())
		txn.incPendingByteEvents()
		Expect(txn.SendEOM()).To(Succeed())
		txn.deliverEOM()

		handler.mu.Lock()
		Expect(handler.detached).To(BeFalse(), "must not detach while a byte event is still pending")
		handler.mu.Unlock()

		txn.decPendingByteEvents()
		txn.decPendingByteEvents() // a second, spurious decrement must not double-detach

		handler.mu.Lock()
		defer handler.mu.Unlock()
		Expect(handler.detached).To(BeTrue())
	})

	It("delivers exactly one OnError before detaching on a stream error", func() {
		txn, _, handler, _ := newStandaloneTransaction()
		Expect(txn.SendHeaders(Headers{{Name: ":method", Value: "GET"}})).To(Succeed())
		Expect(txn.SendEOM()).To(Succeed())

		txn.deliverError(&HTTPException{Kind: ErrorKindConnectionReset, Msg: "boom"})
		txn.deliverError(&HTTPException{Kind: ErrorKindConnectionReset, Msg: "boom again"})

		handler.mu.Lock()
		defer handler.mu.Unlock()
		Expect(handler.errs).To(HaveLen(1))
		Expect(handler.detached).To(BeTrue())
	})

	It("delivers headers and a later trailer block to the handler separately", func() {
		txn, _, handler, _ := newStandaloneTransaction()
		txn.deliverHeaders(Headers{{Name: ":status", Value: "200"}})
		txn.deliverTrailers(Headers{{Name: "x-trailer", Value: "v"}})

		handler.mu.Lock()
		defer handler.mu.Unlock()
		Expect(handler.headers).To(HaveLen(1))
		Expect(handler.trailers).To(HaveLen(1))
	})
})
