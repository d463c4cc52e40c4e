package http3

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Partial reliability", func() {
	It("advances the body offset and notifies the handler on a peer-declared skip", func() {
		loop := NewLoop(16)
		s := NewSession(newFakeConnection(), loop, Options{})
		handler := &recordingHandler{}
		txn := newTransaction(s, 4, nil, handler)
		txn.EnablePartialReliability()
		s.transactions[txn.id] = txn

		s.onPeerDataExpired(txn.id, 100)

		handler.mu.Lock()
		defer handler.mu.Unlock()
		Expect(handler.skipped).To(Equal([]uint64{100}))
		Expect(txn.bodyOffset).To(Equal(uint64(100)))
	})

	It("treats a zero-length skip as a no-op", func() {
		loop := NewLoop(16)
		s := NewSession(newFakeConnection(), loop, Options{})
		handler := &recordingHandler{}
		txn := newTransaction(s, 4, nil, handler)
		txn.EnablePartialReliability()
		s.transactions[txn.id] = txn

		s.onPeerDataExpired(txn.id, 0)

		handler.mu.Lock()
		defer handler.mu.Unlock()
		Expect(handler.skipped).To(BeEmpty())
	})

	It("ignores data-expired notifications on a transaction that never enabled partial reliability", func() {
		loop := NewLoop(16)
		s := NewSession(newFakeConnection(), loop, Options{})
		handler := &recordingHandler{}
		txn := newTransaction(s, 4, nil, handler)
		s.transactions[txn.id] = txn

		s.onPeerDataExpired(txn.id, 100)

		handler.mu.Lock()
		defer handler.mu.Unlock()
		Expect(handler.skipped).To(BeEmpty())
		Expect(txn.bodyOffset).To(Equal(uint64(0)))
	})

	It("returns an error from RejectBodyTo when the connection lacks partial-reliability support", func() {
		loop := NewLoop(16)
		conn := newFakeConnection()
		s := NewSession(conn, loop, Options{})
		handler := &recordingHandler{}
		txn := newTransaction(s, 4, nil, handler)
		s.transactions[txn.id] = txn

		// conn does not implement PartialReliabilityConnection, so advancing
		// forward must surface an error rather than silently pretend success.
		Expect(s.RejectBodyTo(txn.id, 50)).To(HaveOccurred())
	})

	It("is a no-op for an unknown stream id", func() {
		loop := NewLoop(16)
		s := NewSession(newFakeConnection(), loop, Options{})
		Expect(s.RejectBodyTo(999, 50)).ToNot(HaveOccurred())
	})
})
