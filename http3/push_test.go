package http3

import (
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newPushTestSession(clock Clock) *Session {
	loop := NewLoop(16)
	return NewSession(newFakeConnection(), loop, Options{Clock: clock})
}

var _ = Describe("Push Coordinator", func() {
	It("materializes a pushed Transaction once both promise and stream have arrived (promise first)", func() {
		s := newPushTestSession(&fakeClock{})
		parentHandler := &recordingHandler{}
		parent := newTransaction(s, 4, nil, parentHandler)
		s.transactions[parent.id] = parent

		promised := Headers{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/style.css"}}
		s.push.onPushPromise(parent, 1, promised)

		parentHandler.mu.Lock()
		Expect(parentHandler.pushed).To(BeEmpty(), "materialize only happens once the push stream also arrives")
		parentHandler.mu.Unlock()

		pr, pw := io.Pipe()
		defer pw.Close()
		stream := &fakeReceiveStream{id: 12, pr: pr}
		s.push.onNascentPushStream(1, stream)

		parentHandler.mu.Lock()
		defer parentHandler.mu.Unlock()
		Expect(parentHandler.pushed).To(HaveLen(1))
		child := parentHandler.pushed[0]
		Expect(child.IsPush()).To(BeTrue())
		Expect(child.Parent()).To(Equal(parent))
	})

	It("materializes a pushed Transaction when the stream arrives before the promise", func() {
		s := newPushTestSession(&fakeClock{})
		parentHandler := &recordingHandler{}
		parent := newTransaction(s, 4, nil, parentHandler)
		s.transactions[parent.id] = parent

		pr, pw := io.Pipe()
		defer pw.Close()
		stream := &fakeReceiveStream{id: 12, pr: pr}
		s.push.onNascentPushStream(2, stream)

		parentHandler.mu.Lock()
		Expect(parentHandler.pushed).To(BeEmpty())
		parentHandler.mu.Unlock()

		promised := Headers{{Name: ":method", Value: "GET"}}
		s.push.onPushPromise(parent, 2, promised)

		parentHandler.mu.Lock()
		defer parentHandler.mu.Unlock()
		Expect(parentHandler.pushed).To(HaveLen(1))
	})

	It("gives the handler a chance to SetHandler before header delivery", func() {
		s := newPushTestSession(&fakeClock{})
		var attached *recordingHandler
		parentHandler := &recordingHandler{}
		parent := newTransaction(s, 4, nil, parentHandler)
		s.transactions[parent.id] = parent

		pr, pw := io.Pipe()
		defer pw.Close()
		stream := &fakeReceiveStream{id: 12, pr: pr}
		s.push.onNascentPushStream(3, stream)

		attached = &recordingHandler{}
		hooked := false
		parentHandler.attachOnPush = func(child *Transaction) {
			child.SetHandler(attached)
			hooked = true
		}
		s.push.onPushPromise(parent, 3, Headers{{Name: ":status", Value: "200"}})

		Expect(hooked).To(BeTrue())
		hdrs, _ := attached.snapshot()
		Expect(hdrs).To(HaveLen(1), "headers must reach the handler attached during OnPushedTransaction, not a placeholder")
	})

	It("abandons a half-open pushed transaction once the promise-only timeout elapses", func() {
		clock := &fakeClock{}
		s := newPushTestSession(clock)
		parentHandler := &recordingHandler{}
		parent := newTransaction(s, 4, nil, parentHandler)
		s.transactions[parent.id] = parent

		s.push.onPushPromise(parent, 9, Headers{{Name: ":method", Value: "GET"}})
		Expect(s.push.byID).To(HaveKey(pushID(9)))

		clock.fireAll()
		Expect(s.push.byID).ToNot(HaveKey(pushID(9)))
	})
})
