package timing

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("EventQueue", func() {
	var (
		queue *eventQueue
		seq   uint64
	)

	newEvt := func(t VTime) *event {
		seq++
		return &event{time: t, seq: seq}
	}

	BeforeEach(func() {
		queue = newEventQueue()
		seq = 0
	})

	It("should pop in order", func() {
		numEvents := 100
		for i := 0; i < numEvents; i++ {
			queue.Push(newEvt(VTime(rand.Int63n(1000))))
		}

		now := VTime(-1)
		var lastSeq uint64
		for i := 0; i < numEvents; i++ {
			evt := queue.Pop()
			Expect(evt.time >= now).To(BeTrue())
			if evt.time == now {
				Expect(evt.seq).To(BeNumerically(">", lastSeq))
			}

			now = evt.time
			lastSeq = evt.seq
		}

		Expect(queue.Pop()).To(BeNil())
	})

	It("should keep simultaneous events in insertion order", func() {
		for i := 0; i < 10; i++ {
			queue.Push(newEvt(5))
		}

		for i := 1; i <= 10; i++ {
			Expect(queue.Pop().seq).To(Equal(uint64(i)))
		}
	})

	It("should skip cancelled events", func() {
		e1 := newEvt(1)
		e2 := newEvt(2)
		e3 := newEvt(3)
		queue.Push(e1)
		queue.Push(e2)
		queue.Push(e3)

		e1.state.Store(stateCancelled)
		queue.Cancelled()

		Expect(queue.Len()).To(Equal(2))
		Expect(queue.Size()).To(Equal(3))
		Expect(queue.Peek()).To(BeIdenticalTo(e2))
		Expect(queue.Size()).To(Equal(2))
	})

	It("should compact when cancelled events pile up", func() {
		events := make([]*event, 0, 200)
		for i := 0; i < 200; i++ {
			evt := newEvt(VTime(i))
			events = append(events, evt)
			queue.Push(evt)
		}

		for i := 199; i >= 50; i-- {
			events[i].state.Store(stateCancelled)
			queue.Cancelled()
		}

		Expect(queue.Len()).To(Equal(50))
		Expect(queue.Size()).To(BeNumerically("<", 200))

		for i := 0; i < 50; i++ {
			Expect(queue.Pop()).To(BeIdenticalTo(events[i]))
		}
		Expect(queue.Pop()).To(BeNil())
	})

	It("should drain every entry", func() {
		queue.Push(newEvt(1))
		queue.Push(newEvt(2))

		Expect(queue.Drain()).To(HaveLen(2))
		Expect(queue.Len()).To(Equal(0))
		Expect(queue.Peek()).To(BeNil())
	})
})
