package timing

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("TickScheduler", func() {
	var (
		mockCtrl *gomock.Controller
		ticker   *MockTicker
		s        *Scheduler
		ts       *TickScheduler
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		ticker = NewMockTicker(mockCtrl)
		s = NewScheduler()
		ts = NewTickScheduler(ticker, s, 10)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should keep ticking while making progress", func() {
		gomock.InOrder(
			ticker.EXPECT().Tick().Return(true),
			ticker.EXPECT().Tick().Return(true),
			ticker.EXPECT().Tick().Return(false),
		)

		Expect(ts.TickNow()).To(Succeed())
		Expect(s.Run()).To(Succeed())
		Expect(s.Now()).To(Equal(VTime(20)))
	})

	It("should not schedule the same tick twice", func() {
		ticker.EXPECT().Tick().Return(false).Times(1)

		Expect(ts.TickLater()).To(Succeed())
		Expect(ts.TickLater()).To(Succeed())
		Expect(ts.TickNow()).To(Succeed())
		Expect(s.PendingEvents()).To(Equal(1))

		Expect(s.Run()).To(Succeed())
		Expect(s.Now()).To(Equal(VTime(10)))
	})

	It("should align ticks to the period", func() {
		ticker.EXPECT().Tick().Return(false)

		_, _ = s.Schedule(13, func() error { return ts.TickNow() })

		Expect(s.Run()).To(Succeed())
		Expect(s.Now()).To(Equal(VTime(20)))
	})

	It("should cancel the pending tick on stop", func() {
		Expect(ts.TickNow()).To(Succeed())
		ts.Stop()

		Expect(s.Run()).To(Succeed())
		Expect(s.EventCount()).To(Equal(uint64(0)))
	})
})
