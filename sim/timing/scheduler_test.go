package timing

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/simkernel/sim/hooking"
	"github.com/sarchlab/simkernel/sim/pacing"
)

var _ = Describe("Scheduler", func() {
	var (
		s     *Scheduler
		order []int
	)

	record := func(i int) Callback {
		return func() error {
			order = append(order, i)
			return nil
		}
	}

	BeforeEach(func() {
		s = NewScheduler()
		order = nil
	})

	It("should dispatch in time order", func() {
		_, _ = s.Schedule(30, record(3))
		_, _ = s.Schedule(10, record(1))
		_, _ = s.ScheduleAt(20, record(2))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{1, 2, 3}))
		Expect(s.Now()).To(Equal(VTime(30)))
		Expect(s.EventCount()).To(Equal(uint64(3)))
		Expect(s.IsFinished()).To(BeTrue())
	})

	It("should dispatch simultaneous events in insertion order", func() {
		for i := 0; i < 50; i++ {
			_, _ = s.Schedule(7, record(i))
		}

		Expect(s.Run()).To(Succeed())
		for i := 0; i < 50; i++ {
			Expect(order[i]).To(Equal(i))
		}
	})

	It("should produce the same order for the same schedule calls", func() {
		runOnce := func() []int {
			sched := NewScheduler()
			rng := rand.New(rand.NewSource(42))
			var got []int

			var spawn func(depth, label int) Callback
			spawn = func(depth, label int) Callback {
				return func() error {
					got = append(got, label)
					if depth == 0 {
						return nil
					}

					for i := 0; i < 3; i++ {
						delay := VTime(rng.Intn(3))
						_, err := sched.Schedule(delay, spawn(depth-1, label*10+i))
						if err != nil {
							return err
						}
					}

					return nil
				}
			}

			_, _ = sched.ScheduleNow(spawn(4, 1))
			Expect(sched.Run()).To(Succeed())

			return got
		}

		first := runOnce()
		Expect(first).To(HaveLen(1 + 3 + 9 + 27 + 81))
		Expect(runOnce()).To(Equal(first))
	})

	It("should see events scheduled by callbacks", func() {
		_, _ = s.Schedule(10, func() error {
			order = append(order, 1)
			_, err := s.Schedule(5, record(2))
			return err
		})
		_, _ = s.Schedule(20, record(3))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{1, 2, 3}))
	})

	It("should reject invalid schedules", func() {
		_, err := s.Schedule(-1, record(0))
		Expect(err).To(MatchError(ErrInvalidSchedule))

		_, err = s.Schedule(10, nil)
		Expect(err).To(MatchError(ErrInvalidSchedule))

		_, _ = s.Schedule(10, record(0))
		Expect(s.Run()).To(Succeed())

		_, err = s.Schedule(MaxVTime, record(0))
		Expect(err).To(MatchError(ErrInvalidSchedule))

		_, err = s.ScheduleAt(5, record(0))
		Expect(err).To(MatchError(ErrInvalidSchedule))

		Expect(s.PendingEvents()).To(Equal(0))
	})

	It("should not run cancelled events", func() {
		h1, _ := s.Schedule(10, record(1))
		h2, _ := s.Schedule(20, record(2))

		Expect(h2.IsExpired()).To(BeFalse())
		s.Cancel(h2)
		s.Cancel(h2)
		h2.Cancel()

		Expect(h2.IsExpired()).To(BeTrue())
		Expect(h2.IsCancelled()).To(BeTrue())
		Expect(s.PendingEvents()).To(Equal(1))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{1}))
		Expect(s.IsExpired(h1)).To(BeTrue())
		Expect(h1.IsCancelled()).To(BeFalse())

		s.Cancel(h1)
		Expect(h1.IsCancelled()).To(BeFalse())
	})

	It("should treat the zero handle as expired", func() {
		var h EventHandle

		Expect(h.IsExpired()).To(BeTrue())
		Expect(s.DelayLeft(h)).To(Equal(VTime(0)))
		h.Cancel()
		s.Cancel(h)
	})

	It("should report the queue state", func() {
		_, _ = s.Schedule(10, record(1))
		h, _ := s.Schedule(20, record(2))
		s.Cancel(h)

		next, ok := s.NextEventTime()
		Expect(ok).To(BeTrue())
		Expect(next).To(Equal(VTime(10)))
		Expect(s.PendingEvents()).To(Equal(1))
		Expect(s.IsFinished()).To(BeFalse())

		Expect(s.Run()).To(Succeed())

		_, ok = s.NextEventTime()
		Expect(ok).To(BeFalse())
		Expect(s.EventCount()).To(Equal(uint64(1)))
		Expect(s.IsFinished()).To(BeTrue())
	})

	It("should tell the delay left", func() {
		h, _ := s.Schedule(100, record(1))
		_, _ = s.Schedule(40, func() error {
			Expect(s.DelayLeft(h)).To(Equal(VTime(60)))
			return nil
		})

		next, ok := s.NextEventTime()
		Expect(ok).To(BeTrue())
		Expect(next).To(Equal(VTime(40)))

		Expect(s.Run()).To(Succeed())
		Expect(s.DelayLeft(h)).To(Equal(VTime(0)))
	})

	It("should return callback errors and stay runnable", func() {
		boom := errors.New("boom")
		_, _ = s.Schedule(10, record(1))
		_, _ = s.Schedule(20, func() error { return boom })
		_, _ = s.Schedule(30, record(3))

		err := s.Run()

		var cbErr *CallbackError
		Expect(errors.As(err, &cbErr)).To(BeTrue())
		Expect(err).To(MatchError(boom))
		Expect(cbErr.Time).To(Equal(VTime(20)))
		Expect(order).To(Equal([]int{1}))
		Expect(s.PendingEvents()).To(Equal(1))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{1, 3}))
	})

	It("should turn panics into callback errors", func() {
		_, _ = s.Schedule(10, func() error { panic("oops") })

		err := s.Run()

		var cbErr *CallbackError
		Expect(errors.As(err, &cbErr)).To(BeTrue())
		Expect(cbErr.Panic).To(Equal("oops"))
	})

	It("should stop at the stop time", func() {
		_, _ = s.Schedule(10, record(1))
		_, _ = s.Schedule(20, record(2))
		h, _ := s.Schedule(30, record(3))

		Expect(s.RunUntil(20)).To(Succeed())
		Expect(order).To(Equal([]int{1, 2}))
		Expect(s.Now()).To(Equal(VTime(20)))
		Expect(h.IsExpired()).To(BeFalse())

		s.Cancel(h)
		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{1, 2}))
	})

	It("should run while the condition holds", func() {
		for i := 1; i <= 5; i++ {
			_, _ = s.Schedule(VTime(i), record(i))
		}

		Expect(s.RunWhile(func() bool { return len(order) < 3 })).To(Succeed())
		Expect(order).To(Equal([]int{1, 2, 3}))
	})

	It("should stop when asked from a callback", func() {
		_, _ = s.Schedule(10, func() error {
			s.Stop()
			return nil
		})
		_, _ = s.Schedule(20, record(2))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(BeEmpty())
		Expect(s.PendingEvents()).To(Equal(1))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{2}))
	})

	It("should expire every handle on destroy", func() {
		h1, _ := s.Schedule(10, record(1))
		h2, _ := s.Schedule(20, record(2))
		_, _ = s.ScheduleDestroy(record(100))
		_, _ = s.ScheduleDestroy(record(101))

		s.Destroy()
		s.Destroy()

		Expect(h1.IsExpired()).To(BeTrue())
		Expect(h2.IsExpired()).To(BeTrue())
		Expect(order).To(Equal([]int{100, 101}))

		_, err := s.Schedule(1, record(3))
		Expect(err).To(MatchError(ErrDestroyed))
		Expect(s.Run()).To(MatchError(ErrDestroyed))
	})

	It("should skip cancelled at-exit callbacks", func() {
		h, _ := s.ScheduleDestroy(record(1))
		_, _ = s.ScheduleDestroy(record(2))

		s.Cancel(h)
		s.Destroy()

		Expect(order).To(Equal([]int{2}))
	})

	It("should allow destroying from a callback", func() {
		_, _ = s.Schedule(10, func() error {
			s.Destroy()
			return nil
		})
		h, _ := s.Schedule(20, record(2))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(BeEmpty())
		Expect(h.IsExpired()).To(BeTrue())
	})

	It("should keep a stop issued before run", func() {
		_, _ = s.Schedule(10, record(1))

		s.Stop()
		Expect(s.IsFinished()).To(BeTrue())

		Expect(s.Run()).To(Succeed())
		Expect(order).To(BeEmpty())
		Expect(s.EventCount()).To(Equal(uint64(0)))

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{1}))
	})

	It("should run at-exit callbacks after the current callback when destroyed from outside", func() {
		var inCallback atomic.Bool
		started := make(chan struct{})
		release := make(chan struct{})
		runErr := make(chan error, 1)

		var overlapped, exitRan atomic.Bool
		_, _ = s.ScheduleDestroy(func() error {
			overlapped.Store(inCallback.Load())
			exitRan.Store(true)
			return nil
		})

		_, _ = s.Schedule(10, func() error {
			inCallback.Store(true)
			defer inCallback.Store(false)

			close(started)
			<-release

			return nil
		})
		later, _ := s.Schedule(20, record(2))

		go func() { runErr <- s.Run() }()

		Eventually(started).Should(BeClosed())

		destroyed := make(chan struct{})
		go func() {
			s.Destroy()
			close(destroyed)
		}()
		Eventually(destroyed).Should(BeClosed())
		Expect(exitRan.Load()).To(BeFalse())

		close(release)
		Eventually(runErr).Should(Receive(BeNil()))

		Expect(exitRan.Load()).To(BeTrue())
		Expect(overlapped.Load()).To(BeFalse())
		Expect(order).To(BeEmpty())
		Expect(later.IsExpired()).To(BeTrue())
		Expect(s.Run()).To(MatchError(ErrDestroyed))
	})

	It("should follow now when scheduling real-time without pacing", func() {
		_, _ = s.Schedule(10, func() error {
			h, err := s.ScheduleRealtime(5, record(2))
			Expect(h.Time()).To(Equal(VTime(15)))
			return err
		})

		Expect(s.Run()).To(Succeed())
		Expect(order).To(Equal([]int{2}))
		Expect(s.RealtimeNow()).To(Equal(VTime(15)))
	})

	It("should log dispatched events", func() {
		s.AcceptHook(NewEventLogger(zerolog.Nop()))
		_, _ = s.Schedule(10, record(1))

		Expect(s.Run()).To(Succeed())
	})

	It("should accept schedules from many goroutines", func() {
		var wg sync.WaitGroup
		var lock sync.Mutex
		count := 0

		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < 100; i++ {
					_, err := s.Schedule(VTime(i), func() error {
						lock.Lock()
						count++
						lock.Unlock()
						return nil
					})
					Expect(err).NotTo(HaveOccurred())
				}
			}()
		}
		wg.Wait()

		Expect(s.Run()).To(Succeed())
		Expect(count).To(Equal(800))
	})
})

var _ = Describe("Scheduler hooks", func() {
	var (
		mockCtrl *gomock.Controller
		hook     *MockHook
		s        *Scheduler
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		hook = NewMockHook(mockCtrl)
		s = NewScheduler()
		s.AcceptHook(hook)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should invoke hooks around each event", func() {
		h, _ := s.Schedule(10, func() error { return nil })

		before := hook.EXPECT().
			Func(gomock.Any()).
			Do(func(ctx hooking.HookCtx) {
				Expect(ctx.Pos).To(BeIdenticalTo(HookPosBeforeEvent))
				Expect(ctx.Item).To(Equal(EventInfo{Time: 10, Seq: h.Seq()}))
			})
		hook.EXPECT().
			Func(gomock.Any()).
			Do(func(ctx hooking.HookCtx) {
				Expect(ctx.Pos).To(BeIdenticalTo(HookPosAfterEvent))
				Expect(ctx.Detail).To(Equal(DispatchDetail{}))
			}).
			After(before)

		Expect(s.Run()).To(Succeed())
	})
})

var _ = Describe("Scheduler with a mocked synchronizer", func() {
	var (
		mockCtrl     *gomock.Controller
		synchronizer *MockSynchronizer
		cond         *pacing.Condition
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		synchronizer = NewMockSynchronizer(mockCtrl)
		cond = pacing.NewCondition()

		synchronizer.EXPECT().SetOrigin(gomock.Any()).AnyTimes()
		synchronizer.EXPECT().SetCondition(gomock.Any()).AnyTimes()
		synchronizer.EXPECT().Signal().AnyTimes()
		synchronizer.EXPECT().Condition().Return(cond).AnyTimes()
		synchronizer.EXPECT().EventStart().AnyTimes()
		synchronizer.EXPECT().EventEnd().Return(time.Duration(0)).AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should re-derive the next event after an interrupt", func() {
		synchronizer.EXPECT().Realtime().Return(false).AnyTimes()
		gomock.InOrder(
			synchronizer.EXPECT().WaitUntil(VTime(50)).Return(pacing.Interrupted),
			synchronizer.EXPECT().WaitUntil(VTime(50)).Return(pacing.Reached),
		)

		s := MakeBuilder().WithSynchronizer(synchronizer).Build()
		count := 0
		_, _ = s.Schedule(50, func() error {
			count++
			return nil
		})

		Expect(s.Run()).To(Succeed())
		Expect(count).To(Equal(1))
	})

	It("should fail when falling behind the hard limit", func() {
		synchronizer.EXPECT().Realtime().Return(true).AnyTimes()
		synchronizer.EXPECT().WaitUntil(gomock.Any()).Return(pacing.Reached)
		synchronizer.EXPECT().Drift(VTime(50)).Return(2 * time.Second)

		s := MakeBuilder().
			WithSynchronizer(synchronizer).
			WithHardLimit(time.Second).
			Build()
		h, _ := s.Schedule(50, func() error { return nil })

		Expect(s.Run()).To(MatchError(ErrHardLimitExceeded))
		Expect(h.IsExpired()).To(BeFalse())
	})

	It("should ignore drift without a hard limit", func() {
		synchronizer.EXPECT().Realtime().Return(true).AnyTimes()
		synchronizer.EXPECT().WaitUntil(gomock.Any()).Return(pacing.Reached)

		s := MakeBuilder().WithSynchronizer(synchronizer).Build()
		_, _ = s.Schedule(50, func() error { return nil })

		Expect(s.Run()).To(Succeed())
	})
})

var _ = Describe("Scheduler with real-time pacing", func() {
	var s *Scheduler

	BeforeEach(func() {
		r, err := pacing.NewRealtime(pacing.DefaultRealtimeConfig())
		Expect(err).NotTo(HaveOccurred())

		s = MakeBuilder().WithSynchronizer(r).Build()
	})

	It("should not dispatch before the wall clock catches up", func() {
		start := time.Now()
		var elapsed time.Duration

		_, _ = s.Schedule(200*time.Millisecond, func() error {
			elapsed = time.Since(start)
			return nil
		})

		Expect(s.Run()).To(Succeed())
		Expect(elapsed).To(BeNumerically(">=", 200*time.Millisecond))
		Expect(elapsed).To(BeNumerically("<", 300*time.Millisecond))
	})

	It("should run an earlier event inserted from another goroutine", func() {
		var lock sync.Mutex
		var order []VTime
		var firstAt time.Duration

		start := time.Now()
		late, _ := s.Schedule(10*time.Second, func() error {
			lock.Lock()
			order = append(order, s.Now())
			lock.Unlock()
			return nil
		})

		go func() {
			defer GinkgoRecover()
			time.Sleep(50 * time.Millisecond)

			_, err := s.ScheduleAt(time.Second, func() error {
				lock.Lock()
				order = append(order, s.Now())
				firstAt = time.Since(start)
				lock.Unlock()

				s.Stop()
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
		}()

		Expect(s.Run()).To(Succeed())

		lock.Lock()
		defer lock.Unlock()
		Expect(order).To(Equal([]VTime{time.Second}))
		Expect(firstAt).To(BeNumerically(">=", time.Second))
		Expect(firstAt).To(BeNumerically("<", 2*time.Second))
		Expect(late.IsExpired()).To(BeFalse())
	})

	It("should stop a wait from another goroutine", func() {
		_, _ = s.Schedule(10*time.Second, func() error { return nil })

		go func() {
			time.Sleep(50 * time.Millisecond)
			s.Stop()
		}()

		start := time.Now()
		Expect(s.Run()).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
		Expect(s.EventCount()).To(Equal(uint64(0)))
	})

	It("should restart pacing after a pause", func() {
		done := make(chan struct{})
		var ranAt time.Time

		_, _ = s.Schedule(100*time.Millisecond, func() error {
			ranAt = time.Now()
			return nil
		})

		s.Pause()
		Expect(s.IsPaused()).To(BeTrue())

		go func() {
			defer close(done)
			_ = s.Run()
		}()

		time.Sleep(300 * time.Millisecond)
		Expect(s.EventCount()).To(Equal(uint64(0)))

		continuedAt := time.Now()
		s.Continue()

		Eventually(done, 2*time.Second).Should(BeClosed())
		Expect(ranAt.Sub(continuedAt)).To(
			BeNumerically(">=", 100*time.Millisecond))
	})
})
