package reconnect_test

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/backtesting-org/realtime-reconnect/pkg/metrics"
	"github.com/backtesting-org/realtime-reconnect/pkg/netmon"
	"github.com/backtesting-org/realtime-reconnect/pkg/reconnect"
)

// recorder captures manager callback invocations. The mock clock makes every
// callback synchronous, so plain assertions suffice.
type recorder struct {
	mu          sync.Mutex
	clk         *clock.Mock
	disconnects int
	rebuilds    int
	attempts    []int
	attemptAt   []time.Time
}

func newRecorder(clk *clock.Mock) *recorder {
	return &recorder{clk: clk}
}

func (r *recorder) configure(cfg *reconnect.Config) {
	cfg.OnReconnect = func() {
		r.mu.Lock()
		r.rebuilds++
		r.mu.Unlock()
	}
	cfg.OnDisconnect = func() {
		r.mu.Lock()
		r.disconnects++
		r.mu.Unlock()
	}
	cfg.OnReconnecting = func(attempt int) {
		r.mu.Lock()
		r.attempts = append(r.attempts, attempt)
		r.attemptAt = append(r.attemptAt, r.clk.Now())
		r.mu.Unlock()
	}
}

func (r *recorder) Attempts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts...)
}

func (r *recorder) Disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnects
}

func (r *recorder) Rebuilds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuilds
}

// Gaps returns the intervals between consecutive attempts, i.e. the backoff
// delays that were actually scheduled.
func (r *recorder) Gaps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	gaps := make([]time.Duration, 0, len(r.attemptAt))
	for i := 1; i < len(r.attemptAt); i++ {
		gaps = append(gaps, r.attemptAt[i].Sub(r.attemptAt[i-1]))
	}
	return gaps
}

var _ = Describe("Manager", func() {
	var (
		mock    *clock.Mock
		rec     *recorder
		monitor *netmon.Manual
		mgr     *reconnect.Manager
	)

	build := func(mutate func(*reconnect.Config)) {
		cfg := reconnect.DefaultConfig()
		cfg.Clock = mock
		cfg.Monitor = monitor
		cfg.InitialDelay = time.Second
		cfg.MaxDelay = 8 * time.Second
		cfg.BackoffMultiplier = 2
		cfg.DisableHeartbeat = true
		rec.configure(&cfg)
		if mutate != nil {
			mutate(&cfg)
		}

		var err error
		mgr, err = reconnect.NewManager(cfg)
		Expect(err).ToNot(HaveOccurred())
	}

	BeforeEach(func() {
		mock = clock.NewMock()
		rec = newRecorder(mock)
		monitor = netmon.NewManual(true)
		mgr = nil
	})

	AfterEach(func() {
		if mgr != nil {
			mgr.Dispose()
		}
	})

	Describe("Construction", func() {
		It("rejects a missing OnReconnect callback", func() {
			cfg := reconnect.DefaultConfig()
			_, err := reconnect.NewManager(cfg)
			Expect(err).To(MatchError(ContainSubstring("OnReconnect")))
		})

		It("rejects a max delay below the initial delay", func() {
			cfg := reconnect.DefaultConfig()
			cfg.OnReconnect = func() {}
			cfg.InitialDelay = time.Minute
			cfg.MaxDelay = time.Second
			_, err := reconnect.NewManager(cfg)
			Expect(err).To(HaveOccurred())
		})

		It("starts disconnected and idle", func() {
			build(nil)
			Expect(mgr.State()).To(Equal(reconnect.StateDisconnected))
			Expect(mgr.Status()).To(Equal(reconnect.StatusUnset))
			Expect(mgr.IsReconnecting()).To(BeFalse())
			Expect(mgr.AttemptCount()).To(BeZero())
		})

		It("adopts the monitor's current online state", func() {
			monitor.SetOnline(false)
			build(nil)
			Expect(mgr.IsOnline()).To(BeFalse())
		})
	})

	Describe("Failure handling", func() {
		BeforeEach(func() { build(nil) })

		It("starts the retry loop on the first failure", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)

			Expect(mgr.IsReconnecting()).To(BeTrue())
			Expect(mgr.State()).To(Equal(reconnect.StateReconnecting))
			Expect(rec.Attempts()).To(Equal([]int{1}))
			Expect(rec.Rebuilds()).To(Equal(1))
			Expect(rec.Disconnects()).To(Equal(1))
		})

		It("notifies disconnect at most once per episode", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mgr.HandleStatusChange(reconnect.StatusChannelError)
			mgr.HandleStatusChange(reconnect.StatusTimedOut)

			Expect(rec.Disconnects()).To(Equal(1))
		})

		It("does not start a second retry timer while one is pending", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mgr.HandleStatusChange(reconnect.StatusSubscriptionError)
			Expect(rec.Attempts()).To(Equal([]int{1}))

			mock.Add(999 * time.Millisecond)
			Expect(rec.Attempts()).To(Equal([]int{1}))

			mock.Add(time.Millisecond)
			Expect(rec.Attempts()).To(Equal([]int{1, 2}))
		})

		It("ignores the unset status", func() {
			mgr.HandleStatusChange(reconnect.StatusUnset)
			Expect(mgr.IsReconnecting()).To(BeFalse())
			Expect(rec.Attempts()).To(BeEmpty())
		})
	})

	Describe("Backoff growth", func() {
		BeforeEach(func() { build(nil) })

		It("doubles the delay up to the ceiling and stays there", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)

			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			mock.Add(4 * time.Second)
			mock.Add(8 * time.Second)
			mock.Add(8 * time.Second)

			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 4, 5, 6}))
			Expect(rec.Gaps()).To(Equal([]time.Duration{
				1 * time.Second,
				2 * time.Second,
				4 * time.Second,
				8 * time.Second,
				8 * time.Second,
			}))
		})
	})

	Describe("Reset on success", func() {
		BeforeEach(func() { build(nil) })

		It("clears the attempt counter and backoff delay on subscribe", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			Expect(mgr.AttemptCount()).To(Equal(3))

			mgr.HandleStatusChange(reconnect.StatusSubscribed)

			Expect(mgr.AttemptCount()).To(BeZero())
			Expect(mgr.IsReconnecting()).To(BeFalse())
			Expect(mgr.State()).To(Equal(reconnect.StateConnected))

			// A fresh episode restarts numbering and backoff from the top.
			mgr.HandleStatusChange(reconnect.StatusChannelError)
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 1}))
			Expect(rec.Disconnects()).To(Equal(2))

			mock.Add(time.Second)
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 1, 2}))
		})

		It("cancels a pending retry when subscribe arrives early", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mgr.HandleStatusChange(reconnect.StatusSubscribed)

			mock.Add(time.Minute)
			Expect(rec.Attempts()).To(Equal([]int{1}))
		})
	})

	Describe("Network transitions", func() {
		BeforeEach(func() { build(nil) })

		It("pauses the loop while offline without spending attempts", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			Expect(mgr.AttemptCount()).To(Equal(3))

			monitor.SetOnline(false)
			Expect(mgr.IsOnline()).To(BeFalse())
			Expect(mgr.IsReconnecting()).To(BeTrue())

			mock.Add(5 * time.Minute)
			Expect(mgr.AttemptCount()).To(Equal(3))
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3}))
		})

		It("resumes immediately when back online, bypassing the backoff", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			monitor.SetOnline(false)
			mock.Add(5 * time.Minute)

			monitor.SetOnline(true)

			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 4}))
			Expect(mgr.IsReconnecting()).To(BeTrue())
		})

		It("does not notify disconnect again when offline interrupts an episode", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			monitor.SetOnline(false)
			Expect(rec.Disconnects()).To(Equal(1))
		})

		It("notifies disconnect when offline cuts a healthy connection", func() {
			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			monitor.SetOnline(false)
			Expect(rec.Disconnects()).To(Equal(1))
		})

		It("keeps a failure episode alive while offline", func() {
			monitor.SetOnline(false)
			mgr.HandleStatusChange(reconnect.StatusClosed)

			// Loop engaged but paused: no attempts yet.
			Expect(mgr.IsReconnecting()).To(BeTrue())
			Expect(rec.Attempts()).To(BeEmpty())

			monitor.SetOnline(true)
			Expect(rec.Attempts()).To(Equal([]int{1}))
		})
	})

	Describe("Heartbeat", func() {
		BeforeEach(func() {
			build(func(cfg *reconnect.Config) {
				cfg.DisableHeartbeat = false
				cfg.HeartbeatInterval = 30 * time.Second
				cfg.InitialDelay = 5 * time.Second
				cfg.MaxDelay = 30 * time.Second
			})
		})

		It("synthesizes a timeout for a silently dead connection", func() {
			mgr.HandleStatusChange(reconnect.StatusSubscribed)

			mock.Add(30 * time.Second)
			Expect(rec.Attempts()).To(BeEmpty())

			// Scenario: subscribed at t=0, nothing since; by t=61s the stale
			// connection must have been detected and attempt #1 made.
			mock.Add(31 * time.Second)
			Expect(mgr.Status()).To(Equal(reconnect.StatusTimedOut))
			Expect(rec.Attempts()).To(Equal([]int{1}))
			Expect(rec.Disconnects()).To(Equal(1))
		})

		It("does not fire while the connection stays fresh", func() {
			mgr.HandleStatusChange(reconnect.StatusSubscribed)

			mock.Add(30 * time.Second)
			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			mock.Add(30 * time.Second)

			// Last success was 30s ago, under the 60s threshold.
			Expect(rec.Attempts()).To(BeEmpty())
			Expect(mgr.State()).To(Equal(reconnect.StateConnected))
		})

		It("stops once the manager leaves the connected state", func() {
			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			mgr.HandleStatusChange(reconnect.StatusClosed)
			Expect(rec.Attempts()).To(Equal([]int{1}))

			// Only the retry loop ticks from here on; the heartbeat must not
			// pile extra timeout events on top.
			mock.Add(5 * time.Minute)
			Expect(rec.Disconnects()).To(Equal(1))
			Expect(mgr.Status()).To(Equal(reconnect.StatusClosed))
		})

		It("does not run when disabled", func() {
			mgr.Dispose()
			build(func(cfg *reconnect.Config) {
				cfg.DisableHeartbeat = true
				cfg.HeartbeatInterval = 30 * time.Second
			})

			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			mock.Add(10 * time.Minute)
			Expect(rec.Attempts()).To(BeEmpty())
		})

		It("runs by default for a bare config literal", func() {
			mgr.Dispose()

			cfg := reconnect.Config{Clock: mock, Monitor: monitor}
			rec = newRecorder(mock)
			rec.configure(&cfg)

			var err error
			mgr, err = reconnect.NewManager(cfg)
			Expect(err).ToNot(HaveOccurred())

			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			mock.Add(30 * time.Second)
			Expect(rec.Attempts()).To(BeEmpty())

			mock.Add(30 * time.Second)
			Expect(mgr.Status()).To(Equal(reconnect.StatusTimedOut))
			Expect(rec.Attempts()).To(Equal([]int{1}))
		})

		It("does not re-arm after disposal, even right after a fresh check", func() {
			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			mock.Add(30 * time.Second)

			mgr.Dispose()

			mock.Add(10 * time.Minute)
			Expect(rec.Attempts()).To(BeEmpty())
			Expect(rec.Disconnects()).To(BeZero())
		})
	})

	Describe("ForceReconnect", func() {
		BeforeEach(func() { build(nil) })

		It("resets the counter and backoff and attempts immediately", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3}))

			mgr.ForceReconnect()
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 1}))

			// Backoff restarts from the initial delay.
			mock.Add(time.Second)
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 1, 2}))
		})
	})

	Describe("Exhaustion", func() {
		var stats metrics.Metrics

		BeforeEach(func() {
			stats = metrics.NewMetrics()
			build(func(cfg *reconnect.Config) {
				cfg.MaxAttempts = 3
				cfg.Metrics = stats
			})
		})

		It("halts the loop after max attempts", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			mock.Add(4 * time.Second)

			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3}))
			Expect(mgr.IsReconnecting()).To(BeFalse())
			Expect(mgr.AttemptCount()).To(Equal(3))
			Expect(stats.GetStats()["exhaustions"]).To(Equal(int64(1)))

			mock.Add(time.Hour)
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3}))
		})

		It("is revived by ForceReconnect", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			mock.Add(4 * time.Second)
			Expect(mgr.IsReconnecting()).To(BeFalse())

			mgr.ForceReconnect()
			Expect(mgr.IsReconnecting()).To(BeTrue())
			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 1}))
		})

		It("counts attempts and disconnects", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			mock.Add(1 * time.Second)

			snapshot := stats.GetStats()
			Expect(snapshot["reconnect_attempts"]).To(Equal(int64(2)))
			Expect(snapshot["disconnects"]).To(Equal(int64(1)))
		})
	})

	Describe("Disposal", func() {
		BeforeEach(func() { build(nil) })

		It("cancels the pending retry and detaches the monitor listener", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)
			Expect(monitor.ListenerCount()).To(Equal(1))

			mgr.Dispose()

			Expect(monitor.ListenerCount()).To(BeZero())
			Expect(mgr.IsReconnecting()).To(BeFalse())

			mock.Add(time.Hour)
			Expect(rec.Attempts()).To(Equal([]int{1}))
		})

		It("cancels the heartbeat of a connected manager", func() {
			mgr.Dispose()
			build(func(cfg *reconnect.Config) {
				cfg.DisableHeartbeat = false
				cfg.HeartbeatInterval = 30 * time.Second
			})

			mgr.HandleStatusChange(reconnect.StatusSubscribed)
			mgr.Dispose()

			mock.Add(time.Hour)
			Expect(rec.Attempts()).To(BeEmpty())
			Expect(rec.Disconnects()).To(BeZero())
		})

		It("ignores all calls after disposal", func() {
			mgr.Dispose()

			mgr.HandleStatusChange(reconnect.StatusClosed)
			mgr.ForceReconnect()
			monitor.SetOnline(false)

			Expect(rec.Attempts()).To(BeEmpty())
			Expect(rec.Disconnects()).To(BeZero())
		})

		It("is idempotent", func() {
			mgr.Dispose()
			mgr.Dispose()
		})
	})

	Describe("Event bursts", func() {
		BeforeEach(func() { build(nil) })

		It("handles repeated close events with exact delays and attempt numbers", func() {
			for i := 0; i < 4; i++ {
				mgr.HandleStatusChange(reconnect.StatusClosed)
			}
			Expect(rec.Attempts()).To(Equal([]int{1}))
			Expect(rec.Disconnects()).To(Equal(1))

			mock.Add(1 * time.Second)
			mock.Add(2 * time.Second)
			mock.Add(4 * time.Second)

			Expect(rec.Attempts()).To(Equal([]int{1, 2, 3, 4}))
			Expect(rec.Gaps()).To(Equal([]time.Duration{
				1 * time.Second,
				2 * time.Second,
				4 * time.Second,
			}))
		})
	})

	Describe("Callback safety", func() {
		It("survives a panicking callback", func() {
			cfg := reconnect.DefaultConfig()
			cfg.Clock = mock
			cfg.DisableHeartbeat = true
			cfg.InitialDelay = time.Second
			cfg.OnReconnect = func() { panic("boom") }

			var err error
			mgr, err = reconnect.NewManager(cfg)
			Expect(err).ToNot(HaveOccurred())

			Expect(func() {
				mgr.HandleStatusChange(reconnect.StatusClosed)
			}).ToNot(Panic())
			Expect(mgr.IsReconnecting()).To(BeTrue())
		})
	})

	Describe("Stats", func() {
		BeforeEach(func() { build(nil) })

		It("snapshots the manager state", func() {
			mgr.HandleStatusChange(reconnect.StatusClosed)

			stats := mgr.Stats()
			Expect(stats["state"]).To(Equal("reconnecting"))
			Expect(stats["status"]).To(Equal("closed"))
			Expect(stats["attempt_count"]).To(Equal(1))
			Expect(stats["is_reconnecting"]).To(BeTrue())
			Expect(stats["is_online"]).To(BeTrue())
		})
	})
})
