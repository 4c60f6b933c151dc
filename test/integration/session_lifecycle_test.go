//go:build integration

package integration

import (
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/infra"
	"github.com/eliteGoblin/focusd/session_engine/internal/usecase"
)

var _ = Describe("Session Engine", func() {
	var (
		dataDir string
		key     []byte
		clock   clockwork.FakeClock
		store   *infra.SessionStore
		engine  *usecase.Engine
	)

	newEngine := func() (*infra.SessionStore, *usecase.Engine) {
		s, err := infra.NewSessionStore(dataDir, key)
		Expect(err).NotTo(HaveOccurred())
		e := usecase.NewEngine(
			usecase.EngineConfig{SnapshotValidity: 2 * time.Second},
			s,
			s,
			infra.NewLogOverlay(zap.NewNop()),
			nopProber{},
			clock,
			zap.NewNop(),
		)
		Expect(e.Init()).To(Succeed())
		return s, e
	}

	epoch := func(t time.Time) *int64 {
		ms := t.UnixMilli()
		return &ms
	}

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		provider := infra.NewFileKeyProvider(dataDir)
		var err error
		key, err = infra.EnsureKey(provider)
		Expect(err).NotTo(HaveOccurred())

		clock = clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
		store, engine = newEngine()
	})

	AfterEach(func() {
		engine.Shutdown()
		store.Close()
	})

	Describe("foreground blocking", func() {
		BeforeEach(func() {
			Expect(engine.StartSession(domain.SessionConfig{
				ID:              "deep-work",
				BlockedPackages: []string{"com.game", "com.video"},
				Reason:          "stay on task",
			})).To(Succeed())
		})

		It("records an attempt and shows the block for a blocked app", func() {
			engine.OnForegroundChange("com.game", clock.Now())

			events := engine.RecentEvents()
			Expect(events).NotTo(BeEmpty())

			var attempt *domain.AppAttempt
			var shown *domain.BlockShown
			for _, ev := range events {
				switch e := ev.(type) {
				case domain.AppAttempt:
					attempt = &e
				case domain.BlockShown:
					shown = &e
				}
			}
			Expect(attempt).NotTo(BeNil())
			Expect(attempt.PackageName).To(Equal("com.game"))
			Expect(attempt.SessionID).To(Equal("deep-work"))
			Expect(shown).NotTo(BeNil())
			Expect(shown.SessionID).To(Equal("deep-work"))
		})

		It("dismisses the block when an allowed app comes forward", func() {
			engine.OnForegroundChange("com.game", clock.Now())
			engine.OnForegroundChange("com.editor", clock.Now())

			var dismissed bool
			for _, ev := range engine.RecentEvents() {
				if _, ok := ev.(domain.BlockDismissed); ok {
					dismissed = true
				}
			}
			Expect(dismissed).To(BeTrue())
		})

		It("keeps the block up when the session set still covers the app", func() {
			engine.OnForegroundChange("com.game", clock.Now())
			Expect(engine.StartSession(domain.SessionConfig{
				ID:              "second",
				BlockedPackages: []string{"com.game"},
			})).To(Succeed())
			engine.StopSession("second")

			states := engine.ListActiveSessions()
			Expect(states).To(HaveLen(1))
			Expect(states[0].ID).To(Equal("deep-work"))
		})
	})

	Describe("durable persistence", func() {
		It("rehydrates the session set in a fresh process", func() {
			Expect(engine.StartSession(domain.SessionConfig{
				ID:              "unbounded",
				BlockedPackages: []string{"com.game"},
			})).To(Succeed())
			Expect(engine.StartSession(domain.SessionConfig{
				ID:       "scheduled",
				StartsAt: epoch(clock.Now().Add(time.Hour)),
				EndsAt:   epoch(clock.Now().Add(2 * time.Hour)),
			})).To(Succeed())

			engine.Shutdown()
			Expect(store.Close()).To(Succeed())

			store, engine = newEngine()
			Expect(engine.ListSessions()).To(HaveLen(2))

			active := engine.ListActiveSessions()
			Expect(active).To(HaveLen(1))
			Expect(active[0].ID).To(Equal("unbounded"))
		})

		It("drops sessions that lapsed while the process was down", func() {
			Expect(engine.StartSession(domain.SessionConfig{
				ID:     "short",
				EndsAt: epoch(clock.Now().Add(time.Minute)),
			})).To(Succeed())
			Expect(engine.StartSession(domain.SessionConfig{
				ID: "unbounded",
			})).To(Succeed())

			engine.Shutdown()
			Expect(store.Close()).To(Succeed())

			clock.Advance(time.Hour)
			store, engine = newEngine()

			Expect(engine.ListSessions()).To(HaveLen(1))
			_, ok := engine.GetSession("short")
			Expect(ok).To(BeFalse())

			// The purge is written back, not just filtered in memory
			persisted, err := store.LoadSessions()
			Expect(err).NotTo(HaveOccurred())
			Expect(persisted).To(HaveLen(1))
			Expect(persisted[0].ID).To(Equal("unbounded"))
		})
	})

	Describe("deferred expiry", func() {
		It("retires a session the instant its window lapses", func() {
			Expect(engine.StartSession(domain.SessionConfig{
				ID:              "timed",
				BlockedPackages: []string{"com.game"},
				EndsAt:          epoch(clock.Now().Add(time.Minute)),
			})).To(Succeed())
			engine.OnForegroundChange("com.game", clock.Now())

			clock.Advance(time.Minute + 2*time.Millisecond)

			Eventually(func() bool {
				_, ok := engine.GetSession("timed")
				return ok
			}, 2*time.Second, 10*time.Millisecond).Should(BeFalse())

			Eventually(func() int {
				persisted, err := store.LoadSessions()
				Expect(err).NotTo(HaveOccurred())
				return len(persisted)
			}, 2*time.Second, 10*time.Millisecond).Should(BeZero())
		})
	})

	Describe("reload", func() {
		It("picks up an externally written session set", func() {
			external, err := infra.NewSessionStore(dataDir, key)
			Expect(err).NotTo(HaveOccurred())
			defer external.Close()

			Expect(external.SaveSessions([]domain.SessionConfig{
				{ID: "from-cli", BlockedPackages: []string{"com.game"}},
			})).To(Succeed())

			Expect(engine.Reload()).To(Succeed())
			_, ok := engine.GetSession("from-cli")
			Expect(ok).To(BeTrue())
		})
	})
})

type nopProber struct{}

func (nopProber) Status() domain.PermissionsStatus              { return domain.PermissionsStatus{} }
func (nopProber) OpenSettings(kind domain.PermissionKind) error { return nil }
