// Package cron implements Cron Autonomics: the fixed-cadence
// heartbeat, goal-check, scraper, reflection, and daily maintenance
// timers that tick on the same cooperative executor as Circulation.
package cron

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lmtlss/soulmemory/internal/archive"
	"github.com/lmtlss/soulmemory/internal/compiler"
	"github.com/lmtlss/soulmemory/internal/config"
	"github.com/lmtlss/soulmemory/internal/identity"
	"github.com/lmtlss/soulmemory/internal/lattice"
	"github.com/lmtlss/soulmemory/internal/proposal"
	"github.com/lmtlss/soulmemory/internal/weight"
)

// GoalCheckFunc is the external orchestrator callback invoked every
// goal-check tick. It receives no arguments beyond ctx: the
// orchestrator is responsible for deciding what a "goal check" means.
type GoalCheckFunc func(ctx context.Context) error

// ScraperFunc is the external callback invoked every scraper tick. Its
// returned payload, if non-nil, is appended as a system_event.
type ScraperFunc func(ctx context.Context) (json.RawMessage, error)

// ReflectionFunc is the external callback invoked every reflection tick.
// Its returned text is scanned for <lattice_update> blocks exactly like
// a Circulation model reply; the first parsed proposal is compiled.
type ReflectionFunc func(ctx context.Context) (string, error)

// Scheduler drives the five autonomics cadences on independent
// tickers, each serialized against Circulation via Lock and guarded
// against overlapping invocations of itself.
type Scheduler struct {
	Archive *archive.Store
	Lattice *lattice.Store
	Config  config.Cron
	Decay   config.Decay
	AgentID string

	CapsuleMaxChars int
	CapsulePath     string

	GoalCheck   GoalCheckFunc
	ScraperTick ScraperFunc
	Reflection  ReflectionFunc

	// Lock, when non-nil, is held for the duration of each job
	// invocation and shared with a circulation.Core so cron ticks never
	// interleave with a Circulation cycle.
	Lock *sync.Mutex

	// Now, when non-nil, substitutes for time.Now so tests can drive
	// the maintenance clock deterministically.
	Now func() time.Time

	// ConfigPath, when non-empty, is watched for edits via
	// config.Watch: changed decay constants and a changed maintenance
	// clock are picked up without a process restart. The heartbeat,
	// goal-check, scraper and reflection intervals are fixed when Run
	// starts, and CapsuleMaxChars is not reloaded.
	ConfigPath string

	configMu sync.RWMutex

	heartbeatRunning  atomic.Bool
	goalCheckRunning  atomic.Bool
	scraperRunning    atomic.Bool
	reflectionRunning atomic.Bool
	maintRunning      atomic.Bool

	lastMaintenance atomic.Value // time.Time

	testGuardsMu sync.Mutex
	testGuards   map[string]*atomic.Bool
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) withLock(fn func() error) error {
	if s.Lock != nil {
		s.Lock.Lock()
		defer s.Lock.Unlock()
	}
	return fn()
}

// watchConfig starts a config.Watch on s.ConfigPath, if set, so a config
// file edit updates the Config and Decay values that later maintenance
// runs read.
// Failures are logged, not fatal: an unwatchable config file just means
// the scheduler runs with its already-resolved values, same as a
// process that never had one.
func (s *Scheduler) watchConfig() *config.Watcher {
	if s.ConfigPath == "" {
		return nil
	}
	w, err := config.Watch(s.ConfigPath, func(cfg config.Config, err error) {
		if err != nil {
			log.Printf("[cron] config watch: %v", err)
			return
		}
		s.configMu.Lock()
		s.Config = cfg.Cron
		s.Decay = cfg.Decay
		s.configMu.Unlock()
		log.Printf("[cron] config reloaded from %s", s.ConfigPath)
	})
	if err != nil {
		log.Printf("[cron] could not watch %s: %v", s.ConfigPath, err)
		return nil
	}
	return w
}

func (s *Scheduler) snapshotConfig() (config.Cron, config.Decay) {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.Config, s.Decay
}

// Run drives all five cadences until ctx is cancelled. It blocks; callers
// run it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	if w := s.watchConfig(); w != nil {
		defer func() { _ = w.Stop() }()
	}

	cfg, _ := s.snapshotConfig()
	if cfg.HeartbeatMinutes <= 0 {
		cfg.HeartbeatMinutes = 5
	}
	if cfg.GoalCheckMinutes <= 0 {
		cfg.GoalCheckMinutes = 10
	}
	if cfg.ScraperMinutes <= 0 {
		cfg.ScraperMinutes = 15
	}
	if cfg.ReflectionMinutes <= 0 {
		cfg.ReflectionMinutes = 30
	}

	// errgroup fans the five cadences out onto the same cooperative
	// executor and propagates ctx cancellation to every ticker loop in
	// one place.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.runTicker(gctx, time.Duration(cfg.HeartbeatMinutes)*time.Minute, &s.heartbeatRunning, "heartbeat", s.tickHeartbeat)
		return nil
	})
	g.Go(func() error {
		s.runTicker(gctx, time.Duration(cfg.GoalCheckMinutes)*time.Minute, &s.goalCheckRunning, "goal_check", s.tickGoalCheck)
		return nil
	})
	g.Go(func() error {
		s.runTicker(gctx, time.Duration(cfg.ScraperMinutes)*time.Minute, &s.scraperRunning, "scraper", s.tickScraper)
		return nil
	})
	g.Go(func() error {
		s.runTicker(gctx, time.Duration(cfg.ReflectionMinutes)*time.Minute, &s.reflectionRunning, "reflection", s.tickReflection)
		return nil
	})
	g.Go(func() error {
		s.runMaintenance(gctx)
		return nil
	})
	_ = g.Wait()
}

// runTicker fires fn every interval until ctx is cancelled, skipping a
// tick entirely (not queueing it) when the previous invocation of the
// same job has not yet returned, so two ticks of one job never
// overlap.
func (s *Scheduler) runTicker(ctx context.Context, interval time.Duration, running *atomic.Bool, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.guardedTick(ctx, running, name, fn)
		}
	}
}

func (s *Scheduler) guardedTick(ctx context.Context, running *atomic.Bool, name string, fn func(context.Context) error) {
	if !running.CompareAndSwap(false, true) {
		log.Printf("[cron] %s: previous tick still running, skipping", name)
		return
	}
	go func() {
		defer running.Store(false)
		if err := fn(ctx); err != nil {
			log.Printf("[cron] %s: %v", name, err)
		}
	}()
}

// tickHeartbeat appends a heartbeat event.
func (s *Scheduler) tickHeartbeat(ctx context.Context) error {
	return s.withLock(func() error {
		now := s.now()
		sessionKey := identity.NewSessionKey(s.AgentID, now)
		_, err := s.Archive.AppendEvent(ctx, nil, now, sessionKey, archive.TypeHeartbeat, s.AgentID, nil, nil, nil, json.RawMessage(`{}`))
		return err
	})
}

// tickGoalCheck hands the tick to the external orchestrator callback.
func (s *Scheduler) tickGoalCheck(ctx context.Context) error {
	if s.GoalCheck == nil {
		return nil
	}
	return s.withLock(func() error {
		return s.GoalCheck(ctx)
	})
}

// tickScraper hands the tick to the external callback and records its
// result as a system_event, if any.
func (s *Scheduler) tickScraper(ctx context.Context) error {
	if s.ScraperTick == nil {
		return nil
	}
	payload, err := s.ScraperTick(ctx)
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return s.withLock(func() error {
		now := s.now()
		sessionKey := identity.NewSessionKey(s.AgentID, now)
		_, err := s.Archive.AppendEvent(ctx, nil, now, sessionKey, archive.TypeSystemEvent, s.AgentID, nil, nil, nil, payload)
		return err
	})
}

// tickReflection hands the tick to the external callback and compiles
// any proposal the reply carries.
func (s *Scheduler) tickReflection(ctx context.Context) error {
	if s.Reflection == nil {
		return nil
	}
	reply, err := s.Reflection(ctx)
	if err != nil {
		return err
	}
	p, ok := proposal.ParseFirst(reply)
	if !ok {
		return nil
	}
	return s.withLock(func() error {
		_, err := compiler.Compile(ctx, s.Lattice, p, s.AgentID)
		return err
	})
}

// runMaintenance fires once at the configured daily UTC clock, applying
// global decay, optimizing both stores, and regenerating the Capsule
//. It recomputes the next firing instant after each run so
// a missed wakeup (process restart, clock skew) still fires at the next
// occurrence rather than drifting.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	for {
		cronCfg, _ := s.snapshotConfig()
		next := cronCfg.NextMaintenance(s.now())
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.guardedTick(ctx, &s.maintRunning, "maintenance", s.tickMaintenance)
		}
	}
}

// RunHeartbeatOnce runs the heartbeat job a single time, bypassing its
// ticker — used by tests driving a single tick deterministically.
func (s *Scheduler) RunHeartbeatOnce(ctx context.Context) error { return s.tickHeartbeat(ctx) }

// RunGoalCheckOnce runs the goal-check job a single time.
func (s *Scheduler) RunGoalCheckOnce(ctx context.Context) error { return s.tickGoalCheck(ctx) }

// RunScraperOnce runs the scraper job a single time.
func (s *Scheduler) RunScraperOnce(ctx context.Context) error { return s.tickScraper(ctx) }

// RunReflectionOnce runs the reflection job a single time.
func (s *Scheduler) RunReflectionOnce(ctx context.Context) error { return s.tickReflection(ctx) }

// RunMaintenanceOnce runs the maintenance job a single time, bypassing
// its daily timer.
func (s *Scheduler) RunMaintenanceOnce(ctx context.Context) error { return s.tickMaintenance(ctx) }

// GuardedTickForTest exercises the re-entrancy guard directly against an
// arbitrary job function, for tests that need to observe skip-while-
// running behavior without waiting on a real ticker interval.
func (s *Scheduler) GuardedTickForTest(name string, fn func(context.Context) error) {
	var guard atomic.Bool
	s.testGuardsMu.Lock()
	if s.testGuards == nil {
		s.testGuards = map[string]*atomic.Bool{}
	}
	g, ok := s.testGuards[name]
	if !ok {
		g = &guard
		s.testGuards[name] = g
	}
	s.testGuardsMu.Unlock()
	s.guardedTick(context.Background(), g, name, fn)
}

func (s *Scheduler) tickMaintenance(ctx context.Context) error {
	return s.withLock(func() error {
		now := s.now()
		dtHours := 24.0
		if last, ok := s.lastMaintenance.Load().(time.Time); ok {
			dtHours = now.Sub(last).Hours()
		}
		s.lastMaintenance.Store(now)

		_, decayCfg := s.snapshotConfig()
		lambdaSalience, lambdaArousal := decayCfg.LambdaSalience, decayCfg.LambdaArousal
		if lambdaSalience == 0 && lambdaArousal == 0 {
			lambdaSalience, lambdaArousal = weight.DefaultLambdaSalience, weight.DefaultLambdaArousal
		}
		if _, err := s.Lattice.DecayAll(ctx, dtHours, lambdaSalience, lambdaArousal); err != nil {
			return err
		}
		if _, err := s.Lattice.PromoteEligible(ctx); err != nil {
			return err
		}
		if err := s.Archive.Optimize(ctx); err != nil {
			return err
		}
		if err := s.Lattice.Optimize(ctx); err != nil {
			return err
		}
		if _, err := compiler.RegenerateCapsule(ctx, s.Lattice, s.CapsuleMaxChars, s.CapsulePath); err != nil {
			return err
		}
		return nil
	})
}
