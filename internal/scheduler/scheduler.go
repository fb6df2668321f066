// Package scheduler drives the materialiser and due processor on
// cron-style cadences, with per-replica non-overlap and a startup
// recovery pass.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/oriys/chronicle/internal/logging"
	"github.com/robfig/cron/v3"
)

// Materialiser is the subset of materialiser.Materialiser the
// scheduler depends on.
type Materialiser interface {
	MaterialiseToday(ctx context.Context) error
}

// Processor is the subset of processor.Processor the scheduler depends
// on.
type Processor interface {
	ProcessDue(ctx context.Context) error
	RecoverMissed(ctx context.Context, limit int) error
}

// Config configures the scheduler's cron cadences.
type Config struct {
	MaterialiseCron string
	ProcessCron     string
	RecoveryLimit   int
}

// Scheduler drives the periodic materialise/process ticks. Ticks never
// overlap within a single Scheduler instance; across replicas,
// correctness comes from the store's lease, not from the scheduler.
type Scheduler struct {
	cron         *cron.Cron
	materialiser Materialiser
	processor    Processor
	cfg          Config

	materialising atomic.Bool
	processing    atomic.Bool

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(m Materialiser, p Processor, cfg Config) *Scheduler {
	return &Scheduler{
		cron:         cron.New(),
		materialiser: m,
		processor:    p,
		cfg:          cfg,
	}
}

// Start runs the startup recovery pass, then registers and starts the
// periodic cron tasks. It does not block.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.processor.RecoverMissed(ctx, s.cfg.RecoveryLimit); err != nil {
		logging.Op().Error("startup recovery pass failed", "error", err)
	}

	if _, err := s.cron.AddFunc(s.cfg.MaterialiseCron, func() { s.tick(&s.materialising, "materialise", s.materialiser.MaterialiseToday) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ProcessCron, func() { s.tick(&s.processing, "process", s.processor.ProcessDue) }); err != nil {
		return err
	}

	s.cron.Start()
	logging.Op().Info("scheduler started", "materialise_cron", s.cfg.MaterialiseCron, "process_cron", s.cfg.ProcessCron)
	return nil
}

// Stop stops scheduling new ticks and waits for any in-flight tick to
// return.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
}

// tick enforces per-replica non-overlap: if the previous invocation of
// this task is still running when the next one fires, the new one is
// skipped and logged.
func (s *Scheduler) tick(inFlight *atomic.Bool, name string, fn func(context.Context) error) {
	if !inFlight.CompareAndSwap(false, true) {
		logging.Op().Warn("tick skipped, previous invocation still running", "task", name)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer inFlight.Store(false)

	if err := fn(context.Background()); err != nil {
		logging.Op().Error("tick failed", "task", name, "error", err)
	}
}
