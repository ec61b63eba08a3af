// Package schedule runs maintenance jobs on cron specs. A job never overlaps
// with itself; a tick that finds the previous run still going is skipped.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job     Job
	spec    string
	running atomic.Bool
}

type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	ctx     context.Context
}

func New() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
}

// Add schedules job on spec. An empty spec leaves the job registered for
// RunNow only.
func (s *Scheduler) Add(job Job, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := job.Name()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	e := &entry{job: job, spec: spec}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.tick(e) }); err != nil {
			return fmt.Errorf("schedule job %s: %w", name, err)
		}
	}
	s.entries[name] = e
	logutil.GetLogger(context.Background()).Info("job registered",
		zap.String("job", name), zap.String("spec", spec))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow runs a registered job synchronously, honoring the overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %s is already running", name)
	}
	defer e.running.Store(false)
	return s.run(ctx, e)
}

func (s *Scheduler) tick(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if !e.running.CompareAndSwap(false, true) {
		logutil.GetLogger(ctx).Info("job skipped, previous run still active",
			zap.String("job", e.job.Name()))
		return
	}
	defer e.running.Store(false)
	_ = s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	logger := logutil.GetLogger(ctx).With(zap.String("job", e.job.Name()), zap.String("spec", e.spec))
	start := time.Now()
	err := e.job.Run(ctx)
	if err != nil {
		logger.Error("job failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return err
	}
	logger.Info("job finished", zap.Duration("duration", time.Since(start)))
	return nil
}
