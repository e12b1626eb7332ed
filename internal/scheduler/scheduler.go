package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultTimeout = 2 * time.Minute

// Job is one unit of scheduled work. It must honor ctx cancellation.
type Job func(ctx context.Context) error

type JobConfig struct {
	Name string
	// Schedule is a standard five-field cron spec or a descriptor such as
	// "@every 1m".
	Schedule string
	Timeout  time.Duration
}

// Scheduler runs jobs on cron schedules. A run still in progress when the
// next tick fires causes that tick to be skipped, and panics are recovered
// and logged.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	names  map[string]cron.EntryID
}

func New(logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// Recover must sit inside SkipIfStillRunning: the skip wrapper only
		// hands its token back when the wrapped job returns normally.
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		names:  map[string]cron.EntryID{},
	}
}

func (s *Scheduler) AddJob(cfg JobConfig, job Job) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if job == nil {
		return fmt.Errorf("job %q has no function", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[cfg.Name]; exists {
		return fmt.Errorf("job %q already exists", cfg.Name)
	}
	id, err := s.cron.AddFunc(cfg.Schedule, func() { s.execute(cfg, job) })
	if err != nil {
		return fmt.Errorf("job %q: parse schedule %q: %w", cfg.Name, cfg.Schedule, err)
	}
	s.names[cfg.Name] = id
	return nil
}

func (s *Scheduler) execute(cfg JobConfig, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, cfg.Timeout)
	defer cancel()

	started := time.Now()
	err := job(ctx)
	log := s.logger.With(zap.String("job", cfg.Name), zap.Duration("duration", time.Since(started)))
	if err != nil {
		log.Error("job failed", zap.Error(err))
		return
	}
	log.Debug("job finished")
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return, or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
