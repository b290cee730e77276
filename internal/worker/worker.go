// Package worker schedules the relay passes on cron expressions.
package worker

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/spunwebtech/wayback-relay/internal/config"
	"github.com/spunwebtech/wayback-relay/internal/logger"
	"github.com/spunwebtech/wayback-relay/internal/relay"
)

// Worker runs the processing, retry and sweep passes on their configured
// schedules. Each pass also runs once immediately on start so a restart never
// waits a full schedule interval.
type Worker struct {
	service *relay.Service
	cron    *cron.Cron
	logger  logger.Logger
	cfg     config.QueueConfig

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

func New(service *relay.Service, cfg config.QueueConfig, log logger.Logger) *Worker {
	// Standard 5-field cron expressions (minute hour day month weekday).
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		service: service,
		cron:    c,
		logger:  log,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the scheduled passes and kicks off an immediate processing
// run.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if _, err := w.cron.AddFunc(w.cfg.ProcessSchedule, w.runProcess); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc(w.cfg.RetrySchedule, w.runRetry); err != nil {
		return err
	}
	if _, err := w.cron.AddFunc(w.cfg.SweepSchedule, w.runSweep); err != nil {
		return err
	}

	w.cron.Start()
	w.started = true

	w.logger.Info("Relay worker started",
		logger.String("process_schedule", w.cfg.ProcessSchedule),
		logger.String("retry_schedule", w.cfg.RetrySchedule),
		logger.String("sweep_schedule", w.cfg.SweepSchedule),
	)

	go w.runProcess()

	return nil
}

// Stop halts the schedules and waits for any in-flight pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	w.cancel()
	cronCtx := w.cron.Stop()
	<-cronCtx.Done()

	w.logger.Info("Relay worker stopped")
}

// IsRunning reports whether the worker schedules are active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *Worker) runProcess() {
	if w.ctx.Err() != nil {
		return
	}
	if _, err := w.service.ProcessQueue(w.ctx); err != nil {
		w.logger.Error("Processing pass failed", logger.Error(err))
	}
}

func (w *Worker) runRetry() {
	if w.ctx.Err() != nil {
		return
	}
	if _, err := w.service.RetryFailed(w.ctx); err != nil {
		w.logger.Error("Retry pass failed", logger.Error(err))
	}
}

func (w *Worker) runSweep() {
	if w.ctx.Err() != nil {
		return
	}
	if _, err := w.service.SweepStuck(w.ctx, 0, 0); err != nil {
		w.logger.Error("Sweep pass failed", logger.Error(err))
	}
}
