package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StaleReconciler pulls gateway state for payments stuck in pending
type StaleReconciler interface {
	ReconcileStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error)
}

// SchedulerConfig configures the reconcile sweep
type SchedulerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// Scheduler управляет фоновыми задачами
type Scheduler struct {
	reconciler StaleReconciler
	cfg        SchedulerConfig
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewScheduler создаёт новый планировщик
func NewScheduler(reconciler StaleReconciler, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start запускает фоновые задачи. Нулевой интервал отключает сверку.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.logger.Info("Reconcile sweep disabled")
		return
	}

	s.logger.Info("Starting background scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("stale_after", s.cfg.StaleAfter))

	s.wg.Add(1)
	go s.runReconcileTask(ctx)
}

// Stop останавливает фоновые задачи и ждёт их завершения
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping background scheduler")
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Scheduler) runReconcileTask(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopChan:
			s.logger.Info("Reconcile task stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Reconcile task cancelled")
			return
		}
	}
}

// RunOnce делает один проход по зависшим платежам
func (s *Scheduler) RunOnce(ctx context.Context) {
	applied, err := s.reconciler.ReconcileStale(ctx, s.cfg.StaleAfter, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Reconcile sweep failed", zap.Int("applied", applied), zap.Error(err))
		return
	}

	if applied > 0 {
		s.logger.Info("Reconcile sweep applied gateway state", zap.Int("applied", applied))
	}
}
