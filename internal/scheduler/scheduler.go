// Package scheduler запускает фоновые задачи сервиса по расписанию cron.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultTimeout ограничивает длительность одного запуска задачи.
const DefaultTimeout = 5 * time.Minute

// Jobs описывает периодические операции сервиса.
type Jobs interface {
	ExpireOrders(ctx context.Context) error
	SyncPayments(ctx context.Context) error
	ChargeRecurring(ctx context.Context) error
	SettlePreviousMonth(ctx context.Context) error
}

// Specs задаёт расписания задач. Пустое расписание отключает задачу.
type Specs struct {
	Expiry      string
	PaymentSync string
	Billing     string
	Settlement  string
}

// Scheduler запускает задачи по расписанию в часовом поясе UTC.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger
}

// New создаёт планировщик. Повторный запуск задачи пропускается, пока не завершился предыдущий.
func New(timeout time.Duration, logger *zap.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		timeout: timeout,
		logger:  logger,
	}
}

// Add регистрирует задачу name с расписанием spec.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	if spec == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		return fmt.Errorf("schedule %s job %q: %w", name, spec, err)
	}
	return nil
}

// Register регистрирует все периодические операции сервиса.
func (s *Scheduler) Register(jobs Jobs, specs Specs) error {
	entries := []struct {
		name string
		spec string
		fn   func(ctx context.Context) error
	}{
		{"order expiry", specs.Expiry, jobs.ExpireOrders},
		{"payment sync", specs.PaymentSync, jobs.SyncPayments},
		{"recurring billing", specs.Billing, jobs.ChargeRecurring},
		{"monthly settlement", specs.Settlement, jobs.SettlePreviousMonth},
	}
	for _, e := range entries {
		if err := s.Add(e.name, e.spec, e.fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	s.logger.Debug("job started", zap.String("job", name))
	if err := fn(ctx); err != nil {
		s.logger.Error("job failed", zap.String("job", name), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return
	}
	s.logger.Debug("job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
}

// Len возвращает число зарегистрированных задач.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start запускает планировщик в отдельной горутине.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", s.Len()))
}

// Stop останавливает планировщик и ждёт завершения выполняющихся задач или отмены ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}
