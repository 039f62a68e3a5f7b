// Package events доставляет доменные события после фиксации транзакции.
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// Dispatcher отправляет события во внешние системы.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []model.Event) error
}

// LogDispatcher пишет события в журнал.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher создаёт диспетчер, пишущий события в logger.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, events []model.Event) error {
	for _, e := range events {
		fields := make([]zap.Field, 0, len(e.Attrs)+3)
		fields = append(fields,
			zap.String("event", string(e.Name)),
			zap.String("aggregate", e.AggregateID),
			zap.Time("occurredAt", e.OccurredAt),
		)
		for k, v := range e.Attrs {
			fields = append(fields, zap.String(k, v))
		}
		d.logger.Info("domain event", fields...)
	}
	return nil
}

// Multi отправляет события во все диспетчеры и объединяет их ошибки.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit отправляет события и логирует ошибку доставки. Операция к этому моменту
// уже зафиксирована, поэтому ошибка не возвращается вызывающему.
func Emit(ctx context.Context, d Dispatcher, logger *zap.Logger, events []model.Event) {
	if d == nil || len(events) == 0 {
		return
	}
	if err := d.Dispatch(ctx, events); err != nil && logger != nil {
		logger.Error("dispatch events error", zap.Int("count", len(events)), zap.Error(err))
	}
}
