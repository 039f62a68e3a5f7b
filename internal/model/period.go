package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod возвращается, если дата окончания раньше даты начала.
var ErrInvalidPeriod = errors.New("period end is before start")

const dateLayout = "2006-01-02"

// Day отбрасывает время суток и приводит дату к UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Period описывает интервал дат, включающий обе границы. End == nil означает бессрочный период.
type Period struct {
	Start time.Time
	End   *time.Time
}

// NewPeriod создаёт период, округляя границы до дней.
func NewPeriod(start time.Time, end *time.Time) Period {
	p := Period{Start: Day(start)}
	if end != nil {
		e := Day(*end)
		p.End = &e
	}
	return p
}

// Between создаёт ограниченный период [start, end].
func Between(start, end time.Time) Period {
	return NewPeriod(start, &end)
}

// Since создаёт бессрочный период, начинающийся в start.
func Since(start time.Time) Period {
	return NewPeriod(start, nil)
}

// IsOpen сообщает, является ли период бессрочным.
func (p Period) IsOpen() bool {
	return p.End == nil
}

// Validate проверяет корректность границ периода.
func (p Period) Validate() error {
	if p.End != nil && p.End.Before(p.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p)
	}
	return nil
}

// Overlaps сообщает, пересекаются ли два периода.
func (p Period) Overlaps(o Period) bool {
	if p.End != nil && o.Start.After(*p.End) {
		return false
	}
	if o.End != nil && p.Start.After(*o.End) {
		return false
	}
	return true
}

// Contains сообщает, входит ли день t в период.
func (p Period) Contains(t time.Time) bool {
	return p.Overlaps(Between(t, t))
}

// Days возвращает количество целых дней между началом и концом периода.
// Для бессрочного периода второе значение равно false.
func (p Period) Days() (int, bool) {
	if p.End == nil {
		return 0, false
	}
	return int(p.End.Sub(p.Start).Hours() / 24), true
}

func (p Period) String() string {
	if p.End == nil {
		return fmt.Sprintf("[%s, ∞)", p.Start.Format(dateLayout))
	}
	return fmt.Sprintf("[%s, %s]", p.Start.Format(dateLayout), p.End.Format(dateLayout))
}
