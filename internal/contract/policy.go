// Package contract реализует жизненный цикл договора аренды и рекуррентные списания.
package contract

import (
	"time"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// RetryPolicy определяет, когда повторять неудачное рекуррентное списание.
// MaxAttempts учитывает первую попытку: при значении 2 списание повторяется
// один раз, после второй неудачи требуется вмешательство оператора.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy повторяет списание один раз через три дня.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Backoff: 72 * time.Hour}
}

// NeedsRetry сообщает, пора ли повторить списание после неудачи.
func (p RetryPolicy) NeedsRetry(c *model.Contract, now time.Time) bool {
	r := c.Recurring
	if r == nil || r.FailureCount == 0 || r.LastFailureAt == nil {
		return false
	}
	if r.FailureCount >= p.MaxAttempts {
		return false
	}
	return !now.Before(r.LastFailureAt.Add(p.Backoff))
}

// Exhausted сообщает, исчерпаны ли попытки списания.
func (p RetryPolicy) Exhausted(c *model.Contract) bool {
	return c.Recurring != nil && c.Recurring.FailureCount >= p.MaxAttempts
}

// ShouldCharge сообщает, нужно ли списывать платёж сейчас: наступила дата
// списания и неудач ещё не было, либо политика разрешает повтор.
func (p RetryPolicy) ShouldCharge(c *model.Contract, now time.Time) bool {
	if c.IsTerminated() || !c.IsDueBilling(now) {
		return false
	}
	if c.Recurring.FailureCount == 0 {
		return true
	}
	return p.NeedsRetry(c, now)
}
