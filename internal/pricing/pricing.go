// Package pricing рассчитывает стоимость аренды по недельному и месячному тарифам.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storage-rental/internal/model"
)

const (
	daysPerWeek  = 7
	daysPerMonth = 30
	// monthlyTierFrom задаёт минимальную длительность в днях, с которой применяется месячный тариф.
	monthlyTierFrom = 28
)

// Tier определяет применённую тарифную сетку.
type Tier string

const (
	TierWeekly    Tier = "WEEKLY"
	TierMonthly   Tier = "MONTHLY"
	TierUnlimited Tier = "UNLIMITED"
	TierNone      Tier = "NONE"
)

// Quote содержит разбивку расчёта стоимости.
type Quote struct {
	Tier            Tier
	Days            int
	FullPeriods     int
	RemainderDays   int
	Rate            int64
	FullAmount      int64
	RemainderAmount int64
	Total           int64
}

// Calculate возвращает стоимость аренды в минимальных единицах валюты.
func Calculate(ut *model.UnitType, p model.Period) int64 {
	return Breakdown(ut, p).Total
}

// Breakdown рассчитывает стоимость аренды и возвращает все слагаемые.
// Бессрочная аренда стоит один месяц, то есть первый расчётный период.
func Breakdown(ut *model.UnitType, p model.Period) Quote {
	days, bounded := p.Days()
	if !bounded {
		return Quote{
			Tier:        TierUnlimited,
			FullPeriods: 1,
			Rate:        ut.MonthlyRate,
			FullAmount:  ut.MonthlyRate,
			Total:       ut.MonthlyRate,
		}
	}
	if days <= 0 {
		return Quote{Tier: TierNone, Days: days}
	}

	q := Quote{Days: days}
	size := daysPerWeek
	q.Tier, q.Rate = TierWeekly, ut.WeeklyRate
	if days >= monthlyTierFrom {
		size = daysPerMonth
		q.Tier, q.Rate = TierMonthly, ut.MonthlyRate
	}

	q.FullPeriods = days / size
	q.RemainderDays = days % size
	q.FullAmount = int64(q.FullPeriods) * q.Rate
	q.RemainderAmount = prorate(q.Rate, q.RemainderDays, size)
	q.Total = q.FullAmount + q.RemainderAmount
	return q
}

// prorate округляет rate*days/size до целого половиной от нуля.
func prorate(rate int64, days, size int) int64 {
	if days == 0 {
		return 0
	}
	return decimal.NewFromInt(rate).
		Mul(decimal.NewFromInt(int64(days))).
		Div(decimal.NewFromInt(int64(size))).
		Round(0).
		IntPart()
}

// RecurringAmount возвращает сумму очередного рекуррентного списания.
func RecurringAmount(ut *model.UnitType, freq model.BillingFrequency) int64 {
	if freq == model.BillingYearly {
		return 12 * ut.MonthlyRate
	}
	return ut.MonthlyRate
}
