// Package commission рассчитывает выплаты владельцам и формирует ежемесячные
// акты самовыставления.
package commission

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// DefaultRate задаёт долю платежа, выплачиваемую владельцу, если не задана иная ставка.
var DefaultRate = decimal.RequireFromString("0.90")

// LandlordLookup загружает владельца ячейки.
type LandlordLookup interface {
	GetLandlord(ctx context.Context, id string) (*model.Landlord, error)
}

// RateResolver определяет ставку для ячейки: собственная ставка ячейки,
// затем ставка владельца, затем ставка по умолчанию.
type RateResolver struct {
	defaultRate decimal.Decimal
}

// NewRateResolver создаёт резолвер со ставкой по умолчанию def; нулевое значение заменяется на DefaultRate.
func NewRateResolver(def decimal.Decimal) *RateResolver {
	if def.IsZero() {
		def = DefaultRate
	}
	return &RateResolver{defaultRate: def}
}

// Default возвращает ставку по умолчанию.
func (r *RateResolver) Default() decimal.Decimal {
	return r.defaultRate
}

// Rate возвращает действующую ставку для ячейки.
func (r *RateResolver) Rate(ctx context.Context, lookup LandlordLookup, unit *model.Unit) (decimal.Decimal, error) {
	if unit.CommissionRate != nil {
		return *unit.CommissionRate, nil
	}
	if unit.LandlordID == "" {
		return r.defaultRate, nil
	}

	landlord, err := lookup.GetLandlord(ctx, unit.LandlordID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("resolve rate of unit %s: %w", unit.ID, err)
	}
	if landlord.CommissionRate != nil {
		return *landlord.CommissionRate, nil
	}
	return r.defaultRate, nil
}

// NetAmount возвращает выплату владельцу с округлением половины от нуля.
func NetAmount(gross int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart()
}
