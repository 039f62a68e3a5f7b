package memory

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// SeedDemo заполняет пустое хранилище демонстрационным каталогом: два владельца,
// три типа ячеек и по четыре ячейки каждого типа. Повторный вызов ничего не меняет.
func SeedDemo(s *Store) int {
	s.mu.Lock()
	seeded := len(s.state.units) > 0
	s.mu.Unlock()
	if seeded {
		return 0
	}

	reduced := decimal.RequireFromString("0.85")
	s.AddLandlord(model.Landlord{ID: "landlord-north", Name: "North Storage"})
	s.AddLandlord(model.Landlord{ID: "landlord-south", Name: "South Storage", CommissionRate: &reduced})

	types := []model.UnitType{
		{ID: "small", Name: "Small locker", WidthCm: 100, DepthCm: 100, HeightCm: 200, WeeklyRate: 1500, MonthlyRate: 5000},
		{ID: "medium", Name: "Medium room", WidthCm: 200, DepthCm: 250, HeightCm: 250, WeeklyRate: 3500, MonthlyRate: 12000},
		{ID: "large", Name: "Large garage", WidthCm: 300, DepthCm: 600, HeightCm: 300, WeeklyRate: 7000, MonthlyRate: 25000},
	}

	added := 0
	for i, ut := range types {
		s.AddUnitType(ut)
		landlord := "landlord-north"
		if i%2 == 1 {
			landlord = "landlord-south"
		}
		for n := 1; n <= 4; n++ {
			s.AddUnit(model.Unit{
				ID:         fmt.Sprintf("%s-%02d", ut.ID, n),
				UnitTypeID: ut.ID,
				LandlordID: landlord,
				Number:     n,
				Status:     model.UnitStatusAvailable,
			})
			added++
		}
	}
	return added
}
