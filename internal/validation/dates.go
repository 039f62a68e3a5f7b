// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mmeshcher/storage-rental/internal/model"
)

// DateLayout задаёт формат дат в API.
const DateLayout = "2006-01-02"

// ErrInvalidDate возвращается при неверном формате даты.
var ErrInvalidDate = errors.New("invalid date")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "date", func(fl validator.FieldLevel) bool {
		_, err := ParseDate(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "rentalkind", func(fl validator.FieldLevel) bool {
		return model.RentalKind(fl.Field().String()).Valid()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %q validation: %v", tag, err))
	}
}

// Struct проверяет структуру по тегам validate.
func Struct(s any) error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// ParseDate разбирает дату в формате YYYY-MM-DD в UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: expected YYYY-MM-DD", ErrInvalidDate, s)
	}
	return t, nil
}

// ParseOptionalDate разбирает дату; пустая строка означает отсутствие даты.
func ParseOptionalDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParsePeriod разбирает период из дат начала и окончания. Пустая дата окончания
// задаёт бессрочный период.
func ParsePeriod(start, end string) (model.Period, error) {
	s, err := ParseDate(start)
	if err != nil {
		return model.Period{}, err
	}
	e, err := ParseOptionalDate(end)
	if err != nil {
		return model.Period{}, err
	}
	p := model.NewPeriod(s, e)
	if err := p.Validate(); err != nil {
		return model.Period{}, err
	}
	return p, nil
}

// ParseMonth проверяет год и месяц расчётного периода.
func ParseMonth(year, month int) error {
	if year < 2000 || year > 9999 {
		return fmt.Errorf("invalid year %d", year)
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("invalid month %d", month)
	}
	return nil
}
