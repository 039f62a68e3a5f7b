package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mmeshcher/storage-rental/internal/model"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
		valid bool
	}{
		{name: "plain date", input: "2024-03-01", want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), valid: true},
		{name: "surrounding spaces", input: " 2024-12-31 ", want: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), valid: true},
		{name: "leap day", input: "2024-02-29", want: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), valid: true},
		{name: "not a leap year", input: "2023-02-29", valid: false},
		{name: "timestamp", input: "2024-03-01T10:00:00Z", valid: false},
		{name: "empty string", input: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if tt.valid != (err == nil) {
				t.Fatalf("ParseDate(%q) error = %v, valid %v", tt.input, err, tt.valid)
			}
			if !tt.valid {
				if !errors.Is(err, ErrInvalidDate) {
					t.Fatalf("error %v is not ErrInvalidDate", err)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseDate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2024-03-01", "2024-03-10")
	if err != nil {
		t.Fatalf("ParsePeriod: %v", err)
	}
	if p.IsOpen() || p.End.Day() != 10 {
		t.Fatalf("unexpected period %s", p)
	}

	p, err = ParsePeriod("2024-03-01", "")
	if err != nil {
		t.Fatalf("ParsePeriod open: %v", err)
	}
	if !p.IsOpen() {
		t.Fatalf("period %s must be open", p)
	}

	if _, err := ParsePeriod("2024-03-10", "2024-03-01"); !errors.Is(err, model.ErrInvalidPeriod) {
		t.Fatalf("reversed period error = %v, want ErrInvalidPeriod", err)
	}
	if _, err := ParsePeriod("2024-03-01", "tomorrow"); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("bad end error = %v, want ErrInvalidDate", err)
	}
}

func TestParseMonth(t *testing.T) {
	if err := ParseMonth(2024, 2); err != nil {
		t.Fatalf("ParseMonth(2024, 2): %v", err)
	}
	for _, tt := range [][2]int{{2024, 0}, {2024, 13}, {24, 5}} {
		if err := ParseMonth(tt[0], tt[1]); err == nil {
			t.Fatalf("ParseMonth(%d, %d) must fail", tt[0], tt[1])
		}
	}
}

func TestStruct(t *testing.T) {
	type request struct {
		Kind  string `validate:"required,rentalkind"`
		Start string `validate:"required,date"`
		End   string `validate:"omitempty,date"`
	}

	if err := Struct(request{Kind: "LIMITED", Start: "2024-03-01", End: "2024-03-05"}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if err := Struct(request{Kind: "UNLIMITED", Start: "2024-03-01"}); err != nil {
		t.Fatalf("open request rejected: %v", err)
	}

	err := Struct(request{Kind: "FOREVER", Start: "03/01/2024"})
	if err == nil {
		t.Fatalf("invalid request accepted")
	}
	want := "invalid fields: Kind(rentalkind), Start(date)"
	if err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}

func TestMustRegisterPanicsOnBadTag(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("registration with an empty tag did not panic")
		}
	}()

	mustRegister(newValidator(), "", func(validator.FieldLevel) bool { return true })
}
