package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whole", "100", "100"},
		{"two decimals", "150.50", "150.5"},
		{"one decimal", "0.5", "0.5"},
		{"smallest unit", "0.01", "0.01"},
		{"zero", "0", "0"},
		{"padded", "  42.00 ", "42"},
		{"trailing zeros beyond places", "1.500", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrEmpty},
		{"blank", "   ", ErrEmpty},
		{"letters", "abc", ErrMalformed},
		{"two dots", "1.2.3", ErrMalformed},
		{"exponent", "1e3", ErrMalformed},
		{"negative", "-5", ErrNegative},
		{"three places", "1.005", ErrPrecision},
		{"above column limit", "1000000000000", ErrTooLarge},
		{"sub-piastre above max", "999999999999.991", ErrPrecision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tt.input, err, tt.want)
			}
		})
	}
}

func TestParsePositive_RejectsZero(t *testing.T) {
	if _, err := ParsePositive("0.00"); !errors.Is(err, ErrNotPositive) {
		t.Fatalf("expected ErrNotPositive, got %v", err)
	}
	d, err := ParsePositive("0.01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Format(d) != "0.01" {
		t.Errorf("expected 0.01, got %s", Format(d))
	}
}

func TestValid(t *testing.T) {
	if !Valid(decimal.RequireFromString("10.25")) {
		t.Error("10.25 should be valid")
	}
	if Valid(decimal.RequireFromString("-1")) {
		t.Error("negative amount should be invalid")
	}
	if Valid(decimal.RequireFromString("0.001")) {
		t.Error("sub-piastre amount should be invalid")
	}
	if !Valid(Max) {
		t.Error("Max should be valid")
	}
	if Valid(Max.Add(decimal.RequireFromString("0.01"))) {
		t.Error("amount above Max should be invalid")
	}
}

func TestParse_AcceptsMax(t *testing.T) {
	d, err := ParsePositive("999999999999.99")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Equal(Max) {
		t.Errorf("got %s, want %s", d, Max)
	}
}

func TestFormat(t *testing.T) {
	tests := map[string]string{
		"0":      "0.00",
		"1.5":    "1.50",
		"100":    "100.00",
		"999.99": "999.99",
	}
	for in, want := range tests {
		if got := Format(decimal.RequireFromString(in)); got != want {
			t.Errorf("Format(%s) = %q, want %q", in, got, want)
		}
	}
}
