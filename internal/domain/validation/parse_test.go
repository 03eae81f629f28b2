package validation

import (
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	inputs := []string{
		"2024-03-01T09:30:00Z",
		"2024-03-01T09:30:00",
		"2024-03-01T09:30:00.000000",
		"2024-03-01 09:30:00",
		"2024-03-01T04:30:00-05:00",
		"03/01/2024 09:30",
	}
	for _, in := range inputs {
		got, err := ParseTime(in)
		if err != nil {
			t.Errorf("ParseTime(%q) error: %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for unparseable date")
	}
	if got, _ := ParseTime("20240301"); got.Day() != 1 || got.Month() != time.March {
		t.Errorf("unexpected compact date %v", got)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"5551234567", "(555) 123-4567", true},
		{"(555) 123-4567", "(555) 123-4567", true},
		{"1-555-123-4567", "+1 (555) 123-4567", true},
		{"123", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizePhone(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalizeSex(t *testing.T) {
	for in, want := range map[string]string{"M": "male", "Female": "female", "x": "other", "U": "unknown"} {
		if got, ok := NormalizeSex(in); !ok || got != want {
			t.Errorf("NormalizeSex(%q) = %q, %v", in, got, ok)
		}
	}
	if got, ok := NormalizeSex("robot"); ok || got != "unknown" {
		t.Errorf("expected unknown/false for unrecognised value, got %q, %v", got, ok)
	}
}

func TestNumberFromText(t *testing.T) {
	if v, ok := NumberFromText("HbA1c 6.8 %"); !ok || v != 6.8 {
		t.Errorf("expected 6.8, got %v (%v)", v, ok)
	}
	if _, ok := NumberFromText("negative"); ok {
		t.Error("expected no number")
	}
}
