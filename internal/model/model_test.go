package model

import (
	"reflect"
	"testing"
	"time"
)

func TestNormalizeTicker(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"aapl", "AAPL"},
		{" msft ", "MSFT"},
		{"BRK.B", "BRK.B"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeTicker(tt.in); got != tt.want {
			t.Errorf("NormalizeTicker(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTickers(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"dedupes case variants", []string{"msft", "MSFT", "aapl"}, []string{"AAPL", "MSFT"}},
		{"drops empties", []string{"", "  ", "ibm"}, []string{"IBM"}},
		{"sorted output", []string{"zion", "aapl", "msft"}, []string{"AAPL", "MSFT", "ZION"}},
		{"nil input", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTickers(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeTickers(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewSignal(t *testing.T) {
	at := time.Date(2011, time.January, 13, 9, 30, 0, 0, time.UTC)
	sig := NewSignal(SignalStart, at)
	if sig.Signal != "START" {
		t.Errorf("Signal = %q, want START", sig.Signal)
	}
	if sig.Nowish != "2011-01-13T09:30:00" {
		t.Errorf("Nowish = %q", sig.Nowish)
	}
}
