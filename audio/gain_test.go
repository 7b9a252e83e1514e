package audio

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGainLinearRamp(t *testing.T) {
	g := NewGain(0)
	g.LinearRampTo(0.8, 1*time.Second, 100*time.Millisecond)

	tests := []struct {
		at   time.Duration
		want float64
	}{
		{900 * time.Millisecond, 0},
		{1 * time.Second, 0},
		{1025 * time.Millisecond, 0.2},
		{1050 * time.Millisecond, 0.4},
		{1100 * time.Millisecond, 0.8},
		{5 * time.Second, 0.8},
	}
	for _, tt := range tests {
		if got := g.ValueAt(tt.at); !almostEqual(got, tt.want) {
			t.Errorf("ValueAt(%v) = %v; want %v", tt.at, got, tt.want)
		}
	}
	if g.Target() != 0.8 {
		t.Errorf("Target() = %v; want 0.8", g.Target())
	}
}

// TestGainRampFromMidRamp verifies a new ramp starts from wherever the old one was.
func TestGainRampFromMidRamp(t *testing.T) {
	g := NewGain(0)
	g.LinearRampTo(1, 0, 100*time.Millisecond)
	g.LinearRampTo(0, 50*time.Millisecond, 50*time.Millisecond)

	if got := g.ValueAt(50 * time.Millisecond); !almostEqual(got, 0.5) {
		t.Errorf("start of second ramp = %v; want 0.5", got)
	}
	if got := g.ValueAt(75 * time.Millisecond); !almostEqual(got, 0.25) {
		t.Errorf("middle of second ramp = %v; want 0.25", got)
	}
	if got := g.ValueAt(100 * time.Millisecond); got != 0 {
		t.Errorf("end of second ramp = %v; want 0", got)
	}
}

func TestGainSetValueCancelsRamp(t *testing.T) {
	g := NewGain(0)
	g.LinearRampTo(1, 0, time.Second)
	g.SetValue(0.3)
	if got := g.ValueAt(10 * time.Millisecond); got != 0.3 {
		t.Errorf("ValueAt after SetValue = %v; want 0.3", got)
	}
}

func TestGainClamps(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-1, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{3, 1},
	}
	for _, tt := range tests {
		g := NewGain(tt.in)
		if got := g.ValueAt(0); got != tt.want {
			t.Errorf("NewGain(%v) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestGainZeroLengthRamp(t *testing.T) {
	g := NewGain(0)
	g.LinearRampTo(0.6, time.Second, 0)
	if got := g.ValueAt(0); got != 0.6 {
		t.Errorf("zero length ramp = %v; want 0.6 immediately", got)
	}
}
