package wheel

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func testConfig(n int, pointer PointerPosition, offset float64) Config {
	segs := make([]Prize, n)
	for i := range segs {
		segs[i] = Prize{
			ID:          fmt.Sprintf("p%d", i),
			Name:        fmt.Sprintf("Prize %d", i),
			Weight:      1,
			PayoutType:  PayoutPoints,
			PayoutValue: decimal.NewFromInt(int64(10 * (i + 1))),
		}
	}
	return Config{
		WheelID:          "test",
		Segments:         segs,
		MaxSpinsPerDay:   3,
		PointerPosition:  pointer,
		PointerOffsetDeg: offset,
		FullRotations:    DefaultFullRotations,
	}
}

func TestRoundTrip(t *testing.T) {
	rotations := []float64{0, 37.5, 359.9, 721, -45, 12345.678}
	sizes := []int{1, 2, 18, 32, 64}
	pointers := []PointerPosition{PointerTop, PointerRight, PointerBottom, PointerLeft}
	offsets := []float64{-6, 0, 6, 359}

	for _, n := range sizes {
		for _, p := range pointers {
			for _, off := range offsets {
				r, err := NewResolver(testConfig(n, p, off))
				if err != nil {
					t.Fatalf("NewResolver(n=%d, %s, %v): %v", n, p, off, err)
				}
				for _, cur := range rotations {
					for i := 0; i < n; i++ {
						target, err := r.ResolveTargetRotation(cur, i)
						if err != nil {
							t.Fatalf("ResolveTargetRotation(%v, %d): %v", cur, i, err)
						}
						if target <= cur {
							t.Errorf("n=%d %s off=%v cur=%v i=%d: target %v not greater than current", n, p, off, cur, i, target)
						}
						if got := r.ResolveWinningIndex(target); got != i {
							t.Errorf("n=%d %s off=%v cur=%v: index %d resolved back to %d (target %v)", n, p, off, cur, i, got, target)
						}
					}
				}
			}
		}
	}
}

func TestTargetRotationWindow(t *testing.T) {
	r, err := NewResolver(testConfig(8, PointerTop, 0))
	if err != nil {
		t.Fatal(err)
	}
	for _, cur := range []float64{0, 10, 359, 1000, -720} {
		for i := 0; i < 8; i++ {
			target, _ := r.ResolveTargetRotation(cur, i)
			spun := target - cur
			min := float64(DefaultFullRotations) * 360
			if spun < min || spun >= min+360 {
				t.Errorf("cur=%v i=%d: spun %v outside [%v, %v)", cur, i, spun, min, min+360)
			}
		}
	}
}

func TestEndToEndFourPrizes(t *testing.T) {
	// A=40 B=30 C=20 D=10, pointer on top, no offset, wheel at rest.
	c := testConfig(4, PointerTop, 0)
	for i, w := range []float64{40, 30, 20, 10} {
		c.Segments[i].Weight = w
	}
	r, err := NewResolver(c)
	if err != nil {
		t.Fatal(err)
	}

	if got := r.FinalAngle(2); got != 225 {
		t.Fatalf("FinalAngle(2) = %v, want 225", got)
	}
	target, err := r.ResolveTargetRotation(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if target != 2025 {
		t.Fatalf("target = %v, want 2025", target)
	}
	if idx := r.ResolveWinningIndex(target); idx != 2 {
		t.Fatalf("ResolveWinningIndex(2025) = %d, want 2", idx)
	}
}

func TestResolveTargetRotationErrors(t *testing.T) {
	r, _ := NewResolver(testConfig(4, PointerTop, 0))

	for _, idx := range []int{-1, 4, 100} {
		if _, err := r.ResolveTargetRotation(0, idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("index %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
	if _, err := r.ResolveTargetRotation(math.NaN(), 0); err == nil {
		t.Error("expected error for NaN rotation")
	}
	if _, err := r.ResolveTargetRotation(math.Inf(-1), 0); err == nil {
		t.Error("expected error for infinite rotation")
	}
}

func TestSingleSegmentAlwaysWins(t *testing.T) {
	r, _ := NewResolver(testConfig(1, PointerLeft, 3))
	for _, a := range []float64{0, 90, 179.99, 359.99, -1, 1e6} {
		if idx := r.ResolveWinningIndex(a); idx != 0 {
			t.Errorf("ResolveWinningIndex(%v) = %d, want 0", a, idx)
		}
	}
}

func TestNormalize360(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{360, 0},
		{720, 0},
		{-90, 270},
		{-360, 0},
		{-721, 359},
		{405, 45},
		{-1e-15, 0},
	}
	for _, tt := range tests {
		got := Normalize360(tt.in)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Normalize360(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if got < 0 || got >= 360 {
			t.Errorf("Normalize360(%v) = %v outside [0, 360)", tt.in, got)
		}
	}
}
