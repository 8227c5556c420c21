package wheel

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func TestBuildDistribution(t *testing.T) {
	tests := []struct {
		name    string
		weights []Weight
		want    []float64
		wantErr bool
	}{
		{"equal weights", []Weight{{"a", 1}, {"b", 1}, {"c", 1}, {"d", 1}}, []float64{0.25, 0.5, 0.75, 1}, false},
		{"raw weights need not sum to 100", []Weight{{"a", 3}, {"b", 1}}, []float64{0.75, 1}, false},
		{"percentages", []Weight{{"a", 50}, {"b", 30}, {"c", 20}}, []float64{0.5, 0.8, 1}, false},
		{"zero weight inside", []Weight{{"a", 1}, {"b", 0}, {"c", 1}}, []float64{0.5, 0.5, 1}, false},
		{"trailing zero weight", []Weight{{"a", 2}, {"b", 0}}, []float64{1, 1}, false},
		{"single prize", []Weight{{"a", 0.001}}, []float64{1}, false},
		{"empty", nil, nil, true},
		{"negative weight", []Weight{{"a", 1}, {"b", -1}}, nil, true},
		{"all zero", []Weight{{"a", 0}, {"b", 0}}, nil, true},
		{"nan weight", []Weight{{"a", math.NaN()}}, nil, true},
		{"infinite weight", []Weight{{"a", math.Inf(1)}, {"b", 1}}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dist, err := BuildDistribution(tt.weights)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDistribution) {
					t.Fatalf("expected ErrInvalidDistribution, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(dist) != len(tt.want) {
				t.Fatalf("got %d bounds, want %d", len(dist), len(tt.want))
			}
			for i, b := range dist {
				if b.PrizeID != tt.weights[i].PrizeID {
					t.Errorf("bound %d: prize %q, want %q", i, b.PrizeID, tt.weights[i].PrizeID)
				}
				if math.Abs(b.Upper-tt.want[i]) > 1e-12 {
					t.Errorf("bound %d: upper %v, want %v", i, b.Upper, tt.want[i])
				}
			}
		})
	}
}

func TestDistributionValidity(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 500; trial++ {
		n := 1 + rng.IntN(40)
		weights := make([]Weight, n)
		positive := false
		for i := range weights {
			w := 0.0
			if rng.IntN(4) != 0 {
				w = rng.Float64() * 1000
			}
			if w > 0 {
				positive = true
			}
			weights[i] = Weight{PrizeID: string(rune('a' + i)), Weight: w}
		}
		if !positive {
			weights[0].Weight = 1
		}

		dist, err := BuildDistribution(weights)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		for i := 1; i < len(dist); i++ {
			if dist[i].Upper < dist[i-1].Upper {
				t.Fatalf("trial %d: bounds decrease at %d: %v < %v", trial, i, dist[i].Upper, dist[i-1].Upper)
			}
		}
		if last := dist[len(dist)-1].Upper; math.Abs(last-1) > 1e-9 {
			t.Fatalf("trial %d: last bound %v, want 1", trial, last)
		}
	}
}

func TestSelect(t *testing.T) {
	dist, err := BuildDistribution([]Weight{{"a", 1}, {"b", 0}, {"c", 2}, {"d", 1}, {"e", 0}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		r    float64
		want string
	}{
		{0, "a"},
		{0.2499, "a"},
		{0.25, "c"}, // b has zero width
		{0.7499, "c"},
		{0.75, "d"},
		{0.999999, "d"},
		{1, "d"},   // clamp skips trailing zero weight
		{1.5, "d"}, // clamp
		{-0.1, "a"},
		{math.NaN(), "a"},
	}
	for _, tt := range tests {
		_, b := dist.Select(tt.r)
		if b.PrizeID != tt.want {
			t.Errorf("Select(%v) = %q, want %q", tt.r, b.PrizeID, tt.want)
		}
	}
}

func TestSelectClampsRoundingShortfall(t *testing.T) {
	// Simulate a distribution whose last bound came out slightly below 1.
	dist := Distribution{{PrizeID: "a", Upper: 0.5}, {PrizeID: "b", Upper: 0.9999999999}}
	idx, b := dist.Select(0.99999999995)
	if idx != 1 || b.PrizeID != "b" {
		t.Errorf("expected clamp to last prize, got %d %q", idx, b.PrizeID)
	}
}

func TestDrawFairness(t *testing.T) {
	weights := []Weight{{"a", 5}, {"b", 10}, {"c", 25}, {"d", 60}, {"e", 0}}
	dist, err := BuildDistribution(weights)
	if err != nil {
		t.Fatal(err)
	}

	const draws = 100_000
	counts := make([]int, len(dist))
	rng := rand.New(rand.NewPCG(42, 1337))
	for i := 0; i < draws; i++ {
		idx, _ := dist.Select(rng.Float64())
		counts[idx]++
	}

	for i, w := range weights {
		expected := w.Weight / 100
		observed := float64(counts[i]) / draws
		if math.Abs(observed-expected) > 0.01 {
			t.Errorf("prize %s: observed %.4f, expected %.4f", w.PrizeID, observed, expected)
		}
	}
	if counts[4] != 0 {
		t.Errorf("zero-weight prize drawn %d times", counts[4])
	}
}

func TestProbability(t *testing.T) {
	dist, _ := BuildDistribution([]Weight{{"a", 1}, {"b", 3}})
	if p := dist.Probability(0); math.Abs(p-0.25) > 1e-12 {
		t.Errorf("Probability(0) = %v", p)
	}
	if p := dist.Probability(1); math.Abs(p-0.75) > 1e-12 {
		t.Errorf("Probability(1) = %v", p)
	}
	if p := dist.Probability(5); p != 0 {
		t.Errorf("Probability(5) = %v, want 0", p)
	}
}
