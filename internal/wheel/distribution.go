package wheel

import (
	"fmt"
	"math"
	"sort"
)

// Weight is one (prizeId, weight) input pair.
type Weight struct {
	PrizeID string
	Weight  float64
}

// Bound is the cumulative upper bound of one prize's sub-interval of [0, 1).
type Bound struct {
	PrizeID string  `json:"prizeId"`
	Upper   float64 `json:"upper"`
}

// Distribution is an ordered cumulative distribution; the last bound is exactly 1.
type Distribution []Bound

// BuildDistribution normalizes the weights by their sum and returns the cumulative bounds.
func BuildDistribution(weights []Weight) (Distribution, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no prizes", ErrInvalidDistribution)
	}

	total := 0.0
	for _, w := range weights {
		if math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return nil, fmt.Errorf("%w: prize %q has non-finite weight", ErrInvalidDistribution, w.PrizeID)
		}
		if w.Weight < 0 {
			return nil, fmt.Errorf("%w: prize %q has negative weight %v", ErrInvalidDistribution, w.PrizeID, w.Weight)
		}
		total += w.Weight
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: all weights are zero", ErrInvalidDistribution)
	}

	// Dividing the running sum (instead of summing normalized weights) makes the
	// bound of the last positive weight exactly total/total == 1.
	dist := make(Distribution, len(weights))
	acc := 0.0
	for i, w := range weights {
		acc += w.Weight
		dist[i] = Bound{PrizeID: w.PrizeID, Upper: acc / total}
	}
	dist[len(dist)-1].Upper = 1
	return dist, nil
}

// Select returns the index and bound of the first entry whose upper bound is > r.
// r is expected in [0, 1); values at or above the last bound select the last
// reachable prize and values below zero are treated as zero.
func (d Distribution) Select(r float64) (int, Bound) {
	if len(d) == 0 {
		return -1, Bound{}
	}
	if r < 0 || math.IsNaN(r) {
		r = 0
	}
	i := sort.Search(len(d), func(i int) bool { return d[i].Upper > r })
	if i == len(d) {
		i = d.lastReachable()
	}
	return i, d[i]
}

// lastReachable skips trailing zero-width entries so a clamp never lands on a zero-weight prize.
func (d Distribution) lastReachable() int {
	i := len(d) - 1
	for i > 0 && d[i].Upper <= d[i-1].Upper {
		i--
	}
	return i
}

// Probability returns the normalized weight of entry i.
func (d Distribution) Probability(i int) float64 {
	if i < 0 || i >= len(d) {
		return 0
	}
	if i == 0 {
		return d[0].Upper
	}
	return d[i].Upper - d[i-1].Upper
}
