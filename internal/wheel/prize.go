package wheel

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// PayoutType describes how a prize is paid out to the player.
type PayoutType string

const (
	PayoutCurrency     PayoutType = "currency"
	PayoutPoints       PayoutType = "points"
	PayoutItemFragment PayoutType = "item-fragment"
	PayoutBonusSpin    PayoutType = "bonus-spin"
)

// Valid reports whether t is one of the known payout types.
func (t PayoutType) Valid() bool {
	switch t {
	case PayoutCurrency, PayoutPoints, PayoutItemFragment, PayoutBonusSpin:
		return true
	default:
		return false
	}
}

// Prize is one slot of a wheel.
type Prize struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Weight      float64         `json:"weight"`
	PayoutType  PayoutType      `json:"payoutType"`
	PayoutValue decimal.Decimal `json:"payoutValue"`
}

// PointerPosition is where the physical indicator sits around the wheel.
type PointerPosition string

const (
	PointerTop    PointerPosition = "top"
	PointerRight  PointerPosition = "right"
	PointerBottom PointerPosition = "bottom"
	PointerLeft   PointerPosition = "left"
)

// BaseAngle returns the pointer's angle in the wheel's own frame.
func (p PointerPosition) BaseAngle() (float64, error) {
	switch p {
	case PointerTop:
		return 90, nil
	case PointerRight:
		return 0, nil
	case PointerBottom:
		return 270, nil
	case PointerLeft:
		return 180, nil
	default:
		return 0, fmt.Errorf("unknown pointer position %q", string(p))
	}
}

// ParsePointerPosition normalizes user input; empty input means top.
func ParsePointerPosition(s string) (PointerPosition, error) {
	p := PointerPosition(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PointerTop, nil
	}
	if _, err := p.BaseAngle(); err != nil {
		return "", err
	}
	return p, nil
}

const (
	// MaxSegments bounds the wheel size; larger wheels are unreadable anyway.
	MaxSegments = 64

	DefaultFullRotations = 5

	// PercentTolerance is how far declared percentages may drift from 100.
	PercentTolerance = 0.01
)

// Config is the canonical, published description of one wheel.
type Config struct {
	WheelID  string  `json:"wheelId"`
	Title    string  `json:"title,omitempty"`
	Segments []Prize `json:"segments"`

	MaxSpinsPerDay int `json:"maxSpinsPerDay"`

	PointerPosition  PointerPosition `json:"pointerPosition"`
	PointerOffsetDeg float64         `json:"pointerOffsetDeg"`
	FullRotations    int             `json:"fullRotationsBeforeStop"`

	// WeightsArePercent marks weights declared as percentages summing to 100.
	WeightsArePercent bool `json:"weightsArePercent,omitempty"`
}

// SegmentAngleDeg is 360/N.
func (c Config) SegmentAngleDeg() float64 {
	if len(c.Segments) == 0 {
		return 0
	}
	return 360 / float64(len(c.Segments))
}

// Weights returns the (prizeId, weight) pairs in slot order.
func (c Config) Weights() []Weight {
	out := make([]Weight, len(c.Segments))
	for i, p := range c.Segments {
		out[i] = Weight{PrizeID: p.ID, Weight: p.Weight}
	}
	return out
}

// Validate checks the whole configuration, prize set included.
// Any failure in the prize weights is reported as ErrInvalidDistribution.
func (c Config) Validate() error {
	if strings.TrimSpace(c.WheelID) == "" {
		return fmt.Errorf("%w: wheel id is required", ErrInvalidConfig)
	}
	if len(c.Segments) > MaxSegments {
		return fmt.Errorf("%w: %d segments exceeds limit of %d", ErrInvalidConfig, len(c.Segments), MaxSegments)
	}
	if c.MaxSpinsPerDay < 0 {
		return fmt.Errorf("%w: maxSpinsPerDay must be >= 0, got %d", ErrInvalidConfig, c.MaxSpinsPerDay)
	}
	if c.FullRotations < 1 {
		return fmt.Errorf("%w: fullRotationsBeforeStop must be >= 1, got %d", ErrInvalidConfig, c.FullRotations)
	}
	if _, err := c.PointerPosition.BaseAngle(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if math.IsNaN(c.PointerOffsetDeg) || math.IsInf(c.PointerOffsetDeg, 0) {
		return fmt.Errorf("%w: pointerOffsetDeg must be finite", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Segments))
	for i, p := range c.Segments {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: segment %d has no prize id", ErrInvalidConfig, i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate prize id %q", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
		if !p.PayoutType.Valid() {
			return fmt.Errorf("%w: prize %q has unknown payout type %q", ErrInvalidConfig, p.ID, p.PayoutType)
		}
		if p.PayoutValue.IsNegative() {
			return fmt.Errorf("%w: prize %q has negative payout value", ErrInvalidConfig, p.ID)
		}
	}

	if _, err := BuildDistribution(c.Weights()); err != nil {
		return err
	}
	if c.WeightsArePercent {
		if err := CheckPercentTotal(c.Weights()); err != nil {
			return err
		}
	}
	return nil
}

// CheckPercentTotal verifies percentage weights add up to 100 within PercentTolerance.
// The sum is taken in decimal so that e.g. 33.33+33.33+33.34 is exact.
func CheckPercentTotal(weights []Weight) error {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(decimal.NewFromFloat(w.Weight))
	}
	diff := total.Sub(decimal.NewFromInt(100)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(PercentTolerance)) {
		return fmt.Errorf("%w: percentages sum to %s, want 100", ErrInvalidDistribution, total.String())
	}
	return nil
}

// ChancePercent returns each prize's normalized chance in percent, rounded to two places.
func (c Config) ChancePercent() map[string]float64 {
	total := 0.0
	for _, p := range c.Segments {
		total += p.Weight
	}
	out := make(map[string]float64, len(c.Segments))
	for _, p := range c.Segments {
		if total <= 0 {
			out[p.ID] = 0
			continue
		}
		pct := decimal.NewFromFloat(p.Weight / total * 100).Round(2)
		out[p.ID], _ = pct.Float64()
	}
	return out
}
