package wheel

import (
	"fmt"
	"math"
)

// Resolver maps between slot indices and wheel rotations for one wheel geometry.
// It holds no state beyond the geometry and is safe for concurrent use.
type Resolver struct {
	segments      int
	segmentAngle  float64
	pointerAngle  float64 // base angle + offset
	fullRotations int
}

// NewResolver builds a resolver from a wheel configuration.
func NewResolver(c Config) (*Resolver, error) {
	n := len(c.Segments)
	if n == 0 {
		return nil, fmt.Errorf("%w: wheel has no segments", ErrInvalidConfig)
	}
	base, err := c.PointerPosition.BaseAngle()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.FullRotations < 1 {
		return nil, fmt.Errorf("%w: fullRotationsBeforeStop must be >= 1", ErrInvalidConfig)
	}
	return &Resolver{
		segments:      n,
		segmentAngle:  360 / float64(n),
		pointerAngle:  base + c.PointerOffsetDeg,
		fullRotations: c.FullRotations,
	}, nil
}

// Segments returns N.
func (r *Resolver) Segments() int { return r.segments }

// SlotCenter is the angle of slot i's center measured from slot 0's leading edge.
func (r *Resolver) SlotCenter(index int) float64 {
	return float64(index)*r.segmentAngle + r.segmentAngle/2
}

// FinalAngle is the wheel angle (mod 360) at which the pointer sits on the center of slot index.
func (r *Resolver) FinalAngle(index int) float64 {
	return Normalize360(r.pointerAngle - r.SlotCenter(index))
}

// ResolveTargetRotation returns the absolute rotation to animate to so that the
// wheel, after fullRotations turns, stops with the pointer on slot index.
// The result is always strictly greater than current.
func (r *Resolver) ResolveTargetRotation(current float64, index int) (float64, error) {
	if index < 0 || index >= r.segments {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, r.segments)
	}
	if math.IsNaN(current) || math.IsInf(current, 0) {
		return 0, fmt.Errorf("current rotation must be finite, got %v", current)
	}
	final := r.FinalAngle(index)
	delta := Normalize360(final - Normalize360(current))
	return current + float64(r.fullRotations)*360 + delta, nil
}

// ResolveWinningIndex returns the slot under the pointer for a final rotation.
//
// The pointer's distance from slot 0's leading edge is floored by the segment
// angle. Targets produced by ResolveTargetRotation sit on slot centers, so the
// inverse holds with half a segment of margin against rounding.
func (r *Resolver) ResolveWinningIndex(final float64) int {
	fromPointer := Normalize360(r.pointerAngle - Normalize360(final))
	idx := int(math.Floor(fromPointer/r.segmentAngle)) % r.segments
	if idx < 0 {
		idx += r.segments
	}
	return idx
}

// Normalize360 maps any finite angle into [0, 360).
func Normalize360(x float64) float64 {
	m := math.Mod(math.Mod(x, 360)+360, 360)
	// math.Mod of a tiny negative plus 360 can round to exactly 360.
	if m >= 360 {
		return 0
	}
	return m
}
