package spin

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/MJE43/prize-wheel/internal/catalog"
	"github.com/MJE43/prize-wheel/internal/store"
	"github.com/MJE43/prize-wheel/internal/wheel"
)

// PrizeInfo is a prize with its display chance.
type PrizeInfo struct {
	wheel.Prize
	ChancePercent float64 `json:"chancePercent"`
	Index         int     `json:"index"`
}

// WheelInfo is the caller-specific view of a wheel.
type WheelInfo struct {
	Wheel               wheel.Config `json:"wheel"`
	Version             int          `json:"version"`
	SegmentAngleDeg     float64      `json:"segmentAngleDeg"`
	Prizes              []PrizeInfo  `json:"prizes"`
	RemainingSpinsToday int          `json:"remainingSpins"`
	CanSpin             bool         `json:"canSpin"`
}

// Summary is a wheel as listed, without per-user state.
type Summary struct {
	WheelID        string    `json:"wheelId"`
	Title          string    `json:"title,omitempty"`
	Segments       int       `json:"segments"`
	MaxSpinsPerDay int       `json:"maxSpinsPerDay"`
	Version        int       `json:"version"`
	PublishedAt    time.Time `json:"publishedAt"`
}

// Wheels lists the published wheels.
func (s *Service) Wheels() []Summary {
	list := s.catalog.List()
	out := make([]Summary, len(list))
	for i, w := range list {
		out[i] = Summary{
			WheelID:        w.Config.WheelID,
			Title:          w.Config.Title,
			Segments:       len(w.Config.Segments),
			MaxSpinsPerDay: w.Config.MaxSpinsPerDay,
			Version:        w.Version,
			PublishedAt:    w.PublishedAt,
		}
	}
	return out
}

// WheelInfo returns the wheel with the caller's remaining spins for today.
func (s *Service) WheelInfo(ctx context.Context, wheelID, userID string) (WheelInfo, error) {
	w, err := s.catalog.Get(wheelID)
	if err != nil {
		return WheelInfo{}, err
	}
	q, err := s.ledger.Quota(ctx, userID, wheelID, store.DayKey(s.now()), w.Config.MaxSpinsPerDay)
	if err != nil {
		return WheelInfo{}, fmt.Errorf("quota: %w", err)
	}

	chances := w.Config.ChancePercent()
	prizes := make([]PrizeInfo, len(w.Config.Segments))
	for i, p := range w.Config.Segments {
		prizes[i] = PrizeInfo{Prize: p, ChancePercent: chances[p.ID], Index: i}
	}
	remaining := q.Remaining()
	return WheelInfo{
		Wheel:               w.Config,
		Version:             w.Version,
		SegmentAngleDeg:     w.Config.SegmentAngleDeg(),
		Prizes:              prizes,
		RemainingSpinsToday: remaining,
		CanSpin:             remaining > 0,
	}, nil
}

// History returns one page of the user's spins, newest first.
func (s *Service) History(ctx context.Context, q store.HistoryQuery) (store.HistoryPage, error) {
	if q.WheelID != "" {
		if _, err := s.catalog.Get(q.WheelID); err != nil {
			return store.HistoryPage{}, err
		}
	}
	return s.ledger.History(ctx, q.Normalize())
}

// Stats returns spin counts for the user, optionally for one wheel.
func (s *Service) Stats(ctx context.Context, userID, wheelID string) (store.Stats, error) {
	return s.ledger.Stats(ctx, store.StatsQuery{UserID: userID, WheelID: wheelID, Day: store.DayKey(s.now())})
}

// Resolution is the slot under the pointer for a final rotation.
type Resolution struct {
	FinalRotationDeg float64     `json:"finalRotationDeg"`
	NormalizedDeg    float64     `json:"normalizedDeg"`
	WinningIndex     int         `json:"winningIndex"`
	Prize            wheel.Prize `json:"prize"`
}

// Resolve maps a final wheel rotation back to the winning slot.
func (s *Service) Resolve(wheelID string, finalRotationDeg float64) (Resolution, error) {
	if math.IsNaN(finalRotationDeg) || math.IsInf(finalRotationDeg, 0) {
		return Resolution{}, fmt.Errorf("%w: finalRotationDeg must be finite", ErrInvalidRequest)
	}
	w, err := s.catalog.Get(wheelID)
	if err != nil {
		return Resolution{}, err
	}
	idx := w.Resolver.ResolveWinningIndex(finalRotationDeg)
	return Resolution{
		FinalRotationDeg: finalRotationDeg,
		NormalizedDeg:    wheel.Normalize360(finalRotationDeg),
		WinningIndex:     idx,
		Prize:            w.Config.Segments[idx],
	}, nil
}

// Catalog exposes the wheel catalog backing the service.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Ledger exposes the ledger for health checks.
func (s *Service) Ledger() store.Ledger { return s.ledger }
