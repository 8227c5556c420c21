// Package spin orchestrates a spin: reserve quota, draw, commit, resolve the stop angle.
package spin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MJE43/prize-wheel/internal/catalog"
	"github.com/MJE43/prize-wheel/internal/events"
	"github.com/MJE43/prize-wheel/internal/rng"
	"github.com/MJE43/prize-wheel/internal/store"
)

// Request is one spin call.
type Request struct {
	UserID         string
	WheelID        string
	IdempotencyKey string
	// CurrentRotationDeg is where the client's wheel currently rests.
	CurrentRotationDeg float64
}

// Result is what the caller gets back. Only the prize, the winning index and
// the target rotation leave the server; the random value does not.
type Result struct {
	SpinID              string          `json:"spinId"`
	PrizeID             string          `json:"prizeId"`
	ResultLabel         string          `json:"resultLabel"`
	PayoutType          string          `json:"payoutType"`
	PayoutValue         decimal.Decimal `json:"payoutValue"`
	RemainingSpinsToday int             `json:"remainingSpinsToday"`
	WinningIndex        int             `json:"winningIndex"`
	TargetRotationDeg   float64         `json:"targetRotationDeg"`
	Replayed            bool            `json:"replayed,omitempty"`
	At                  time.Time       `json:"timestamp"`
}

// Options wires a Service. Catalog and Ledger are required.
type Options struct {
	Catalog *catalog.Catalog
	Ledger  store.Ledger
	Source  rng.Source
	Locker  Locker
	Events  events.Publisher
	Logger  *zap.Logger
	Now     func() time.Time

	// CommitRetries bounds retries of a failed commit before the slot is released.
	CommitRetries uint64
	CommitBackoff time.Duration
}

type Service struct {
	catalog *catalog.Catalog
	ledger  store.Ledger
	source  rng.Source
	locker  Locker
	events  events.Publisher
	logger  *zap.Logger
	now     func() time.Time

	commitRetries uint64
	commitBackoff time.Duration
}

func NewService(opts Options) (*Service, error) {
	if opts.Catalog == nil || opts.Ledger == nil {
		return nil, errors.New("spin service requires a catalog and a ledger")
	}
	s := &Service{
		catalog:       opts.Catalog,
		ledger:        opts.Ledger,
		source:        opts.Source,
		locker:        opts.Locker,
		events:        opts.Events,
		logger:        opts.Logger,
		now:           opts.Now,
		commitRetries: opts.CommitRetries,
		commitBackoff: opts.CommitBackoff,
	}
	if s.source == nil {
		s.source = rng.CryptoSource{}
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.commitRetries == 0 {
		s.commitRetries = 3
	}
	if s.commitBackoff <= 0 {
		s.commitBackoff = 20 * time.Millisecond
	}
	return s, nil
}

// session tracks one spin through its states.
type session struct {
	state  State
	logger *zap.Logger
}

func (s *session) to(next State) {
	if !CanTransition(s.state, next) {
		s.logger.Error("illegal spin state transition",
			zap.Stringer("from", s.state), zap.Stringer("to", next))
	}
	s.logger.Debug("spin state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

// Spin performs one authoritative spin.
func (s *Service) Spin(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Result{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if math.IsNaN(req.CurrentRotationDeg) || math.IsInf(req.CurrentRotationDeg, 0) {
		return Result{}, fmt.Errorf("%w: currentRotationDeg must be finite", ErrInvalidRequest)
	}
	w, err := s.catalog.Get(req.WheelID)
	if err != nil {
		return Result{}, err
	}

	log := s.logger.With(zap.String("user_id", req.UserID), zap.String("wheel_id", req.WheelID))
	sess := &session{state: StateIdle, logger: log}

	unlock, err := s.locker.Acquire(ctx, req.UserID, req.WheelID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if req.IdempotencyKey != "" {
		if res, ok, err := s.replay(ctx, w, req); ok || err != nil {
			return res, err
		}
	}

	now := s.now()
	reservation, err := s.ledger.Reserve(ctx, store.ReserveRequest{
		UserID:         req.UserID,
		WheelID:        req.WheelID,
		Cap:            w.Config.MaxSpinsPerDay,
		Now:            now,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	sess.to(StateReserved)

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		// The release must happen even when ctx is what failed.
		if rerr := s.ledger.Release(context.WithoutCancel(ctx), reservation); rerr != nil {
			log.Error("release reservation", zap.String("reservation_id", reservation.ID), zap.Error(rerr))
		}
	}
	abort := func(cause error) (Result, error) {
		sess.to(StateAborted)
		release()
		return Result{}, cause
	}

	r, err := s.source.Float64(ctx)
	if err != nil {
		return abort(fmt.Errorf("draw: %w", err))
	}
	_, bound := w.Distribution.Select(r)
	prize, index, err := w.Prize(bound.PrizeID)
	if err != nil {
		return abort(err)
	}
	sess.to(StateDrawn)

	if err := ctx.Err(); err != nil {
		return abort(err)
	}

	award := store.Award{
		PrizeID:      prize.ID,
		ResultLabel:  prize.Name,
		PayoutType:   string(prize.PayoutType),
		PayoutValue:  prize.PayoutValue,
		WinningIndex: index,
		At:           now,
	}
	rec, err := s.commit(ctx, reservation, award)
	if err != nil {
		// A concurrent request with the same key may have won the commit.
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrReservationNotActive) {
			release()
			if replayed, ok, rerr := s.replay(context.WithoutCancel(ctx), w, req); ok && rerr == nil {
				sess.to(StateReplayed)
				log.Info("spin resolved to earlier record",
					zap.String("spin_id", replayed.SpinID),
					zap.String("reservation_id", reservation.ID))
				return replayed, nil
			}
		}
		return abort(fmt.Errorf("commit: %w", err))
	}
	sess.to(StateCommitted)

	remaining := reservation.SpinsCap - reservation.SpinsUsed
	if rec.ReservationID != reservation.ID {
		// The ledger resolved a duplicate key to an earlier record and gave our slot back.
		q, qerr := s.ledger.Quota(ctx, req.UserID, req.WheelID, reservation.Day, w.Config.MaxSpinsPerDay)
		if qerr == nil {
			remaining = q.Remaining()
		}
	} else {
		s.publish(ctx, log, rec)
	}

	out, err := s.result(w, rec, req.CurrentRotationDeg, remaining)
	if err != nil {
		return Result{}, err
	}
	out.Replayed = rec.ReservationID != reservation.ID
	log.Info("spin committed",
		zap.String("spin_id", rec.ID),
		zap.String("prize_id", rec.PrizeID),
		zap.Int("remaining", remaining))
	return out, nil
}

func (s *Service) commit(ctx context.Context, res store.Reservation, award store.Award) (store.SpinRecord, error) {
	var rec store.SpinRecord
	backoff := retry.WithMaxRetries(s.commitRetries, retry.NewExponential(s.commitBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		rec, err = s.ledger.Commit(ctx, res, award)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrReservationNotActive),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			s.logger.Warn("commit failed, retrying", zap.String("reservation_id", res.ID), zap.Error(err))
			return retry.RetryableError(err)
		}
	})
	return rec, err
}

// replay answers a repeated idempotency key with the spin it already produced.
func (s *Service) replay(ctx context.Context, w *catalog.Wheel, req Request) (Result, bool, error) {
	rec, err := s.ledger.RecordByKey(ctx, req.UserID, req.IdempotencyKey)
	if errors.Is(err, store.ErrRecordNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if rec.WheelID != w.Config.WheelID {
		return Result{}, false, ErrIdempotencyKeyReused
	}
	q, err := s.ledger.Quota(ctx, req.UserID, req.WheelID, store.DayKey(s.now()), w.Config.MaxSpinsPerDay)
	if err != nil {
		return Result{}, false, err
	}
	out, err := s.result(w, rec, req.CurrentRotationDeg, q.Remaining())
	if err != nil {
		return Result{}, false, err
	}
	out.Replayed = true
	return out, true, nil
}

func (s *Service) result(w *catalog.Wheel, rec store.SpinRecord, current float64, remaining int) (Result, error) {
	index := rec.WinningIndex
	// A record written under an older wheel version is re-resolved by prize id.
	if index < 0 || index >= w.Resolver.Segments() || w.Config.Segments[index].ID != rec.PrizeID {
		_, i, err := w.Prize(rec.PrizeID)
		if err != nil {
			return Result{}, err
		}
		index = i
	}
	target, err := w.Resolver.ResolveTargetRotation(current, index)
	if err != nil {
		return Result{}, err
	}
	return Result{
		SpinID:              rec.ID,
		PrizeID:             rec.PrizeID,
		ResultLabel:         rec.ResultLabel,
		PayoutType:          rec.PayoutType,
		PayoutValue:         rec.PayoutValue,
		RemainingSpinsToday: remaining,
		WinningIndex:        index,
		TargetRotationDeg:   target,
		At:                  rec.CreatedAt,
	}, nil
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, rec store.SpinRecord) {
	ev := events.PrizeAwarded{
		SpinID:      rec.ID,
		UserID:      rec.UserID,
		WheelID:     rec.WheelID,
		PrizeID:     rec.PrizeID,
		PayoutType:  rec.PayoutType,
		PayoutValue: rec.PayoutValue,
		At:          rec.CreatedAt,
	}
	if err := s.events.PublishPrizeAwarded(context.WithoutCancel(ctx), ev); err != nil {
		log.Error("publish prize awarded", zap.String("spin_id", rec.ID), zap.Error(err))
	}
}
