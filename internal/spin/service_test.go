package spin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MJE43/prize-wheel/internal/catalog"
	"github.com/MJE43/prize-wheel/internal/events"
	"github.com/MJE43/prize-wheel/internal/rng"
	"github.com/MJE43/prize-wheel/internal/store"
	"github.com/MJE43/prize-wheel/internal/wheel"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fourPrizeWheel(id string, maxSpins int) wheel.Config {
	return wheel.Config{
		WheelID:           id,
		MaxSpinsPerDay:    maxSpins,
		PointerPosition:   wheel.PointerTop,
		FullRotations:     5,
		WeightsArePercent: true,
		Segments: []wheel.Prize{
			{ID: "A", Name: "Prize A", Weight: 40, PayoutType: wheel.PayoutPoints, PayoutValue: decimal.NewFromInt(10)},
			{ID: "B", Name: "Prize B", Weight: 30, PayoutType: wheel.PayoutPoints, PayoutValue: decimal.NewFromInt(20)},
			{ID: "C", Name: "Prize C", Weight: 20, PayoutType: wheel.PayoutCurrency, PayoutValue: decimal.RequireFromString("5.00")},
			{ID: "D", Name: "Prize D", Weight: 10, PayoutType: wheel.PayoutBonusSpin, PayoutValue: decimal.NewFromInt(1)},
		},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PrizeAwarded
	err    error
}

func (p *recordingPublisher) PublishPrizeAwarded(_ context.Context, ev events.PrizeAwarded) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	svc    *Service
	ledger store.Ledger
	pub    *recordingPublisher
}

func newFixture(t *testing.T, source rng.Source, ledger store.Ledger, cfgs ...wheel.Config) fixture {
	t.Helper()
	cat := catalog.New()
	if len(cfgs) == 0 {
		cfgs = []wheel.Config{fourPrizeWheel("daily", 3)}
	}
	for _, c := range cfgs {
		if _, err := cat.Publish(c); err != nil {
			t.Fatalf("publish %s: %v", c.WheelID, err)
		}
	}
	if ledger == nil {
		ledger = store.NewMemoryLedger()
	}
	pub := &recordingPublisher{}
	svc, err := NewService(Options{
		Catalog:       cat,
		Ledger:        ledger,
		Source:        source,
		Events:        pub,
		Logger:        zaptest.NewLogger(t),
		Now:           func() time.Time { return fixedNow },
		CommitBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{svc: svc, ledger: ledger, pub: pub}
}

func usedToday(t *testing.T, l store.Ledger, user, wheelID string) int {
	t.Helper()
	q, err := l.Quota(context.Background(), user, wheelID, store.DayKey(fixedNow), 0)
	if err != nil {
		t.Fatal(err)
	}
	return q.SpinsUsed
}

func TestSpinEndToEndForcedPrize(t *testing.T) {
	// Bounds are 0.4, 0.7, 0.9, 1.0; r = 0.75 lands on C at slot 2.
	f := newFixture(t, rng.Fixed(0.75), nil)

	res, err := f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily"})
	if err != nil {
		t.Fatal(err)
	}
	if res.PrizeID != "C" || res.WinningIndex != 2 || res.ResultLabel != "Prize C" {
		t.Fatalf("drew %+v", res)
	}
	if res.TargetRotationDeg != 5*360+225 {
		t.Errorf("target = %v, want 2025", res.TargetRotationDeg)
	}
	if res.RemainingSpinsToday != 2 {
		t.Errorf("remaining = %d, want 2", res.RemainingSpinsToday)
	}
	if !res.PayoutValue.Equal(decimal.NewFromInt(5)) || res.PayoutType != "currency" {
		t.Errorf("payout = %s %s", res.PayoutType, res.PayoutValue)
	}

	back, err := f.svc.Resolve("daily", res.TargetRotationDeg)
	if err != nil {
		t.Fatal(err)
	}
	if back.WinningIndex != 2 || back.Prize.ID != "C" {
		t.Errorf("resolved back to %d (%s)", back.WinningIndex, back.Prize.ID)
	}

	page, _ := f.ledger.History(context.Background(), store.HistoryQuery{UserID: "u1"})
	if page.Total != 1 || page.Records[0].PrizeID != "C" || page.Records[0].ID != res.SpinID {
		t.Errorf("history = %+v", page)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].SpinID != res.SpinID {
		t.Errorf("events = %+v", f.pub.events)
	}
}

func TestSpinTargetFromCurrentRotation(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.75), nil)
	res, err := f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily", CurrentRotationDeg: 2025})
	if err != nil {
		t.Fatal(err)
	}
	// Already resting on C: exactly five more turns.
	if res.TargetRotationDeg != 2025+1800 {
		t.Errorf("target = %v, want %v", res.TargetRotationDeg, 2025+1800)
	}
}

func TestSpinQuotaExceeded(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.1), nil, fourPrizeWheel("daily", 2))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"}); err != nil {
			t.Fatalf("spin %d: %v", i, err)
		}
	}
	_, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	info, err := f.svc.WheelInfo(ctx, "daily", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if info.CanSpin || info.RemainingSpinsToday != 0 {
		t.Errorf("info = canSpin %v remaining %d", info.CanSpin, info.RemainingSpinsToday)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 2 {
		t.Errorf("used = %d", used)
	}
}

func TestSpinInProgress(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	src := rng.SourceFunc(func(ctx context.Context) (float64, error) {
		once.Do(func() { close(entered) })
		<-proceed
		return 0.5, nil
	})
	f := newFixture(t, src, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"})
		done <- err
	}()
	<-entered

	if _, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"}); !errors.Is(err, ErrSpinInProgress) {
		t.Errorf("expected ErrSpinInProgress, got %v", err)
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first spin: %v", err)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 1 {
		t.Errorf("used = %d, want 1", used)
	}
}

func TestSpinReleasesOnDrawFailure(t *testing.T) {
	src := rng.SourceFunc(func(context.Context) (float64, error) {
		return 0, rng.ErrSourceUnavailable
	})
	f := newFixture(t, src, nil)
	_, err := f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily"})
	if !errors.Is(err, rng.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 0 {
		t.Errorf("used after failed draw = %d, want 0", used)
	}
	if len(f.pub.events) != 0 {
		t.Error("event published for an aborted spin")
	}
}

func TestSpinReleasesOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := rng.SourceFunc(func(context.Context) (float64, error) {
		cancel()
		return 0.2, nil
	})
	f := newFixture(t, src, nil)
	_, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 0 {
		t.Errorf("used after cancellation = %d, want 0", used)
	}
	page, _ := f.ledger.History(context.Background(), store.HistoryQuery{UserID: "u1"})
	if page.Total != 0 {
		t.Errorf("history has %d records after cancellation", page.Total)
	}
}

// flakyLedger fails the first failures commits with a transient error.
type flakyLedger struct {
	store.Ledger
	mu       sync.Mutex
	failures int
	calls    int
}

var errTransient = errors.New("connection reset")

func (f *flakyLedger) Commit(ctx context.Context, res store.Reservation, a store.Award) (store.SpinRecord, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return store.SpinRecord{}, errTransient
	}
	return f.Ledger.Commit(ctx, res, a)
}

func TestSpinRetriesTransientCommit(t *testing.T) {
	l := &flakyLedger{Ledger: store.NewMemoryLedger(), failures: 2}
	f := newFixture(t, rng.Fixed(0.95), l)
	res, err := f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily"})
	if err != nil {
		t.Fatal(err)
	}
	if res.PrizeID != "D" || l.calls != 3 {
		t.Errorf("prize %s after %d commit calls", res.PrizeID, l.calls)
	}
}

func TestSpinReleasesWhenCommitKeepsFailing(t *testing.T) {
	l := &flakyLedger{Ledger: store.NewMemoryLedger(), failures: 100}
	f := newFixture(t, rng.Fixed(0.95), l)
	_, err := f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily"})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if l.calls != 4 {
		t.Errorf("commit called %d times, want 4", l.calls)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
}

func TestSpinIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.05), nil, fourPrizeWheel("daily", 3), fourPrizeWheel("vip", 3))
	ctx := context.Background()

	first, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily", IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily", IdempotencyKey: "req-1", CurrentRotationDeg: first.TargetRotationDeg})
	if err != nil {
		t.Fatal(err)
	}
	if again.SpinID != first.SpinID || !again.Replayed {
		t.Errorf("replay = %+v, first = %+v", again, first)
	}
	if again.RemainingSpinsToday != 2 {
		t.Errorf("remaining after replay = %d, want 2", again.RemainingSpinsToday)
	}
	if again.TargetRotationDeg <= first.TargetRotationDeg {
		t.Errorf("replayed target %v not past current %v", again.TargetRotationDeg, first.TargetRotationDeg)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 1 {
		t.Errorf("used = %d, want 1", used)
	}
	if len(f.pub.events) != 1 {
		t.Errorf("published %d events, want 1", len(f.pub.events))
	}

	if _, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "vip", IdempotencyKey: "req-1"}); !errors.Is(err, ErrIdempotencyKeyReused) {
		t.Errorf("expected ErrIdempotencyKeyReused, got %v", err)
	}
}

func TestSpinReleasesOnUnknownPrize(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.75), nil)
	w, err := f.svc.Catalog().Get("daily")
	if err != nil {
		t.Fatal(err)
	}
	w.Distribution[2].PrizeID = "ghost"

	_, err = f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily"})
	if !errors.Is(err, wheel.ErrUnknownPrize) {
		t.Fatalf("expected ErrUnknownPrize, got %v", err)
	}
	if used := usedToday(t, f.ledger, "u1", "daily"); used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
	page, _ := f.ledger.History(context.Background(), store.HistoryQuery{UserID: "u1"})
	if page.Total != 0 || len(f.pub.events) != 0 {
		t.Errorf("aborted spin left history %+v events %+v", page, f.pub.events)
	}
}

// racingLedger lets another request with the same idempotency key commit
// first, then reports our reservation as no longer active.
type racingLedger struct {
	store.Ledger
	winner store.SpinRecord
}

func (l *racingLedger) Commit(ctx context.Context, res store.Reservation, a store.Award) (store.SpinRecord, error) {
	other, err := l.Ledger.Reserve(ctx, store.ReserveRequest{
		UserID:         res.UserID,
		WheelID:        res.WheelID,
		Cap:            res.SpinsCap,
		Now:            res.CreatedAt,
		IdempotencyKey: res.IdempotencyKey,
	})
	if err != nil {
		return store.SpinRecord{}, err
	}
	a.PrizeID, a.ResultLabel, a.WinningIndex = "A", "Prize A", 0
	if l.winner, err = l.Ledger.Commit(ctx, other, a); err != nil {
		return store.SpinRecord{}, err
	}
	return store.SpinRecord{}, store.ErrReservationNotActive
}

func TestSpinLosingCommitRaceReplaysWinner(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ledger := &racingLedger{Ledger: store.NewMemoryLedger()}
	cat := catalog.New()
	if _, err := cat.Publish(fourPrizeWheel("daily", 3)); err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(Options{
		Catalog:       cat,
		Ledger:        ledger,
		Source:        rng.Fixed(0.95),
		Events:        events.Nop{},
		Logger:        zap.New(core),
		Now:           func() time.Time { return fixedNow },
		CommitBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily", IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("losing the commit race should replay, got %v", err)
	}
	if !res.Replayed || res.SpinID != ledger.winner.ID || res.PrizeID != "A" {
		t.Errorf("result = %+v, winner = %+v", res, ledger.winner)
	}
	if res.RemainingSpinsToday != 2 {
		t.Errorf("remaining = %d, want 2", res.RemainingSpinsToday)
	}
	if used := usedToday(t, ledger, "u1", "daily"); used != 1 {
		t.Errorf("used = %d, want 1", used)
	}

	states := logs.FilterMessage("spin state")
	for _, e := range states.All() {
		if e.ContextMap()["to"] == StateAborted.String() {
			t.Errorf("replayed spin logged as aborted: %+v", e.ContextMap())
		}
	}
	last := states.All()[states.Len()-1].ContextMap()["to"]
	if last != StateReplayed.String() {
		t.Errorf("final state = %v, want %s", last, StateReplayed)
	}
	if logs.FilterMessage("spin resolved to earlier record").Len() != 1 {
		t.Error("replay outcome not logged")
	}
}

func TestSpinPublishFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.5), nil)
	f.pub.err = errors.New("broker down")
	res, err := f.svc.Spin(context.Background(), Request{UserID: "u1", WheelID: "daily"})
	if err != nil {
		t.Fatalf("spin failed because of publish error: %v", err)
	}
	page, _ := f.ledger.History(context.Background(), store.HistoryQuery{UserID: "u1"})
	if page.Total != 1 || page.Records[0].ID != res.SpinID {
		t.Errorf("committed spin missing: %+v", page)
	}
}

func TestSpinValidation(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.5), nil)
	ctx := context.Background()
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing user", Request{WheelID: "daily"}, ErrInvalidRequest},
		{"unknown wheel", Request{UserID: "u1", WheelID: "nope"}, ErrWheelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Spin(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestConcurrentSpinsRespectQuota(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.3), nil, fourPrizeWheel("daily", 5))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"})
				if errors.Is(err, ErrSpinInProgress) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
				return
			}
		}()
	}
	wg.Wait()
	if ok != 5 {
		t.Errorf("%d spins succeeded, want 5", ok)
	}
}

func TestWheelInfoAndStats(t *testing.T) {
	f := newFixture(t, rng.Fixed(0.0), nil)
	ctx := context.Background()

	info, err := f.svc.WheelInfo(ctx, "daily", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !info.CanSpin || info.RemainingSpinsToday != 3 || info.SegmentAngleDeg != 90 {
		t.Errorf("info = %+v", info)
	}
	want := map[string]float64{"A": 40, "B": 30, "C": 20, "D": 10}
	for _, p := range info.Prizes {
		if p.ChancePercent != want[p.ID] {
			t.Errorf("chance %s = %v, want %v", p.ID, p.ChancePercent, want[p.ID])
		}
	}

	if _, err := f.svc.Spin(ctx, Request{UserID: "u1", WheelID: "daily"}); err != nil {
		t.Fatal(err)
	}
	st, err := f.svc.Stats(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalSpins != 1 || st.TodaySpins != 1 || st.ByPrize["A"] != 1 {
		t.Errorf("stats = %+v", st)
	}

	if _, err := f.svc.History(ctx, store.HistoryQuery{UserID: "u1", WheelID: "gone"}); !errors.Is(err, ErrWheelNotFound) {
		t.Errorf("expected ErrWheelNotFound, got %v", err)
	}
	if _, err := f.svc.WheelInfo(ctx, "gone", "u1"); !errors.Is(err, ErrWheelNotFound) {
		t.Errorf("expected ErrWheelNotFound, got %v", err)
	}
}

func TestWheels(t *testing.T) {
	f := newFixture(t, nil, nil, fourPrizeWheel("b", 1), fourPrizeWheel("a", 2))
	list := f.svc.Wheels()
	if len(list) != 2 || list[0].WheelID != "a" || list[0].Segments != 4 || list[1].MaxSpinsPerDay != 1 {
		t.Errorf("Wheels() = %+v", list)
	}
}
