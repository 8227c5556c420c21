package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type quotaKey struct {
	user, wheel, day string
}

type memReservation struct {
	Reservation
	status string
}

// MemoryLedger keeps everything in process. It backs single-instance
// deployments and tests.
type MemoryLedger struct {
	mu           sync.Mutex
	quotas       map[quotaKey]*Quota
	reservations map[string]*memReservation
	records      []SpinRecord // append order == chronological
	byReserv     map[string]int
	byKey        map[string]int // user + "\x00" + key
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		quotas:       make(map[quotaKey]*Quota),
		reservations: make(map[string]*memReservation),
		byReserv:     make(map[string]int),
		byKey:        make(map[string]int),
	}
}

func (m *MemoryLedger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	day := DayKey(req.Now)
	k := quotaKey{req.UserID, req.WheelID, day}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[k]
	if !ok {
		q = &Quota{UserID: req.UserID, WheelID: req.WheelID, Day: day, SpinsCap: req.Cap}
		m.quotas[k] = q
	}
	if q.SpinsUsed >= q.SpinsCap {
		return Reservation{}, fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, q.SpinsUsed, q.SpinsCap)
	}
	q.SpinsUsed++

	res := Reservation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		WheelID:        req.WheelID,
		Day:            day,
		IdempotencyKey: req.IdempotencyKey,
		SpinsUsed:      q.SpinsUsed,
		SpinsCap:       q.SpinsCap,
		CreatedAt:      req.Now.UTC(),
	}
	if res.IdempotencyKey == "" {
		res.IdempotencyKey = res.ID
	}
	m.reservations[res.ID] = &memReservation{Reservation: res, status: StatusReserved}
	return res, nil
}

func (m *MemoryLedger) Commit(ctx context.Context, res Reservation, award Award) (SpinRecord, error) {
	if err := ctx.Err(); err != nil {
		return SpinRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.byReserv[res.ID]; ok {
		return m.records[i], nil
	}
	r, ok := m.reservations[res.ID]
	if !ok || r.status != StatusReserved {
		return SpinRecord{}, fmt.Errorf("%w: %s", ErrReservationNotActive, res.ID)
	}

	idemKey := r.UserID + "\x00" + r.IdempotencyKey
	if i, dup := m.byKey[idemKey]; dup {
		r.status = StatusReleased
		m.decrement(r.Reservation)
		return m.records[i], nil
	}

	rec := newRecord(r.Reservation, r.IdempotencyKey, award)
	r.status = StatusCommitted
	m.records = append(m.records, rec)
	m.byReserv[r.ID] = len(m.records) - 1
	m.byKey[idemKey] = len(m.records) - 1
	return rec, nil
}

func (m *MemoryLedger) Release(ctx context.Context, res Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReservationNotActive, res.ID)
	}
	switch r.status {
	case StatusReleased:
		return nil
	case StatusCommitted:
		return fmt.Errorf("%w: %s already committed", ErrReservationNotActive, res.ID)
	}
	r.status = StatusReleased
	m.decrement(r.Reservation)
	return nil
}

func (m *MemoryLedger) decrement(r Reservation) {
	if q, ok := m.quotas[quotaKey{r.UserID, r.WheelID, r.Day}]; ok && q.SpinsUsed > 0 {
		q.SpinsUsed--
	}
}

func (m *MemoryLedger) Quota(ctx context.Context, userID, wheelID, day string, defaultCap int) (Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quotas[quotaKey{userID, wheelID, day}]; ok {
		return *q, nil
	}
	return Quota{UserID: userID, WheelID: wheelID, Day: day, SpinsCap: defaultCap}, nil
}

func (m *MemoryLedger) RecordByKey(ctx context.Context, userID, idempotencyKey string) (SpinRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byKey[userID+"\x00"+idempotencyKey]; ok {
		return m.records[i], nil
	}
	return SpinRecord{}, ErrRecordNotFound
}

func (m *MemoryLedger) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	q = q.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []SpinRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.UserID != q.UserID || (q.WheelID != "" && r.WheelID != q.WheelID) {
			continue
		}
		matched = append(matched, r)
	}
	total := len(matched)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	page := make([]SpinRecord, end-start)
	copy(page, matched[start:end])
	return newHistoryPage(q, total, page), nil
}

func (m *MemoryLedger) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := newStats()
	for _, r := range m.records {
		if r.UserID != q.UserID || (q.WheelID != "" && r.WheelID != q.WheelID) {
			continue
		}
		st.TotalSpins++
		if r.Day == q.Day {
			st.TodaySpins++
		}
		st.ByPrize[r.PrizeID]++
		st.ByWheel[r.WheelID]++
	}
	return st, nil
}

func (m *MemoryLedger) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryLedger) Close() error { return nil }
