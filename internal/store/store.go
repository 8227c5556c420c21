// Package store implements the spin quota ledger and the spin history.
//
// Every implementation makes Reserve a single atomic check-and-increment of
// the day-scoped counter. Commit appends the immutable SpinRecord and is
// idempotent per reservation and per client idempotency key. Release gives
// the slot back.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrQuotaExceeded is returned by Reserve when spinsUsed has reached spinsCap.
	ErrQuotaExceeded = errors.New("daily spin quota exceeded")

	// ErrReservationNotActive means the reservation was already released, or
	// committed under a different record, or never existed.
	ErrReservationNotActive = errors.New("reservation is not active")

	// ErrRecordNotFound is returned by RecordByKey.
	ErrRecordNotFound = errors.New("spin record not found")
)

// Reservation statuses as persisted.
const (
	StatusReserved  = "reserved"
	StatusCommitted = "committed"
	StatusReleased  = "released"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// DayKey is the UTC calendar day a spin counts against.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ReserveRequest asks for one spin slot.
type ReserveRequest struct {
	UserID  string
	WheelID string
	// Cap is the wheel's maxSpinsPerDay; it only seeds the day row when the row is created.
	Cap            int
	Now            time.Time
	IdempotencyKey string
}

// Reservation is a held spin slot.
type Reservation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	WheelID        string    `json:"wheelId"`
	Day            string    `json:"day"`
	IdempotencyKey string    `json:"idempotencyKey"`
	SpinsUsed      int       `json:"spinsUsed"`
	SpinsCap       int       `json:"spinsCap"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Award is what the draw produced for a reservation.
type Award struct {
	PrizeID      string
	ResultLabel  string
	PayoutType   string
	PayoutValue  decimal.Decimal
	WinningIndex int
	At           time.Time
}

// SpinRecord is the immutable history entry of a completed spin.
type SpinRecord struct {
	ID             string          `json:"id"`
	ReservationID  string          `json:"-"`
	UserID         string          `json:"userId"`
	WheelID        string          `json:"wheelId"`
	Day            string          `json:"day"`
	PrizeID        string          `json:"prizeId"`
	ResultLabel    string          `json:"resultLabel"`
	PayoutType     string          `json:"payoutType"`
	PayoutValue    decimal.Decimal `json:"payoutValue"`
	WinningIndex   int             `json:"winningIndex"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// Quota is the day counter for (user, wheel, day).
type Quota struct {
	UserID    string `json:"userId"`
	WheelID   string `json:"wheelId"`
	Day       string `json:"day"`
	SpinsUsed int    `json:"spinsUsed"`
	SpinsCap  int    `json:"spinsCap"`
}

// Remaining is spinsCap - spinsUsed, never negative.
func (q Quota) Remaining() int {
	if r := q.SpinsCap - q.SpinsUsed; r > 0 {
		return r
	}
	return 0
}

// HistoryQuery selects one page of a user's spins, newest first.
// An empty WheelID spans all wheels.
type HistoryQuery struct {
	UserID  string
	WheelID string
	Page    int
	Limit   int
}

// Normalize clamps paging to page >= 1 and limit in [1, MaxHistoryLimit].
// Page is capped so Offset never overflows; such a page is past the end.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if maxPage := math.MaxInt / q.Limit; q.Page > maxPage {
		q.Page = maxPage
	}
	return q
}

// Offset is the number of records skipped before this page.
func (q HistoryQuery) Offset() int { return (q.Page - 1) * q.Limit }

// HistoryPage is one page of spin history.
type HistoryPage struct {
	Records    []SpinRecord `json:"records"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

func newHistoryPage(q HistoryQuery, total int, records []SpinRecord) HistoryPage {
	if records == nil {
		records = []SpinRecord{}
	}
	pages := 0
	if total > 0 {
		pages = (total + q.Limit - 1) / q.Limit
	}
	return HistoryPage{Records: records, Total: total, Page: q.Page, Limit: q.Limit, TotalPages: pages}
}

// StatsQuery selects a user's stats, optionally for a single wheel. Day is the "today" key.
type StatsQuery struct {
	UserID  string
	WheelID string
	Day     string
}

// Stats are spin counts for a user.
type Stats struct {
	TotalSpins int            `json:"totalSpins"`
	TodaySpins int            `json:"todaySpins"`
	ByPrize    map[string]int `json:"prizeStats"`
	ByWheel    map[string]int `json:"wheelStats"`
}

func newStats() Stats {
	return Stats{ByPrize: map[string]int{}, ByWheel: map[string]int{}}
}

// Ledger is the one piece of shared mutable state behind a spin.
type Ledger interface {
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	Commit(ctx context.Context, res Reservation, award Award) (SpinRecord, error)
	Release(ctx context.Context, res Reservation) error

	// Quota returns the counter for a day; a missing row reports zero used against defaultCap.
	Quota(ctx context.Context, userID, wheelID, day string, defaultCap int) (Quota, error)
	RecordByKey(ctx context.Context, userID, idempotencyKey string) (SpinRecord, error)
	History(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	Stats(ctx context.Context, q StatsQuery) (Stats, error)

	Ping(ctx context.Context) error
	Close() error
}
