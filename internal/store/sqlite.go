package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteLedger is a Ledger backed by a single SQLite file.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens/creates the database at path and runs migrations.
func NewSQLiteLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is not concurrent for writes
	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLedger{db: db}, nil
}

func (s *SQLiteLedger) Close() error { return s.db.Close() }

func (s *SQLiteLedger) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteLedger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	day := DayKey(req.Now)
	now := req.Now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spin_quotas(user_id, wheel_id, day, spins_used, spins_cap)
		 VALUES(?, ?, ?, 0, ?) ON CONFLICT(user_id, wheel_id, day) DO NOTHING`,
		req.UserID, req.WheelID, day, req.Cap); err != nil {
		return Reservation{}, fmt.Errorf("init quota: %w", err)
	}

	var used, spinsCap int
	err = tx.QueryRowContext(ctx,
		`UPDATE spin_quotas SET spins_used = spins_used + 1
		 WHERE user_id=? AND wheel_id=? AND day=? AND spins_used < spins_cap
		 RETURNING spins_used, spins_cap`,
		req.UserID, req.WheelID, day).Scan(&used, &spinsCap)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrQuotaExceeded
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("increment quota: %w", err)
	}

	res := Reservation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		WheelID:        req.WheelID,
		Day:            day,
		IdempotencyKey: req.IdempotencyKey,
		SpinsUsed:      used,
		SpinsCap:       spinsCap,
		CreatedAt:      now,
	}
	if res.IdempotencyKey == "" {
		res.IdempotencyKey = res.ID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spin_reservations(id, user_id, wheel_id, day, idempotency_key, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.UserID, res.WheelID, res.Day, res.IdempotencyKey, StatusReserved, now, now); err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

func (s *SQLiteLedger) Commit(ctx context.Context, res Reservation, award Award) (SpinRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SpinRecord{}, err
	}
	defer tx.Rollback()

	if rec, err := scanRecord(tx.QueryRowContext(ctx,
		recordSelect+` WHERE reservation_id=?`, res.ID)); err == nil {
		return rec, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return SpinRecord{}, err
	}

	var key string
	err = tx.QueryRowContext(ctx,
		`SELECT idempotency_key FROM spin_reservations WHERE id=? AND status=?`,
		res.ID, StatusReserved).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return SpinRecord{}, fmt.Errorf("%w: %s", ErrReservationNotActive, res.ID)
	}
	if err != nil {
		return SpinRecord{}, err
	}

	// Same client key already committed by another reservation: give this slot back.
	if dup, err := scanRecord(tx.QueryRowContext(ctx,
		recordSelect+` WHERE user_id=? AND idempotency_key=?`, res.UserID, key)); err == nil {
		if err := s.releaseTx(ctx, tx, res); err != nil {
			return SpinRecord{}, err
		}
		return dup, tx.Commit()
	} else if !errors.Is(err, sql.ErrNoRows) {
		return SpinRecord{}, err
	}

	rec := newRecord(res, key, award)
	if _, err := tx.ExecContext(ctx,
		`UPDATE spin_reservations SET status=?, updated_at=? WHERE id=?`,
		StatusCommitted, rec.CreatedAt, res.ID); err != nil {
		return SpinRecord{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spin_records(id, reservation_id, user_id, wheel_id, day, prize_id, result_label,
		   payout_type, payout_value, winning_index, idempotency_key, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ReservationID, rec.UserID, rec.WheelID, rec.Day, rec.PrizeID, rec.ResultLabel,
		rec.PayoutType, rec.PayoutValue.String(), rec.WinningIndex, rec.IdempotencyKey, rec.CreatedAt); err != nil {
		if isConstraintErr(err) {
			return SpinRecord{}, fmt.Errorf("%w: %v", ErrReservationNotActive, err)
		}
		return SpinRecord{}, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SpinRecord{}, err
	}
	return rec, nil
}

func (s *SQLiteLedger) Release(ctx context.Context, res Reservation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.releaseTx(ctx, tx, res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteLedger) releaseTx(ctx context.Context, tx *sql.Tx, res Reservation) error {
	out, err := tx.ExecContext(ctx,
		`UPDATE spin_reservations SET status=?, updated_at=? WHERE id=? AND status=?`,
		StatusReleased, time.Now().UTC(), res.ID, StatusReserved)
	if err != nil {
		return err
	}
	if n, _ := out.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM spin_reservations WHERE id=?`, res.ID).Scan(&status)
		if err == nil && status == StatusReleased {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrReservationNotActive, res.ID)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE spin_quotas SET spins_used = spins_used - 1
		 WHERE user_id=? AND wheel_id=? AND day=? AND spins_used > 0`,
		res.UserID, res.WheelID, res.Day)
	return err
}

func (s *SQLiteLedger) Quota(ctx context.Context, userID, wheelID, day string, defaultCap int) (Quota, error) {
	q := Quota{UserID: userID, WheelID: wheelID, Day: day, SpinsCap: defaultCap}
	err := s.db.QueryRowContext(ctx,
		`SELECT spins_used, spins_cap FROM spin_quotas WHERE user_id=? AND wheel_id=? AND day=?`,
		userID, wheelID, day).Scan(&q.SpinsUsed, &q.SpinsCap)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Quota{}, err
	}
	return q, nil
}

func (s *SQLiteLedger) RecordByKey(ctx context.Context, userID, key string) (SpinRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		recordSelect+` WHERE user_id=? AND idempotency_key=?`, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return SpinRecord{}, ErrRecordNotFound
	}
	return rec, err
}

func (s *SQLiteLedger) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	q = q.Normalize()
	where, args := `WHERE user_id=?`, []any{q.UserID}
	if q.WheelID != "" {
		where += ` AND wheel_id=?`
		args = append(args, q.WheelID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spin_records `+where, args...).Scan(&total); err != nil {
		return HistoryPage{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		recordSelect+` `+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset())...)
	if err != nil {
		return HistoryPage{}, err
	}
	defer rows.Close()

	var out []SpinRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, err
	}
	return newHistoryPage(q, total, out), nil
}

func (s *SQLiteLedger) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	where, args := `WHERE user_id=?`, []any{q.UserID}
	if q.WheelID != "" {
		where += ` AND wheel_id=?`
		args = append(args, q.WheelID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT wheel_id, prize_id, COUNT(*), SUM(CASE WHEN day = ? THEN 1 ELSE 0 END)
		 FROM spin_records `+where+` GROUP BY wheel_id, prize_id`,
		append([]any{q.Day}, args...)...)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var wheelID, prizeID string
		var n, today int
		if err := rows.Scan(&wheelID, &prizeID, &n, &today); err != nil {
			return Stats{}, err
		}
		st.TotalSpins += n
		st.TodaySpins += today
		st.ByPrize[prizeID] += n
		st.ByWheel[wheelID] += n
	}
	return st, rows.Err()
}

const recordSelect = `SELECT id, reservation_id, user_id, wheel_id, day, prize_id, result_label,
	payout_type, payout_value, winning_index, idempotency_key, created_at FROM spin_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (SpinRecord, error) {
	var rec SpinRecord
	var value string
	err := row.Scan(&rec.ID, &rec.ReservationID, &rec.UserID, &rec.WheelID, &rec.Day, &rec.PrizeID,
		&rec.ResultLabel, &rec.PayoutType, &value, &rec.WinningIndex, &rec.IdempotencyKey, &rec.CreatedAt)
	if err != nil {
		return SpinRecord{}, err
	}
	if rec.PayoutValue, err = decimal.NewFromString(value); err != nil {
		return SpinRecord{}, fmt.Errorf("record %s payout value: %w", rec.ID, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func newRecord(res Reservation, key string, award Award) SpinRecord {
	at := award.At
	if at.IsZero() {
		at = time.Now()
	}
	return SpinRecord{
		ID:             uuid.NewString(),
		ReservationID:  res.ID,
		UserID:         res.UserID,
		WheelID:        res.WheelID,
		Day:            res.Day,
		PrizeID:        award.PrizeID,
		ResultLabel:    award.ResultLabel,
		PayoutType:     award.PayoutType,
		PayoutValue:    award.PayoutValue,
		WinningIndex:   award.WinningIndex,
		IdempotencyKey: key,
		CreatedAt:      at.UTC(),
	}
}

func isConstraintErr(err error) bool {
	// modernc sqlite reports "constraint failed" / "UNIQUE constraint failed".
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "unique constraint")
}
