package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Quota and reservation keys outlive their UTC day by a margin; records are kept.
const redisDayTTL = 48 * time.Hour

// RedisLedger is a Ledger for horizontally scaled deployments. Each state
// transition is a single Lua script, so check-and-increment is atomic on the
// server. All keys of a user share the {userID} hash tag.
type RedisLedger struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOptions selects the server and key namespace.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisLedger(ctx context.Context, opts RedisOptions) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLedgerFromClient(rdb, opts.Prefix), nil
}

// NewRedisLedgerFromClient shares an existing client, e.g. with the spin lock.
func NewRedisLedgerFromClient(rdb redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "wheel"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix}
}

// Client exposes the underlying client.
func (r *RedisLedger) Client() redis.UniversalClient { return r.rdb }

func (r *RedisLedger) Close() error { return r.rdb.Close() }

func (r *RedisLedger) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RedisLedger) key(userID string, parts ...string) string {
	return r.prefix + ":{" + userID + "}:" + strings.Join(parts, ":")
}

func (r *RedisLedger) quotaKey(userID, wheelID, day string) string {
	return r.key(userID, "quota", wheelID, day)
}

// KEYS: quota, reservation
// ARGV: cap, ttlSeconds, wheelID, day, idempotencyKey
var reserveScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'used', 0)
redis.call('HSETNX', KEYS[1], 'cap', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
local used = tonumber(redis.call('HGET', KEYS[1], 'used'))
local cap = tonumber(redis.call('HGET', KEYS[1], 'cap'))
if used >= cap then
  return {0, used, cap}
end
used = redis.call('HINCRBY', KEYS[1], 'used', 1)
redis.call('HSET', KEYS[2], 'status', 'reserved', 'wheel', ARGV[3], 'day', ARGV[4], 'key', ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return {1, used, cap}
`)

func (r *RedisLedger) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	day := DayKey(req.Now)
	res := Reservation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		WheelID:        req.WheelID,
		Day:            day,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      req.Now.UTC(),
	}
	if res.IdempotencyKey == "" {
		res.IdempotencyKey = res.ID
	}

	out, err := reserveScript.Run(ctx, r.rdb,
		[]string{r.quotaKey(req.UserID, req.WheelID, day), r.key(req.UserID, "res", res.ID)},
		req.Cap, int(redisDayTTL.Seconds()), req.WheelID, day, res.IdempotencyKey,
	).Int64Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve: %w", err)
	}
	if len(out) != 3 {
		return Reservation{}, fmt.Errorf("reserve: unexpected reply %v", out)
	}
	if out[0] == 0 {
		return Reservation{}, fmt.Errorf("%w: %d of %d used", ErrQuotaExceeded, out[1], out[2])
	}
	res.SpinsUsed, res.SpinsCap = int(out[1]), int(out[2])
	return res, nil
}

// KEYS: reservation, quota, recordByReservation, recordByKey, record, historyAll,
// historyWheel, prizeCounts, wheelCounts, dayCounts, wheelPrizeCounts
// ARGV: recordID, recordJSON, ttlSeconds, wheelID, prizeID
var commitScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[3])
if existing then
  return {'existing', existing}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'reserved' then
  return {'inactive', ''}
end
local dup = redis.call('GET', KEYS[4])
if dup then
  redis.call('HSET', KEYS[1], 'status', 'released')
  local used = tonumber(redis.call('HGET', KEYS[2], 'used') or '0')
  if used > 0 then
    redis.call('HINCRBY', KEYS[2], 'used', -1)
  end
  return {'existing', dup}
end
redis.call('HSET', KEYS[1], 'status', 'committed')
redis.call('SET', KEYS[5], ARGV[2])
redis.call('SET', KEYS[3], ARGV[1], 'EX', ARGV[3])
redis.call('SET', KEYS[4], ARGV[1])
redis.call('LPUSH', KEYS[6], ARGV[1])
redis.call('LPUSH', KEYS[7], ARGV[1])
redis.call('HINCRBY', KEYS[8], ARGV[5], 1)
redis.call('HINCRBY', KEYS[9], ARGV[4], 1)
redis.call('HINCRBY', KEYS[10], ARGV[4], 1)
redis.call('HINCRBY', KEYS[11], ARGV[5], 1)
return {'ok', ARGV[1]}
`)

func (r *RedisLedger) Commit(ctx context.Context, res Reservation, award Award) (SpinRecord, error) {
	key := res.IdempotencyKey
	if key == "" {
		key = res.ID
	}
	rec := newRecord(res, key, award)
	payload, err := json.Marshal(redisRecord(rec))
	if err != nil {
		return SpinRecord{}, err
	}

	u := res.UserID
	out, err := commitScript.Run(ctx, r.rdb,
		[]string{
			r.key(u, "res", res.ID),
			r.quotaKey(u, res.WheelID, res.Day),
			r.key(u, "recres", res.ID),
			r.key(u, "reckey", key),
			r.key(u, "rec", rec.ID),
			r.key(u, "hist"),
			r.key(u, "hist", res.WheelID),
			r.key(u, "stats", "prizes"),
			r.key(u, "stats", "wheels"),
			r.key(u, "stats", "day", res.Day),
			r.key(u, "stats", "prizes", res.WheelID),
		},
		rec.ID, payload, int(redisDayTTL.Seconds()), res.WheelID, rec.PrizeID,
	).StringSlice()
	if err != nil {
		return SpinRecord{}, fmt.Errorf("commit: %w", err)
	}
	if len(out) != 2 {
		return SpinRecord{}, fmt.Errorf("commit: unexpected reply %v", out)
	}
	switch out[0] {
	case "ok":
		return rec, nil
	case "existing":
		return r.record(ctx, u, out[1])
	default:
		return SpinRecord{}, fmt.Errorf("%w: %s", ErrReservationNotActive, res.ID)
	}
}

// KEYS: reservation, quota
var releaseScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'released' then
  return 1
end
if status ~= 'reserved' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'released')
local used = tonumber(redis.call('HGET', KEYS[2], 'used') or '0')
if used > 0 then
  redis.call('HINCRBY', KEYS[2], 'used', -1)
end
return 1
`)

func (r *RedisLedger) Release(ctx context.Context, res Reservation) error {
	ok, err := releaseScript.Run(ctx, r.rdb,
		[]string{r.key(res.UserID, "res", res.ID), r.quotaKey(res.UserID, res.WheelID, res.Day)},
	).Int()
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrReservationNotActive, res.ID)
	}
	return nil
}

func (r *RedisLedger) Quota(ctx context.Context, userID, wheelID, day string, defaultCap int) (Quota, error) {
	q := Quota{UserID: userID, WheelID: wheelID, Day: day, SpinsCap: defaultCap}
	vals, err := r.rdb.HMGet(ctx, r.quotaKey(userID, wheelID, day), "used", "cap").Result()
	if err != nil {
		return Quota{}, err
	}
	if s, ok := vals[0].(string); ok {
		q.SpinsUsed, _ = strconv.Atoi(s)
	}
	if s, ok := vals[1].(string); ok {
		q.SpinsCap, _ = strconv.Atoi(s)
	}
	return q, nil
}

func (r *RedisLedger) RecordByKey(ctx context.Context, userID, key string) (SpinRecord, error) {
	id, err := r.rdb.Get(ctx, r.key(userID, "reckey", key)).Result()
	if errors.Is(err, redis.Nil) {
		return SpinRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return SpinRecord{}, err
	}
	return r.record(ctx, userID, id)
}

func (r *RedisLedger) record(ctx context.Context, userID, id string) (SpinRecord, error) {
	raw, err := r.rdb.Get(ctx, r.key(userID, "rec", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SpinRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return SpinRecord{}, err
	}
	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return SpinRecord{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return SpinRecord(rr), nil
}

func (r *RedisLedger) History(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	q = q.Normalize()
	list := r.key(q.UserID, "hist")
	if q.WheelID != "" {
		list = r.key(q.UserID, "hist", q.WheelID)
	}

	total, err := r.rdb.LLen(ctx, list).Result()
	if err != nil {
		return HistoryPage{}, err
	}
	start := int64(q.Offset())
	ids, err := r.rdb.LRange(ctx, list, start, start+int64(q.Limit)-1).Result()
	if err != nil {
		return HistoryPage{}, err
	}
	if len(ids) == 0 {
		return newHistoryPage(q, int(total), nil), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(q.UserID, "rec", id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return HistoryPage{}, err
	}
	out := make([]SpinRecord, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return HistoryPage{}, fmt.Errorf("history: record %s missing", ids[i])
		}
		var rr redisRecord
		if err := json.Unmarshal([]byte(s), &rr); err != nil {
			return HistoryPage{}, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		out = append(out, SpinRecord(rr))
	}
	return newHistoryPage(q, int(total), out), nil
}

func (r *RedisLedger) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	prizesKey := r.key(q.UserID, "stats", "prizes")
	if q.WheelID != "" {
		prizesKey = r.key(q.UserID, "stats", "prizes", q.WheelID)
	}

	pipe := r.rdb.Pipeline()
	prizes := pipe.HGetAll(ctx, prizesKey)
	wheels := pipe.HGetAll(ctx, r.key(q.UserID, "stats", "wheels"))
	today := pipe.HGetAll(ctx, r.key(q.UserID, "stats", "day", q.Day))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	st := newStats()
	for id, v := range prizes.Val() {
		st.ByPrize[id], _ = strconv.Atoi(v)
	}
	for id, v := range wheels.Val() {
		if q.WheelID != "" && id != q.WheelID {
			continue
		}
		n, _ := strconv.Atoi(v)
		st.ByWheel[id] = n
		st.TotalSpins += n
	}
	for id, v := range today.Val() {
		if q.WheelID != "" && id != q.WheelID {
			continue
		}
		n, _ := strconv.Atoi(v)
		st.TodaySpins += n
	}
	return st, nil
}

// redisRecord carries the fields SpinRecord hides from API JSON.
type redisRecord struct {
	ID             string
	ReservationID  string
	UserID         string
	WheelID        string
	Day            string
	PrizeID        string
	ResultLabel    string
	PayoutType     string
	PayoutValue    decimal.Decimal
	WinningIndex   int
	IdempotencyKey string
	CreatedAt      time.Time
}
