// Package audit replays a wheel's draw over a seeded nonce range and compares
// observed prize frequencies with the configured weights.
package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MJE43/prize-wheel/internal/catalog"
	"github.com/MJE43/prize-wheel/internal/rng"
)

const (
	MaxDraws     = 1_000_000
	DefaultDraws = 100_000
	batchSize    = 4096
)

var ErrInvalidRequest = errors.New("invalid audit request")

// Request describes one audit run. An empty ServerSeed gets a fresh random seed.
type Request struct {
	ServerSeed string `json:"serverSeed,omitempty"`
	ClientSeed string `json:"clientSeed"`
	NonceStart uint64 `json:"nonceStart"`
	Draws      uint64 `json:"draws"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

type PrizeStat struct {
	PrizeID   string  `json:"prizeId"`
	Count     uint64  `json:"count"`
	Expected  float64 `json:"expected"`
	Observed  float64 `json:"observed"`
	Deviation float64 `json:"deviation"`
}

type Report struct {
	WheelID         string      `json:"wheelId"`
	WheelVersion    int         `json:"wheelVersion"`
	ServerSeed      string      `json:"serverSeed"`
	ServerSeedHash  string      `json:"serverSeedHash"`
	ClientSeed      string      `json:"clientSeed"`
	NonceStart      uint64      `json:"nonceStart"`
	Requested       uint64      `json:"requested"`
	Evaluated       uint64      `json:"evaluated"`
	Prizes          []PrizeStat `json:"prizes"`
	MaxAbsDeviation float64     `json:"maxAbsDeviation"`
	ChiSquare       float64     `json:"chiSquare"`
	TimedOut        bool        `json:"timedOut,omitempty"`
	DurationMs      int64       `json:"durationMs"`
}

type job struct {
	start, end uint64 // [start, end)
}

// Auditor fans nonce batches out to GOMAXPROCS workers.
type Auditor struct {
	workerCount int
	countPool   sync.Pool
}

func NewAuditor() *Auditor {
	return &Auditor{workerCount: runtime.GOMAXPROCS(0)}
}

// Run draws req.Draws seeded samples from w's distribution.
// On timeout or cancellation it reports what was evaluated so far.
func (a *Auditor) Run(ctx context.Context, w *catalog.Wheel, req Request) (*Report, error) {
	if req.Draws == 0 {
		req.Draws = DefaultDraws
	}
	if req.Draws > MaxDraws {
		return nil, fmt.Errorf("%w: draws must be <= %d", ErrInvalidRequest, MaxDraws)
	}
	if req.NonceStart > math.MaxUint64-req.Draws {
		return nil, fmt.Errorf("%w: nonce range overflows", ErrInvalidRequest)
	}
	if req.ServerSeed == "" {
		req.ServerSeed = uuid.NewString()
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	n := len(w.Distribution)
	counts := make([]uint64, n)
	var evaluated uint64
	started := time.Now()

	jobs := make(chan job, a.workerCount*2)
	var wg sync.WaitGroup
	for i := 0; i < a.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := a.getCounts(n)
			defer a.countPool.Put(local)
			var buf [1]float64
			for {
				select {
				case <-ctx.Done():
					a.merge(counts, local)
					return
				case j, ok := <-jobs:
					if !ok {
						a.merge(counts, local)
						return
					}
					for nonce := j.start; nonce < j.end; nonce++ {
						rng.FloatsInto(buf[:], req.ServerSeed, req.ClientSeed, nonce)
						idx, _ := w.Distribution.Select(buf[0])
						local[idx]++
					}
					atomic.AddUint64(&evaluated, j.end-j.start)
				}
			}
		}()
	}

	end := req.NonceStart + req.Draws
feed:
	for start := req.NonceStart; start < end; start += batchSize {
		stop := start + batchSize
		if stop > end {
			stop = end
		}
		select {
		case jobs <- job{start, stop}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	rep := &Report{
		WheelID:        w.Config.WheelID,
		WheelVersion:   w.Version,
		ServerSeed:     req.ServerSeed,
		ServerSeedHash: rng.ServerSeedHash(req.ServerSeed),
		ClientSeed:     req.ClientSeed,
		NonceStart:     req.NonceStart,
		Requested:      req.Draws,
		Evaluated:      evaluated,
		TimedOut:       evaluated < req.Draws,
		DurationMs:     time.Since(started).Milliseconds(),
	}
	rep.Prizes, rep.MaxAbsDeviation, rep.ChiSquare = summarize(w, counts, evaluated)
	return rep, nil
}

func (a *Auditor) getCounts(n int) []uint64 {
	if v, ok := a.countPool.Get().([]uint64); ok && cap(v) >= n {
		v = v[:n]
		clear(v)
		return v
	}
	return make([]uint64, n)
}

func (a *Auditor) merge(dst, local []uint64) {
	for i, c := range local {
		if c > 0 {
			atomic.AddUint64(&dst[i], c)
		}
	}
}

func summarize(w *catalog.Wheel, counts []uint64, total uint64) ([]PrizeStat, float64, float64) {
	stats := make([]PrizeStat, len(counts))
	maxDev, chi := 0.0, 0.0
	for i, c := range counts {
		p := w.Distribution.Probability(i)
		st := PrizeStat{PrizeID: w.Distribution[i].PrizeID, Count: c, Expected: p}
		if total > 0 {
			st.Observed = float64(c) / float64(total)
			st.Deviation = st.Observed - p
			if expected := p * float64(total); expected > 0 {
				d := float64(c) - expected
				chi += d * d / expected
			}
		}
		if math.Abs(st.Deviation) > maxDev {
			maxDev = math.Abs(st.Deviation)
		}
		stats[i] = st
	}
	return stats, maxDev, chi
}
