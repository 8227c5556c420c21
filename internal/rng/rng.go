// Package rng provides the uniform [0, 1) sources the draw is made from.
package rng

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrSourceUnavailable wraps any failure to obtain randomness.
var ErrSourceUnavailable = errors.New("random source unavailable")

// Source yields independent uniform floats in [0, 1).
type Source interface {
	Float64(ctx context.Context) (float64, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context) (float64, error)

func (f SourceFunc) Float64(ctx context.Context) (float64, error) { return f(ctx) }

// Fixed always returns r. Used by tests and the resolve tooling.
func Fixed(r float64) Source {
	return SourceFunc(func(context.Context) (float64, error) { return r, nil })
}

// CryptoSource reads from the operating system CSPRNG.
type CryptoSource struct{}

func (CryptoSource) Float64(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return bytesToFloat(b[:]), nil
}

// bytesToFloat keeps the top 53 bits so every result is exactly representable and < 1.
func bytesToFloat(b []byte) float64 {
	return float64(binary.BigEndian.Uint64(b)>>11) / (1 << 53)
}

// ByteGenerator streams HMAC-SHA256(serverSeed, "clientSeed:nonce:round") output.
type ByteGenerator struct {
	serverSeed  string
	clientSeed  string
	nonce       uint64
	round       int
	roundCursor int
	buffer      [32]byte
}

// NewByteGenerator starts the stream at the given byte cursor.
func NewByteGenerator(serverSeed, clientSeed string, nonce uint64, cursor int) *ByteGenerator {
	bg := &ByteGenerator{
		serverSeed:  serverSeed,
		clientSeed:  clientSeed,
		nonce:       nonce,
		round:       cursor / 32,
		roundCursor: cursor % 32,
	}
	bg.generateRound()
	return bg
}

// Next returns the next byte of the stream.
func (bg *ByteGenerator) Next() byte {
	if bg.roundCursor >= 32 {
		bg.round++
		bg.roundCursor = 0
		bg.generateRound()
	}
	b := bg.buffer[bg.roundCursor]
	bg.roundCursor++
	return b
}

func (bg *ByteGenerator) generateRound() {
	h := hmac.New(sha256.New, []byte(bg.serverSeed))
	fmt.Fprintf(h, "%s:%d:%d", bg.clientSeed, bg.nonce, bg.round)
	copy(bg.buffer[:], h.Sum(nil))
}

// Floats derives count floats for one (seeds, nonce) triple, 8 bytes each.
func Floats(serverSeed, clientSeed string, nonce uint64, count int) []float64 {
	out := make([]float64, count)
	FloatsInto(out, serverSeed, clientSeed, nonce)
	return out
}

// FloatsInto fills dst without allocating.
func FloatsInto(dst []float64, serverSeed, clientSeed string, nonce uint64) {
	bg := NewByteGenerator(serverSeed, clientSeed, nonce, 0)
	var b [8]byte
	for i := range dst {
		for j := range b {
			b[j] = bg.Next()
		}
		dst[i] = bytesToFloat(b[:])
	}
}

// SeededSource is a reproducible source: draw k uses nonce start+k.
// Given the server seed, every draw can be replayed and verified.
type SeededSource struct {
	serverSeed string
	clientSeed string
	nonce      atomic.Uint64
}

// NewSeededSource returns a source whose first draw uses startNonce.
func NewSeededSource(serverSeed, clientSeed string, startNonce uint64) (*SeededSource, error) {
	if serverSeed == "" {
		return nil, errors.New("seeded source requires a server seed")
	}
	s := &SeededSource{serverSeed: serverSeed, clientSeed: clientSeed}
	s.nonce.Store(startNonce)
	return s, nil
}

func (s *SeededSource) Float64(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := s.nonce.Add(1) - 1
	var out [1]float64
	FloatsInto(out[:], s.serverSeed, s.clientSeed, n)
	return out[0], nil
}

// Nonce reports the nonce the next draw will use.
func (s *SeededSource) Nonce() uint64 { return s.nonce.Load() }

// ServerSeedHash is the commitment published before any draws are made.
func ServerSeedHash(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return fmt.Sprintf("%x", sum)
}
