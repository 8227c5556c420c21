// Package catalog holds the published wheel configurations.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MJE43/prize-wheel/internal/wheel"
)

// ErrWheelNotFound is returned for an unknown or unpublished wheel id.
var ErrWheelNotFound = errors.New("wheel not found")

// Wheel is an immutable published wheel: its config plus everything derived from it.
type Wheel struct {
	Config       wheel.Config
	Distribution wheel.Distribution
	Resolver     *wheel.Resolver
	Version      int
	PublishedAt  time.Time

	index map[string]int
}

// Prize looks up a prize and its slot index by id.
func (w *Wheel) Prize(id string) (wheel.Prize, int, error) {
	i, ok := w.index[id]
	if !ok {
		return wheel.Prize{}, -1, fmt.Errorf("%w: %q on wheel %q", wheel.ErrUnknownPrize, id, w.Config.WheelID)
	}
	return w.Config.Segments[i], i, nil
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	wheels map[string]*Wheel
	now    func() time.Time
}

func New() *Catalog {
	return &Catalog{wheels: make(map[string]*Wheel), now: time.Now}
}

// Compile validates a config and derives its distribution and resolver
// without publishing it.
func Compile(cfg wheel.Config) (*Wheel, error) {
	if cfg.PointerPosition == "" {
		cfg.PointerPosition = wheel.PointerTop
	}
	if cfg.FullRotations == 0 {
		cfg.FullRotations = wheel.DefaultFullRotations
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dist, err := wheel.BuildDistribution(cfg.Weights())
	if err != nil {
		return nil, err
	}
	res, err := wheel.NewResolver(cfg)
	if err != nil {
		return nil, err
	}

	segs := make([]wheel.Prize, len(cfg.Segments))
	copy(segs, cfg.Segments)
	cfg.Segments = segs

	idx := make(map[string]int, len(segs))
	for i, p := range segs {
		idx[p.ID] = i
	}
	return &Wheel{Config: cfg, Distribution: dist, Resolver: res, index: idx}, nil
}

// Publish validates cfg and makes it the active version of its wheel.
// A rejected config leaves the previous version in place.
func (c *Catalog) Publish(cfg wheel.Config) (*Wheel, error) {
	w, err := Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("publish wheel %q: %w", cfg.WheelID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	w.Version = 1
	if prev, ok := c.wheels[w.Config.WheelID]; ok {
		w.Version = prev.Version + 1
	}
	w.PublishedAt = c.now().UTC()
	c.wheels[w.Config.WheelID] = w
	return w, nil
}

// Get returns the active version of a wheel.
func (c *Catalog) Get(id string) (*Wheel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.wheels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWheelNotFound, id)
	}
	return w, nil
}

// List returns all published wheels ordered by id.
func (c *Catalog) List() []*Wheel {
	c.mu.RLock()
	out := make([]*Wheel, 0, len(c.wheels))
	for _, w := range c.wheels {
		out = append(out, w)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Config.WheelID < out[j].Config.WheelID })
	return out
}

// Len reports the number of published wheels.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.wheels)
}
