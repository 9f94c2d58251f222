// Package mempool manages AWG waveform memory as reusable fixed-size slots.
//
// Device memory is reserved in slots of sizes from 1e4 to 1e8 samples.
// Reserving memory on the device is slow, so classes are only materialized
// up to the configured size limit, and the limit can only be raised.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/metrics"
)

var (
	ErrCapacityTooLarge = errors.New("mempool: size limit exceeds largest slot class")
	ErrRequestTooLarge  = errors.New("mempool: waveform exceeds size limit")
	ErrPoolExhausted    = errors.New("mempool: no free memory slots")
	ErrNotAllocated     = errors.New("mempool: slot not allocated")
	ErrTokenMismatch    = errors.New("mempool: allocation token mismatch")
)

// SizeClass is one tier of the slot ladder: Count slots of Size samples each.
type SizeClass struct {
	Size  int
	Count int
}

// DefaultSizeClasses is the ladder used for Keysight M32xx-style modules.
// Uploading 1e7 samples takes ~1.5s, 1e8 ~7s; large classes are kept small.
var DefaultSizeClasses = []SizeClass{
	{10_000, 400},
	{100_000, 100},
	{1_000_000, 20},
	{10_000_000, 8},
	{100_000_000, 4},
}

// Slot is the capability returned by Allocate. The token is checked on
// Release to catch double releases and stale handles.
type Slot struct {
	Index int
	Size  int
	Token uint64
}

// SlotInfo identifies a slot that still needs device-side zero-fill.
type SlotInfo struct {
	Index int
	Size  int
}

// ClassUsage reports created/allocated/free counts for one size class.
type ClassUsage struct {
	Size      int `json:"size"`
	Created   int `json:"created"`
	Allocated int `json:"allocated"`
	Free      int `json:"free"`
}

type slot struct {
	index       int
	size        int
	allocated   bool
	initialized bool
	token       uint64
}

// Pool owns the slot ladder for one AWG module. All methods are safe for
// concurrent use; the lock is held only for the duration of each call.
type Pool struct {
	logger  *zap.Logger
	classes []SizeClass // ascending by size

	mu          sync.Mutex
	slots       []slot
	free        map[int][]int // class size -> free slot indexes, FIFO
	createdSize int           // largest materialized class size
	sizeLimit   int
	tokenSeq    uint64
}

// New creates a pool with the default size-class ladder, materialized up to
// sizeLimit.
func New(logger *zap.Logger, sizeLimit int) (*Pool, error) {
	return NewWithClasses(logger, DefaultSizeClasses, sizeLimit)
}

// NewWithClasses creates a pool with a custom ladder. Used by tests and by
// module variants with non-standard memory layouts.
func NewWithClasses(logger *zap.Logger, classes []SizeClass, sizeLimit int) (*Pool, error) {
	sorted := make([]SizeClass, len(classes))
	copy(sorted, classes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	p := &Pool{
		logger:  logger,
		classes: sorted,
		free:    make(map[int][]int),
	}
	if err := p.SetSizeLimit(sizeLimit); err != nil {
		return nil, err
	}
	return p, nil
}

// SetSizeLimit raises the maximum waveform size the pool can hold and
// materializes every not-yet-created class up to it. The limit can not be
// reduced, because device memory reservation cannot be undone.
func (p *Pool) SetSizeLimit(limit int) error {
	classSize, err := p.classFor(limit)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if limit > p.sizeLimit {
		p.sizeLimit = limit
	}
	p.createClasses(classSize)
	return nil
}

// SizeLimit returns the current maximum waveform size.
func (p *Pool) SizeLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLimit
}

// Allocate returns a free slot of at least n samples. The smallest fitting
// class is tried first; when it is exhausted the next larger materialized
// class is used instead of failing.
func (p *Pool) Allocate(n int) (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.sizeLimit {
		return Slot{}, fmt.Errorf("%w: %d samples > limit %d (raise with SetSizeLimit)",
			ErrRequestTooLarge, n, p.sizeLimit)
	}

	for _, class := range p.classes {
		if n > class.Size {
			continue
		}
		if class.Size > p.createdSize {
			// Larger classes are not materialized.
			break
		}
		freeList := p.free[class.Size]
		if len(freeList) == 0 {
			continue
		}
		idx := freeList[0]
		p.free[class.Size] = freeList[1:]

		p.tokenSeq++
		s := &p.slots[idx]
		s.allocated = true
		s.token = p.tokenSeq

		metrics.SlotsAllocated.WithLabelValues(strconv.Itoa(class.Size)).Inc()
		p.logger.Debug("slot allocated",
			zap.Int("slot", idx),
			zap.Int("size", class.Size),
			zap.Uint64("token", s.token),
		)
		return Slot{Index: idx, Size: class.Size, Token: s.token}, nil
	}

	metrics.PoolExhaustedTotal.Inc()
	return Slot{}, fmt.Errorf("%w for waveform of %d samples", ErrPoolExhausted, n)
}

// Release returns an allocated slot to its class free list. The token must
// match the slot's current allocation; stale or repeated releases fail.
func (p *Pool) Release(s Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Index < 0 || s.Index >= len(p.slots) {
		return fmt.Errorf("%w: slot %d does not exist", ErrNotAllocated, s.Index)
	}
	slot := &p.slots[s.Index]
	if !slot.allocated {
		return fmt.Errorf("%w: slot %d", ErrNotAllocated, s.Index)
	}
	if slot.token != s.Token {
		return fmt.Errorf("%w: slot %d current token %d, released with %d",
			ErrTokenMismatch, s.Index, slot.token, s.Token)
	}

	slot.allocated = false
	slot.token = 0
	p.free[slot.size] = append(p.free[slot.size], s.Index)

	metrics.SlotsAllocated.WithLabelValues(strconv.Itoa(slot.size)).Dec()
	p.logger.Debug("slot released", zap.Int("slot", s.Index))
	return nil
}

// DrainUninitialized returns every slot that has never been handed out for
// device-side zero-fill, marking each as claimed so it is returned only once
// across the pool's lifetime.
func (p *Pool) DrainUninitialized() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []SlotInfo
	for i := range p.slots {
		s := &p.slots[i]
		if s.initialized {
			continue
		}
		s.initialized = true
		out = append(out, SlotInfo{Index: s.index, Size: s.size})
	}
	return out
}

// Usage reports per-class slot counts for diagnostics.
func (p *Pool) Usage() []ClassUsage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ClassUsage, 0, len(p.classes))
	for _, class := range p.classes {
		if class.Size > p.createdSize {
			continue
		}
		u := ClassUsage{Size: class.Size, Free: len(p.free[class.Size])}
		for i := range p.slots {
			if p.slots[i].size != class.Size {
				continue
			}
			u.Created++
			if p.slots[i].allocated {
				u.Allocated++
			}
		}
		out = append(out, u)
	}
	return out
}

// classFor returns the smallest class size that can hold n samples.
func (p *Pool) classFor(n int) (int, error) {
	for _, class := range p.classes {
		if class.Size >= n {
			return class.Size, nil
		}
	}
	return 0, fmt.Errorf("%w: %d samples, largest class %d",
		ErrCapacityTooLarge, n, p.classes[len(p.classes)-1].Size)
}

// createClasses materializes all classes up to ceiling that do not exist yet.
// Caller holds p.mu.
func (p *Pool) createClasses(ceiling int) {
	created := 0
	for _, class := range p.classes {
		if class.Size > ceiling {
			break
		}
		if class.Size <= p.createdSize {
			continue
		}
		for i := 0; i < class.Count; i++ {
			idx := len(p.slots)
			p.slots = append(p.slots, slot{index: idx, size: class.Size})
			p.free[class.Size] = append(p.free[class.Size], idx)
			created++
		}
	}
	if ceiling > p.createdSize {
		p.createdSize = ceiling
	}
	if created > 0 {
		p.logger.Info("memory slots created",
			zap.Int("slots", created),
			zap.Int("ceiling", p.createdSize),
		)
	}
}
