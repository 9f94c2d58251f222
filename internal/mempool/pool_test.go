package mempool

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

const (
	smallSize     = 5_000
	mediumSize    = 50_000
	largeSize     = 500_000
	veryLargeSize = 10_000_000

	nSmall     = 400
	nMedium    = 100
	nLarge     = 20
	nVeryLarge = 8
)

func newTestPool(t *testing.T, limit int) *Pool {
	t.Helper()
	p, err := New(zap.NewNop(), limit)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestAllocateRelease(t *testing.T) {
	p := newTestPool(t, 1_000_000)

	// cycle through slots
	for i := 0; i < 1001; i++ {
		s, err := p.Allocate(largeSize)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if err := p.Release(s); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	// allocate all large slots
	slots := make([]Slot, 0, nLarge)
	for i := 0; i < nLarge; i++ {
		s, err := p.Allocate(largeSize)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		slots = append(slots, s)
	}

	if _, err := p.Allocate(largeSize); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	for _, s := range slots {
		if err := p.Release(s); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestAllocateBig(t *testing.T) {
	p := newTestPool(t, 1_000_000)

	if _, err := p.Allocate(veryLargeSize); !errors.Is(err, ErrRequestTooLarge) {
		t.Errorf("expected ErrRequestTooLarge, got %v", err)
	}

	if err := p.SetSizeLimit(veryLargeSize); err != nil {
		t.Fatalf("SetSizeLimit: %v", err)
	}
	s, err := p.Allocate(veryLargeSize)
	if err != nil {
		t.Fatalf("allocate after raise: %v", err)
	}
	if err := p.Release(s); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := p.SetSizeLimit(1_000_000_000); !errors.Is(err, ErrCapacityTooLarge) {
		t.Errorf("expected ErrCapacityTooLarge, got %v", err)
	}
}

func TestAllocateAllSmallFallsBack(t *testing.T) {
	p := newTestPool(t, 1_000_000)

	// Requesting small sizes drains the small class first, then falls back to
	// medium and large classes.
	total := nSmall + nMedium + nLarge
	slots := make([]Slot, 0, total)
	for i := 0; i < total; i++ {
		s, err := p.Allocate(smallSize)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		slots = append(slots, s)
	}

	if _, err := p.Allocate(smallSize); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	for _, s := range slots {
		if err := p.Release(s); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestFallbackUsesLargerClass(t *testing.T) {
	p := newTestPool(t, 1_000_000)

	// Exhaust the small class.
	for i := 0; i < nSmall; i++ {
		if _, err := p.Allocate(smallSize); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}

	// Next small request must come from the medium class.
	s, err := p.Allocate(smallSize)
	if err != nil {
		t.Fatalf("fallback allocate: %v", err)
	}
	if s.Size != 100_000 {
		t.Errorf("expected fallback slot of size 100000, got %d", s.Size)
	}
}

func TestReleaseRoundTripRestoresFreeList(t *testing.T) {
	p := newTestPool(t, 1_000_000)

	before := p.Usage()
	s, err := p.Allocate(mediumSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := p.Release(s); err != nil {
		t.Fatalf("release: %v", err)
	}
	after := p.Usage()

	if len(before) != len(after) {
		t.Fatalf("usage class count changed: %d != %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("class %d usage changed: %+v != %+v", before[i].Size, before[i], after[i])
		}
	}
}

func TestTokenSafety(t *testing.T) {
	p := newTestPool(t, 1_000_000)

	s, err := p.Allocate(smallSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := p.Release(s); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Double release of a now-free slot.
	if err := p.Release(s); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("expected ErrNotAllocated, got %v", err)
	}

	// Reallocate until the same slot index comes around, then release with
	// the stale token.
	var again Slot
	for i := 0; i < nSmall+1; i++ {
		a, err := p.Allocate(smallSize)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if a.Index == s.Index {
			again = a
			break
		}
	}
	if again.Token == 0 {
		t.Fatal("slot index never reallocated")
	}
	if err := p.Release(s); !errors.Is(err, ErrTokenMismatch) {
		t.Errorf("expected ErrTokenMismatch, got %v", err)
	}

	// The stale release must not have corrupted anything.
	if err := p.Release(again); err != nil {
		t.Errorf("release with current token: %v", err)
	}

	// Out-of-range index.
	if err := p.Release(Slot{Index: 99999, Token: 1}); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("expected ErrNotAllocated for bad index, got %v", err)
	}
}

func TestDrainUninitialized(t *testing.T) {
	p := newTestPool(t, smallSize)

	slots := p.DrainUninitialized()
	if len(slots) != nSmall {
		t.Errorf("expected %d uninitialized slots, got %d", nSmall, len(slots))
	}

	if err := p.SetSizeLimit(largeSize); err != nil {
		t.Fatalf("SetSizeLimit: %v", err)
	}
	slots = p.DrainUninitialized()
	if len(slots) != nMedium+nLarge {
		t.Errorf("expected %d new slots, got %d", nMedium+nLarge, len(slots))
	}

	if slots = p.DrainUninitialized(); len(slots) != 0 {
		t.Errorf("expected no slots on second drain, got %d", len(slots))
	}

	// Re-applying the same limit creates nothing.
	if err := p.SetSizeLimit(largeSize); err != nil {
		t.Fatalf("SetSizeLimit: %v", err)
	}
	if slots = p.DrainUninitialized(); len(slots) != 0 {
		t.Errorf("expected no slots after no-op raise, got %d", len(slots))
	}

	if err := p.SetSizeLimit(veryLargeSize); err != nil {
		t.Fatalf("SetSizeLimit: %v", err)
	}
	if slots = p.DrainUninitialized(); len(slots) != nVeryLarge {
		t.Errorf("expected %d new slots, got %d", nVeryLarge, len(slots))
	}
}

func TestCustomLadder(t *testing.T) {
	classes := []SizeClass{{100, 2}, {1000, 1}}
	p, err := NewWithClasses(zap.NewNop(), classes, 1000)
	if err != nil {
		t.Fatalf("NewWithClasses: %v", err)
	}

	a, err := p.Allocate(50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := p.Allocate(50)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	c, err := p.Allocate(50)
	if err != nil {
		t.Fatalf("fallback allocate: %v", err)
	}
	if c.Size != 1000 {
		t.Errorf("expected fallback to 1000-sample class, got %d", c.Size)
	}
	if _, err := p.Allocate(50); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	for _, s := range []Slot{a, b, c} {
		if err := p.Release(s); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
}

func TestUsage(t *testing.T) {
	p := newTestPool(t, 100_000)

	s, err := p.Allocate(smallSize)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	usage := p.Usage()
	if len(usage) != 2 {
		t.Fatalf("expected 2 materialized classes, got %d", len(usage))
	}
	small := usage[0]
	if small.Size != 10_000 || small.Created != nSmall || small.Allocated != 1 || small.Free != nSmall-1 {
		t.Errorf("unexpected small class usage: %+v", small)
	}

	if err := p.Release(s); err != nil {
		t.Fatalf("release: %v", err)
	}
}
