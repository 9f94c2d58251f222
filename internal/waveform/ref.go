// Package waveform tracks the lifecycle of one uploaded waveform: upload
// completion, playback-queue references and the deferred return of its
// memory slot to the pool.
package waveform

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/mempool"
)

var (
	ErrAlreadyReleased = errors.New("waveform: reference already released")
	ErrUploadTimeout   = errors.New("waveform: timeout waiting for upload")
	ErrUploadFailed    = errors.New("waveform: upload failed")
)

// Ref is a reference to a waveform (being) uploaded to an AWG module.
//
// The underlying memory slot returns to the pool exactly once, when the
// caller has released the ref and no playback queue references it anymore.
type Ref struct {
	pool   *mempool.Pool
	slot   mempool.Slot
	module string
	logger *zap.Logger

	done chan struct{}

	mu           sync.Mutex
	uploadErr    error
	released     bool
	queuedCount  int
	slotReturned bool
}

// NewRef wraps an allocated slot in a pending upload reference.
func NewRef(pool *mempool.Pool, slot mempool.Slot, module string, logger *zap.Logger) *Ref {
	return &Ref{
		pool:   pool,
		slot:   slot,
		module: module,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// SlotIndex is the number of the wave in AWG memory.
func (r *Ref) SlotIndex() int { return r.slot.Index }

// SlotSize is the capacity of the underlying memory slot in samples.
func (r *Ref) SlotSize() int { return r.slot.Size }

// Module is the name of the AWG module the waveform is uploaded to.
func (r *Ref) Module() string { return r.module }

// Complete records the upload outcome and wakes all waiters. Called exactly
// once by the uploader worker.
func (r *Ref) Complete(err error) {
	r.mu.Lock()
	r.uploadErr = err
	r.mu.Unlock()
	close(r.done)
}

// WaitUploaded blocks until the upload finished or timeout elapsed.
// Returns immediately if the upload already completed.
func (r *Ref) WaitUploaded(timeout time.Duration) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return ErrAlreadyReleased
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(timeout):
		return fmt.Errorf("%w: slot %d after %s", ErrUploadTimeout, r.slot.Index, timeout)
	}
	return r.uploadError()
}

// Uploaded reports whether the upload completed. A recorded upload failure
// is returned on every call until the ref is released.
func (r *Ref) Uploaded() (bool, error) {
	if err := r.uploadError(); err != nil {
		return true, err
	}
	select {
	case <-r.done:
		return true, nil
	default:
		return false, nil
	}
}

// Enqueued records one more playback-queue reference to this waveform.
func (r *Ref) Enqueued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queuedCount++
}

// Dequeued removes one playback-queue reference and returns the slot to the
// pool if the ref was already released.
func (r *Ref) Dequeued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queuedCount--
	r.tryReturnSlot()
}

// QueuedCount returns the number of playback-queue references held.
func (r *Ref) QueuedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queuedCount
}

// Released reports whether the caller has relinquished the ref.
func (r *Ref) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Release relinquishes the ref. The slot returns to the pool once no
// playback queue references it anymore.
func (r *Ref) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return fmt.Errorf("%w: slot %d", ErrAlreadyReleased, r.slot.Index)
	}
	r.released = true
	r.tryReturnSlot()
	return nil
}

func (r *Ref) uploadError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploadErr != nil {
		return fmt.Errorf("%w: slot %d: %s", ErrUploadFailed, r.slot.Index, r.uploadErr.Error())
	}
	return nil
}

// tryReturnSlot returns the slot to the pool when both conditions hold.
// Caller holds r.mu.
func (r *Ref) tryReturnSlot() {
	if r.slotReturned || !r.released || r.queuedCount > 0 {
		return
	}
	r.slotReturned = true
	if err := r.pool.Release(r.slot); err != nil {
		r.logger.Error("slot release failed",
			zap.Int("slot", r.slot.Index),
			zap.Error(err),
		)
	}
}
