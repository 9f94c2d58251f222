// Package device defines the narrow surface of an AWG module's device link.
// The link is not safe for concurrent access; all calls for one device must
// come from a single goroutine (the uploader worker owns Upload, the
// coordinator serializes EnqueuePlayback and Flush behind its own lock).
package device

import "fmt"

// Device is the vendor device link consumed by the gateway.
type Device interface {
	// Upload writes samples into the device memory slot.
	Upload(slotIndex int, samples []float64) error
	// EnqueuePlayback appends a previously uploaded slot to a channel's
	// playback queue.
	EnqueuePlayback(channel, slotIndex, triggerMode, startDelay, cycles, prescaler int) error
	// Flush clears a channel's playback queue. Slots stay in device memory.
	Flush(channel int) error
}

// Error is a failure reported by the vendor device with its native code.
type Error struct {
	Op   string
	Code int
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %s failed: code %d", e.Op, e.Code)
}
