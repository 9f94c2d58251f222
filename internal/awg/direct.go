package awg

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/device"
)

// Direct is the synchronous coordinator variant. There is no slot pool and
// no background worker; the caller owns slot numbering and every call blocks
// on the device. One lock serializes access to the non-reentrant link.
type Direct struct {
	name   string
	logger *zap.Logger

	mu  sync.Mutex
	dev device.Device
}

// NewDirect creates the synchronous pass-through variant.
func NewDirect(name string, dev device.Device, logger *zap.Logger) *Direct {
	return &Direct{
		name:   name,
		logger: logger.With(zap.String("module", name)),
		dev:    dev,
	}
}

// Name returns the module name.
func (d *Direct) Name() string { return d.name }

// LoadWaveform writes samples into the given device memory slot, blocking
// until the device acknowledges.
func (d *Direct) LoadWaveform(slotIndex int, samples []float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Upload(slotIndex, samples); err != nil {
		return fmt.Errorf("load waveform into slot %d: %w", slotIndex, err)
	}
	return nil
}

// QueueSlot appends a loaded slot to a channel's playback queue.
func (d *Direct) QueueSlot(channel, slotIndex int, p PlaybackParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.EnqueuePlayback(channel, slotIndex,
		p.TriggerMode, p.StartDelay, p.Cycles, p.Prescaler); err != nil {
		return fmt.Errorf("queue slot %d on channel %d: %w", slotIndex, channel, err)
	}
	return nil
}

// Flush clears a channel's playback queue.
func (d *Direct) Flush(channel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Flush(channel); err != nil {
		return fmt.Errorf("flush channel %d: %w", channel, err)
	}
	return nil
}
