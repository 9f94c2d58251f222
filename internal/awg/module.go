// Package awg coordinates waveform uploads and playback queueing for AWG
// modules. Module is the asynchronous variant with managed slot memory and a
// background uploader; Direct is the synchronous pass-through variant for
// legacy code that manages slot numbers itself. The variant is chosen at
// construction; there is no runtime switching.
package awg

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/device"
	"github.com/pulselab/awg-gateway/internal/mempool"
	"github.com/pulselab/awg-gateway/internal/metrics"
	"github.com/pulselab/awg-gateway/internal/uploader"
	"github.com/pulselab/awg-gateway/internal/waveform"
)

// MinWaveformSamples is the shortest waveform the hardware plays correctly.
// Note (M3202A): sizes must also be multiples of 10; the slot classes ensure
// that.
const MinWaveformSamples = 2000

var (
	ErrWaveformTooSmall = errors.New("awg: waveform below minimum burst length")
	ErrWrongModule      = errors.New("awg: waveform uploaded to another module")
	ErrUnknownChannel   = errors.New("awg: channel out of range")
	ErrNotRunning       = errors.New("awg: module not started")
	ErrDrainTimeout     = errors.New("awg: timeout draining upload pipeline")
)

// PlaybackParams configure how a queued waveform is launched.
type PlaybackParams struct {
	// TriggerMode: 0 auto, 1 software/HVI, 5 software per cycle,
	// 2 external, 6 external per cycle.
	TriggerMode int
	// StartDelay between trigger and launch, in multiples of 10 ns.
	StartDelay int
	// Cycles the waveform repeats once launched; zero = infinite.
	Cycles int
	// Prescaler reduces the effective sampling rate.
	Prescaler int
}

// Config describes one AWG module.
type Config struct {
	Name          string
	Channels      int
	SizeLimit     int
	UploadTimeout time.Duration
	// Classes overrides the default slot ladder. Tests only.
	Classes []mempool.SizeClass
}

// Module is the asynchronous coordinator for one AWG module. Uploads are
// non-blocking; callers block only when queueing playback of a waveform whose
// upload has not finished yet.
type Module struct {
	name          string
	channels      int
	sizeLimit     int
	uploadTimeout time.Duration
	classes       []mempool.SizeClass
	logger        *zap.Logger
	dev           device.Device

	mu      sync.Mutex
	running bool
	pool    *mempool.Pool
	up      *uploader.Uploader
	queued  map[int][]*waveform.Ref
}

// NewModule creates and starts the asynchronous coordinator.
func NewModule(cfg Config, dev device.Device, logger *zap.Logger) (*Module, error) {
	if cfg.Name == "" {
		return nil, errors.New("awg: module name required")
	}
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("awg: module %s needs at least one channel", cfg.Name)
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	classes := cfg.Classes
	if classes == nil {
		classes = mempool.DefaultSizeClasses
	}

	m := &Module{
		name:          cfg.Name,
		channels:      cfg.Channels,
		sizeLimit:     cfg.SizeLimit,
		uploadTimeout: cfg.UploadTimeout,
		classes:       classes,
		logger:        logger.With(zap.String("module", cfg.Name)),
		dev:           dev,
	}
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Channels returns the number of output channels.
func (m *Module) Channels() int { return m.channels }

// Start creates a fresh slot pool and upload worker. No slot state survives
// a Shutdown/Start cycle. No-op when already running.
func (m *Module) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	pool, err := mempool.NewWithClasses(m.logger, m.classes, m.sizeLimit)
	if err != nil {
		return fmt.Errorf("create slot pool: %w", err)
	}

	m.pool = pool
	m.up = uploader.New(m.dev, m.logger)
	m.queued = make(map[int][]*waveform.Ref, m.channels)
	for ch := 1; ch <= m.channels; ch++ {
		m.queued[ch] = nil
	}
	m.up.Start()

	// Reserve the device-side memory for all freshly created slots.
	for _, s := range m.pool.DrainUninitialized() {
		m.up.SubmitInit(s)
	}

	m.running = true
	m.logger.Info("module started",
		zap.Int("channels", m.channels),
		zap.Int("sizeLimit", m.sizeLimit),
	)
	return nil
}

// SetWaveformLimit raises the maximum waveform size. Additional device
// memory is reserved by the upload worker; the limit can not be reduced.
func (m *Module) SetWaveformLimit(limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}
	if err := m.pool.SetSizeLimit(limit); err != nil {
		return err
	}
	if limit > m.sizeLimit {
		m.sizeLimit = limit
	}
	for _, s := range m.pool.DrainUninitialized() {
		m.up.SubmitInit(s)
	}
	return nil
}

// Upload allocates a memory slot for the waveform and queues the upload.
// Returns immediately; use the ref to wait for or observe completion.
func (m *Module) Upload(samples []float64) (*waveform.Ref, error) {
	if len(samples) < MinWaveformSamples {
		return nil, fmt.Errorf("%w: %d < %d samples",
			ErrWaveformTooSmall, len(samples), MinWaveformSamples)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil, ErrNotRunning
	}
	slot, err := m.pool.Allocate(len(samples))
	if err != nil {
		return nil, err
	}

	ref := waveform.NewRef(m.pool, slot, m.name, m.logger)
	m.logger.Debug("upload queued",
		zap.Int("slot", slot.Index),
		zap.Int("samples", len(samples)),
	)
	m.up.SubmitUpload(ref, samples)
	return ref, nil
}

// QueueWaveform appends an uploaded waveform to a channel's playback queue.
// Blocks until the waveform's upload has completed.
func (m *Module) QueueWaveform(channel int, ref *waveform.Ref, p PlaybackParams) error {
	if channel < 1 || channel > m.channels {
		return fmt.Errorf("%w: %d (module %s has channels 1..%d)",
			ErrUnknownChannel, channel, m.name, m.channels)
	}
	if ref.Module() != m.name {
		return fmt.Errorf("%w: uploaded to %s, queueing on %s",
			ErrWrongModule, ref.Module(), m.name)
	}

	start := time.Now()
	if err := ref.WaitUploaded(m.uploadTimeout); err != nil {
		return err
	}
	waitMs := float64(time.Since(start).Microseconds()) / 1000.0
	metrics.QueueWaitDuration.Observe(waitMs)
	if waitMs > 1 {
		m.logger.Info("waited for upload before queueing",
			zap.Int("slot", ref.SlotIndex()),
			zap.Float64("waitMs", waitMs),
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}

	ref.Enqueued()
	m.queued[channel] = append(m.queued[channel], ref)

	if err := m.dev.EnqueuePlayback(channel, ref.SlotIndex(),
		p.TriggerMode, p.StartDelay, p.Cycles, p.Prescaler); err != nil {
		// The ref stays in the channel list; Flush or Shutdown reclaims it.
		return fmt.Errorf("enqueue playback on channel %d: %w", channel, err)
	}
	metrics.PlaybacksQueuedTotal.Inc()
	return nil
}

// Flush clears a channel's playback queue on the device and drops the
// queue references held for that channel. Slots stay in device memory.
func (m *Module) Flush(channel int) error {
	if channel < 1 || channel > m.channels {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrNotRunning
	}
	if err := m.dev.Flush(channel); err != nil {
		return fmt.Errorf("flush channel %d: %w", channel, err)
	}

	refs := m.queued[channel]
	m.queued[channel] = nil
	for _, ref := range refs {
		ref.Dequeued()
	}
	metrics.FlushesTotal.Inc()
	m.logger.Debug("channel flushed",
		zap.Int("channel", channel),
		zap.Int("dequeued", len(refs)),
	)
	return nil
}

// WaitIdle blocks until every task submitted before the call has finished.
func (m *Module) WaitIdle(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	barrier := m.up.SubmitBarrier()
	m.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s", ErrDrainTimeout, timeout)
	}
}

// MemoryUsage reports per-class slot usage.
func (m *Module) MemoryUsage() []mempool.ClassUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	return m.pool.Usage()
}

// Shutdown stops the upload worker (bounded by timeout), force-dequeues all
// still-queued waveforms and discards the pool and queue. Refs never released
// by their owners are logged and abandoned with the pool. A later Start
// builds everything fresh.
func (m *Module) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	up := m.up
	queued := m.queued
	m.up = nil
	m.pool = nil
	m.queued = nil
	m.mu.Unlock()

	// Stop logs on timeout; device operations can not be interrupted, so a
	// stuck worker is reported, not escalated.
	up.Stop(timeout)

	for channel, refs := range queued {
		for _, ref := range refs {
			if !ref.Released() {
				m.logger.Warn("waveform ref discarded without release",
					zap.Int("slot", ref.SlotIndex()),
					zap.Int("channel", channel),
				)
			}
			ref.Dequeued()
		}
	}
	m.logger.Info("module shut down")
}
