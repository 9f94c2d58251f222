// Package uploader runs the background upload pipeline for one AWG module.
//
// A single worker goroutine owns the device link and executes submitted
// tasks strictly in submission order; the link is not safe for concurrent
// access, so all device writes go through this worker.
package uploader

import (
	"time"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/device"
	"github.com/pulselab/awg-gateway/internal/mempool"
	"github.com/pulselab/awg-gateway/internal/metrics"
)

// Completer receives the outcome of an upload task.
type Completer interface {
	SlotIndex() int
	Complete(err error)
}

// Uploader feeds waveform data to a device from a single worker goroutine.
type Uploader struct {
	logger  *zap.Logger
	dev     device.Device
	queue   *taskQueue
	stopped chan struct{}
}

// New creates an uploader for one device link. Call Start to begin draining.
func New(dev device.Device, logger *zap.Logger) *Uploader {
	return &Uploader{
		logger:  logger,
		dev:     dev,
		queue:   newTaskQueue(),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (u *Uploader) Start() {
	go u.run()
}

// SubmitUpload queues the waveform for upload into the ref's slot.
// Non-blocking; the outcome is delivered via ref.Complete.
func (u *Uploader) SubmitUpload(ref Completer, samples []float64) {
	u.queue.push(task{kind: taskUpload, ref: ref, samples: samples})
}

// SubmitInit queues a device-side zero-fill of a freshly created slot.
func (u *Uploader) SubmitInit(s mempool.SlotInfo) {
	u.queue.push(task{kind: taskInit, slotIndex: s.Index, slotSize: s.Size})
}

// SubmitBarrier queues a no-op task. The returned channel closes once every
// task submitted before the barrier has finished.
func (u *Uploader) SubmitBarrier() <-chan struct{} {
	done := make(chan struct{})
	u.queue.push(task{kind: taskBarrier, done: done})
	return done
}

// Stop submits the stop sentinel and waits up to timeout for the worker to
// drain the queue and exit. Reports false if the worker is still running.
func (u *Uploader) Stop(timeout time.Duration) bool {
	u.queue.push(task{kind: taskStop})
	select {
	case <-u.stopped:
		return true
	case <-time.After(timeout):
		u.logger.Error("upload worker stop timed out",
			zap.Duration("timeout", timeout),
			zap.Int("pending", u.queue.depth()),
		)
		return false
	}
}

// Depth returns the number of tasks waiting in the queue.
func (u *Uploader) Depth() int {
	return u.queue.depth()
}

func (u *Uploader) run() {
	defer close(u.stopped)
	u.logger.Info("upload worker ready")

	// Zero-fill buffer, reused across consecutive init tasks of equal size.
	var zeros []float64

	for {
		t := u.queue.pop()
		switch t.kind {
		case taskStop:
			u.logger.Info("upload worker terminated")
			return

		case taskBarrier:
			close(t.done)

		case taskInit:
			if len(zeros) != t.slotSize {
				zeros = make([]float64, t.slotSize)
			}
			start := time.Now()
			if err := u.dev.Upload(t.slotIndex, zeros); err != nil {
				u.logger.Error("slot zero-fill failed",
					zap.Int("slot", t.slotIndex),
					zap.Error(err),
				)
				continue
			}
			metrics.SlotsInitializedTotal.Inc()
			metrics.UploadDuration.WithLabelValues("init").
				Observe(float64(time.Since(start).Microseconds()) / 1000.0)

		case taskUpload:
			start := time.Now()
			err := u.dev.Upload(t.ref.SlotIndex(), t.samples)
			durationMs := float64(time.Since(start).Microseconds()) / 1000.0
			metrics.UploadDuration.WithLabelValues("upload").Observe(durationMs)

			if err != nil {
				// Recorded on the ref and surfaced when the caller next
				// observes it; a failed upload must not stop the worker.
				u.logger.Error("waveform upload failed",
					zap.Int("slot", t.ref.SlotIndex()),
					zap.Int("samples", len(t.samples)),
					zap.Error(err),
				)
				metrics.UploadsTotal.WithLabelValues("error").Inc()
			} else {
				u.logger.Debug("waveform uploaded",
					zap.Int("slot", t.ref.SlotIndex()),
					zap.Int("samples", len(t.samples)),
					zap.Float64("durationMs", durationMs),
				)
				metrics.UploadsTotal.WithLabelValues("success").Inc()
			}
			t.ref.Complete(err)
		}
	}
}
