package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	SlotsAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "awg_gateway_slots_allocated",
		Help: "Number of memory slots currently allocated, by slot size",
	}, []string{"size"})
	UploadQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "awg_gateway_upload_queue_depth",
		Help: "Number of tasks waiting in the upload queue",
	})
	WaveformRefsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "awg_gateway_waveform_refs_active",
		Help: "Number of waveform references held by the HTTP ref registry",
	})
)

// Counters
var (
	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "awg_gateway_uploads_total",
		Help: "Total waveform upload tasks by outcome",
	}, []string{"outcome"})
	SlotsInitializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "awg_gateway_slots_initialized_total",
		Help: "Total device memory slots zero-filled by the uploader",
	})
	PlaybacksQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "awg_gateway_playbacks_queued_total",
		Help: "Total waveforms forwarded to a device playback queue",
	})
	FlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "awg_gateway_flushes_total",
		Help: "Total playback queue flushes",
	})
	PoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "awg_gateway_pool_exhausted_total",
		Help: "Total allocations rejected because no free slot was available",
	})
)

// Histograms
var (
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "awg_gateway_upload_duration_ms",
		Help:    "Device upload duration in milliseconds by task kind",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"kind"})
	QueueWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "awg_gateway_queue_wait_ms",
		Help:    "Time callers spent blocked waiting for an upload before queueing playback",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
	})
)
