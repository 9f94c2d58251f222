package device

import (
	"sync"
	"time"
)

// Op is one recorded device call, in execution order.
type Op struct {
	Kind      string // "upload", "enqueue", "flush"
	SlotIndex int
	Channel   int
	Samples   int
}

// Sim is an in-memory device for development, tests and soak runs.
// Upload latency and failures are injectable.
type Sim struct {
	// UploadRate throttles uploads, in samples per second. Zero = instant.
	UploadRate int
	// UploadDelay is a fixed extra delay per upload.
	UploadDelay time.Duration
	// FailUpload, when set, is returned for uploads into the given slots.
	FailUpload map[int]error

	mu      sync.Mutex
	ops     []Op
	memory  map[int][]float64
	queues  map[int][]int // channel -> queued slot indexes
	uploads int
}

// NewSim creates an empty simulated device.
func NewSim() *Sim {
	return &Sim{
		memory: make(map[int][]float64),
		queues: make(map[int][]int),
	}
}

func (s *Sim) Upload(slotIndex int, samples []float64) error {
	if s.UploadDelay > 0 {
		time.Sleep(s.UploadDelay)
	}
	if s.UploadRate > 0 {
		time.Sleep(time.Duration(float64(len(samples)) / float64(s.UploadRate) * float64(time.Second)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.FailUpload[slotIndex]; ok && err != nil {
		return err
	}

	stored := make([]float64, len(samples))
	copy(stored, samples)
	s.memory[slotIndex] = stored
	s.uploads++
	s.ops = append(s.ops, Op{Kind: "upload", SlotIndex: slotIndex, Samples: len(samples)})
	return nil
}

func (s *Sim) EnqueuePlayback(channel, slotIndex, triggerMode, startDelay, cycles, prescaler int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memory[slotIndex]; !ok {
		return &Error{Op: "enqueuePlayback", Code: -8000}
	}
	s.queues[channel] = append(s.queues[channel], slotIndex)
	s.ops = append(s.ops, Op{Kind: "enqueue", SlotIndex: slotIndex, Channel: channel})
	return nil
}

func (s *Sim) Flush(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[channel] = nil
	s.ops = append(s.ops, Op{Kind: "flush", Channel: channel})
	return nil
}

// Ops returns a snapshot of all recorded calls in execution order.
func (s *Sim) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Op, len(s.ops))
	copy(out, s.ops)
	return out
}

// SlotData returns a copy of the samples currently stored in a slot.
func (s *Sim) SlotData(slotIndex int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.memory[slotIndex]
	if !ok {
		return nil
	}
	out := make([]float64, len(data))
	copy(out, data)
	return out
}

// Queued returns the slot indexes currently in a channel's playback queue.
func (s *Sim) Queued(channel int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.queues[channel]))
	copy(out, s.queues[channel])
	return out
}

// UploadCount returns the total number of successful uploads.
func (s *Sim) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}
