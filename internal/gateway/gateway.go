// Package gateway exposes the AWG coordinator over an internal HTTP API.
// Waveform refs are surfaced to HTTP clients as UUIDs held in a registry;
// a client owns a ref from upload until it posts the release.
package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/awg"
	"github.com/pulselab/awg-gateway/internal/config"
	"github.com/pulselab/awg-gateway/internal/metrics"
	"github.com/pulselab/awg-gateway/internal/waveform"
)

// Gateway holds the module registry and the HTTP-visible waveform refs.
type Gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *awg.Registry

	mu   sync.Mutex
	refs map[string]*refEntry
}

type refEntry struct {
	ref    *waveform.Ref
	module string
}

// New creates a gateway serving the given module registry.
func New(cfg *config.Config, registry *awg.Registry, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		refs:     make(map[string]*refEntry),
	}
}

// addRef registers a waveform ref and returns its HTTP-visible id.
func (g *Gateway) addRef(module string, ref *waveform.Ref) string {
	id := uuid.New().String()
	g.mu.Lock()
	g.refs[id] = &refEntry{ref: ref, module: module}
	g.mu.Unlock()
	metrics.WaveformRefsActive.Inc()
	return id
}

// getRef looks up a ref by id, scoped to a module.
func (g *Gateway) getRef(module, id string) (*waveform.Ref, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.refs[id]
	if !ok || e.module != module {
		return nil, false
	}
	return e.ref, true
}

// removeRef drops a ref from the registry after release.
func (g *Gateway) removeRef(id string) {
	g.mu.Lock()
	if _, ok := g.refs[id]; ok {
		delete(g.refs, id)
		metrics.WaveformRefsActive.Dec()
	}
	g.mu.Unlock()
}

// RefCount returns the number of refs currently held for HTTP clients.
func (g *Gateway) RefCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refs)
}

// Shutdown stops every module and drops all HTTP-visible refs. Refs never
// released by their clients are discarded along with the module pools.
func (g *Gateway) Shutdown() {
	timeout := time.Duration(g.cfg.ShutdownTimeoutSec) * time.Second
	g.registry.ShutdownAll(timeout)

	g.mu.Lock()
	leaked := len(g.refs)
	g.refs = make(map[string]*refEntry)
	g.mu.Unlock()
	metrics.WaveformRefsActive.Set(0)

	if leaked > 0 {
		g.logger.Warn("waveform refs discarded at shutdown", zap.Int("count", leaked))
	}
	g.logger.Info("gateway shutdown complete")
}
