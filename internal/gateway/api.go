package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/awg"
	"github.com/pulselab/awg-gateway/internal/device"
	"github.com/pulselab/awg-gateway/internal/mempool"
	"github.com/pulselab/awg-gateway/internal/waveform"
)

type moduleInfo struct {
	Name     string               `json:"name"`
	Channels int                  `json:"channels"`
	Memory   []mempool.ClassUsage `json:"memory"`
}

type limitRequest struct {
	SizeLimit int `json:"sizeLimit"`
}

type uploadRequest struct {
	Samples []float64 `json:"samples"`
}

type uploadResponse struct {
	WaveformID string `json:"waveformId"`
	SlotIndex  int    `json:"slotIndex"`
}

type waveformStatus struct {
	Status    string `json:"status"` // pending | uploaded | failed
	SlotIndex int    `json:"slotIndex"`
	Error     string `json:"error,omitempty"`
}

type queueRequest struct {
	WaveformID  string `json:"waveformId"`
	TriggerMode int    `json:"triggerMode"`
	StartDelay  int    `json:"startDelay"`
	Cycles      int    `json:"cycles"`
	Prescaler   int    `json:"prescaler"`
}

// Handler returns the gateway's HTTP API.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(g.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/modules", func(r chi.Router) {
		r.Get("/", g.handleListModules)
		r.Route("/{module}", func(r chi.Router) {
			r.Use(g.requireModule)
			r.Get("/memory", g.handleMemory)
			r.Post("/limit", g.handleSetLimit)
			r.Route("/waveforms", func(r chi.Router) {
				r.Post("/", g.handleUpload)
				r.Get("/{waveformId}", g.handleWaveformStatus)
				r.Post("/{waveformId}/release", g.handleRelease)
			})
			r.Route("/channels/{channel}", func(r chi.Router) {
				r.Post("/queue", g.handleQueue)
				r.Post("/flush", g.handleFlush)
			})
		})
	})

	return r
}

// requireModule rejects requests for unknown modules before the handler runs.
func (g *Gateway) requireModule(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.registry.Get(chi.URLParam(r, "module")); !ok {
			writeJSONError(w, http.StatusNotFound, "module not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) module(r *http.Request) *awg.Module {
	m, _ := g.registry.Get(chi.URLParam(r, "module"))
	return m
}

func (g *Gateway) handleListModules(w http.ResponseWriter, _ *http.Request) {
	names := g.registry.Names()
	out := make([]moduleInfo, 0, len(names))
	for _, name := range names {
		m, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		out = append(out, moduleInfo{
			Name:     m.Name(),
			Channels: m.Channels(),
			Memory:   m.MemoryUsage(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleMemory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.module(r).MemoryUsage())
}

func (g *Gateway) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SizeLimit <= 0 {
		writeJSONError(w, http.StatusBadRequest, "sizeLimit required")
		return
	}
	if err := g.module(r).SetWaveformLimit(req.SizeLimit); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Samples) == 0 {
		writeJSONError(w, http.StatusBadRequest, "samples required")
		return
	}

	m := g.module(r)
	ref, err := m.Upload(req.Samples)
	if err != nil {
		g.writeError(w, err)
		return
	}
	id := g.addRef(m.Name(), ref)
	writeJSON(w, http.StatusAccepted, uploadResponse{
		WaveformID: id,
		SlotIndex:  ref.SlotIndex(),
	})
}

func (g *Gateway) handleWaveformStatus(w http.ResponseWriter, r *http.Request) {
	ref, ok := g.getRef(chi.URLParam(r, "module"), chi.URLParam(r, "waveformId"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "waveform not found")
		return
	}

	status := waveformStatus{SlotIndex: ref.SlotIndex()}
	switch done, err := ref.Uploaded(); {
	case err != nil:
		status.Status = "failed"
		status.Error = err.Error()
	case done:
		status.Status = "uploaded"
	default:
		status.Status = "pending"
	}
	writeJSON(w, http.StatusOK, status)
}

func (g *Gateway) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "waveformId")
	ref, ok := g.getRef(chi.URLParam(r, "module"), id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "waveform not found")
		return
	}
	if err := ref.Release(); err != nil {
		g.writeError(w, err)
		return
	}
	g.removeRef(id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid channel")
		return
	}

	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WaveformID == "" {
		writeJSONError(w, http.StatusBadRequest, "waveformId required")
		return
	}

	m := g.module(r)
	ref, ok := g.getRef(m.Name(), req.WaveformID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "waveform not found")
		return
	}

	err = m.QueueWaveform(channel, ref, awg.PlaybackParams{
		TriggerMode: req.TriggerMode,
		StartDelay:  req.StartDelay,
		Cycles:      req.Cycles,
		Prescaler:   req.Prescaler,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleFlush(w http.ResponseWriter, r *http.Request) {
	channel, err := strconv.Atoi(chi.URLParam(r, "channel"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	if err := g.module(r).Flush(channel); err != nil {
		g.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors onto HTTP statuses.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	var devErr *device.Error
	switch {
	case errors.Is(err, awg.ErrWaveformTooSmall),
		errors.Is(err, awg.ErrUnknownChannel),
		errors.Is(err, mempool.ErrRequestTooLarge),
		errors.Is(err, mempool.ErrCapacityTooLarge),
		errors.Is(err, awg.ErrWrongModule):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, waveform.ErrAlreadyReleased):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, mempool.ErrPoolExhausted),
		errors.Is(err, awg.ErrNotRunning):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, waveform.ErrUploadTimeout),
		errors.Is(err, awg.ErrDrainTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, waveform.ErrUploadFailed), errors.As(err, &devErr):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		g.logger.Error("internal error", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// logRequests logs one line per request with status and duration.
func (g *Gateway) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", chimw.GetReqID(r.Context())),
		)
	})
}
