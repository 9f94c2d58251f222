package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pulselab/awg-gateway/internal/awg"
	"github.com/pulselab/awg-gateway/internal/config"
	"github.com/pulselab/awg-gateway/internal/device"
	"github.com/pulselab/awg-gateway/internal/mempool"
)

func newTestGateway(t *testing.T) (*Gateway, http.Handler, *device.Sim) {
	t.Helper()
	sim := device.NewSim()
	m, err := awg.NewModule(awg.Config{
		Name:          "awg1",
		Channels:      2,
		SizeLimit:     20_000,
		UploadTimeout: 5 * time.Second,
		Classes: []mempool.SizeClass{
			{Size: 2_000, Count: 3},
			{Size: 20_000, Count: 2},
			{Size: 200_000, Count: 1},
		},
	}, sim, zap.NewNop())
	if err != nil {
		t.Fatalf("NewModule: %v", err)
	}

	reg := awg.NewRegistry()
	if err := reg.Add(m); err != nil {
		t.Fatalf("registry: %v", err)
	}

	g := New(&config.Config{ShutdownTimeoutSec: 5}, reg, zap.NewNop())
	t.Cleanup(g.Shutdown)
	return g, g.Handler(), sim
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadWaveform(t *testing.T, h http.Handler, samples int) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/waveforms",
		uploadRequest{Samples: make([]float64, samples)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if resp.WaveformID == "" {
		t.Fatal("empty waveform id")
	}
	return resp.WaveformID
}

func waitUploaded(t *testing.T, h http.Handler, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, h, http.MethodGet, "/v1/modules/awg1/waveforms/"+id, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status query = %d, body %s", rec.Code, rec.Body.String())
		}
		var st waveformStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		switch st.Status {
		case "uploaded":
			return
		case "failed":
			t.Fatalf("upload failed: %s", st.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("waveform never reached uploaded state")
}

func TestUploadQueueFlushRelease(t *testing.T) {
	g, h, sim := newTestGateway(t)

	id := uploadWaveform(t, h, 2000)
	waitUploaded(t, h, id)

	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/channels/1/queue",
		queueRequest{WaveformID: id, Cycles: 1})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("queue status = %d, body %s", rec.Code, rec.Body.String())
	}
	if queued := sim.Queued(1); len(queued) != 1 {
		t.Errorf("device queue = %v, want one entry", queued)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/modules/awg1/channels/1/flush", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("flush status = %d, body %s", rec.Code, rec.Body.String())
	}
	if queued := sim.Queued(1); len(queued) != 0 {
		t.Errorf("device queue after flush = %v", queued)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/modules/awg1/waveforms/"+id+"/release", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("release status = %d, body %s", rec.Code, rec.Body.String())
	}
	if g.RefCount() != 0 {
		t.Errorf("ref count after release = %d", g.RefCount())
	}

	// The id is gone after release.
	rec = doJSON(t, h, http.MethodGet, "/v1/modules/awg1/waveforms/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after release = %d", rec.Code)
	}
}

func TestUploadTooSmall(t *testing.T) {
	_, h, _ := newTestGateway(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/waveforms",
		uploadRequest{Samples: make([]float64, 100)})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownModule(t *testing.T) {
	_, h, _ := newTestGateway(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg9/waveforms",
		uploadRequest{Samples: make([]float64, 2000)})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueueUnknownWaveform(t *testing.T) {
	_, h, _ := newTestGateway(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/channels/1/queue",
		queueRequest{WaveformID: "no-such-id"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestQueueBadChannel(t *testing.T) {
	_, h, _ := newTestGateway(t)

	id := uploadWaveform(t, h, 2000)
	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/channels/9/queue",
		queueRequest{WaveformID: id})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSetLimit(t *testing.T) {
	_, h, _ := newTestGateway(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/limit",
		limitRequest{SizeLimit: 200_000})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Beyond the largest slot class.
	rec = doJSON(t, h, http.MethodPost, "/v1/modules/awg1/limit",
		limitRequest{SizeLimit: 1_000_000_000})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPoolExhaustedMapsTo503(t *testing.T) {
	_, h, _ := newTestGateway(t)

	for i := 0; i < 5; i++ {
		uploadWaveform(t, h, 2000)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/waveforms",
		uploadRequest{Samples: make([]float64, 2000)})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503, body %s", rec.Code, rec.Body.String())
	}
}

func TestListModulesAndMemory(t *testing.T) {
	_, h, _ := newTestGateway(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/modules/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var mods []moduleInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &mods); err != nil {
		t.Fatalf("decode modules: %v", err)
	}
	if len(mods) != 1 || mods[0].Name != "awg1" || mods[0].Channels != 2 {
		t.Errorf("modules = %+v", mods)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/modules/awg1/memory", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("memory status = %d", rec.Code)
	}
	var usage []mempool.ClassUsage
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(usage) != 2 {
		t.Errorf("expected 2 materialized classes, got %+v", usage)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, h, _ := newTestGateway(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestShutdownDiscardsLeakedRefs(t *testing.T) {
	g, h, _ := newTestGateway(t)

	id := uploadWaveform(t, h, 2000)
	waitUploaded(t, h, id)

	// Client never releases; shutdown discards the ref with the pool.
	g.Shutdown()
	if g.RefCount() != 0 {
		t.Errorf("ref count after shutdown = %d", g.RefCount())
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/modules/awg1/waveforms",
		uploadRequest{Samples: make([]float64, 2000)})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("upload after shutdown = %d, want 503, body %s", rec.Code, rec.Body.String())
	}
}
