package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"peerd/internal/engine/enginetest"
	"peerd/internal/manager"
	"peerd/pkg/types"
)

func TestE2E_ImportLoadGenerate(t *testing.T) {
	s := newStack(t, newEngine(), nil)
	enginetest.WriteModel(t, s.dir, "alpha.Q4_K_M.gguf", nil)
	beta := enginetest.WriteModel(t, s.dir, "beta.gguf", nil)
	if _, err := s.importer.ImportDir(t.Context(), s.dir); err != nil {
		t.Fatalf("import dir: %v", err)
	}

	resp, body := httpGet(t, s.srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models status=%d body=%s", resp.StatusCode, body)
	}
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatalf("/models json: %v body=%s", err, body)
	}
	if len(models.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models.Models))
	}

	resp, _ = httpGet(t, s.srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before load = %d", resp.StatusCode)
	}

	resp, body = httpPostJSON(t, s.srv.URL+"/load", []byte(fmt.Sprintf(`{"path":%q}`, beta)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/load status=%d body=%s", resp.StatusCode, body)
	}
	var lr types.LoadResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		t.Fatalf("/load json: %v", err)
	}
	if lr.Outcome != "completed" || lr.Attempt != "optimized" || lr.Health == nil || lr.Health.Status != "healthy" {
		t.Fatalf("unexpected load response: %s", body)
	}
	if lr.Config == nil || !lr.Config.UseAccelerator || lr.Config.AcceleratorLayers <= 0 {
		t.Fatalf("expected accelerator config, got %+v", lr.Config)
	}

	resp, _ = httpGet(t, s.srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz after load = %d", resp.StatusCode)
	}

	resp, body = httpPostJSON(t, s.srv.URL+"/generate", []byte(`{"conversation_id":7,"prompt":"Capital of France?"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/generate status=%d body=%s", resp.StatusCode, body)
	}
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))
	var text string
	var last types.GenerateChunk
	for _, ln := range lines {
		var c types.GenerateChunk
		if err := json.Unmarshal(ln, &c); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", ln, err)
		}
		text += c.Token
		last = c
	}
	if text != "Paris is nice." {
		t.Fatalf("streamed text = %q", text)
	}
	if !last.Done || last.Metrics == nil || last.Metrics.StopReason != "eos" {
		t.Fatalf("final chunk = %s", lines[len(lines)-1])
	}

	poll(t, "cache store", func() bool {
		_, body := httpGet(t, s.srv.URL+"/cache/stats")
		var st types.CacheStats
		return json.Unmarshal(body, &st) == nil && st.Entries == 1
	})

	resp, body = httpGet(t, s.srv.URL+"/status")
	var st types.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("/status json: %v body=%s", err, body)
	}
	if st.State != "ready" || st.Model == nil || st.Model.Path != beta {
		t.Fatalf("unexpected status: %s", body)
	}
	if st.LoadsTotal < 1 {
		t.Fatalf("loads_total = %d", st.LoadsTotal)
	}

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, s.srv.URL+"/unload", nil)
	if resp, body := do(t, req); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("/unload status=%d body=%s", resp.StatusCode, body)
	}
	if s.mgr.Ready() {
		t.Fatal("manager still ready after unload")
	}
}

// TestE2E_Backpressure429 verifies that 429 Too Many Requests is returned
// when the queue is full and the wait timeout elapses.
func TestE2E_Backpressure429(t *testing.T) {
	eng := newEngine()
	s := newStack(t, eng, func(c *manager.ManagerConfig) {
		c.MaxQueueDepth = 1
		c.MaxWait = 5 * time.Millisecond
	})
	path := enginetest.WriteModel(t, s.dir, "alpha.gguf", nil)
	if _, err := s.importer.Import(t.Context(), path, "", true); err != nil {
		t.Fatalf("import: %v", err)
	}
	resp, body := httpPostJSON(t, s.srv.URL+"/load", []byte(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/load default model status=%d body=%s", resp.StatusCode, body)
	}
	eng.TokenDelay = 50 * time.Millisecond

	done := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			resp, _ := httpPostJSON(t, s.srv.URL+"/generate", []byte(`{"prompt":"hello"}`))
			done <- resp.StatusCode
		}()
	}
	got := []int{<-done, <-done, <-done}
	var ok, busy int
	for _, code := range got {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			busy++
		}
	}
	if ok < 1 || busy < 1 {
		t.Fatalf("expected at least one 200 and one 429, got %v", got)
	}
}

func TestE2E_PreloadThenLoad(t *testing.T) {
	s := newStack(t, newEngine(), nil)
	path := enginetest.WriteModel(t, s.dir, "gamma.gguf", nil)
	resp, body := httpPostJSON(t, s.srv.URL+"/models/import", []byte(fmt.Sprintf(`{"path":%q}`, path)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("/models/import status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = httpPostJSON(t, s.srv.URL+"/preload", []byte(fmt.Sprintf(`{"path":%q,"priority":0}`, path)))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("/preload status=%d body=%s", resp.StatusCode, body)
	}
	preloadState := func() types.PreloadStatus {
		_, body := httpGet(t, s.srv.URL+"/preload")
		var pr types.PreloadResponse
		if err := json.Unmarshal(body, &pr); err != nil || len(pr.Models) == 0 {
			return types.PreloadStatus{}
		}
		return pr.Models[0]
	}
	poll(t, "preload ready", func() bool { return preloadState().State == "ready" })

	resp, body = httpPostJSON(t, s.srv.URL+"/preload", []byte(fmt.Sprintf(`{"path":%q}`, path)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat /preload status=%d body=%s", resp.StatusCode, body)
	}
	var dec types.PreloadDecision
	if err := json.Unmarshal(body, &dec); err != nil || dec.Queued || dec.Reason != "already_preloaded" {
		t.Fatalf("repeat /preload decision = %s", body)
	}

	resp, body = httpPostJSON(t, s.srv.URL+"/load", []byte(fmt.Sprintf(`{"path":%q}`, path)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/load status=%d body=%s", resp.StatusCode, body)
	}
	if st := preloadState(); st.AccessCount < 1 {
		t.Fatalf("preloaded model not marked used: %+v", st)
	}
}
