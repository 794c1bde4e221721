package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"peerd/internal/manager"
	"peerd/internal/preload"
	"peerd/pkg/types"
)

type mockService struct {
	models      []types.Model
	status      types.StatusResponse
	ready       bool
	err         error
	genErr      error
	genWrites   bool
	loadRes     manager.Result
	cancelled   bool
	decision    preload.Decision
	forgotten   []int64
	cleared     bool
	deleted     string
	progress    chan manager.Progress
	cacheCh     chan types.CacheStats
	preloadCh   chan types.PreloadResponse
	lastLoadReq manager.LoadRequest
}

func (m *mockService) ListModels(context.Context) ([]types.Model, error) {
	return append([]types.Model(nil), m.models...), m.err
}
func (m *mockService) ImportModel(_ context.Context, req types.ImportRequest) (types.Model, error) {
	if m.err != nil {
		return types.Model{}, m.err
	}
	return types.Model{ID: "m.gguf", Path: req.Path}, nil
}
func (m *mockService) DeleteModel(_ context.Context, path string) error {
	m.deleted = path
	return m.err
}
func (m *mockService) Estimate(_ context.Context, path string, ctxLen int) (types.EstimateResponse, error) {
	return types.EstimateResponse{Family: "llama", ContextLength: ctxLen}, m.err
}
func (m *mockService) Status() types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                  { return m.ready }
func (m *mockService) Load(_ context.Context, req manager.LoadRequest) (manager.Result, error) {
	m.lastLoadReq = req
	return m.loadRes, m.err
}
func (m *mockService) CancelLoad() bool             { return m.cancelled }
func (m *mockService) Unload(context.Context) error { return m.err }
func (m *mockService) SubscribeProgress() (<-chan manager.Progress, func()) {
	if m.progress == nil {
		m.progress = make(chan manager.Progress, 4)
	}
	return m.progress, func() {}
}
func (m *mockService) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	if m.genErr != nil && !m.genWrites {
		return m.genErr
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(types.GenerateChunk{Token: "hi"})
	if flush != nil {
		flush()
	}
	if m.genErr != nil {
		return m.genErr
	}
	_ = enc.Encode(types.GenerateChunk{Done: true})
	if flush != nil {
		flush()
	}
	return nil
}
func (m *mockService) Preload(req types.PreloadRequest) (preload.Decision, error) {
	return m.decision, m.err
}
func (m *mockService) PreloadStatus() types.PreloadResponse {
	return types.PreloadResponse{Models: []types.PreloadStatus{{Path: "a", State: "ready"}}, MaxPreloaded: 3}
}
func (m *mockService) SubscribePreload() (<-chan types.PreloadResponse, func()) {
	return m.preloadCh, func() {}
}
func (m *mockService) CacheStats() types.CacheStats { return types.CacheStats{Entries: 2} }
func (m *mockService) SubscribeCache() (<-chan types.CacheStats, func()) {
	return m.cacheCh, func() {}
}
func (m *mockService) ForgetConversation(id int64) bool {
	m.forgotten = append(m.forgotten, id)
	return id == 42
}
func (m *mockService) ClearCache() { m.cleared = true }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestModelsHandler(t *testing.T) {
	svc := &mockService{models: []types.Model{{ID: "m1"}, {ID: "m2"}}}
	w := do(NewMux(svc), http.MethodGet, "/models", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var body types.ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(body.Models) != 2 {
		t.Fatalf("models len=%d", len(body.Models))
	}
}

func TestModelsHandler_EmptyIsArray(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodGet, "/models", "")
	if !strings.Contains(w.Body.String(), `"models":[]`) {
		t.Fatalf("body=%s", w.Body.String())
	}
}

func TestImportAndDelete(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	w := do(h, http.MethodPost, "/models/import", `{"path":"/m/a.gguf"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("import status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(h, http.MethodDelete, "/models", `{"path":"/m/a.gguf"}`)
	if w.Code != http.StatusNoContent || svc.deleted != "/m/a.gguf" {
		t.Fatalf("delete status=%d deleted=%q", w.Code, svc.deleted)
	}
	w = do(h, http.MethodDelete, "/models", `{"path":" "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty path status=%d", w.Code)
	}
}

func TestEstimateHandler(t *testing.T) {
	h := NewMux(&mockService{})
	w := do(h, http.MethodGet, "/models/estimate?path=/m/a.gguf&context_length=4096", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.EstimateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.ContextLength != 4096 {
		t.Fatalf("body=%+v err=%v", body, err)
	}
	if w := do(h, http.MethodGet, "/models/estimate", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing path status=%d", w.Code)
	}
	if w := do(h, http.MethodGet, "/models/estimate?path=x&context_length=abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad context status=%d", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "ready", LoadsTotal: 3}}
	w := do(NewMux(svc), http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "ready" || body.LoadsTotal != 3 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	w := do(NewMux(&mockService{ready: true}), http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w = do(NewMux(&mockService{}), http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "loading") {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	if w := do(NewMux(&mockService{}), http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestLoadHandler(t *testing.T) {
	svc := &mockService{loadRes: manager.Result{OperationID: "op1", Outcome: manager.OutcomeCompleted, Attempt: manager.LoadAttempt{Reason: manager.ReasonOptimized}}}
	w := do(NewMux(svc), http.MethodPost, "/load", `{"path":"/m/a.gguf","context_length":4096,"accelerator_layers":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.LoadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.OperationID != "op1" || body.Outcome != "completed" || body.Attempt != "optimized" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if svc.lastLoadReq.Path != "/m/a.gguf" || svc.lastLoadReq.ContextLength != 4096 || *svc.lastLoadReq.AcceleratorLayers != 10 {
		t.Fatalf("request not forwarded: %+v", svc.lastLoadReq)
	}
}

func TestLoadHandler_RejectsNegative(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodPost, "/load", `{"threads":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestLoadHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &manager.ValidationError{Path: "x", Reason: "file not found"}, http.StatusBadRequest},
		{"busy", manager.ErrLoadInProgress, http.StatusConflict},
		{"not found", manager.ErrModelNotFound("(default)"), http.StatusNotFound},
		{"cancelled", &manager.CancellationError{Path: "x", Stage: manager.StageLoading}, StatusClientClosedRequest},
		{"timeout", &manager.TimeoutError{Path: "x", Stage: manager.StageLoading}, http.StatusGatewayTimeout},
		{"dependency", manager.ErrDependencyUnavailable("llama support not built"), http.StatusServiceUnavailable},
		{"load failure", &manager.LoadError{Path: "x"}, http.StatusInternalServerError},
		{"http error", mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{err: tc.err, loadRes: manager.Result{OperationID: "op", Outcome: manager.OutcomeFailed}}
			w := do(NewMux(svc), http.MethodPost, "/load", `{"path":"x"}`)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
			var body types.LoadResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == "" || body.OperationID != "op" {
				t.Fatalf("body=%s err=%v", w.Body.String(), err)
			}
		})
	}
}

func TestCancelAndUnload(t *testing.T) {
	h := NewMux(&mockService{cancelled: true})
	if w := do(h, http.MethodPost, "/load/cancel", ""); w.Code != http.StatusAccepted {
		t.Fatalf("cancel status=%d", w.Code)
	}
	if w := do(NewMux(&mockService{}), http.MethodPost, "/load/cancel", ""); w.Code != http.StatusConflict {
		t.Fatalf("idle cancel status=%d", w.Code)
	}
	if w := do(h, http.MethodPost, "/unload", ""); w.Code != http.StatusNoContent {
		t.Fatalf("unload status=%d", w.Code)
	}
	svc := &mockService{err: manager.ErrLoadInProgress}
	if w := do(NewMux(svc), http.MethodPost, "/unload", ""); w.Code != http.StatusConflict {
		t.Fatalf("busy unload status=%d", w.Code)
	}
}

func TestGenerateStreams(t *testing.T) {
	w := do(NewMux(&mockService{}), http.MethodPost, "/generate", `{"prompt":"hi","conversation_id":7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content-type=%s", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 ndjson lines, got %d", len(lines))
	}
}

func TestGenerateBadRequests(t *testing.T) {
	h := NewMux(&mockService{})
	if w := do(h, http.MethodPost, "/generate", "not-json"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", w.Code)
	}
	if w := do(h, http.MethodPost, "/generate", `{"prompt":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt status=%d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("media type status=%d", w.Code)
	}
	big := `{"prompt":"` + strings.Repeat("a", 1<<20) + `"}`
	if w := do(h, http.MethodPost, "/generate", big); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", w.Code)
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with mixed-case content-type, got %d", w.Code)
	}
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{manager.ErrModelNotFound("abc"), http.StatusNotFound},
		{&manager.ValidationError{Reason: "prompt is required"}, http.StatusBadRequest},
		{mockHTTPError{msg: "too busy", code: http.StatusTooManyRequests}, http.StatusTooManyRequests},
		{manager.ErrDependencyUnavailable("llama support not built"), http.StatusServiceUnavailable},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := do(NewMux(&mockService{genErr: tc.err}), http.MethodPost, "/generate", `{"prompt":"hi"}`)
		if w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestGenerateErrorAfterStreamKeepsBody(t *testing.T) {
	svc := &mockService{genErr: errors.New("engine: aborted"), genWrites: true}
	w := do(NewMux(svc), http.MethodPost, "/generate", `{"prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status already sent, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Fatalf("no error payload may follow streamed chunks: %s", w.Body.String())
	}
}

// blockService blocks generation until the context is done.
type blockService struct{ mockService }

func (b *blockService) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestGenerateTimeoutReturns500(t *testing.T) {
	defer SetGenerateTimeoutSeconds(0)
	SetGenerateTimeoutSeconds(1)
	w := do(NewMux(&blockService{}), http.MethodPost, "/generate", `{"prompt":"x"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on timeout, got %d", w.Code)
	}
}

func TestPreloadHandlers(t *testing.T) {
	svc := &mockService{decision: preload.Decision{Path: "a", Queued: true}}
	h := NewMux(svc)
	if w := do(h, http.MethodPost, "/preload", `{"path":"a","priority":1}`); w.Code != http.StatusAccepted {
		t.Fatalf("queued status=%d", w.Code)
	}
	svc.decision = preload.Decision{Path: "a", Reason: preload.SkipAtCapacity}
	w := do(h, http.MethodPost, "/preload", `{"path":"a","priority":3}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "at_capacity") {
		t.Fatalf("skipped status=%d body=%s", w.Code, w.Body.String())
	}
	w = do(h, http.MethodGet, "/preload", "")
	var body types.PreloadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Models) != 1 || body.MaxPreloaded != 3 {
		t.Fatalf("body=%s err=%v", w.Body.String(), err)
	}
}

func TestCacheHandlers(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	w := do(h, http.MethodGet, "/cache/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"entries":2`) {
		t.Fatalf("stats status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(h, http.MethodDelete, "/cache/42", ""); w.Code != http.StatusNoContent {
		t.Fatalf("forget status=%d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/cache/7", ""); w.Code != http.StatusNotFound {
		t.Fatalf("forget missing status=%d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/cache/abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("forget bad id status=%d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/cache", ""); w.Code != http.StatusNoContent || !svc.cleared {
		t.Fatalf("clear status=%d cleared=%v", w.Code, svc.cleared)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	NewMux(&mockService{ready: true}).ServeHTTP(w, req)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatal("expected CORS header Access-Control-Allow-Origin to be set")
	}
}

func dialEvents(t *testing.T, h http.Handler) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, want string) types.Event {
	t.Helper()
	var ev types.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read %s event: %v", want, err)
	}
	if ev.Type != want {
		t.Fatalf("want %s event, got %+v", want, ev)
	}
	return ev
}

func TestEventsWebsocket(t *testing.T) {
	svc := &mockService{
		status:   types.StatusResponse{Progress: &types.LoadProgress{OperationID: "op0", Stage: "completed"}},
		progress: make(chan manager.Progress, 4),
	}
	conn := dialEvents(t, NewMux(svc))

	if first := readEvent(t, conn, types.EventProgress); first.Progress == nil || first.Progress.OperationID != "op0" {
		t.Fatalf("first=%+v", first)
	}
	svc.progress <- manager.Progress{OperationID: "op1", Stage: manager.StageLoading, Progress: 0.4, Message: "attempt optimized"}
	next := readEvent(t, conn, types.EventProgress).Progress
	if next == nil || next.OperationID != "op1" || next.Stage != "loading" || next.Progress != 0.4 {
		t.Fatalf("unexpected event: %+v", next)
	}
}

func TestEventsWebsocket_CacheAndPreload(t *testing.T) {
	svc := &mockService{
		progress:  make(chan manager.Progress, 1),
		cacheCh:   make(chan types.CacheStats, 1),
		preloadCh: make(chan types.PreloadResponse, 1),
	}
	conn := dialEvents(t, NewMux(svc))

	svc.cacheCh <- types.CacheStats{Hits: 3, Entries: 1}
	ev := readEvent(t, conn, types.EventCache)
	if ev.Cache == nil || ev.Cache.Hits != 3 || ev.Progress != nil || ev.Preload != nil {
		t.Fatalf("unexpected cache event: %+v", ev)
	}

	svc.preloadCh <- types.PreloadResponse{Models: []types.PreloadStatus{{Path: "/m/a.gguf", State: "ready"}}, MaxPreloaded: 3}
	ev = readEvent(t, conn, types.EventPreload)
	if ev.Preload == nil || len(ev.Preload.Models) != 1 || ev.Preload.Models[0].State != "ready" {
		t.Fatalf("unexpected preload event: %+v", ev)
	}

	// A closed feed stops its frames but keeps the stream open.
	close(svc.cacheCh)
	svc.progress <- manager.Progress{OperationID: "op2", Stage: manager.StageCompleted, Progress: 1}
	if ev := readEvent(t, conn, types.EventProgress); ev.Progress.OperationID != "op2" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
