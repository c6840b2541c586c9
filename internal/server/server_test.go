package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"media-transcribe-go/internal/logger"
	"media-transcribe-go/internal/metrics"
	"media-transcribe-go/internal/pipeline"
	"media-transcribe-go/internal/types"
	"media-transcribe-go/internal/workspace"
)

type fakeTranscriber struct {
	ws  *workspace.Workspace
	run func(ctx context.Context, req pipeline.Request) (pipeline.Result, error)

	mu   sync.Mutex
	reqs []pipeline.Request
}

func (f *fakeTranscriber) Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if req.Token == "" {
		req.Token = pipeline.NewRunToken()
	}
	if f.run == nil {
		return pipeline.Result{Token: req.Token, Transcript: "hello world"}, nil
	}
	res, err := f.run(ctx, req)
	res.Token = req.Token
	return res, err
}

func (f *fakeTranscriber) Workspace() *workspace.Workspace { return f.ws }

type fakeHealth struct{ report types.DiagnosticReport }

func (f fakeHealth) Run() types.DiagnosticReport { return f.report }

type testEnv struct {
	srv    *Server
	tr     *fakeTranscriber
	reg    *prometheus.Registry
	m      *metrics.Metrics
	root   string
	health *fakeHealth
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	root := t.TempDir()
	log := logger.NewWithOptions(logger.Options{Environment: "test", Level: "error", Output: io.Discard})
	ws := workspace.New(root, log.Entry)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	tr := &fakeTranscriber{ws: ws}
	health := &fakeHealth{}
	cfg := Config{MaxUploadBytes: maxUpload, AllowedOrigin: "*"}
	return &testEnv{
		srv:    New(cfg, tr, health, m, reg, log),
		tr:     tr,
		reg:    reg,
		m:      m,
		root:   root,
		health: health,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestUploadSavesIntoRunNamespace(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	var seen []byte
	env.tr.run = func(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
		if req.Kind != pipeline.SourceUpload {
			t.Errorf("kind = %q", req.Kind)
		}
		if filepath.Dir(req.Source) != env.root {
			t.Errorf("upload saved outside work root: %s", req.Source)
		}
		if !strings.HasPrefix(filepath.Base(req.Source), req.Token+"-") {
			t.Errorf("upload %s not namespaced by token %s", req.Source, req.Token)
		}
		if filepath.Ext(req.Source) != ".mp4" {
			t.Errorf("ext = %q", filepath.Ext(req.Source))
		}
		seen, _ = os.ReadFile(req.Source)
		return pipeline.Result{Transcript: "hello world"}, nil
	}

	body, ctype := multipartBody(t, "video", "clip.MP4", []byte("fake video bytes"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[types.TranscriptResponse](t, rec)
	if resp.Transcript != "hello world" || resp.RunID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if string(seen) != "fake video bytes" {
		t.Fatalf("saved content = %q", seen)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestUploadWithoutVideoField(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	body, ctype := multipartBody(t, "file", "clip.mp4", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := env.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[types.ErrorResponse](t, rec)
	if resp.Error != "No video file uploaded." || resp.Kind != string(pipeline.KindInvalidInput) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(env.tr.reqs) != 0 {
		t.Fatal("pipeline should not run")
	}
	if left := dirEntries(t, env.root); len(left) != 0 {
		t.Fatalf("leftover files %v", left)
	}
}

func TestUploadNotMultipart(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("raw"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := env.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadTooLargeLeavesNothing(t *testing.T) {
	env := newTestEnv(t, 1024)

	body, ctype := multipartBody(t, "video", "clip.mp4", bytes.Repeat([]byte("a"), 8192))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := env.do(req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(env.tr.reqs) != 0 {
		t.Fatal("pipeline should not run")
	}
	if left := dirEntries(t, env.root); len(left) != 0 {
		t.Fatalf("leftover files %v", left)
	}
}

func TestURLRoute(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/youtube", strings.NewReader(`{"url":"https://example.com/v"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(env.tr.reqs) != 1 {
		t.Fatalf("runs = %d", len(env.tr.reqs))
	}
	got := env.tr.reqs[0]
	if got.Kind != pipeline.SourceURL || got.Source != "https://example.com/v" {
		t.Fatalf("request = %+v", got)
	}
}

func TestURLRouteRejectsBadBodies(t *testing.T) {
	cases := map[string]string{
		"empty body": "",
		"no url":     `{}`,
		"blank url":  `{"url":"   "}`,
		"not json":   `url=https://example.com`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, 1<<20)
			rec := env.do(httptest.NewRequest(http.MethodPost, "/youtube", strings.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if len(env.tr.reqs) != 0 {
				t.Fatal("pipeline should not run")
			}
		})
	}
}

func TestPipelineErrorsAreMappedAndSanitized(t *testing.T) {
	cases := []struct {
		kind   pipeline.Kind
		stage  pipeline.StageName
		msg    string
		status int
	}{
		{pipeline.KindToolTimedOut, pipeline.StageExtract, "audio extraction timed out", http.StatusGatewayTimeout},
		{pipeline.KindToolUnavailable, pipeline.StageTranscribe, "transcription tool is unavailable", http.StatusServiceUnavailable},
		{pipeline.KindAcquisitionFailed, pipeline.StageAcquire, "media download failed", http.StatusInternalServerError},
		{pipeline.KindTranscriptUnreadable, pipeline.StageTranscribe, "transcript could not be read", http.StatusInternalServerError},
		{pipeline.KindInvalidInput, pipeline.StageRequest, "no media file or URL provided", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			env := newTestEnv(t, 1<<20)
			env.tr.run = func(context.Context, pipeline.Request) (pipeline.Result, error) {
				return pipeline.Result{}, &pipeline.Error{
					Kind:    tc.kind,
					Stage:   tc.stage,
					Message: tc.msg,
					Err:     errors.New("open /srv/work/secret-audio.wav: permission denied"),
				}
			}

			rec := env.do(httptest.NewRequest(http.MethodPost, "/youtube", strings.NewReader(`{"url":"https://example.com/v"}`)))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if strings.Contains(rec.Body.String(), "/srv/work") {
				t.Fatalf("response leaks path: %s", rec.Body.String())
			}
			resp := decode[types.ErrorResponse](t, rec)
			if resp.Kind != string(tc.kind) || resp.Stage != string(tc.stage) || resp.RunID == "" {
				t.Fatalf("unexpected response %+v", resp)
			}
			if !strings.HasPrefix(strings.ToLower(resp.Error), tc.msg) {
				t.Fatalf("error = %q", resp.Error)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[pipeline.Kind]int{
		pipeline.KindInvalidInput:         400,
		pipeline.KindCanceled:             499,
		pipeline.KindToolUnavailable:      503,
		pipeline.KindToolTimedOut:         504,
		pipeline.KindToolFailed:           500,
		pipeline.KindExtractionFailed:     500,
		pipeline.KindTranscriptionFailed:  500,
		pipeline.KindTranscriptUnreadable: 500,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	env.health.report = types.DiagnosticReport{
		HasFailures: true,
		Items:       []types.DiagnosticItem{{ID: "tool_extract", Status: types.DiagnosticStatusFail}},
	}
	rec = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	report := decode[types.DiagnosticReport](t, rec)
	if len(report.Items) != 1 || report.Items[0].ID != "tool_extract" {
		t.Fatalf("report = %+v", report)
	}
}

func TestMetricsRouteAndMiddleware(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	env.do(httptest.NewRequest(http.MethodPost, "/youtube", strings.NewReader(`{}`)))
	env.do(httptest.NewRequest(http.MethodPost, "/youtube", strings.NewReader(`{"url":"https://example.com/v"}`)))

	if got := testutil.ToFloat64(env.m.HTTPRequests.WithLabelValues("POST", "/youtube", "200")); got != 1 {
		t.Fatalf("200 count = %v", got)
	}
	if got := testutil.ToFloat64(env.m.HTTPErrors.WithLabelValues("POST", "/youtube", "client_error")); got != 1 {
		t.Fatalf("client error count = %v", got)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "transcribe_http_requests_total") {
		t.Fatal("metrics output missing http counter")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	rec := env.do(httptest.NewRequest(http.MethodOptions, "/youtube", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("allow methods = %q", got)
	}
	if len(env.tr.reqs) != 0 {
		t.Fatal("preflight must not run the pipeline")
	}
}

func TestPanicBecomes500(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.tr.run = func(context.Context, pipeline.Request) (pipeline.Result, error) {
		panic("stage exploded")
	}

	rec := env.do(httptest.NewRequest(http.MethodPost, "/youtube", strings.NewReader(`{"url":"https://example.com/v"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode[types.ErrorResponse](t, rec); resp.Error != "Something broke!" {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestUploadExt(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":            ".mp4",
		"CLIP.MOV":            ".mov",
		"../../etc/passwd":    "",
		"noext":               "",
		"weird.m p4":          "",
		"a.verylongextension": "",
	}
	for in, want := range cases {
		if got := uploadExt(in); got != want {
			t.Errorf("uploadExt(%q) = %q, want %q", in, got, want)
		}
	}
}
