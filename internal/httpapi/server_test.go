package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linguabridge/linguabridge/internal/asr"
	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/fault"
	"github.com/linguabridge/linguabridge/internal/jobstore"
	"github.com/linguabridge/linguabridge/internal/pipeline"
	"github.com/linguabridge/linguabridge/internal/registry"
	"github.com/linguabridge/linguabridge/internal/summarize"
	"github.com/linguabridge/linguabridge/internal/transcode"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubConverter struct{}

func (stubConverter) ToWav(ctx context.Context, audio []byte, ext string) (transcode.Result, error) {
	return transcode.Result{
		Audio:  []byte("RIFF-fake"),
		Params: transcode.WavParams{SampleRate: 16000, Channels: 1, BitDepth: 16},
	}, nil
}

func (stubConverter) Supported(ext string) bool      { return ext == "mp3" || ext == "wav" }
func (stubConverter) Ping(ctx context.Context) error { return nil }

type stubRecognizer struct {
	err error
}

func (s stubRecognizer) Recognize(ctx context.Context, audio []byte, p asr.Params) (asr.Result, error) {
	if s.err != nil {
		return asr.Result{}, s.err
	}
	return asr.Result{Text: "会议纪要正文", Mode: "offline", Fragments: 1}, nil
}

func (s stubRecognizer) Ping(ctx context.Context) error { return s.err }

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, string, string, summarize.Options) (summarize.Result, error) {
	return summarize.Result{}, fault.New(fault.RateLimited, "summary api rate limited")
}

func (f failingSummarizer) BatchSummarize(ctx context.Context, texts []string, style string, opts summarize.Options) []summarize.BatchItem {
	items := make([]summarize.BatchItem, len(texts))
	for i := range texts {
		_, err := f.Summarize(ctx, texts[i], style, opts)
		items[i] = summarize.BatchItem{Index: i, Err: err}
	}
	return items
}

func (failingSummarizer) Styles() []string           { return []string{"general"} }
func (failingSummarizer) Ping(context.Context) error { return nil }

type testEnv struct {
	srv *httptest.Server
}

func newTestServer(t *testing.T, opts ...func(*registry.Registry)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.ASR.DefaultService = "stub"
	cfg.Summary.DefaultService = "stub"
	cfg.Transcode.MaxUploadMB = 1

	reg := registry.New(testLogger())
	if err := reg.Register("asr", "stub", stubRecognizer{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("summary", "stub", summarize.NewMockSummarizer()); err != nil {
		t.Fatal(err)
	}
	for _, opt := range opts {
		opt(reg)
	}

	store, err := jobstore.Open(context.Background(), config.JobStoreConfig{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	orch := pipeline.New(cfg, stubConverter{}, reg, nil, store, testLogger())
	server := NewServer(cfg, orch, reg, store, nil, testLogger())

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv}
}

func uploadRequest(t *testing.T, url, filename string, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("fake audio bytes"))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestUploadAudio(t *testing.T) {
	e := newTestServer(t)
	resp := uploadRequest(t, e.srv.URL+"/api/upload-audio", "meeting.mp3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body transcriptResponse
	decodeBody(t, resp, &body)
	if body.Text != "会议纪要正文" {
		t.Errorf("text = %q", body.Text)
	}
	if body.JobID == "" || body.Filename != "meeting.mp3" {
		t.Errorf("body = %+v", body)
	}
	if body.Summary != nil {
		t.Errorf("unexpected summary: %+v", body.Summary)
	}
	if body.Audio.SampleRate != 16000 {
		t.Errorf("audio = %+v", body.Audio)
	}
}

func TestUploadAudioWithSummaryEnabled(t *testing.T) {
	e := newTestServer(t)
	resp := uploadRequest(t, e.srv.URL+"/api/upload-audio", "meeting.mp3", map[string]string{
		"enable_summary": "true",
		"summary_type":   "brief",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body transcriptResponse
	decodeBody(t, resp, &body)
	if body.Summary == nil {
		t.Fatal("expected summary when enable_summary is set")
	}
	if body.Summary.Style != "brief" {
		t.Errorf("style = %q", body.Summary.Style)
	}
}

func TestUploadAudioUnsupportedFormat(t *testing.T) {
	e := newTestServer(t)
	resp := uploadRequest(t, e.srv.URL+"/api/upload-audio", "notes.pdf", nil)
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body errorResponse
	decodeBody(t, resp, &body)
	if body.Error.Kind != string(fault.UnsupportedFormat) {
		t.Errorf("kind = %q", body.Error.Kind)
	}
}

func TestUploadAudioMissingFile(t *testing.T) {
	e := newTestServer(t)
	resp, err := http.Post(e.srv.URL+"/api/upload-audio", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUploadAudioTooLarge(t *testing.T) {
	e := newTestServer(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "big.mp3")
	fw.Write(bytes.Repeat([]byte("a"), 2<<20))
	mw.Close()

	resp, err := http.Post(e.srv.URL+"/api/upload-audio", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUploadAudioUnknownService(t *testing.T) {
	e := newTestServer(t)
	resp := uploadRequest(t, e.srv.URL+"/api/upload-audio", "a.mp3", map[string]string{"asr_service": "whisper"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestASRAndSummarize(t *testing.T) {
	e := newTestServer(t)
	resp := uploadRequest(t, e.srv.URL+"/api/asr-and-summarize", "meeting.mp3", map[string]string{"summary_type": "general"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body transcriptResponse
	decodeBody(t, resp, &body)
	if body.Summary == nil || body.Summary.Summary == "" {
		t.Fatalf("summary = %+v", body.Summary)
	}
	if body.Partial {
		t.Error("unexpected partial flag")
	}
}

func TestASRAndSummarizePartialSuccess(t *testing.T) {
	e := newTestServer(t, func(reg *registry.Registry) {
		if err := reg.Register("summary", "broken", failingSummarizer{}); err != nil {
			t.Fatal(err)
		}
	})
	resp := uploadRequest(t, e.srv.URL+"/api/asr-and-summarize", "meeting.mp3", map[string]string{"service": "broken"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for partial success", resp.StatusCode)
	}
	var body transcriptResponse
	decodeBody(t, resp, &body)
	if !body.Partial {
		t.Fatal("expected partial flag")
	}
	if body.Text == "" {
		t.Error("transcript missing from partial response")
	}
	if body.SummaryErr == nil || body.SummaryErr.Kind != string(fault.RateLimited) {
		t.Errorf("summary_error = %+v", body.SummaryErr)
	}
}

func TestSummarizeText(t *testing.T) {
	e := newTestServer(t)
	payload := `{"text":"今天的会议讨论了发布计划。","summary_type":"general","max_length":50}`
	resp, err := http.Post(e.srv.URL+"/api/summarize", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body summarize.Result
	decodeBody(t, resp, &body)
	if body.Summary == "" || body.Style != "general" {
		t.Errorf("body = %+v", body)
	}
}

func TestSummarizeEmptyText(t *testing.T) {
	e := newTestServer(t)
	resp, err := http.Post(e.srv.URL+"/api/summarize", "application/json", strings.NewReader(`{"text":"  "}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestBatchSummarize(t *testing.T) {
	e := newTestServer(t)
	payload := `{"texts":["第一段","第二段","第三段"],"summary_type":"general"}`
	resp, err := http.Post(e.srv.URL+"/api/batch-summarize", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Total   int                 `json:"total_count"`
		Success int                 `json:"success_count"`
		Results []batchItemResponse `json:"results"`
	}
	decodeBody(t, resp, &body)
	if body.Total != 3 || body.Success != 3 || len(body.Results) != 3 {
		t.Fatalf("body = %+v", body)
	}
	for i, item := range body.Results {
		if item.Index != i || !item.Success {
			t.Errorf("item %d = %+v", i, item)
		}
	}
}

func TestBatchSummarizeEmpty(t *testing.T) {
	e := newTestServer(t)
	resp, err := http.Post(e.srv.URL+"/api/batch-summarize", "application/json", strings.NewReader(`{"texts":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestModelsAndSummaryTypes(t *testing.T) {
	e := newTestServer(t)

	resp, err := http.Get(e.srv.URL + "/api/models")
	if err != nil {
		t.Fatal(err)
	}
	var models struct {
		ASRServices     []string `json:"asr_services"`
		SummaryServices []string `json:"summary_services"`
	}
	decodeBody(t, resp, &models)
	if len(models.ASRServices) != 1 || models.ASRServices[0] != "stub" {
		t.Errorf("asr services = %v", models.ASRServices)
	}

	resp, err = http.Get(e.srv.URL + "/api/summary-types")
	if err != nil {
		t.Fatal(err)
	}
	var types struct {
		SummaryTypes []string `json:"summary_types"`
	}
	decodeBody(t, resp, &types)
	if len(types.SummaryTypes) == 0 {
		t.Error("no summary types")
	}
}

func TestServicesAndHealth(t *testing.T) {
	e := newTestServer(t)

	resp, err := http.Get(e.srv.URL + "/api/services")
	if err != nil {
		t.Fatal(err)
	}
	var services struct {
		Services []registry.Entry `json:"services"`
	}
	decodeBody(t, resp, &services)
	if len(services.Services) != 2 {
		t.Errorf("services = %v", services.Services)
	}

	resp, err = http.Get(e.srv.URL + "/api/services/health")
	if err != nil {
		t.Fatal(err)
	}
	var health struct {
		Services []registry.Status `json:"services"`
	}
	decodeBody(t, resp, &health)
	for _, s := range health.Services {
		if !s.Available {
			t.Errorf("service %s/%s unavailable: %s", s.Category, s.Name, s.Error)
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newTestServer(t)
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestJobNotFound(t *testing.T) {
	e := newTestServer(t)
	resp, err := http.Get(e.srv.URL + "/api/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
