package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/linguabridge/linguabridge/internal/asr"
	"github.com/linguabridge/linguabridge/internal/fault"
	"github.com/linguabridge/linguabridge/internal/pipeline"
	"github.com/linguabridge/linguabridge/internal/summarize"
	"github.com/linguabridge/linguabridge/internal/transcode"
)

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type transcriptResponse struct {
	JobID      string              `json:"job_id"`
	Filename   string              `json:"filename"`
	Text       string              `json:"text"`
	Fragments  int                 `json:"fragments"`
	Service    string              `json:"asr_service"`
	Audio      transcode.WavParams `json:"audio"`
	Summary    *summarize.Result   `json:"summary,omitempty"`
	SummarySvc string              `json:"summary_service,omitempty"`
	Partial    bool                `json:"partial,omitempty"`
	SummaryErr *errorBody          `json:"summary_error,omitempty"`
	Timing     pipeline.Timing     `json:"timing"`
}

type summarizeRequest struct {
	Text      string   `json:"text"`
	Texts     []string `json:"texts"`
	Style     string   `json:"summary_type"`
	MaxLength int      `json:"max_length"`
	Service   string   `json:"service"`
}

type batchItemResponse struct {
	Index   int               `json:"index"`
	Success bool              `json:"success"`
	Result  *summarize.Result `json:"result,omitempty"`
	Error   *errorBody        `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	out, err := s.orch.Process(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

func (s *Server) handleASRAndSummarize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	req.WithSummary = true
	out, err := s.orch.Process(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

// readUpload parses the multipart form shared by the audio endpoints.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool) {
	maxBytes := int64(s.cfg.Transcode.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{
				Kind:    string(fault.ValidationError),
				Message: "upload exceeds size limit",
			}})
			return pipeline.Request{}, false
		}
		s.writeError(w, fault.Wrap(fault.ValidationError, "missing file field", err))
		return pipeline.Request{}, false
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{
				Kind:    string(fault.ValidationError),
				Message: "upload exceeds size limit",
			}})
			return pipeline.Request{}, false
		}
		s.writeError(w, fault.Wrap(fault.ValidationError, "read upload", err))
		return pipeline.Request{}, false
	}

	req := pipeline.Request{
		Filename:   header.Filename,
		Audio:      audio,
		ASRService: r.FormValue("asr_service"),
		SummarySvc: r.FormValue("service"),
		Style:      r.FormValue("summary_type"),
	}
	if v := r.FormValue("max_length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fault.Newf(fault.ValidationError, "invalid max_length %q", v))
			return pipeline.Request{}, false
		}
		req.MaxLength = n
	}
	if v := r.FormValue("enable_summary"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, fault.Newf(fault.ValidationError, "invalid enable_summary %q", v))
			return pipeline.Request{}, false
		}
		req.WithSummary = enabled
	}

	req.ASRParams = asr.Params{
		Host:      r.FormValue("host"),
		Mode:      r.FormValue("mode"),
		ChunkSize: r.FormValue("chunk_size"),
		WavName:   header.Filename,
	}
	if v := r.FormValue("port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			s.writeError(w, fault.Newf(fault.ValidationError, "invalid port %q", v))
			return pipeline.Request{}, false
		}
		req.ASRParams.Port = port
	}
	if v := r.FormValue("use_ssl"); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, fault.Newf(fault.ValidationError, "invalid use_ssl %q", v))
			return pipeline.Request{}, false
		}
		req.ASRParams.UseSSL = ssl
	}
	return req, true
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Wrap(fault.ValidationError, "invalid request body", err))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, fault.New(fault.ValidationError, "text must be non-empty"))
		return
	}
	style := req.Style
	if style == "" {
		style = "general"
	}
	res, err := s.orch.SummarizeText(r.Context(), req.Service, req.Text, style, summarize.Options{MaxLength: req.MaxLength})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatchSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Wrap(fault.ValidationError, "invalid request body", err))
		return
	}
	if len(req.Texts) == 0 {
		s.writeError(w, fault.New(fault.ValidationError, "texts must be non-empty"))
		return
	}
	style := req.Style
	if style == "" {
		style = "general"
	}
	items, err := s.orch.BatchSummarizeText(r.Context(), req.Service, req.Texts, style, summarize.Options{MaxLength: req.MaxLength})
	if err != nil {
		s.writeError(w, err)
		return
	}

	results := make([]batchItemResponse, len(items))
	succeeded := 0
	for i, item := range items {
		resp := batchItemResponse{Index: item.Index, Success: item.Err == nil}
		if item.Err != nil {
			resp.Error = &errorBody{
				Kind:    string(fault.KindOf(item.Err)),
				Message: errMessage(item.Err),
			}
		} else {
			succeeded++
			result := item.Result
			resp.Result = &result
		}
		results[i] = resp
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count":   len(results),
		"success_count": succeeded,
		"results":       results,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"asr_services":     s.reg.Names("asr"),
		"summary_services": s.reg.Names("summary"),
		"summary_model":    s.cfg.Summary.Model,
	})
}

func (s *Server) handleSummaryTypes(w http.ResponseWriter, r *http.Request) {
	styles, err := s.orch.SummaryStyles(r.URL.Query().Get("service"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary_types": styles})
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.reg.Entries()})
}

func (s *Server) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.reg.Probe(r.Context())})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobViews(records)})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rec, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec == nil {
		s.writeError(w, fault.Newf(fault.NotFound, "no job %q", jobID))
		return
	}
	writeJSON(w, http.StatusOK, jobView(*rec))
}

func outcomeResponse(out pipeline.Outcome) transcriptResponse {
	resp := transcriptResponse{
		JobID:      out.JobID,
		Filename:   out.Filename,
		Text:       out.Text,
		Fragments:  out.Fragments,
		Service:    out.ASRService,
		Audio:      out.Params,
		Summary:    out.Summary,
		SummarySvc: out.SummarySvc,
		Partial:    out.Partial,
		Timing:     out.Timing,
	}
	if out.PartialErr != nil {
		resp.SummaryErr = &errorBody{
			Kind:    string(fault.KindOf(out.PartialErr)),
			Message: errMessage(out.PartialErr),
		}
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		s.log.Error("request failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Kind:    string(kind),
		Message: errMessage(err),
	}})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.ValidationError:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.AuthError:
		return http.StatusUnauthorized
	case fault.UnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case fault.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func errMessage(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Message()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
