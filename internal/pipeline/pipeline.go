// Package pipeline drives an uploaded recording through its stages:
// transcode to WAV, speech recognition, and optional summarization.
package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linguabridge/linguabridge/internal/asr"
	"github.com/linguabridge/linguabridge/internal/bus"
	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/fault"
	"github.com/linguabridge/linguabridge/internal/jobstore"
	"github.com/linguabridge/linguabridge/internal/protocol"
	"github.com/linguabridge/linguabridge/internal/registry"
	"github.com/linguabridge/linguabridge/internal/summarize"
	"github.com/linguabridge/linguabridge/internal/transcode"
)

// Converter turns uploaded audio into canonical WAV.
type Converter interface {
	ToWav(ctx context.Context, audio []byte, ext string) (transcode.Result, error)
	Supported(ext string) bool
	Ping(ctx context.Context) error
}

// Request describes one upload job.
type Request struct {
	Filename    string
	Audio       []byte
	ASRService  string
	ASRParams   asr.Params
	WithSummary bool
	SummarySvc  string
	Style       string
	MaxLength   int
}

// Timing records per-stage wall time.
type Timing struct {
	TranscodeMS int64 `json:"transcode_ms"`
	RecognizeMS int64 `json:"recognize_ms"`
	SummarizeMS int64 `json:"summarize_ms,omitempty"`
}

// Outcome is the result of a pipeline run. When the summary stage fails
// after recognition succeeded, Partial is set and PartialErr holds the
// summary failure while the transcript is still returned.
type Outcome struct {
	JobID      string
	Filename   string
	Params     transcode.WavParams
	Text       string
	Fragments  int
	ASRService string
	Summary    *summarize.Result
	SummarySvc string
	Partial    bool
	PartialErr error
	Timing     Timing
}

type Orchestrator struct {
	cfg    config.Config
	conv   Converter
	reg    *registry.Registry
	bus    *bus.Client
	store  *jobstore.Store
	log    *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

func New(cfg config.Config, conv Converter, reg *registry.Registry, busClient *bus.Client, store *jobstore.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		conv:   conv,
		reg:    reg,
		bus:    busClient,
		store:  store,
		log:    logger.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/linguabridge/linguabridge/pipeline"),
		clock:  time.Now,
	}
}

// Process runs the full pipeline for one upload. Stage work runs on a
// context detached from the request so a client disconnect does not
// abort a job in flight; each stage enforces its own timeout.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Outcome, error) {
	jobID := uuid.NewString()
	out := Outcome{JobID: jobID, Filename: req.Filename}

	ctx, span := o.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.filename", req.Filename),
			attribute.Bool("job.with_summary", req.WithSummary),
		))
	defer span.End()
	work := context.WithoutCancel(ctx)

	if len(req.Audio) == 0 {
		return out, fault.New(fault.ValidationError, "empty upload")
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(req.Filename)), ".")
	if !o.conv.Supported(ext) {
		return out, fault.Newf(fault.UnsupportedFormat, "unsupported audio format %q", ext)
	}

	if err := o.store.Begin(work, jobID, req.Filename); err != nil {
		o.log.Warn("failed to record job", slog.String("error", err.Error()))
	}
	o.bus.Publish(protocol.SubjectJobAccepted, protocol.JobAccepted{
		JobID:     jobID,
		Filename:  req.Filename,
		SizeBytes: int64(len(req.Audio)),
		Timestamp: o.clock().UTC(),
	})

	wav, err := o.runTranscode(work, &out, req, ext)
	if err != nil {
		o.finishJob(work, out, jobstore.StatusFailed, err)
		return out, err
	}

	err = o.runRecognize(work, &out, req, wav)
	if err != nil {
		o.finishJob(work, out, jobstore.StatusFailed, err)
		return out, err
	}

	if req.WithSummary {
		if err := o.runSummarize(work, &out, req); err != nil {
			out.Partial = true
			out.PartialErr = err
			o.finishJob(work, out, jobstore.StatusPartial, err)
			return out, nil
		}
	}

	o.finishJob(work, out, jobstore.StatusDone, nil)
	return out, nil
}

func (o *Orchestrator) runTranscode(ctx context.Context, out *Outcome, req Request, ext string) ([]byte, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.transcode")
	defer span.End()

	start := o.clock()
	res, err := o.conv.ToWav(ctx, req.Audio, ext)
	out.Timing.TranscodeMS = o.clock().Sub(start).Milliseconds()
	if err != nil {
		o.publishFailure(out.JobID, "transcode", err, false)
		return nil, err
	}
	out.Params = res.Params
	o.bus.Publish(protocol.SubjectTranscodeFinished, protocol.TranscodeFinished{
		JobID:      out.JobID,
		SampleRate: res.Params.SampleRate,
		Channels:   res.Params.Channels,
		BitDepth:   res.Params.BitDepth,
		OutputSize: int64(len(res.Audio)),
		DurationMS: out.Timing.TranscodeMS,
		Timestamp:  o.clock().UTC(),
	})
	return res.Audio, nil
}

func (o *Orchestrator) runRecognize(ctx context.Context, out *Outcome, req Request, wav []byte) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.recognize")
	defer span.End()

	name := req.ASRService
	if name == "" {
		name = o.cfg.ASR.DefaultService
	}
	recognizer, err := o.recognizer(name)
	if err != nil {
		o.publishFailure(out.JobID, "recognize", err, false)
		return err
	}
	out.ASRService = name

	params := req.ASRParams
	if params.WavName == "" {
		params.WavName = req.Filename
	}

	start := o.clock()
	res, err := recognizer.Recognize(ctx, wav, params)
	out.Timing.RecognizeMS = o.clock().Sub(start).Milliseconds()
	if err != nil {
		o.publishFailure(out.JobID, "recognize", err, false)
		return err
	}
	if strings.TrimSpace(res.Text) == "" {
		err := fault.New(fault.RecognitionFailed, "recognizer returned no text")
		o.publishFailure(out.JobID, "recognize", err, false)
		return err
	}
	out.Text = res.Text
	out.Fragments = res.Fragments
	o.bus.Publish(protocol.SubjectTranscriptReady, protocol.TranscriptReady{
		JobID:      out.JobID,
		Service:    name,
		Text:       res.Text,
		Fragments:  res.Fragments,
		DurationMS: out.Timing.RecognizeMS,
		Timestamp:  o.clock().UTC(),
	})
	return nil
}

func (o *Orchestrator) runSummarize(ctx context.Context, out *Outcome, req Request) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.summarize")
	defer span.End()

	name := req.SummarySvc
	if name == "" {
		name = o.cfg.Summary.DefaultService
	}
	summarizer, err := o.summarizer(name)
	if err != nil {
		o.publishFailure(out.JobID, "summarize", err, true)
		return err
	}
	out.SummarySvc = name

	style := req.Style
	if style == "" {
		style = "general"
	}

	start := o.clock()
	res, err := summarizer.Summarize(ctx, out.Text, style, summarize.Options{MaxLength: req.MaxLength})
	out.Timing.SummarizeMS = o.clock().Sub(start).Milliseconds()
	if err != nil {
		o.log.Warn("summary stage failed, returning transcript only",
			slog.String("job_id", out.JobID),
			slog.String("error", err.Error()))
		o.publishFailure(out.JobID, "summarize", err, true)
		return err
	}
	out.Summary = &res
	o.bus.Publish(protocol.SubjectSummaryReady, protocol.SummaryReady{
		JobID:      out.JobID,
		Service:    name,
		Style:      style,
		Summary:    res.Summary,
		DurationMS: out.Timing.SummarizeMS,
		Timestamp:  o.clock().UTC(),
	})
	return nil
}

// SummarizeText handles the text-only summary operations.
func (o *Orchestrator) SummarizeText(ctx context.Context, service, text, style string, opts summarize.Options) (summarize.Result, error) {
	if service == "" {
		service = o.cfg.Summary.DefaultService
	}
	summarizer, err := o.summarizer(service)
	if err != nil {
		return summarize.Result{}, err
	}
	return summarizer.Summarize(ctx, text, style, opts)
}

// BatchSummarizeText summarizes each text independently, preserving
// input order and isolating per-item failures.
func (o *Orchestrator) BatchSummarizeText(ctx context.Context, service string, texts []string, style string, opts summarize.Options) ([]summarize.BatchItem, error) {
	if service == "" {
		service = o.cfg.Summary.DefaultService
	}
	summarizer, err := o.summarizer(service)
	if err != nil {
		return nil, err
	}
	return summarizer.BatchSummarize(ctx, texts, style, opts), nil
}

// SummaryStyles lists the styles a summary service supports.
func (o *Orchestrator) SummaryStyles(service string) ([]string, error) {
	if service == "" {
		service = o.cfg.Summary.DefaultService
	}
	summarizer, err := o.summarizer(service)
	if err != nil {
		return nil, err
	}
	return summarizer.Styles(), nil
}

func (o *Orchestrator) recognizer(name string) (asr.Recognizer, error) {
	svc, err := o.reg.Lookup("asr", name)
	if err != nil {
		return nil, err
	}
	recognizer, ok := svc.(asr.Recognizer)
	if !ok {
		return nil, fault.Newf(fault.ServiceUnavailable, "service asr/%s is not a recognizer", name)
	}
	return recognizer, nil
}

func (o *Orchestrator) summarizer(name string) (summarize.Summarizer, error) {
	svc, err := o.reg.Lookup("summary", name)
	if err != nil {
		return nil, err
	}
	summarizer, ok := svc.(summarize.Summarizer)
	if !ok {
		return nil, fault.Newf(fault.ServiceUnavailable, "service summary/%s is not a summarizer", name)
	}
	return summarizer, nil
}

func (o *Orchestrator) publishFailure(jobID, stage string, err error, partial bool) {
	o.bus.Publish(protocol.SubjectStageFailed, protocol.StageFailed{
		JobID:     jobID,
		Stage:     stage,
		Kind:      string(fault.KindOf(err)),
		Message:   err.Error(),
		Partial:   partial,
		Timestamp: o.clock().UTC(),
	})
}

func (o *Orchestrator) finishJob(ctx context.Context, out Outcome, status string, stageErr error) {
	rec := jobstore.Record{
		JobID:      out.JobID,
		Status:     status,
		Transcript: out.Text,
	}
	if out.Summary != nil {
		rec.Summary = out.Summary.Summary
	}
	if stageErr != nil {
		rec.ErrorKind = string(fault.KindOf(stageErr))
		rec.ErrorMsg = stageErr.Error()
	}
	if err := o.store.Finish(ctx, rec); err != nil {
		o.log.Warn("failed to record job result",
			slog.String("job_id", out.JobID),
			slog.String("error", err.Error()))
	}
}
