// Package protocol defines the event payloads published on the bus as
// pipeline jobs move through their stages.
package protocol

import "time"

// JobAccepted is published when an upload passes validation and a job
// is created for it.
type JobAccepted struct {
	JobID     string    `json:"job_id"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscodeFinished reports the conversion of an upload to WAV.
type TranscodeFinished struct {
	JobID      string    `json:"job_id"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	BitDepth   int       `json:"bit_depth"`
	OutputSize int64     `json:"output_size"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptReady carries recognized text for a job.
type TranscriptReady struct {
	JobID      string    `json:"job_id"`
	Service    string    `json:"service"`
	Text       string    `json:"text"`
	Fragments  int       `json:"fragments"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// SummaryReady carries the generated summary for a job.
type SummaryReady struct {
	JobID      string    `json:"job_id"`
	Service    string    `json:"service"`
	Style      string    `json:"style"`
	Summary    string    `json:"summary"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// StageFailed reports a stage error, including whether the job still
// produced a partial result.
type StageFailed struct {
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectJobAccepted       = "pipeline.job.accepted"
	SubjectTranscodeFinished = "pipeline.transcode.finished"
	SubjectTranscriptReady   = "pipeline.transcript.ready"
	SubjectSummaryReady      = "pipeline.summary.ready"
	SubjectStageFailed       = "pipeline.stage.failed"
)
