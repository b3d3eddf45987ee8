package httpapi

import (
	"time"

	"github.com/linguabridge/linguabridge/internal/jobstore"
)

type jobResponse struct {
	JobID      string    `json:"job_id"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	Transcript string    `json:"transcript,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorMsg   string    `json:"error_message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func jobView(rec jobstore.Record) jobResponse {
	return jobResponse{
		JobID:      rec.JobID,
		Filename:   rec.Filename,
		Status:     rec.Status,
		Transcript: rec.Transcript,
		Summary:    rec.Summary,
		ErrorKind:  rec.ErrorKind,
		ErrorMsg:   rec.ErrorMsg,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func jobViews(records []jobstore.Record) []jobResponse {
	views := make([]jobResponse, len(records))
	for i, rec := range records {
		views[i] = jobView(rec)
	}
	return views
}
