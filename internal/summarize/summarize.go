package summarize

import (
	"context"
)

// Options tunes a single summarization call.
type Options struct {
	MaxLength int
}

// Result captures generated summary output. Lengths are rune counts.
type Result struct {
	Summary        string `json:"summary"`
	Style          string `json:"summary_type"`
	Model          string `json:"model,omitempty"`
	MaxLength      int    `json:"max_length,omitempty"`
	OriginalLength int    `json:"original_length"`
	SummaryLength  int    `json:"summary_length"`
	Truncated      bool   `json:"truncated,omitempty"`
}

// BatchItem is one entry of a batch result, in input order. Err is set
// when that item failed; other items are unaffected.
type BatchItem struct {
	Index  int
	Result Result
	Err    error
}

// Summarizer abstracts a text summarization backend.
type Summarizer interface {
	Summarize(ctx context.Context, text, style string, opts Options) (Result, error)
	BatchSummarize(ctx context.Context, texts []string, style string, opts Options) []BatchItem
	Styles() []string
	Ping(ctx context.Context) error
}
