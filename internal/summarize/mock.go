package summarize

import (
	"context"
	"fmt"
	"unicode/utf8"
)

type mockSummarizer struct {
	prompts *PromptSet
}

// NewMockSummarizer returns a summarizer that never calls an external
// API; it echoes a deterministic digest of its input.
func NewMockSummarizer() Summarizer {
	return &mockSummarizer{prompts: DefaultPrompts()}
}

func (m *mockSummarizer) Summarize(_ context.Context, text, style string, opts Options) (Result, error) {
	if _, err := m.prompts.Render(style, text, opts.MaxLength); err != nil {
		return Result{}, err
	}
	summary := fmt.Sprintf("[%s summary chars=%d]", style, utf8.RuneCountInString(text))
	return Result{
		Summary:        summary,
		Style:          style,
		Model:          "mock",
		MaxLength:      opts.MaxLength,
		OriginalLength: utf8.RuneCountInString(text),
		SummaryLength:  utf8.RuneCountInString(summary),
	}, nil
}

func (m *mockSummarizer) BatchSummarize(ctx context.Context, texts []string, style string, opts Options) []BatchItem {
	items := make([]BatchItem, len(texts))
	for i, text := range texts {
		res, err := m.Summarize(ctx, text, style, opts)
		items[i] = BatchItem{Index: i, Result: res, Err: err}
	}
	return items
}

func (m *mockSummarizer) Styles() []string { return m.prompts.Styles() }

func (m *mockSummarizer) Ping(context.Context) error { return nil }
