package asr

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that never touches the network.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Recognize(_ context.Context, audio []byte, p Params) (Result, error) {
	mode := p.Mode
	if mode == "" {
		mode = "offline"
	}
	return Result{
		Text:      fmt.Sprintf("[mock transcript bytes=%d]", len(audio)),
		Mode:      mode,
		Fragments: 1,
	}, nil
}

func (m *mockRecognizer) Ping(context.Context) error { return nil }
