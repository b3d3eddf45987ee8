package asr

import (
	"context"
)

// Params carries per-request connection settings. Zero values fall back
// to the configured defaults.
type Params struct {
	Host            string
	Port            int
	UseSSL          bool
	Mode            string
	ChunkSize       string
	ChunkIntervalMS int
	WavName         string
}

// Result captures recognizer output for one submission.
type Result struct {
	Text      string
	Mode      string
	Fragments int
}

// Recognizer abstracts a speech recognition backend.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, p Params) (Result, error)
	Ping(ctx context.Context) error
}
