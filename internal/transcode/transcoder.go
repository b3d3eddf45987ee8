package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/fault"
)

// Runner executes an external command. Tests substitute a fake so no
// process is spawned.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// WavParams describes the canonical output produced by a transcode run.
type WavParams struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// Result carries the canonical WAV bytes and their probed parameters.
type Result struct {
	Audio     []byte
	Params    WavParams
	InputSize int
}

// Transcoder normalizes uploaded audio into the canonical WAV format the
// recognition server expects, by driving an external tool (ffmpeg by
// default).
type Transcoder struct {
	cfg     config.TranscodeConfig
	cmd     []string
	runner  Runner
	allowed map[string]bool
	logger  *slog.Logger
}

// New parses the configured command line and builds a Transcoder. A nil
// runner selects the real process runner.
func New(cfg config.TranscodeConfig, runner Runner, logger *slog.Logger) (*Transcoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcode command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcode command is empty")
	}
	if runner == nil {
		runner = execRunner{}
	}
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Transcoder{
		cfg:     cfg,
		cmd:     args,
		runner:  runner,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "transcoder")),
	}, nil
}

// Supported reports whether the declared extension is in the allow-list.
func (t *Transcoder) Supported(ext string) bool {
	return t.allowed[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

// ToWav converts the uploaded bytes into mono PCM WAV at the configured
// sample rate. The extension is validated before any process spawns, and
// temp files are removed on every exit path.
func (t *Transcoder) ToWav(ctx context.Context, audio []byte, ext string) (Result, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !t.Supported(ext) {
		return Result{}, fault.Newf(fault.UnsupportedFormat, "unsupported audio format %q", ext)
	}
	if len(audio) == 0 {
		return Result{}, fault.New(fault.ValidationError, "empty audio payload")
	}

	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}
	workDir, err := os.MkdirTemp(t.cfg.OutputDir, "transcode_*")
	if err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inPath := filepath.Join(workDir, "input."+ext)
	outPath := filepath.Join(workDir, "output.wav")
	if err := os.WriteFile(inPath, audio, 0o600); err != nil {
		return Result{}, fmt.Errorf("write input file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	args := append([]string{}, t.cmd[1:]...)
	args = append(args,
		"-i", inPath,
		"-ar", strconv.Itoa(t.cfg.SampleRate),
		"-ac", strconv.Itoa(t.cfg.Channels),
		"-c:a", codecForBitDepth(t.cfg.BitDepth),
		"-y", outPath,
	)

	start := time.Now()
	_, stderr, err := t.runner.Run(ctx, t.cmd[0], args)
	if err != nil {
		return Result{}, t.classify(ctx, err, stderr)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return Result{}, fault.Wrap(fault.TranscodeFailed, "transcoded output missing", err)
	}
	if len(out) == 0 {
		return Result{}, fault.New(fault.TranscodeFailed, "transcoded output is empty")
	}

	params, err := probeWav(out)
	if err != nil {
		return Result{}, fault.Wrap(fault.TranscodeFailed, "transcoded output is not valid wav", err)
	}

	t.logger.Info("transcode complete",
		slog.String("ext", ext),
		slog.Int("input_bytes", len(audio)),
		slog.Int("output_bytes", len(out)),
		slog.Duration("elapsed", time.Since(start)))

	return Result{Audio: out, Params: params, InputSize: len(audio)}, nil
}

// Ping verifies the external tool is present and runnable.
func (t *Transcoder) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, _, err := t.runner.Run(ctx, t.cmd[0], append(append([]string{}, t.cmd[1:]...), "-version"))
	if err != nil {
		return fault.Wrap(fault.ServiceUnavailable, "transcode tool unavailable", err)
	}
	return nil
}

func (t *Transcoder) classify(ctx context.Context, err error, stderr []byte) error {
	switch {
	case ctx.Err() != nil:
		return fault.Wrap(fault.Timeout, "transcode timed out", ctx.Err())
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist):
		return fault.Wrap(fault.ServiceUnavailable, "transcode tool not found", err)
	default:
		diag := strings.TrimSpace(string(stderr))
		if diag != "" {
			return fault.Wrap(fault.TranscodeFailed, "transcode failed: "+tail(diag, 512), err)
		}
		return fault.Wrap(fault.TranscodeFailed, "transcode failed", err)
	}
}

func probeWav(data []byte) (WavParams, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return WavParams{}, err
	}
	if !dec.IsValidFile() {
		return WavParams{}, errors.New("invalid wav header")
	}
	return WavParams{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}, nil
}

func codecForBitDepth(depth int) string {
	switch depth {
	case 24:
		return "pcm_s24le"
	case 32:
		return "pcm_s32le"
	default:
		return "pcm_s16le"
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
