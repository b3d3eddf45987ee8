// Package funasr implements the WebSocket client protocol spoken by
// FunASR recognition servers: a JSON handshake, binary PCM frames, an
// end-of-speech marker, then JSON transcript messages until the final one.
package funasr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linguabridge/linguabridge/internal/asr"
	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/fault"
	"github.com/linguabridge/linguabridge/internal/wavio"
)

type Client struct {
	cfg    config.ASRConfig
	logger *slog.Logger
}

func New(cfg config.ASRConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "funasr-client")),
	}
}

type handshake struct {
	Mode          string `json:"mode"`
	ChunkSize     [3]int `json:"chunk_size"`
	ChunkInterval int    `json:"chunk_interval"`
	WavName       string `json:"wav_name"`
	WavFormat     string `json:"wav_format"`
	AudioFS       int    `json:"audio_fs"`
	IsSpeaking    bool   `json:"is_speaking"`
	ITN           bool   `json:"itn"`
}

type endOfSpeech struct {
	IsSpeaking bool `json:"is_speaking"`
}

type serverMessage struct {
	Mode    string `json:"mode"`
	Text    string `json:"text"`
	WavName string `json:"wav_name"`
	IsFinal bool   `json:"is_final"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Recognize streams the canonical WAV to the recognition server and
// returns the concatenated transcript. Connection-level failures are
// retried up to the configured count; protocol and recognition errors
// are not.
func (c *Client) Recognize(ctx context.Context, audio []byte, p asr.Params) (asr.Result, error) {
	p = c.withDefaults(p)

	pcm, sampleRate, err := wavio.ExtractPCM(audio)
	if err != nil {
		return asr.Result{}, fault.Wrap(fault.ValidationError, "audio is not canonical wav", err)
	}

	chunk, err := parseChunkSize(p.ChunkSize)
	if err != nil {
		return asr.Result{}, fault.Wrap(fault.ValidationError, "invalid chunk_size", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.RecognitionTimeoutMS)*time.Millisecond)
	defer cancel()

	backoff := time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			c.logger.Warn("recognition attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return asr.Result{}, fault.Wrap(fault.Timeout, "recognition timed out", ctx.Err())
			case <-time.After(backoff):
			}
		}
		result, err := c.exchange(ctx, pcm, sampleRate, chunk, p)
		if err == nil {
			return result, nil
		}
		if !fault.IsKind(err, fault.ConnectionFailed) {
			return asr.Result{}, err
		}
		lastErr = err
	}
	return asr.Result{}, lastErr
}

func (c *Client) exchange(ctx context.Context, pcm []byte, sampleRate int, chunk [3]int, p asr.Params) (asr.Result, error) {
	conn, err := c.dial(ctx, p)
	if err != nil {
		return asr.Result{}, fault.Wrap(fault.ConnectionFailed, "dial recognition server", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	hello := handshake{
		Mode:          p.Mode,
		ChunkSize:     chunk,
		ChunkInterval: p.ChunkIntervalMS,
		WavName:       p.WavName,
		WavFormat:     "pcm",
		AudioFS:       sampleRate,
		IsSpeaking:    true,
		ITN:           true,
	}
	if err := conn.WriteJSON(hello); err != nil {
		return asr.Result{}, fault.Wrap(fault.ConnectionFailed, "send handshake", err)
	}

	stride := frameStride(chunk, p.ChunkIntervalMS, sampleRate)
	for off := 0; off < len(pcm); off += stride {
		end := off + stride
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return asr.Result{}, fault.Wrap(fault.ConnectionFailed, "send audio frame", err)
		}
	}
	if err := conn.WriteJSON(endOfSpeech{IsSpeaking: false}); err != nil {
		return asr.Result{}, fault.Wrap(fault.ConnectionFailed, "send end of speech", err)
	}

	return c.collect(conn, p.Mode)
}

// collect appends transcript fragments in receipt order until the final
// message or connection close. A close before any fragment arrived counts
// as a connection failure so the retry policy applies.
func (c *Client) collect(conn *websocket.Conn, mode string) (asr.Result, error) {
	var parts []string
	received := 0
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			if received > 0 && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return asr.Result{}, fault.Wrap(fault.ConnectionFailed, "recognition connection closed", err)
		}
		if kind != websocket.TextMessage {
			return asr.Result{}, fault.Newf(fault.ProtocolError, "unexpected frame type %d from recognition server", kind)
		}
		var msg serverMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return asr.Result{}, fault.Wrap(fault.ProtocolError, "malformed recognition message", err)
		}
		if msg.Code != 0 {
			return asr.Result{}, fault.Newf(fault.RecognitionFailed, "recognition server error %d: %s", msg.Code, msg.Message)
		}
		received++
		if appendFragment(mode, msg.Mode) && msg.Text != "" {
			parts = append(parts, msg.Text)
		}
		if msg.IsFinal {
			break
		}
	}
	return asr.Result{Text: strings.Join(parts, ""), Mode: mode, Fragments: len(parts)}, nil
}

// Ping dials the server and closes immediately; it is the registry's
// availability probe.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()
	conn, err := c.dial(ctx, c.withDefaults(asr.Params{}))
	if err != nil {
		return fault.Wrap(fault.ConnectionFailed, "recognition server unreachable", err)
	}
	return conn.Close()
}

func (c *Client) dial(ctx context.Context, p asr.Params) (*websocket.Conn, error) {
	scheme := "ws"
	if p.UseSSL {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, p.Host, p.Port)
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.cfg.ConnectTimeoutMS) * time.Millisecond,
		// FunASR deployments commonly ship self-signed certificates.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	return conn, err
}

func (c *Client) withDefaults(p asr.Params) asr.Params {
	if p.Host == "" {
		p.Host = c.cfg.Host
		p.UseSSL = c.cfg.UseSSL
	}
	if p.Port == 0 {
		p.Port = c.cfg.Port
	}
	if p.Mode == "" {
		p.Mode = c.cfg.Mode
	}
	if p.ChunkSize == "" {
		p.ChunkSize = c.cfg.ChunkSize
	}
	if p.ChunkIntervalMS == 0 {
		p.ChunkIntervalMS = c.cfg.ChunkIntervalMS
	}
	if p.WavName == "" {
		p.WavName = "upload"
	}
	return p
}

// appendFragment filters which server messages contribute transcript
// text: two-pass sessions emit both streaming partials and the offline
// rescoring pass, and only the latter belongs in the final text.
func appendFragment(sessionMode, messageMode string) bool {
	switch sessionMode {
	case "2pass":
		return messageMode == "2pass-offline" || messageMode == "offline" || messageMode == ""
	case "online":
		return messageMode == "online" || messageMode == ""
	default:
		return messageMode == "offline" || messageMode == ""
	}
}

func parseChunkSize(raw string) ([3]int, error) {
	var chunk [3]int
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return chunk, fmt.Errorf("expected three comma-separated integers, got %q", raw)
	}
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return chunk, fmt.Errorf("chunk_size element %d: %w", i, err)
		}
		if v <= 0 {
			return chunk, fmt.Errorf("chunk_size element %d must be positive", i)
		}
		chunk[i] = v
	}
	return chunk, nil
}

// frameStride computes the byte size of one audio frame using the FunASR
// chunking convention (60ms base unit, 16-bit samples).
func frameStride(chunk [3]int, intervalMS, sampleRate int) int {
	stride := 60 * chunk[1] / intervalMS * sampleRate / 1000 * 2
	if stride <= 0 {
		stride = sampleRate / 10 * 2
	}
	return stride
}
