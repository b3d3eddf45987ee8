package funasr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/linguabridge/linguabridge/internal/asr"
	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/fault"
	"github.com/linguabridge/linguabridge/internal/wavio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testASRConfig() config.ASRConfig {
	cfg := config.Default().ASR
	cfg.UseSSL = false
	cfg.ConnectTimeoutMS = 2000
	cfg.RecognitionTimeoutMS = 5000
	cfg.RetryCount = 2
	cfg.RetryBackoffMS = 10
	return cfg
}

func testAudio(t *testing.T) []byte {
	t.Helper()
	pcm := make([]byte, 6400)
	data, err := wavio.Bytes(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("build wav fixture: %v", err)
	}
	return data
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// mockServer runs handler for each websocket session and returns params
// pointing at it.
func mockServer(t *testing.T, handler func(*websocket.Conn)) asr.Params {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return asr.Params{Host: host, Port: port, UseSSL: false}
}

// drainAudio consumes handshake and frames until the end-of-speech marker,
// returning the handshake and total PCM byte count.
func drainAudio(t *testing.T, conn *websocket.Conn) (handshake, int) {
	t.Helper()
	var hello handshake
	kind, payload, err := conn.ReadMessage()
	if err != nil || kind != websocket.TextMessage {
		t.Errorf("expected handshake text message, got kind=%d err=%v", kind, err)
		return hello, 0
	}
	if err := json.Unmarshal(payload, &hello); err != nil {
		t.Errorf("decode handshake: %v", err)
		return hello, 0
	}
	total := 0
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read frame: %v", err)
			return hello, total
		}
		if kind == websocket.BinaryMessage {
			total += len(payload)
			continue
		}
		var eos endOfSpeech
		if err := json.Unmarshal(payload, &eos); err != nil {
			t.Errorf("decode end of speech: %v", err)
		}
		if eos.IsSpeaking {
			t.Error("expected is_speaking=false terminator")
		}
		return hello, total
	}
}

func TestRecognizeOfflineEcho(t *testing.T) {
	audio := testAudio(t)
	var gotHello handshake
	var gotBytes int
	params := mockServer(t, func(conn *websocket.Conn) {
		gotHello, gotBytes = drainAudio(t, conn)
		_ = conn.WriteJSON(serverMessage{Mode: "offline", Text: "但愿人长久，千里共婵娟。", IsFinal: true})
	})

	client := New(testASRConfig(), newLogger())
	res, err := client.Recognize(context.Background(), audio, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "但愿人长久，千里共婵娟。" {
		t.Fatalf("unexpected transcript %q", res.Text)
	}
	if res.Mode != "offline" {
		t.Fatalf("unexpected mode %q", res.Mode)
	}
	if gotHello.Mode != "offline" || gotHello.WavFormat != "pcm" || !gotHello.IsSpeaking {
		t.Fatalf("unexpected handshake %+v", gotHello)
	}
	if gotHello.ChunkSize != [3]int{5, 10, 5} {
		t.Fatalf("unexpected chunk size %v", gotHello.ChunkSize)
	}
	if gotHello.AudioFS != 16000 {
		t.Fatalf("unexpected audio_fs %d", gotHello.AudioFS)
	}
	if gotBytes != 6400 {
		t.Fatalf("expected 6400 pcm bytes streamed, got %d", gotBytes)
	}
}

func TestRecognizeFragmentsInOrder(t *testing.T) {
	params := mockServer(t, func(conn *websocket.Conn) {
		drainAudio(t, conn)
		_ = conn.WriteJSON(serverMessage{Mode: "offline", Text: "第一段。"})
		_ = conn.WriteJSON(serverMessage{Mode: "offline", Text: "第二段。", IsFinal: true})
	})
	client := New(testASRConfig(), newLogger())
	res, err := client.Recognize(context.Background(), testAudio(t), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "第一段。第二段。" {
		t.Fatalf("fragments out of order: %q", res.Text)
	}
	if res.Fragments != 2 {
		t.Fatalf("expected 2 fragments, got %d", res.Fragments)
	}
}

func TestRecognizeImmediateCloseRetriesThenFails(t *testing.T) {
	var sessions atomic.Int32
	params := mockServer(t, func(conn *websocket.Conn) {
		sessions.Add(1)
		// close without reading anything
	})
	cfg := testASRConfig()
	client := New(cfg, newLogger())
	_, err := client.Recognize(context.Background(), testAudio(t), params)
	if !fault.IsKind(err, fault.ConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
	if got := int(sessions.Load()); got != cfg.RetryCount+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.RetryCount+1, got)
	}
}

func TestRecognizeDialFailure(t *testing.T) {
	cfg := testASRConfig()
	cfg.RetryCount = 1
	cfg.ConnectTimeoutMS = 200
	client := New(cfg, newLogger())
	// port 1 is never listening
	_, err := client.Recognize(context.Background(), testAudio(t), asr.Params{Host: "127.0.0.1", Port: 1})
	if !fault.IsKind(err, fault.ConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
}

func TestRecognizeServerErrorNotRetried(t *testing.T) {
	var sessions atomic.Int32
	params := mockServer(t, func(conn *websocket.Conn) {
		sessions.Add(1)
		drainAudio(t, conn)
		_ = conn.WriteJSON(serverMessage{Code: 4, Message: "model not loaded"})
	})
	client := New(testASRConfig(), newLogger())
	_, err := client.Recognize(context.Background(), testAudio(t), params)
	if !fault.IsKind(err, fault.RecognitionFailed) {
		t.Fatalf("expected recognition_failed, got %v", err)
	}
	if sessions.Load() != 1 {
		t.Fatalf("recognition errors must not be retried, got %d sessions", sessions.Load())
	}
}

func TestRecognizeMalformedResponse(t *testing.T) {
	var sessions atomic.Int32
	params := mockServer(t, func(conn *websocket.Conn) {
		sessions.Add(1)
		drainAudio(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	})
	client := New(testASRConfig(), newLogger())
	_, err := client.Recognize(context.Background(), testAudio(t), params)
	if !fault.IsKind(err, fault.ProtocolError) {
		t.Fatalf("expected protocol_error, got %v", err)
	}
	if sessions.Load() != 1 {
		t.Fatalf("protocol errors must not be retried, got %d sessions", sessions.Load())
	}
}

func TestRecognizeTwoPassKeepsOfflineText(t *testing.T) {
	params := mockServer(t, func(conn *websocket.Conn) {
		drainAudio(t, conn)
		_ = conn.WriteJSON(serverMessage{Mode: "2pass-online", Text: "partial guess"})
		_ = conn.WriteJSON(serverMessage{Mode: "2pass-offline", Text: "final text", IsFinal: true})
	})
	client := New(testASRConfig(), newLogger())
	res, err := client.Recognize(context.Background(), testAudio(t), asrWithMode(params, "2pass"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "final text" {
		t.Fatalf("expected offline pass only, got %q", res.Text)
	}
}

func asrWithMode(p asr.Params, mode string) asr.Params {
	p.Mode = mode
	return p
}

func TestRecognizeRejectsNonWav(t *testing.T) {
	client := New(testASRConfig(), newLogger())
	_, err := client.Recognize(context.Background(), []byte("mp3 junk"), asr.Params{Host: "127.0.0.1", Port: 1})
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("expected validation_error, got %v", err)
	}
}

func TestPing(t *testing.T) {
	params := mockServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	cfg := testASRConfig()
	cfg.Host = params.Host
	cfg.Port = params.Port
	client := New(cfg, newLogger())
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("expected ping success: %v", err)
	}

	cfg.Port = 1
	if err := New(cfg, newLogger()).Ping(context.Background()); !fault.IsKind(err, fault.ConnectionFailed) {
		t.Fatalf("expected connection_failed, got %v", err)
	}
}

func TestParseChunkSize(t *testing.T) {
	chunk, err := parseChunkSize("5,10,5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk != [3]int{5, 10, 5} {
		t.Fatalf("unexpected chunk %v", chunk)
	}
	for _, bad := range []string{"", "5,10", "a,b,c", "0,10,5"} {
		if _, err := parseChunkSize(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFrameStride(t *testing.T) {
	// 60ms * 10 / 10ms interval * 16000Hz * 2 bytes = 1920
	if got := frameStride([3]int{5, 10, 5}, 10, 16000); got != 1920 {
		t.Fatalf("expected stride 1920, got %d", got)
	}
}
