// Package runtime wires the service together: telemetry, the optional
// event bus, the job store, the backend services, and the HTTP servers.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linguabridge/linguabridge/internal/asr"
	"github.com/linguabridge/linguabridge/internal/asr/funasr"
	"github.com/linguabridge/linguabridge/internal/bus"
	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/httpapi"
	"github.com/linguabridge/linguabridge/internal/jobstore"
	"github.com/linguabridge/linguabridge/internal/natsserver"
	"github.com/linguabridge/linguabridge/internal/pipeline"
	"github.com/linguabridge/linguabridge/internal/registry"
	"github.com/linguabridge/linguabridge/internal/summarize"
	"github.com/linguabridge/linguabridge/internal/summarize/wenxin"
	"github.com/linguabridge/linguabridge/internal/transcode"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	apiServer   *http.Server
	metrics     *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var embedded *natsserver.EmbeddedServer
	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			embedded.Shutdown()
			return fmt.Errorf("connect to bus: %w", err)
		}
	}
	defer func() {
		busClient.Close()
		embedded.Shutdown()
	}()

	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	reg := registry.New(r.logger)
	transcoder, err := r.registerServices(reg)
	if err != nil {
		return err
	}

	orch := pipeline.New(r.cfg, transcoder, reg, busClient, store, r.logger)
	api := httpapi.NewServer(r.cfg, orch, reg, store, r.ready.Load, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.Server.Bind, r.cfg.Server.Port)
	r.apiServer = &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricHandler)
		r.metrics = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.apiServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metrics != nil {
		if err := r.metrics.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// registerServices builds the backend adapters and registers them under
// their lookup names. The mock backends are always registered so
// deployments without a FunASR host or API credentials stay testable.
func (r *Runtime) registerServices(reg *registry.Registry) (*transcode.Transcoder, error) {
	transcoder, err := transcode.New(r.cfg.Transcode, nil, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create transcoder: %w", err)
	}
	if err := reg.Register("transcode", "ffmpeg", transcoder); err != nil {
		return nil, err
	}

	if err := reg.Register("asr", "funasr", funasr.New(r.cfg.ASR, r.logger)); err != nil {
		return nil, err
	}
	if err := reg.Register("asr", "mock", asr.NewMockRecognizer()); err != nil {
		return nil, err
	}

	prompts := r.loadPrompts()
	if err := reg.Register("summary", "baidu_wenxin", wenxin.New(r.cfg.Summary, prompts, r.logger)); err != nil {
		return nil, err
	}
	if err := reg.Register("summary", "mock", summarize.NewMockSummarizer()); err != nil {
		return nil, err
	}

	return transcoder, nil
}

func (r *Runtime) loadPrompts() *summarize.PromptSet {
	path := r.cfg.Summary.PromptFile
	if path == "" {
		return summarize.DefaultPrompts()
	}
	prompts, err := summarize.LoadPrompts(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to load prompt file, using built-in styles",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return summarize.DefaultPrompts()
	}
	r.logger.Info("loaded prompt styles", slog.String("path", path))
	return prompts
}
