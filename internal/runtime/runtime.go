package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiware-labs/murmur/internal/advisor"
	"github.com/ambiware-labs/murmur/internal/bus"
	"github.com/ambiware-labs/murmur/internal/catalog"
	"github.com/ambiware-labs/murmur/internal/config"
	"github.com/ambiware-labs/murmur/internal/download"
	"github.com/ambiware-labs/murmur/internal/history"
	"github.com/ambiware-labs/murmur/internal/lifecycle"
	"github.com/ambiware-labs/murmur/internal/natsserver"
	"github.com/ambiware-labs/murmur/internal/protocol"
	"github.com/ambiware-labs/murmur/internal/queue"
	"github.com/ambiware-labs/murmur/internal/remote"
	"github.com/ambiware-labs/murmur/internal/router"
	"github.com/ambiware-labs/murmur/internal/settings"
	"github.com/ambiware-labs/murmur/internal/store"
	"github.com/ambiware-labs/murmur/internal/whisper"
)

// Runtime wires the transcription core together: model store, download
// pipeline, lifecycle manager, request queue, router, history, event bus,
// and the HTTP surface.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	natsServer  *natsserver.EmbeddedServer
	busClient   *bus.Client

	catalog   catalog.Catalog
	modelsDir *store.Store
	downloads *download.Manager
	manager   *lifecycle.Manager
	queue     *queue.Queue
	router    *router.Service
	history   *history.Store
	advisor   *advisor.Advisor
	probe     advisor.ProbeFunc

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the core up and blocks until ctx is canceled, then tears
// everything down, releasing the native handle last-used first.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBus(); err != nil {
		return err
	}

	hist, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		r.stopBus()
		return fmt.Errorf("open history store: %w", err)
	}
	r.history = hist

	if err := r.buildCore(ctx); err != nil {
		r.history.Close()
		r.stopBus()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("models_dir", r.cfg.Models.Directory))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.queue.Close()
	r.manager.Close()
	if err := r.history.Close(); err != nil {
		r.logger.Error("history close error", slog.String("error", err.Error()))
	}
	r.stopBus()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startBus() error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	if r.cfg.Bus.Embedded {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
	}
	client, err := bus.Connect(context.Background(), r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		if r.natsServer != nil {
			r.natsServer.Shutdown()
		}
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) stopBus() {
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
}

func (r *Runtime) buildCore(ctx context.Context) error {
	r.catalog = catalog.Default()

	st := store.New(r.cfg.Models.Directory, r.catalog, r.logger.With(slog.String("component", "store")))
	if err := st.EnsureDir(); err != nil {
		return fmt.Errorf("ensure models directory: %w", err)
	}
	r.modelsDir = st
	r.reportStartupValidation(st.ValidateAll(ctx))

	engine, err := r.buildEngine()
	if err != nil {
		return err
	}

	idle := time.Duration(r.cfg.Models.IdleUnloadMS) * time.Millisecond
	r.manager = lifecycle.NewManager(engine, st, r.cfg.Transcription.Threads, idle, r.logger.With(slog.String("component", "lifecycle")))
	st.AttachUnloader(r.manager)
	r.manager.OnStatus(func(v catalog.Variant, state lifecycle.State) {
		status := protocol.ModelStatus{
			Variant:   string(v),
			State:     string(state),
			Timestamp: time.Now().UTC(),
		}
		if err := r.busClient.PublishJSON(protocol.SubjectModelStatus, status); err != nil {
			r.logger.Warn("failed to publish model status", slog.String("error", err.Error()))
		}
	})

	timeout := time.Duration(r.cfg.Models.DownloadTimeoutMS) * time.Millisecond
	r.downloads = download.NewManager(r.catalog, st, timeout, r.logger.With(slog.String("component", "download")))

	r.queue = queue.New(ctx, func(ctx context.Context, req queue.Request) (string, error) {
		return r.manager.Infer(ctx, req.Variant, req.Samples, req.OnStage)
	}, r.logger.With(slog.String("component", "queue")))

	var rt remote.Transcriber
	if r.cfg.Remote.Endpoint != "" {
		rt = remote.NewHTTPTranscriber(
			r.cfg.Remote.Endpoint,
			r.cfg.Remote.APIKey,
			r.cfg.Remote.Model,
			time.Duration(r.cfg.Remote.TimeoutMS)*time.Millisecond)
	}

	provider := settings.FromConfig(&r.cfg)
	r.router = router.NewService(provider, r.manager, r.queue, rt, r.busClient, r.logger)
	r.router.SetRecorder(r.history)

	r.advisor = advisor.New(r.catalog)
	r.probe = advisor.SystemProbe(r.cfg.Models.Directory)
	return nil
}

func (r *Runtime) buildEngine() (whisper.Engine, error) {
	switch r.cfg.Engine.Mode {
	case "mock":
		return whisper.NewMockEngine(), nil
	case "exec":
		return whisper.NewExecEngine(r.cfg.Engine.Command, r.cfg.Transcription.Language, r.cfg.Transcription.SampleRate)
	case "native":
		return whisper.NewNativeEngine(r.cfg.Transcription.Language)
	}
	return nil, fmt.Errorf("unknown engine mode %q", r.cfg.Engine.Mode)
}

// reportStartupValidation logs the corruption sweep and broadcasts removals.
// Corrupted files are already gone by the time this runs; users only need
// to know a re-download is required.
func (r *Runtime) reportStartupValidation(results []store.ValidationResult) {
	for _, res := range results {
		switch {
		case res.Err != nil:
			r.logger.Warn("model validation error",
				slog.String("variant", string(res.Variant)),
				slog.String("error", res.Err.Error()))
		case res.Removed:
			r.logger.Warn("removed corrupted model file",
				slog.String("variant", string(res.Variant)))
			status := protocol.ModelStatus{
				Variant:   string(res.Variant),
				State:     "removed",
				Timestamp: time.Now().UTC(),
			}
			if err := r.busClient.PublishJSON(protocol.SubjectModelStatus, status); err != nil {
				r.logger.Warn("failed to publish removal", slog.String("error", err.Error()))
			}
		case res.Valid:
			r.logger.Info("model file verified", slog.String("variant", string(res.Variant)))
		}
	}
}
