package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/modelcache"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/phoneme"
	"github.com/loqalabs/loqa-tts/internal/presence"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/worker"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats            *natsserver.EmbeddedServer
	bus             *bus.Client
	cache           *modelcache.Store
	phonemizerClose func(context.Context) error
	worker          *worker.Service
	presence        *presence.Registry
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

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/workers", r.handleWorkers)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
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
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("worker_id", r.cfg.Worker.ID))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}

	r.cache, err = modelcache.Open(ctx, r.cfg.ModelCache, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open model cache: %w", err)
	}
	client := &http.Client{Timeout: time.Duration(r.cfg.ModelCache.HTTPTimeout) * time.Millisecond}
	fetcher := modelcache.NewFetcher(r.cache, client, r.logger)

	phonemizer, closePhonemizer, err := phoneme.New(ctx, r.cfg.Phonemizer, r.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize phonemizer: %w", err)
	}
	r.phonemizerClose = closePhonemizer

	factory, err := inference.NewFactory(r.cfg.Inference, r.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize inference: %w", err)
	}

	eng, err := engine.New(r.cfg.Synthesis, r.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	deps := tts.Deps{Fetcher: fetcher, Phonemizer: phonemizer, Inference: factory, Logger: r.logger}
	r.worker = worker.NewService(ctx, r.cfg, r.bus, eng, deps, r.logger)

	if r.cfg.Presence.Enabled {
		r.presence, err = presence.NewRegistry(ctx, r.cfg.Worker.ID, r.cfg.Presence, r.bus, r.worker.Status, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start presence: %w", err)
		}
		registry := r.presence
		r.worker.OnChange(func() {
			if err := registry.Announce(); err != nil {
				r.logger.Warn("failed to announce worker", slog.String("error", err.Error()))
			}
		})
	}

	if err := r.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// shutdown releases everything startServices acquired, in reverse order.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.worker != nil {
		r.worker.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.phonemizerClose != nil {
		if err := r.phonemizerClose(ctx); err != nil {
			r.logger.Error("phonemizer shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			r.logger.Error("model cache close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus == nil || !r.bus.Healthy() {
		return false
	}
	return r.worker == nil || r.worker.Healthy()
}

func (r *Runtime) handleWorkers(w http.ResponseWriter, req *http.Request) {
	if r.presence == nil {
		http.Error(w, "presence disabled", http.StatusNotFound)
		return
	}
	filter := func(presence.Worker) bool { return true }
	if model := req.URL.Query().Get("model"); model != "" {
		filter = presence.WithModel(model)
	}
	workers := r.presence.Query(filter)
	if req.URL.Query().Get("available") == "true" {
		available := presence.Available()
		kept := workers[:0]
		for _, wk := range workers {
			if available(wk) {
				kept = append(kept, wk)
			}
		}
		workers = kept
	}
	if workers == nil {
		workers = []presence.Worker{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(workers)
}
