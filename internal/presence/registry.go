// Package presence tracks which TTS workers are reachable on the bus and
// which backend each one holds.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Worker is the last known state of one worker.
type Worker struct {
	ID       string    `json:"id"`
	Model    string    `json:"model,omitempty"`
	Device   string    `json:"device,omitempty"`
	Voices   int       `json:"voices"`
	Busy     bool      `json:"busy"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Status describes the local worker at announce and heartbeat time.
type Status struct {
	Model  string
	Device string
	Voices int
	Busy   bool
}

// StatusFunc reports the local worker's current status.
type StatusFunc func() Status

type Registry struct {
	id     string
	cfg    config.PresenceConfig
	log    *slog.Logger
	bus    *bus.Client
	status StatusFunc

	mu      sync.RWMutex
	workers map[string]*Worker

	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

// NewRegistry subscribes to announcements and heartbeats, announces the
// local worker and starts heartbeating.
func NewRegistry(ctx context.Context, workerID string, cfg config.PresenceConfig, busClient *bus.Client, status StatusFunc, log *slog.Logger) (*Registry, error) {
	if status == nil {
		status = func() Status { return Status{} }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:      workerID,
		cfg:     cfg,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		status:  status,
		workers: make(map[string]*Worker),
		meter:   otel.Meter("github.com/loqalabs/loqa-tts/presence"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.Announce(); err != nil {
		r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

// Announce publishes the local worker's full status. Workers call it again
// whenever the loaded backend changes.
func (r *Registry) Announce() error {
	st := r.status()
	msg := protocol.Announce{
		WorkerID:  r.id,
		Model:     st.Model,
		Device:    st.Device,
		Voices:    st.Voices,
		Busy:      st.Busy,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectAnnounce, payload); err != nil {
		return err
	}
	r.applyAnnounce(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.Heartbeat{
		WorkerID:  r.id,
		Busy:      r.status().Busy,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.HeartbeatSubject(r.id), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.Announce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.WorkerID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.applyAnnounce(announcement)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.WorkerID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.worker(hb.WorkerID)
	w.Busy = hb.Busy
	w.LastSeen = hb.Timestamp
	w.Healthy = true
}

func (r *Registry) applyAnnounce(msg protocol.Announce) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.worker(msg.WorkerID)
	w.Model = msg.Model
	w.Device = msg.Device
	w.Voices = msg.Voices
	w.Busy = msg.Busy
	w.LastSeen = msg.Timestamp
	w.Healthy = true
}

// worker returns the entry for id, creating it. Callers hold mu.
func (r *Registry) worker(id string) *Worker {
	w, ok := r.workers[id]
	if !ok {
		w = &Worker{ID: id}
		r.workers[id] = w
	}
	return w
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, w := range r.workers {
		if now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
		}
	}
}

// Healthy reports whether the local worker is known and fresh.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[r.id]
	return ok && w.Healthy
}

// Query returns the workers accepted by filter, ordered by id.
func (r *Registry) Query(filter func(Worker) bool) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Worker
	for _, w := range r.workers {
		copy := *w
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithModel(model string) func(Worker) bool {
	return func(w Worker) bool { return w.Model == model }
}

// Available selects healthy workers that are not running a job.
func Available() func(Worker) bool {
	return func(w Worker) bool { return w.Healthy && !w.Busy }
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	workers, err := r.meter.Int64ObservableGauge("loqa.tts.workers", metric.WithDescription("Healthy TTS workers"))
	if err != nil {
		return err
	}
	busy, err := r.meter.Int64ObservableGauge("loqa.tts.workers.busy", metric.WithDescription("TTS workers running a job"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		healthy, running := r.snapshotCounts()
		obs.ObserveInt64(workers, healthy)
		obs.ObserveInt64(busy, running)
		return nil
	}, workers, busy)
	return err
}

func (r *Registry) snapshotCounts() (healthy, busy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if !w.Healthy {
			continue
		}
		healthy++
		if w.Busy {
			busy++
		}
	}
	return healthy, busy
}
