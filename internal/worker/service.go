// Package worker serves the TTS command protocol on the bus. A worker holds
// at most one loaded backend and runs one job at a time.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/presence"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/segment"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/wav"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentation = "github.com/loqalabs/loqa-tts/worker"
	queueSize       = 64
)

var (
	errNotInitialized = errors.New("Model not initialized")
	errQueueFull      = errors.New("worker queue full")
)

// stream is an accepted tts request. Its assembler stays open for push
// commands until end when the request is streaming.
type stream struct {
	assembler *segment.Assembler
	ctx       context.Context
	cancel    context.CancelFunc
}

type Service struct {
	cfg    config.WorkerConfig
	models config.ModelsConfig
	maxLen int
	bus    *bus.Client
	engine *engine.Engine
	deps   tts.Deps
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	// jobs holds init and tts work in arrival order. A single loop runs
	// them so one stream finishes before the next starts.
	jobs chan func()

	mu       sync.Mutex
	session  *engine.Session
	streams  map[string]*stream
	onChange func()
	busy     atomic.Bool

	tracer   trace.Tracer
	segments metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, eng *engine.Engine, deps tts.Deps, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg.Worker,
		models:  cfg.Models,
		maxLen:  cfg.Segmenter.MaxChunkLength,
		bus:     busClient,
		engine:  eng,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*stream),
		jobs:    make(chan func(), queueSize),
		logger:  log.With(slog.String("component", "tts-worker"), slog.String("worker_id", cfg.Worker.ID)),
		tracer:  otel.Tracer(instrumentation),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

// OnChange registers fn to run after every init attempt, so presence can
// re-announce the loaded backend.
func (s *Service) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.wg.Add(1)
	go s.runJobs()

	if s.cfg.PreloadModel != "" {
		preload := protocol.Command{Type: protocol.CommandInit, Model: s.cfg.PreloadModel, UseGPU: s.cfg.UseGPU}
		_ = s.enqueue(func() { s.runInit("", preload) })
	}

	sub, err := s.bus.Conn().Subscribe(protocol.CommandSubject(s.cfg.ID), s.handleCommand)
	if err != nil {
		s.cancel()
		return fmt.Errorf("subscribe worker commands: %w", err)
	}
	s.sub = sub
	s.logger.Info("worker listening", slog.String("subject", protocol.CommandSubject(s.cfg.ID)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	for _, st := range s.streams {
		st.assembler.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.Close(); err != nil {
		s.logger.Warn("failed to close backend", slogError(err))
	}
	s.session = nil
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// Busy reports whether a job is running.
func (s *Service) Busy() bool { return s.busy.Load() }

// Status describes the loaded backend for presence announcements.
func (s *Service) Status() presence.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := presence.Status{Busy: s.busy.Load()}
	if s.session != nil {
		st.Model = string(s.session.Kind)
		st.Device = string(s.session.Device())
		st.Voices = len(s.session.Voices())
	}
	return st
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode worker command", slogError(err))
		s.publishError(msg.Reply, "", fmt.Errorf("invalid command: %w", err), tts.KindGeneral)
		return
	}

	switch cmd.Type {
	case protocol.CommandInit:
		if err := s.enqueue(func() { s.runInit(msg.Reply, cmd) }); err != nil {
			s.publishError(msg.Reply, "", err, tts.KindGeneral)
		}
	case protocol.CommandTTS:
		if cmd.RequestID == "" {
			cmd.RequestID = uuid.NewString()
		}
		st, err := s.openStream(cmd)
		if err != nil {
			s.publishError(msg.Reply, cmd.RequestID, err, tts.KindGeneral)
			return
		}
		if cmd.Streaming {
			s.publish(msg.Reply, protocol.Event{Status: protocol.StatusAck, RequestID: cmd.RequestID})
		}
		if err := s.enqueue(func() { s.runTTS(msg.Reply, cmd, st) }); err != nil {
			s.closeStream(cmd.RequestID)
			s.publishError(msg.Reply, cmd.RequestID, err, tts.KindGeneral)
		}
	case protocol.CommandPush, protocol.CommandEnd, protocol.CommandCancel:
		if err := s.control(cmd); err != nil {
			s.publishError(msg.Reply, cmd.RequestID, err, tts.KindGeneral)
			return
		}
		s.publish(msg.Reply, protocol.Event{Status: protocol.StatusAck, RequestID: cmd.RequestID})
	default:
		s.publishError(msg.Reply, cmd.RequestID, fmt.Errorf("unknown command type: %s", cmd.Type), tts.KindGeneral)
	}
}

// enqueue must not block the subscription handler, which also serves push,
// end and cancel for the running stream. Jobs still queued at Close are
// dropped.
func (s *Service) enqueue(job func()) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		s.logger.Warn("rejecting job", slog.Int("queued", len(s.jobs)))
		return errQueueFull
	}
}

func (s *Service) runJobs() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			job()
		}
	}
}

func (s *Service) openStream(cmd protocol.Command) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[cmd.RequestID]; ok {
		return nil, fmt.Errorf("request %s already in progress", cmd.RequestID)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeout)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	st := &stream{assembler: segment.NewAssembler(s.maxLen), ctx: ctx, cancel: cancel}
	if err := st.assembler.Push(cmd.Text); err != nil {
		cancel()
		return nil, err
	}
	if !cmd.Streaming {
		st.assembler.Close()
	}
	s.streams[cmd.RequestID] = st
	return st, nil
}

// control applies push, end and cancel to an open stream.
func (s *Service) control(cmd protocol.Command) error {
	s.mu.Lock()
	st, ok := s.streams[cmd.RequestID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown request: %s", cmd.RequestID)
	}
	switch cmd.Type {
	case protocol.CommandPush:
		return st.assembler.Push(cmd.Text)
	case protocol.CommandEnd:
		st.assembler.Close()
	case protocol.CommandCancel:
		st.cancel()
	}
	return nil
}

func (s *Service) closeStream(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[requestID]; ok {
		st.cancel()
		delete(s.streams, requestID)
	}
}

func (s *Service) runInit(reply string, cmd protocol.Command) {
	s.busy.Store(true)
	defer s.busy.Store(false)
	defer s.notifyChange()

	ctx, span := s.tracer.Start(s.ctx, "tts.init", trace.WithAttributes(
		attribute.String("tts.model", cmd.Model),
		attribute.Bool("tts.use_gpu", cmd.UseGPU),
	))
	defer span.End()

	kind, err := engine.ParseKind(cmd.Model)
	if err != nil {
		s.fail(span, reply, "", err)
		return
	}

	s.mu.Lock()
	old := s.session
	s.session = nil
	s.mu.Unlock()
	if err := old.Close(); err != nil {
		s.logger.Warn("failed to close previous backend", slogError(err))
	}

	device := engine.RequestedDevice(kind, cmd.UseGPU)
	s.publish(reply, protocol.Event{Status: protocol.StatusDevice, Model: string(kind), Device: string(device)})

	start := time.Now()
	sess, err := engine.Open(ctx, kind, cmd.UseGPU, s.models, s.deps)
	if err != nil {
		s.logger.Error("failed to load backend", slog.String("model", string(kind)), slogError(err))
		s.fail(span, reply, "", err)
		return
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	voices := sess.Voices()
	out := make([]protocol.Voice, len(voices))
	for i, v := range voices {
		out[i] = protocol.Voice{ID: v.ID, Name: v.Name}
	}
	s.logger.Info("backend ready",
		slog.String("model", string(kind)),
		slog.String("device", string(sess.Device())),
		slog.Int("voices", len(voices)),
		slog.Duration("load_time", time.Since(start)),
	)
	s.publish(reply, protocol.Event{Status: protocol.StatusReady, Model: string(kind), Device: string(sess.Device()), Voices: out})
}

func (s *Service) runTTS(reply string, cmd protocol.Command, st *stream) {
	defer s.closeStream(cmd.RequestID)
	s.busy.Store(true)
	defer s.busy.Store(false)

	ctx, span := s.tracer.Start(st.ctx, "tts.request", trace.WithAttributes(
		attribute.String("tts.request_id", cmd.RequestID),
		attribute.Bool("tts.preview", cmd.IsPreview),
		attribute.Bool("tts.streaming", cmd.Streaming),
	))
	defer span.End()

	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		s.fail(span, reply, cmd.RequestID, errNotInitialized)
		return
	}
	span.SetAttributes(attribute.String("tts.model", string(sess.Kind)))

	start := time.Now()
	out, err := s.engine.Synthesize(ctx, sess, engine.Request{
		Segments:   st.assembler.Segments(ctx),
		Voice:      string(cmd.Voice),
		Speed:      cmd.Speed,
		SampleRate: cmd.SampleRate,
		IsPreview:  cmd.IsPreview,
		OnSegment: func(res tts.Result, encoded []byte) {
			s.recordSegment(ctx, sess.Kind, res)
			if encoded != nil {
				s.publishChunk(reply, cmd.RequestID, res, encoded)
			}
		},
	})
	s.recordDuration(ctx, sess.Kind, time.Since(start))

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.fail(span, reply, cmd.RequestID, errors.New("request timed out"))
		return
	case errors.Is(err, context.Canceled):
		s.fail(span, reply, cmd.RequestID, errors.New("request cancelled"))
		return
	case err != nil:
		s.fail(span, reply, cmd.RequestID, err)
		return
	}

	span.SetAttributes(attribute.Int("tts.segments", out.Segments), attribute.Int("tts.failed", out.Failed))
	s.logger.Info("tts request complete",
		slog.String("request_id", cmd.RequestID),
		slog.Int("segments", out.Segments),
		slog.Int("failed", out.Failed),
		slog.Duration("latency", time.Since(start)),
	)
	event := protocol.Event{
		Status:    protocol.StatusComplete,
		RequestID: cmd.RequestID,
		Audio:     out.Audio,
		Segments:  out.Segments,
		Failed:    out.Failed,
	}
	if out.Audio != nil {
		event.ContentType = wav.ContentType
		event.SampleRate = out.SampleRate
	}
	s.publish(reply, event)
}

func (s *Service) notifyChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Service) publishChunk(reply, requestID string, res tts.Result, encoded []byte) {
	chunk := &protocol.Chunk{
		Index:    res.Index,
		Text:     res.Text,
		Audio:    encoded,
		Phonemes: res.Phonemes,
	}
	if res.Err != nil {
		chunk.Error = res.Err.Error()
		chunk.ErrorType = string(res.Kind)
	}
	s.publish(reply, protocol.Event{
		Status:      protocol.StatusStream,
		RequestID:   requestID,
		Chunk:       chunk,
		ContentType: wav.ContentType,
		SampleRate:  res.SampleRate,
	})
}

// fail records err on the span and publishes it as an error event.
func (s *Service) fail(span trace.Span, reply, requestID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	kind := tts.Classify(err)
	s.logger.Warn("worker job failed", slog.String("request_id", requestID), slog.String("error_type", string(kind)), slogError(err))
	s.publishError(reply, requestID, err, kind)
}

func (s *Service) publishError(reply, requestID string, err error, kind tts.Kind) {
	s.publish(reply, protocol.Event{
		Status:    protocol.StatusError,
		RequestID: requestID,
		Data:      err.Error(),
		ErrorType: string(kind),
	})
}

func (s *Service) publish(reply string, event protocol.Event) {
	event.WorkerID = s.cfg.ID
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal worker event", slogError(err))
		return
	}
	subject := reply
	if subject == "" {
		subject = protocol.EventSubject(s.cfg.ID)
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish worker event", slog.String("status", string(event.Status)), slogError(err))
	}
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentation)
	var err error
	if s.segments, err = meter.Int64Counter("loqa.tts.segments", metric.WithDescription("Synthesized text segments")); err != nil {
		return err
	}
	if s.failures, err = meter.Int64Counter("loqa.tts.segment_failures", metric.WithDescription("Segments replaced with silence")); err != nil {
		return err
	}
	s.duration, err = meter.Float64Histogram("loqa.tts.request.duration",
		metric.WithDescription("End-to-end tts request latency"),
		metric.WithUnit("ms"),
	)
	return err
}

func (s *Service) recordSegment(ctx context.Context, kind engine.Kind, res tts.Result) {
	outcome := "ok"
	if res.Failed() {
		outcome = "silenced"
		if s.failures != nil {
			s.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("model", string(kind)),
				attribute.String("kind", string(res.Kind)),
			))
		}
	}
	if s.segments != nil {
		s.segments.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", string(kind)),
			attribute.String("outcome", outcome),
		))
	}
}

func (s *Service) recordDuration(ctx context.Context, kind engine.Kind, d time.Duration) {
	if s.duration == nil {
		return
	}
	// ctx may already be cancelled; the measurement still counts.
	s.duration.Record(context.WithoutCancel(ctx), float64(d.Microseconds())/1000, metric.WithAttributes(attribute.String("model", string(kind))))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
