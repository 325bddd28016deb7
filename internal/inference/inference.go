// Package inference runs neural TTS models. Backends build Tensors, hand
// them to a Runner and read back float outputs by name.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Device selects the execution path for a session.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
)

// Tensor is a named model input. Exactly one of Int64 or Float32 is set.
type Tensor struct {
	Name    string
	Shape   []int64
	Int64   []int64
	Float32 []float32
}

func Int64Tensor(name string, data []int64, shape ...int64) Tensor {
	return Tensor{Name: name, Shape: shape, Int64: data}
}

func Float32Tensor(name string, data []float32, shape ...int64) Tensor {
	return Tensor{Name: name, Shape: shape, Float32: data}
}

// Outputs maps output names to flattened float data.
type Outputs map[string][]float32

// Session is one loaded model on one device.
type Session interface {
	Run(ctx context.Context, inputs []Tensor) (Outputs, error)
	Close() error
}

// Factory builds sessions from serialized model bytes.
type Factory interface {
	NewSession(model []byte, device Device) (Session, error)
}

// NewFactory returns the factory selected by cfg.
func NewFactory(cfg config.InferenceConfig, log *slog.Logger) (Factory, error) {
	switch cfg.Mode {
	case "onnx":
		return NewONNX(cfg, log), nil
	case "mock":
		return Mock{}, nil
	}
	return nil, fmt.Errorf("unknown inference mode %q", cfg.Mode)
}

// Runner owns a primary session and, when the primary runs on the GPU, a
// lazily built CPU session used when GPU output starts with NaN.
type Runner struct {
	factory Factory
	model   []byte
	device  Device
	primary Session
	log     *slog.Logger

	mu        sync.Mutex
	fallback  Session
	fallbacks metric.Int64Counter
}

// NewRunner builds the primary session. A GPU session that cannot be built
// is replaced by a CPU session; Device reports which one is in use.
func NewRunner(factory Factory, model []byte, device Device, log *slog.Logger) (*Runner, error) {
	log = log.With(slog.String("component", "inference"))
	sess, err := factory.NewSession(model, device)
	if err != nil && device == GPU {
		log.Warn("gpu session unavailable, using cpu", slog.String("error", err.Error()))
		device = CPU
		sess, err = factory.NewSession(model, CPU)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s session: %w", device, err)
	}
	r := &Runner{factory: factory, model: model, device: device, primary: sess, log: log}
	counter, err := otel.Meter("github.com/loqalabs/loqa-tts/inference").Int64Counter(
		"loqa.tts.inference.fallbacks",
		metric.WithDescription("GPU results discarded for NaN output and re-run on CPU"),
	)
	if err == nil {
		r.fallbacks = counter
	}
	return r, nil
}

// Device reports the primary device.
func (r *Runner) Device() Device { return r.device }

// Run executes the model and returns the first present output among names.
func (r *Runner) Run(ctx context.Context, inputs []Tensor, names ...string) ([]float32, error) {
	outs, err := r.primary.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}
	data, err := pick(outs, names)
	if err != nil {
		return nil, err
	}
	if r.device != GPU || len(data) == 0 || !math.IsNaN(float64(data[0])) {
		return data, nil
	}

	r.log.Warn("gpu output is NaN, re-running on cpu")
	if r.fallbacks != nil {
		r.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("device", string(r.device))))
	}
	cpu, err := r.cpuSession()
	if err != nil {
		return nil, err
	}
	outs, err = cpu.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return pick(outs, names)
}

func (r *Runner) cpuSession() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback != nil {
		return r.fallback, nil
	}
	sess, err := r.factory.NewSession(r.model, CPU)
	if err != nil {
		return nil, fmt.Errorf("create cpu fallback session: %w", err)
	}
	r.fallback = sess
	return sess, nil
}

// Close releases both sessions.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.primary != nil {
		err = r.primary.Close()
		r.primary = nil
	}
	if r.fallback != nil {
		if ferr := r.fallback.Close(); err == nil {
			err = ferr
		}
		r.fallback = nil
	}
	return err
}

func pick(outs Outputs, names []string) ([]float32, error) {
	for _, n := range names {
		if data, ok := outs[n]; ok {
			return data, nil
		}
	}
	if len(names) == 0 && len(outs) == 1 {
		for _, data := range outs {
			return data, nil
		}
	}
	return nil, fmt.Errorf("model produced none of the outputs %v", names)
}
