package inference

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	out    []float32
	runs   int
	closed bool
}

func (s *fakeSession) Run(ctx context.Context, _ []Tensor) (Outputs, error) {
	s.runs++
	return Outputs{"waveform": s.out}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeFactory struct {
	gpuErr   error
	gpu      *fakeSession
	cpu      *fakeSession
	requests []Device
}

func (f *fakeFactory) NewSession(_ []byte, device Device) (Session, error) {
	f.requests = append(f.requests, device)
	if device == GPU {
		if f.gpuErr != nil {
			return nil, f.gpuErr
		}
		return f.gpu, nil
	}
	return f.cpu, nil
}

func nan() float32 { return float32(math.NaN()) }

func TestRunnerFallsBackOnNaN(t *testing.T) {
	f := &fakeFactory{
		gpu: &fakeSession{out: []float32{nan(), 0.1}},
		cpu: &fakeSession{out: []float32{0.2, 0.3}},
	}
	r, err := NewRunner(f, []byte("model"), GPU, newLogger())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Close()
	if r.Device() != GPU {
		t.Fatalf("expected gpu device, got %s", r.Device())
	}

	for i := 0; i < 3; i++ {
		out, err := r.Run(context.Background(), nil, "waveform")
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if out[0] != 0.2 {
			t.Fatalf("expected cpu output, got %v", out)
		}
	}
	cpuBuilds := 0
	for _, d := range f.requests {
		if d == CPU {
			cpuBuilds++
		}
	}
	if cpuBuilds != 1 {
		t.Fatalf("expected fallback session built once, got %d", cpuBuilds)
	}
	if f.cpu.runs != 3 || f.gpu.runs != 3 {
		t.Fatalf("unexpected run counts gpu=%d cpu=%d", f.gpu.runs, f.cpu.runs)
	}
}

func TestRunnerKeepsValidGPUOutput(t *testing.T) {
	f := &fakeFactory{
		gpu: &fakeSession{out: []float32{0.5, nan()}},
		cpu: &fakeSession{out: []float32{0.2}},
	}
	r, err := NewRunner(f, nil, GPU, newLogger())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	out, err := r.Run(context.Background(), nil, "waveform")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out[0] != 0.5 || f.cpu.runs != 0 {
		t.Fatalf("expected gpu output without fallback")
	}
}

func TestRunnerNoFallbackOnCPU(t *testing.T) {
	f := &fakeFactory{cpu: &fakeSession{out: []float32{nan()}}}
	r, err := NewRunner(f, nil, CPU, newLogger())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	out, err := r.Run(context.Background(), nil, "waveform")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !math.IsNaN(float64(out[0])) || f.cpu.runs != 1 {
		t.Fatalf("cpu output must be returned as is")
	}
}

func TestRunnerLoadFallsBackToCPU(t *testing.T) {
	f := &fakeFactory{gpuErr: errors.New("no cuda"), cpu: &fakeSession{out: []float32{0.1}}}
	r, err := NewRunner(f, nil, GPU, newLogger())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if r.Device() != CPU {
		t.Fatalf("expected cpu after failed gpu load, got %s", r.Device())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !f.cpu.closed {
		t.Fatalf("expected session closed")
	}
}

func TestRunnerMissingOutput(t *testing.T) {
	f := &fakeFactory{cpu: &fakeSession{out: []float32{0.1}}}
	r, _ := NewRunner(f, nil, CPU, newLogger())
	if _, err := r.Run(context.Background(), nil, "output"); err == nil {
		t.Fatal("expected error for missing output")
	}
	if out, err := r.Run(context.Background(), nil, "output", "waveform"); err != nil || len(out) != 1 {
		t.Fatalf("expected second name to match, got %v %v", out, err)
	}
}

func TestMockSession(t *testing.T) {
	sess, _ := Mock{}.NewSession(nil, CPU)
	outs, err := sess.Run(context.Background(), []Tensor{Int64Tensor("input_ids", []int64{0, 5, 6, 0}, 1, 4)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outs["waveform"]) != 4*mockSamplesPerTok {
		t.Fatalf("unexpected length %d", len(outs["waveform"]))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sess.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestNewFactory(t *testing.T) {
	if f, err := NewFactory(config.InferenceConfig{Mode: "mock"}, newLogger()); err != nil {
		t.Fatalf("mock: %v", err)
	} else if _, ok := f.(Mock); !ok {
		t.Fatalf("expected Mock, got %T", f)
	}
	if f, err := NewFactory(config.InferenceConfig{Mode: "onnx"}, newLogger()); err != nil {
		t.Fatalf("onnx: %v", err)
	} else if _, ok := f.(*ONNX); !ok {
		t.Fatalf("expected *ONNX, got %T", f)
	}
	if _, err := NewFactory(config.InferenceConfig{Mode: "tflite"}, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
