package inference

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/config"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNX builds sessions on ONNX Runtime. The shared library is loaded on the
// first NewSession call.
type ONNX struct {
	cfg config.InferenceConfig
	log *slog.Logger

	once    sync.Once
	initErr error
}

func NewONNX(cfg config.InferenceConfig, log *slog.Logger) *ONNX {
	return &ONNX{cfg: cfg, log: log.With(slog.String("component", "onnxruntime"))}
}

func (o *ONNX) init() error {
	o.once.Do(func() {
		if o.cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(o.cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			o.initErr = fmt.Errorf("initialize onnxruntime: %w", err)
			return
		}
		o.log.Info("onnxruntime initialized", slog.String("version", ort.GetVersion()))
	})
	return o.initErr
}

// Close tears down the ONNX Runtime environment.
func (o *ONNX) Close() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func (o *ONNX) NewSession(model []byte, device Device) (Session, error) {
	if err := o.init(); err != nil {
		return nil, err
	}
	inputInfo, outputInfo, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("read model signature: %w", err)
	}
	inputs := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputs[i] = info.Name
	}
	outputs := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputs[i] = info.Name
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if o.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(o.cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if device == GPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("create cuda options: %w", err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(o.cfg.CUDADeviceID)}); err != nil {
			return nil, fmt.Errorf("configure cuda: %w", err)
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, fmt.Errorf("enable cuda: %w", err)
		}
	}

	sess, err := ort.NewDynamicAdvancedSessionWithONNXData(model, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	o.log.Debug("onnx session created",
		slog.String("device", string(device)),
		slog.Any("inputs", inputs),
		slog.Any("outputs", outputs))
	return &onnxSession{sess: sess, inputs: inputs, outputs: outputs}, nil
}

type onnxSession struct {
	sess    *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

// Run feeds the tensors the model declares, in its declared order. Tensors
// the model does not take are ignored.
func (s *onnxSession) Run(ctx context.Context, inputs []Tensor) (Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byName := make(map[string]Tensor, len(inputs))
	for _, t := range inputs {
		byName[t.Name] = t
	}

	values := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for _, name := range s.inputs {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("missing model input %q", name)
		}
		v, err := toValue(t)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		values = append(values, v)
	}

	results := make([]ort.Value, len(s.outputs))
	if err := s.sess.Run(values, results); err != nil {
		return nil, fmt.Errorf("run onnx session: %w", err)
	}
	outs := make(Outputs, len(results))
	for i, v := range results {
		if v == nil {
			continue
		}
		if ft, ok := v.(*ort.Tensor[float32]); ok {
			outs[s.outputs[i]] = append([]float32(nil), ft.GetData()...)
		}
		v.Destroy()
	}
	return outs, nil
}

func (s *onnxSession) Close() error {
	return s.sess.Destroy()
}

func toValue(t Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch {
	case t.Int64 != nil:
		return ort.NewTensor(shape, t.Int64)
	case t.Float32 != nil:
		return ort.NewTensor(shape, t.Float32)
	}
	return nil, fmt.Errorf("tensor has no data")
}
