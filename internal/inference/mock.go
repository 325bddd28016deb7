package inference

import (
	"context"
	"math"
)

// Mock produces a short tone per token instead of running a model. It lets
// the pipeline run end to end without model weights.
type Mock struct{}

func (Mock) NewSession([]byte, Device) (Session, error) {
	return mockSession{}, nil
}

type mockSession struct{}

const (
	mockRate          = 24000
	mockSamplesPerTok = 600
	mockFrequency     = 220.0
)

func (mockSession) Run(ctx context.Context, inputs []Tensor) (Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := 1
	for _, t := range inputs {
		if t.Int64 != nil && len(t.Int64) > tokens {
			tokens = len(t.Int64)
		}
	}
	n := tokens * mockSamplesPerTok
	wave := make([]float32, n)
	for i := range wave {
		env := math.Sin(math.Pi * float64(i) / float64(n))
		wave[i] = float32(0.3 * env * math.Sin(2*math.Pi*mockFrequency*float64(i)/mockRate))
	}
	return Outputs{"waveform": wave, "output": wave}, nil
}

func (mockSession) Close() error { return nil }
