package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubBackend struct {
	rate   int
	failOn map[string]error
	calls  []string
	block  chan struct{}
}

func (b *stubBackend) Info() Info { return Info{Name: "stub", SampleRate: b.rate} }
func (b *stubBackend) Voices() []Voice { return []Voice{{ID: "v", Name: "V"}} }
func (b *stubBackend) Close() error { return nil }

func (b *stubBackend) Synthesize(ctx context.Context, text string, _ Options) (Speech, error) {
	b.calls = append(b.calls, text)
	if b.block != nil {
		<-b.block
	}
	if err := b.failOn[text]; err != nil {
		return Speech{}, err
	}
	return Speech{Waveform: Waveform{Samples: []float32{0.5, -0.5, 0.25}, SampleRate: b.rate}, Phonemes: "p"}, nil
}

func feed(items ...string) <-chan string {
	ch := make(chan string, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func collect(ch <-chan Result) []Result {
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestDriverIsolatesFailures(t *testing.T) {
	b := &stubBackend{rate: 24000, failOn: map[string]error{"c.": errors.New("boom")}}
	d := NewDriver(b, time.Second, newLogger())
	results := collect(d.Stream(context.Background(), feed("a.", "b.", "c.", "d.", "e."), Options{}))
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Fatalf("result %d has index %d", i, r.Index)
		}
	}
	bad := results[2]
	if !bad.Failed() || bad.Kind != KindGeneral {
		t.Fatalf("expected general failure, got %+v", bad)
	}
	if len(bad.Samples) != 24000 || bad.SampleRate != 24000 {
		t.Fatalf("expected one second of silence, got %d samples at %d", len(bad.Samples), bad.SampleRate)
	}
	for _, s := range bad.Samples {
		if s != 0 {
			t.Fatalf("silence must be zero")
		}
	}
	if results[3].Failed() || len(results[3].Samples) != 3 {
		t.Fatalf("segment after failure should synthesize normally")
	}
}

func TestDriverClassifiesPhonemizationFailures(t *testing.T) {
	b := &stubBackend{rate: 22050, failOn: map[string]error{
		"a.": &PhonemizationError{Err: errors.New("exit status 1")},
		"b.": errors.New("espeak-ng not found"),
	}}
	d := NewDriver(b, 500*time.Millisecond, newLogger())
	results := collect(d.Stream(context.Background(), feed("a.", "b."), Options{}))
	for _, r := range results {
		if r.Kind != KindPhonemization {
			t.Fatalf("expected phonemization kind for %q, got %q", r.Text, r.Kind)
		}
		if len(r.Samples) != 11025 {
			t.Fatalf("expected half a second at 22050, got %d", len(r.Samples))
		}
	}
}

func TestDriverSkipsBlankSegments(t *testing.T) {
	b := &stubBackend{rate: 24000}
	results := collect(NewDriver(b, 0, newLogger()).Stream(context.Background(), feed("a.", "  ", "", "b."), Options{}))
	if len(results) != 2 || results[1].Index != 1 || results[1].Text != "b." {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(b.calls) != 2 {
		t.Fatalf("blank segments must not reach the backend, got %v", b.calls)
	}
}

func TestDriverStopsOnCancel(t *testing.T) {
	b := &stubBackend{rate: 24000, block: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	segments := make(chan string)
	out := NewDriver(b, 0, newLogger()).Stream(ctx, segments, Options{})

	segments <- "a."
	cancel()
	close(b.block)
	for range out {
	}
	select {
	case segments <- "b.":
		t.Fatal("driver must not accept segments after cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	if len(b.calls) != 1 {
		t.Fatalf("expected one backend call, got %v", b.calls)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{errors.New("tensor shape mismatch"), KindGeneral},
		{fmt.Errorf("segment: %w", &PhonemizationError{Err: errors.New("x")}), KindPhonemization},
		{errors.New("Phoneme table missing"), KindPhonemization},
		{&InferenceError{Backend: "kitten", Err: errors.New("oom")}, KindGeneral},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestModelLoadErrorUnwraps(t *testing.T) {
	inner := errors.New("not found")
	err := fmt.Errorf("init: %w", &ModelLoadError{Backend: "piper", Asset: "voice.onnx", Err: inner})
	var mle *ModelLoadError
	if !errors.As(err, &mle) || !errors.Is(err, inner) {
		t.Fatalf("expected ModelLoadError wrapping inner, got %v", err)
	}
}

func TestSanitizeAndBoost(t *testing.T) {
	samples := []float32{float32(math.NaN()), 0.02, -0.05}
	peak := Sanitize(samples)
	if samples[0] != 0 || math.Abs(peak-0.05) > 1e-6 {
		t.Fatalf("unexpected sanitize result %v peak %v", samples, peak)
	}
	Boost(samples, peak, 0.5)
	if math.Abs(float64(samples[2])+0.5) > 1e-6 {
		t.Fatalf("expected peak scaled to 0.5, got %v", samples)
	}
	Boost(samples, 0, 1)
}

func TestStretchNearest(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	fast := StretchNearest(in, 2)
	if len(fast) != 4 || fast[1] != 2 || fast[3] != 6 {
		t.Fatalf("unexpected fast stretch %v", fast)
	}
	slow := StretchNearest(in, 0.5)
	if len(slow) != 16 || slow[15] != 7 || slow[3] != 1 {
		t.Fatalf("unexpected slow stretch %v", slow)
	}
	if same := StretchNearest(in, 1); len(same) != len(in) {
		t.Fatalf("speed 1 must keep length")
	}
}
