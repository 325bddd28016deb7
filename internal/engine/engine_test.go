package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/tts/ttstest"
	"github.com/loqalabs/loqa-tts/internal/wav"
)

type stubBackend struct {
	info    tts.Info
	samples []float32
	fail    map[string]bool
}

func (b *stubBackend) Info() tts.Info { return b.info }
func (b *stubBackend) Voices() []tts.Voice { return nil }
func (b *stubBackend) Close() error { return nil }
func (b *stubBackend) Synthesize(_ context.Context, text string, _ tts.Options) (tts.Speech, error) {
	if b.fail[text] {
		return tts.Speech{}, errors.New("inference exploded")
	}
	out := append([]float32(nil), b.samples...)
	return tts.Speech{Waveform: tts.Waveform{Samples: out, SampleRate: b.info.SampleRate}}, nil
}

func segments(items ...string) <-chan string {
	ch := make(chan string, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func newEngine(t *testing.T, mutate func(*config.SynthesisConfig)) *Engine {
	t.Helper()
	cfg := config.Default().Synthesis
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, ttstest.Logger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(float64(i)/5))
	}
	return out
}

func TestSynthesizeMergesAndResamples(t *testing.T) {
	e := newEngine(t, nil)
	sess := &Session{Kind: Kitten, Backend: &stubBackend{
		info:    tts.Info{Name: "stub", SampleRate: 24000, Resamplable: true},
		samples: tone(2400),
	}}
	var streamed []int
	out, err := e.Synthesize(context.Background(), sess, Request{
		Segments:   segments("One.", "Two.", "Three."),
		SampleRate: 16000,
		OnSegment: func(res tts.Result, encoded []byte) {
			streamed = append(streamed, res.Index)
			if len(encoded) != wav.HeaderSize+len(res.Samples)*4 {
				t.Errorf("unexpected encoded segment size %d", len(encoded))
			}
		},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.Segments != 3 || out.Failed != 0 || len(streamed) != 3 || streamed[2] != 2 {
		t.Fatalf("unexpected output %+v streamed %v", out, streamed)
	}
	if out.SampleRate != 16000 {
		t.Fatalf("expected resampling to 16000, got %d", out.SampleRate)
	}
	if rate := binary.LittleEndian.Uint32(out.Audio[24:]); rate != 16000 {
		t.Fatalf("header declares %d", rate)
	}
	info, err := wav.Inspect(bytes.NewReader(out.Audio))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if enc, _ := info.Encoding(); enc != wav.Float32 {
		t.Fatalf("expected float32 output, got %v", enc)
	}
}

func TestSynthesizeKeepsNativeRate(t *testing.T) {
	e := newEngine(t, func(c *config.SynthesisConfig) { c.Encoding = "pcm16" })
	sess := &Session{Kind: Piper, Backend: &stubBackend{
		info:    tts.Info{Name: "stub", SampleRate: 22050},
		samples: tone(1000),
	}}
	out, err := e.Synthesize(context.Background(), sess, Request{Segments: segments("Hello."), SampleRate: 16000})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.SampleRate != 22050 {
		t.Fatalf("non-resamplable backends keep their rate, got %d", out.SampleRate)
	}
	if bits := binary.LittleEndian.Uint16(out.Audio[34:]); bits != 16 {
		t.Fatalf("expected pcm16, got %d bits", bits)
	}
}

func TestSynthesizePreviewSkipsSegments(t *testing.T) {
	e := newEngine(t, nil)
	sess := &Session{Backend: &stubBackend{info: tts.Info{SampleRate: 24000, Resamplable: true}, samples: tone(100)}}
	var encoded [][]byte
	out, err := e.Synthesize(context.Background(), sess, Request{
		Segments:  segments("A.", "B."),
		IsPreview: true,
		OnSegment: func(_ tts.Result, audio []byte) { encoded = append(encoded, audio) },
	})
	if err != nil || out.Audio == nil {
		t.Fatalf("preview must produce merged audio: err=%v", err)
	}
	if len(encoded) != 2 || encoded[0] != nil || encoded[1] != nil {
		t.Fatalf("preview segments must not be encoded, got %d callbacks", len(encoded))
	}
	if out.SampleRate != 24000 {
		t.Fatalf("expected default rate 24000, got %d", out.SampleRate)
	}
}

func TestSynthesizeNoSegments(t *testing.T) {
	e := newEngine(t, nil)
	sess := &Session{Backend: &stubBackend{info: tts.Info{SampleRate: 24000}}}
	out, err := e.Synthesize(context.Background(), sess, Request{Segments: segments()})
	if err != nil || out.Audio != nil || out.Segments != 0 {
		t.Fatalf("expected empty output, got %+v %v", out, err)
	}
}

func TestSynthesizeCountsFailures(t *testing.T) {
	e := newEngine(t, nil)
	sess := &Session{Backend: &stubBackend{
		info:    tts.Info{SampleRate: 24000},
		samples: tone(4800),
		fail:    map[string]bool{"Bad.": true},
	}}
	var failed []tts.Result
	out, err := e.Synthesize(context.Background(), sess, Request{
		Segments: segments("Good.", "Bad.", "Good again."),
		OnSegment: func(res tts.Result, _ []byte) {
			if res.Failed() {
				failed = append(failed, res)
			}
		},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if out.Failed != 1 || len(failed) != 1 || failed[0].Index != 1 || failed[0].Kind != tts.KindGeneral {
		t.Fatalf("unexpected failures %+v %+v", out, failed)
	}
}

func TestSynthesizeProcessingError(t *testing.T) {
	e := newEngine(t, nil)
	sess := &Session{Backend: &stubBackend{
		info:    tts.Info{SampleRate: 24000},
		samples: []float32{float32(math.Inf(1)), 0.1},
	}}
	_, err := e.Synthesize(context.Background(), sess, Request{Segments: segments("A.")})
	var perr *tts.AudioProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected AudioProcessingError, got %v", err)
	}
}

func TestNewRejectsEncoding(t *testing.T) {
	cfg := config.Default().Synthesis
	cfg.Encoding = "mp3"
	if _, err := New(cfg, ttstest.Logger()); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}

func TestOpenResolvesAssets(t *testing.T) {
	models := config.Default().Models
	models.BaseURL = "https://models.example.com/tts"
	f := &ttstest.Fetcher{Assets: map[string][]byte{
		"https://models.example.com/tts/kitten/model_quantized.onnx": []byte("onnx"),
		"https://models.example.com/tts/kitten/voices.json":          []byte(`{"expr-voice-2-m":[[0.1]]}`),
		"https://models.example.com/tts/kitten/tokenizer.json":       ttstest.Tokenizer("a"),
	}}
	inf := &ttstest.Factory{}
	sess, err := Open(context.Background(), Kitten, true, models, ttstest.Deps(f, &ttstest.Phonemizer{}, inf))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()
	if sess.Kind != Kitten || sess.Device() != inference.GPU || len(sess.Voices()) != 1 {
		t.Fatalf("unexpected session %+v", sess)
	}

	_, err = Open(context.Background(), Piper, false, models, ttstest.Deps(f, &ttstest.Phonemizer{}, inf))
	var mle *tts.ModelLoadError
	if !errors.As(err, &mle) {
		t.Fatalf("expected ModelLoadError for missing piper assets, got %v", err)
	}
}

func TestRequestedDevice(t *testing.T) {
	if RequestedDevice(Piper, true) != inference.CPU {
		t.Fatal("piper always runs on cpu")
	}
	if RequestedDevice(Kokoro, true) != inference.GPU || RequestedDevice(Kitten, false) != inference.CPU {
		t.Fatal("unexpected device mapping")
	}
	if _, err := ParseKind("tacotron"); err == nil {
		t.Fatal("expected unknown model error")
	}
}
