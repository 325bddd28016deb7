// Package ttstest provides in-memory fakes for the collaborators a TTS
// backend loads with.
package ttstest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fetcher serves assets from a map keyed by URL.
type Fetcher struct {
	mu      sync.Mutex
	Assets  map[string][]byte
	Fetched []string
}

func (f *Fetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fetched = append(f.Fetched, url)
	data, ok := f.Assets[url]
	if !ok {
		return nil, fmt.Errorf("asset %s not found", url)
	}
	return data, nil
}

// Phonemizer returns Output for every call, or Err when set. Texts and
// languages seen are recorded.
type Phonemizer struct {
	Output []string
	Err    error
	Texts  []string
	Langs  []string
}

func (p *Phonemizer) Phonemize(_ context.Context, text, lang string) ([]string, error) {
	p.Texts = append(p.Texts, text)
	p.Langs = append(p.Langs, lang)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Output == nil {
		return []string{strings.ToLower(text)}, nil
	}
	return p.Output, nil
}

// Factory builds Sessions returning Output under OutputName and records the
// devices requested and the inputs of every run.
type Factory struct {
	mu         sync.Mutex
	OutputName string
	Output     []float32
	RunErr     error
	GPUErr     error
	Devices    []inference.Device
	Runs       [][]inference.Tensor
}

func (f *Factory) NewSession(_ []byte, device inference.Device) (inference.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Devices = append(f.Devices, device)
	if device == inference.GPU && f.GPUErr != nil {
		return nil, f.GPUErr
	}
	return &session{f: f}, nil
}

// Last returns the inputs of the most recent run keyed by name.
func (f *Factory) Last() map[string]inference.Tensor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Runs) == 0 {
		return nil
	}
	out := make(map[string]inference.Tensor)
	for _, t := range f.Runs[len(f.Runs)-1] {
		out[t.Name] = t
	}
	return out
}

type session struct{ f *Factory }

func (s *session) Run(ctx context.Context, inputs []inference.Tensor) (inference.Outputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.Runs = append(s.f.Runs, inputs)
	if s.f.RunErr != nil {
		return nil, s.f.RunErr
	}
	name := s.f.OutputName
	if name == "" {
		name = "waveform"
	}
	return inference.Outputs{name: append([]float32(nil), s.f.Output...)}, nil
}

func (s *session) Close() error { return nil }

// Deps bundles the fakes into tts.Deps.
func Deps(f *Fetcher, p *Phonemizer, inf *Factory) tts.Deps {
	return tts.Deps{Fetcher: f, Phonemizer: p, Inference: inf, Logger: Logger()}
}

// Tokenizer renders a tokenizer.json document for the given characters,
// assigning ids from 1 in order. "$" is always id 0.
func Tokenizer(chars string) []byte {
	var b strings.Builder
	b.WriteString(`{"model":{"vocab":{"$":0`)
	id := 1
	for _, r := range chars {
		if r == '$' {
			continue
		}
		fmt.Fprintf(&b, `,%q:%d`, string(r), id)
		id++
	}
	b.WriteString(`}}}`)
	return []byte(b.String())
}
