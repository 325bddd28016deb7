// Package tts defines the synthesis backend contract shared by the kitten,
// piper and kokoro integrations, and the driver that runs a backend over a
// stream of text segments.
package tts

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/phoneme"
)

// Waveform is mono float audio at SampleRate.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Voice describes one selectable speaker.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Info describes a loaded backend.
type Info struct {
	Name       string
	SampleRate int
	// Resamplable backends have their merged output converted to the
	// requested sample rate.
	Resamplable bool
	Device      inference.Device
}

// Options are per-request synthesis parameters.
type Options struct {
	Voice string
	Speed float64
}

// Speech is the output of one Synthesize call.
type Speech struct {
	Waveform
	Phonemes string
}

// Backend synthesizes one text segment at a time. Implementations are not
// safe for concurrent Synthesize calls.
type Backend interface {
	Info() Info
	Voices() []Voice
	Synthesize(ctx context.Context, text string, opts Options) (Speech, error)
	Close() error
}

// Fetcher returns the bytes behind an asset URL or path.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Deps are the collaborators a backend loader needs.
type Deps struct {
	Fetcher    Fetcher
	Phonemizer phoneme.Phonemizer
	Inference  inference.Factory
	Logger     *slog.Logger
}

// Result is the outcome for one segment. When synthesis failed, Err and
// Kind are set and Waveform holds silence.
type Result struct {
	Index int
	Text  string
	Speech
	Err  error
	Kind Kind
}

// Failed reports whether the segment was replaced with silence.
func (r Result) Failed() bool { return r.Err != nil }
