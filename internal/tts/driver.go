package tts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// DefaultSilence is the length of the gap substituted for a failed segment.
const DefaultSilence = time.Second

// Driver runs a Backend over a stream of segments, one at a time and in
// order. A failing segment is replaced by silence and never stops the stream.
type Driver struct {
	backend Backend
	silence time.Duration
	log     *slog.Logger
}

func NewDriver(backend Backend, silence time.Duration, log *slog.Logger) *Driver {
	if silence <= 0 {
		silence = DefaultSilence
	}
	return &Driver{
		backend: backend,
		silence: silence,
		log:     log.With(slog.String("component", "tts-driver")),
	}
}

// Stream synthesizes each segment received on segments and delivers one
// Result per non-blank segment. The returned channel closes when segments
// closes or ctx is done; no segment is started after ctx is done.
func (d *Driver) Stream(ctx context.Context, segments <-chan string, opts Options) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		index := 0
		for {
			var (
				text string
				ok   bool
			)
			select {
			case <-ctx.Done():
				return
			case text, ok = <-segments:
			}
			if !ok {
				return
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			res := d.synthesize(ctx, index, text, opts)
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			index++
		}
	}()
	return out
}

func (d *Driver) synthesize(ctx context.Context, index int, text string, opts Options) Result {
	res := Result{Index: index, Text: text}
	speech, err := d.backend.Synthesize(ctx, text, opts)
	if err == nil {
		res.Speech = speech
		return res
	}
	kind := Classify(err)
	d.log.Warn("segment synthesis failed, substituting silence",
		slog.Int("index", index),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
	rate := d.backend.Info().SampleRate
	res.Speech = Speech{Waveform: Waveform{Samples: audio.Silence(rate, d.silence), SampleRate: rate}}
	res.Err = err
	res.Kind = kind
	return res
}
