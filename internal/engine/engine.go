package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/wav"
)

// Engine merges per-segment results into the final waveform.
type Engine struct {
	encoding    wav.Encoding
	defaultRate int
	silence     time.Duration
	process     audio.Options
	log         *slog.Logger
}

func New(cfg config.SynthesisConfig, log *slog.Logger) (*Engine, error) {
	enc, err := wav.ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return &Engine{
		encoding:    enc,
		defaultRate: cfg.DefaultSampleRate,
		silence:     time.Duration(cfg.SilenceMS) * time.Millisecond,
		process: audio.Options{
			PeakTarget:    cfg.PeakTarget,
			TrimThreshold: cfg.TrimThreshold,
			TrimPadding:   time.Duration(cfg.TrimPaddingMS) * time.Millisecond,
		},
		log: log.With(slog.String("component", "engine")),
	}, nil
}

// Encoding reports the WAV encoding used for all output.
func (e *Engine) Encoding() wav.Encoding { return e.encoding }

// Request describes one synthesis job.
type Request struct {
	Segments   <-chan string
	Voice      string
	Speed      float64
	SampleRate int
	IsPreview  bool
	// OnSegment, when set, receives each result in order. encoded holds the
	// segment's WAV audio and is nil for previews.
	OnSegment func(res tts.Result, encoded []byte)
}

// Output is the merged result of a job. Audio is nil when no segment
// produced output.
type Output struct {
	Audio      []byte
	SampleRate int
	Segments   int
	Failed     int
}

// Synthesize drives sess over req.Segments, merges the per-segment audio in
// order and post-processes it. Post-processing failures are returned as
// *tts.AudioProcessingError. When ctx is done the segments synthesized so
// far are still merged and ctx.Err() is returned alongside them.
func (e *Engine) Synthesize(ctx context.Context, sess *Session, req Request) (Output, error) {
	driver := tts.NewDriver(sess.Backend, e.silence, e.log)
	results := driver.Stream(ctx, req.Segments, tts.Options{Voice: req.Voice, Speed: req.Speed})

	var (
		parts [][]float32
		rate  int
		out   Output
	)
	for res := range results {
		out.Segments++
		if res.Failed() {
			out.Failed++
		}
		if rate == 0 {
			rate = res.SampleRate
		}
		if req.OnSegment != nil {
			var encoded []byte
			if !req.IsPreview {
				encoded = wav.Encode(res.Samples, res.SampleRate, e.encoding)
			}
			req.OnSegment(res, encoded)
		}
		parts = append(parts, res.Samples)
	}
	if len(parts) == 0 {
		return out, ctx.Err()
	}

	opts := e.process
	if sess.Backend.Info().Resamplable {
		opts.TargetRate = req.SampleRate
		if opts.TargetRate == 0 {
			opts.TargetRate = e.defaultRate
		}
	}
	merged, outRate, err := audio.Process(audio.Concat(parts...), rate, opts)
	if err != nil {
		return out, &tts.AudioProcessingError{Err: err}
	}
	out.Audio = wav.Encode(merged, outRate, e.encoding)
	out.SampleRate = outRate
	return out, ctx.Err()
}
