package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/modelcache"
	"github.com/loqalabs/loqa-tts/internal/phoneme"
	"github.com/loqalabs/loqa-tts/internal/segment"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/wav"
)

var version = "0.1.0-dev"

type synthOptions struct {
	configPath string
	model      string
	text       string
	voice      string
	speed      float64
	sampleRate int
	output     string
	useGPU     bool
}

func main() {
	var synth synthOptions
	synthCmd := flag.NewFlagSet("synth", flag.ExitOnError)
	synthCmd.StringVar(&synth.configPath, "config", "", "Path to configuration file")
	synthCmd.StringVar(&synth.model, "model", "kokoro", "Backend to load (kitten|piper|kokoro)")
	synthCmd.StringVar(&synth.text, "text", "", "Text to speak; read from stdin when empty")
	synthCmd.StringVar(&synth.voice, "voice", "", "Voice id")
	synthCmd.Float64Var(&synth.speed, "speed", 1, "Speaking rate")
	synthCmd.IntVar(&synth.sampleRate, "rate", 0, "Output sample rate (kitten and kokoro only)")
	synthCmd.StringVar(&synth.output, "out", "out.wav", "Output WAV file")
	synthCmd.BoolVar(&synth.useGPU, "gpu", false, "Request the GPU execution provider")

	var voicesConfig, voicesModel string
	voicesCmd := flag.NewFlagSet("voices", flag.ExitOnError)
	voicesCmd.StringVar(&voicesConfig, "config", "", "Path to configuration file")
	voicesCmd.StringVar(&voicesModel, "model", "kokoro", "Backend to load (kitten|piper|kokoro)")

	var inspectPath string
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	inspectCmd.StringVar(&inspectPath, "file", "out.wav", "WAV file to inspect")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'synth', 'voices', 'inspect' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch os.Args[1] {
	case "synth":
		synthCmd.Parse(os.Args[2:])
		err = runSynth(ctx, synth, logger)
	case "voices":
		voicesCmd.Parse(os.Args[2:])
		err = runVoices(ctx, voicesConfig, voicesModel, logger)
	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		err = runInspect(inspectPath)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openSession loads the requested backend with the collaborators the
// configuration selects.
func openSession(ctx context.Context, configPath, model string, useGPU bool, log *slog.Logger) (*engine.Session, config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, nil, err
	}
	kind, err := engine.ParseKind(model)
	if err != nil {
		return nil, cfg, nil, err
	}

	store, err := modelcache.Open(ctx, cfg.ModelCache, log)
	if err != nil {
		return nil, cfg, nil, err
	}
	client := &http.Client{Timeout: time.Duration(cfg.ModelCache.HTTPTimeout) * time.Millisecond}
	phonemizer, closePhonemizer, err := phoneme.New(ctx, cfg.Phonemizer, log)
	if err != nil {
		store.Close()
		return nil, cfg, nil, err
	}
	factory, err := inference.NewFactory(cfg.Inference, log)
	if err != nil {
		store.Close()
		_ = closePhonemizer(ctx)
		return nil, cfg, nil, err
	}

	deps := tts.Deps{
		Fetcher:    modelcache.NewFetcher(store, client, log),
		Phonemizer: phonemizer,
		Inference:  factory,
		Logger:     log,
	}
	sess, err := engine.Open(ctx, kind, useGPU, cfg.Models, deps)
	if err != nil {
		store.Close()
		_ = closePhonemizer(ctx)
		return nil, cfg, nil, err
	}
	cleanup := func() {
		_ = sess.Close()
		_ = closePhonemizer(context.Background())
		_ = store.Close()
	}
	return sess, cfg, cleanup, nil
}

func runSynth(ctx context.Context, opts synthOptions, log *slog.Logger) error {
	text := opts.text
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no text to synthesize")
	}

	sess, cfg, cleanup, err := openSession(ctx, opts.configPath, opts.model, opts.useGPU, log)
	if err != nil {
		return err
	}
	defer cleanup()

	eng, err := engine.New(cfg.Synthesis, log)
	if err != nil {
		return err
	}
	assembler := segment.NewAssembler(cfg.Segmenter.MaxChunkLength)
	if err := assembler.Push(text); err != nil {
		return err
	}
	assembler.Close()

	start := time.Now()
	out, err := eng.Synthesize(ctx, sess, engine.Request{
		Segments:   assembler.Segments(ctx),
		Voice:      opts.voice,
		Speed:      opts.speed,
		SampleRate: opts.sampleRate,
		IsPreview:  true,
		OnSegment: func(res tts.Result, _ []byte) {
			if res.Failed() {
				fmt.Fprintf(os.Stderr, "segment %d silenced (%s): %v\n", res.Index, res.Kind, res.Err)
			}
		},
	})
	if err != nil {
		return err
	}
	if out.Audio == nil {
		return errors.New("no audio produced")
	}
	if err := os.WriteFile(opts.output, out.Audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	fmt.Printf("wrote %s: %d segments (%d silenced), %d Hz, %s\n",
		opts.output, out.Segments, out.Failed, out.SampleRate, time.Since(start).Round(time.Millisecond))
	return nil
}

func runVoices(ctx context.Context, configPath, model string, log *slog.Logger) error {
	sess, _, cleanup, err := openSession(ctx, configPath, model, false, log)
	if err != nil {
		return err
	}
	defer cleanup()
	for _, v := range sess.Voices() {
		fmt.Printf("%-16s %s\n", v.ID, v.Name)
	}
	return nil
}

func runInspect(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := wav.Inspect(f)
	if err != nil {
		return err
	}
	enc, ok := info.Encoding()
	if !ok {
		enc = "unknown"
	}
	fmt.Printf("encoding:    %s\n", enc)
	fmt.Printf("channels:    %d\n", info.Channels)
	fmt.Printf("sample rate: %d Hz\n", info.SampleRate)
	fmt.Printf("bits:        %d\n", info.BitsPerSample)
	fmt.Printf("data bytes:  %d\n", info.DataSize)
	if info.ByteRate > 0 {
		seconds := float64(info.DataSize) / float64(info.ByteRate)
		fmt.Printf("duration:    %.3fs\n", seconds)
	}
	return nil
}
