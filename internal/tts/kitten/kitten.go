// Package kitten runs the KittenTTS model: espeak phonemes mapped through a
// character vocabulary, one fixed style vector per voice, 24 kHz output.
package kitten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/phoneme"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	Name         = "kitten"
	SampleRate   = 24000
	DefaultVoice = "expr-voice-2-m"

	// boundary wraps every phoneme string; its id also stands in for
	// characters missing from the vocabulary.
	boundary   = "$"
	boundaryID = 0
	quietPeak  = 0.1
	quietGain  = 0.5
)

// Model is a loaded KittenTTS backend.
type Model struct {
	runner     *inference.Runner
	phonemizer phoneme.Phonemizer
	vocab      tts.Vocab
	styles     map[string][]float32
	voices     []tts.Voice
	log        *slog.Logger
}

// Load fetches the model, voice table and tokenizer named by assets.
func Load(ctx context.Context, assets config.KittenAssets, device inference.Device, deps tts.Deps) (*Model, error) {
	if err := deps.Validate(); err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Err: err}
	}
	model, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Model)
	if err != nil {
		return nil, err
	}
	voiceData, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Voices)
	if err != nil {
		return nil, err
	}
	tokenizer, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Tokenizer)
	if err != nil {
		return nil, err
	}

	styles, err := parseVoices(voiceData)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Voices, Err: err}
	}
	vocab, err := tts.ParseVocab(tokenizer)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Tokenizer, Err: err}
	}
	runner, err := inference.NewRunner(deps.Inference, model, device, deps.Logger)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Model, Err: err}
	}

	ids := make([]string, 0, len(styles))
	for id := range styles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	voices := make([]tts.Voice, len(ids))
	for i, id := range ids {
		voices[i] = tts.Voice{ID: id, Name: VoiceName(id)}
	}

	m := &Model{
		runner:     runner,
		phonemizer: deps.Phonemizer,
		vocab:      vocab,
		styles:     styles,
		voices:     voices,
		log:        deps.Logger.With(slog.String("component", "kitten")),
	}
	m.log.Info("model loaded", slog.String("device", string(runner.Device())), slog.Int("voices", len(voices)))
	return m, nil
}

// parseVoices reads voices.json, a map of voice id to a list of style
// vectors. The first vector is the voice's style.
func parseVoices(data []byte) (map[string][]float32, error) {
	var raw map[string][][]float32
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	styles := make(map[string][]float32, len(raw))
	for id, vectors := range raw {
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			continue
		}
		styles[id] = vectors[0]
	}
	if len(styles) == 0 {
		return nil, errors.New("voice table is empty")
	}
	return styles, nil
}

// VoiceName renders a voice id for display: "expr-voice-2-m" becomes
// "Voice 2 Male".
func VoiceName(id string) string {
	words := strings.Fields(strings.ReplaceAll(strings.Replace(id, "expr-", "", 1), "-", " "))
	for i, w := range words {
		switch strings.ToLower(w) {
		case "m":
			words[i] = "Male"
			continue
		case "f":
			words[i] = "Female"
			continue
		}
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func (m *Model) Info() tts.Info {
	return tts.Info{Name: Name, SampleRate: SampleRate, Resamplable: true, Device: m.runner.Device()}
}

func (m *Model) Voices() []tts.Voice { return m.voices }

func (m *Model) Synthesize(ctx context.Context, text string, opts tts.Options) (tts.Speech, error) {
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	style, ok := m.styles[voice]
	if !ok {
		return tts.Speech{}, fmt.Errorf("unknown kitten voice %q", voice)
	}
	speed := opts.SpeedOrDefault()

	parts, err := m.phonemizer.Phonemize(ctx, text, "en-us")
	if err != nil {
		return tts.Speech{}, &tts.PhonemizationError{Err: err}
	}
	phonemes := phoneme.Join(parts)
	ids := m.vocab.Encode(boundary+phonemes+boundary, boundaryID)

	inputs := []inference.Tensor{
		inference.Int64Tensor("input_ids", ids, 1, int64(len(ids))),
		inference.Float32Tensor("style", style, 1, int64(len(style))),
		inference.Float32Tensor("speed", []float32{float32(speed)}, 1),
	}
	wave, err := m.runner.Run(ctx, inputs, "waveform")
	if err != nil {
		return tts.Speech{}, &tts.InferenceError{Backend: Name, Err: err}
	}

	samples := tts.StretchNearest(wave, speed)
	if len(samples) == len(wave) {
		samples = append([]float32(nil), wave...)
	}
	if peak := tts.Sanitize(samples); peak > 0 && peak < quietPeak {
		tts.Boost(samples, peak, quietGain)
	}
	return tts.Speech{
		Waveform: tts.Waveform{Samples: samples, SampleRate: SampleRate},
		Phonemes: phonemes,
	}, nil
}

func (m *Model) Close() error {
	return m.runner.Close()
}
