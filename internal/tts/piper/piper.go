// Package piper runs Piper VITS voices. Each voice ships an .onnx model and
// a JSON config carrying the sample rate, espeak voice and phoneme id map.
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/phoneme"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	Name = "piper"

	bos = "^"
	eos = "$"
	pad = "_"

	noiseScale = 0.667
	noiseW     = 0.8
)

var sentenceBreak = regexp.MustCompile(`[.!?]+`)

// VoiceConfig is the subset of the voice .onnx.json file the backend reads.
type VoiceConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	Espeak struct {
		Voice string `json:"voice"`
	} `json:"espeak"`
	PhonemeType  string             `json:"phoneme_type"`
	PhonemeIDMap map[string][]int64 `json:"phoneme_id_map"`
	NumSpeakers  int                `json:"num_speakers"`
	SpeakerIDMap map[string]int64   `json:"speaker_id_map"`
}

// ParseVoiceConfig decodes and checks a voice config.
func ParseVoiceConfig(data []byte) (VoiceConfig, error) {
	var vc VoiceConfig
	if err := json.Unmarshal(data, &vc); err != nil {
		return vc, fmt.Errorf("decode voice config: %w", err)
	}
	if vc.Audio.SampleRate <= 0 {
		return vc, errors.New("voice config has no sample rate")
	}
	for _, sym := range []string{bos, eos, pad} {
		if len(vc.PhonemeIDMap[sym]) == 0 {
			return vc, fmt.Errorf("phoneme id map lacks %q", sym)
		}
	}
	return vc, nil
}

// Model is a loaded Piper voice.
type Model struct {
	runner     *inference.Runner
	phonemizer phoneme.Phonemizer
	cfg        VoiceConfig
	speakers   map[string]int64
	voices     []tts.Voice
	log        *slog.Logger
}

// Load fetches the voice model and its config.
func Load(ctx context.Context, assets config.PiperAssets, device inference.Device, deps tts.Deps) (*Model, error) {
	if err := deps.Validate(); err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Err: err}
	}
	model, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Model)
	if err != nil {
		return nil, err
	}
	raw, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Config)
	if err != nil {
		return nil, err
	}
	vc, err := ParseVoiceConfig(raw)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Config, Err: err}
	}
	runner, err := inference.NewRunner(deps.Inference, model, device, deps.Logger)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Model, Err: err}
	}

	m := &Model{
		runner:     runner,
		phonemizer: deps.Phonemizer,
		cfg:        vc,
		log:        deps.Logger.With(slog.String("component", "piper")),
	}
	m.voices, m.speakers = speakers(vc)
	m.log.Info("voice loaded",
		slog.String("device", string(runner.Device())),
		slog.Int("sample_rate", vc.Audio.SampleRate),
		slog.Int("speakers", len(m.voices)))
	return m, nil
}

// speakers lists voices ordered by speaker id. A voice can be selected by
// its numeric id or by its name in the speaker id map.
func speakers(vc VoiceConfig) ([]tts.Voice, map[string]int64) {
	lookup := map[string]int64{"0": 0}
	if vc.NumSpeakers <= 1 {
		return []tts.Voice{{ID: "0", Name: "Voice 1"}}, lookup
	}
	type entry struct {
		name string
		id   int64
	}
	entries := make([]entry, 0, len(vc.SpeakerIDMap))
	for name, id := range vc.SpeakerIDMap {
		entries = append(entries, entry{name, id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	voices := make([]tts.Voice, len(entries))
	for i, e := range entries {
		id := strconv.FormatInt(e.id, 10)
		voices[i] = tts.Voice{ID: id, Name: fmt.Sprintf("Voice %d", e.id+1)}
		lookup[id] = e.id
		lookup[e.name] = e.id
	}
	return voices, lookup
}

func (m *Model) Info() tts.Info {
	return tts.Info{Name: Name, SampleRate: m.cfg.Audio.SampleRate, Device: m.runner.Device()}
}

func (m *Model) Voices() []tts.Voice { return m.voices }

// Phonemes returns the per-sentence phoneme runes for text.
func (m *Model) Phonemes(ctx context.Context, text string) ([][]rune, error) {
	if m.cfg.PhonemeType == "text" {
		return [][]rune{[]rune(norm.NFD.String(text))}, nil
	}
	lang := m.cfg.Espeak.Voice
	if lang == "" {
		lang = "en-us"
	}
	parts, err := m.phonemizer.Phonemize(ctx, text, lang)
	if err != nil {
		return nil, &tts.PhonemizationError{Err: err}
	}
	var sentences [][]rune
	for _, s := range sentenceBreak.Split(phoneme.Join(parts), -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, []rune(norm.NFD.String(s)))
		}
	}
	return sentences, nil
}

// IDs frames each sentence as ^ _ (p _)* $. Phonemes missing from the map
// are replaced by the pad id.
func (m *Model) IDs(sentences [][]rune) []int64 {
	idMap := m.cfg.PhonemeIDMap
	var ids []int64
	for _, sentence := range sentences {
		ids = append(ids, idMap[bos]...)
		ids = append(ids, idMap[pad]...)
		for _, r := range sentence {
			p, ok := idMap[string(r)]
			if !ok {
				p = idMap[pad]
			}
			ids = append(ids, p...)
			ids = append(ids, idMap[pad]...)
		}
		ids = append(ids, idMap[eos]...)
	}
	return ids
}

func (m *Model) Synthesize(ctx context.Context, text string, opts tts.Options) (tts.Speech, error) {
	voice := opts.Voice
	if voice == "" {
		voice = "0"
	}
	sid, ok := m.speakers[voice]
	if !ok {
		return tts.Speech{}, fmt.Errorf("unknown piper speaker %q", voice)
	}

	sentences, err := m.Phonemes(ctx, text)
	if err != nil {
		return tts.Speech{}, err
	}
	ids := m.IDs(sentences)
	if len(ids) == 0 {
		return tts.Speech{}, errors.New("piper: no phonemes produced")
	}
	inputs := []inference.Tensor{
		inference.Int64Tensor("input", ids, 1, int64(len(ids))),
		inference.Int64Tensor("input_lengths", []int64{int64(len(ids))}, 1),
		inference.Float32Tensor("scales", []float32{noiseScale, float32(1 / opts.SpeedOrDefault()), noiseW}, 3),
	}
	if m.cfg.NumSpeakers > 1 {
		inputs = append(inputs, inference.Int64Tensor("sid", []int64{sid}, 1))
	}
	wave, err := m.runner.Run(ctx, inputs, "output")
	if err != nil {
		return tts.Speech{}, &tts.InferenceError{Backend: Name, Err: err}
	}
	samples := append([]float32(nil), wave...)
	tts.Sanitize(samples)

	rendered := make([]string, len(sentences))
	for i, s := range sentences {
		rendered[i] = norm.NFC.String(string(s))
	}
	return tts.Speech{
		Waveform: tts.Waveform{Samples: samples, SampleRate: m.cfg.Audio.SampleRate},
		Phonemes: strings.Join(rendered, " "),
	}, nil
}

func (m *Model) Close() error {
	return m.runner.Close()
}
