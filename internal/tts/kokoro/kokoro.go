// Package kokoro runs the Kokoro-82M model. Voice packs hold one 256-float
// style vector per input length; the vector is chosen by token count.
package kokoro

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/inference"
	"github.com/loqalabs/loqa-tts/internal/modelcache"
	"github.com/loqalabs/loqa-tts/internal/phoneme"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	Name         = "kokoro"
	SampleRate   = 24000
	DefaultVoice = "af_heart"

	// StyleDim is the width of one style vector.
	StyleDim = 256
	// MaxStyleIndex is the last row of a voice pack.
	MaxStyleIndex = 509

	boundaryID = 0
	loadLimit  = 4

	quietPeak = 0.05
	quietGain = 0.3
	loudPeak  = 0.95
	loudGain  = 0.8
)

// Voices is the table of voice packs the model ships with.
var Voices = []string{
	"af", "af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore",
	"af_nicole", "af_nova", "af_river", "af_sarah", "af_sky",
	"am_adam", "am_echo", "am_eric", "am_fenrir", "am_liam", "am_michael",
	"am_onyx", "am_puck", "am_santa",
}

var (
	etcPattern = regexp.MustCompile(`(?i)\betc\.`)

	inputQuotes = strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", `"`, "”", `"`,
		"(", "«", ")", "»",
	)
	outputPhonemes = strings.NewReplacer("ʲ", "j", "r", "ɹ", "x", "k", "ɬ", "l")
)

// Model is a loaded Kokoro backend.
type Model struct {
	runner     *inference.Runner
	phonemizer phoneme.Phonemizer
	vocab      tts.Vocab
	packs      map[string][]float32
	voices     []tts.Voice
	log        *slog.Logger
}

// Load fetches the model, tokenizer and voice packs. Voice packs are
// fetched concurrently; packs that fail to load are skipped.
func Load(ctx context.Context, assets config.KokoroAssets, device inference.Device, deps tts.Deps) (*Model, error) {
	if err := deps.Validate(); err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Err: err}
	}
	log := deps.Logger.With(slog.String("component", "kokoro"))

	model, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Model)
	if err != nil {
		return nil, err
	}
	tokenizer, err := tts.FetchAsset(ctx, deps.Fetcher, Name, assets.Tokenizer)
	if err != nil {
		return nil, err
	}
	vocab, err := tts.ParseVocab(tokenizer)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Tokenizer, Err: err}
	}

	ids := assets.Voices
	if len(ids) == 0 {
		ids = Voices
	}
	packs := loadPacks(ctx, deps.Fetcher, assets.VoiceDir, ids, log)
	if len(packs) == 0 {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.VoiceDir, Err: errors.New("no voice packs could be loaded")}
	}

	runner, err := inference.NewRunner(deps.Inference, model, device, deps.Logger)
	if err != nil {
		return nil, &tts.ModelLoadError{Backend: Name, Asset: assets.Model, Err: err}
	}

	voices := make([]tts.Voice, 0, len(packs))
	for _, id := range ids {
		if _, ok := packs[id]; ok {
			voices = append(voices, tts.Voice{ID: id, Name: VoiceName(id)})
		}
	}
	log.Info("model loaded", slog.String("device", string(runner.Device())), slog.Int("voices", len(voices)))
	return &Model{
		runner:     runner,
		phonemizer: deps.Phonemizer,
		vocab:      vocab,
		packs:      packs,
		voices:     voices,
		log:        log,
	}, nil
}

func loadPacks(ctx context.Context, fetcher tts.Fetcher, dir string, ids []string, log *slog.Logger) map[string][]float32 {
	var (
		mu    sync.Mutex
		packs = make(map[string][]float32, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadLimit)
	for _, id := range ids {
		g.Go(func() error {
			url := modelcache.Join(dir, id+".bin")
			data, err := fetcher.Fetch(gctx, url)
			if err == nil {
				var pack []float32
				if pack, err = ParsePack(data); err == nil {
					mu.Lock()
					packs[id] = pack
					mu.Unlock()
					return nil
				}
			}
			log.Warn("voice pack unavailable",
				slog.String("voice", id),
				slog.String("asset", url),
				slog.String("error", err.Error()))
			return nil
		})
	}
	_ = g.Wait()
	return packs
}

// ParsePack decodes a little-endian float32 voice pack.
func ParsePack(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("voice pack size %d is not a float32 array", len(data))
	}
	if len(data) < StyleDim*4 {
		return nil, fmt.Errorf("voice pack holds %d floats, need at least %d", len(data)/4, StyleDim)
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// VoiceName renders a voice id for display: "af_heart" becomes
// "Heart (Female)", the bare "am" becomes "Male".
func VoiceName(id string) string {
	gender := "Male"
	if strings.HasPrefix(id, "af") {
		gender = "Female"
	}
	base := id
	for _, prefix := range []string{"af_", "am_", "af", "am"} {
		if strings.HasPrefix(base, prefix) {
			base = strings.TrimPrefix(base, prefix)
			break
		}
	}
	if base == "" {
		return gender
	}
	r := []rune(base)
	r[0] = unicode.ToUpper(r[0])
	return fmt.Sprintf("%s (%s)", string(r), gender)
}

// NormalizeInput rewrites typography the phonemizer mishandles: curly
// quotes become straight, parentheses become guillemets and "etc." loses its
// period unless a word follows.
func NormalizeInput(text string) string {
	text = inputQuotes.Replace(text)
	var b strings.Builder
	last := 0
	for _, loc := range etcPattern.FindAllStringIndex(text, -1) {
		b.WriteString(text[last:loc[0]])
		rest := text[loc[1]:]
		if len(rest) >= 2 && rest[0] == ' ' && isASCIILetter(rest[1]) {
			b.WriteString(text[loc[0]:loc[1]])
		} else {
			b.WriteString("etc")
		}
		last = loc[1]
	}
	b.WriteString(text[last:])
	return strings.TrimSpace(b.String())
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// language picks the espeak voice from the voice id: American voices start
// with "a".
func language(voice string) string {
	if strings.HasPrefix(voice, "a") {
		return "en-us"
	}
	return "en"
}

// Style returns the style vector for a sequence of tokens, boundaries
// included.
func Style(pack []float32, tokens int) ([]float32, error) {
	row := min(max(tokens-2, 0), MaxStyleIndex)
	offset := row * StyleDim
	if offset+StyleDim > len(pack) {
		return nil, fmt.Errorf("voice pack has no style row %d", row)
	}
	return pack[offset : offset+StyleDim], nil
}

func (m *Model) Info() tts.Info {
	return tts.Info{Name: Name, SampleRate: SampleRate, Resamplable: true, Device: m.runner.Device()}
}

func (m *Model) Voices() []tts.Voice { return m.voices }

// Phonemize returns the post-processed phoneme string for text.
func (m *Model) Phonemize(ctx context.Context, text, voice string) (string, error) {
	parts, err := m.phonemizer.Phonemize(ctx, NormalizeInput(text), language(voice))
	if err != nil {
		return "", &tts.PhonemizationError{Err: err}
	}
	return strings.TrimSpace(outputPhonemes.Replace(phoneme.Join(parts))), nil
}

func (m *Model) Synthesize(ctx context.Context, text string, opts tts.Options) (tts.Speech, error) {
	voice := opts.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	pack, ok := m.packs[voice]
	if !ok {
		return tts.Speech{}, fmt.Errorf("unknown kokoro voice %q", voice)
	}

	phonemes, err := m.Phonemize(ctx, text, voice)
	if err != nil {
		return tts.Speech{}, err
	}
	ids := append([]int64{boundaryID}, m.vocab.Encode(phonemes, boundaryID)...)
	ids = append(ids, boundaryID)
	style, err := Style(pack, len(ids))
	if err != nil {
		return tts.Speech{}, &tts.InferenceError{Backend: Name, Err: err}
	}

	inputs := []inference.Tensor{
		inference.Int64Tensor("input_ids", ids, 1, int64(len(ids))),
		inference.Float32Tensor("style", style, 1, StyleDim),
		inference.Float32Tensor("speed", []float32{float32(1 / opts.SpeedOrDefault())}, 1),
	}
	wave, err := m.runner.Run(ctx, inputs, "waveform", "output")
	if err != nil {
		return tts.Speech{}, &tts.InferenceError{Backend: Name, Err: err}
	}

	samples := append([]float32(nil), wave...)
	switch peak := tts.Sanitize(samples); {
	case peak > 0 && peak < quietPeak:
		tts.Boost(samples, peak, quietGain)
	case peak > loudPeak:
		tts.Boost(samples, peak, loudGain)
	}
	return tts.Speech{
		Waveform: tts.Waveform{Samples: samples, SampleRate: SampleRate},
		Phonemes: phonemes,
	}, nil
}

func (m *Model) Close() error {
	return m.runner.Close()
}
