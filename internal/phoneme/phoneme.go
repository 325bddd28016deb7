// Package phoneme converts text into espeak-style IPA phoneme strings.
package phoneme

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// Phonemizer turns text into one phoneme string per clause.
type Phonemizer interface {
	Phonemize(ctx context.Context, text, lang string) ([]string, error)
}

// Join flattens phonemizer output into a single space separated string.
func Join(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// espeakArgs are appended to the configured command for both the
// subprocess and the WASI build. Text is read from stdin.
func espeakArgs(lang string) []string {
	if lang == "" {
		lang = "en-us"
	}
	return []string{"-q", "-b", "1", "--ipa", "-v", lang, "--stdin"}
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// New builds the phonemizer selected by cfg. Close releases the WASM
// runtime when one was created.
func New(ctx context.Context, cfg config.PhonemizerConfig, log *slog.Logger) (Phonemizer, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Mode {
	case "exec":
		p, err := NewExec(cfg.Command)
		if err != nil {
			return nil, noop, err
		}
		log.Info("phonemizer ready", slog.String("mode", "exec"), slog.String("command", cfg.Command))
		return p, noop, nil
	case "wasm":
		p, err := NewWASM(ctx, cfg.ModulePath, cfg.DataDir)
		if err != nil {
			return nil, noop, err
		}
		log.Info("phonemizer ready", slog.String("mode", "wasm"), slog.String("module", cfg.ModulePath))
		return p, p.Close, nil
	case "passthrough":
		log.Warn("phonemizer running in passthrough mode; speech will not be intelligible")
		return Passthrough{}, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown phonemizer mode %q", cfg.Mode)
}

// Passthrough returns lower-cased text split into lines. It stands in for
// espeak-ng in development setups.
type Passthrough struct{}

func (Passthrough) Phonemize(ctx context.Context, text, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return splitLines(strings.ToLower(text)), nil
}
