package phoneme

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func TestJoin(t *testing.T) {
	got := Join([]string{" həlˈoʊ ", "", "wˈɜːld\n"})
	if got != "həlˈoʊ wˈɜːld" {
		t.Fatalf("unexpected join %q", got)
	}
	if Join(nil) != "" {
		t.Fatalf("expected empty join for nil")
	}
}

func TestPassthrough(t *testing.T) {
	out, err := Passthrough{}.Phonemize(context.Background(), "Hello There\n\nSecond", "en-us")
	if err != nil {
		t.Fatalf("phonemize: %v", err)
	}
	if len(out) != 2 || out[0] != "hello there" || out[1] != "second" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestExecPipesTextThroughCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p, err := NewExec("sh -c cat")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	out, err := p.Phonemize(context.Background(), "first line\nsecond line\n", "en")
	if err != nil {
		t.Fatalf("phonemize: %v", err)
	}
	if len(out) != 2 || out[0] != "first line" || out[1] != "second line" {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestExecReportsFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p, err := NewExec(`sh -c "echo no voice >&2; exit 3"`)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if _, err := p.Phonemize(context.Background(), "text", "xx"); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestNewExecRejectsEmpty(t *testing.T) {
	if _, err := NewExec("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestEspeakArgsDefaultLanguage(t *testing.T) {
	args := espeakArgs("")
	for i, a := range args {
		if a == "-v" {
			if args[i+1] != "en-us" {
				t.Fatalf("expected en-us default, got %q", args[i+1])
			}
			return
		}
	}
	t.Fatal("voice flag missing")
}

func TestNewWASMMissingModule(t *testing.T) {
	if _, err := NewWASM(context.Background(), filepath.Join(t.TempDir(), "espeak-ng.wasm"), ""); err == nil {
		t.Fatal("expected error for missing module")
	}
}

func TestNewWASMRejectsInvalidModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "espeak-ng.wasm")
	if err := os.WriteFile(path, []byte("not wasm"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewWASM(context.Background(), path, ""); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestNewSelectsMode(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, closeFn, err := New(context.Background(), config.PhonemizerConfig{Mode: "passthrough"}, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn(context.Background())
	if _, ok := p.(Passthrough); !ok {
		t.Fatalf("expected passthrough phonemizer, got %T", p)
	}
	if _, _, err := New(context.Background(), config.PhonemizerConfig{Mode: "festival"}, log); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
