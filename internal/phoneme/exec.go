package phoneme

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Exec runs an espeak-ng compatible binary once per call.
type Exec struct {
	cmd []string
}

func NewExec(command string) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse phonemizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("phonemizer command empty")
	}
	return &Exec{cmd: args}, nil
}

func (e *Exec) Phonemize(ctx context.Context, text, lang string) ([]string, error) {
	args := append(append([]string{}, e.cmd[1:]...), espeakArgs(lang)...)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("espeak-ng: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("espeak-ng: %w", err)
	}
	return splitLines(stdout.String()), nil
}
