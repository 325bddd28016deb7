package phoneme

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const dataMount = "/espeak-ng-data"

// WASM hosts an espeak-ng build targeting WASI. The module is compiled once
// and instantiated fresh for every call, so calls may run concurrently.
type WASM struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	dataDir  string
}

func NewWASM(ctx context.Context, modulePath, dataDir string) (*WASM, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return &WASM{rt: rt, compiled: compiled, dataDir: dataDir}, nil
}

// Close releases the compiled module and the runtime.
func (w *WASM) Close(ctx context.Context) error {
	if w == nil || w.rt == nil {
		return nil
	}
	return w.rt.Close(ctx)
}

func (w *WASM) Phonemize(ctx context.Context, text, lang string) ([]string, error) {
	args := append([]string{"espeak-ng"}, espeakArgs(lang)...)
	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(strings.NewReader(text)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	if w.dataDir != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(w.dataDir, dataMount))
		args = append(args, "--path="+dataMount)
	}
	cfg = cfg.WithArgs(args...)

	mod, err := w.rt.InstantiateModule(ctx, w.compiled, cfg)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("espeak-ng wasm: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("espeak-ng wasm: %w", err)
		}
	}
	return splitLines(stdout.String()), nil
}
