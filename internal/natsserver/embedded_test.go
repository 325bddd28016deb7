package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv != nil {
		t.Fatalf("expected nil server when embedded mode is off")
	}
	srv.Shutdown()
}

func TestStartRandomPort(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if url := srv.ClientURL(); !strings.HasPrefix(url, "nats://127.0.0.1:") {
		t.Fatalf("unexpected client url %q", url)
	}
}
