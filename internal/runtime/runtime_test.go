package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus/bustest"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/presence"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReadyRequiresBus(t *testing.T) {
	r := New(config.Default(), newLogger())
	r.ready.Store(true)

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without bus, got %d", rec.Code)
	}

	r.bus = bustest.Connect(t)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Fatalf("expected ready, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestWorkersEndpoint(t *testing.T) {
	r := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	r.handleWorkers(rec, httptest.NewRequest(http.MethodGet, "/workers", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with presence disabled, got %d", rec.Code)
	}

	client := bustest.Connect(t)
	status := func() presence.Status { return presence.Status{Model: "kokoro", Device: "cpu", Voices: 21} }
	reg, err := presence.NewRegistry(context.Background(), "tts-a", config.Default().Presence, client, status, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()
	r.presence = reg

	peer, _ := json.Marshal(protocol.Announce{WorkerID: "tts-b", Model: "piper", Busy: true, Timestamp: time.Now().UTC()})
	if err := client.Conn().Publish(protocol.SubjectAnnounce, peer); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(reg.Query(nil)) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	cases := map[string][]string{
		"/workers":                {"tts-a", "tts-b"},
		"/workers?model=piper":    {"tts-b"},
		"/workers?available=true": {"tts-a"},
		"/workers?model=kitten":   {},
	}
	for target, want := range cases {
		rec := httptest.NewRecorder()
		r.handleWorkers(rec, httptest.NewRequest(http.MethodGet, target, nil))
		var got []presence.Worker
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("%s: decode: %v", target, err)
		}
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %+v", target, want, got)
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("%s: expected %v, got %+v", target, want, got)
			}
		}
	}
}
