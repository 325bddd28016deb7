package modelcache

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.ModelCacheConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "models.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.ModelCacheConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Set(ctx, "https://x/model.onnx", []byte("weights")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := s.Get(ctx, "https://x/model.onnx"); ok || err != nil {
		t.Fatalf("ephemeral store must always miss, got ok=%v err=%v", ok, err)
	}
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.ModelCacheConfig{MaxAgeHours: 24})

	if err := s.Set(ctx, "https://x/a", []byte("one")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "https://x/a", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, ok, err := s.Get(ctx, "https://x/a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != "two" {
		t.Fatalf("expected overwritten payload, got %q", data)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Entries != 1 || st.Bytes != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if err := s.Delete(ctx, "https://x/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "https://x/a"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestExpiredEntryIsDeleted(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.ModelCacheConfig{MaxAgeHours: 7 * 24})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Set(ctx, "https://x/voices.json", []byte("{}")); err != nil {
		t.Fatalf("set: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC) }
	if _, ok, _ := s.Get(ctx, "https://x/voices.json"); !ok {
		t.Fatalf("expected entry younger than a week to hit")
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC) }
	if _, ok, _ := s.Get(ctx, "https://x/voices.json"); ok {
		t.Fatalf("expected expired entry to miss")
	}
	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected expired entry removed, got %v", entries)
	}
}

func TestPruneByAgeAndSize(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.ModelCacheConfig{MaxAgeHours: 24, MaxBytes: 10})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	_ = s.Set(ctx, "https://x/old", []byte("old"))

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	_ = s.Set(ctx, "https://x/big", []byte("12345678"))
	s.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	_ = s.Set(ctx, "https://x/new", []byte("1234"))

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].URL != "https://x/new" {
		t.Fatalf("expected only the newest entry to survive, got %v", entries)
	}
}

func TestFetcherCachesRemote(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	s := openStore(t, config.ModelCacheConfig{MaxAgeHours: 1})
	f := NewFetcher(s, srv.Client(), newLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, err := f.Fetch(ctx, srv.URL+"/model.onnx")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if string(data) != "payload:/model.onnx" {
			t.Fatalf("unexpected payload %q", data)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one network request, got %d", n)
	}

	if _, err := f.Fetch(ctx, srv.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, ok, _ := s.Get(ctx, srv.URL+"/missing"); ok {
		t.Fatal("failed responses must not be cached")
	}
}

func TestFetcherCancelledCallerLeavesOthersWaiting(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte("weights"))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(nil, srv.Client(), newLogger())
	url := srv.URL + "/model.onnx"

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, url)
		first <- err
	}()
	<-started

	type result struct {
		data []byte
		err  error
	}
	second := make(chan result, 1)
	go func() {
		data, err := f.Fetch(context.Background(), url)
		second <- result{data, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-first:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-second:
		if res.err != nil || string(res.data) != "weights" {
			t.Fatalf("unexpected result %q, %v", res.data, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected one network request, got %d", n)
	}
}

func TestFetcherLocalFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokenizer.json")
	if err := os.WriteFile(path, []byte(`{"model":{}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := NewFetcher(nil, nil, newLogger())
	for _, ref := range []string{path, "file://" + path} {
		data, err := f.Fetch(context.Background(), ref)
		if err != nil {
			t.Fatalf("fetch %s: %v", ref, err)
		}
		if string(data) != `{"model":{}}` {
			t.Fatalf("unexpected payload %q", data)
		}
	}
	if _, err := f.Fetch(context.Background(), filepath.Join(dir, "absent.onnx")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestJoin(t *testing.T) {
	cases := []struct {
		base, ref, want string
	}{
		{"https://cdn.test/models/", "kitten/voices.json", "https://cdn.test/models/kitten/voices.json"},
		{"https://cdn.test/models", "/kitten/voices.json", "https://cdn.test/models/kitten/voices.json"},
		{"./models", "piper/x.onnx", "models/piper/x.onnx"},
		{"./models", "https://other.test/x.onnx", "https://other.test/x.onnx"},
		{"https://cdn.test", "/abs/model.onnx", "https://cdn.test/abs/model.onnx"},
	}
	for _, c := range cases {
		if got := Join(c.base, c.ref); got != c.want {
			t.Fatalf("Join(%q, %q): expected %q, got %q", c.base, c.ref, c.want, got)
		}
	}
}
