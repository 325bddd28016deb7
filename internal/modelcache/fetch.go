package modelcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Fetcher resolves model assets. Remote assets go through the Store:
// a fresh cached copy is returned as is, otherwise the asset is downloaded,
// persisted and returned. Local paths and file:// URLs are read directly.
type Fetcher struct {
	store    *Store
	client   *http.Client
	log      *slog.Logger
	group    singleflight.Group
	requests metric.Int64Counter
}

func NewFetcher(store *Store, client *http.Client, log *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	f := &Fetcher{
		store:  store,
		client: client,
		log:    log.With(slog.String("component", "model-fetch")),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-tts/modelcache").Int64Counter(
		"loqa.tts.model_cache.requests",
		metric.WithDescription("Model asset lookups by result"),
	)
	if err != nil {
		f.log.Warn("failed to create cache metric", slog.String("error", err.Error()))
	}
	f.requests = counter
	return f
}

// Fetch returns the bytes behind ref.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if !isRemote(ref) {
		data, err := os.ReadFile(localPath(ref))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		f.record(ctx, "local")
		return data, nil
	}

	// The shared fetch outlives any one caller; the client timeout bounds it.
	shared := context.WithoutCancel(ctx)
	ch := f.group.DoChan(ref, func() (any, error) {
		return f.fetchRemote(shared, ref)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (f *Fetcher) fetchRemote(ctx context.Context, ref string) ([]byte, error) {
	if f.store != nil {
		data, ok, err := f.store.Get(ctx, ref)
		if err != nil {
			f.log.Warn("model cache lookup failed", slog.String("url", ref), slog.String("error", err.Error()))
		} else if ok {
			f.record(ctx, "hit")
			return data, nil
		}
	}
	f.record(ctx, "miss")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", ref, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	f.log.Info("downloaded model asset", slog.String("url", ref), slog.Int("bytes", len(data)))

	if f.store != nil {
		if err := f.store.Set(ctx, ref, data); err != nil {
			f.log.Warn("failed to cache model asset", slog.String("url", ref), slog.String("error", err.Error()))
		}
	}
	return data, nil
}

func (f *Fetcher) record(ctx context.Context, result string) {
	if f.requests != nil {
		f.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func localPath(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme == "file" {
		return u.Path
	}
	return ref
}

// Join resolves an asset reference against base. Absolute URLs are returned
// unchanged, as are absolute paths when base is a directory.
func Join(base, ref string) string {
	if ref == "" || isRemote(ref) || strings.HasPrefix(ref, "file://") {
		return ref
	}
	if isRemote(base) || strings.HasPrefix(base, "file://") {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(base, ref)
}
