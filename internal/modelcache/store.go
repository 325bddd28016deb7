package modelcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	_ "modernc.org/sqlite"
)

// Entry is one cached asset.
type Entry struct {
	URL       string
	Data      []byte
	FetchedAt time.Time
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries int64
	Bytes   int64
}

// Store wraps a SQLite-backed, URL-keyed asset cache.
type Store struct {
	db    *sql.DB
	cfg   config.ModelCacheConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the cache according to config. In ephemeral mode nothing
// is persisted and every lookup misses.
func Open(ctx context.Context, cfg config.ModelCacheConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "model-cache"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("model cache prune on start failed", slog.String("error", err.Error()))
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("model cache vacuum failed", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS assets (
    url TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    size INTEGER NOT NULL,
    fetched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_fetched ON assets(fetched_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) maxAge() time.Duration {
	return time.Duration(s.cfg.MaxAgeHours) * time.Hour
}

func (s *Store) expired(fetched time.Time) bool {
	age := s.maxAge()
	return age > 0 && s.clock().Sub(fetched) > age
}

// Get returns the cached bytes for url. Expired entries are deleted and
// reported as a miss.
func (s *Store) Get(ctx context.Context, url string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, nil
	}
	var (
		data    []byte
		fetched int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, fetched_at FROM assets WHERE url = ?`, url).Scan(&data, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query cache: %w", err)
	}
	if s.expired(time.UnixMilli(fetched)) {
		if err := s.Delete(ctx, url); err != nil {
			s.log.Warn("failed to delete expired asset", slog.String("url", url), slog.String("error", err.Error()))
		}
		return nil, false, nil
	}
	return data, true, nil
}

// Set stores data for url, replacing any previous entry.
func (s *Store) Set(ctx context.Context, url string, data []byte) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets(url, data, size, fetched_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET data=excluded.data, size=excluded.size, fetched_at=excluded.fetched_at`,
		url, data, len(data), s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("store asset: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, url string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE url = ?`, url)
	return err
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets`)
	return err
}

// List returns cached entries without their payloads, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT url, fetched_at FROM assets ORDER BY fetched_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			fetched int64
		)
		if err := rows.Scan(&e.URL, &fetched); err != nil {
			return nil, err
		}
		e.FetchedAt = time.UnixMilli(fetched).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats reports entry count and total payload size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s.db == nil {
		return Stats{}, nil
	}
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM assets`).Scan(&st.Entries, &st.Bytes)
	return st, err
}

// Prune drops expired entries, then the oldest entries until the cache fits
// within max_bytes.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if age := s.maxAge(); age > 0 {
		cutoff := s.clock().Add(-age).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM assets WHERE fetched_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxBytes > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM assets WHERE url IN (
			SELECT url FROM (
				SELECT url, SUM(size) OVER (ORDER BY fetched_at DESC, url) AS running FROM assets
			) WHERE running > ?
		)`, s.cfg.MaxBytes)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
