// Package storage persists every raw inbound observation message, for audit
// and replay, independent of the in-memory coincidence cache.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"

	"github.com/snews-network/coincidence-server/internal/config"
	"github.com/snews-network/coincidence-server/internal/observation"
)

// Store persists raw observation payloads.
type Store interface {
	Insert(ctx context.Context, obs observation.Observation, raw []byte) error
	Close() error
}

// SQLiteStore implements Store over a SQLite database, compressing payloads
// above a configured size threshold with zstd.
type SQLiteStore struct {
	db             *sql.DB
	compressAbove  int
	encoder        *zstd.Encoder
}

// New opens (creating if necessary) the SQLite database at cfg.SQLitePath and
// runs its migration.
func New(ctx context.Context, cfg *config.Storage) (*SQLiteStore, error) {
	if cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	db, err := sql.Open("sqlite3", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd encoder: %w", err)
	}

	s := &SQLiteStore{db: db, compressAbove: cfg.CompressAboveByte, encoder: enc}
	if err := s.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS observations (
			id            TEXT NOT NULL,
			detector_name TEXT NOT NULL,
			neutrino_time TEXT NOT NULL,
			received_time TEXT NOT NULL,
			compressed    INTEGER NOT NULL,
			payload       BLOB NOT NULL,
			PRIMARY KEY (detector_name, neutrino_time, id)
		)
	`)
	return err
}

// Insert stores one raw observation message, compressing the payload with
// zstd when it exceeds the configured threshold.
func (s *SQLiteStore) Insert(ctx context.Context, obs observation.Observation, raw []byte) error {
	payload := raw
	compressed := false
	if s.compressAbove > 0 && len(raw) > s.compressAbove {
		payload = s.encoder.EncodeAll(raw, nil)
		compressed = true
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO observations
			(id, detector_name, neutrino_time, received_time, compressed, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		obs.ID, obs.DetectorName,
		obs.NeutrinoTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		obs.ReceivedTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		boolToInt(compressed), payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

// Fetch retrieves and decompresses a stored payload by its primary key, for
// tests and operational replay tooling.
func (s *SQLiteStore) Fetch(ctx context.Context, detectorName, neutrinoTime, id string) ([]byte, error) {
	var payload []byte
	var compressed int
	row := s.db.QueryRowContext(ctx, `
		SELECT compressed, payload FROM observations
		WHERE detector_name = ? AND neutrino_time = ? AND id = ?
	`, detectorName, neutrinoTime, id)
	if err := row.Scan(&compressed, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch observation: %w", err)
	}
	if compressed == 0 {
		return payload, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress observation: %w", err)
	}
	return out, nil
}

// Close releases the underlying database connection and encoder.
func (s *SQLiteStore) Close() error {
	s.encoder.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
