package losscache

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable home of the loss records, the prediction-cache blob
// and the HTTP API keys. A corrupt database file is never fatal: Open wipes
// it and starts from an empty state.
type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	s, err := open(path)
	if err == nil {
		return s, nil
	}
	log.Printf("losscache: store at %s unreadable, resetting: %v", path, err)
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("losscache: reset store: %w", rmErr)
	}
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS loss_records (
  path TEXT PRIMARY KEY,
  seed INTEGER NOT NULL,
  run_id INTEGER NOT NULL,
  budget REAL NOT NULL,
  ens_loss REAL,
  mtime_ens INTEGER NOT NULL DEFAULT 0,
  mtime_test INTEGER NOT NULL DEFAULT 0,
  disk_mb REAL,
  state INTEGER NOT NULL DEFAULT 0,
  ever_candidate INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blobs (
  name TEXT PRIMARY KEY,
  data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
  key_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  prefix TEXT NOT NULL,
  hashed_key TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  last_used_at DATETIME
);
`)
	return err
}

// SaveRecords upserts every record in one transaction.
func (s *Store) SaveRecords(ctx context.Context, records []*Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("losscache: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO loss_records(path, seed, run_id, budget, ens_loss, mtime_ens, mtime_test, disk_mb, state, ever_candidate)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  ens_loss=excluded.ens_loss,
  mtime_ens=excluded.mtime_ens,
  mtime_test=excluded.mtime_test,
  disk_mb=excluded.disk_mb,
  state=excluded.state,
  ever_candidate=excluded.ever_candidate;
`)
	if err != nil {
		return fmt.Errorf("losscache: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		// Infinities do not survive a REAL column; store NULL instead.
		var loss, disk sql.NullFloat64
		if !math.IsInf(r.EnsLoss, 1) {
			loss = sql.NullFloat64{Float64: r.EnsLoss, Valid: true}
		}
		if r.DiskMB >= 0 {
			disk = sql.NullFloat64{Float64: r.DiskMB, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.Path, r.Key.Seed, r.Key.RunID, r.Key.Budget,
			loss, r.MtimeEns, r.MtimeTest, disk, int(r.State), boolToInt(r.EverCandidate),
		); err != nil {
			return fmt.Errorf("losscache: upsert %s: %w", r.Path, err)
		}
	}
	return tx.Commit()
}

// LoadRecords reads every persisted record.
func (s *Store) LoadRecords(ctx context.Context) (map[string]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT path, seed, run_id, budget, ens_loss, mtime_ens, mtime_test, disk_mb, state, ever_candidate
FROM loss_records;
`)
	if err != nil {
		return nil, fmt.Errorf("losscache: query records: %w", err)
	}
	defer rows.Close()

	out := map[string]*Record{}
	for rows.Next() {
		var (
			r          Record
			loss, disk sql.NullFloat64
			state      int
			everCand   int
		)
		if err := rows.Scan(&r.Path, &r.Key.Seed, &r.Key.RunID, &r.Key.Budget,
			&loss, &r.MtimeEns, &r.MtimeTest, &disk, &state, &everCand); err != nil {
			return nil, fmt.Errorf("losscache: scan record: %w", err)
		}
		r.EnsLoss = math.Inf(1)
		if loss.Valid {
			r.EnsLoss = loss.Float64
		}
		r.DiskMB = -1
		if disk.Valid {
			r.DiskMB = disk.Float64
		}
		r.State = LoadState(state)
		r.EverCandidate = everCand != 0
		out[r.Path] = &r
	}
	return out, rows.Err()
}

// SaveBlob stores an opaque named blob (prediction cache, fingerprint).
func (s *Store) SaveBlob(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blobs(name, data) VALUES(?, ?)
ON CONFLICT(name) DO UPDATE SET data=excluded.data;
`, name, data)
	return err
}

// LoadBlob fetches a named blob; ok is false when it does not exist.
func (s *Store) LoadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE name=?;", name)
	var data []byte
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// DeleteBlob drops a named blob if present.
func (s *Store) DeleteBlob(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE name=?;", name)
	return err
}

// APIKeyRecord is one stored HTTP API key (hash only, never the plaintext).
type APIKeyRecord struct {
	ID         string
	Name       string
	Prefix     string
	HashedKey  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

func (s *Store) CreateAPIKey(ctx context.Context, record APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(key_id, name, prefix, hashed_key, created_at)
VALUES(?, ?, ?, ?, ?);
`, record.ID, record.Name, record.Prefix, record.HashedKey, record.CreatedAt)
	return err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys ORDER BY created_at DESC;
`)
	if err != nil {
		return nil, err
	}
	return scanAPIKeys(rows)
}

// APIKeysByPrefix narrows the candidate set for one presented key, so the
// per-request bcrypt comparisons never scan the whole table.
func (s *Store) APIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys WHERE prefix=?;
`, prefix)
	if err != nil {
		return nil, err
	}
	return scanAPIKeys(rows)
}

func scanAPIKeys(rows *sql.Rows) ([]APIKeyRecord, error) {
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		var r APIKeyRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_id=?;", id)
	return err
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at=? WHERE key_id=?;", time.Now(), id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
