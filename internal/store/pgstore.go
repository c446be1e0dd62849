package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"render-queue/internal/models"
)

// PGStore persists both collections in Postgres. Each collection lives in one
// table of (position, document) rows; Save rewrites the table inside a single
// transaction so whole-replace semantics hold across processes too.
type PGStore struct {
	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewPGStore creates a pooled connection and runs migrations.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS queue_jobs (
		position INT PRIMARY KEY,
		document JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS server_profiles (
		position INT PRIMARY KEY,
		document JSONB NOT NULL
	)`,
}

func (s *PGStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *PGStore) loadDocs(ctx context.Context, table string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT document FROM %s ORDER BY position`, table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var docs [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return docs, nil
}

func (s *PGStore) saveDocs(ctx context.Context, table string, docs [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for i, doc := range docs {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (position, document) VALUES ($1, $2)`, table), i, doc); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", table, err)
	}
	return nil
}

// PGQueueStore is a QueueStore over the queue_jobs table.
type PGQueueStore struct{ *PGStore }

// QueueStore returns the queue view of the store.
func (s *PGStore) QueueStore() *PGQueueStore { return &PGQueueStore{s} }

func (s *PGQueueStore) Load(ctx context.Context) ([]models.Job, error) {
	docs, err := s.loadDocs(ctx, "queue_jobs")
	if err != nil {
		return nil, err
	}
	jobs := make([]models.Job, 0, len(docs))
	for _, doc := range docs {
		var job models.Job
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PGQueueStore) Save(ctx context.Context, jobs []models.Job) error {
	docs := make([][]byte, 0, len(jobs))
	for _, job := range jobs {
		doc, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		docs = append(docs, doc)
	}
	return s.saveDocs(ctx, "queue_jobs", docs)
}

// PGProfileStore is a ProfileStore over the server_profiles table.
type PGProfileStore struct{ *PGStore }

// ProfileStore returns the profile view of the store.
func (s *PGStore) ProfileStore() *PGProfileStore { return &PGProfileStore{s} }

func (s *PGProfileStore) Load(ctx context.Context) ([]models.Profile, error) {
	docs, err := s.loadDocs(ctx, "server_profiles")
	if err != nil {
		return nil, err
	}
	profiles := make([]models.Profile, 0, len(docs))
	for _, doc := range docs {
		var profile models.Profile
		if err := json.Unmarshal(doc, &profile); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func (s *PGProfileStore) Save(ctx context.Context, profiles []models.Profile) error {
	docs := make([][]byte, 0, len(profiles))
	for _, profile := range profiles {
		doc, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		docs = append(docs, doc)
	}
	return s.saveDocs(ctx, "server_profiles", docs)
}
