package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresHistory keeps transcripts in a table ordered by an identity column.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

func NewPostgresHistory(ctx context.Context, databaseURL string) (*PostgresHistory, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_lines (
			id BIGSERIAL PRIMARY KEY,
			session_key TEXT NOT NULL,
			line TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_lines_key_id ON transcript_lines (session_key, id);`,
	}
	if err := initSchema(ctx, pool, stmts); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresHistory{pool: pool}, nil
}

var _ HistoryBackend = (*PostgresHistory)(nil)

func (h *PostgresHistory) Range(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := h.pool.Query(ctx,
		`SELECT line FROM (
			SELECT id, line FROM transcript_lines WHERE session_key=$1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`,
		key, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	lines := make([]string, 0, limit)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return lines, nil
}

// Append and SeedIfEmpty share a per-key advisory lock so a seed never
// interleaves with writes from another replica.
func (h *PostgresHistory) Append(ctx context.Context, key, line string) error {
	return pgx.BeginFunc(ctx, h.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock transcript: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO transcript_lines (session_key, line) VALUES ($1, $2)`, key, line); err != nil {
			return fmt.Errorf("append transcript: %w", err)
		}
		return nil
	})
}

func (h *PostgresHistory) SeedIfEmpty(ctx context.Context, key string, lines []string) (bool, error) {
	if len(lines) == 0 {
		return false, nil
	}
	seeded := false
	err := pgx.BeginFunc(ctx, h.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock transcript: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transcript_lines WHERE session_key=$1)`, key).Scan(&exists); err != nil {
			return fmt.Errorf("check transcript: %w", err)
		}
		if exists {
			return nil
		}
		batch := &pgx.Batch{}
		for _, line := range lines {
			batch.Queue(`INSERT INTO transcript_lines (session_key, line) VALUES ($1, $2)`, key, line)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("seed transcript: %w", err)
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}

func (h *PostgresHistory) Len(ctx context.Context, key string) (int, error) {
	var n int
	if err := h.pool.QueryRow(ctx, `SELECT count(*) FROM transcript_lines WHERE session_key=$1`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transcript: %w", err)
	}
	return n, nil
}

func (h *PostgresHistory) Close() error {
	h.pool.Close()
	return nil
}

// PGVectorBackend stores long-term documents in a pgvector column.
type PGVectorBackend struct {
	pool *pgxpool.Pool
}

func NewPGVectorBackend(ctx context.Context, databaseURL string, dim int) (*PGVectorBackend, error) {
	if dim <= 0 {
		return nil, errors.New("pgvector: embedding dimension must be > 0")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_documents (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memory_documents_namespace ON memory_documents (namespace);`,
	}
	if err := initSchema(ctx, pool, stmts); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGVectorBackend{pool: pool}, nil
}

var _ VectorBackend = (*PGVectorBackend)(nil)

func (b *PGVectorBackend) Add(ctx context.Context, doc Document, embedding []float32) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO memory_documents (id, namespace, content, pii_redacted, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5::vector, $6)`,
		doc.ID, doc.Namespace, doc.Text, doc.PIIRedacted, vectorLiteral(embedding), doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (b *PGVectorBackend) Search(ctx context.Context, namespace string, embedding []float32, k int) ([]Document, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := b.pool.Query(ctx,
		`SELECT id, namespace, content, pii_redacted, created_at, 1 - (embedding <=> $2::vector) AS similarity
		 FROM memory_documents WHERE namespace=$1
		 ORDER BY embedding <=> $2::vector LIMIT $3`,
		namespace, vectorLiteral(embedding), k,
	)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0, k)
	for rows.Next() {
		var (
			d   Document
			sim float64
		)
		if err := rows.Scan(&d.ID, &d.Namespace, &d.Text, &d.PIIRedacted, &d.CreatedAt, &sim); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		d.Similarity = float32(sim)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}
	return docs, nil
}

func (b *PGVectorBackend) Close() error {
	b.pool.Close()
	return nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// vectorLiteral renders v in the pgvector text format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
