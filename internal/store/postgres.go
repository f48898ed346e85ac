package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists personas and messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			src TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			instructions TEXT NOT NULL,
			seed TEXT NOT NULL,
			category_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_personas_category ON personas (category_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_persona_user ON messages (persona_id, user_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

const personaColumns = `id, user_id, user_name, src, name, description, instructions, seed, category_id, created_at, updated_at`

func scanPersona(row pgx.Row) (Persona, error) {
	var p Persona
	err := row.Scan(&p.ID, &p.UserID, &p.UserName, &p.Src, &p.Name, &p.Description,
		&p.Instructions, &p.Seed, &p.CategoryID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	if err != nil {
		return Persona{}, fmt.Errorf("scan persona: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreatePersona(ctx context.Context, p Persona) (Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO personas (`+personaColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 RETURNING `+personaColumns,
		p.ID, p.UserID, p.UserName, p.Src, p.Name, p.Description, p.Instructions, p.Seed, p.CategoryID, now,
	)
	return scanPersona(row)
}

func (s *PostgresStore) UpdatePersona(ctx context.Context, p Persona) (Persona, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE personas SET user_name=$3, src=$4, name=$5, description=$6, instructions=$7,
		 seed=$8, category_id=$9, updated_at=now()
		 WHERE id=$1 AND user_id=$2
		 RETURNING `+personaColumns,
		p.ID, p.UserID, p.UserName, p.Src, p.Name, p.Description, p.Instructions, p.Seed, p.CategoryID,
	)
	return scanPersona(row)
}

func (s *PostgresStore) DeletePersona(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM personas WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetPersona(ctx context.Context, id string) (Persona, error) {
	return scanPersona(s.pool.QueryRow(ctx, `SELECT `+personaColumns+` FROM personas WHERE id=$1`, id))
}

func (s *PostgresStore) AppendMessage(ctx context.Context, personaID string, m Message) (Persona, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var p Persona
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		p, err = scanPersona(tx.QueryRow(ctx,
			`UPDATE personas SET updated_at=$2 WHERE id=$1 RETURNING `+personaColumns,
			personaID, m.CreatedAt,
		))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, persona_id, role, content, user_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, personaID, m.Role, m.Content, m.UserID, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return Persona{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, personaID, userID string) ([]Message, error) {
	if _, err := s.GetPersona(ctx, personaID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, persona_id, role, content, user_id, created_at
		 FROM messages WHERE persona_id=$1 AND user_id=$2 ORDER BY seq ASC`,
		personaID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.Role, &m.Content, &m.UserID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
