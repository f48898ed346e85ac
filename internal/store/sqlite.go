package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const sqliteBusyTimeoutMS = 5000

// SQLiteStore is the single-node Store. Timestamps are stored as unix
// nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens path with WAL mode and one connection; SQLite
// serializes writes anyway.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyTimeoutMS),
		"PRAGMA foreign_keys=ON",
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
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			persona_id TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_persona_user ON messages (persona_id, user_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

var _ Store = (*SQLiteStore)(nil)

const sqlitePersonaColumns = `id, user_id, user_name, src, name, description, instructions, seed, category_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePersona(row rowScanner) (Persona, error) {
	var (
		p                Persona
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.UserName, &p.Src, &p.Name, &p.Description,
		&p.Instructions, &p.Seed, &p.CategoryID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	if err != nil {
		return Persona{}, fmt.Errorf("scan persona: %w", err)
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return p, nil
}

func (s *SQLiteStore) CreatePersona(ctx context.Context, p Persona) (Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (`+sqlitePersonaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.UserName, p.Src, p.Name, p.Description, p.Instructions, p.Seed, p.CategoryID,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return Persona{}, fmt.Errorf("insert persona: %w", err)
	}
	return s.GetPersona(ctx, p.ID)
}

func (s *SQLiteStore) UpdatePersona(ctx context.Context, p Persona) (Persona, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE personas SET user_name=?, src=?, name=?, description=?, instructions=?, seed=?,
		 category_id=?, updated_at=? WHERE id=? AND user_id=?`,
		p.UserName, p.Src, p.Name, p.Description, p.Instructions, p.Seed, p.CategoryID,
		time.Now().UTC().UnixNano(), p.ID, p.UserID,
	)
	if err != nil {
		return Persona{}, fmt.Errorf("update persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Persona{}, ErrNotFound
	}
	return s.GetPersona(ctx, p.ID)
}

func (s *SQLiteStore) DeletePersona(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetPersona(ctx context.Context, id string) (Persona, error) {
	return scanSQLitePersona(s.db.QueryRowContext(ctx, `SELECT `+sqlitePersonaColumns+` FROM personas WHERE id=?`, id))
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, personaID string, m Message) (Persona, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Persona{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE personas SET updated_at=? WHERE id=?`, m.CreatedAt.UnixNano(), personaID)
	if err != nil {
		return Persona{}, fmt.Errorf("touch persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Persona{}, ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, persona_id, role, content, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, personaID, m.Role, m.Content, m.UserID, m.CreatedAt.UnixNano(),
	); err != nil {
		return Persona{}, fmt.Errorf("insert message: %w", err)
	}
	p, err := scanSQLitePersona(tx.QueryRowContext(ctx, `SELECT `+sqlitePersonaColumns+` FROM personas WHERE id=?`, personaID))
	if err != nil {
		return Persona{}, err
	}
	if err := tx.Commit(); err != nil {
		return Persona{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, personaID, userID string) ([]Message, error) {
	if _, err := s.GetPersona(ctx, personaID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona_id, role, content, user_id, created_at
		 FROM messages WHERE persona_id=? AND user_id=? ORDER BY seq ASC`,
		personaID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var (
			m       Message
			created int64
		)
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.Role, &m.Content, &m.UserID, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
