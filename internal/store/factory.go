package store

import (
	"context"
	"strings"
)

// Open picks a backend from databaseURL: postgres:// or postgresql:// for
// PostgreSQL, sqlite:<path> for SQLite, empty for in-memory.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return OpenSQLiteStore(ctx, strings.TrimPrefix(strings.TrimPrefix(databaseURL, "sqlite:"), "//"))
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}
