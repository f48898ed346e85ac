package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/osman-sultan/persona-ai/internal/keylock"
)

// HistoryBackend is the ordered-list cache behind ShortTermLog.
// Implementations must be safe for concurrent use.
type HistoryBackend interface {
	// Range returns at most limit of the newest lines, oldest first.
	Range(ctx context.Context, key string, limit int) ([]string, error)

	// Append adds one line at the end of the list.
	Append(ctx context.Context, key, line string) error

	// SeedIfEmpty writes lines only when key holds nothing, atomically with
	// respect to other SeedIfEmpty and Append calls on the same key.
	SeedIfEmpty(ctx context.Context, key string, lines []string) (bool, error)

	// Len returns the number of stored lines; zero when key was never written.
	Len(ctx context.Context, key string) (int, error)

	Close() error
}

// ShortTermOptions tunes a ShortTermLog.
type ShortTermOptions struct {
	Window    int
	Delimiter string
	Logger    *slog.Logger
}

// ShortTermLog is the append-only recent transcript of a session. It is a
// read-optimized projection; the relational store stays authoritative.
type ShortTermLog struct {
	backend   HistoryBackend
	window    int
	delimiter string
	locks     *keylock.Locker
	logger    *slog.Logger
}

func NewShortTermLog(backend HistoryBackend, opt ShortTermOptions) *ShortTermLog {
	if opt.Window <= 0 {
		opt.Window = 30
	}
	if opt.Delimiter == "" {
		opt.Delimiter = "\n"
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &ShortTermLog{
		backend:   backend,
		window:    opt.Window,
		delimiter: opt.Delimiter,
		locks:     keylock.New(),
		logger:    opt.Logger,
	}
}

// ReadLatest returns the newest window of lines, oldest first. A key that
// was never written yields an empty window.
func (l *ShortTermLog) ReadLatest(ctx context.Context, key SessionKey) (TranscriptWindow, error) {
	lines, err := l.backend.Range(ctx, key.String(), l.window)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return TranscriptWindow(lines), nil
}

// Seed splits seedText on delimiter and writes it as the initial transcript.
// It is a no-op on a namespace that already holds data.
func (l *ShortTermLog) Seed(ctx context.Context, key SessionKey, seedText, delimiter string) (bool, error) {
	lines := SplitSeed(seedText, delimiter)
	if len(lines) == 0 {
		return false, nil
	}
	seeded, err := l.backend.SeedIfEmpty(ctx, key.String(), lines)
	if err != nil {
		return false, fmt.Errorf("seed transcript: %w", err)
	}
	return seeded, nil
}

// EnsureSeeded seeds the namespace from seedText iff it is empty. Callers
// in this process are serialized per key; the backend primitive covers
// other replicas.
func (l *ShortTermLog) EnsureSeeded(ctx context.Context, key SessionKey, seedText string) (bool, error) {
	unlock := l.locks.Lock(key.String())
	defer unlock()

	n, err := l.backend.Len(ctx, key.String())
	if err != nil {
		return false, fmt.Errorf("check transcript: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	seeded, err := l.Seed(ctx, key, seedText, l.delimiter)
	if err != nil {
		return false, err
	}
	if seeded {
		l.logger.Debug("transcript seeded", "session_key", key.String())
	}
	return seeded, nil
}

// Append adds one line at the end of the transcript.
func (l *ShortTermLog) Append(ctx context.Context, key SessionKey, line string) error {
	if err := l.backend.Append(ctx, key.String(), line); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

func (l *ShortTermLog) Close() error {
	return l.backend.Close()
}

// SplitSeed splits seedText on delimiter, trims each segment and drops the
// blank ones, keeping order.
func SplitSeed(seedText, delimiter string) []string {
	if delimiter == "" {
		delimiter = "\n"
	}
	parts := strings.Split(seedText, delimiter)
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lines = append(lines, p)
	}
	return lines
}
