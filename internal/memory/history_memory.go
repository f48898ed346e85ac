package memory

import (
	"context"
	"sync"
)

// MemoryHistory is an in-process HistoryBackend for local and test use.
type MemoryHistory struct {
	mu    sync.RWMutex
	lists map[string][]string
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{lists: make(map[string][]string)}
}

var _ HistoryBackend = (*MemoryHistory)(nil)

func (h *MemoryHistory) Range(_ context.Context, key string, limit int) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	arr := h.lists[key]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]string, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (h *MemoryHistory) Append(_ context.Context, key, line string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lists[key] = append(h.lists[key], line)
	return nil
}

func (h *MemoryHistory) SeedIfEmpty(_ context.Context, key string, lines []string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.lists[key]) > 0 || len(lines) == 0 {
		return false, nil
	}
	h.lists[key] = append([]string(nil), lines...)
	return true, nil
}

func (h *MemoryHistory) Len(_ context.Context, key string) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lists[key]), nil
}

func (h *MemoryHistory) Close() error { return nil }
