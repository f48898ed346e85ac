package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Turn pipeline stages.
const (
	StageRateCheck     = "rate_check"
	StagePersonaUpdate = "persona_update"
	StageSeed          = "seed"
	StageReadLatest    = "read_latest"
	StageRetrieve      = "retrieve"
	StageAssemble      = "assemble"
	StageStreamOpen    = "stream_open"
	StageFirstChunk    = "first_chunk"
	StageStream        = "stream"
	StageWriteback     = "writeback"
	StageTurnTotal     = "turn_total"
)

var stageTargets = map[string]float64{
	StageRateCheck:     20,
	StagePersonaUpdate: 50,
	StageReadLatest:    20,
	StageRetrieve:      400,
	StageStreamOpen:    800,
	StageFirstChunk:    1500,
	StageWriteback:     500,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// StageWindow keeps the most recent samples per stage for percentile reports.
type StageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	samples []float64
	pos     int
	full    bool
	last    float64
}

func (r *ring) push(v float64) {
	r.samples[r.pos] = v
	r.last = v
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{size: size, rings: make(map[string]*ring), indicators: make(map[string]int)}
}

func (w *StageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *StageWindow) Mark(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		vals := w.rings[stage].values()
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		var sum float64
		for _, v := range vals {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(vals),
			LastMS:      round2(w.rings[stage].last),
			AvgMS:       round2(sum / float64(len(vals))),
			P50MS:       round2(percentile(vals, 0.50)),
			P95MS:       round2(percentile(vals, 0.95)),
			P99MS:       round2(percentile(vals, 0.99)),
			TargetP95MS: stageTargets[stage],
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
