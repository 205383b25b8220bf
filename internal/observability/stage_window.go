package observability

import (
	"slices"
	"sync"
	"time"
)

// Stages of the end-of-recording pipeline, in the order they run.
const (
	StageTranscription  = "transcription"
	StageInterpretation = "interpretation"
	StageEndToResult    = "end_to_result"
)

type relayStage struct {
	name   string
	budget time.Duration
}

// relayStages fixes the reporting order and the p95 budget of each stage.
var relayStages = []relayStage{
	{StageTranscription, 4 * time.Second},
	{StageInterpretation, 3 * time.Second},
	{StageEndToResult, 7 * time.Second},
}

type StageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms"`
	OverBudget int     `json:"over_budget"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
}

// stageWindow keeps the most recent durations of each relay stage.
type stageWindow struct {
	mu    sync.Mutex
	size  int
	rings []durationRing // indexed like relayStages
}

type durationRing struct {
	buf  []time.Duration
	head int
	n    int
}

func (r *durationRing) push(d time.Duration) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// last returns the most recently pushed value; r.n must be > 0.
func (r *durationRing) last() time.Duration {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	w := &stageWindow{size: size, rings: make([]durationRing, len(relayStages))}
	for i := range w.rings {
		w.rings[i].buf = make([]time.Duration, size)
	}
	return w
}

// Observe records d for stage. Unknown stages and negative durations are ignored.
func (w *stageWindow) Observe(stage string, d time.Duration) {
	if d < 0 {
		return
	}
	i := slices.IndexFunc(relayStages, func(s relayStage) bool { return s.name == stage })
	if i < 0 {
		return
	}
	w.mu.Lock()
	w.rings[i].push(d)
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      []StageStats{},
	}
	for i, stage := range relayStages {
		ring := &w.rings[i]
		if ring.n == 0 {
			continue
		}
		sorted := slices.Clone(ring.buf[:ring.n])
		slices.Sort(sorted)

		var total time.Duration
		over := 0
		for _, d := range sorted {
			total += d
			if d > stage.budget {
				over++
			}
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:      stage.name,
			Samples:    ring.n,
			LastMS:     millis(ring.last()),
			MeanMS:     millis(total / time.Duration(ring.n)),
			P50MS:      millis(nearestRank(sorted, 50)),
			P95MS:      millis(nearestRank(sorted, 95)),
			MaxMS:      millis(sorted[len(sorted)-1]),
			BudgetMS:   millis(stage.budget),
			OverBudget: over,
		})
	}
	return snap
}

// nearestRank returns the p-th percentile of a sorted, non-empty slice.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// millis converts d to milliseconds with microsecond precision.
func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
