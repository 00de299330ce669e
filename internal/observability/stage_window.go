package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Pipeline stages tracked in the rolling latency window.
const (
	StageResponderReply = "responder_reply"
	StageOracleClassify = "oracle_classify"
	StageAnalysisTotal  = "analysis_total"
)

// stageOrder fixes the report order; unknown stages follow alphabetically.
var stageOrder = []string{StageResponderReply, StageOracleClassify, StageAnalysisTotal}

// p95 latency budgets per stage, in milliseconds.
var stageTargets = map[string]float64{
	StageResponderReply: 5000,
	StageOracleClassify: 20000,
	StageAnalysisTotal:  25000,
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
	OverTarget  bool    `json:"over_target,omitempty"`
}

// StageSnapshot is the payload of the analysis stats endpoint.
type StageSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Outcomes    map[string]int `json:"outcomes,omitempty"`
	Labels      map[string]int `json:"labels,omitempty"`
}

// stageWindow keeps the most recent samples of each stage plus running
// counts of analysis outcomes and assigned labels since start.
type stageWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[string][]float64
	outcomes map[string]int
	labels   map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:     size,
		samples:  make(map[string][]float64),
		outcomes: make(map[string]int),
		labels:   make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[stage], ms)
	if len(s) > w.size {
		s = s[len(s)-w.size:]
	}
	w.samples[stage] = s
}

// ObserveOutcome counts a finished run. label is counted only for runs that
// ended done.
func (w *stageWindow) ObserveOutcome(outcome, label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
	if outcome == "done" && label != "" {
		w.labels[label]++
	}
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.samples)),
	}
	for _, stage := range w.orderedStages() {
		values := w.samples[stage]
		if len(values) == 0 {
			continue
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		st := StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			LastMS:      round2(values[len(values)-1]),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(nearestRank(sorted, 0.50)),
			P95MS:       round2(nearestRank(sorted, 0.95)),
			P99MS:       round2(nearestRank(sorted, 0.99)),
			TargetP95MS: stageTargets[stage],
		}
		st.OverTarget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
		snap.Stages = append(snap.Stages, st)
	}
	if len(w.outcomes) > 0 {
		snap.Outcomes = copyCounts(w.outcomes)
	}
	if len(w.labels) > 0 {
		snap.Labels = copyCounts(w.labels)
	}
	return snap
}

func (w *stageWindow) orderedStages() []string {
	out := make([]string, 0, len(w.samples))
	known := make(map[string]bool, len(stageOrder))
	for _, stage := range stageOrder {
		known[stage] = true
		if _, ok := w.samples[stage]; ok {
			out = append(out, stage)
		}
	}
	var extra []string
	for stage := range w.samples {
		if !known[stage] {
			extra = append(extra, stage)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// nearestRank expects sorted to be non-empty and ascending.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
