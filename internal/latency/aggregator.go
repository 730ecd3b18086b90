package latency

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Stage tags one step of the speech pipeline.
type Stage string

const (
	StageSTT   Stage = "stt"
	StageLLM   Stage = "llm"
	StageTTS   Stage = "tts"
	StageTotal Stage = "total"
)

// Stages lists every valid stage in summary order.
var Stages = []Stage{StageSTT, StageLLM, StageTTS, StageTotal}

func validStage(s Stage) bool {
	switch s {
	case StageSTT, StageLLM, StageTTS, StageTotal:
		return true
	default:
		return false
	}
}

type StageStats struct {
	Count  int     `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	P50MS  float64 `json:"p50_ms"`
	P95MS  float64 `json:"p95_ms"`
}

type Summary struct {
	SessionID   string               `json:"session_id,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
	WindowSize  int                  `json:"window_size"`
	PerStage    map[Stage]StageStats `json:"per_stage"`
	TotalMS     float64              `json:"total_ms"`
}

// maxTrackedSessions bounds per-session windows; the global window is
// always recorded regardless.
const maxTrackedSessions = 512

// Recorder accumulates stage duration samples in rolling windows, one set
// per session plus a global set. Record never fails the caller and each
// sample write is atomic with respect to Summarize.
type Recorder struct {
	mu       sync.RWMutex
	window   int
	global   map[Stage]*ring
	sessions map[string]map[Stage]*ring
}

func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = 256
	}
	return &Recorder{
		window:   window,
		global:   make(map[Stage]*ring),
		sessions: make(map[string]map[Stage]*ring),
	}
}

// Record appends a sample. Invalid input (unknown stage, negative duration)
// is dropped; telemetry must never break the pipeline it observes.
func (r *Recorder) Record(sessionID string, stage Stage, d time.Duration) {
	if !validStage(stage) || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000

	r.mu.Lock()
	defer r.mu.Unlock()

	r.observe(r.global, stage, ms)

	if sessionID == "" {
		return
	}
	scope, ok := r.sessions[sessionID]
	if !ok {
		if len(r.sessions) >= maxTrackedSessions {
			return
		}
		scope = make(map[Stage]*ring)
		r.sessions[sessionID] = scope
	}
	r.observe(scope, stage, ms)
}

// Forget drops the per-session windows for an ended session. Global
// aggregates keep the samples.
func (r *Recorder) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Summarize reports per-stage statistics for one session, or globally when
// sessionID is empty. An unknown or empty scope yields a zeroed summary
// with every stage present, never an error.
func (r *Recorder) Summarize(sessionID string) Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scope := r.global
	if sessionID != "" {
		scope = r.sessions[sessionID]
	}

	perStage := make(map[Stage]StageStats, len(Stages))
	for _, stage := range Stages {
		perStage[stage] = statsOf(scope[stage])
	}

	total := perStage[StageTotal].MeanMS
	if perStage[StageTotal].Count == 0 {
		total = round2(perStage[StageSTT].MeanMS + perStage[StageLLM].MeanMS + perStage[StageTTS].MeanMS)
	}

	return Summary{
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC(),
		WindowSize:  r.window,
		PerStage:    perStage,
		TotalMS:     total,
	}
}

func (r *Recorder) observe(scope map[Stage]*ring, stage Stage, ms float64) {
	buf, ok := scope[stage]
	if !ok {
		buf = &ring{values: make([]float64, r.window)}
		scope[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

type ring struct {
	values []float64
	next   int
	filled bool
}

func statsOf(buf *ring) StageStats {
	if buf == nil {
		return StageStats{}
	}
	n := buf.next
	if buf.filled {
		n = len(buf.values)
	}
	if n <= 0 {
		return StageStats{}
	}
	samples := make([]float64, n)
	copy(samples, buf.values[:n])
	sort.Float64s(samples)

	sum := 0.0
	for _, v := range samples {
		sum += v
	}

	return StageStats{
		Count:  n,
		MeanMS: round2(sum / float64(n)),
		P50MS:  round2(quantile(samples, 0.50)),
		P95MS:  round2(quantile(samples, 0.95)),
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
