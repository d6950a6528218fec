package startup

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the overall startup status.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusRecovering Status = "recovering"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Progress is a point-in-time view of a startup run.
type Progress struct {
	SessionID    string                `json:"session_id"`
	Status       Status                `json:"status"`
	CurrentPhase Phase                 `json:"current_phase,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	FinishedAt   time.Time             `json:"finished_at,omitempty"`
	Duration     time.Duration         `json:"duration"`
	Completed    []Phase               `json:"completed_phases"`
	Failed       []Phase               `json:"failed_phases"`
	Results      map[Phase]PhaseResult `json:"results"`
	TotalPhases  int                   `json:"total_phases"`
	TotalRetries int                   `json:"total_retries"`
	Recovered    int                   `json:"recovered_phases"`
	Warnings     int                   `json:"warnings"`
}

// Degraded reports whether any phase only succeeded through recovery.
func (p Progress) Degraded() bool {
	return p.Recovered > 0
}

// tracker accumulates progress under its own lock so Progress can be read
// while startup runs.
type tracker struct {
	mu sync.Mutex
	p  Progress
}

func newTracker() *tracker {
	return &tracker{p: Progress{
		Status:      StatusNotStarted,
		Results:     make(map[Phase]PhaseResult),
		TotalPhases: len(Phases()),
	}}
}

func (t *tracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p = Progress{
		SessionID:   uuid.NewString(),
		Status:      StatusInProgress,
		StartedAt:   time.Now(),
		Completed:   []Phase{},
		Failed:      []Phase{},
		Results:     make(map[Phase]PhaseResult),
		TotalPhases: len(Phases()),
	}
}

func (t *tracker) enter(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.CurrentPhase = phase
}

// setStatus moves a run between in_progress and recovering.
func (t *tracker) setStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Status = status
}

func (t *tracker) record(r PhaseResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Results[r.Phase] = r
	t.p.TotalRetries += r.RetryCount
	t.p.Warnings += len(r.Warnings)
	if r.Recovered {
		t.p.Recovered++
	}
	if r.Success {
		t.p.Completed = append(t.p.Completed, r.Phase)
	} else {
		t.p.Failed = append(t.p.Failed, r.Phase)
	}
}

func (t *tracker) finish(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.Status = status
	t.p.FinishedAt = time.Now()
	t.p.Duration = t.p.FinishedAt.Sub(t.p.StartedAt)
	if status == StatusCompleted {
		t.p.CurrentPhase = ""
	}
}

func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.p
	p.Completed = slices.Clone(p.Completed)
	p.Failed = slices.Clone(p.Failed)
	p.Results = maps.Clone(p.Results)
	if p.Status == StatusInProgress || p.Status == StatusRecovering {
		p.Duration = time.Since(p.StartedAt)
	}
	return p
}
