package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/you/modpipe/internal/core"
)

// Event describes one record reaching a status, for live progress streaming.
type Event struct {
	ID     string      `json:"id"`
	UserID string      `json:"user_id,omitempty"`
	Status core.Status `json:"status"`
	Score  float64     `json:"score,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Progress tracks run counters for the status API. All counters are
// monotonic within a run; Reset starts a new run.
type Progress struct {
	mu         sync.RWMutex
	state      core.RunState
	dispatched atomic.Int64
	scored     atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	resumed    atomic.Int64
}

type Snapshot struct {
	State      core.RunState `json:"state"`
	Dispatched int64         `json:"dispatched"`
	Scored     int64         `json:"scored"`
	Failed     int64         `json:"failed"`
	Skipped    int64         `json:"skipped"`
	Resumed    int64         `json:"resumed"`
}

func NewProgress() *Progress {
	return &Progress{state: core.RunRunning}
}

func (p *Progress) Reset() {
	if p == nil {
		return
	}
	p.setState(core.RunRunning)
	p.dispatched.Store(0)
	p.scored.Store(0)
	p.failed.Store(0)
	p.skipped.Store(0)
	p.resumed.Store(0)
}

func (p *Progress) setState(state core.RunState) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Progress) addDispatched() {
	if p != nil {
		p.dispatched.Add(1)
	}
}

func (p *Progress) addScored() {
	if p != nil {
		p.scored.Add(1)
	}
}

func (p *Progress) addFailed() {
	if p != nil {
		p.failed.Add(1)
	}
}

func (p *Progress) addSkipped() {
	if p != nil {
		p.skipped.Add(1)
	}
}

func (p *Progress) addResumed() {
	if p != nil {
		p.resumed.Add(1)
	}
}

func (p *Progress) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()
	return Snapshot{
		State:      state,
		Dispatched: p.dispatched.Load(),
		Scored:     p.scored.Load(),
		Failed:     p.failed.Load(),
		Skipped:    p.skipped.Load(),
		Resumed:    p.resumed.Load(),
	}
}
