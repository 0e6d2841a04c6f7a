package supervisor

import (
	"context"
	"time"

	"github.com/loykin/watchdog/internal/liveness"
	"github.com/loykin/watchdog/internal/metrics"
	"github.com/loykin/watchdog/internal/process"
	"github.com/loykin/watchdog/internal/restart"
)

// State is the supervisor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
	StateMaintenance
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}

	metrics.RecordStateTransition(s.cfg.Name, prev.String(), next.String())
	metrics.SetCurrentState(s.cfg.Name, prev.String(), false)
	metrics.SetCurrentState(s.cfg.Name, next.String(), true)
}

// LivenessStatus describes the worker's last liveness record.
type LivenessStatus struct {
	Present       bool     `json:"present"`
	LastHeartbeat string   `json:"last_heartbeat,omitempty"`
	AgeSeconds    *float64 `json:"age_seconds,omitempty"`
	Stale         bool     `json:"stale"`
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Name      string           `json:"name"`
	State     string           `json:"state"`
	Running   bool             `json:"running"`
	PID       int              `json:"pid,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Restart   restart.Snapshot `json:"restart"`
	Liveness  LivenessStatus   `json:"liveness"`
	Usage     *process.Usage   `json:"usage,omitempty"`
}

// Status reports the supervisor state at now.
func (s *Supervisor) Status(ctx context.Context, now time.Time) Status {
	s.mu.Lock()
	st := Status{Name: s.cfg.Name, State: s.state.String()}
	w := s.worker
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	s.mu.Unlock()

	if w != nil {
		st.PID = w.PID()
		st.RunID = w.ID()
		st.Running = w.Alive()
	}
	st.Restart = s.policy.Snapshot()

	rec, err := s.live.Read()
	ok := err == nil
	st.Liveness = LivenessStatus{Present: ok, Stale: liveness.Stale(rec, ok, now, s.cfg.MaxSilence)}
	if ok {
		age := rec.Age(now).Seconds()
		st.Liveness.AgeSeconds = &age
		st.Liveness.LastHeartbeat = rec.LastHeartbeat
	}
	if st.Running {
		if u, ok := s.Usage(ctx); ok {
			st.Usage = &u
		}
	}
	return st
}

// Healthy is true when the worker runs and its liveness record is fresh.
func (st Status) Healthy() bool {
	return st.Running && !st.Liveness.Stale
}
