package restart

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxRestarts = 10
	DefaultCooldown    = 60 * time.Second
)

// Reason explains why a restart was refused.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonExhausted Reason = "exhausted"
	ReasonCooldown  Reason = "cooldown"
)

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Remaining is the cooldown left when Reason is ReasonCooldown.
	Remaining time.Duration
}

// Policy bounds how many restarts may happen and how close together.
// The restart count only goes back to zero via ResetAfterMaintenance.
type Policy struct {
	mu            sync.Mutex
	maxRestarts   int
	cooldown      time.Duration
	count         int
	lastRestartAt time.Time // zero means never
	log           *slog.Logger
}

func New(maxRestarts int, cooldown time.Duration, logger *slog.Logger) *Policy {
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{maxRestarts: maxRestarts, cooldown: cooldown, log: logger}
}

// Check evaluates the policy at now without changing it.
func (p *Policy) Check(now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count >= p.maxRestarts {
		return Decision{Reason: ReasonExhausted}
	}
	if !p.lastRestartAt.IsZero() {
		if since := now.Sub(p.lastRestartAt); since < p.cooldown {
			return Decision{Reason: ReasonCooldown, Remaining: p.cooldown - since}
		}
	}
	return Decision{Allowed: true}
}

// CanRestart is Check reduced to a bool; the blocking reason is logged.
func (p *Policy) CanRestart(now time.Time) bool {
	d := p.Check(now)
	switch d.Reason {
	case ReasonExhausted:
		p.log.Error("Maximum restart count reached", "max_restarts", p.maxRestarts)
	case ReasonCooldown:
		p.log.Info("Restart cooldown", "remaining", d.Remaining.Round(100*time.Millisecond))
	}
	return d.Allowed
}

// RecordRestart counts a successful restart performed at now.
func (p *Policy) RecordRestart(now time.Time) {
	p.mu.Lock()
	p.count++
	p.lastRestartAt = now
	p.mu.Unlock()
}

// ResetAfterMaintenance replenishes the restart budget. lastRestartAt is kept.
func (p *Policy) ResetAfterMaintenance() {
	p.mu.Lock()
	p.count = 0
	p.mu.Unlock()
}

// Snapshot is a point-in-time view of the policy.
type Snapshot struct {
	RestartCount  int           `json:"restart_count"`
	MaxRestarts   int           `json:"max_restarts"`
	Cooldown      time.Duration `json:"cooldown"`
	LastRestartAt time.Time     `json:"last_restart_at,omitempty"`
}

func (p *Policy) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		RestartCount:  p.count,
		MaxRestarts:   p.maxRestarts,
		Cooldown:      p.cooldown,
		LastRestartAt: p.lastRestartAt,
	}
}
