package degrade

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/watchdog/internal/metrics"
)

// DefaultDuration is how long degradation lasts once triggered.
const DefaultDuration = 300 * time.Second

// Mode is the policy state.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
)

// Action is the verdict of Classify for a single failure signal.
type Action int

const (
	// Ignore: not a throttle condition (or a permission error).
	Ignore Action = iota
	// SoftThrottle: ordinary rate limiting; the caller backs off locally.
	SoftThrottle
	// TriggerDegradation: an upstream block; enter degraded mode.
	TriggerDegradation
)

func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case SoftThrottle:
		return "soft_throttle"
	case TriggerDegradation:
		return "trigger_degradation"
	default:
		return "unknown"
	}
}

// throttleIndicators are matched case-insensitively against signal messages.
var throttleIndicators = []string{
	"cloudflare",
	"1015",
	"access denied",
	"rate limited",
	"too many requests",
	"you are being rate limited",
}

// Signal is a failure reported by the worker. Status 0 means the failure
// carried no status code.
type Signal struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// StatusCoder is implemented by errors that carry an upstream status code.
type StatusCoder interface {
	StatusCode() int
}

// SignalFromError builds a Signal from err, taking the status code from the
// first error in the chain that implements StatusCoder.
func SignalFromError(err error) Signal {
	if err == nil {
		return Signal{}
	}
	sig := Signal{Message: err.Error()}
	var sc StatusCoder
	if errors.As(err, &sc) {
		sig.Status = sc.StatusCode()
	}
	return sig
}

// IsThrottleMessage reports whether msg contains any known throttle indicator.
func IsThrottleMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, ind := range throttleIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// Classify decides how a failure signal should be handled. It never changes state.
func Classify(sig Signal) Action {
	throttled := IsThrottleMessage(sig.Message)
	switch {
	case throttled:
		// covers 429 with markers as well
		return TriggerDegradation
	case sig.Status == 429:
		return SoftThrottle
	case sig.Status == 403:
		return Ignore
	default:
		return Ignore
	}
}

// Options configures a Policy.
type Options struct {
	// Name labels metrics and logs; defaults to "default".
	Name string
	// Duration of degraded mode; defaults to DefaultDuration.
	Duration time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Policy is a time-boxed circuit breaker for a throttling upstream.
// It is safe for concurrent use.
type Policy struct {
	mu           sync.Mutex
	name         string
	duration     time.Duration
	now          func() time.Time
	log          *slog.Logger
	active       bool
	activatedAt  time.Time
	triggerCount int
}

func New(opts Options) *Policy {
	p := &Policy{
		name:     opts.Name,
		duration: opts.Duration,
		now:      opts.Clock,
		log:      opts.Logger,
	}
	if p.name == "" {
		p.name = "default"
	}
	if p.duration <= 0 {
		p.duration = DefaultDuration
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Duration returns the configured degradation window.
func (p *Policy) Duration() time.Duration { return p.duration }

// Activate enters degraded mode. Activating while already degraded restarts
// the window and still counts as a trigger.
func (p *Policy) Activate(reason string) {
	p.mu.Lock()
	p.active = true
	p.activatedAt = p.now()
	p.triggerCount++
	count := p.triggerCount
	metrics.SetDegraded(p.name, true)
	p.mu.Unlock()

	metrics.IncDegradationTrigger(p.name)
	p.log.Warn("Degraded mode activated", "policy", p.name, "reason", reason, "triggers", count)
	p.log.Info("Degraded mode will last", "policy", p.name, "duration", p.duration)
}

// Deactivate returns to normal mode unconditionally.
func (p *Policy) Deactivate() {
	p.mu.Lock()
	p.deactivateLocked()
	p.mu.Unlock()

	p.log.Info("Degraded mode deactivated", "policy", p.name)
}

// deactivateLocked clears degraded mode. p.mu must be held so the gauge
// cannot disagree with a concurrent Activate.
func (p *Policy) deactivateLocked() {
	p.active = false
	p.activatedAt = time.Time{}
	metrics.SetDegraded(p.name, false)
}

// Tick expires degraded mode once the window has elapsed and returns the
// resulting mode. State never expires on read alone; call Tick first.
func (p *Policy) Tick(now time.Time) Mode {
	p.mu.Lock()
	expired := p.active && (p.activatedAt.IsZero() || now.Sub(p.activatedAt) >= p.duration)
	if expired {
		p.deactivateLocked()
	}
	mode := p.modeLocked()
	p.mu.Unlock()

	if expired {
		p.log.Info("Degraded mode deactivated", "policy", p.name)
	}
	return mode
}

// Active ticks with the policy clock and reports whether degraded mode holds.
func (p *Policy) Active() bool {
	return p.Tick(p.now()) == ModeDegraded
}

// Mode returns the current mode without expiring it.
func (p *Policy) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modeLocked()
}

func (p *Policy) modeLocked() Mode {
	if p.active {
		return ModeDegraded
	}
	return ModeNormal
}

// Handle classifies sig and activates degraded mode when warranted.
func (p *Policy) Handle(sig Signal) Action {
	action := Classify(sig)
	switch action {
	case TriggerDegradation:
		reason := "throttle indicator"
		if sig.Status == 429 {
			reason = "throttle indicator with status 429"
		}
		p.Activate(reason)
	case SoftThrottle:
		p.log.Info("Upstream rate limit - backing off normally", "policy", p.name)
	default:
		if sig.Status == 403 {
			p.log.Warn("Permission denied", "policy", p.name, "message", sig.Message)
		}
	}
	return action
}

// HandleError is Handle for an error value.
func (p *Policy) HandleError(err error) Action {
	if err == nil {
		return Ignore
	}
	return p.Handle(SignalFromError(err))
}

// Status is a point-in-time view of the policy.
type Status struct {
	Mode         Mode     `json:"mode"`
	Elapsed      *float64 `json:"elapsed_seconds,omitempty"`
	Remaining    *float64 `json:"remaining_seconds,omitempty"`
	TriggerCount int      `json:"trigger_count"`
}

// Status reports the policy state at now. Elapsed and Remaining are set only
// while degraded; Remaining never goes below zero.
func (p *Policy) Status(now time.Time) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Mode: ModeNormal, TriggerCount: p.triggerCount}
	if !p.active {
		return st
	}
	st.Mode = ModeDegraded
	var elapsed float64
	if !p.activatedAt.IsZero() {
		elapsed = now.Sub(p.activatedAt).Seconds()
	}
	remaining := p.duration.Seconds() - elapsed
	if remaining < 0 {
		remaining = 0
	}
	st.Elapsed = &elapsed
	st.Remaining = &remaining
	return st
}
