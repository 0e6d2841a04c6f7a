package client

import "time"

// Status mirrors the supervisor status returned by GET {base}/status.
type Status struct {
	Name      string         `json:"name"`
	State     string         `json:"state"`
	Running   bool           `json:"running"`
	PID       int            `json:"pid,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Restart   RestartStatus  `json:"restart"`
	Liveness  LivenessStatus `json:"liveness"`
	Usage     *Usage         `json:"usage,omitempty"`
}

type RestartStatus struct {
	RestartCount  int           `json:"restart_count"`
	MaxRestarts   int           `json:"max_restarts"`
	Cooldown      time.Duration `json:"cooldown"`
	LastRestartAt time.Time     `json:"last_restart_at,omitempty"`
}

type LivenessStatus struct {
	Present       bool     `json:"present"`
	LastHeartbeat string   `json:"last_heartbeat,omitempty"`
	AgeSeconds    *float64 `json:"age_seconds,omitempty"`
	Stale         bool     `json:"stale"`
}

type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Health is the body of GET {base}/healthz.
type Health struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Stale   bool   `json:"stale"`
}

// Degradation mirrors the degradation policy status.
type Degradation struct {
	Mode         string   `json:"mode"`
	Elapsed      *float64 `json:"elapsed_seconds,omitempty"`
	Remaining    *float64 `json:"remaining_seconds,omitempty"`
	TriggerCount int      `json:"trigger_count"`
}

// Signal reports a failure seen by the worker.
type Signal struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// SignalResult is the classification of a reported Signal.
type SignalResult struct {
	Action string      `json:"action"`
	Status Degradation `json:"status"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
