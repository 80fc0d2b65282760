package api

import (
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/session"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/state"
)

// InjectResponse is returned by POST /api/v1/input.
type InjectResponse struct {
	Status string `json:"status"`
}

// SessionsResponse is returned by GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions     []session.Session `json:"sessions"`
	ActiveCounts map[string]int    `json:"active_counts"`
}

// QueueResponse is returned by GET /api/v1/queue.
type QueueResponse struct {
	CurrentState string       `json:"current_state"`
	CurrentItem  *state.Item  `json:"current_item,omitempty"`
	Pending      []state.Item `json:"pending"`
	Depth        int          `json:"depth"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// VersionResponse is returned by GET /api/v1/version.
type VersionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
