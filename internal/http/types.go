package http

import "time"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	// Degraded lists components that are running in a reduced mode, such
	// as telemetry whose exporter failed.
	Degraded []string `json:"degraded,omitempty"`
}

// ProvidersResponse is the response body for GET /api/v1/providers.
type ProvidersResponse struct {
	Providers []ProviderStatus `json:"providers"`
}

// ProviderStatus is one provider in fallback order.
type ProviderStatus struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Model        string     `json:"model,omitempty"`
	Priority     int        `json:"priority"`
	State        string     `json:"state"`
	CoolingUntil *time.Time `json:"cooling_until,omitempty"`
}
