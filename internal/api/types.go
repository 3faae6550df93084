package api

import "time"

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// UndeployRequest is the JSON body for POST /undeploy.
type UndeployRequest struct {
	Suffix string `json:"suffix"`
}

// UndeployResponse acknowledges an undeploy.
type UndeployResponse struct {
	Suffix string `json:"suffix"`
}

// ValidateResponse is returned by GET /validate.
type ValidateResponse struct {
	Status string `json:"status"`
	Data   bool   `json:"data"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	HostID        string `json:"host_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
	Applications  int    `json:"applications"`
}

// WorkerView describes one live worker in GET /inspect.
type WorkerView struct {
	ID           string    `json:"id"`
	PID          int       `json:"pid"`
	DeploymentID string    `json:"deployment_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
}
