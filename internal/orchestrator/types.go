package orchestrator

import "sync"

// Status values used across BootstrapResult and PhaseResult.
const (
	StatusOK         = "ok"
	StatusError      = "error"
	StatusInProgress = "in-progress"
	StatusSkipped    = "skipped"
)

// Phase names, in execution order.
const (
	PhaseDatabase       = "database"
	PhaseLock           = "lock"
	PhaseMigrate        = "migrate"
	PhaseProvisionAdmin = "provision_admin"
	PhaseEvents         = "events"
)

// BootstrapResult is the aggregate result of a full bootstrap run.
// Callers must hold the mutex before marshalling a result that may still
// be written to.
type BootstrapResult struct {
	sync.Mutex
	Status string                 `json:"status"` // "ok", "error", "in-progress"
	Mode   string                 `json:"mode"`
	Phases map[string]PhaseResult `json:"phases"`
}

// PhaseResult represents the outcome of a single bootstrap phase.
type PhaseResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "ok", "error", "skipped"
	Optional bool   `json:"optional,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProbeResult is returned by RunDeepHealth for each dependency.
type ProbeResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Event is a bootstrap lifecycle notification handed to an EventPublisher.
type Event struct {
	Type    string            `json:"type"`
	Mode    string            `json:"mode"`
	Status  string            `json:"status"`
	Host    string            `json:"host,omitempty"`
	Phases  map[string]string `json:"phases,omitempty"`
	Created int64             `json:"created"`
}

// AdminSpec describes the administrative account provisioned in full mode.
type AdminSpec struct {
	Username           string
	Email              string
	Password           string
	MustChangePassword bool
}
