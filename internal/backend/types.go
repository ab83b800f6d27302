package backend

import "time"

// WorkerConfig defines the subprocess that performs tasks.
type WorkerConfig struct {
	Command []string          // argv; run inside the workspace
	Env     map[string]string // Extra environment
}

// ReviewerConfig defines one reviewer subprocess.
type ReviewerConfig struct {
	ID      string
	Domain  string            // e.g. "security", "style"
	Command []string          // argv; diff on stdin, JSON findings on stdout
	Env     map[string]string // Extra environment
	Timeout time.Duration     // Per-invocation limit; 0 inherits the caller's context
}

// Environment variables exported to worker subprocesses.
const (
	EnvTaskID      = "GATEKEEPER_TASK_ID"
	EnvTaskName    = "GATEKEEPER_TASK_NAME"
	EnvTaskPayload = "GATEKEEPER_TASK_PAYLOAD"
	EnvWorkspace   = "GATEKEEPER_WORKSPACE"
	EnvBaseRev     = "GATEKEEPER_BASE_REVISION"
	EnvReviewerID  = "GATEKEEPER_REVIEWER_ID"
	EnvDomain      = "GATEKEEPER_REVIEWER_DOMAIN"
)
