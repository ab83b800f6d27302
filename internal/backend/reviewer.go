package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/gatekeeper/internal/consensus"
)

// CommandReviewer runs a configured command with the diff on stdin and
// decodes the findings it prints on stdout.
type CommandReviewer struct {
	config  ReviewerConfig
	procMgr *ProcessManager
}

// reviewerResponse is the wrapped output form: {"findings": [...]}. A bare
// JSON array of findings is accepted too.
type reviewerResponse struct {
	Findings []consensus.Finding `json:"findings"`
}

// NewCommandReviewer creates a CommandReviewer. pm may be nil.
func NewCommandReviewer(cfg ReviewerConfig, pm *ProcessManager) (*CommandReviewer, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("reviewer ID must not be empty")
	}
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("reviewer %q: command must not be empty", cfg.ID)
	}
	return &CommandReviewer{config: cfg, procMgr: pm}, nil
}

func (r *CommandReviewer) ID() string     { return r.config.ID }
func (r *CommandReviewer) Domain() string { return r.config.Domain }

// Review runs the reviewer command. Every returned finding is attributed to
// this reviewer.
func (r *CommandReviewer) Review(ctx context.Context, diff string) ([]consensus.Finding, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	env := append(envList(r.config.Env),
		EnvReviewerID+"="+r.config.ID,
		EnvDomain+"="+r.config.Domain,
	)
	out, err := Run(ctx, r.procMgr, Command{
		Name:  r.config.Command[0],
		Args:  r.config.Command[1:],
		Env:   env,
		Stdin: bytes.NewReader([]byte(diff)),
	})
	if err != nil {
		return nil, fmt.Errorf("reviewer %s failed: %w", r.config.ID, err)
	}

	findings, err := parseFindings(out.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse output of reviewer %s: %w (stderr: %s)", r.config.ID, err, string(out.Stderr))
	}
	for i := range findings {
		findings[i].ReviewerID = r.config.ID
	}
	return findings, nil
}

// parseFindings decodes either a JSON array of findings or an object with a
// "findings" field. Empty output means no findings.
func parseFindings(data []byte) ([]consensus.Finding, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var findings []consensus.Finding
		if err := json.Unmarshal(data, &findings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		return findings, nil
	}

	var resp reviewerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return resp.Findings, nil
}
