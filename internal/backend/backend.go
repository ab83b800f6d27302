// Package backend adapts external commands to the worker and reviewer
// interfaces. Every adapter runs one subprocess per invocation in its own
// process group.
package backend

import (
	"fmt"

	"github.com/aristath/gatekeeper/internal/consensus"
)

// NewReviewers creates one CommandReviewer per config, in order. IDs must be
// unique.
func NewReviewers(cfgs []ReviewerConfig, pm *ProcessManager) ([]consensus.Reviewer, error) {
	seen := make(map[string]bool, len(cfgs))
	reviewers := make([]consensus.Reviewer, 0, len(cfgs))
	for _, cfg := range cfgs {
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate reviewer ID %q", cfg.ID)
		}
		seen[cfg.ID] = true

		r, err := NewCommandReviewer(cfg, pm)
		if err != nil {
			return nil, err
		}
		reviewers = append(reviewers, r)
	}
	return reviewers, nil
}
