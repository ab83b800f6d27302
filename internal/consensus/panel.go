package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/gatekeeper/internal/budget"
	"github.com/aristath/gatekeeper/internal/logging"
)

// Reviewer inspects a diff and reports findings.
type Reviewer interface {
	ID() string
	Domain() string
	Review(ctx context.Context, diff string) ([]Finding, error)
}

// ErrNoValidReviews is returned when every reviewer failed or was rejected.
// It never implies approval.
var ErrNoValidReviews = errors.New("no reviewer returned a valid review")

// PanelConfig configures a Panel.
type PanelConfig struct {
	Budget       int             // Total content budget shared by reviewers; 0 disables condensing
	Overhead     budget.Overhead // Reserved before splitting Budget
	Timeout      time.Duration   // Per-reviewer limit; 0 disables
	Retry        RetryConfig
	HighStakes   []string // Domains triggering the minority protection rule
	MPRThreshold float64
}

// Verdict is the outcome of one panel review.
type Verdict struct {
	Result
	Unavailable []string          // Reviewers that errored
	Errors      map[string]string // Reviewer ID -> error text
	OverBudget  []string          // Reviewers whose content could not fit its slice
}

// Panel runs every reviewer concurrently on a diff and scores the result.
type Panel struct {
	config    PanelConfig
	reviewers []Reviewer
	evaluator *Evaluator
	allocator *budget.Allocator
	breakers  *BreakerRegistry
	logger    *logging.Logger
}

// NewPanel creates a Panel. Reviewer IDs must be unique and non-empty.
func NewPanel(cfg PanelConfig, reviewers []Reviewer, logger *logging.Logger) (*Panel, error) {
	if len(reviewers) == 0 {
		return nil, errors.New("panel needs at least one reviewer")
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	domains := make(map[string]string, len(reviewers))
	for _, r := range reviewers {
		if r.ID() == "" {
			return nil, errors.New("reviewer ID must not be empty")
		}
		if _, dup := domains[r.ID()]; dup {
			return nil, fmt.Errorf("duplicate reviewer ID %q", r.ID())
		}
		domains[r.ID()] = r.Domain()
	}

	logger = logging.OrNop(logger).WithComponent("review_panel")
	return &Panel{
		config:    cfg,
		reviewers: reviewers,
		evaluator: NewEvaluator(EvaluatorConfig{
			PoolSize:     len(reviewers),
			Domains:      domains,
			HighStakes:   cfg.HighStakes,
			MPRThreshold: cfg.MPRThreshold,
		}),
		allocator: budget.NewAllocator(cfg.Overhead, nil),
		breakers:  NewBreakerRegistry(logger),
		logger:    logger,
	}, nil
}

// Evaluator returns the panel's evaluator.
func (p *Panel) Evaluator() *Evaluator { return p.evaluator }

// Review runs all reviewers on diff. A reviewer that errors contributes no
// findings. ErrNoValidReviews is returned when no reviewer produced a valid
// review; the Verdict is still returned for inspection.
func (p *Panel) Review(ctx context.Context, diff string) (*Verdict, error) {
	contents, overBudget, err := p.contents(diff)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		findings []Finding
		failures = make(map[string]error)
	)

	var g errgroup.Group
	for _, r := range p.reviewers {
		g.Go(func() error {
			got, err := p.call(ctx, r, contents[r.ID()])

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[r.ID()] = err
				return nil
			}
			for _, f := range got {
				f.ReviewerID = r.ID()
				findings = append(findings, f)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	verdict := &Verdict{
		Result:     p.evaluator.Evaluate(findings),
		Errors:     make(map[string]string, len(failures)),
		OverBudget: overBudget,
	}
	causes := make([]error, 0, len(failures))
	for id, err := range failures {
		verdict.Unavailable = append(verdict.Unavailable, id)
		verdict.Errors[id] = err.Error()
	}
	sort.Strings(verdict.Unavailable)
	for _, id := range verdict.Unavailable {
		causes = append(causes, fmt.Errorf("reviewer %s: %w", id, failures[id]))
	}

	valid := len(p.reviewers) - len(verdict.Unavailable) - len(verdict.Rejected)
	p.logger.Info("review complete",
		"score", verdict.Score,
		"tier", verdict.Tier.String(),
		"clusters", len(verdict.Clusters),
		"valid_reviews", valid,
		"unavailable", verdict.Unavailable,
		"rejected", verdict.Rejected,
		"mpr", verdict.MPRApplied)

	if valid <= 0 {
		if verdict.Malformed != nil {
			causes = append(causes, verdict.Malformed)
		}
		return verdict, fmt.Errorf("%w: %w", ErrNoValidReviews, errors.Join(causes...))
	}
	return verdict, nil
}

// contents condenses diff into each reviewer's budget slice. The condenser
// follows the content: diffs lose hunk bodies, Go source loses function
// bodies.
func (p *Panel) contents(diff string) (map[string]string, []string, error) {
	out := make(map[string]string, len(p.reviewers))
	if p.config.Budget <= 0 {
		for _, r := range p.reviewers {
			out[r.ID()] = diff
		}
		return out, nil, nil
	}

	consumers := make([]budget.Consumer, 0, len(p.reviewers))
	for _, r := range p.reviewers {
		consumers = append(consumers, budget.Consumer{ID: r.ID(), Content: diff, Kind: budget.KindAuto})
	}
	alloc, err := p.allocator.Allocate(p.config.Budget, consumers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to allocate review budget: %w", err)
	}
	for _, s := range alloc.Slices {
		out[s.ConsumerID] = s.Content
		if s.Condensed {
			p.logger.Debug("review content condensed",
				"reviewer_id", s.ConsumerID, "budget", s.Budget, "size", s.Size, "over_budget", s.OverBudget)
		}
	}
	over := alloc.OverBudget()
	if len(over) > 0 {
		p.logger.Warn("review content exceeds budget", "reviewers", over)
	}
	return out, over, nil
}

func (p *Panel) call(ctx context.Context, r Reviewer, content string) ([]Finding, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}
	findings, err := reviewWithRetry(ctx, r, content, p.breakers.Get(r.ID()), p.config.Retry)
	if err != nil {
		p.logger.Warn("reviewer failed", "reviewer_id", r.ID(), "error", err)
	}
	return findings, err
}
