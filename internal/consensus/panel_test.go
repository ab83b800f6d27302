package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/gatekeeper/internal/budget"
)

type stubReviewer struct {
	id       string
	domain   string
	findings []Finding
	errs     []error // Returned in order before findings

	mu    sync.Mutex
	calls int
	seen  []string
}

func (r *stubReviewer) ID() string     { return r.id }
func (r *stubReviewer) Domain() string { return r.domain }

func (r *stubReviewer) Review(ctx context.Context, diff string) ([]Finding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.seen = append(r.seen, diff)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return nil, err
	}
	return r.findings, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestNewPanelValidatesReviewers(t *testing.T) {
	_, err := NewPanel(PanelConfig{}, nil, nil)
	assert.Error(t, err)

	_, err = NewPanel(PanelConfig{}, []Reviewer{&stubReviewer{id: "a"}, &stubReviewer{id: "a"}}, nil)
	assert.ErrorContains(t, err, "duplicate")
}

func TestPanelScoresAllReviewers(t *testing.T) {
	sec := &stubReviewer{id: "sec", domain: "security", findings: []Finding{
		{Severity: 10, Confidence: 10, Category: "injection", File: "auth.go", LineStart: 3, LineEnd: 4},
	}}
	style := &stubReviewer{id: "style", domain: "style"}
	perf := &stubReviewer{id: "perf", domain: "performance"}

	panel, err := NewPanel(PanelConfig{Retry: fastRetry()}, []Reviewer{sec, style, perf}, nil)
	require.NoError(t, err)

	verdict, err := panel.Review(context.Background(), "diff --git a/auth.go b/auth.go\n")
	require.NoError(t, err)

	assert.Equal(t, TierCritical, verdict.Tier)
	assert.True(t, verdict.MPRApplied)
	require.Len(t, verdict.Clusters, 1)
	assert.Equal(t, []string{"sec"}, verdict.Clusters[0].Reviewers, "findings are attributed to the reviewer that returned them")
	assert.Empty(t, verdict.Unavailable)
}

func TestPanelRetriesTransientErrors(t *testing.T) {
	flaky := &stubReviewer{id: "flaky", errs: []error{errors.New("temporary"), errors.New("temporary")}}

	panel, err := NewPanel(PanelConfig{Retry: fastRetry()}, []Reviewer{flaky}, nil)
	require.NoError(t, err)

	verdict, err := panel.Review(context.Background(), "diff")
	require.NoError(t, err)
	assert.Equal(t, TierInformational, verdict.Tier)
	assert.Equal(t, 3, flaky.calls)
}

func TestPanelFailingReviewerContributesNothing(t *testing.T) {
	broken := &stubReviewer{id: "broken", errs: make([]error, 100)}
	for i := range broken.errs {
		broken.errs[i] = errors.New("backend down")
	}
	ok := &stubReviewer{id: "ok", findings: []Finding{
		{Severity: 2, Confidence: 5, Category: "style", File: "a.go"},
	}}

	panel, err := NewPanel(PanelConfig{Retry: fastRetry()}, []Reviewer{broken, ok}, nil)
	require.NoError(t, err)

	verdict, err := panel.Review(context.Background(), "diff")
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, verdict.Unavailable)
	assert.Contains(t, verdict.Errors["broken"], "backend down")
	require.Len(t, verdict.Clusters, 1)
}

func TestPanelNoValidReviews(t *testing.T) {
	bad := &stubReviewer{id: "bad", findings: []Finding{
		{Severity: 42, Confidence: 5, Category: "bug", File: "a.go"},
	}}
	down := &stubReviewer{id: "down", errs: make([]error, 100)}
	for i := range down.errs {
		down.errs[i] = errors.New("unreachable")
	}

	panel, err := NewPanel(PanelConfig{Retry: fastRetry()}, []Reviewer{bad, down}, nil)
	require.NoError(t, err)

	verdict, err := panel.Review(context.Background(), "diff")
	require.ErrorIs(t, err, ErrNoValidReviews)
	require.NotNil(t, verdict)
	assert.Equal(t, []string{"bad"}, verdict.Rejected)
	assert.Equal(t, []string{"down"}, verdict.Unavailable)

	var malformed *MalformedFindingError
	assert.ErrorAs(t, err, &malformed)
}

func TestPanelCondensesToBudget(t *testing.T) {
	r1 := &stubReviewer{id: "r1"}
	r2 := &stubReviewer{id: "r2"}
	diff := "diff --git a/big.txt b/big.txt\n--- a/big.txt\n+++ b/big.txt\n@@ -1,1 +1,400 @@\n" +
		strings.Repeat("+filler line of text\n", 400)

	panel, err := NewPanel(PanelConfig{
		Budget:   400,
		Overhead: budget.Overhead{Instructions: 50, ResponseHeadroom: 50},
		Retry:    fastRetry(),
	}, []Reviewer{r1, r2}, nil)
	require.NoError(t, err)

	_, err = panel.Review(context.Background(), diff)
	require.NoError(t, err)

	for _, r := range []*stubReviewer{r1, r2} {
		require.Len(t, r.seen, 1)
		assert.LessOrEqual(t, budget.ApproxTokens(r.seen[0]), 150)
		assert.Contains(t, r.seen[0], "diff --git a/big.txt b/big.txt")
	}
}

func TestPanelCondensesGoSource(t *testing.T) {
	r1 := &stubReviewer{id: "r1"}
	r2 := &stubReviewer{id: "r2"}
	source := "package big\n\nfunc A() {\n" + strings.Repeat("\t_ = 1\n", 200) + "}\n\n" +
		"func B(n int) int {\n" + strings.Repeat("\tn++\n", 200) + "\treturn n\n}\n"

	panel, err := NewPanel(PanelConfig{
		Budget:   400,
		Overhead: budget.Overhead{Instructions: 50, ResponseHeadroom: 50},
		Retry:    fastRetry(),
	}, []Reviewer{r1, r2}, nil)
	require.NoError(t, err)

	_, err = panel.Review(context.Background(), source)
	require.NoError(t, err)

	for _, r := range []*stubReviewer{r1, r2} {
		require.Len(t, r.seen, 1)
		assert.LessOrEqual(t, budget.ApproxTokens(r.seen[0]), 150)
		assert.Contains(t, r.seen[0], "func A() {")
		assert.Contains(t, r.seen[0], "func B(n int) int {")
		assert.NotContains(t, r.seen[0], "n++")
		assert.NotContains(t, r.seen[0], budget.TruncationMarker)
	}
}

func TestPanelCancelled(t *testing.T) {
	panel, err := NewPanel(PanelConfig{Retry: fastRetry()}, []Reviewer{&stubReviewer{id: "r"}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = panel.Review(ctx, "diff")
	assert.ErrorIs(t, err, context.Canceled)
}
