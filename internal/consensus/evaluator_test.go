package consensus

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finding(reviewer, file string, line int, category string, sev, conf float64) Finding {
	return Finding{
		ReviewerID:  reviewer,
		Severity:    sev,
		Confidence:  conf,
		Category:    category,
		File:        file,
		LineStart:   line,
		LineEnd:     line,
		Description: category + " issue in " + file,
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{0, TierInformational},
		{3.999, TierInformational},
		{4, TierModerate},
		{6.999, TierModerate},
		{7, TierImportant},
		{8.999, TierImportant},
		{9, TierCritical},
		{10, TierCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.score), "score %v", tt.score)
	}

	assert.False(t, TierModerate.Blocks())
	assert.True(t, TierImportant.Blocks())
	assert.False(t, TierImportant.Escalates())
	assert.True(t, TierCritical.Escalates())

	tier, ok := ParseTier("important")
	require.True(t, ok)
	assert.Equal(t, TierImportant, tier)
}

func TestEvaluateEmpty(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{PoolSize: 3})

	result := e.Evaluate(nil)
	assert.Zero(t, result.Score)
	assert.Equal(t, TierInformational, result.Tier)
	assert.Empty(t, result.Clusters)
	assert.Nil(t, result.Dominant)
}

func TestEvaluateCriticalSecurityFinding(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{
		PoolSize: 3,
		Domains:  map[string]string{"sec": "security", "style": "style", "perf": "performance"},
	})

	result := e.Evaluate([]Finding{finding("sec", "auth.go", 42, "injection", 10, 10)})

	// CS = 0.5*10 + 0.3*10*(1/3) + 0.2*10 = 8.0, raised by MPR to 0.7*10+2.
	assert.True(t, result.MPRApplied)
	assert.InDelta(t, 9.0, result.Score, 1e-9)
	assert.Equal(t, TierCritical, result.Tier)
	assert.Equal(t, 1, result.KMax)
}

func TestEvaluateMPRRequiresHighStakesDomain(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{
		PoolSize: 3,
		Domains:  map[string]string{"style": "style"},
	})

	result := e.Evaluate([]Finding{finding("style", "a.go", 1, "naming", 10, 10)})
	assert.False(t, result.MPRApplied)
	assert.InDelta(t, 8.0, result.Score, 1e-9)
	assert.Equal(t, TierImportant, result.Tier)
}

func TestEvaluateClustersByFingerprint(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{PoolSize: 3})

	result := e.Evaluate([]Finding{
		finding("r1", "main.go", 30, "bug", 6, 5),
		finding("r2", "main.go", 31, "bug", 4, 9), // Same bucket
		finding("r2", "main.go", 32, "bug", 4, 9), // Same reviewer again
		finding("r3", "main.go", 33, "bug", 9, 9), // Next bucket
		finding("r3", "main.go", 30, "style", 2, 2),
	})

	require.Len(t, result.Clusters, 3)

	first := result.Clusters[0]
	assert.Equal(t, Fingerprint{File: "main.go", Bucket: 10, Category: "bug"}, first.Fingerprint)
	assert.Equal(t, 6.0, first.Severity)
	assert.Equal(t, 9.0, first.Confidence)
	assert.Equal(t, []string{"r1", "r2"}, first.Reviewers)
	assert.Equal(t, 2, first.K)
	assert.Len(t, first.Descriptions, 1)
	assert.InDelta(t, 5.4, first.Relevance, 1e-9)

	assert.Equal(t, Fingerprint{File: "main.go", Bucket: 10, Category: "style"}, result.Clusters[1].Fingerprint)
	assert.Equal(t, Fingerprint{File: "main.go", Bucket: 11, Category: "bug"}, result.Clusters[2].Fingerprint)

	assert.InDelta(t, 8.1, result.Max, 1e-9)
	assert.Equal(t, 1, result.KMax)
	require.NotNil(t, result.Dominant)
	assert.Equal(t, 11, result.Dominant.Bucket)
}

func TestEvaluateDominantTieBreaksOnAgreement(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{PoolSize: 2})

	result := e.Evaluate([]Finding{
		finding("r1", "a.go", 0, "bug", 5, 10),
		finding("r1", "b.go", 0, "bug", 5, 10),
		finding("r2", "b.go", 0, "bug", 5, 10),
	})

	require.NotNil(t, result.Dominant)
	assert.Equal(t, "b.go", result.Dominant.File)
	assert.Equal(t, 2, result.KMax)
	// 0.5*5 + 0.3*5*(2/2) + 0.2*5
	assert.InDelta(t, 5.0, result.Score, 1e-9)
}

func TestEvaluateIsOrderIndependent(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{
		PoolSize: 4,
		Domains:  map[string]string{"sec": "security"},
	})
	findings := []Finding{
		finding("sec", "auth.go", 10, "injection", 9, 10),
		finding("r1", "auth.go", 11, "injection", 7, 6),
		finding("r1", "db.go", 3, "leak", 5, 8),
		finding("r2", "db.go", 4, "leak", 6, 7),
		finding("r2", "ui.go", 100, "style", 1, 3),
		finding("r3", "ui.go", 101, "style", 2, 2),
		finding("r3", "db.go", 200, "perf", 4, 4),
	}
	want := e.Evaluate(findings)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]Finding(nil), findings...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, e.Evaluate(shuffled))
	}
}

func TestEvaluateMonotonicInDominantFinding(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{
		PoolSize: 3,
		Domains:  map[string]string{"sec": "security"},
	})
	background := []Finding{
		finding("r1", "x.go", 0, "style", 3, 5),
		finding("r2", "y.go", 0, "docs", 2, 4),
	}

	prev := -1.0
	for sev := 5.0; sev <= 10; sev += 0.5 {
		findings := append([]Finding{finding("sec", "z.go", 0, "bug", sev, 10)}, background...)
		result := e.Evaluate(findings)
		require.Equal(t, "z.go", result.Dominant.File)
		assert.GreaterOrEqual(t, result.Score, prev, "severity %v", sev)
		prev = result.Score
	}
}

func TestEvaluateMPRNeverLowersScore(t *testing.T) {
	with := NewEvaluator(EvaluatorConfig{PoolSize: 2, Domains: map[string]string{"a": "security", "b": "security"}})
	without := NewEvaluator(EvaluatorConfig{PoolSize: 2, HighStakes: []string{}})

	for sev := 0.0; sev <= 10; sev++ {
		for conf := 0.0; conf <= 10; conf += 2.5 {
			findings := []Finding{
				finding("a", "f.go", 0, "bug", sev, conf),
				finding("b", "f.go", 1, "bug", sev, conf),
				finding("b", "g.go", 9, "race", sev/2, conf),
			}
			assert.GreaterOrEqual(t, with.Evaluate(findings).Score, without.Evaluate(findings).Score)
		}
	}
}

func TestEvaluateDropsMalformedReviewer(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{PoolSize: 2})

	bad := finding("r2", "b.go", 5, "bug", 11, 10) // Severity out of range
	result := e.Evaluate([]Finding{
		finding("r1", "a.go", 1, "bug", 4, 5),
		finding("r2", "c.go", 1, "bug", 9, 9),
		bad,
	})

	assert.Equal(t, []string{"r2"}, result.Rejected)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, "a.go", result.Clusters[0].Fingerprint.File)

	var malformed *MalformedFindingError
	require.True(t, errors.As(result.Malformed, &malformed))
	assert.Equal(t, "r2", malformed.ReviewerID)
	assert.Equal(t, []string{"Severity"}, malformed.Fields)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Finding)
		field  string
	}{
		{"missing reviewer", func(f *Finding) { f.ReviewerID = "" }, "ReviewerID"},
		{"missing file", func(f *Finding) { f.File = "" }, "File"},
		{"missing category", func(f *Finding) { f.Category = "" }, "Category"},
		{"negative confidence", func(f *Finding) { f.Confidence = -1 }, "Confidence"},
		{"negative line", func(f *Finding) { f.LineStart = -3; f.LineEnd = -3 }, "LineStart"},
		{"inverted range", func(f *Finding) { f.LineStart = 10; f.LineEnd = 2 }, "LineEnd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := finding("r1", "a.go", 1, "bug", 5, 5)
			tt.mutate(&f)

			var malformed *MalformedFindingError
			require.ErrorAs(t, Validate(f), &malformed)
			assert.Contains(t, malformed.Fields, tt.field)
		})
	}

	assert.NoError(t, Validate(finding("r1", "a.go", 0, "bug", 0, 10)))
}

func TestValidateSingleLineFinding(t *testing.T) {
	f := finding("r1", "a.go", 10, "bug", 5, 5)
	f.LineEnd = 0
	assert.NoError(t, Validate(f))

	e := NewEvaluator(EvaluatorConfig{PoolSize: 1, Domains: map[string]string{"r1": "security"}})
	f.Severity, f.Confidence = 10, 10
	result := e.Evaluate([]Finding{f})
	assert.Empty(t, result.Rejected)
	require.Len(t, result.Clusters, 1)
	assert.True(t, result.MPRApplied)
	assert.GreaterOrEqual(t, result.Score, 9.0)
}

func TestDecodeFinding(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		lineEnd int
		missing []string
	}{
		{"complete", `{"severity":7,"confidence":8,"category":"bug","file":"a.go","line_start":3,"line_end":5}`, 5, nil},
		{"single line", `{"severity":10,"confidence":10,"category":"sec","file":"x","line_start":10}`, 10, nil},
		{"zero scores present", `{"severity":0,"confidence":0,"category":"nit","file":"a.go"}`, 0, nil},
		{"no severity", `{"confidence":8,"category":"bug","file":"a.go"}`, 0, []string{"Severity"}},
		{"no scores", `{"category":"bug","file":"a.go","line_start":4}`, 4, []string{"Severity", "Confidence"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Finding
			require.NoError(t, json.Unmarshal([]byte(tt.input), &f))
			f.ReviewerID = "r1"
			assert.Equal(t, tt.lineEnd, f.LineEnd)

			err := Validate(f)
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}
			var malformed *MalformedFindingError
			require.ErrorAs(t, err, &malformed)
			assert.ErrorIs(t, err, ErrMissingField)
			assert.Equal(t, tt.missing, malformed.Fields)
		})
	}
}

func TestEvaluateRejectsReviewerWithUnscoredFindings(t *testing.T) {
	e := NewEvaluator(EvaluatorConfig{PoolSize: 2})
	baseline := e.Evaluate([]Finding{finding("r1", "a.go", 1, "bug", 8, 8)})

	var unscored []Finding
	require.NoError(t, json.Unmarshal([]byte(`[
		{"category":"style","file":"b.go"},
		{"category":"style","file":"c.go"},
		{"category":"style","file":"d.go"}
	]`), &unscored))
	findings := []Finding{finding("r1", "a.go", 1, "bug", 8, 8)}
	for _, f := range unscored {
		f.ReviewerID = "r2"
		findings = append(findings, f)
	}

	result := e.Evaluate(findings)
	assert.Equal(t, []string{"r2"}, result.Rejected)
	assert.Equal(t, baseline.Score, result.Score)
	assert.Equal(t, baseline.Tier, result.Tier)
}
