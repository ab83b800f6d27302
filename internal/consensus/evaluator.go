package consensus

import (
	"errors"
	"math"
	"sort"
)

// Tier classifies a consensus score.
type Tier int

const (
	TierInformational Tier = iota // [0,4)
	TierModerate                  // [4,7)
	TierImportant                 // [7,9), blocks merge
	TierCritical                  // [9,∞), blocks merge and escalates
)

func (t Tier) String() string {
	switch t {
	case TierModerate:
		return "moderate"
	case TierImportant:
		return "important"
	case TierCritical:
		return "critical"
	}
	return "informational"
}

// ParseTier converts a tier name back to a Tier.
func ParseTier(s string) (Tier, bool) {
	for _, t := range []Tier{TierInformational, TierModerate, TierImportant, TierCritical} {
		if t.String() == s {
			return t, true
		}
	}
	return TierInformational, false
}

// Blocks reports whether the tier prevents merging.
func (t Tier) Blocks() bool { return t >= TierImportant }

// Escalates reports whether the tier requires human escalation.
func (t Tier) Escalates() bool { return t == TierCritical }

// TierFor maps a score to its tier. Lower bounds are inclusive.
func TierFor(score float64) Tier {
	switch {
	case score >= 9:
		return TierCritical
	case score >= 7:
		return TierImportant
	case score >= 4:
		return TierModerate
	}
	return TierInformational
}

// Cluster is a set of findings sharing a fingerprint.
type Cluster struct {
	Fingerprint  Fingerprint
	Findings     []Finding
	Severity     float64 // Max over members
	Confidence   float64 // Max over members
	Descriptions []string
	Reviewers    []string
	K            int     // Distinct reviewers
	Relevance    float64 // Severity * Confidence / 10
}

// Result is the outcome of one evaluation.
type Result struct {
	Score      float64
	Tier       Tier
	Clusters   []Cluster // In fingerprint order
	Mean       float64   // Mean relevance over clusters
	Max        float64   // Highest relevance
	KMax       int       // Distinct reviewers on the dominant cluster
	Dominant   *Fingerprint
	MPRApplied bool
	Rejected   []string // Reviewers whose output was malformed
	Malformed  error    // Joined *MalformedFindingError values
}

// Weights of the consensus score.
const (
	weightMean      = 0.5
	weightAgreement = 0.3
	weightMax       = 0.2
)

// Defaults for the minority protection rule.
const (
	DefaultMPRThreshold = 8.5
	mprScale            = 0.7
	mprOffset           = 2.0
)

// DefaultHighStakesDomains are reviewer domains whose severe findings
// trigger the minority protection rule.
var DefaultHighStakesDomains = []string{"security", "reliability"}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	PoolSize     int               // Configured reviewer count n (min 1)
	Domains      map[string]string // Reviewer ID -> domain
	HighStakes   []string          // Defaults to DefaultHighStakesDomains
	MPRThreshold float64           // Defaults to DefaultMPRThreshold
}

// Evaluator scores findings. It holds no mutable state.
type Evaluator struct {
	poolSize     int
	domains      map[string]string
	highStakes   map[string]bool
	mprThreshold float64
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.HighStakes == nil {
		cfg.HighStakes = DefaultHighStakesDomains
	}
	if cfg.MPRThreshold <= 0 {
		cfg.MPRThreshold = DefaultMPRThreshold
	}

	e := &Evaluator{
		poolSize:     cfg.PoolSize,
		domains:      make(map[string]string, len(cfg.Domains)),
		highStakes:   make(map[string]bool, len(cfg.HighStakes)),
		mprThreshold: cfg.MPRThreshold,
	}
	for id, domain := range cfg.Domains {
		e.domains[id] = domain
	}
	for _, d := range cfg.HighStakes {
		e.highStakes[d] = true
	}
	return e
}

// PoolSize returns n.
func (e *Evaluator) PoolSize() int { return e.poolSize }

// Evaluate scores findings. The result does not depend on input order.
func (e *Evaluator) Evaluate(findings []Finding) Result {
	valid, rejected, malformed := e.ingest(findings)
	clusters := cluster(valid)

	result := Result{
		Clusters:  clusters,
		Rejected:  rejected,
		Malformed: malformed,
	}
	if len(clusters) == 0 {
		result.Tier = TierInformational
		return result
	}

	sum := 0.0
	dominant := 0
	for i, c := range clusters {
		sum += c.Relevance
		d := clusters[dominant]
		// Clusters are in fingerprint order, so the first one wins ties.
		if c.Relevance > d.Relevance || (c.Relevance == d.Relevance && c.K > d.K) {
			dominant = i
		}
	}

	result.Mean = sum / float64(len(clusters))
	result.Max = clusters[dominant].Relevance
	result.KMax = clusters[dominant].K
	fp := clusters[dominant].Fingerprint
	result.Dominant = &fp

	n := float64(e.poolSize)
	result.Score = weightMean*result.Mean +
		weightAgreement*result.Mean*(float64(result.KMax)/n) +
		weightMax*result.Max

	if result.Max >= e.mprThreshold && e.highStakesAtMax(clusters, result.Max) {
		result.MPRApplied = true
		result.Score = math.Max(result.Score, mprScale*result.Max+mprOffset)
	}

	result.Tier = TierFor(result.Score)
	return result
}

// ingest validates findings. Any malformed finding discards every finding
// from the same reviewer.
func (e *Evaluator) ingest(findings []Finding) ([]Finding, []string, error) {
	bad := make(map[string]bool)
	var errs []error
	normalized := make([]Finding, len(findings))
	for i, f := range findings {
		normalized[i] = f.normalized()
	}
	findings = normalized
	for _, f := range findings {
		if err := Validate(f); err != nil {
			bad[f.ReviewerID] = true
			errs = append(errs, err)
		}
	}

	valid := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if !bad[f.ReviewerID] {
			valid = append(valid, f)
		}
	}

	var rejected []string
	for id := range bad {
		rejected = append(rejected, id)
	}
	sort.Strings(rejected)

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return valid, rejected, errors.Join(errs...)
}

func (e *Evaluator) highStakesAtMax(clusters []Cluster, max float64) bool {
	for _, c := range clusters {
		if c.Relevance != max {
			continue
		}
		for _, id := range c.Reviewers {
			if e.highStakes[e.domains[id]] {
				return true
			}
		}
	}
	return false
}

// cluster groups findings by fingerprint. Members are sorted so that every
// derived field is independent of input order.
func cluster(findings []Finding) []Cluster {
	groups := make(map[Fingerprint][]Finding)
	for _, f := range findings {
		fp := FingerprintOf(f)
		groups[fp] = append(groups[fp], f)
	}

	clusters := make([]Cluster, 0, len(groups))
	for fp, members := range groups {
		sort.Slice(members, func(i, j int) bool { return findingLess(members[i], members[j]) })

		c := Cluster{Fingerprint: fp, Findings: members}
		seenDesc := make(map[string]bool)
		seenReviewer := make(map[string]bool)
		for _, f := range members {
			c.Severity = math.Max(c.Severity, f.Severity)
			c.Confidence = math.Max(c.Confidence, f.Confidence)
			if f.Description != "" && !seenDesc[f.Description] {
				seenDesc[f.Description] = true
				c.Descriptions = append(c.Descriptions, f.Description)
			}
			if !seenReviewer[f.ReviewerID] {
				seenReviewer[f.ReviewerID] = true
				c.Reviewers = append(c.Reviewers, f.ReviewerID)
			}
		}
		sort.Strings(c.Reviewers)
		c.K = len(c.Reviewers)
		c.Relevance = c.Severity * c.Confidence / 10
		clusters = append(clusters, c)
	}

	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Fingerprint.Less(clusters[j].Fingerprint)
	})
	return clusters
}

func findingLess(a, b Finding) bool {
	switch {
	case a.ReviewerID != b.ReviewerID:
		return a.ReviewerID < b.ReviewerID
	case a.LineStart != b.LineStart:
		return a.LineStart < b.LineStart
	case a.LineEnd != b.LineEnd:
		return a.LineEnd < b.LineEnd
	case a.Severity != b.Severity:
		return a.Severity < b.Severity
	case a.Confidence != b.Confidence:
		return a.Confidence < b.Confidence
	}
	return a.Description < b.Description
}
