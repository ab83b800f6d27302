// Package consensus turns heterogeneous reviewer findings into a single
// deterministic score and tier that gate merging.
package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Finding is one issue reported by one reviewer.
type Finding struct {
	ReviewerID  string  `json:"reviewer_id" yaml:"reviewer_id" validate:"required"`
	Severity    float64 `json:"severity" yaml:"severity" validate:"gte=0,lte=10"`
	Confidence  float64 `json:"confidence" yaml:"confidence" validate:"gte=0,lte=10"`
	Category    string  `json:"category" yaml:"category" validate:"required"`
	File        string  `json:"file" yaml:"file" validate:"required"`
	LineStart   int     `json:"line_start" yaml:"line_start" validate:"gte=0"`
	LineEnd     int     `json:"line_end" yaml:"line_end" validate:"gtefield=LineStart"`
	Description string  `json:"description" yaml:"description"`

	absent absentFields // Required keys missing from decoded input
}

type absentFields uint8

const (
	absentSeverity absentFields = 1 << iota
	absentConfidence
)

// ErrMissingField is wrapped by a MalformedFindingError for a decoded finding
// that omitted severity or confidence.
var ErrMissingField = errors.New("required field missing")

// UnmarshalJSON decodes a finding, recording whether severity and confidence
// were present. A missing line_end means a single-line finding.
func (f *Finding) UnmarshalJSON(data []byte) error {
	type plain Finding
	var raw struct {
		plain
		Severity   *float64 `json:"severity"`
		Confidence *float64 `json:"confidence"`
		LineEnd    *int     `json:"line_end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = Finding(raw.plain)
	f.absent = 0
	if raw.Severity != nil {
		f.Severity = *raw.Severity
	} else {
		f.absent |= absentSeverity
	}
	if raw.Confidence != nil {
		f.Confidence = *raw.Confidence
	} else {
		f.absent |= absentConfidence
	}
	if raw.LineEnd != nil {
		f.LineEnd = *raw.LineEnd
	} else {
		f.LineEnd = f.LineStart
	}
	return nil
}

// normalized returns f with an unset LineEnd collapsed onto LineStart.
func (f Finding) normalized() Finding {
	if f.LineEnd == 0 {
		f.LineEnd = f.LineStart
	}
	return f
}

// Relevance is severity weighted by confidence, in [0,10].
func (f Finding) Relevance() float64 {
	return f.Severity * f.Confidence / 10
}

// LineBucketSize groups nearby lines into the same fingerprint.
const LineBucketSize = 3

// Fingerprint identifies findings that describe the same issue.
type Fingerprint struct {
	File     string
	Bucket   int // LineStart / LineBucketSize
	Category string
}

// FingerprintOf returns the fingerprint of f.
func FingerprintOf(f Finding) Fingerprint {
	return Fingerprint{
		File:     f.File,
		Bucket:   f.LineStart / LineBucketSize,
		Category: f.Category,
	}
}

// Less orders fingerprints by file, bucket, then category.
func (fp Fingerprint) Less(other Fingerprint) bool {
	if fp.File != other.File {
		return fp.File < other.File
	}
	if fp.Bucket != other.Bucket {
		return fp.Bucket < other.Bucket
	}
	return fp.Category < other.Category
}

func (fp Fingerprint) String() string {
	return fmt.Sprintf("%s:%d:%s", fp.File, fp.Bucket, fp.Category)
}

// MalformedFindingError reports a finding that failed validation.
type MalformedFindingError struct {
	ReviewerID string
	Finding    Finding
	Fields     []string // Fields that failed validation
	Err        error
}

func (e *MalformedFindingError) Error() string {
	reviewer := e.ReviewerID
	if reviewer == "" {
		reviewer = "<unknown>"
	}
	return fmt.Sprintf("malformed finding from reviewer %s (%s): invalid %s",
		reviewer, e.Finding.File, strings.Join(e.Fields, ", "))
}

func (e *MalformedFindingError) Unwrap() error {
	return e.Err
}

// findingValidator is shared; validator.Validate caches struct metadata and
// is safe for concurrent use.
var findingValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks f against its field constraints. Severity and confidence
// must have been present when f was decoded.
func Validate(f Finding) error {
	f = f.normalized()
	err := findingValidator.Struct(f)

	var fields []string
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			fields = append(fields, fe.Field())
		}
	}
	var missing []string
	if f.absent&absentSeverity != 0 {
		missing = append(missing, "Severity")
	}
	if f.absent&absentConfidence != 0 {
		missing = append(missing, "Confidence")
	}
	if len(missing) > 0 {
		err = errors.Join(err, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", ")))
		fields = append(fields, missing...)
	}
	if err == nil {
		return nil
	}
	return &MalformedFindingError{ReviewerID: f.ReviewerID, Finding: f, Fields: fields, Err: err}
}
