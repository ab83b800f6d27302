// Package budget partitions a fixed content budget across concurrent
// consumers (reviewers) and condenses content that does not fit its slice.
package budget

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Measure returns the size of content in budget units.
type Measure func(content string) int

// ApproxTokens estimates tokens as one per four runes, rounded up.
func ApproxTokens(content string) int {
	return (utf8.RuneCountInString(content) + 3) / 4
}

// Overhead is reserved off the top of every allocation.
type Overhead struct {
	Instructions     int // Reviewer identity and instruction content
	ResponseHeadroom int // Room left for the reviewer's answer
}

// Total returns the combined overhead.
func (o Overhead) Total() int {
	return o.Instructions + o.ResponseHeadroom
}

// Consumer is one party sharing the budget.
type Consumer struct {
	ID      string
	Content string
	Kind    Kind // KindAuto detects from content
}

// Slice is what one consumer received.
type Slice struct {
	ConsumerID string
	Budget     int    // Allocated units
	Content    string // Content, condensed when it did not fit
	Size       int    // Measured size of Content
	Condensed  bool
	OverBudget bool // Content could not be brought within Budget
}

// Allocation is the result of one Allocate call.
type Allocation struct {
	Total    int
	Reserved int     // Overhead actually reserved (never more than Total)
	Slices   []Slice // In consumer order
}

// Allocated returns the reserved overhead plus every slice's budget.
func (a *Allocation) Allocated() int {
	n := a.Reserved
	for _, s := range a.Slices {
		n += s.Budget
	}
	return n
}

// Get returns the slice for a consumer.
func (a *Allocation) Get(consumerID string) (Slice, bool) {
	for _, s := range a.Slices {
		if s.ConsumerID == consumerID {
			return s, true
		}
	}
	return Slice{}, false
}

// OverBudget returns the IDs of consumers whose content did not fit.
func (a *Allocation) OverBudget() []string {
	var ids []string
	for _, s := range a.Slices {
		if s.OverBudget {
			ids = append(ids, s.ConsumerID)
		}
	}
	return ids
}

// ErrNegativeBudget is returned by Allocate for a negative total.
var ErrNegativeBudget = errors.New("budget must not be negative")

// Allocator splits budgets. It is stateless and safe for concurrent use.
type Allocator struct {
	overhead Overhead
	measure  Measure
}

// NewAllocator creates an Allocator. A nil measure uses ApproxTokens.
func NewAllocator(overhead Overhead, measure Measure) *Allocator {
	if measure == nil {
		measure = ApproxTokens
	}
	return &Allocator{overhead: overhead, measure: measure}
}

// Measure returns the allocator's size function.
func (a *Allocator) Measure() Measure {
	return a.measure
}

// Allocate reserves the overhead, splits the remainder evenly (rounding
// down) across consumers, and condenses any content larger than its slice.
// Consumers are never dropped: content that cannot be condensed enough is
// flagged OverBudget. The reserved overhead plus all slices never exceeds
// total.
func (a *Allocator) Allocate(total int, consumers []Consumer) (*Allocation, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeBudget, total)
	}
	seen := make(map[string]bool, len(consumers))
	for _, c := range consumers {
		if c.ID == "" {
			return nil, errors.New("consumer ID must not be empty")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate consumer ID %q", c.ID)
		}
		seen[c.ID] = true
	}

	reserved := min(max(a.overhead.Total(), 0), total)
	alloc := &Allocation{
		Total:    total,
		Reserved: reserved,
		Slices:   make([]Slice, 0, len(consumers)),
	}
	if len(consumers) == 0 {
		return alloc, nil
	}

	per := (total - reserved) / len(consumers)
	for _, c := range consumers {
		alloc.Slices = append(alloc.Slices, a.fit(c, per))
	}
	return alloc, nil
}

func (a *Allocator) fit(c Consumer, budget int) Slice {
	s := Slice{ConsumerID: c.ID, Budget: budget, Content: c.Content}
	s.Size = a.measure(c.Content)
	if s.Size <= budget {
		return s
	}

	content, fits := Condense(c.Content, c.Kind, budget, a.measure)
	s.Content = content
	s.Size = a.measure(content)
	s.Condensed = true
	s.OverBudget = !fits
	return s
}
