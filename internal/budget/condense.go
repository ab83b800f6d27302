package budget

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strings"
)

// Kind selects the structural condenser applied before truncation.
type Kind int

const (
	KindAuto Kind = iota
	KindText
	KindGo
	KindDiff
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindGo:
		return "go"
	case KindDiff:
		return "diff"
	}
	return "auto"
}

// TruncationMarker replaces the middle of truncated content.
const TruncationMarker = "\n... [truncated] ...\n"

// DetectKind guesses the kind of content.
func DetectKind(content string) Kind {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	switch {
	case strings.HasPrefix(trimmed, "diff --git "), strings.HasPrefix(trimmed, "--- "):
		return KindDiff
	case strings.Contains(content, "\npackage ") || strings.HasPrefix(trimmed, "package "):
		return KindGo
	}
	return KindText
}

// Condense shrinks content to at most budget units. Structure is kept as
// long as possible: Go function bodies are elided largest first, diff hunk
// bodies are reduced to their signature lines largest first, and only then
// is the content truncated symmetrically from the middle. It reports whether
// the result fits; when it cannot, the best structural reduction is returned.
func Condense(content string, kind Kind, budget int, measure Measure) (string, bool) {
	if measure(content) <= budget {
		return content, true
	}
	if kind == KindAuto {
		kind = DetectKind(content)
	}

	switch kind {
	case KindGo:
		out, ok := elideGoBodies(content, budget, measure)
		if ok {
			return out, true
		}
		if out != "" {
			content = out
		}
	case KindDiff:
		out, ok := elideDiffHunks(content, budget, measure)
		if ok {
			return out, true
		}
		content = out
	}

	return truncateMiddle(content, budget, measure)
}

type span struct {
	start, end int // Byte offsets of the elided region
}

// elideGoBodies replaces function bodies with "{ ... }", largest first,
// until the source fits. Declarations and signatures are kept verbatim. It
// returns "" when content is not parseable Go.
func elideGoBodies(content string, budget int, measure Measure) (string, bool) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "", content, parser.ParseComments)
	if err != nil {
		return "", false
	}

	var bodies []span
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Body == nil {
			continue
		}
		start := fset.Position(fn.Body.Lbrace).Offset + 1
		end := fset.Position(fn.Body.Rbrace).Offset
		if end > start {
			bodies = append(bodies, span{start: start, end: end})
		}
	}

	return elideLargestFirst(content, bodies, " ... ", budget, measure)
}

var hunkHeader = regexp.MustCompile(`^@@ -\d+(,\d+)? \+\d+(,\d+)? @@`)

// signatureLine matches diff lines worth keeping when a hunk is elided.
var signatureLine = regexp.MustCompile(`^[ +-]\s*(func|type|package|import|const|var|class|def|fn|pub fn|interface|struct)\b`)

// elideDiffHunks reduces hunk bodies to their signature lines, largest hunk
// first. File and hunk headers are always kept.
func elideDiffHunks(content string, budget int, measure Measure) (string, bool) {
	lines := strings.SplitAfter(content, "\n")

	type hunk struct {
		start, end int // Line indexes of the body
	}
	var hunks []hunk
	current := -1
	for i, line := range lines {
		switch {
		case hunkHeader.MatchString(line):
			if current >= 0 {
				hunks = append(hunks, hunk{current, i})
			}
			current = i + 1
		case strings.HasPrefix(line, "diff --git "):
			if current >= 0 {
				hunks = append(hunks, hunk{current, i})
			}
			current = -1
		}
	}
	if current >= 0 {
		hunks = append(hunks, hunk{current, len(lines)})
	}

	// Byte offsets for each line start.
	offsets := make([]int, len(lines)+1)
	for i, line := range lines {
		offsets[i+1] = offsets[i] + len(line)
	}

	var bodies []span
	replacements := make(map[span]string)
	for _, h := range hunks {
		if h.end <= h.start {
			continue
		}
		sp := span{start: offsets[h.start], end: offsets[h.end]}
		bodies = append(bodies, sp)
		replacements[sp] = condenseHunk(lines[h.start:h.end])
	}

	sort.SliceStable(bodies, func(i, j int) bool {
		li, lj := bodies[i].end-bodies[i].start, bodies[j].end-bodies[j].start
		if li != lj {
			return li > lj
		}
		return bodies[i].start < bodies[j].start
	})

	elided := make(map[span]bool)
	out := content
	for _, sp := range bodies {
		elided[sp] = true
		out = rebuild(content, elided, func(s span) string { return replacements[s] })
		if measure(out) <= budget {
			return out, true
		}
	}
	return out, false
}

// condenseHunk keeps signature lines and collapses every run of other lines
// into one marker line.
func condenseHunk(body []string) string {
	var b strings.Builder
	run := 0
	flush := func() {
		if run > 0 {
			fmt.Fprintf(&b, " ... %d lines elided\n", run)
			run = 0
		}
	}
	for _, line := range body {
		if signatureLine.MatchString(line) {
			flush()
			b.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				b.WriteString("\n")
			}
			continue
		}
		run++
	}
	flush()
	return b.String()
}

// elideLargestFirst replaces spans with marker, largest first (ties by
// position), until content fits.
func elideLargestFirst(content string, spans []span, marker string, budget int, measure Measure) (string, bool) {
	ordered := append([]span(nil), spans...)
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := ordered[i].end-ordered[i].start, ordered[j].end-ordered[j].start
		if li != lj {
			return li > lj
		}
		return ordered[i].start < ordered[j].start
	})

	elided := make(map[span]bool)
	out := content
	for _, sp := range ordered {
		elided[sp] = true
		out = rebuild(content, elided, func(span) string { return marker })
		if measure(out) <= budget {
			return out, true
		}
	}
	return out, measure(out) <= budget
}

// rebuild copies content, substituting every elided span.
func rebuild(content string, elided map[span]bool, replacement func(span) string) string {
	spans := make([]span, 0, len(elided))
	for sp := range elided {
		spans = append(spans, sp)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(content[prev:sp.start])
		b.WriteString(replacement(sp))
		prev = sp.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// truncateMiddle keeps an equal number of runes from the head and the tail
// around TruncationMarker, as many as fit.
func truncateMiddle(content string, budget int, measure Measure) (string, bool) {
	if measure(content) <= budget {
		return content, true
	}
	runes := []rune(content)
	build := func(k int) string {
		return string(runes[:k]) + TruncationMarker + string(runes[len(runes)-k:])
	}

	if measure(build(0)) > budget {
		return content, false
	}

	lo, hi := 0, len(runes)/2
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if measure(build(mid)) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return build(lo), true
}
