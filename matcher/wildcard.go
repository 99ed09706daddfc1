// Package matcher provides the wildcard predicates used to decide which
// coordination-service children a client is allowed to route to.
//
// A specification is a comma separated list of patterns. Each pattern is
// sorted into a bucket once, at construction time, by where its '*' appears:
//
//	"10.0.0.1:9000"  exact      (no wildcard)
//	"10.0.*"         prefix     (trailing '*')
//	"*:9000"         suffix     (leading '*')
//	"*prod*"         contains   (leading and trailing '*')
//	"10.*:9000"      segments   (interior '*', matched left to right)
//	"*"              everything
//
// Matching is plain string comparison, no regular expressions.
package matcher

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Wildcard is the literal part of a pattern.
const Wildcard = "*"

// ErrEmptyPattern is returned when a specification holds no usable pattern.
var ErrEmptyPattern = errors.New("matcher: no pattern in specification")

// Kind tells how a match is interpreted when filtering.
type Kind int

const (
	Include Kind = iota // keep identifiers that match
	Exclude             // drop identifiers that match
)

func (k Kind) String() string {
	switch k {
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// segments is a pattern with at least one interior wildcard. The first part
// is anchored at the start unless the pattern began with '*', the last part
// likewise at the end.
type segments struct {
	parts       []string
	anchorStart bool
	anchorEnd   bool
}

func (s segments) match(text string) bool {
	rest := text
	for i, part := range s.parts {
		switch {
		case i == 0 && s.anchorStart:
			if !strings.HasPrefix(rest, part) {
				return false
			}
			rest = rest[len(part):]
		case i == len(s.parts)-1 && s.anchorEnd:
			return len(rest) >= len(part) && strings.HasSuffix(rest, part)
		default:
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		}
	}
	return true
}

// WildcardMatcher is an immutable, goroutine-safe predicate over identifiers.
type WildcardMatcher struct {
	kind     Kind
	all      bool
	exacts   map[string]struct{}
	starts   []string
	ends     []string
	contains []string
	segs     []segments
}

// New compiles a comma separated pattern specification.
// Blank entries are skipped; a specification with no pattern at all
// returns ErrEmptyPattern.
func New(spec string, kind Kind) (*WildcardMatcher, error) {
	m := &WildcardMatcher{kind: kind}
	n := 0
	for _, raw := range strings.Split(spec, ",") {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		m.add(collapse(p))
		n++
	}
	if n == 0 {
		return nil, ErrEmptyPattern
	}
	return m, nil
}

// collapse folds runs of '*' into one so "a**b" behaves like "a*b".
func collapse(p string) string {
	for strings.Contains(p, "**") {
		p = strings.ReplaceAll(p, "**", "*")
	}
	return p
}

func (m *WildcardMatcher) add(p string) {
	if p == Wildcard {
		m.all = true
		return
	}
	if !strings.Contains(p, Wildcard) {
		if m.exacts == nil {
			m.exacts = make(map[string]struct{})
		}
		m.exacts[p] = struct{}{}
		return
	}

	lead := strings.HasPrefix(p, Wildcard)
	trail := strings.HasSuffix(p, Wildcard)
	inner := strings.Trim(p, Wildcard)
	if !strings.Contains(inner, Wildcard) {
		switch {
		case lead && trail:
			m.contains = append(m.contains, inner)
		case trail:
			m.starts = append(m.starts, inner)
		default:
			m.ends = append(m.ends, inner)
		}
		return
	}

	m.segs = append(m.segs, segments{
		parts:       strings.Split(inner, Wildcard),
		anchorStart: !lead,
		anchorEnd:   !trail,
	})
}

// Kind reports whether the matcher was built as an include or exclude list.
func (m *WildcardMatcher) Kind() Kind {
	return m.kind
}

// Test reports whether text matches any pattern, regardless of Kind.
func (m *WildcardMatcher) Test(text string) bool {
	if m.all {
		return true
	}
	if _, ok := m.exacts[text]; ok {
		return true
	}
	for _, s := range m.starts {
		if strings.HasPrefix(text, s) {
			return true
		}
	}
	for _, e := range m.ends {
		if strings.HasSuffix(text, e) {
			return true
		}
	}
	for _, c := range m.contains {
		if strings.Contains(text, c) {
			return true
		}
	}
	for _, s := range m.segs {
		if s.match(text) {
			return true
		}
	}
	return false
}

// Allow applies Kind to Test: includes keep matches, excludes drop them.
func (m *WildcardMatcher) Allow(text string) bool {
	if m.kind == Exclude {
		return !m.Test(text)
	}
	return m.Test(text)
}

func (m *WildcardMatcher) String() string {
	exacts := make([]string, 0, len(m.exacts))
	for e := range m.exacts {
		exacts = append(exacts, e)
	}
	return fmt.Sprintf("%s{all=%v exacts=%v starts=%v ends=%v contains=%v segments=%d}",
		m.kind, m.all, exacts, m.starts, m.ends, m.contains, len(m.segs))
}
