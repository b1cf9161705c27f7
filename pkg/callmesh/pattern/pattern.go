// Package pattern matches dot-segmented topics such as "diagram.node.expand"
// against wildcard patterns.
//
// Two wildcards are recognised, each occupying a whole segment:
//
//	*  matches exactly one segment        ("node.*"  matches "node.expand")
//	#  matches zero or more segments      ("node.#"  matches "node", "node.a.b")
//
// "**" is accepted as an alias for "#". Any other segment is literal, so
// "node*" only matches the topic "node*".
//
// The event bus and the message system's channels both match through this
// package, so a pattern means the same thing everywhere.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// Segment wildcards.
const (
	Separator  = "."
	SingleWild = "*"
	MultiWild  = "#"
	multiAlias = "**"
)

// Pattern is a compiled topic pattern. It is immutable and safe for
// concurrent use.
type Pattern struct {
	raw     string
	literal bool
	re      *regexp.Regexp
}

// IsWildcard reports whether p contains a wildcard segment.
func IsWildcard(p string) bool {
	for _, seg := range strings.Split(p, Separator) {
		if seg == SingleWild || seg == MultiWild || seg == multiAlias {
			return true
		}
	}
	return false
}

// Compile compiles p. Patterns without wildcard segments compile to an
// exact string comparison.
func Compile(p string) *Pattern {
	if !IsWildcard(p) {
		return &Pattern{raw: p, literal: true}
	}
	return &Pattern{raw: p, re: regexp.MustCompile(toRegexp(p))}
}

// String returns the source pattern.
func (p *Pattern) String() string {
	return p.raw
}

// Literal reports whether the pattern has no wildcards.
func (p *Pattern) Literal() bool {
	return p.literal
}

// Match reports whether topic matches the pattern.
func (p *Pattern) Match(topic string) bool {
	if p.literal {
		return p.raw == topic
	}
	return p.re.MatchString(topic)
}

// toRegexp translates a wildcard pattern into an anchored regular
// expression. Consecutive multi-segment wildcards collapse into one.
func toRegexp(p string) string {
	raw := strings.Split(p, Separator)
	segments := make([]string, 0, len(raw))
	for _, seg := range raw {
		if seg == multiAlias {
			seg = MultiWild
		}
		if seg == MultiWild && len(segments) > 0 && segments[len(segments)-1] == MultiWild {
			continue
		}
		segments = append(segments, seg)
	}

	if len(segments) == 1 && segments[0] == MultiWild {
		return `^.*$`
	}

	const one = `[^.]+`
	var sb strings.Builder
	sb.WriteString("^")
	for i, seg := range segments {
		if seg == MultiWild {
			if i == 0 {
				// Leading: zero or more "segment." prefixes
				sb.WriteString(`(?:` + one + `\.)*`)
			} else {
				// Inner or trailing: zero or more ".segment" suffixes
				sb.WriteString(`(?:\.` + one + `)*`)
			}
			continue
		}
		if i > 0 && !(i == 1 && segments[0] == MultiWild) {
			sb.WriteString(`\.`)
		}
		if seg == SingleWild {
			sb.WriteString(one)
		} else {
			sb.WriteString(regexp.QuoteMeta(seg))
		}
	}
	sb.WriteString("$")
	return sb.String()
}

// Matcher caches compiled patterns. The zero value is ready to use and it
// is safe for concurrent use.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*Pattern

	// ExactOnly disables wildcard interpretation: every pattern is compared
	// literally.
	ExactOnly bool
}

// NewMatcher creates a matcher. With wildcards false, patterns are
// compared as literal strings.
func NewMatcher(wildcards bool) *Matcher {
	return &Matcher{ExactOnly: !wildcards}
}

// Get returns the compiled form of p, compiling and caching it on first use.
func (m *Matcher) Get(p string) *Pattern {
	if m.ExactOnly {
		return &Pattern{raw: p, literal: true}
	}

	m.mu.RLock()
	c, ok := m.compiled[p]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.compiled[p]; ok {
		return c
	}
	if m.compiled == nil {
		m.compiled = make(map[string]*Pattern)
	}
	c = Compile(p)
	m.compiled[p] = c
	return c
}

// Match reports whether topic matches pattern p.
func (m *Matcher) Match(p, topic string) bool {
	return m.Get(p).Match(topic)
}

// Forget drops p from the cache.
func (m *Matcher) Forget(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.compiled, p)
}
