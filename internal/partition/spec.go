package partition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/arkilian/partadvisor/pkg/types"
)

// tokenSeparator joins rendered tokens. It carries no surrounding whitespace.
const tokenSeparator = ","

// Spec is a rendered partition specification. It is immutable once built.
type Spec struct {
	tokens      []string
	decisions   []types.Decision
	bucketCount int
}

// String returns the specification string, e.g. "HASH(status, 16),region".
// An empty spec renders as "".
func (s Spec) String() string {
	return strings.Join(s.tokens, tokenSeparator)
}

// Tokens returns a copy of the rendered tokens.
func (s Spec) Tokens() []string {
	out := make([]string, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Decisions returns a copy of the decisions the spec was built from.
func (s Spec) Decisions() []types.Decision {
	out := make([]types.Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Empty reports whether the spec has no tokens.
func (s Spec) Empty() bool {
	return len(s.tokens) == 0
}

// Len returns the number of partition columns.
func (s Spec) Len() int {
	return len(s.tokens)
}

// BucketCount returns the bucket count used for hash tokens.
func (s Spec) BucketCount() int {
	return s.bucketCount
}

// Builder renders decisions into a Spec.
type Builder struct {
	bucketCount int
}

// NewBuilder creates a builder. A bucket count below 1 falls back to 16.
func NewBuilder(bucketCount int) *Builder {
	if bucketCount < 1 {
		bucketCount = DefaultConfig().BucketCount
	}
	return &Builder{bucketCount: bucketCount}
}

// Token renders a single decision.
//
//	hash  → HASH(<column>, <bucket_count>)
//	range → <column>
func (b *Builder) Token(d types.Decision) (string, error) {
	switch d.Strategy {
	case types.StrategyHash:
		return fmt.Sprintf("HASH(%s, %d)", d.Column, b.bucketCount), nil
	case types.StrategyRange:
		return d.Column, nil
	default:
		return "", fmt.Errorf("partition: unknown strategy %q for column %s", d.Strategy, d.Column)
	}
}

// Build renders decisions in order. An empty list yields an empty spec.
// Column names holding whitespace, commas or parentheses are rejected since
// the rendered string would not parse back to the same decisions.
func (b *Builder) Build(decisions []types.Decision) (Spec, error) {
	spec := Spec{
		tokens:      make([]string, 0, len(decisions)),
		decisions:   make([]types.Decision, 0, len(decisions)),
		bucketCount: b.bucketCount,
	}
	for _, d := range decisions {
		if d.Column == "" {
			return Spec{}, fmt.Errorf("partition: decision with empty column name")
		}
		if !types.ValidColumn(d.Column) {
			return Spec{}, fmt.Errorf("partition: column %q cannot appear in a spec", d.Column)
		}
		tok, err := b.Token(d)
		if err != nil {
			return Spec{}, err
		}
		spec.tokens = append(spec.tokens, tok)
		spec.decisions = append(spec.decisions, d)
	}
	return spec, nil
}

var hashTokenRe = regexp.MustCompile(`^(?i:HASH)\(\s*([^\s(),]+)\s*,\s*([0-9]+)\s*\)$`)

// ParseSpec parses a specification string back into decisions. It splits on
// top-level commas only, so the comma inside HASH(col, n) does not split.
// The returned bucket count is that of the hash tokens (0 if there are none).
func ParseSpec(s string) ([]types.Decision, int, error) {
	decisions := []types.Decision{}
	if strings.TrimSpace(s) == "" {
		return decisions, 0, nil
	}

	tokens, err := splitTopLevel(s)
	if err != nil {
		return nil, 0, err
	}

	buckets := 0
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, 0, fmt.Errorf("partition: empty token at position %d", i)
		}

		if m := hashTokenRe.FindStringSubmatch(tok); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil || n < 1 {
				return nil, 0, fmt.Errorf("partition: invalid bucket count in %q", tok)
			}
			if buckets != 0 && buckets != n {
				return nil, 0, fmt.Errorf("partition: inconsistent bucket counts %d and %d", buckets, n)
			}
			buckets = n
			decisions = append(decisions, types.Decision{Column: m[1], Strategy: types.StrategyHash})
			continue
		}

		if types.ValidColumn(tok) {
			decisions = append(decisions, types.Decision{Column: tok, Strategy: types.StrategyRange})
			continue
		}

		return nil, 0, fmt.Errorf("partition: unrecognised token %q", tok)
	}

	return decisions, buckets, nil
}

func splitTopLevel(s string) ([]string, error) {
	var tokens []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("partition: unbalanced ')' at offset %d", i)
			}
		case ',':
			if depth == 0 {
				tokens = append(tokens, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("partition: unbalanced '(' in %q", s)
	}
	return append(tokens, s[start:]), nil
}
