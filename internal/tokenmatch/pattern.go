// Package tokenmatch indexes wildcard path patterns for sub-linear lookup.
//
// A pattern is a "/"-separated sequence of token-sets. Each token-set is a
// literal, a parenthesized alternation of literals "(a|b)", "*" (exactly one
// segment) or "**" (zero or more segments). Matcher narrows a concrete
// tokenized path to the rules whose patterns may match it; Pattern carries
// the equivalent regular expression that confirms a match exactly.
package tokenmatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/solatis/routekeeper/internal/types"
)

// TokenKind classifies a token-set.
type TokenKind uint8

const (
	KindLiteral TokenKind = iota
	KindAlternation
	KindStar
	KindDoubleStar
)

func (k TokenKind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindAlternation:
		return "alternation"
	case KindStar:
		return "star"
	case KindDoubleStar:
		return "doublestar"
	default:
		return fmt.Sprintf("TokenKind(%d)", k)
	}
}

// TokenSet is one "/"-delimited position of a pattern.
// Alts holds the single literal for KindLiteral and every alternative for
// KindAlternation; it is empty for the wildcard kinds.
type TokenSet struct {
	Kind TokenKind
	Alts []string
}

// Indexable reports whether the token-set contributes index entries.
func (ts TokenSet) Indexable() bool {
	return ts.Kind == KindLiteral || ts.Kind == KindAlternation
}

func (ts TokenSet) String() string {
	switch ts.Kind {
	case KindStar:
		return "*"
	case KindDoubleStar:
		return "**"
	case KindAlternation:
		return "(" + strings.Join(ts.Alts, "|") + ")"
	default:
		return ts.Alts[0]
	}
}

// Unbounded marks a pattern without an upper token bound.
const Unbounded = -1

// Pattern is a parsed, validated token pattern with its synthesized regex.
type Pattern struct {
	Tokens    []TokenSet
	MinTokens int
	MaxTokens int // Unbounded when the pattern contains "**"

	// Regexp matches exactly the paths the pattern describes. Alternations
	// and "**" runs are capturing groups, in pattern order.
	Regexp *regexp.Regexp

	// NumClusters counts the capturing groups produced by "**" runs, so
	// callers can tell configured alternation captures from repeated-segment
	// artifacts. GroupKinds gives the kind of each capture group in order.
	NumClusters int
	GroupKinds  []TokenKind
}

// Parse validates a pattern and synthesizes its regular expression.
// A single leading "/" is optional. Errors wrap types.ErrInvalidPattern.
func Parse(src string) (*Pattern, error) {
	body := strings.TrimPrefix(strings.TrimSpace(src), "/")
	if body == "" {
		return nil, fmt.Errorf("%w: %q is empty", types.ErrInvalidPattern, src)
	}

	segs := strings.Split(body, "/")
	if len(segs) > types.MaxPatternTokens {
		return nil, fmt.Errorf("%w: %q has %d token-sets, maximum is %d",
			types.ErrInvalidPattern, src, len(segs), types.MaxPatternTokens)
	}

	p := &Pattern{Tokens: make([]TokenSet, 0, len(segs))}
	doubleStars := 0
	for i, seg := range segs {
		ts, err := parseTokenSet(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: %q position %d: %v", types.ErrInvalidPattern, src, i, err)
		}
		if ts.Kind == KindDoubleStar {
			doubleStars++
		}
		p.Tokens = append(p.Tokens, ts)
	}

	p.MinTokens = len(p.Tokens) - doubleStars
	p.MaxTokens = len(p.Tokens)
	if doubleStars > 0 {
		p.MaxTokens = Unbounded
	}

	re, kinds, clusters := synthesize(p.Tokens)
	compiled, err := regexp.Compile(re)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrInvalidPattern, src, err)
	}
	p.Regexp = compiled
	p.GroupKinds = kinds
	p.NumClusters = clusters
	return p, nil
}

// MustParse is Parse for tests and static tables; panics on error.
func MustParse(src string) *Pattern {
	p, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical form, always with a leading "/".
func (p *Pattern) String() string {
	var b strings.Builder
	for _, ts := range p.Tokens {
		b.WriteByte('/')
		b.WriteString(ts.String())
	}
	return b.String()
}

// Match tests path against the synthesized regex and returns the capture
// groups (without the whole-match group) on success.
func (p *Pattern) Match(path string) ([]string, bool) {
	m := p.Regexp.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

// SplitCaptures separates the submatches returned by Match into alternation
// captures and "**" cluster captures, each in pattern order.
func (p *Pattern) SplitCaptures(caps []string) (alts, clusters []string) {
	if p.NumClusters > 0 {
		clusters = make([]string, 0, p.NumClusters)
	}
	for i, kind := range p.GroupKinds {
		if i >= len(caps) {
			break
		}
		if kind == KindDoubleStar {
			clusters = append(clusters, caps[i])
		} else {
			alts = append(alts, caps[i])
		}
	}
	return alts, clusters
}

// AcceptsLength reports whether a path of n tokens satisfies the token bounds.
func (p *Pattern) AcceptsLength(n int) bool {
	return n >= p.MinTokens && (p.MaxTokens == Unbounded || n <= p.MaxTokens)
}

func parseTokenSet(seg string) (TokenSet, error) {
	switch {
	case seg == "":
		return TokenSet{}, fmt.Errorf("empty token-set")
	case seg == "*":
		return TokenSet{Kind: KindStar}, nil
	case seg == "**":
		return TokenSet{Kind: KindDoubleStar}, nil
	case strings.HasPrefix(seg, "("):
		return parseAlternation(seg)
	}

	if strings.ContainsAny(seg, "*()|") {
		return TokenSet{}, fmt.Errorf("literal %q contains a reserved character", seg)
	}
	return TokenSet{Kind: KindLiteral, Alts: []string{seg}}, nil
}

func parseAlternation(seg string) (TokenSet, error) {
	if len(seg) < 2 || !strings.HasSuffix(seg, ")") {
		return TokenSet{}, fmt.Errorf("unterminated alternation %q", seg)
	}
	inner := seg[1 : len(seg)-1]
	if inner == "" {
		return TokenSet{}, fmt.Errorf("empty alternation")
	}

	alts := strings.Split(inner, "|")
	if len(alts) > types.MaxAlternatives {
		return TokenSet{}, fmt.Errorf("alternation has %d literals, maximum is %d", len(alts), types.MaxAlternatives)
	}

	seen := make(map[string]struct{}, len(alts))
	out := make([]string, 0, len(alts))
	for _, alt := range alts {
		switch {
		case alt == "":
			return TokenSet{}, fmt.Errorf("empty alternative in %q", seg)
		case strings.Contains(alt, "*"):
			return TokenSet{}, fmt.Errorf("wildcard inside alternation %q", seg)
		case strings.ContainsAny(alt, "()"):
			return TokenSet{}, fmt.Errorf("nested group in alternation %q", seg)
		}
		if _, dup := seen[alt]; dup {
			continue
		}
		seen[alt] = struct{}{}
		out = append(out, alt)
	}
	return TokenSet{Kind: KindAlternation, Alts: out}, nil
}

// synthesize builds the anchored regex for a token sequence.
//
//	literal     -> /lit
//	(a|b)       -> /(a|b)          capturing
//	*           -> /[^/]*
//	**          -> ((?:/[^/]*)*)   capturing, counted as a cluster
func synthesize(tokens []TokenSet) (string, []TokenKind, int) {
	var b strings.Builder
	var kinds []TokenKind
	clusters := 0

	b.WriteByte('^')
	for _, ts := range tokens {
		switch ts.Kind {
		case KindLiteral:
			b.WriteByte('/')
			b.WriteString(regexp.QuoteMeta(ts.Alts[0]))
		case KindAlternation:
			quoted := make([]string, len(ts.Alts))
			for i, alt := range ts.Alts {
				quoted[i] = regexp.QuoteMeta(alt)
			}
			b.WriteString("/(")
			b.WriteString(strings.Join(quoted, "|"))
			b.WriteByte(')')
			kinds = append(kinds, KindAlternation)
		case KindStar:
			b.WriteString("/[^/]*")
		case KindDoubleStar:
			b.WriteString("((?:/[^/]*)*)")
			kinds = append(kinds, KindDoubleStar)
			clusters++
		}
	}
	b.WriteByte('$')
	return b.String(), kinds, clusters
}

// Tokenize splits a request path into the token sequence used by Lookup.
// A single leading "/" is dropped; "/" yields one empty token and a
// trailing slash yields a trailing empty token, matching the regex form.
func Tokenize(path string) []string {
	return strings.Split(strings.TrimPrefix(path, "/"), "/")
}
