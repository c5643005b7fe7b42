package tokenmatch

import (
	"sort"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/types"
)

/*
 * Anchor-slot token index.
 *
 * Build (Add, once per rule):
 *   1. Scan token-sets from the left into up to NumLeftSlots slots, stopping
 *      at the first "**". Literal/alternation tokens are indexed under
 *      (slot, token) and set the slot's bit in the rule's requirement mask.
 *   2. Scan from the right into up to NumRightSlots slots, never revisiting
 *      a position the left scan consumed, stopping at the first "**".
 *   3. Every remaining literal/alternation position goes to the any-position
 *      map (one entry per distinct token per rule) and raises the rule's
 *      any-count requirement. "**" positions are only counted.
 *   4. minTokens/maxTokens come from the parsed Pattern.
 *   5. A pattern that produced no index entry is reported as unconstrained;
 *      the owning module registers it as match-all instead.
 *
 * Lookup (per request, read-only):
 *   1. Probe used left slots with token[i] and used right slots with
 *      token[T-1-j], OR-ing slot bits into per-entry satisfied masks.
 *   2. Probe every token against the any-position map, counting hits.
 *   3. Confirm entries whose masks, counts and token bounds all hold.
 *
 * Anchor positions are exact only while no "**" separates them from their
 * end of the path, which is why both scans stop there. The any-position map
 * ignores order, so Lookup over-approximates and the pattern regex still
 * confirms; it never drops a rule whose regex would match.
 */

const (
	rightShift = types.NumLeftSlots
	anyBit     = uint16(1) << (types.NumLeftSlots + types.NumRightSlots)
)

type entry struct {
	rule        types.RuleIndex
	required    uint16
	anyRequired int
	minTokens   int
	maxTokens   int
}

type hit struct {
	satisfied uint16
	anyCount  int
}

// Matcher indexes token patterns for one (module, phase) pair.
// Add and Finalize run at build time; Lookup is safe for concurrent readers.
type Matcher struct {
	left    [types.NumLeftSlots]map[string][]int32
	right   [types.NumRightSlots]map[string][]int32
	any     map[string][]int32
	entries []entry

	leftUsed  uint16
	rightUsed uint16
	anyUsed   bool
}

// NewMatcher returns an empty matcher.
func NewMatcher() *Matcher {
	m := &Matcher{
		any: make(map[string][]int32),
	}
	for i := range m.left {
		m.left[i] = make(map[string][]int32)
	}
	for i := range m.right {
		m.right[i] = make(map[string][]int32)
	}
	return m
}

// Add indexes pattern for rule and reports whether any index entry was
// produced. A false result means the pattern is unconstrained for
// narrowing and the caller must treat the rule as match-all.
func (m *Matcher) Add(rule types.RuleIndex, p *Pattern) bool {
	id := int32(len(m.entries))
	e := entry{
		rule:      rule,
		minTokens: p.MinTokens,
		maxTokens: p.MaxTokens,
	}

	n := len(p.Tokens)
	classified := make([]bool, n)
	produced := false

	for i := 0; i < n && i < types.NumLeftSlots; i++ {
		ts := p.Tokens[i]
		if ts.Kind == KindDoubleStar {
			break
		}
		classified[i] = true
		if ts.Indexable() {
			for _, alt := range ts.Alts {
				m.left[i][alt] = appendEntry(m.left[i][alt], id)
			}
			e.required |= 1 << uint(i)
			produced = true
		}
	}

	for j := 0; j < types.NumRightSlots; j++ {
		pos := n - 1 - j
		if pos < 0 || classified[pos] {
			break
		}
		ts := p.Tokens[pos]
		if ts.Kind == KindDoubleStar {
			break
		}
		classified[pos] = true
		if ts.Indexable() {
			for _, alt := range ts.Alts {
				m.right[j][alt] = appendEntry(m.right[j][alt], id)
			}
			e.required |= 1 << uint(rightShift+j)
			produced = true
		}
	}

	for pos, ts := range p.Tokens {
		if classified[pos] || !ts.Indexable() {
			continue
		}
		for _, alt := range ts.Alts {
			m.any[alt] = appendEntry(m.any[alt], id)
		}
		e.anyRequired++
		produced = true
	}

	if !produced {
		return false
	}
	m.entries = append(m.entries, e)
	return true
}

// appendEntry adds id unless it is already the most recent entry for the
// token; entries for one rule are appended contiguously during Add.
func appendEntry(list []int32, id int32) []int32 {
	if n := len(list); n > 0 && list[n-1] == id {
		return list
	}
	return append(list, id)
}

// Finalize computes the used-slot masks consulted by Lookup.
func (m *Matcher) Finalize() {
	m.leftUsed, m.rightUsed = 0, 0
	for i := range m.left {
		if len(m.left[i]) > 0 {
			m.leftUsed |= 1 << uint(i)
		}
	}
	for j := range m.right {
		if len(m.right[j]) > 0 {
			m.rightUsed |= 1 << uint(j)
		}
	}
	m.anyUsed = len(m.any) > 0
}

// Len returns the number of indexed rules.
func (m *Matcher) Len() int {
	return len(m.entries)
}

// Lookup unions into dst every indexed rule that may match tokens.
func (m *Matcher) Lookup(tokens []string, dst *indexset.Set) {
	confirmed := m.Candidates(tokens)
	if len(confirmed) == 0 {
		return
	}
	dst.UnionWith(indexset.FromSorted(dst.Universe(), confirmed))
}

// Candidates returns the sorted rule indices confirmed for tokens.
func (m *Matcher) Candidates(tokens []string) []types.RuleIndex {
	if len(m.entries) == 0 {
		return nil
	}

	t := len(tokens)
	hits := make(map[int32]*hit)
	mark := func(ids []int32, bit uint16, counts bool) {
		for _, id := range ids {
			h := hits[id]
			if h == nil {
				h = &hit{}
				hits[id] = h
			}
			h.satisfied |= bit
			if counts {
				h.anyCount++
			}
		}
	}

	for i := 0; i < types.NumLeftSlots && i < t; i++ {
		if m.leftUsed&(1<<uint(i)) == 0 {
			continue
		}
		mark(m.left[i][tokens[i]], 1<<uint(i), false)
	}
	for j := 0; j < types.NumRightSlots && j < t; j++ {
		if m.rightUsed&(1<<uint(j)) == 0 {
			continue
		}
		mark(m.right[j][tokens[t-1-j]], 1<<uint(rightShift+j), false)
	}
	if m.anyUsed {
		for _, tok := range tokens {
			mark(m.any[tok], anyBit, true)
		}
	}

	var out []types.RuleIndex
	for id, h := range hits {
		e := m.entries[id]
		if h.satisfied&e.required != e.required {
			continue
		}
		if h.anyCount < e.anyRequired {
			continue
		}
		if t < e.minTokens || (e.maxTokens != Unbounded && t > e.maxTokens) {
			continue
		}
		out = append(out, e.rule)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return dedupRules(out)
}

func dedupRules(in []types.RuleIndex) []types.RuleIndex {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, r := range in[1:] {
		if r != out[len(out)-1] {
			out = append(out, r)
		}
	}
	return out
}
