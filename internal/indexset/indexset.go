// Package indexset implements the sorted rule-index set used by narrowing.
package indexset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/solatis/routekeeper/internal/types"
)

/*
 * Rule-index set algebra.
 *
 * A Set is either an explicit sorted, deduplicated list of rule indices or
 * the matchAll sentinel, which stands for every rule registered in the
 * phase (the universe) without materializing the list.
 *
 * Backing arrays are never written after construction. Every operation that
 * changes membership allocates a fresh slice, so sets handed out by
 * immutable condition-module indices can be combined per request without
 * copying them first.
 *
 * Sentinel rules:
 *   - IntersectWith(all) leaves the set unchanged
 *   - all.IntersectWith(b) becomes b
 *   - UnionWith collapses to matchAll once the result covers the universe
 *   - Add on a matchAll set is a no-op
 *
 * Elements of an explicit set must belong to the universe the set was
 * created for; violating that is a programming error, not a runtime one.
 */

// Set is a rule-index set relative to a phase universe of a known size.
type Set struct {
	all      bool
	universe int
	elems    []types.RuleIndex
}

// All returns the matchAll sentinel for a universe of the given size.
func All(universe int) Set {
	return Set{all: true, universe: universe}
}

// Empty returns an explicit empty set.
func Empty(universe int) Set {
	return Set{universe: universe}
}

// New builds a set from arbitrary indices, sorting and deduplicating them.
func New(universe int, elems ...types.RuleIndex) Set {
	if len(elems) == 0 {
		return Empty(universe)
	}
	sorted := make([]types.RuleIndex, len(elems))
	copy(sorted, elems)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return FromSorted(universe, dedupSorted(sorted))
}

// FromSorted wraps an already sorted, deduplicated slice without copying.
// The caller must not modify the slice afterwards.
func FromSorted(universe int, elems []types.RuleIndex) Set {
	s := Set{universe: universe, elems: elems}
	s.collapse()
	return s
}

// IsAll reports whether the set is the matchAll sentinel.
func (s Set) IsAll() bool {
	return s.all
}

// Universe returns the size of the phase universe the set is relative to.
func (s Set) Universe() int {
	return s.universe
}

// Len returns the cardinality; the universe size for matchAll.
func (s Set) Len() int {
	if s.all {
		return s.universe
	}
	return len(s.elems)
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool {
	return s.Len() == 0
}

// Contains reports membership. matchAll contains every universe member.
func (s Set) Contains(i types.RuleIndex) bool {
	if s.all {
		return true
	}
	k := sort.Search(len(s.elems), func(k int) bool { return s.elems[k] >= i })
	return k < len(s.elems) && s.elems[k] == i
}

// At returns the k-th smallest member of an explicit set.
// Panics for matchAll; callers iterate the phase universe instead.
func (s Set) At(k int) types.RuleIndex {
	if s.all {
		panic("indexset: At on matchAll set")
	}
	return s.elems[k]
}

// Slice returns the explicit members, or nil for matchAll.
// The returned slice is shared and must not be modified.
func (s Set) Slice() []types.RuleIndex {
	if s.all {
		return nil
	}
	return s.elems
}

// Clear empties the set, dropping the sentinel.
func (s *Set) Clear() {
	s.all = false
	s.elems = nil
}

// Add inserts a single index. No-op when the set is already maximal.
func (s *Set) Add(i types.RuleIndex) {
	if s.all || s.Contains(i) {
		return
	}
	k := sort.Search(len(s.elems), func(k int) bool { return s.elems[k] >= i })
	out := make([]types.RuleIndex, 0, len(s.elems)+1)
	out = append(out, s.elems[:k]...)
	out = append(out, i)
	out = append(out, s.elems[k:]...)
	s.elems = out
	s.collapse()
}

// IntersectWith narrows s to the members also in other.
func (s *Set) IntersectWith(other Set) {
	switch {
	case other.all:
		return
	case s.all:
		s.all = false
		s.elems = other.elems
		return
	case len(s.elems) == 0:
		return
	case len(other.elems) == 0:
		s.elems = nil
		return
	}

	a, b := s.elems, other.elems
	out := make([]types.RuleIndex, 0, min(len(a), len(b)))
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	s.elems = out
}

// UnionWith grows s by the members of other, collapsing to matchAll when
// the result covers the universe.
func (s *Set) UnionWith(other Set) {
	switch {
	case s.all:
		return
	case other.all:
		s.all = true
		s.elems = nil
		return
	case len(other.elems) == 0:
		return
	case len(s.elems) == 0:
		s.elems = other.elems
		s.collapse()
		return
	}

	a, b := s.elems, other.elems
	out := make([]types.RuleIndex, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	s.elems = out
	s.collapse()
}

// Equal reports semantic equality. A matchAll set equals an explicit set
// that enumerates the whole universe.
func (s Set) Equal(other Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.all || other.all {
		return true
	}
	for i := range s.elems {
		if s.elems[i] != other.elems[i] {
			return false
		}
	}
	return true
}

// String renders the set for logs and test failures.
func (s Set) String() string {
	if s.all {
		return fmt.Sprintf("all(%d)", s.universe)
	}
	parts := make([]string, len(s.elems))
	for i, e := range s.elems {
		parts[i] = fmt.Sprint(e)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// collapse switches to the sentinel once the explicit list covers the universe.
func (s *Set) collapse() {
	if !s.all && s.universe > 0 && len(s.elems) == s.universe {
		s.all = true
		s.elems = nil
	}
}

func dedupSorted(in []types.RuleIndex) []types.RuleIndex {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
