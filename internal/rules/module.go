// internal/rules/module.go
package rules

import (
	"sort"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/types"
)

/*
 * Condition module framework.
 *
 * A condition module owns one category of conditions (server name, request
 * shape, path, query arguments). For each category it
 *   - translates abstract condition specs into deduplicated predicates,
 *   - keeps a per-phase narrowing index over rule indices,
 *   - keeps a per-phase matchAll list for rules it cannot narrow, and
 *   - narrows a request to a candidate RuleIndexSet.
 *
 * A rule is indexed at most once per module: by the first condition that
 * yields narrowing information. Later conditions of the same category only
 * add predicates. When a rule ends without an index entry in a module (no
 * condition of that category, or none indexable) the module records it in
 * matchAll for the rule's phase, so narrowing stays a superset of the true
 * matches.
 *
 * Narrow short-circuits to the matchAll sentinel when every rule of the
 * phase is in matchAll; otherwise it unions the index lookup with the
 * matchAll list.
 *
 * The interface is sealed: modules share moduleBase and live in this
 * package, which lets them address their per-request scratch slot.
 */

// Module is a condition module.
type Module interface {
	ID() ModuleID
	Kinds() []string
	Register(reg *Registrar, rule types.RuleIndex, phase types.Phase, cond types.ConditionSpec) error
	EndRule(rule types.RuleIndex, phase types.Phase)
	Finalize(universe func(types.Phase) int)
	Narrow(rc *RequestContext, phase types.Phase) indexset.Set

	base() *moduleBase
}

// Registrar collects the predicates a rule accumulates during build.
type Registrar struct {
	store *PredicateStore
	preds []types.PredicateIndex
}

// AddPredicate stores p uniquely and appends its index to the rule,
// skipping indices the rule already references.
func (r *Registrar) AddPredicate(p Predicate) types.PredicateIndex {
	idx := r.store.StoreUnique(p)
	for _, have := range r.preds {
		if have == idx {
			return idx
		}
	}
	r.preds = append(r.preds, idx)
	return idx
}

// moduleBase carries the state every module shares.
type moduleBase struct {
	id       ModuleID
	slot     int
	matchAll [][]types.RuleIndex
	universe []int

	// build-time only: the last rule that received an index entry
	indexedRule types.RuleIndex
}

func newModuleBase(id ModuleID, nphases int) moduleBase {
	return moduleBase{
		id:          id,
		matchAll:    make([][]types.RuleIndex, nphases),
		universe:    make([]int, nphases),
		indexedRule: -1,
	}
}

func (b *moduleBase) base() *moduleBase { return b }

// ID returns the module identifier.
func (b *moduleBase) ID() ModuleID { return b.id }

// markIndexed records that rule received a narrowing entry.
func (b *moduleBase) markIndexed(rule types.RuleIndex) {
	b.indexedRule = rule
}

func (b *moduleBase) isIndexed(rule types.RuleIndex) bool {
	return b.indexedRule == rule
}

// matchAllReqs registers rule as unconstrained by this module in phase.
func (b *moduleBase) matchAllReqs(rule types.RuleIndex, phase types.Phase) {
	b.matchAll[phase] = append(b.matchAll[phase], rule)
}

// EndRule falls back to matchAll when the rule produced no index entry.
func (b *moduleBase) EndRule(rule types.RuleIndex, phase types.Phase) {
	if !b.isIndexed(rule) {
		b.matchAllReqs(rule, phase)
	}
}

// finalizeBase sorts and deduplicates matchAll and captures phase sizes.
func (b *moduleBase) finalizeBase(universe func(types.Phase) int) {
	for ph := range b.matchAll {
		list := b.matchAll[ph]
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		b.matchAll[ph] = dedupIndices(list)
		b.universe[ph] = universe(types.Phase(ph))
	}
	b.indexedRule = -1
}

// allMatch reports whether every rule of phase is in matchAll.
func (b *moduleBase) allMatch(phase types.Phase) bool {
	return len(b.matchAll[phase]) == b.universe[phase]
}

// narrowWith implements the shared Narrow shape around a module lookup.
func (b *moduleBase) narrowWith(phase types.Phase, lookup func(dst *indexset.Set)) indexset.Set {
	u := b.universe[phase]
	if b.allMatch(phase) {
		return indexset.All(u)
	}
	s := indexset.FromSorted(u, b.matchAll[phase])
	lookup(&s)
	return s
}

// MatchAllLen returns the size of the matchAll list for phase.
func (b *moduleBase) MatchAllLen(phase types.Phase) int {
	return len(b.matchAll[phase])
}

func dedupIndices(in []types.RuleIndex) []types.RuleIndex {
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

// phaseLists is a phase-indexed name -> sorted rule list index shared by
// the hash-keyed modules.
type phaseLists []map[string][]types.RuleIndex

func newPhaseLists(nphases int) phaseLists {
	pl := make(phaseLists, nphases)
	for i := range pl {
		pl[i] = make(map[string][]types.RuleIndex)
	}
	return pl
}

func (pl phaseLists) add(phase types.Phase, key string, rule types.RuleIndex) {
	list := pl[phase][key]
	if n := len(list); n > 0 && list[n-1] == rule {
		return
	}
	pl[phase][key] = append(list, rule)
}

// lookup unions the list stored under key into dst.
func (pl phaseLists) lookup(phase types.Phase, key string, dst *indexset.Set) {
	if list := pl[phase][key]; len(list) > 0 {
		dst.UnionWith(indexset.FromSorted(dst.Universe(), list))
	}
}
