package rules

import (
	"github.com/solatis/routekeeper/internal/types"
)

// Action is one phase-tagged action of a rule. Compiled holds whatever the
// ActionExecutor produced from Body at build time.
type Action struct {
	Phase    types.Phase
	Body     string
	Compiled any
}

// Rule is an immutable, built rule.
type Rule struct {
	Index      types.RuleIndex
	ID         types.RuleID
	Name       string
	Phase      types.Phase
	Predicates []types.PredicateIndex
	Actions    []Action
}

// Label returns the rule name, falling back to its ID.
func (r *Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.ID)
}

// HasActionsIn reports whether any action is tagged with phase.
func (r *Rule) HasActionsIn(phase types.Phase) bool {
	for i := range r.Actions {
		if r.Actions[i].Phase == phase {
			return true
		}
	}
	return false
}

// RuleStore is the ordered rule collection, indexed by RuleIndex.
type RuleStore struct {
	rules []Rule

	// byPhase lists rules by condition phase: the phase universe.
	byPhase [][]types.RuleIndex

	// deferred lists, per phase, rules whose actions run in that phase
	// although their conditions belong to another phase.
	deferred [][]types.RuleIndex
}

func newRuleStore(nphases int) *RuleStore {
	return &RuleStore{
		byPhase:  make([][]types.RuleIndex, nphases),
		deferred: make([][]types.RuleIndex, nphases),
	}
}

// add appends r; rules must arrive in RuleIndex order.
func (s *RuleStore) add(r Rule) {
	s.rules = append(s.rules, r)
	s.byPhase[r.Phase] = append(s.byPhase[r.Phase], r.Index)

	seen := make(map[types.Phase]bool, len(r.Actions))
	for _, a := range r.Actions {
		if a.Phase == r.Phase || seen[a.Phase] {
			continue
		}
		seen[a.Phase] = true
		s.deferred[a.Phase] = append(s.deferred[a.Phase], r.Index)
	}
}

// Get returns the rule at idx.
func (s *RuleStore) Get(idx types.RuleIndex) *Rule {
	return &s.rules[idx]
}

// Len returns the total rule count.
func (s *RuleStore) Len() int {
	return len(s.rules)
}

// PhaseRules returns the phase universe in definition order.
func (s *RuleStore) PhaseRules(phase types.Phase) []types.RuleIndex {
	return s.byPhase[phase]
}

// Universe returns the number of rules whose conditions belong to phase.
func (s *RuleStore) Universe(phase types.Phase) int {
	return len(s.byPhase[phase])
}

// Deferred returns rules from other phases that carry actions for phase.
func (s *RuleStore) Deferred(phase types.Phase) []types.RuleIndex {
	return s.deferred[phase]
}
