package rules

import (
	"fmt"

	"github.com/solatis/routekeeper/internal/types"
)

// PredicateResult is one predicate outcome in an Explanation. Evaluated is
// false for predicates skipped after an earlier false one.
type PredicateResult struct {
	Index     types.PredicateIndex `json:"index"`
	Predicate string               `json:"predicate"`
	Evaluated bool                 `json:"evaluated"`
	Result    bool                 `json:"result"`
}

// RuleResult is the filtering outcome of one candidate rule.
type RuleResult struct {
	Index      types.RuleIndex   `json:"index"`
	ID         types.RuleID      `json:"id"`
	Name       string            `json:"name,omitempty"`
	Matched    bool              `json:"matched"`
	Captures   []string          `json:"captures,omitempty"`
	Clusters   []string          `json:"clusters,omitempty"`
	Predicates []PredicateResult `json:"predicates"`
}

// Explanation reports how a request narrows and filters in one phase.
type Explanation struct {
	Phase         string       `json:"phase"`
	Universe      int          `json:"universe"`
	CandidatesAll bool         `json:"candidates_all"`
	Candidates    int          `json:"candidates"`
	Rules         []RuleResult `json:"rules"`
	Evaluations   int          `json:"evaluations"`
}

// Explain narrows and filters req in phase without running any action.
func (e *Engine) Explain(req Request, phase types.Phase) (*Explanation, error) {
	if !e.phases.Valid(phase) {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidPhase, phase)
	}

	rc := e.NewRequestContext(req)
	rc.enterPhase(phase)

	cands := e.narrow(rc, phase)
	out := &Explanation{
		Phase:         e.phases.Name(phase),
		Universe:      e.rules.Universe(phase),
		CandidatesAll: cands.IsAll(),
		Candidates:    cands.Len(),
	}

	list := cands.Slice()
	if cands.IsAll() {
		list = e.rules.PhaseRules(phase)
	}
	for _, ri := range list {
		rule := e.rules.Get(ri)
		rr := RuleResult{
			Index:   ri,
			ID:      rule.ID,
			Name:    rule.Name,
			Matched: true,
		}
		for _, pi := range rule.Predicates {
			pr := PredicateResult{Index: pi, Predicate: e.preds.Get(pi).String()}
			if rr.Matched {
				pr.Evaluated = true
				pr.Result = rc.evaluate(pi)
				rr.Matched = pr.Result
			}
			rr.Predicates = append(rr.Predicates, pr)
		}
		if rr.Matched {
			rr.Captures = rc.Captures(ri)
			_, rr.Clusters = rc.CaptureGroups(ri)
		}
		out.Rules = append(out.Rules, rr)
	}
	out.Evaluations = rc.Evaluations()
	return out, nil
}
