// internal/rules/evaluate.go
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/metrics"
	"github.com/solatis/routekeeper/internal/types"
)

/*
 * Matching orchestration.
 *
 * RunPhase drives one (request, phase) pair through
 * Narrowing -> Filtering -> Acting, looping back on Relookup.
 *
 * Narrowing: start from the phase's matchAll and intersect every module's
 * candidate set; stop as soon as the set is empty.
 *
 * Filtering: walk candidates in definition order (the phase universe when
 * narrowing left matchAll), evaluate each rule's predicates in order through
 * the request cache, stop a rule at its first false predicate. Rules with no
 * predicates pass.
 *
 * Acting: walk confirmed rules in definition order, plus rules of earlier
 * phases that were confirmed there and carry actions for this phase. Run
 * each action tagged with this phase:
 *   - Declined:  next action
 *   - OK:        stop, phase succeeds
 *   - DelayedOK: remember success, next action
 *   - Relookup:  stop the pass, reset phase state, narrow again
 *   - error:     stop, phase fails with ErrActionFailed
 *
 * Passes are bounded by MaxIterations. Reaching the bound is logged and
 * counted, and the phase ends with the status accumulated so far.
 * Terminal status is OK when any action returned OK or DelayedOK.
 */

// RunPhase runs phase for the request held by rc.
func (e *Engine) RunPhase(ctx context.Context, rc *RequestContext, phase types.Phase) (Status, error) {
	if !e.phases.Valid(phase) {
		return Declined, fmt.Errorf("%w: %d", types.ErrInvalidPhase, phase)
	}
	if rc.engine != e {
		return Declined, fmt.Errorf("request context belongs to a different engine")
	}

	name := e.phases.Name(phase)
	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	rc.enterPhase(phase)

	succeeded := false
	for pass := 1; ; pass++ {
		rc.passes = pass

		cands := e.narrow(rc, phase)
		metrics.NarrowedCandidates.WithLabelValues(name).Observe(float64(cands.Len()))
		e.filter(rc, phase, cands)

		st, err := e.act(ctx, rc, phase, &succeeded)
		if err != nil {
			metrics.ActionErrors.WithLabelValues(name).Inc()
			metrics.PhaseRuns.WithLabelValues(name, "error").Inc()
			rc.log.Error().Err(err).Str("phase", name).Int("pass", pass).Msg("Phase aborted")
			return Declined, err
		}
		if st != Relookup {
			break
		}
		if pass >= e.maxIterations {
			metrics.RelookupLimit.WithLabelValues(name).Inc()
			rc.log.Warn().
				Str("phase", name).
				Int("max_iterations", e.maxIterations).
				Msg("Relookup limit reached")
			break
		}

		rc.log.Debug().Str("phase", name).Int("pass", pass).Msg("Relookup")
		rc.relookup()
	}

	result := Declined
	if succeeded {
		result = OK
	}
	metrics.PhaseRuns.WithLabelValues(name, result.String()).Inc()
	return result, nil
}

// narrow intersects every module's candidate set for phase.
func (e *Engine) narrow(rc *RequestContext, phase types.Phase) indexset.Set {
	u := e.rules.Universe(phase)
	if u == 0 {
		return indexset.Empty(0)
	}
	acc := indexset.All(u)
	for _, m := range e.modules {
		acc.IntersectWith(m.Narrow(rc, phase))
		if acc.IsEmpty() {
			break
		}
	}
	return acc
}

// filter confirms candidates against their predicates, in definition order.
func (e *Engine) filter(rc *RequestContext, phase types.Phase, cands indexset.Set) {
	if cands.IsEmpty() {
		return
	}
	list := cands.Slice()
	if cands.IsAll() {
		list = e.rules.PhaseRules(phase)
	}
	for _, ri := range list {
		if e.confirm(rc, ri) {
			rc.current = append(rc.current, ri)
		}
	}
}

func (e *Engine) confirm(rc *RequestContext, ri types.RuleIndex) bool {
	for _, p := range e.rules.Get(ri).Predicates {
		if !rc.evaluate(p) {
			return false
		}
	}
	return true
}

// act runs the actions of the acting rules tagged with phase.
func (e *Engine) act(ctx context.Context, rc *RequestContext, phase types.Phase, succeeded *bool) (Status, error) {
	for _, ri := range rc.actingRules(phase) {
		rule := e.rules.Get(ri)
		for ai := range rule.Actions {
			a := &rule.Actions[ai]
			if a.Phase != phase {
				continue
			}

			st, err := e.executor.Execute(ctx, ActionCall{Rule: rule, Action: a, Phase: phase, Request: rc})
			if err != nil {
				return Declined, fmt.Errorf("%w: rule %s action %d: %w", types.ErrActionFailed, rule.Label(), ai, err)
			}
			rc.log.Trace().
				Str("rule", rule.Label()).
				Int("action", ai).
				Stringer("status", st).
				Msg("Action executed")

			switch st {
			case OK:
				*succeeded = true
				return OK, nil
			case DelayedOK:
				*succeeded = true
			case Relookup:
				return Relookup, nil
			}
		}
	}
	return Declined, nil
}
