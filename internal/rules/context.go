package rules

import (
	"github.com/rs/zerolog"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/metrics"
	"github.com/solatis/routekeeper/internal/types"
)

type cacheState uint8

const (
	cacheEmpty cacheState = iota
	cacheFalse
	cacheTrue
)

type cacheEntry struct {
	state  cacheState
	detail MatchDetail
}

// RequestContext is the per-request mutable state of the engine. It is
// created by Engine.NewRequestContext, used by one goroutine, and dropped
// when the request ends.
type RequestContext struct {
	ID types.RequestID

	engine *Engine
	req    Request
	phase  types.Phase
	active bool

	cache   []cacheEntry
	scratch []any

	// current holds rules confirmed by the running pass; carried holds, per
	// phase, rules confirmed by earlier passes or earlier runs of it.
	current []types.RuleIndex
	carried []indexset.Set

	evaluations int
	passes      int
	log         zerolog.Logger
}

// NewRequestContext creates the context for one request against e.
func (e *Engine) NewRequestContext(req Request) *RequestContext {
	rc := &RequestContext{
		ID:      types.NewRequestID(),
		engine:  e,
		req:     req,
		cache:   make([]cacheEntry, e.preds.Len()),
		scratch: make([]any, len(e.modules)),
		carried: make([]indexset.Set, e.phases.Len()),
	}
	for ph := range rc.carried {
		rc.carried[ph] = indexset.Empty(e.rules.Universe(types.Phase(ph)))
	}
	rc.log = e.log.With().Str("request_id", string(rc.ID)).Logger()
	return rc
}

// Request returns the request accessor.
func (rc *RequestContext) Request() Request {
	return rc.req
}

// Phase returns the phase being run, or the last phase run.
func (rc *RequestContext) Phase() types.Phase {
	return rc.phase
}

// Logger returns the request-scoped logger.
func (rc *RequestContext) Logger() *zerolog.Logger {
	return &rc.log
}

// Evaluations counts predicate evaluations that missed the cache.
func (rc *RequestContext) Evaluations() int {
	return rc.evaluations
}

// Passes counts narrowing passes of the last phase run.
func (rc *RequestContext) Passes() int {
	return rc.passes
}

// enterPhase starts a fresh run of phase.
func (rc *RequestContext) enterPhase(phase types.Phase) {
	if rc.active {
		rc.settle()
	}
	rc.phase = phase
	rc.active = true
	rc.passes = 0
	rc.resetPhaseState()
}

// relookup carries the pass results over and resets phase-scoped state.
func (rc *RequestContext) relookup() {
	rc.carry()
	rc.resetPhaseState()
}

// settle folds the final pass into the phase accumulator.
func (rc *RequestContext) settle() {
	rc.carry()
	rc.active = false
}

func (rc *RequestContext) carry() {
	if len(rc.current) > 0 {
		rc.carried[rc.phase].UnionWith(indexset.FromSorted(rc.carried[rc.phase].Universe(), rc.current))
	}
	rc.current = nil
}

// resetPhaseState drops cache entries of predicates tagged with the
// current phase and every module scratch object.
func (rc *RequestContext) resetPhaseState() {
	for _, idx := range rc.engine.preds.InPhase(rc.phase) {
		rc.cache[idx] = cacheEntry{}
	}
	for i := range rc.scratch {
		rc.scratch[i] = nil
	}
}

// evaluate returns the cached result of a predicate, computing it once.
func (rc *RequestContext) evaluate(idx types.PredicateIndex) bool {
	entry := &rc.cache[idx]
	if entry.state != cacheEmpty {
		metrics.PredicateCacheHits.Inc()
		return entry.state == cacheTrue
	}

	ok, detail := rc.engine.preds.Get(idx).Match(rc)
	rc.evaluations++
	metrics.PredicateEvaluations.Inc()

	entry.detail = detail
	entry.state = cacheFalse
	if ok {
		entry.state = cacheTrue
	}
	return ok
}

// scratchFor returns the module scratch object in slot, creating it on
// first use within the current phase.
func scratchFor[T any](rc *RequestContext, slot int, build func(Request) *T) *T {
	if v, ok := rc.scratch[slot].(*T); ok {
		return v
	}
	v := build(rc.req)
	rc.scratch[slot] = v
	return v
}

// Captures returns the submatches recorded by the first of rule's
// predicates that produced any, in the running or last phase.
func (rc *RequestContext) Captures(rule types.RuleIndex) []string {
	return rc.captureDetail(rule).Captures
}

// CaptureGroups is Captures split into configured groups (pattern
// alternations or path_regex groups) and "**" cluster captures.
func (rc *RequestContext) CaptureGroups(rule types.RuleIndex) (groups, clusters []string) {
	d := rc.captureDetail(rule)
	return d.Groups, d.Clusters
}

func (rc *RequestContext) captureDetail(rule types.RuleIndex) MatchDetail {
	r := rc.engine.rules.Get(rule)
	for _, idx := range r.Predicates {
		e := rc.cache[idx]
		if e.state == cacheTrue && len(e.detail.Captures) > 0 {
			return e.detail
		}
	}
	return MatchDetail{}
}

// MatchedRules returns every rule confirmed for phase during this request,
// across relookup passes, in definition order.
func (rc *RequestContext) MatchedRules(phase types.Phase) []types.RuleIndex {
	if !rc.engine.phases.Valid(phase) {
		return nil
	}
	set := rc.carried[phase]
	if rc.active && rc.phase == phase && len(rc.current) > 0 {
		set.UnionWith(indexset.FromSorted(set.Universe(), rc.current))
	}
	if set.IsAll() {
		return rc.engine.rules.PhaseRules(phase)
	}
	return set.Slice()
}

// actingRules merges the rules confirmed in this pass with rules from
// other phases that were confirmed earlier and carry actions for phase.
func (rc *RequestContext) actingRules(phase types.Phase) []types.RuleIndex {
	deferred := rc.engine.rules.Deferred(phase)
	if len(deferred) == 0 {
		return rc.current
	}

	var extra []types.RuleIndex
	for _, ri := range deferred {
		own := rc.engine.rules.Get(ri).Phase
		if rc.carried[own].Contains(ri) {
			extra = append(extra, ri)
		}
	}
	if len(extra) == 0 {
		return rc.current
	}

	out := make([]types.RuleIndex, 0, len(rc.current)+len(extra))
	i, j := 0, 0
	for i < len(rc.current) && j < len(extra) {
		if rc.current[i] < extra[j] {
			out = append(out, rc.current[i])
			i++
		} else {
			out = append(out, extra[j])
			j++
		}
	}
	out = append(out, rc.current[i:]...)
	return append(out, extra[j:]...)
}
