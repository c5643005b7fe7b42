// internal/rules/predicate.go
package rules

import (
	"github.com/solatis/routekeeper/internal/types"
)

/*
 * Predicate store with content-addressed deduplication.
 *
 * Every exact test a rule needs (server name equals, path regex, query
 * argument present, ...) is a Predicate. Predicates are stored once and
 * referenced by index from every rule that uses an equivalent one.
 *
 * Identity: ContentKey = phase byte + module id + NUL + canonical string.
 * Two predicates with equal keys collapse into one stored instance, which
 * lets the per-request cache be keyed by PredicateIndex so a condition
 * shared by many rules is evaluated at most once per request.
 *
 * The store is append-only during build and read-only afterwards.
 */

// ModuleID names a condition module. It is part of every ContentKey.
type ModuleID string

// MatchDetail carries optional side output of a successful match.
// Path predicates fill Captures with their regex submatches in order.
// Pattern predicates also split them: Groups holds the alternation
// captures and Clusters the "**" captures. For path_regex every submatch
// is a configured group and Clusters stays empty.
type MatchDetail struct {
	Captures []string
	Groups   []string
	Clusters []string
}

// Predicate is an exact boolean test over a request.
// Match must not fail: malformed inputs are rejected at build time.
type Predicate interface {
	Module() ModuleID
	Phase() types.Phase
	// String is the canonical display form used for deduplication.
	String() string
	Match(rc *RequestContext) (bool, MatchDetail)
}

// ContentKey is the byte identity of a predicate.
type ContentKey string

// KeyOf derives the ContentKey of p.
func KeyOf(p Predicate) ContentKey {
	mod := p.Module()
	s := p.String()
	b := make([]byte, 0, 2+len(mod)+len(s))
	b = append(b, byte(p.Phase()))
	b = append(b, mod...)
	b = append(b, 0)
	b = append(b, s...)
	return ContentKey(b)
}

// PredicateStore is the deduplicated, ordered predicate collection.
type PredicateStore struct {
	preds   []Predicate
	keys    map[ContentKey]types.PredicateIndex
	byPhase map[types.Phase][]types.PredicateIndex
}

// NewPredicateStore returns an empty store.
func NewPredicateStore() *PredicateStore {
	return &PredicateStore{
		keys:    make(map[ContentKey]types.PredicateIndex),
		byPhase: make(map[types.Phase][]types.PredicateIndex),
	}
}

// StoreUnique returns the index of the stored predicate equal to p,
// storing p first if no equal predicate exists.
func (s *PredicateStore) StoreUnique(p Predicate) types.PredicateIndex {
	key := KeyOf(p)
	if idx, ok := s.keys[key]; ok {
		return idx
	}
	idx := types.PredicateIndex(len(s.preds))
	s.preds = append(s.preds, p)
	s.keys[key] = idx
	s.byPhase[p.Phase()] = append(s.byPhase[p.Phase()], idx)
	return idx
}

// Get returns the predicate at idx.
func (s *PredicateStore) Get(idx types.PredicateIndex) Predicate {
	return s.preds[idx]
}

// Len returns the number of distinct stored predicates.
func (s *PredicateStore) Len() int {
	return len(s.preds)
}

// InPhase lists the predicates tagged with phase, in store order.
func (s *PredicateStore) InPhase(phase types.Phase) []types.PredicateIndex {
	return s.byPhase[phase]
}
