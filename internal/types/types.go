// Package types provides domain models shared across RouteKeeper components.
//
// Zero-dependency design: types.go, rules.go and errors.go use only the standard
// library so the matching core can be embedded without pulling in the server
// stack. ID utilities in ids.go import uuid but are isolated from the rest.
package types

import (
	"fmt"
	"strings"
)

// RuleID represents a UUIDv7 rule identifier.
// String alias enables type safety while maintaining string serialization.
type RuleID string

// RequestID represents a UUIDv7 identifier assigned to each inbound request.
type RequestID string

// RuleIndex is the dense 0-based position of a rule in the rule store.
// Assigned at build time in definition order and never reused.
type RuleIndex int32

// PredicateIndex addresses a deduplicated predicate in the predicate store.
type PredicateIndex int32

// Phase is an opaque small integer naming a stage of request processing.
// Values are positions in a Phases enumeration.
type Phase uint8

// Phases is the ordered, named set of processing phases supplied by the host.
// The engine treats phases as integers with a known total count.
type Phases struct {
	names []string
	index map[string]Phase
}

// DefaultPhases is the phase enumeration used by the bundled HTTP host.
var DefaultPhases = MustPhases(
	"pre-routing",
	"routing",
	"access-check",
	"content-type",
	"fixups",
	"filter-insertion",
	"output",
	"logging",
)

// NewPhases builds a phase enumeration from ordered names.
// Names are case-insensitive and must be unique and non-empty.
func NewPhases(names ...string) (Phases, error) {
	if len(names) == 0 {
		return Phases{}, fmt.Errorf("%w: at least one phase required", ErrInvalidPhase)
	}
	if len(names) > MaxPhases {
		return Phases{}, fmt.Errorf("%w: %d phases exceeds maximum of %d", ErrInvalidPhase, len(names), MaxPhases)
	}

	p := Phases{
		names: make([]string, 0, len(names)),
		index: make(map[string]Phase, len(names)),
	}
	for i, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			return Phases{}, fmt.Errorf("%w: empty phase name at position %d", ErrInvalidPhase, i)
		}
		if _, dup := p.index[name]; dup {
			return Phases{}, fmt.Errorf("%w: duplicate phase %q", ErrInvalidPhase, name)
		}
		p.index[name] = Phase(i)
		p.names = append(p.names, name)
	}
	return p, nil
}

// MustPhases is NewPhases for package-level enumerations; panics on error.
func MustPhases(names ...string) Phases {
	p, err := NewPhases(names...)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse resolves a phase name. Unknown names wrap ErrInvalidPhase.
func (p Phases) Parse(name string) (Phase, error) {
	ph, ok := p.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPhase, name)
	}
	return ph, nil
}

// Len returns the total phase count.
func (p Phases) Len() int {
	return len(p.names)
}

// Valid reports whether ph belongs to this enumeration.
func (p Phases) Valid(ph Phase) bool {
	return int(ph) < len(p.names)
}

// Name returns the phase name, or a placeholder for out-of-range values.
func (p Phases) Name(ph Phase) string {
	if !p.Valid(ph) {
		return fmt.Sprintf("phase(%d)", ph)
	}
	return p.names[ph]
}

// Names returns the phase names in order.
func (p Phases) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Resource limits enforced at build time to keep request-time work bounded.
const (
	// MaxPhases bounds the phase enumeration so phase-indexed tables stay small.
	MaxPhases = 32

	// NumLeftSlots is the number of left-anchored token positions indexed per pattern.
	NumLeftSlots = 3

	// NumRightSlots is the number of right-anchored token positions indexed per pattern.
	NumRightSlots = 3

	// MaxPatternTokens limits token-sets per path pattern.
	MaxPatternTokens = 64

	// MaxAlternatives limits literals inside a single (a|b|...) token-set.
	MaxAlternatives = 64

	// DefaultMaxIterations bounds narrowing passes per phase under relookup.
	DefaultMaxIterations = 10
)
