// internal/types/rules.go
package types

/*
 * Abstract rule specifications consumed by the engine build step.
 *
 * Provides RuleSpec, ConditionSpec and ActionSpec. These types are
 * source-format agnostic: the YAML loader and the SQL store both decode into
 * them, and internal/rules turns them into the rule store, predicate store
 * and condition module indices.
 *
 * Key types:
 *   - RuleSpec: condition phase, ordered conditions, ordered actions
 *   - ConditionSpec: one abstract condition, routed to a module by Kind
 *   - ActionSpec: a (phase, body) pair; body is opaque to the core
 *
 * Phase names are resolved at build time against the host's Phases.
 */

// Condition kinds understood by the bundled condition modules.
const (
	KindServerName       = "server-name"
	KindExpr             = "expr"
	KindSubrequest       = "subrequest"
	KindInternalRedirect = "internal-redirect"
	KindMethod           = "method"
	KindPath             = "path"
	KindPathRegex        = "path-regex"
	KindPathTrailing     = "path-trailing-slash"
	KindQueryArg         = "query-arg"
	KindQueryArgValue    = "query-arg-value"
)

// ConditionSpec is one abstract condition over the request.
// Name is used by kinds that address a named attribute (query-arg, query-arg-value);
// Value carries the pattern, literal or flag for every other kind.
type ConditionSpec struct {
	Kind  string `yaml:"kind" json:"kind"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// ActionSpec pairs an action body with the phase it runs in.
// An empty Phase means the rule's condition phase.
type ActionSpec struct {
	Phase string `yaml:"phase,omitempty" json:"phase,omitempty"`
	Body  string `yaml:"body" json:"body"`
}

// RuleSpec is a complete rule definition for build.
type RuleSpec struct {
	ID         RuleID          `yaml:"id,omitempty" json:"id,omitempty"`
	Name       string          `yaml:"name,omitempty" json:"name,omitempty"`
	Phase      string          `yaml:"phase" json:"phase"`
	Conditions []ConditionSpec `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions    []ActionSpec    `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Label returns a human-readable rule reference for error messages.
func (r RuleSpec) Label() string {
	switch {
	case r.Name != "":
		return r.Name
	case r.ID != "":
		return string(r.ID)
	default:
		return "<unnamed>"
	}
}
