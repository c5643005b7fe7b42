package types

import "errors"

// Sentinel errors for RouteKeeper operations.
var (
	// ErrInvalidPattern indicates a malformed token pattern (bad alternation,
	// wildcard inside an alternation, partial wildcard, empty token-set).
	ErrInvalidPattern = errors.New("invalid path pattern")

	// ErrInvalidRegex indicates a path-regex condition that failed to compile.
	ErrInvalidRegex = errors.New("invalid regular expression")

	// ErrInvalidExpression indicates an expr condition that failed to compile.
	ErrInvalidExpression = errors.New("invalid expression")

	// ErrInvalidCondition indicates a condition with missing or malformed arguments.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrUnknownConditionKind indicates no condition module accepts the kind.
	ErrUnknownConditionKind = errors.New("unknown condition kind")

	// ErrInvalidPhase indicates an unknown phase name or malformed enumeration.
	ErrInvalidPhase = errors.New("invalid phase")

	// ErrDuplicateRule indicates two rules share the same RuleID.
	ErrDuplicateRule = errors.New("duplicate rule id")

	// ErrInvalidAction indicates an action body the executor could not compile.
	ErrInvalidAction = errors.New("invalid action")

	// ErrActionFailed indicates a fatal action error that aborted a phase.
	ErrActionFailed = errors.New("action failed")

	// ErrEmptyRuleSet indicates a rule source produced no rules.
	ErrEmptyRuleSet = errors.New("rule set is empty")
)
