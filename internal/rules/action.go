package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/solatis/routekeeper/internal/types"
)

// Status is the control-flow result of an action or a phase.
type Status int

const (
	// Declined continues with the next action.
	Declined Status = iota
	// OK stops all further actions in the phase and succeeds.
	OK
	// DelayedOK remembers success and continues.
	DelayedOK
	// Relookup stops the pass and re-enters narrowing.
	Relookup
)

func (s Status) String() string {
	switch s {
	case Declined:
		return "declined"
	case OK:
		return "ok"
	case DelayedOK:
		return "delayed-ok"
	case Relookup:
		return "relookup"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus accepts the names produced by String, case-insensitively,
// with "_" and "-" treated alike.
func ParseStatus(s string) (Status, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "declined":
		return Declined, nil
	case "ok":
		return OK, nil
	case "delayed-ok":
		return DelayedOK, nil
	case "relookup":
		return Relookup, nil
	default:
		return Declined, fmt.Errorf("unknown status %q", s)
	}
}

// ActionCall is the context handed to an executor for one action.
type ActionCall struct {
	Rule    *Rule
	Action  *Action
	Phase   types.Phase
	Request *RequestContext
}

// ActionExecutor runs opaque action bodies. Compile is called once per
// action at build time; its error fails the build. A non-nil error from
// Execute is fatal and aborts the phase.
type ActionExecutor interface {
	Compile(body string) (any, error)
	Execute(ctx context.Context, call ActionCall) (Status, error)
}

// KeywordExecutor treats each body as a literal status name. It is the
// default executor and serves tests, dry runs and static routing tables.
type KeywordExecutor struct{}

// Compile parses the status keyword.
func (KeywordExecutor) Compile(body string) (any, error) {
	return ParseStatus(body)
}

// Execute returns the compiled status.
func (KeywordExecutor) Execute(_ context.Context, call ActionCall) (Status, error) {
	st, ok := call.Action.Compiled.(Status)
	if !ok {
		return Declined, fmt.Errorf("action was not compiled by KeywordExecutor")
	}
	return st, nil
}
