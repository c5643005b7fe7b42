package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/types"
)

const requestModuleID ModuleID = "request"

// requestModule handles request-shape conditions: the subrequest and
// internal-redirect flags, and the HTTP method.
type requestModule struct {
	moduleBase

	// flags is keyed by the canonical predicate string, e.g. "subrequest true".
	flags   phaseLists
	methods phaseLists
}

func newRequestModule(nphases int) *requestModule {
	return &requestModule{
		moduleBase: newModuleBase(requestModuleID, nphases),
		flags:      newPhaseLists(nphases),
		methods:    newPhaseLists(nphases),
	}
}

func (m *requestModule) Kinds() []string {
	return []string{types.KindSubrequest, types.KindInternalRedirect, types.KindMethod}
}

func (m *requestModule) Register(reg *Registrar, rule types.RuleIndex, phase types.Phase, cond types.ConditionSpec) error {
	switch cond.Kind {
	case types.KindSubrequest, types.KindInternalRedirect:
		want, err := parseFlag(cond.Value)
		if err != nil {
			return err
		}
		p := &flagPredicate{phase: phase, kind: cond.Kind, want: want}
		reg.AddPredicate(p)
		if !m.isIndexed(rule) {
			m.flags.add(phase, p.String(), rule)
			m.markIndexed(rule)
		}
		return nil

	case types.KindMethod:
		method := strings.ToUpper(strings.TrimSpace(cond.Value))
		if method == "" || strings.ContainsAny(method, " \t/") {
			return fmt.Errorf("%w: method %q", types.ErrInvalidCondition, cond.Value)
		}
		reg.AddPredicate(&methodPredicate{phase: phase, method: method})
		if !m.isIndexed(rule) {
			m.methods.add(phase, method, rule)
			m.markIndexed(rule)
		}
		return nil

	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownConditionKind, cond.Kind)
	}
}

func (m *requestModule) Finalize(universe func(types.Phase) int) {
	m.finalizeBase(universe)
}

func (m *requestModule) Narrow(rc *RequestContext, phase types.Phase) indexset.Set {
	return m.narrowWith(phase, func(dst *indexset.Set) {
		req := rc.req
		if len(m.flags[phase]) > 0 {
			m.flags.lookup(phase, flagKey(types.KindSubrequest, req.IsSubrequest()), dst)
			m.flags.lookup(phase, flagKey(types.KindInternalRedirect, req.IsInternalRedirect()), dst)
		}
		if len(m.methods[phase]) > 0 {
			m.methods.lookup(phase, strings.ToUpper(req.Method()), dst)
		}
	})
}

// parseFlag reads a boolean condition value; an empty value means true.
func parseFlag(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: flag value %q", types.ErrInvalidCondition, v)
	}
}

func flagKey(kind string, v bool) string {
	return fmt.Sprintf("%s %t", kind, v)
}

type flagPredicate struct {
	phase types.Phase
	kind  string
	want  bool
}

func (p *flagPredicate) Module() ModuleID   { return requestModuleID }
func (p *flagPredicate) Phase() types.Phase { return p.phase }
func (p *flagPredicate) String() string     { return flagKey(p.kind, p.want) }

func (p *flagPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	var got bool
	if p.kind == types.KindSubrequest {
		got = rc.req.IsSubrequest()
	} else {
		got = rc.req.IsInternalRedirect()
	}
	return got == p.want, MatchDetail{}
}

type methodPredicate struct {
	phase  types.Phase
	method string
}

func (p *methodPredicate) Module() ModuleID   { return requestModuleID }
func (p *methodPredicate) Phase() types.Phase { return p.phase }
func (p *methodPredicate) String() string     { return types.KindMethod + " " + p.method }

func (p *methodPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	return strings.EqualFold(rc.req.Method(), p.method), MatchDetail{}
}
