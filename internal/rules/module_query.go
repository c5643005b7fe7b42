package rules

import (
	"fmt"
	"strings"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/types"
)

const queryModuleID ModuleID = "query"

// queryModule handles query-argument conditions, indexed by argument name.
type queryModule struct {
	moduleBase

	names phaseLists
}

type queryReqData struct {
	args QueryArgs
}

func newQueryModule(nphases int) *queryModule {
	return &queryModule{
		moduleBase: newModuleBase(queryModuleID, nphases),
		names:      newPhaseLists(nphases),
	}
}

func (m *queryModule) Kinds() []string {
	return []string{types.KindQueryArg, types.KindQueryArgValue}
}

func (m *queryModule) Register(reg *Registrar, rule types.RuleIndex, phase types.Phase, cond types.ConditionSpec) error {
	var p Predicate
	switch cond.Kind {
	case types.KindQueryArg:
		name := strings.TrimSpace(cond.Name)
		if name == "" {
			name = strings.TrimSpace(cond.Value)
		}
		if err := validArgName(name); err != nil {
			return err
		}
		p = &queryArgPredicate{phase: phase, name: name}

	case types.KindQueryArgValue:
		name, value := cond.Name, cond.Value
		if name == "" {
			var ok bool
			name, value, ok = strings.Cut(cond.Value, "=")
			if !ok {
				return fmt.Errorf("%w: query-arg-value %q needs name=value", types.ErrInvalidCondition, cond.Value)
			}
		}
		name = strings.TrimSpace(name)
		if err := validArgName(name); err != nil {
			return err
		}
		p = &queryArgValuePredicate{phase: phase, name: name, value: value}

	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownConditionKind, cond.Kind)
	}

	reg.AddPredicate(p)
	if !m.isIndexed(rule) {
		m.names.add(phase, argNameOf(p), rule)
		m.markIndexed(rule)
	}
	return nil
}

func (m *queryModule) Finalize(universe func(types.Phase) int) {
	m.finalizeBase(universe)
}

func (m *queryModule) Narrow(rc *RequestContext, phase types.Phase) indexset.Set {
	return m.narrowWith(phase, func(dst *indexset.Set) {
		names := m.names[phase]
		if len(names) == 0 {
			return
		}
		args := scratchFor(rc, m.slot, newQueryReqData).args
		if len(args) < len(names) {
			for name := range args {
				m.names.lookup(phase, name, dst)
			}
			return
		}
		for name := range names {
			if args.Has(name) {
				m.names.lookup(phase, name, dst)
			}
		}
	})
}

func newQueryReqData(req Request) *queryReqData {
	return &queryReqData{args: ParseQuery(req.RawQuery())}
}

func validArgName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty query argument name", types.ErrInvalidCondition)
	}
	if strings.ContainsAny(name, "=&") {
		return fmt.Errorf("%w: query argument name %q", types.ErrInvalidCondition, name)
	}
	return nil
}

func argNameOf(p Predicate) string {
	switch p := p.(type) {
	case *queryArgPredicate:
		return p.name
	case *queryArgValuePredicate:
		return p.name
	}
	return ""
}

type queryArgPredicate struct {
	phase types.Phase
	name  string
}

func (p *queryArgPredicate) Module() ModuleID   { return queryModuleID }
func (p *queryArgPredicate) Phase() types.Phase { return p.phase }
func (p *queryArgPredicate) String() string     { return types.KindQueryArg + " " + p.name }

func (p *queryArgPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	args := scratchFor(rc, rc.engine.query.slot, newQueryReqData).args
	return args.Has(p.name), MatchDetail{}
}

// queryArgValuePredicate requires an occurrence of name carrying value.
// A bare "?name" has no value and never satisfies it.
type queryArgValuePredicate struct {
	phase types.Phase
	name  string
	value string
}

func (p *queryArgValuePredicate) Module() ModuleID   { return queryModuleID }
func (p *queryArgValuePredicate) Phase() types.Phase { return p.phase }

func (p *queryArgValuePredicate) String() string {
	return types.KindQueryArgValue + " " + p.name + "=" + p.value
}

func (p *queryArgValuePredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	args := scratchFor(rc, rc.engine.query.slot, newQueryReqData).args
	return args.HasValue(p.name, p.value), MatchDetail{}
}
