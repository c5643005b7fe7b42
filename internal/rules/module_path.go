package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/tokenmatch"
	"github.com/solatis/routekeeper/internal/types"
)

const pathModuleID ModuleID = "path"

// pathModule handles token patterns, raw regexes and the trailing-slash
// flag. Only token patterns narrow; the other kinds only filter.
type pathModule struct {
	moduleBase

	matchers []*tokenmatch.Matcher
}

type pathReqData struct {
	tokens []string
}

func newPathModule(nphases int) *pathModule {
	m := &pathModule{
		moduleBase: newModuleBase(pathModuleID, nphases),
		matchers:   make([]*tokenmatch.Matcher, nphases),
	}
	for i := range m.matchers {
		m.matchers[i] = tokenmatch.NewMatcher()
	}
	return m
}

func (m *pathModule) Kinds() []string {
	return []string{types.KindPath, types.KindPathRegex, types.KindPathTrailing}
}

func (m *pathModule) Register(reg *Registrar, rule types.RuleIndex, phase types.Phase, cond types.ConditionSpec) error {
	switch cond.Kind {
	case types.KindPath:
		pat, err := tokenmatch.Parse(strings.TrimSpace(cond.Value))
		if err != nil {
			return err
		}
		reg.AddPredicate(&pathPatternPredicate{phase: phase, pattern: pat})
		if !m.isIndexed(rule) && m.matchers[phase].Add(rule, pat) {
			m.markIndexed(rule)
		}
		return nil

	case types.KindPathRegex:
		src := cond.Value
		if src == "" {
			return fmt.Errorf("%w: empty path regex", types.ErrInvalidRegex)
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalidRegex, err)
		}
		reg.AddPredicate(&pathRegexPredicate{phase: phase, re: re})
		return nil

	case types.KindPathTrailing:
		want, err := parseFlag(cond.Value)
		if err != nil {
			return err
		}
		reg.AddPredicate(&trailingSlashPredicate{phase: phase, want: want})
		return nil

	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownConditionKind, cond.Kind)
	}
}

func (m *pathModule) Finalize(universe func(types.Phase) int) {
	m.finalizeBase(universe)
	for _, mt := range m.matchers {
		mt.Finalize()
	}
}

func (m *pathModule) Narrow(rc *RequestContext, phase types.Phase) indexset.Set {
	return m.narrowWith(phase, func(dst *indexset.Set) {
		mt := m.matchers[phase]
		if mt.Len() == 0 {
			return
		}
		mt.Lookup(scratchFor(rc, m.slot, newPathReqData).tokens, dst)
	})
}

func newPathReqData(req Request) *pathReqData {
	return &pathReqData{tokens: tokenmatch.Tokenize(req.Path())}
}

type pathPatternPredicate struct {
	phase   types.Phase
	pattern *tokenmatch.Pattern
}

func (p *pathPatternPredicate) Module() ModuleID   { return pathModuleID }
func (p *pathPatternPredicate) Phase() types.Phase { return p.phase }
func (p *pathPatternPredicate) String() string     { return types.KindPath + " " + p.pattern.String() }

func (p *pathPatternPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	tokens := scratchFor(rc, rc.engine.path.slot, newPathReqData).tokens
	if !p.pattern.AcceptsLength(len(tokens)) {
		return false, MatchDetail{}
	}
	caps, ok := p.pattern.Match(rc.req.Path())
	if !ok {
		return false, MatchDetail{}
	}
	alts, clusters := p.pattern.SplitCaptures(caps)
	return true, MatchDetail{Captures: caps, Groups: alts, Clusters: clusters}
}

type pathRegexPredicate struct {
	phase types.Phase
	re    *regexp.Regexp
}

func (p *pathRegexPredicate) Module() ModuleID   { return pathModuleID }
func (p *pathRegexPredicate) Phase() types.Phase { return p.phase }
func (p *pathRegexPredicate) String() string     { return types.KindPathRegex + " " + p.re.String() }

func (p *pathRegexPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	sub := p.re.FindStringSubmatch(rc.req.Path())
	if sub == nil {
		return false, MatchDetail{}
	}
	return true, MatchDetail{Captures: sub[1:], Groups: sub[1:]}
}

type trailingSlashPredicate struct {
	phase types.Phase
	want  bool
}

func (p *trailingSlashPredicate) Module() ModuleID   { return pathModuleID }
func (p *trailingSlashPredicate) Phase() types.Phase { return p.phase }

func (p *trailingSlashPredicate) String() string {
	return fmt.Sprintf("%s %t", types.KindPathTrailing, p.want)
}

func (p *trailingSlashPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	path := rc.req.Path()
	has := len(path) > 1 && strings.HasSuffix(path, "/")
	return has == p.want, MatchDetail{}
}
