package rules

import (
	"fmt"
	"strings"

	"github.com/armon/go-radix"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/net/idna"

	"github.com/solatis/routekeeper/internal/indexset"
	"github.com/solatis/routekeeper/internal/types"
)

const (
	coreModuleID ModuleID = "core"

	// bloomThreshold is the exact-name count above which a phase gets a
	// bloom prefilter in front of its name map.
	bloomThreshold = 10000
)

// coreModule handles server-name and expr conditions.
type coreModule struct {
	moduleBase

	exact phaseLists
	wild  []*radix.Tree
	bf    []*bloom.BloomFilter
}

type coreReqData struct {
	host    string
	revHost string
}

func newCoreModule(nphases int) *coreModule {
	m := &coreModule{
		moduleBase: newModuleBase(coreModuleID, nphases),
		exact:      newPhaseLists(nphases),
		wild:       make([]*radix.Tree, nphases),
		bf:         make([]*bloom.BloomFilter, nphases),
	}
	for i := range m.wild {
		m.wild[i] = radix.New()
	}
	return m
}

func (m *coreModule) Kinds() []string {
	return []string{types.KindServerName, types.KindExpr}
}

func (m *coreModule) Register(reg *Registrar, rule types.RuleIndex, phase types.Phase, cond types.ConditionSpec) error {
	switch cond.Kind {
	case types.KindServerName:
		return m.registerServerName(reg, rule, phase, cond.Value)
	case types.KindExpr:
		p, err := newExprPredicate(phase, cond.Value)
		if err != nil {
			return err
		}
		reg.AddPredicate(p)
		return nil
	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownConditionKind, cond.Kind)
	}
}

func (m *coreModule) registerServerName(reg *Registrar, rule types.RuleIndex, phase types.Phase, value string) error {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return fmt.Errorf("%w: empty server name", types.ErrInvalidCondition)
	}
	if raw == "*" {
		return nil
	}

	wildcard := strings.HasPrefix(raw, "*.")
	base := strings.TrimPrefix(raw, "*.")
	if strings.Contains(base, "*") {
		return fmt.Errorf("%w: server name %q: only a leading \"*.\" wildcard is allowed", types.ErrInvalidCondition, raw)
	}
	canon, err := normalizeHost(base)
	if err != nil || canon == "" {
		return fmt.Errorf("%w: server name %q", types.ErrInvalidCondition, raw)
	}

	reg.AddPredicate(&serverNamePredicate{phase: phase, name: canon, wildcard: wildcard})

	if m.isIndexed(rule) {
		return nil
	}
	if wildcard {
		key := reverseLabels(canon) + "."
		var list []types.RuleIndex
		if v, ok := m.wild[phase].Get(key); ok {
			list = v.([]types.RuleIndex)
		}
		m.wild[phase].Insert(key, append(list, rule))
	} else {
		m.exact.add(phase, canon, rule)
	}
	m.markIndexed(rule)
	return nil
}

func (m *coreModule) Finalize(universe func(types.Phase) int) {
	m.finalizeBase(universe)
	for ph, names := range m.exact {
		if len(names) <= bloomThreshold {
			continue
		}
		bf := bloom.NewWithEstimates(uint(len(names))*4, 1e-4)
		for name := range names {
			bf.AddString(name)
		}
		m.bf[ph] = bf
	}
}

func (m *coreModule) Narrow(rc *RequestContext, phase types.Phase) indexset.Set {
	return m.narrowWith(phase, func(dst *indexset.Set) {
		rd := scratchFor(rc, m.slot, newCoreReqData)
		if rd.host == "" {
			return
		}
		if bf := m.bf[phase]; bf == nil || bf.TestString(rd.host) {
			m.exact.lookup(phase, rd.host, dst)
		}

		wild := m.wild[phase]
		if wild.Len() == 0 {
			return
		}
		wild.WalkPath(rd.revHost, func(key string, v interface{}) bool {
			// the exact apex does not match its own wildcard
			if key != rd.revHost {
				dst.UnionWith(indexset.FromSorted(dst.Universe(), v.([]types.RuleIndex)))
			}
			return false
		})
	})
}

func newCoreReqData(req Request) *coreReqData {
	host, _ := normalizeHost(req.ServerName())
	rd := &coreReqData{host: host}
	if host != "" {
		rd.revHost = reverseLabels(host) + "."
	}
	return rd
}

// normalizeHost lowercases, strips a port and the root dot, and converts
// internationalized names to their ASCII form.
func normalizeHost(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	h = strings.TrimSuffix(h, ".")
	if h == "" {
		return "", nil
	}
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return h, err
	}
	return ascii, nil
}

func reverseLabels(d string) string {
	parts := strings.Split(d, ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

type serverNamePredicate struct {
	phase    types.Phase
	name     string
	wildcard bool
}

func (p *serverNamePredicate) Module() ModuleID   { return coreModuleID }
func (p *serverNamePredicate) Phase() types.Phase { return p.phase }

func (p *serverNamePredicate) String() string {
	if p.wildcard {
		return types.KindServerName + " *." + p.name
	}
	return types.KindServerName + " " + p.name
}

func (p *serverNamePredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	host := scratchFor(rc, rc.engine.core.slot, newCoreReqData).host
	if p.wildcard {
		return strings.HasSuffix(host, "."+p.name), MatchDetail{}
	}
	return host == p.name, MatchDetail{}
}

// exprSchema types the variables visible to expr conditions.
var exprSchema = map[string]any{
	"path":              "",
	"query":             "",
	"server_name":       "",
	"method":            "",
	"subrequest":        false,
	"internal_redirect": false,
	"args":              map[string]string{},
}

type exprPredicate struct {
	phase   types.Phase
	source  string
	program *vm.Program
}

func newExprPredicate(phase types.Phase, src string) (*exprPredicate, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty expression", types.ErrInvalidExpression)
	}
	program, err := expr.Compile(src, expr.Env(exprSchema), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidExpression, err)
	}
	return &exprPredicate{phase: phase, source: src, program: program}, nil
}

func (p *exprPredicate) Module() ModuleID   { return coreModuleID }
func (p *exprPredicate) Phase() types.Phase { return p.phase }
func (p *exprPredicate) String() string     { return types.KindExpr + " " + p.source }

func (p *exprPredicate) Match(rc *RequestContext) (bool, MatchDetail) {
	req := rc.req
	args := make(map[string]string)
	for name, vals := range scratchFor(rc, rc.engine.query.slot, newQueryReqData).args {
		args[name] = vals[0].Value
	}
	env := map[string]any{
		"path":              req.Path(),
		"query":             req.RawQuery(),
		"server_name":       scratchFor(rc, rc.engine.core.slot, newCoreReqData).host,
		"method":            req.Method(),
		"subrequest":        req.IsSubrequest(),
		"internal_redirect": req.IsInternalRedirect(),
		"args":              args,
	}

	out, err := expr.Run(p.program, env)
	if err != nil {
		rc.log.Debug().Err(err).Str("expr", p.source).Msg("Expression evaluation failed")
		return false, MatchDetail{}
	}
	ok, _ := out.(bool)
	return ok, MatchDetail{}
}
