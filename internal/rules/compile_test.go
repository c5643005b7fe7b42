// internal/rules/compile_test.go
package rules

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/solatis/routekeeper/internal/types"
)

func cond(kind, value string) types.ConditionSpec {
	return types.ConditionSpec{Kind: kind, Value: value}
}

func spec(name, phase string, actions []string, conds ...types.ConditionSpec) types.RuleSpec {
	rs := types.RuleSpec{Name: name, Phase: phase, Conditions: conds}
	for _, a := range actions {
		rs.Actions = append(rs.Actions, types.ActionSpec{Body: a})
	}
	return rs
}

func mustBuild(t *testing.T, specs []types.RuleSpec, opts ...Option) *Engine {
	t.Helper()
	e, err := Build(specs, opts...)
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	return e
}

func mustPhase(t *testing.T, name string) types.Phase {
	t.Helper()
	ph, err := types.DefaultPhases.Parse(name)
	if err != nil {
		t.Fatalf("Parse(%q) error = %v, want nil", name, err)
	}
	return ph
}

func TestBuild_PredicateDedup(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("a", "routing", []string{"ok"},
			cond(types.KindPath, "/api/(v1|v2)/**"),
			types.ConditionSpec{Kind: types.KindQueryArg, Name: "debug"}),
		spec("b", "routing", []string{"ok"},
			cond(types.KindPath, "api/(v1|v2)/**"),
			types.ConditionSpec{Kind: types.KindQueryArg, Name: "debug"}),
	})

	if got := e.Predicates().Len(); got != 2 {
		t.Fatalf("Predicates().Len() = %d, want 2", got)
	}
	a, b := e.Rules().Get(0), e.Rules().Get(1)
	if !reflect.DeepEqual(a.Predicates, b.Predicates) {
		t.Errorf("rule predicates differ: %v vs %v", a.Predicates, b.Predicates)
	}
}

func TestBuild_DedupWithinRule(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("a", "routing", nil,
			cond(types.KindMethod, "get"),
			cond(types.KindMethod, "GET")),
	})
	if got := len(e.Rules().Get(0).Predicates); got != 1 {
		t.Errorf("len(Predicates) = %d, want 1", got)
	}
}

func TestBuild_NoDedupAcrossPhases(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("a", "routing", nil, cond(types.KindPath, "/x")),
		spec("b", "fixups", nil, cond(types.KindPath, "/x")),
	})
	if got := e.Predicates().Len(); got != 2 {
		t.Errorf("Predicates().Len() = %d, want 2", got)
	}
}

func TestStoreUnique(t *testing.T) {
	store := NewPredicateStore()
	p1 := &methodPredicate{phase: 1, method: "GET"}
	p2 := &methodPredicate{phase: 1, method: "GET"}
	p3 := &methodPredicate{phase: 2, method: "GET"}

	i1 := store.StoreUnique(p1)
	i2 := store.StoreUnique(p2)
	i3 := store.StoreUnique(p3)

	if i1 != i2 {
		t.Errorf("StoreUnique(equal) = %d, %d; want same index", i1, i2)
	}
	if i3 == i1 {
		t.Errorf("StoreUnique(other phase) = %d, want a new index", i3)
	}
	if store.Get(i1) != p1 {
		t.Error("Get() did not return the first stored instance")
	}
	if got := store.InPhase(1); !reflect.DeepEqual(got, []types.PredicateIndex{i1}) {
		t.Errorf("InPhase(1) = %v, want [%d]", got, i1)
	}
}

func TestKeyOf_ModuleIsPartOfIdentity(t *testing.T) {
	a := &queryArgPredicate{phase: 0, name: "x"}
	b := &queryArgValuePredicate{phase: 0, name: "x", value: ""}
	if KeyOf(a) == KeyOf(b) {
		t.Error("KeyOf() collided for different predicate strings")
	}
	if !strings.Contains(string(KeyOf(a)), "query") {
		t.Errorf("KeyOf() = %q, want module id inside", KeyOf(a))
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		rule types.RuleSpec
		want error
	}{
		{"alternation wildcard", spec("r", "routing", nil, cond(types.KindPath, "/a/(b|*)")), types.ErrInvalidPattern},
		{"unterminated alternation", spec("r", "routing", nil, cond(types.KindPath, "/a/(b|c")), types.ErrInvalidPattern},
		{"partial wildcard", spec("r", "routing", nil, cond(types.KindPath, "/a*b")), types.ErrInvalidPattern},
		{"unknown kind", spec("r", "routing", nil, cond("cookie", "x")), types.ErrUnknownConditionKind},
		{"invalid phase", spec("r", "nowhere", nil), types.ErrInvalidPhase},
		{"invalid action phase", types.RuleSpec{Phase: "routing", Actions: []types.ActionSpec{{Phase: "later", Body: "ok"}}}, types.ErrInvalidPhase},
		{"invalid action", spec("r", "routing", []string{"maybe"}), types.ErrInvalidAction},
		{"invalid regex", spec("r", "routing", nil, cond(types.KindPathRegex, "(")), types.ErrInvalidRegex},
		{"invalid expr", spec("r", "routing", nil, cond(types.KindExpr, "path ==")), types.ErrInvalidExpression},
		{"non bool expr", spec("r", "routing", nil, cond(types.KindExpr, "path")), types.ErrInvalidExpression},
		{"query value without name", spec("r", "routing", nil, cond(types.KindQueryArgValue, "novalue")), types.ErrInvalidCondition},
		{"query name with equals", types.RuleSpec{Phase: "routing", Conditions: []types.ConditionSpec{{Kind: types.KindQueryArg, Name: "a=b"}}}, types.ErrInvalidCondition},
		{"inner wildcard host", spec("r", "routing", nil, cond(types.KindServerName, "a.*.example.com")), types.ErrInvalidCondition},
		{"bad flag", spec("r", "routing", nil, cond(types.KindSubrequest, "maybe")), types.ErrInvalidCondition},
		{"empty method", spec("r", "routing", nil, cond(types.KindMethod, " ")), types.ErrInvalidCondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build([]types.RuleSpec{tt.rule})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuild_ErrorNamesRule(t *testing.T) {
	_, err := Build([]types.RuleSpec{
		spec("first", "routing", nil),
		spec("second", "routing", nil, cond(types.KindPath, "/x"), cond(types.KindPath, "/(|a)")),
	})
	if err == nil {
		t.Fatal("Build() error = nil, want error")
	}
	for _, want := range []string{"rule 1 (second)", "condition 1 (path)"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Build() error = %q, want it to contain %q", err, want)
		}
	}
}

func TestBuild_DuplicateID(t *testing.T) {
	a := spec("a", "routing", nil)
	a.ID = "r-1"
	b := spec("b", "routing", nil)
	b.ID = "r-1"

	_, err := Build([]types.RuleSpec{a, b})
	if !errors.Is(err, types.ErrDuplicateRule) {
		t.Fatalf("Build() error = %v, want ErrDuplicateRule", err)
	}
}

func TestBuild_AssignsIDs(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{spec("a", "routing", nil)})
	id := e.Rules().Get(0).ID
	if _, err := uuid.Parse(string(id)); err != nil {
		t.Errorf("uuid.Parse(%q) error = %v, want nil", id, err)
	}
}

func TestBuild_Options(t *testing.T) {
	if _, err := Build(nil, WithMaxIterations(0)); err == nil {
		t.Error("Build(max iterations 0) error = nil, want error")
	}
	if _, err := Build(nil, WithExecutor(nil)); !errors.Is(err, types.ErrInvalidAction) {
		t.Errorf("Build(nil executor) error = %v, want ErrInvalidAction", err)
	}

	phases := types.MustPhases("request", "response")
	e := mustBuild(t, []types.RuleSpec{spec("a", "response", nil)}, WithPhases(phases), WithMaxIterations(3))
	if e.Rules().Get(0).Phase != 1 {
		t.Errorf("Phase = %d, want 1", e.Rules().Get(0).Phase)
	}
	if e.MaxIterations() != 3 {
		t.Errorf("MaxIterations() = %d, want 3", e.MaxIterations())
	}
}

func TestBuild_MatchAllRegistration(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("indexed", "routing", nil, cond(types.KindPath, "/a/b")),
		spec("regex only", "routing", nil, cond(types.KindPathRegex, "^/a")),
		spec("unconstrained", "routing", nil, cond(types.KindPath, "/**")),
		spec("no path", "routing", nil, cond(types.KindMethod, "GET")),
	})
	routing := mustPhase(t, "routing")

	if got := e.path.MatchAllLen(routing); got != 3 {
		t.Errorf("path MatchAllLen = %d, want 3", got)
	}
	if got := e.request.MatchAllLen(routing); got != 3 {
		t.Errorf("request MatchAllLen = %d, want 3", got)
	}
	if got := e.query.MatchAllLen(routing); got != 4 {
		t.Errorf("query MatchAllLen = %d, want 4", got)
	}
}

func TestBuild_DeferredActions(t *testing.T) {
	rs := spec("a", "routing", []string{"ok"})
	rs.Actions = append(rs.Actions, types.ActionSpec{Phase: "logging", Body: "declined"})
	e := mustBuild(t, []types.RuleSpec{rs})

	logging := mustPhase(t, "logging")
	if got := e.Rules().Deferred(logging); !reflect.DeepEqual(got, []types.RuleIndex{0}) {
		t.Errorf("Deferred(logging) = %v, want [0]", got)
	}
	if !e.Rules().Get(0).HasActionsIn(logging) {
		t.Error("HasActionsIn(logging) = false, want true")
	}
}
