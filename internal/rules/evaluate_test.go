// internal/rules/evaluate_test.go
package rules

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/solatis/routekeeper/internal/metrics"
	"github.com/solatis/routekeeper/internal/types"
)

// recorder is an executor that logs rule names and replays scripted statuses.
type recorder struct {
	calls  []string
	script func(call ActionCall, n int) (Status, error)
}

func (r *recorder) Compile(body string) (any, error) { return body, nil }

func (r *recorder) Execute(_ context.Context, call ActionCall) (Status, error) {
	r.calls = append(r.calls, call.Rule.Name)
	if r.script == nil {
		return ParseStatus(call.Action.Body)
	}
	return r.script(call, len(r.calls))
}

func run(t *testing.T, e *Engine, req Request, phase string) (Status, *RequestContext) {
	t.Helper()
	rc := e.NewRequestContext(req)
	st, err := e.RunPhase(context.Background(), rc, mustPhase(t, phase))
	if err != nil {
		t.Fatalf("RunPhase() error = %v, want nil", err)
	}
	return st, rc
}

func TestRunPhase_ProductsScenario(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("A", "routing", []string{"ok"}, cond(types.KindPath, "/products/(tv|audio)/**")),
	})

	st, rc := run(t, e, StaticRequest{RequestPath: "/products/tv/reviews/2020"}, "routing")
	if st != OK {
		t.Errorf("RunPhase(/products/tv/reviews/2020) = %v, want ok", st)
	}
	if got, want := rc.Captures(0), []string{"tv", "/reviews/2020"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Captures(0) = %q, want %q", got, want)
	}
	groups, clusters := rc.CaptureGroups(0)
	if !reflect.DeepEqual(groups, []string{"tv"}) || !reflect.DeepEqual(clusters, []string{"/reviews/2020"}) {
		t.Errorf("CaptureGroups(0) = %q, %q; want [tv], [/reviews/2020]", groups, clusters)
	}

	st, _ = run(t, e, StaticRequest{RequestPath: "/products/kitchen/x"}, "routing")
	if st != Declined {
		t.Errorf("RunPhase(/products/kitchen/x) = %v, want declined", st)
	}

	ex, err := e.Explain(StaticRequest{RequestPath: "/products/kitchen/x"}, mustPhase(t, "routing"))
	if err != nil {
		t.Fatalf("Explain() error = %v, want nil", err)
	}
	if ex.Candidates != 0 {
		t.Errorf("Explain().Candidates = %d, want 0 (alternation slot rejects kitchen)", ex.Candidates)
	}

	ex, err = e.Explain(StaticRequest{RequestPath: "/products/audio"}, mustPhase(t, "routing"))
	if err != nil {
		t.Fatalf("Explain() error = %v, want nil", err)
	}
	if len(ex.Rules) != 1 || !ex.Rules[0].Matched {
		t.Fatalf("Explain(/products/audio).Rules = %+v, want one matched rule", ex.Rules)
	}
	if ex.Rules[0].Predicates[0].Predicate != "path /products/(tv|audio)/**" {
		t.Errorf("Predicate = %q", ex.Rules[0].Predicates[0].Predicate)
	}
}

func TestRunPhase_RuleOrdering(t *testing.T) {
	rec := &recorder{}
	e := mustBuild(t, []types.RuleSpec{
		spec("R0", "routing", []string{"declined"}, cond(types.KindPath, "/shop/**")),
		spec("R1", "routing", []string{"declined"}, types.ConditionSpec{Kind: types.KindQueryArg, Name: "x"}),
		spec("R2", "routing", []string{"declined"}, cond(types.KindMethod, "GET")),
		spec("R3", "routing", []string{"declined"}, cond(types.KindMethod, "PUT")),
	}, WithExecutor(rec))

	st, _ := run(t, e, StaticRequest{RequestPath: "/shop/a", Query: "x=1", HTTPMethod: "GET"}, "routing")
	if st != Declined {
		t.Errorf("RunPhase() = %v, want declined", st)
	}
	if want := []string{"R0", "R1", "R2"}; !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
}

func TestRunPhase_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		bodies [][]string
		want   Status
		calls  []string
	}{
		{"ok stops", [][]string{{"ok", "declined"}, {"declined"}}, OK, []string{"r0"}},
		{"delayed ok continues", [][]string{{"delayed-ok"}, {"declined"}}, OK, []string{"r0", "r1"}},
		{"declined everywhere", [][]string{{"declined"}, {"declined", "declined"}}, Declined, []string{"r0", "r1", "r1"}},
		{"ok after delayed", [][]string{{"delayed_ok"}, {"OK"}, {"declined"}}, OK, []string{"r0", "r1"}},
		{"no actions", [][]string{{}, {}}, Declined, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			var specs []types.RuleSpec
			for i, bodies := range tt.bodies {
				specs = append(specs, spec("r"+string(rune('0'+i)), "routing", bodies))
			}
			e := mustBuild(t, specs, WithExecutor(rec))

			st, _ := run(t, e, StaticRequest{RequestPath: "/"}, "routing")
			if st != tt.want {
				t.Errorf("RunPhase() = %v, want %v", st, tt.want)
			}
			if !reflect.DeepEqual(rec.calls, tt.calls) {
				t.Errorf("calls = %v, want %v", rec.calls, tt.calls)
			}
		})
	}
}

func TestRunPhase_FatalAction(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{script: func(call ActionCall, n int) (Status, error) {
		return Declined, boom
	}}
	e := mustBuild(t, []types.RuleSpec{
		spec("bad", "routing", []string{"x"}),
		spec("never", "routing", []string{"x"}),
	}, WithExecutor(rec))

	rc := e.NewRequestContext(StaticRequest{RequestPath: "/"})
	before := testutil.ToFloat64(metrics.ActionErrors.WithLabelValues("routing"))

	_, err := e.RunPhase(context.Background(), rc, mustPhase(t, "routing"))
	if !errors.Is(err, types.ErrActionFailed) || !errors.Is(err, boom) {
		t.Fatalf("RunPhase() error = %v, want ErrActionFailed wrapping boom", err)
	}
	if !strings.Contains(err.Error(), "rule bad action 0") {
		t.Errorf("RunPhase() error = %q, want rule label", err)
	}
	if len(rec.calls) != 1 {
		t.Errorf("calls = %v, want one", rec.calls)
	}
	if got := testutil.ToFloat64(metrics.ActionErrors.WithLabelValues("routing")) - before; got != 1 {
		t.Errorf("action errors delta = %v, want 1", got)
	}
}

func TestRunPhase_RelookupBound(t *testing.T) {
	rec := &recorder{script: func(ActionCall, int) (Status, error) { return Relookup, nil }}
	e := mustBuild(t, []types.RuleSpec{
		spec("loop", "fixups", []string{"relookup"}),
	}, WithExecutor(rec), WithMaxIterations(4))

	before := testutil.ToFloat64(metrics.RelookupLimit.WithLabelValues("fixups"))

	st, rc := run(t, e, StaticRequest{RequestPath: "/"}, "fixups")
	if st != Declined {
		t.Errorf("RunPhase() = %v, want declined", st)
	}
	if len(rec.calls) != 4 {
		t.Errorf("executions = %d, want 4", len(rec.calls))
	}
	if rc.Passes() != 4 {
		t.Errorf("Passes() = %d, want 4", rc.Passes())
	}
	if got := testutil.ToFloat64(metrics.RelookupLimit.WithLabelValues("fixups")) - before; got != 1 {
		t.Errorf("relookup limit delta = %v, want 1", got)
	}
}

func TestRunPhase_RelookupReevaluates(t *testing.T) {
	rec := &recorder{script: func(_ ActionCall, n int) (Status, error) {
		if n == 1 {
			return Relookup, nil
		}
		return OK, nil
	}}
	e := mustBuild(t, []types.RuleSpec{
		spec("r", "routing", []string{"x"}, cond(types.KindPath, "/a/*")),
	}, WithExecutor(rec))

	st, rc := run(t, e, StaticRequest{RequestPath: "/a/b"}, "routing")
	if st != OK {
		t.Errorf("RunPhase() = %v, want ok", st)
	}
	if rc.Passes() != 2 {
		t.Errorf("Passes() = %d, want 2", rc.Passes())
	}
	if rc.Evaluations() != 2 {
		t.Errorf("Evaluations() = %d, want 2 (cache reset on relookup)", rc.Evaluations())
	}
	if got := rc.MatchedRules(mustPhase(t, "routing")); !reflect.DeepEqual(got, []types.RuleIndex{0}) {
		t.Errorf("MatchedRules() = %v, want [0]", got)
	}
}

func TestRunPhase_SharedPredicateEvaluatedOnce(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("a", "routing", nil, types.ConditionSpec{Kind: types.KindQueryArg, Name: "x"}),
		spec("b", "routing", nil, types.ConditionSpec{Kind: types.KindQueryArg, Name: "x"}),
		spec("c", "routing", nil, types.ConditionSpec{Kind: types.KindQueryArg, Name: "x"}),
	})

	_, rc := run(t, e, StaticRequest{RequestPath: "/", Query: "x"}, "routing")
	if rc.Evaluations() != 1 {
		t.Errorf("Evaluations() = %d, want 1", rc.Evaluations())
	}
	if got := rc.MatchedRules(mustPhase(t, "routing")); len(got) != 3 {
		t.Errorf("MatchedRules() = %v, want 3 rules", got)
	}
}

func TestRunPhase_CacheScopedByPhase(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("a", "routing", nil, cond(types.KindMethod, "GET")),
	})
	rc := e.NewRequestContext(StaticRequest{RequestPath: "/", HTTPMethod: "GET"})
	ctx := context.Background()

	steps := []struct {
		phase string
		want  int
	}{
		{"routing", 1},
		{"fixups", 1},
		{"routing", 2},
	}
	for _, s := range steps {
		if _, err := e.RunPhase(ctx, rc, mustPhase(t, s.phase)); err != nil {
			t.Fatalf("RunPhase(%s) error = %v, want nil", s.phase, err)
		}
		if rc.Evaluations() != s.want {
			t.Errorf("after %s: Evaluations() = %d, want %d", s.phase, rc.Evaluations(), s.want)
		}
	}
}

func TestRunPhase_DeferredActions(t *testing.T) {
	rec := &recorder{}
	matching := spec("matching", "routing", []string{"declined"}, cond(types.KindPath, "/a"))
	matching.Actions = append(matching.Actions, types.ActionSpec{Phase: "logging", Body: "declined"})
	other := spec("other", "routing", nil, cond(types.KindPath, "/b"))
	other.Actions = append(other.Actions, types.ActionSpec{Phase: "logging", Body: "declined"})

	e := mustBuild(t, []types.RuleSpec{matching, other}, WithExecutor(rec))
	rc := e.NewRequestContext(StaticRequest{RequestPath: "/a"})
	ctx := context.Background()

	for _, ph := range []string{"routing", "logging"} {
		if _, err := e.RunPhase(ctx, rc, mustPhase(t, ph)); err != nil {
			t.Fatalf("RunPhase(%s) error = %v, want nil", ph, err)
		}
	}
	if want := []string{"matching", "matching"}; !reflect.DeepEqual(rec.calls, want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
}

func TestRunPhase_InvalidPhase(t *testing.T) {
	e := mustBuild(t, nil)
	rc := e.NewRequestContext(StaticRequest{})
	if _, err := e.RunPhase(context.Background(), rc, types.Phase(200)); !errors.Is(err, types.ErrInvalidPhase) {
		t.Errorf("RunPhase(200) error = %v, want ErrInvalidPhase", err)
	}

	other := mustBuild(t, nil)
	if _, err := other.RunPhase(context.Background(), rc, 0); err == nil {
		t.Error("RunPhase(foreign context) error = nil, want error")
	}
}

func matchedNames(t *testing.T, e *Engine, req Request) []string {
	t.Helper()
	ex, err := e.Explain(req, mustPhase(t, "routing"))
	if err != nil {
		t.Fatalf("Explain() error = %v, want nil", err)
	}
	var names []string
	for _, r := range ex.Rules {
		if r.Matched {
			names = append(names, r.Name)
		}
	}
	return names
}

func TestQueryArgs_PresentWithoutValue(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("present", "routing", nil, types.ConditionSpec{Kind: types.KindQueryArg, Name: "a"}),
		spec("empty", "routing", nil, types.ConditionSpec{Kind: types.KindQueryArgValue, Name: "a", Value: ""}),
		spec("one", "routing", nil, cond(types.KindQueryArgValue, "a=1")),
	})

	tests := []struct {
		query string
		want  []string
	}{
		{"", nil},
		{"a", []string{"present"}},
		{"a=", []string{"present", "empty"}},
		{"a=1", []string{"present", "one"}},
		{"a&a=1", []string{"present", "one"}},
		{"b=1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := matchedNames(t, e, StaticRequest{RequestPath: "/", Query: tt.query})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matched(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestRequestFlags(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("sub", "routing", nil, cond(types.KindSubrequest, "")),
		spec("main", "routing", nil, cond(types.KindSubrequest, "false")),
		spec("redirected", "routing", nil, cond(types.KindInternalRedirect, "yes")),
		spec("post", "routing", nil, cond(types.KindMethod, "post")),
	})

	tests := []struct {
		name string
		req  StaticRequest
		want []string
	}{
		{"plain", StaticRequest{HTTPMethod: "GET"}, []string{"main"}},
		{"subrequest", StaticRequest{Subrequest: true}, []string{"sub"}},
		{"redirect post", StaticRequest{InternalRedirect: true, HTTPMethod: "POST"}, []string{"main", "redirected", "post"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchedNames(t, e, tt.req); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matched = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerName(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("exact", "routing", nil, cond(types.KindServerName, "Example.com")),
		spec("wild", "routing", nil, cond(types.KindServerName, "*.example.com")),
		spec("idn", "routing", nil, cond(types.KindServerName, "bücher.de")),
		spec("any", "routing", nil, cond(types.KindServerName, "*")),
	})

	tests := []struct {
		host string
		want []string
	}{
		{"example.com", []string{"exact", "any"}},
		{"EXAMPLE.com.", []string{"exact", "any"}},
		{"example.com:8080", []string{"exact", "any"}},
		{"www.example.com", []string{"wild", "any"}},
		{"a.b.example.com", []string{"wild", "any"}},
		{"notexample.com", []string{"any"}},
		{"xn--bcher-kva.de", []string{"idn", "any"}},
		{"", []string{"any"}},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := matchedNames(t, e, StaticRequest{Host: tt.host}); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matched(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestExprCondition(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("api-post", "routing", nil,
			cond(types.KindExpr, `method == "POST" && args["id"] == "7"`)),
		spec("prefix", "routing", nil,
			cond(types.KindExpr, `path startsWith "/v2/" and not subrequest`)),
	})

	got := matchedNames(t, e, StaticRequest{RequestPath: "/v2/x", Query: "id=7", HTTPMethod: "POST"})
	if want := []string{"api-post", "prefix"}; !reflect.DeepEqual(got, want) {
		t.Errorf("matched = %v, want %v", got, want)
	}
	got = matchedNames(t, e, StaticRequest{RequestPath: "/v1/x", Query: "id=8", HTTPMethod: "POST", Subrequest: true})
	if len(got) != 0 {
		t.Errorf("matched = %v, want none", got)
	}
}

func TestPathConditions(t *testing.T) {
	e := mustBuild(t, []types.RuleSpec{
		spec("regex", "routing", nil, cond(types.KindPathRegex, `^/user/(\d+)$`)),
		spec("slash", "routing", nil, cond(types.KindPathTrailing, "true")),
		spec("two", "routing", nil, cond(types.KindPath, "*/bbb")),
		spec("tail", "routing", nil, cond(types.KindPath, "**/bbb")),
	})

	tests := []struct {
		path string
		want []string
	}{
		{"/user/42", []string{"regex"}},
		{"/user/42/", []string{"slash"}},
		{"/x/bbb", []string{"two", "tail"}},
		{"/bbb", []string{"tail"}},
		{"/x/y/bbb", []string{"tail"}},
		{"/", nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := matchedNames(t, e, StaticRequest{RequestPath: tt.path}); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matched(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}

	_, rc := run(t, e, StaticRequest{RequestPath: "/user/42"}, "routing")
	if got := rc.Captures(0); !reflect.DeepEqual(got, []string{"42"}) {
		t.Errorf("Captures(0) = %q, want [42]", got)
	}
	if groups, clusters := rc.CaptureGroups(0); !reflect.DeepEqual(groups, []string{"42"}) || clusters != nil {
		t.Errorf("CaptureGroups(0) = %q, %q; want [42], nil", groups, clusters)
	}
}

var (
	conditionVocab = []types.ConditionSpec{
		cond(types.KindPath, "/a/**"),
		cond(types.KindPath, "/a/(b|c)"),
		cond(types.KindPath, "/*/b"),
		cond(types.KindPath, "/**"),
		cond(types.KindPath, "/**/c"),
		cond(types.KindPath, "/a/b/c/a/b/c/a"),
		cond(types.KindPathRegex, "^/a"),
		cond(types.KindPathTrailing, "true"),
		{Kind: types.KindQueryArg, Name: "x"},
		cond(types.KindQueryArgValue, "x=1"),
		cond(types.KindQueryArgValue, "y="),
		cond(types.KindMethod, "GET"),
		cond(types.KindMethod, "POST"),
		cond(types.KindSubrequest, "true"),
		cond(types.KindInternalRedirect, "false"),
		cond(types.KindServerName, "example.com"),
		cond(types.KindServerName, "*.example.com"),
	}
	queryVocab  = []string{"", "x", "x=1", "y", "y=", "x=2&y="}
	methodVocab = []string{"GET", "POST"}
	hostVocab   = []string{"example.com", "www.example.com", "other.org"}
	segVocab    = []string{"a", "b", "c", ""}
)

func pick[T any](vocab []T, picks []int, i int) (T, bool) {
	var zero T
	if i >= len(picks) || picks[i] >= len(vocab) {
		return zero, false
	}
	return vocab[picks[i]], true
}

// Narrowing must keep every rule whose predicates all hold.
func TestNarrowing_Soundness_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	routing := mustPhase(t, "routing")

	properties.Property("no false negatives", prop.ForAll(
		func(nrules int, condPicks []int, segPicks []int, q, m, h int, sub bool) bool {
			var specs []types.RuleSpec
			for r := 0; r < nrules; r++ {
				rs := types.RuleSpec{Phase: "routing"}
				for k := 0; k < 3; k++ {
					if c, ok := pick(conditionVocab, condPicks, r*3+k); ok {
						rs.Conditions = append(rs.Conditions, c)
					}
				}
				specs = append(specs, rs)
			}
			e, err := Build(specs)
			if err != nil {
				return false
			}

			var segs []string
			for i := range segPicks {
				if s, ok := pick(segVocab, segPicks, i); ok {
					segs = append(segs, s)
				}
			}
			req := StaticRequest{
				RequestPath: "/" + strings.Join(segs, "/"),
				Query:       queryVocab[q],
				HTTPMethod:  methodVocab[m],
				Host:        hostVocab[h],
				Subrequest:  sub,
			}

			rc := e.NewRequestContext(req)
			rc.enterPhase(routing)
			cands := e.narrow(rc, routing)
			for _, ri := range e.Rules().PhaseRules(routing) {
				if e.confirm(rc, ri) && !cands.Contains(ri) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.SliceOfN(18, gen.IntRange(0, len(conditionVocab))),
		gen.SliceOfN(5, gen.IntRange(0, len(segVocab)-1)),
		gen.IntRange(0, len(queryVocab)-1),
		gen.IntRange(0, len(methodVocab)-1),
		gen.IntRange(0, len(hostVocab)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
