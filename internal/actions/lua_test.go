// internal/actions/lua_test.go
package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/solatis/routekeeper/internal/rules"
	"github.com/solatis/routekeeper/internal/types"
)

// fakeRequest is a mutable request recording what actions did.
type fakeRequest struct {
	rules.StaticRequest
	headers  map[string]string
	status   int
	body     string
	location string
}

func (f *fakeRequest) Path() string          { return f.RequestPath }
func (f *fakeRequest) RawQuery() string      { return f.Query }
func (f *fakeRequest) SetPath(p string)      { f.RequestPath = p }
func (f *fakeRequest) SetQuery(q string)     { f.Query = q }
func (f *fakeRequest) SetHeader(k, v string) { f.headers[k] = v }
func (f *fakeRequest) Respond(status int, body string) {
	f.status, f.body = status, body
}
func (f *fakeRequest) Redirect(status int, location string) {
	f.status, f.location = status, location
}

func buildLua(t *testing.T, x *LuaExecutor, pattern, body string) *rules.Engine {
	t.Helper()
	e, err := rules.Build([]types.RuleSpec{{
		Name:       "lua",
		Phase:      "routing",
		Conditions: []types.ConditionSpec{{Kind: types.KindPath, Value: pattern}},
		Actions:    []types.ActionSpec{{Body: body}},
	}}, rules.WithExecutor(x))
	if err != nil {
		t.Fatalf("Build() error = %v, want nil", err)
	}
	return e
}

func runLua(t *testing.T, e *rules.Engine, req rules.Request) (rules.Status, error) {
	t.Helper()
	phase, _ := e.Phases().Parse("routing")
	rc := e.NewRequestContext(req)
	return e.RunPhase(context.Background(), rc, phase)
}

func TestLuaExecutor_Statuses(t *testing.T) {
	tests := []struct {
		body string
		want rules.Status
	}{
		{"return OK", rules.OK},
		{"return DELAYED_OK", rules.OK},
		{"return DECLINED", rules.Declined},
		{"return 'ok'", rules.OK},
		{"local x = 1", rules.Declined},
		{"ok", rules.OK},
		{"if rk.path() == '/a' then return OK end", rules.OK},
	}

	x := NewLuaExecutor()
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			e := buildLua(t, x, "/a", tt.body)
			got, err := runLua(t, e, rules.StaticRequest{RequestPath: "/a"})
			if err != nil {
				t.Fatalf("RunPhase() error = %v, want nil", err)
			}
			if got != tt.want {
				t.Errorf("RunPhase() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLuaExecutor_CompileErrors(t *testing.T) {
	x := NewLuaExecutor()
	_, err := rules.Build([]types.RuleSpec{{
		Phase:   "routing",
		Actions: []types.ActionSpec{{Body: "return ("}},
	}}, rules.WithExecutor(x))
	if !errors.Is(err, types.ErrInvalidAction) {
		t.Errorf("Build() error = %v, want ErrInvalidAction", err)
	}
}

func TestLuaExecutor_RuntimeErrorsAreFatal(t *testing.T) {
	x := NewLuaExecutor()
	tests := []string{
		"error('boom')",
		"return {}",
		"return 9",
		"return 1.5",
		"return -0.5",
		"rk.set_path('/x')",
		"dofile('/etc/passwd')",
		"return io.open('/etc/passwd')",
		"require('os')",
	}
	for _, body := range tests {
		t.Run(body, func(t *testing.T) {
			e := buildLua(t, x, "/a", body)
			_, err := runLua(t, e, rules.StaticRequest{RequestPath: "/a"})
			if !errors.Is(err, types.ErrActionFailed) {
				t.Errorf("RunPhase() error = %v, want ErrActionFailed", err)
			}
		})
	}
}

func TestLuaExecutor_Rewrite(t *testing.T) {
	x := NewLuaExecutor()
	e := buildLua(t, x, "/products/(tv|audio)/**", `
		rk.set_path("/catalog/" .. rk.capture(1) .. rk.capture(2))
		rk.set_query("ref=" .. (rk.arg("ref") or "none"))
		rk.set_header("X-Category", rk.capture(1))
		return OK
	`)

	req := &fakeRequest{
		StaticRequest: rules.StaticRequest{RequestPath: "/products/tv/sony", Query: "ref"},
		headers:       map[string]string{},
	}
	st, err := runLua(t, e, req)
	if err != nil {
		t.Fatalf("RunPhase() error = %v, want nil", err)
	}
	if st != rules.OK {
		t.Errorf("RunPhase() = %v, want ok", st)
	}
	if req.RequestPath != "/catalog/tv/sony" {
		t.Errorf("path = %q, want /catalog/tv/sony", req.RequestPath)
	}
	if req.Query != "ref=" {
		t.Errorf("query = %q, want ref=", req.Query)
	}
	if req.headers["X-Category"] != "tv" {
		t.Errorf("headers = %v", req.headers)
	}
}

func TestLuaExecutor_RespondAndRedirect(t *testing.T) {
	x := NewLuaExecutor()

	e := buildLua(t, x, "/gone", `rk.respond(410, "gone") return OK`)
	req := &fakeRequest{StaticRequest: rules.StaticRequest{RequestPath: "/gone"}, headers: map[string]string{}}
	if _, err := runLua(t, e, req); err != nil {
		t.Fatalf("RunPhase() error = %v, want nil", err)
	}
	if req.status != 410 || req.body != "gone" {
		t.Errorf("respond = %d %q, want 410 gone", req.status, req.body)
	}

	e = buildLua(t, x, "/old", `rk.redirect(301, "/new") return OK`)
	req = &fakeRequest{StaticRequest: rules.StaticRequest{RequestPath: "/old"}, headers: map[string]string{}}
	if _, err := runLua(t, e, req); err != nil {
		t.Fatalf("RunPhase() error = %v, want nil", err)
	}
	if req.status != 301 || req.location != "/new" {
		t.Errorf("redirect = %d %q, want 301 /new", req.status, req.location)
	}
}

func TestLuaExecutor_GlobalsDoNotLeak(t *testing.T) {
	bodies := []string{
		`
		if seen then return OK end
		seen = true
		return DECLINED
		`,
		`
		if _G.seen or rawget(_G, "seen") then return OK end
		_G.seen = true
		rawset(_G, "also", true)
		return DECLINED
		`,
		`
		if string.seen or rawget(string, "seen") then return OK end
		rawset(string, "seen", true)
		return DECLINED
		`,
		`
		if getmetatable("") or getmetatable(_G) or getmetatable(math) then return OK end
		return DECLINED
		`,
	}
	for _, body := range bodies {
		x := NewLuaExecutor()
		e := buildLua(t, x, "/a", body)
		for i := 0; i < 3; i++ {
			st, err := runLua(t, e, rules.StaticRequest{RequestPath: "/a"})
			if err != nil {
				t.Fatalf("run %d: RunPhase() error = %v, want nil", i, err)
			}
			if st != rules.Declined {
				t.Fatalf("run %d of %q: RunPhase() = %v, want declined", i, body, st)
			}
		}
	}
}

func TestLuaExecutor_LibrariesAreReadOnly(t *testing.T) {
	tests := []string{
		"string.seen = true",
		"_G.string.upper = nil",
		"math.pi = 3",
		"table.insert = nil",
		"rk.path = nil",
		"setmetatable(_G, nil)",
		"setmetatable(string, {})",
		"getfenv(0).seen = true",
	}
	x := NewLuaExecutor()
	for _, body := range tests {
		t.Run(body, func(t *testing.T) {
			e := buildLua(t, x, "/a", body)
			_, err := runLua(t, e, rules.StaticRequest{RequestPath: "/a"})
			if !errors.Is(err, types.ErrActionFailed) {
				t.Errorf("RunPhase() error = %v, want ErrActionFailed", err)
			}
		})
	}

	// Libraries still work through their proxies.
	e := buildLua(t, x, "/a", `
		if string.upper("a") == "A" and ("b"):upper() == "B" and math.max(1, 2) == 2 then
			return OK
		end
	`)
	st, err := runLua(t, e, rules.StaticRequest{RequestPath: "/a"})
	if err != nil || st != rules.OK {
		t.Errorf("RunPhase() = %v, %v; want ok, nil", st, err)
	}
}

func TestLuaExecutor_CaptureKinds(t *testing.T) {
	x := NewLuaExecutor()
	e := buildLua(t, x, "/(shop|store)/**/item/(a|b)", `
		rk.set_header("X-Groups", rk.group(1) .. "," .. rk.group(2))
		rk.set_header("X-Cluster", rk.cluster(1))
		rk.set_header("X-All", rk.capture(3))
		if rk.group(3) == nil and rk.cluster(2) == nil then return OK end
	`)

	req := &fakeRequest{
		StaticRequest: rules.StaticRequest{RequestPath: "/store/x/y/item/b"},
		headers:       map[string]string{},
	}
	st, err := runLua(t, e, req)
	if err != nil {
		t.Fatalf("RunPhase() error = %v, want nil", err)
	}
	if st != rules.OK {
		t.Errorf("RunPhase() = %v, want ok", st)
	}
	want := map[string]string{"X-Groups": "store,b", "X-Cluster": "/x/y", "X-All": "b"}
	for k, v := range want {
		if req.headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, req.headers[k], v)
		}
	}
}

func TestLuaExecutor_Timeout(t *testing.T) {
	x := NewLuaExecutor(WithTimeout(20 * time.Millisecond))
	e := buildLua(t, x, "/a", "while true do end")

	start := time.Now()
	_, err := runLua(t, e, rules.StaticRequest{RequestPath: "/a"})
	if !errors.Is(err, types.ErrActionFailed) {
		t.Errorf("RunPhase() error = %v, want ErrActionFailed", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not stop the script")
	}
}
