// internal/actions/lua.go
package actions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/solatis/routekeeper/internal/rules"
)

/*
 * Sandboxed Lua action executor.
 *
 * Compile parses each body once into a FunctionProto. Bodies that are a bare
 * status keyword ("ok", "relookup", ...) skip Lua entirely.
 *
 * Execute borrows an LState from a pool, binds it to the call, and runs the
 * proto inside a fresh environment table. The environment reads through to
 * the shared globals, its _G is the environment itself, and every library
 * table is reached through a per-call read-only proxy. All metatables
 * involved are protected, so nothing a request writes survives into the
 * next call on the same state.
 *
 * Sandbox: only base, table, string and math are opened. Loaders, file
 * functions and getfenv/setfenv are removed from base.
 *
 * Return value mapping:
 *   nil                 -> Declined
 *   number 0..3         -> DECLINED, OK, DELAYED_OK, RELOOKUP
 *   string              -> rules.ParseStatus
 * Anything else, and every runtime error, is a fatal action error.
 */

// Mutator is implemented by requests that actions may rewrite or answer.
type Mutator interface {
	SetPath(path string)
	SetQuery(rawQuery string)
	SetHeader(name, value string)
	Respond(status int, body string)
	Redirect(status int, location string)
}

var removedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage",
	"getfenv", "setfenv", "_printregs",
}

// libraries are the global tables shadowed by read-only proxies in each call.
var libraries = []string{
	lua.StringLibName, lua.TabLibName, lua.MathLibName, "rk",
}

// LuaExecutor runs action bodies as Lua chunks.
type LuaExecutor struct {
	timeout time.Duration
	pool    sync.Pool
}

// LuaOption configures a LuaExecutor.
type LuaOption func(*LuaExecutor)

// WithTimeout bounds a single action run. Zero disables the bound.
func WithTimeout(d time.Duration) LuaOption {
	return func(x *LuaExecutor) { x.timeout = d }
}

// NewLuaExecutor returns an executor with an empty state pool.
func NewLuaExecutor(opts ...LuaOption) *LuaExecutor {
	x := &LuaExecutor{}
	for _, opt := range opts {
		opt(x)
	}
	x.pool.New = func() any { return newSandbox() }
	return x
}

// Compile implements rules.ActionExecutor.
func (x *LuaExecutor) Compile(body string) (any, error) {
	if st, err := rules.ParseStatus(body); err == nil {
		return st, nil
	}
	chunk, err := parse.Parse(strings.NewReader(body), "action")
	if err != nil {
		return nil, fmt.Errorf("lua syntax: %w", err)
	}
	proto, err := lua.Compile(chunk, "action")
	if err != nil {
		return nil, fmt.Errorf("lua compile: %w", err)
	}
	return proto, nil
}

// Execute implements rules.ActionExecutor.
func (x *LuaExecutor) Execute(ctx context.Context, call rules.ActionCall) (rules.Status, error) {
	switch c := call.Action.Compiled.(type) {
	case rules.Status:
		return c, nil
	case *lua.FunctionProto:
		return x.run(ctx, c, call)
	default:
		return rules.Declined, fmt.Errorf("action was not compiled by LuaExecutor")
	}
}

func (x *LuaExecutor) run(ctx context.Context, proto *lua.FunctionProto, call rules.ActionCall) (rules.Status, error) {
	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	sb := x.pool.Get().(*sandbox)
	sb.bind(call)
	defer func() {
		sb.unbind()
		x.pool.Put(sb)
	}()

	L := sb.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	fn := L.NewFunctionFromProto(proto)
	fn.Env = sb.env()

	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		L.SetTop(top)
		return rules.Declined, err
	}
	ret := L.Get(-1)
	L.SetTop(top)

	return toStatus(ret)
}

func toStatus(v lua.LValue) (rules.Status, error) {
	switch v := v.(type) {
	case *lua.LNilType:
		return rules.Declined, nil
	case lua.LNumber:
		n := float64(v)
		if n != math.Trunc(n) || n < float64(rules.Declined) || n > float64(rules.Relookup) {
			return rules.Declined, fmt.Errorf("invalid status %v", v)
		}
		return rules.Status(int(n)), nil
	case lua.LString:
		return rules.ParseStatus(string(v))
	default:
		return rules.Declined, fmt.Errorf("action returned %s, want a status", v.Type())
	}
}

// sandbox is one pooled LState plus the call it is bound to.
type sandbox struct {
	L    *lua.LState
	call *rules.ActionCall
	args rules.QueryArgs

	// Protected metatables shared by every call's environment and proxies.
	envMeta *lua.LTable
	libMeta map[string]*lua.LTable
}

func newSandbox() *sandbox {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("DECLINED", lua.LNumber(rules.Declined))
	L.SetGlobal("OK", lua.LNumber(rules.OK))
	L.SetGlobal("DELAYED_OK", lua.LNumber(rules.DelayedOK))
	L.SetGlobal("RELOOKUP", lua.LNumber(rules.Relookup))

	sb := &sandbox{L: L, libMeta: make(map[string]*lua.LTable, len(libraries))}
	L.SetGlobal("rk", L.SetFuncs(L.NewTable(), sb.api()))

	// The string library doubles as the string metatable.
	if mt, ok := L.GetMetatable(lua.LString("")).(*lua.LTable); ok {
		mt.RawSetString("__metatable", lua.LFalse)
	}

	readOnly := L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("attempt to modify read-only table")
		return 0
	})
	for _, name := range libraries {
		mt := L.NewTable()
		mt.RawSetString("__index", L.GetGlobal(name))
		mt.RawSetString("__newindex", readOnly)
		mt.RawSetString("__metatable", lua.LFalse)
		sb.libMeta[name] = mt
	}
	sb.envMeta = L.NewTable()
	sb.envMeta.RawSetString("__index", L.G.Global)
	sb.envMeta.RawSetString("__metatable", lua.LFalse)
	return sb
}

// env builds the environment for a single call.
func (sb *sandbox) env() *lua.LTable {
	L := sb.L
	env := L.CreateTable(0, len(libraries)+1)
	for _, name := range libraries {
		proxy := L.NewTable()
		proxy.Metatable = sb.libMeta[name]
		env.RawSetString(name, proxy)
	}
	env.RawSetString("_G", env)
	env.Metatable = sb.envMeta
	return env
}

// pushNth pushes the 1-based argument's element of vals, or nil.
func pushNth(L *lua.LState, vals []string) int {
	i := L.CheckInt(1)
	if i < 1 || i > len(vals) {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(vals[i-1]))
	return 1
}

func (sb *sandbox) bind(call rules.ActionCall) {
	sb.call = &call
	sb.args = nil
}

func (sb *sandbox) unbind() {
	sb.call = nil
	sb.args = nil
}

func (sb *sandbox) request() rules.Request {
	return sb.call.Request.Request()
}

func (sb *sandbox) mutator(L *lua.LState) Mutator {
	m, ok := sb.request().(Mutator)
	if !ok {
		L.RaiseError("request is read-only")
	}
	return m
}

func (sb *sandbox) api() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"path": func(L *lua.LState) int {
			L.Push(lua.LString(sb.request().Path()))
			return 1
		},
		"query": func(L *lua.LState) int {
			L.Push(lua.LString(sb.request().RawQuery()))
			return 1
		},
		"server_name": func(L *lua.LState) int {
			L.Push(lua.LString(sb.request().ServerName()))
			return 1
		},
		"method": func(L *lua.LState) int {
			L.Push(lua.LString(sb.request().Method()))
			return 1
		},
		"arg": func(L *lua.LState) int {
			if sb.args == nil {
				sb.args = rules.ParseQuery(sb.request().RawQuery())
			}
			v, ok := sb.args.First(L.CheckString(1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(v))
			return 1
		},
		"capture": func(L *lua.LState) int {
			return pushNth(L, sb.call.Request.Captures(sb.call.Rule.Index))
		},
		"group": func(L *lua.LState) int {
			groups, _ := sb.call.Request.CaptureGroups(sb.call.Rule.Index)
			return pushNth(L, groups)
		},
		"cluster": func(L *lua.LState) int {
			_, clusters := sb.call.Request.CaptureGroups(sb.call.Rule.Index)
			return pushNth(L, clusters)
		},
		"set_path": func(L *lua.LState) int {
			p := L.CheckString(1)
			if !strings.HasPrefix(p, "/") {
				L.ArgError(1, "path must start with /")
			}
			sb.mutator(L).SetPath(p)
			return 0
		},
		"set_query": func(L *lua.LState) int {
			sb.mutator(L).SetQuery(strings.TrimPrefix(L.CheckString(1), "?"))
			return 0
		},
		"set_header": func(L *lua.LState) int {
			sb.mutator(L).SetHeader(L.CheckString(1), L.CheckString(2))
			return 0
		},
		"respond": func(L *lua.LState) int {
			status := L.CheckInt(1)
			if status < 100 || status > 599 {
				L.ArgError(1, "status out of range")
			}
			sb.mutator(L).Respond(status, L.OptString(2, ""))
			return 0
		},
		"redirect": func(L *lua.LState) int {
			status := L.CheckInt(1)
			if status < 300 || status > 399 {
				L.ArgError(1, "redirect status must be 3xx")
			}
			sb.mutator(L).Redirect(status, L.CheckString(2))
			return 0
		},
		"log": func(L *lua.LState) int {
			sb.call.Request.Logger().Info().
				Str("rule", sb.call.Rule.Label()).
				Msg(L.CheckString(1))
			return 0
		},
	}
}
