package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/rendis/intake/pkg/schema"
)

// LuaRuntime runs hooks in a gopher-lua state with only the base, table,
// string, and math libraries loaded. The chunk sees the globals input and
// context and may return a table or call emit(tbl).
type LuaRuntime struct{}

// NewLuaRuntime creates a LuaRuntime.
func NewLuaRuntime() *LuaRuntime { return &LuaRuntime{} }

func (r *LuaRuntime) Language() schema.Language { return schema.LangLua }

func (r *LuaRuntime) Run(ctx context.Context, job *Job) (map[string]any, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

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
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	console := L.NewTable()
	for _, level := range consoleLevels {
		L.SetField(console, level, L.NewFunction(func(L *lua.LState) int {
			job.Console.Write(level, luaArgs(L)...)
			return 0
		}))
	}
	L.SetGlobal("console", console)
	L.SetGlobal("print", L.GetField(console, "log"))

	// Helpers extend same-named standard tables (string, math) instead of replacing them.
	for _, ns := range job.Helpers.Namespaces() {
		tbl, ok := L.GetGlobal(ns).(*lua.LTable)
		if !ok {
			tbl = L.NewTable()
		}
		for _, name := range job.Helpers.Functions(ns) {
			L.SetField(tbl, name, L.NewFunction(func(L *lua.LState) int {
				res, err := job.Helpers.Call(ctx, ns, name, luaArgs(L))
				if err != nil {
					L.RaiseError("%s.%s: %s", ns, name, err.Error())
					return 0
				}
				L.Push(toLua(L, res))
				return 1
			}))
		}
		L.SetGlobal(ns, tbl)
	}

	emitted := map[string]any{}
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		m, ok := fromLua(L.CheckTable(1)).(map[string]any)
		if !ok {
			L.ArgError(1, "emit expects a table with string keys")
			return 0
		}
		for k, v := range m {
			emitted[k] = v
		}
		return 0
	}))

	L.SetGlobal("input", toLua(L, job.Input))
	L.SetGlobal("context", toLua(L, job.Context))

	chunk, err := L.LoadString(job.Code)
	if err != nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}
	L.Push(chunk)
	if err := L.PCall(0, 1, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			return nil, errors.New(apiErr.Object.String())
		}
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)

	if ret == lua.LNil {
		return emitted, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("script must return a table, got %s", ret.Type())
	}
	out, ok := fromLua(tbl).(map[string]any)
	if !ok {
		return nil, errors.New("script must return a table with string keys")
	}
	for k, v := range emitted {
		if _, set := out[k]; !set {
			out[k] = v
		}
	}
	return out, nil
}

func luaArgs(L *lua.LState) []any {
	n := L.GetTop()
	args := make([]any, n)
	for i := 1; i <= n; i++ {
		args[i-1] = fromLua(L.Get(i))
	}
	return args
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case float64:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case []any:
		tbl := L.NewTable()
		for i, item := range t {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tbl.RawSetString(k, toLua(L, t[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// fromLua converts a Lua value to plain Go. A table whose keys are exactly
// 1..n becomes a slice; any other table becomes a map with string keys.
func fromLua(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		n := t.MaxN()
		count := 0
		t.ForEach(func(_, _ lua.LValue) { count++ })
		if n > 0 && n == count {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = fromLua(t.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]any, count)
		t.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLua(val)
		})
		return m
	default:
		return nil
	}
}
