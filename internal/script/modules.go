package script

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// logLoader exposes leveled logging to Lua.
func logLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(logFn(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(logFn(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(logFn(zerolog.WarnLevel)))
	L.SetField(mod, "error", L.NewFunction(logFn(zerolog.ErrorLevel)))

	L.Push(mod)
	return 1
}

func logFn(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)

		event := log.WithLevel(level).Str("source", "lua")
		if L.GetTop() >= 2 {
			if tbl, ok := L.Get(2).(*lua.LTable); ok {
				tbl.ForEach(func(k, v lua.LValue) {
					event = event.Interface(k.String(), fromLua(v))
				})
			}
		}
		event.Msg(msg)

		return 0
	}
}

// kvLoader exposes the KV store to Lua. Buckets accessed from Lua are
// always persistent.
func (r *Runtime) kvLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "set", L.NewFunction(r.kvSet))
	L.SetField(mod, "get", L.NewFunction(r.kvGet))
	L.SetField(mod, "delete", L.NewFunction(r.kvDelete))

	L.Push(mod)
	return 1
}

func (r *Runtime) kvSet(L *lua.LState) int {
	bucket := L.CheckString(1)
	key := L.CheckString(2)
	value := fromLua(L.Get(3))

	if err := r.kv.Bucket(bucket, true).Store(key, value); err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *Runtime) kvGet(L *lua.LState) int {
	bucket := L.CheckString(1)
	key := L.CheckString(2)

	value, err := r.kv.Bucket(bucket, true).Get(key)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(toLua(L, value))
	return 1
}

func (r *Runtime) kvDelete(L *lua.LState) int {
	bucket := L.CheckString(1)
	key := L.CheckString(2)

	existed, err := r.kv.Bucket(bucket, true).Delete(key)
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LBool(existed))
	return 1
}

// fromLua converts a Lua value to a Go value.
func fromLua(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case lua.LBool:
		return bool(t)
	case *lua.LTable:
		m := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			m[k.String()] = fromLua(val)
		})
		return m
	default:
		return nil
	}
}

// toLua converts a Go value to a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(t)
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case map[string]any:
		return mapToTable(L, t)
	default:
		return lua.LString(fmt.Sprintf("%v", t))
	}
}

// mapToTable converts a Go map to a Lua table.
func mapToTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, toLua(L, v))
	}
	return tbl
}
