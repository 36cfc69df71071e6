package config

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/wippyai/capmem/errors"
)

// LuaTimeout bounds plan script execution.
const LuaTimeout = 2 * time.Second

// LoadLua runs a plan script and converts the table it returns:
//
//	return {
//	  name = "edge",
//	  global = 8 * MiB,
//	  subsystems = { { name = "core", budget = "1 MiB" } },
//	  owners = {
//	    { owner = "decoder", kind = "dynamic", max_size = 64 * KiB, level = "B", subsystem = "core" },
//	  },
//	}
//
// Scripts run with only the base, table, string and math libraries, with
// file loading removed, and are stopped after LuaTimeout. The globals KiB
// and MiB are predefined.
func LoadLua(ctx context.Context, name, src string) (*Plan, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, fn := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(fn, lua.LNil)
	}
	L.SetGlobal("KiB", lua.LNumber(kib))
	L.SetGlobal("MiB", lua.LNumber(mib))

	ctx, cancel := context.WithTimeout(ctx, LuaTimeout)
	defer cancel()
	L.SetContext(ctx)

	fn, err := L.LoadString(src)
	if err != nil {
		return nil, errors.ParseFailed("lua plan "+name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, errors.ParseFailed("lua plan "+name, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseConfig, "lua plan "+name+" must return a table")
	}
	return planFromTable(tbl)
}

func luaString(t *lua.LTable, key string) string {
	if s, ok := t.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func luaSize(t *lua.LTable, key, what string) (uint64, error) {
	switch v := t.RawGetString(key).(type) {
	case lua.LNumber:
		if v < 0 {
			return 0, errors.InvalidInput(errors.PhaseConfig, what+" must not be negative")
		}
		return uint64(v), nil
	case lua.LString:
		return ParseSize(string(v))
	case *lua.LNilType:
		return 0, errors.InvalidInput(errors.PhaseConfig, what+" is missing")
	default:
		return 0, errors.InvalidInput(errors.PhaseConfig, what+" must be a number or a size string")
	}
}

// luaList returns the table entries of the array part of t[key].
func luaList(t *lua.LTable, key string) []*lua.LTable {
	list, ok := t.RawGetString(key).(*lua.LTable)
	if !ok {
		return nil
	}
	var out []*lua.LTable
	for i := 1; i <= list.Len(); i++ {
		if e, ok := list.RawGetInt(i).(*lua.LTable); ok {
			out = append(out, e)
		}
	}
	return out
}

func planFromTable(t *lua.LTable) (*Plan, error) {
	p := &Plan{Name: luaString(t, "name")}
	var err error
	if p.Global, err = luaSize(t, "global", "global"); err != nil {
		return nil, err
	}

	for _, s := range luaList(t, "subsystems") {
		sub := Subsystem{Name: luaString(s, "name"), Parent: luaString(s, "parent")}
		if sub.Budget, err = luaSize(s, "budget", "subsystem "+sub.Name+" budget"); err != nil {
			return nil, err
		}
		p.Subsystems = append(p.Subsystems, sub)
	}

	for _, o := range luaList(t, "owners") {
		id, kind, level, err := parseOwner(luaString(o, "owner"), luaString(o, "kind"), luaString(o, "level"))
		if err != nil {
			return nil, err
		}
		size, err := luaSize(o, "max_size", "owner "+id.String()+" max_size")
		if err != nil {
			return nil, err
		}
		p.Owners = append(p.Owners, Owner{
			Owner:     id,
			Kind:      kind,
			Level:     level,
			MaxSize:   size,
			Subsystem: luaString(o, "subsystem"),
		})
	}
	return p, nil
}
