package script

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	lua "github.com/yuin/gopher-lua"
)

const luaContextTypeName = "invocation_context"

// registerContextType installs the metatable shared by every context value.
func registerContextType(L *lua.LState) {
	mt := L.NewTypeMetatable(luaContextTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), contextMethods))
}

func newContextValue(L *lua.LState, ic *Context) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = ic
	L.SetMetatable(ud, L.GetTypeMetatable(luaContextTypeName))
	return ud
}

func checkContext(L *lua.LState) *Context {
	ud := L.CheckUserData(1)
	if ic, ok := ud.Value.(*Context); ok {
		// A context kept in a global outlives its call; refuse it.
		if !ic.inCall || ic.drained {
			L.RaiseError("invocation context used outside its call")
		}
		return ic
	}
	L.ArgError(1, "context expected")
	return nil
}

func checkRef(L *lua.LState, n int) gamedb.DBRef {
	return gamedb.DBRef(L.CheckInt(n))
}

func optRef(L *lua.LState, n int, def gamedb.DBRef) gamedb.DBRef {
	if L.Get(n) == lua.LNil {
		return def
	}
	return checkRef(L, n)
}

func pushRef(L *lua.LState, ref gamedb.DBRef) {
	if ref == gamedb.Nothing || ref == gamedb.Ambiguous {
		L.Push(lua.LNil)
		return
	}
	L.Push(lua.LNumber(ref))
}

// pushFail pushes the conventional nil, message pair.
func pushFail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

var contextMethods = map[string]lua.LGFunction{
	// queries
	"actor":       ctxActor,
	"session":     ctxSession,
	"room":        ctxRoom,
	"entity":      ctxEntity,
	"name":        ctxName,
	"find":        ctxFind,
	"find_player": ctxFindPlayer,
	"contents":    ctxContents,
	"exit":        ctxExit,
	"online":      ctxOnline,
	"get":         ctxGet,
	"has_effect":  ctxHasEffect,
	"now":         ctxNow,
	// mutations
	"move":          ctxMove,
	"adjust":        ctxAdjust,
	"set":           ctxSet,
	"apply":         ctxApply,
	"remove_effect": ctxRemoveEffect,
	"equip":         ctxEquip,
	"unequip":       ctxUnequip,
	// buffered channels
	"send":      ctxSend,
	"echo":      ctxEcho,
	"send_room": ctxSendRoom,
	"broadcast": ctxBroadcast,
	"defer":     ctxDefer,
}

func ctxActor(L *lua.LState) int {
	pushRef(L, checkContext(L).Actor)
	return 1
}

func ctxSession(L *lua.LState) int {
	L.Push(lua.LNumber(checkContext(L).Session))
	return 1
}

func ctxRoom(L *lua.LState) int {
	pushRef(L, checkContext(L).Room)
	return 1
}

// ctx:entity(ref) -> table | nil
func ctxEntity(L *lua.LState) int {
	ic := checkContext(L)
	e, ok := ic.World.Get(checkRef(L, 2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(entityTable(L, &e))
	return 1
}

func ctxName(L *lua.LState) int {
	ic := checkContext(L)
	name := ic.World.Name(checkRef(L, 2))
	if name == "" {
		L.Push(lua.LNil)
	} else {
		L.Push(lua.LString(name))
	}
	return 1
}

// ctx:find(name [, where]) -> ref | nil, reason. where defaults to the room.
func ctxFind(L *lua.LState) int {
	ic := checkContext(L)
	name := L.CheckString(2)
	where := optRef(L, 3, ic.Room)
	switch ref := ic.World.FindIn(where, name); ref {
	case gamedb.Nothing:
		L.Push(lua.LNil)
		L.Push(lua.LString("not found"))
		return 2
	case gamedb.Ambiguous:
		L.Push(lua.LNil)
		L.Push(lua.LString("ambiguous"))
		return 2
	default:
		L.Push(lua.LNumber(ref))
		return 1
	}
}

func ctxFindPlayer(L *lua.LState) int {
	ic := checkContext(L)
	pushRef(L, ic.World.FindPlayer(L.CheckString(2)))
	return 1
}

// ctx:contents([where]) -> { entity, ... }
func ctxContents(L *lua.LState) int {
	ic := checkContext(L)
	where := optRef(L, 2, ic.Room)
	t := L.NewTable()
	for _, e := range ic.World.Contents(where) {
		t.Append(entityTable(L, &e))
	}
	L.Push(t)
	return 1
}

// ctx:exit(room, dir) -> ref | nil
func ctxExit(L *lua.LState) int {
	ic := checkContext(L)
	dest, ok := ic.World.Exit(checkRef(L, 2), strings.ToLower(L.CheckString(3)))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	pushRef(L, dest)
	return 1
}

func ctxOnline(L *lua.LState) int {
	ic := checkContext(L)
	t := L.NewTable()
	if ic.Dir != nil {
		for _, ref := range ic.Dir.Online() {
			t.Append(lua.LNumber(ref))
		}
	}
	L.Push(t)
	return 1
}

func ctxGet(L *lua.LState) int {
	ic := checkContext(L)
	e, ok := ic.World.Get(checkRef(L, 2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(e.Resource(L.CheckString(3))))
	return 1
}

func ctxHasEffect(L *lua.LState) int {
	ic := checkContext(L)
	L.Push(lua.LBool(ic.World.HasEffect(checkRef(L, 2), L.CheckString(3), ic.Now())))
	return 1
}

func ctxNow(L *lua.LState) int {
	L.Push(lua.LNumber(checkContext(L).Now().Unix()))
	return 1
}

// ctx:move(ref, dest) -> true | nil, err
func ctxMove(L *lua.LState) int {
	ic := checkContext(L)
	ref := checkRef(L, 2)
	if err := ic.World.Move(ref, checkRef(L, 3)); err != nil {
		return pushFail(L, err)
	}
	if ref == ic.Actor {
		ic.Room = ic.World.Location(ref)
	}
	L.Push(lua.LTrue)
	return 1
}

// ctx:adjust(ref, key, delta) -> new value | nil, err
func ctxAdjust(L *lua.LState) int {
	ic := checkContext(L)
	v, err := ic.World.AdjustResource(checkRef(L, 2), L.CheckString(3), L.CheckInt(4))
	if err != nil {
		return pushFail(L, err)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func ctxSet(L *lua.LState) int {
	ic := checkContext(L)
	if err := ic.World.SetResource(checkRef(L, 2), L.CheckString(3), L.CheckInt(4)); err != nil {
		return pushFail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// ctx:apply(ref, name, magnitude [, seconds]) -> true | nil, err
// Zero or missing seconds means the effect never lapses.
func ctxApply(L *lua.LState) int {
	ic := checkContext(L)
	eff := gamedb.Effect{Name: L.CheckString(3), Magnitude: L.OptInt(4, 0)}
	if secs := L.OptNumber(5, 0); secs > 0 {
		eff.Expires = ic.Now().Add(time.Duration(float64(secs) * float64(time.Second)))
	}
	if err := ic.World.AddEffect(checkRef(L, 2), eff); err != nil {
		return pushFail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func ctxRemoveEffect(L *lua.LState) int {
	ic := checkContext(L)
	L.Push(lua.LBool(ic.World.RemoveEffect(checkRef(L, 2), L.CheckString(3))))
	return 1
}

// ctx:equip(ref, item, slot) -> previous item | nil [, err]
func ctxEquip(L *lua.LState) int {
	ic := checkContext(L)
	prev, err := ic.World.Equip(checkRef(L, 2), checkRef(L, 3), strings.ToLower(L.CheckString(4)))
	if err != nil {
		return pushFail(L, err)
	}
	pushRef(L, prev)
	return 1
}

func ctxUnequip(L *lua.LState) int {
	ic := checkContext(L)
	item, err := ic.World.Unequip(checkRef(L, 2), strings.ToLower(L.CheckString(3)))
	if err != nil {
		return pushFail(L, err)
	}
	pushRef(L, item)
	return 1
}

func ctxSend(L *lua.LState) int {
	ic := checkContext(L)
	ic.Send(checkRef(L, 2), L.CheckString(3))
	return 0
}

// ctx:echo(text) sends to the invoking actor.
func ctxEcho(L *lua.LState) int {
	ic := checkContext(L)
	if ic.Actor == gamedb.Nothing {
		L.RaiseError("echo: context has no actor")
		return 0
	}
	ic.Send(ic.Actor, L.CheckString(2))
	return 0
}

// ctx:send_room(room, text [, except])
func ctxSendRoom(L *lua.LState) int {
	ic := checkContext(L)
	ic.SendRoom(checkRef(L, 2), optRef(L, 4, gamedb.Nothing), L.CheckString(3))
	return 0
}

func ctxBroadcast(L *lua.LState) int {
	ic := checkContext(L)
	ic.Broadcast(L.CheckString(2))
	return 0
}

// ctx:defer(kind, ...)
func ctxDefer(L *lua.LState) int {
	ic := checkContext(L)
	name := L.CheckString(2)
	kind, ok := ParseDeferredKind(name)
	if !ok {
		L.ArgError(2, fmt.Sprintf("unknown deferred action %q", name))
		return 0
	}
	var args []any
	for i := 3; i <= L.GetTop(); i++ {
		args = append(args, fromLua(L.Get(i), 0))
	}
	ic.Defer(kind, args...)
	return 0
}

// entityTable marshals a copy of an entity into a plain table.
func entityTable(L *lua.LState, e *gamedb.Entity) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("ref", lua.LNumber(e.Ref))
	t.RawSetString("name", lua.LString(e.Name))
	t.RawSetString("type", lua.LString(strings.ToLower(e.Type.String())))
	t.RawSetString("location", lua.LNumber(e.Location))
	t.RawSetString("owner", lua.LNumber(e.Owner))
	t.RawSetString("description", lua.LString(e.Description))

	res := L.NewTable()
	for k, v := range e.Resources {
		res.RawSetString(k, lua.LNumber(v))
	}
	t.RawSetString("resources", res)

	effs := L.NewTable()
	for _, eff := range e.Effects {
		et := L.NewTable()
		et.RawSetString("name", lua.LString(eff.Name))
		et.RawSetString("magnitude", lua.LNumber(eff.Magnitude))
		if !eff.Expires.IsZero() {
			et.RawSetString("expires", lua.LNumber(eff.Expires.Unix()))
		}
		effs.Append(et)
	}
	t.RawSetString("effects", effs)

	eq := L.NewTable()
	for slot, item := range e.Equipment {
		eq.RawSetString(slot, lua.LNumber(item))
	}
	t.RawSetString("equipment", eq)

	if e.Exits != nil {
		ex := L.NewTable()
		for dir, dest := range e.Exits {
			ex.RawSetString(dir, lua.LNumber(dest))
		}
		t.RawSetString("exits", ex)
	}
	return t
}

// toLua converts a Go value into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case gamedb.DBRef:
		return lua.LNumber(x)
	case []string:
		t := L.NewTable()
		for _, s := range x {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

const maxTableDepth = 4

// fromLua converts a Lua value into plain Go data. Integral numbers become
// int. Tables with a sequence part become []any, others map[string]any.
func fromLua(v lua.LValue, depth int) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LString:
		return string(x)
	case lua.LNumber:
		f := float64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(f)
		}
		return f
	case *lua.LTable:
		if depth >= maxTableDepth {
			return nil
		}
		if n := x.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i), depth+1))
			}
			return out
		}
		out := make(map[string]any)
		x.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val, depth+1)
		})
		return out
	default:
		return v.String()
	}
}
