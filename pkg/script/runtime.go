package script

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ErrReentrant is the panic value raised when a second interpreter call
// starts before the first has returned. That is a scheduler bug, not a
// runtime condition.
var ErrReentrant = errors.New("script: reentrant interpreter call")

// DefaultTimeout bounds a single interpreter call.
const DefaultTimeout = 2 * time.Second

// Runtime owns the one interpreter of the process. Every method must be
// called from the dispatcher goroutine.
type Runtime struct {
	L        *lua.LState
	reg      *command.Registry
	world    *gamedb.Database
	dir      Directory
	host     Host
	protos   *lru.Cache[string, *lua.FunctionProto]
	staging  *command.Batch
	busy     bool
	cancel   context.CancelFunc
	versions map[gamedb.UnitID]int

	// Timeout bounds each interpreter call; zero disables the bound.
	Timeout time.Duration
	// OnHookError is called once per failing hook callback.
	OnHookError func(hook string)
}

// New creates a runtime with a sandboxed interpreter and the registration
// primitives installed as globals.
func New(reg *command.Registry, world *gamedb.Database, dir Directory, host Host) *Runtime {
	cache, _ := lru.New[string, *lua.FunctionProto](256)
	rt := &Runtime{
		L:        newSandboxedState(),
		reg:      reg,
		world:    world,
		dir:      dir,
		host:     host,
		protos:   cache,
		versions: make(map[gamedb.UnitID]int),
		Timeout:  DefaultTimeout,
	}
	registerContextType(rt.L)
	rt.L.SetGlobal("register_command", rt.L.NewFunction(rt.luaRegisterCommand))
	rt.L.SetGlobal("register_hook", rt.L.NewFunction(rt.luaRegisterHook))
	return rt
}

// newSandboxedState opens only the safe standard libraries.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// Close releases the interpreter.
func (rt *Runtime) Close() {
	if rt.L != nil {
		rt.L.Close()
		rt.L = nil
	}
}

// Registry returns the registry the runtime writes to.
func (rt *Runtime) Registry() *command.Registry { return rt.reg }

// SetHost replaces the host that drains script contexts.
func (rt *Runtime) SetHost(h Host) { rt.host = h }

// Busy reports whether an interpreter call is in flight.
func (rt *Runtime) Busy() bool { return rt.busy }

// Version returns the version of a unit as last loaded successfully.
func (rt *Runtime) Version(id gamedb.UnitID) (int, bool) {
	v, ok := rt.versions[id]
	return v, ok
}

// enter marks the interpreter busy, panicking if it already is.
func (rt *Runtime) enter() {
	if rt.busy {
		panic(ErrReentrant)
	}
	rt.busy = true
	if rt.Timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), rt.Timeout)
		rt.L.SetContext(ctx)
		rt.cancel = cancel
	}
}

func (rt *Runtime) leave() {
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
		rt.L.RemoveContext()
	}
	rt.busy = false
}

// guarded runs f as one interpreter call.
func (rt *Runtime) guarded(f func() error) error {
	rt.enter()
	defer rt.leave()
	return f()
}

// compile returns the cached prototype for a unit's source.
func (rt *Runtime) compile(u gamedb.Unit) (*lua.FunctionProto, error) {
	sum := sha256.Sum256([]byte(u.Source))
	key := u.ID.String() + "@" + hex.EncodeToString(sum[:])
	if proto, ok := rt.protos.Get(key); ok {
		return proto, nil
	}
	chunk, err := parse.Parse(strings.NewReader(u.Source), u.ID.String())
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(chunk, u.ID.String())
	if err != nil {
		return nil, err
	}
	rt.protos.Add(key, proto)
	return proto, nil
}

// Load executes one unit. Registrations it makes are staged and committed
// only if the whole unit runs without error; on failure the registry is
// untouched and whatever a previous version registered stays live.
func (rt *Runtime) Load(u gamedb.Unit) error {
	if !u.ID.Complete() {
		return fmt.Errorf("script: load %q: incomplete unit identity", u.ID)
	}
	proto, err := rt.compile(u)
	if err != nil {
		return fmt.Errorf("script: compile %s: %w", u.ID, err)
	}

	batch := command.NewBatch(u.ID.String())
	err = rt.guarded(func() error {
		rt.staging = batch
		defer func() { rt.staging = nil }()
		rt.L.Push(rt.L.NewFunctionFromProto(proto))
		return rt.L.PCall(0, 0, nil)
	})
	if err != nil {
		return fmt.Errorf("script: run %s: %w", u.ID, err)
	}

	rt.reg.Commit(batch)
	rt.versions[u.ID] = u.Version
	cmds, hooks := batch.Len()
	log.Printf("script: loaded %s v%d (%d commands, %d hooks)", u.ID, u.Version, cmds, hooks)
	return nil
}

// OrderUnits sorts units so listed scopes come first in the given order
// (shared before specialized); other scopes follow alphabetically. Within a
// scope units are ordered by identity.
func OrderUnits(units []gamedb.Unit, scopeOrder []string) {
	rank := make(map[string]int, len(scopeOrder))
	for i, sc := range scopeOrder {
		rank[strings.ToLower(sc)] = i
	}
	scopeRank := func(sc string) int {
		if r, ok := rank[strings.ToLower(sc)]; ok {
			return r
		}
		return len(scopeOrder)
	}
	sort.SliceStable(units, func(i, j int) bool {
		ri, rj := scopeRank(units[i].ID.Scope), scopeRank(units[j].ID.Scope)
		if ri != rj {
			return ri < rj
		}
		if units[i].ID.Scope != units[j].ID.Scope {
			return units[i].ID.Scope < units[j].ID.Scope
		}
		return units[i].ID.String() < units[j].ID.String()
	})
}

// LoadAll loads units in scope order. A unit that fails is logged and
// skipped; the rest still load. The failures are returned.
func (rt *Runtime) LoadAll(units []gamedb.Unit, scopeOrder []string) (loaded int, failed []error) {
	ordered := append([]gamedb.Unit(nil), units...)
	OrderUnits(ordered, scopeOrder)
	for _, u := range ordered {
		if err := rt.Load(u); err != nil {
			log.Printf("script: skipping %s: %v", u.ID, err)
			failed = append(failed, err)
			continue
		}
		loaded++
	}
	return loaded, failed
}

// call runs fn(ctx, args...) inside the reentrancy guard.
func (rt *Runtime) call(fn *lua.LFunction, ic *Context, args ...lua.LValue) error {
	return rt.guarded(func() error {
		ic.inCall = true
		defer func() { ic.inCall = false }()

		params := make([]lua.LValue, 0, len(args)+1)
		params = append(params, newContextValue(rt.L, ic))
		params = append(params, args...)
		return rt.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, params...)
	})
}

// NewContext builds a session context bound to this runtime's world.
func (rt *Runtime) NewContext(actor gamedb.DBRef, session int) *Context {
	return NewContext(rt.world, rt.dir, actor, session)
}

// NewRoomContext builds a room-scoped context for hook firings.
func (rt *Runtime) NewRoomContext(room gamedb.DBRef) *Context {
	return NewRoomContext(rt.world, rt.dir, room)
}

// --- registration primitives ---

// register_command(name, fn [, alternate])
func (rt *Runtime) luaRegisterCommand(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	alt := L.OptString(3, "")
	if rt.staging == nil {
		L.RaiseError("register_command(%q) called outside unit load", name)
		return 0
	}
	h := &Handler{rt: rt, Name: strings.ToLower(name), Owner: rt.staging.Owner, fn: fn}
	if err := rt.staging.AddCommand(name, h, alt); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// register_hook(name, fn)
func (rt *Runtime) luaRegisterHook(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	if rt.staging == nil {
		L.RaiseError("register_hook(%q) called outside unit load", name)
		return 0
	}
	if err := rt.staging.AddHook(name, fn); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}
