package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/crystal-mush/gotinymud/pkg/reload"
	"github.com/crystal-mush/gotinymud/pkg/script"
)

// Game holds the complete game state. The interpreter, the registry's
// writers and every command handler run on the dispatcher goroutine
// started by Run; other goroutines hand work to it through Submit.
type Game struct {
	World    *gamedb.Database
	Store    *boltstore.Store // nil = no persistence
	Conns    *ConnManager
	EventBus *events.Bus
	Registry *command.Registry
	Resolver *command.Resolver
	Scripts  *script.Runtime
	Reloads  *reload.Manager // nil without a store
	Queue    *CommandQueue
	Conf     *GameConf
	Metrics  *Metrics
	Socials  *SQLSocials // nil when no socials database is configured
	Help     *HelpTopics // nil = command help only

	jobs           chan func(context.Context)
	drainRequested atomic.Bool
	dispatchDepth  int
	internalIDs    atomic.Int64
	now            func() time.Time
}

// maxDispatchDepth bounds nested deferred dispatches.
const maxDispatchDepth = 8

// NewGame wires a game around a world and an optional store.
func NewGame(world *gamedb.Database, store *boltstore.Store) *Game {
	bus := events.NewBus()
	cm := NewConnManager()
	cm.EventBus = bus
	reg := command.NewRegistry()

	g := &Game{
		World:    world,
		Store:    store,
		Conns:    cm,
		EventBus: bus,
		Registry: reg,
		Resolver: command.NewResolver(reg, nil),
		Queue:    NewCommandQueue(),
		jobs:     make(chan func(context.Context), 256),
		now:      time.Now,
	}
	g.Metrics = NewMetrics(g, time.Now())
	g.Scripts = script.New(reg, world, cm, g)
	g.Scripts.OnHookError = g.Metrics.HookError
	if store != nil {
		g.Reloads = reload.NewManager(store, g.Scripts)
		g.Reloads.OnResult = g.reloadSettled
	}
	g.internalIDs.Store(-1)
	g.registerBuiltins()
	g.ApplyGameConf(DefaultGameConf())
	return g
}

// SetSocials installs the content table consulted for socials.
func (g *Game) SetSocials(s *SQLSocials) {
	g.Socials = s
	if s != nil {
		g.Resolver.Socials = s
	} else {
		g.Resolver.Socials = nil
	}
}

// LoadScripts loads every stored unit in scope order. Failing units are
// logged and skipped.
func (g *Game) LoadScripts() (loaded, failed int, err error) {
	if g.Store == nil {
		return 0, 0, nil
	}
	units, err := g.Store.ListUnits(gamedb.UnitID{})
	if err != nil {
		return 0, 0, fmt.Errorf("listing units: %w", err)
	}
	n, errs := g.Scripts.LoadAll(units, g.Conf.ScopeOrder)
	return n, len(errs), nil
}

// --- dispatcher ---

// Submit hands fn to the dispatcher goroutine. It returns false if ctx
// ends first.
func (g *Game) Submit(ctx context.Context, fn func(context.Context)) bool {
	select {
	case g.jobs <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

// SubmitWait runs fn on the dispatcher and waits for it to finish.
func (g *Game) SubmitWait(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	if !g.Submit(ctx, func(c context.Context) {
		defer close(done)
		fn(c)
	}) {
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitLine queues an input line from d for dispatch.
func (g *Game) SubmitLine(ctx context.Context, d *Descriptor, line string) bool {
	return g.Submit(ctx, func(c context.Context) { g.ProcessLine(c, d, line) })
}

// Run is the dispatcher loop. It executes submitted jobs one at a time,
// fires ticks, promotes scheduled lines, and drains reloads at safe
// points, until ctx ends.
func (g *Game) Run(ctx context.Context) {
	const queueTick = 100 * time.Millisecond
	queueTicker := time.NewTicker(queueTick)
	defer queueTicker.Stop()

	var tickC <-chan time.Time
	if d := g.Conf.Tick(); d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		tickC = ticker.C
	}
	heartbeat := time.NewTicker(60 * time.Second)
	defer heartbeat.Stop()

	log.Printf("Dispatcher started (tick=%v)", g.Conf.Tick())
	for {
		select {
		case <-ctx.Done():
			log.Printf("Dispatcher stopped")
			return
		case fn := <-g.jobs:
			g.safely("job", func() { fn(ctx) })
		case <-queueTicker.C:
			g.safely("queue", func() { g.ProcessQueue(ctx) })
		case <-tickC:
			g.safely("tick", func() { g.Tick(ctx) })
		case <-heartbeat.C:
			imm, wait := g.Queue.Stats()
			if imm > 0 || wait > 0 {
				log.Printf("Queue heartbeat: %d immediate, %d waiting", imm, wait)
			}
			g.EventBus.Cleanup()
		}
		if g.drainRequested.Swap(false) {
			g.safely("drain", func() { g.DrainReloads() })
		}
	}
}

// safely runs fn, logging and swallowing panics. A reentrant interpreter
// call is a scheduling bug and is not swallowed.
func (g *Game) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, script.ErrReentrant) {
				panic(r)
			}
			log.Printf("PANIC in %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

// ProcessQueue promotes due scheduled lines and runs what is ready.
func (g *Game) ProcessQueue(ctx context.Context) bool {
	promoted := g.Queue.PromoteReady()
	const maxPerTick = 100
	processed := 0
	for ; processed < maxPerTick; processed++ {
		entry := g.Queue.PopImmediate()
		if entry == nil {
			break
		}
		g.runQueued(ctx, entry)
	}
	return processed > 0 || promoted > 0
}

func (g *Game) runQueued(ctx context.Context, entry *QueueEntry) {
	d := g.sessionFor(entry.Player, entry.Session)
	g.ProcessLine(ctx, d, entry.Command)
}

// sessionFor finds the live session for a player, preferring the given
// session id, and falls back to a connectionless one that routes output
// through the event bus.
func (g *Game) sessionFor(player gamedb.DBRef, session int) *Descriptor {
	if session > 0 {
		if d, ok := g.Conns.Get(session); ok && d.Player() == player {
			return d
		}
	}
	if descs := g.Conns.GetByPlayer(player); len(descs) > 0 {
		return descs[0]
	}
	id := int(g.internalIDs.Add(-1))
	return NewInternalDescriptor(id, player, func(msg string) {
		g.EventBus.EmitToPlayer(player, events.Event{Type: events.EvText, Source: player, Text: msg})
	})
}

// --- ticks ---

// Tick fires the tick hook once per occupied room, expires status effects,
// then drains pending reloads. The drain is the safe point: no interpreter
// call is in flight here.
func (g *Game) Tick(ctx context.Context) {
	if g.Scripts.HasHook("tick") {
		for _, room := range g.occupiedRooms() {
			ic := g.Scripts.NewRoomContext(room)
			g.Scripts.FireWith(ic, "tick", room)
			if err := ic.Drain(ctx, g); err != nil {
				log.Printf("tick: room #%d: %v", room, err)
			}
		}
	}

	for _, ex := range g.World.ExpireEffects(g.now()) {
		if !g.Scripts.HasHook("effect_expired") {
			break
		}
		ic := g.Scripts.NewContext(ex.Ref, 0)
		if err := g.Scripts.Fire(ctx, ic, "effect_expired", ex.Ref, ex.Effect.Name); err != nil {
			log.Printf("tick: effect_expired #%d %s: %v", ex.Ref, ex.Effect.Name, err)
		}
	}

	g.DrainReloads()
}

// occupiedRooms returns the rooms holding at least one connected player.
func (g *Game) occupiedRooms() []gamedb.DBRef {
	seen := make(map[gamedb.DBRef]bool)
	var rooms []gamedb.DBRef
	for _, p := range g.Conns.Online() {
		loc := g.World.Location(p)
		if loc == gamedb.Nothing || seen[loc] {
			continue
		}
		seen[loc] = true
		rooms = append(rooms, loc)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// --- reloads ---

// RequestDrain asks the dispatcher to drain pending reloads at its next
// safe point.
func (g *Game) RequestDrain() {
	g.drainRequested.Store(true)
}

// DrainReloads applies pending reloads now. Callers must be on the
// dispatcher goroutine and outside any interpreter call.
func (g *Game) DrainReloads() []reload.Status {
	if g.Reloads == nil || g.Reloads.Len() == 0 {
		return nil
	}
	results, err := g.Reloads.Drain()
	if err != nil {
		log.Printf("reload: %v", err)
		return nil
	}
	return results
}

func (g *Game) reloadSettled(st reload.Status) {
	g.Metrics.Reload(st)
	msg := fmt.Sprintf("GAME: %s v%d %s.", st.ID, st.Version, st.State)
	if st.State == reload.Failed {
		msg = fmt.Sprintf("GAME: %s failed to reload: %s", st.ID, st.Err)
	}
	g.NotifyOperators(msg)
}

// NotifyOperators sends a system line to every connected operator.
func (g *Game) NotifyOperators(msg string) {
	for _, d := range g.Conns.AllDescriptors() {
		if d.State == ConnConnected && d.Operator {
			d.Send(msg)
		}
	}
}

// --- helpers ---

// PlayerName returns a display name for a ref.
func (g *Game) PlayerName(ref gamedb.DBRef) string {
	if name := g.World.Name(ref); name != "" {
		return name
	}
	return fmt.Sprintf("#%d", ref)
}

// PersistEntities writes entities to the store; a no-op without one.
func (g *Game) PersistEntities(refs ...gamedb.DBRef) error {
	if g.Store == nil {
		return nil
	}
	ents := make([]gamedb.Entity, 0, len(refs))
	for _, ref := range refs {
		if e, ok := g.World.Get(ref); ok {
			ents = append(ents, e)
		}
	}
	if len(ents) == 0 {
		return nil
	}
	return g.Store.PutEntities(ents...)
}

// fireHook fires a hook on a room-scoped context and drains it.
func (g *Game) fireHook(ctx context.Context, room gamedb.DBRef, hook string, args ...any) {
	if !g.Scripts.HasHook(hook) {
		return
	}
	ic := g.Scripts.NewRoomContext(room)
	if err := g.Scripts.Fire(ctx, ic, hook, args...); err != nil {
		log.Printf("hook %s: drain: %v", hook, err)
	}
}

// Close releases the interpreter and the store.
func (g *Game) Close() error {
	g.Scripts.Close()
	if g.Socials != nil {
		g.Socials.Close()
	}
	if g.Store != nil {
		return g.Store.Close()
	}
	return nil
}
