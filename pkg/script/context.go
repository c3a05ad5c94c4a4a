package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// DestKind says where a buffered line goes.
type DestKind int

const (
	ToPlayer DestKind = iota
	ToRoom
	ToAll
)

// Output is one buffered (destination, text) pair.
type Output struct {
	Kind   DestKind
	Target gamedb.DBRef // player or room; unused for ToAll
	Except gamedb.DBRef // ToRoom only
	Source gamedb.DBRef
	Text   string
}

// DeferredKind names an action that needs the host's asynchronous machinery.
type DeferredKind string

const (
	DeferDisconnect DeferredKind = "disconnect"
	DeferPersist    DeferredKind = "persist"
	DeferDispatch   DeferredKind = "dispatch"
	DeferDeath      DeferredKind = "death"
	DeferSchedule   DeferredKind = "schedule"
)

// ParseDeferredKind validates a kind name coming from a script.
func ParseDeferredKind(s string) (DeferredKind, bool) {
	switch k := DeferredKind(s); k {
	case DeferDisconnect, DeferPersist, DeferDispatch, DeferDeath, DeferSchedule:
		return k, true
	}
	return "", false
}

// Deferred is a queued action record. Actor and Session identify who
// requested it so "disconnect" with no arguments means the caller.
type Deferred struct {
	Kind    DeferredKind
	Args    []any
	Actor   gamedb.DBRef
	Session int
}

// Host performs the real I/O a Context only records.
type Host interface {
	// Deliver sends one buffered line to its destination.
	Deliver(out Output)
	// Execute runs a deferred action to completion.
	Execute(ctx context.Context, d Deferred) error
}

// Directory lists the players currently connected.
type Directory interface {
	Online() []gamedb.DBRef
}

var (
	ErrDrainInCall = errors.New("drain requested while the interpreter call is still running")
	ErrSpent       = errors.New("invocation context already drained")
)

// Context is the per-invocation bridge handed to a script. Queries and
// mutations go straight to the world; output and deferred actions are only
// recorded, and reach the host through Drain after the call returns.
type Context struct {
	Actor   gamedb.DBRef // Nothing for hook contexts
	Session int          // 0 for hook contexts
	Room    gamedb.DBRef

	World *gamedb.Database
	Dir   Directory
	Now   func() time.Time

	outputs  []Output
	deferred []Deferred
	inCall   bool
	drained  bool
}

// NewContext creates a context for an actor. room defaults to the actor's
// location.
func NewContext(world *gamedb.Database, dir Directory, actor gamedb.DBRef, session int) *Context {
	c := &Context{
		Actor:   actor,
		Session: session,
		Room:    gamedb.Nothing,
		World:   world,
		Dir:     dir,
		Now:     time.Now,
	}
	if world != nil && actor != gamedb.Nothing {
		c.Room = world.Location(actor)
	}
	return c
}

// NewRoomContext creates a context scoped to a room rather than a session,
// as used for hook firings.
func NewRoomContext(world *gamedb.Database, dir Directory, room gamedb.DBRef) *Context {
	return &Context{
		Actor: gamedb.Nothing,
		Room:  room,
		World: world,
		Dir:   dir,
		Now:   time.Now,
	}
}

// Send buffers text for one player.
func (c *Context) Send(to gamedb.DBRef, text string) {
	c.outputs = append(c.outputs, Output{Kind: ToPlayer, Target: to, Except: gamedb.Nothing, Source: c.Actor, Text: text})
}

// SendRoom buffers text for everyone in room except one entity (Nothing for none).
func (c *Context) SendRoom(room, except gamedb.DBRef, text string) {
	c.outputs = append(c.outputs, Output{Kind: ToRoom, Target: room, Except: except, Source: c.Actor, Text: text})
}

// Broadcast buffers text for every connected player.
func (c *Context) Broadcast(text string) {
	c.outputs = append(c.outputs, Output{Kind: ToAll, Target: gamedb.Nothing, Except: gamedb.Nothing, Source: c.Actor, Text: text})
}

// Defer queues an action for after the call returns.
func (c *Context) Defer(kind DeferredKind, args ...any) {
	c.deferred = append(c.deferred, Deferred{Kind: kind, Args: args, Actor: c.Actor, Session: c.Session})
}

// Outputs returns the buffered lines in insertion order.
func (c *Context) Outputs() []Output {
	return append([]Output(nil), c.outputs...)
}

// Pending returns the queued deferred actions in insertion order.
func (c *Context) Pending() []Deferred {
	return append([]Deferred(nil), c.deferred...)
}

// Discard drops everything buffered. Used when the call that filled the
// context failed.
func (c *Context) Discard() {
	c.outputs = nil
	c.deferred = nil
}

// Drain flushes buffered output in order, then runs each deferred action in
// order, waiting for one to finish before starting the next. A failing
// action is reported but does not stop the ones after it. A context can be
// drained once.
func (c *Context) Drain(ctx context.Context, host Host) error {
	if c.inCall {
		return ErrDrainInCall
	}
	if c.drained {
		return ErrSpent
	}
	c.drained = true

	for _, out := range c.outputs {
		host.Deliver(out)
	}
	c.outputs = nil

	var errs []error
	for i, d := range c.deferred {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("deferred %s skipped: %w", d.Kind, err))
			continue
		}
		if err := host.Execute(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("deferred #%d %s: %w", i, d.Kind, err))
		}
	}
	c.deferred = nil
	return errors.Join(errs...)
}
