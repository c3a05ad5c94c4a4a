package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/crystal-mush/gotinymud/pkg/script"
)

var _ script.Host = (*Game)(nil)

// Deliver sends one buffered script line through the event bus.
func (g *Game) Deliver(out script.Output) {
	ev := events.Event{Type: events.EvScript, Source: out.Source, Text: out.Text}
	switch out.Kind {
	case script.ToPlayer:
		g.EventBus.EmitToPlayer(out.Target, ev)
	case script.ToRoom:
		g.EventBus.EmitToRoomExcept(g.World, out.Target, out.Except, ev)
	case script.ToAll:
		for _, p := range g.Conns.Online() {
			g.EventBus.EmitToPlayer(p, ev)
		}
	}
}

// Execute runs one deferred action to completion.
func (g *Game) Execute(ctx context.Context, d script.Deferred) error {
	var err error
	switch d.Kind {
	case script.DeferDisconnect:
		err = g.deferredDisconnect(d)
	case script.DeferPersist:
		err = g.deferredPersist(d)
	case script.DeferDispatch:
		err = g.deferredDispatch(ctx, d)
	case script.DeferDeath:
		err = g.deferredDeath(ctx, d)
	case script.DeferSchedule:
		err = g.deferredSchedule(d)
	default:
		err = fmt.Errorf("unknown deferred action %q", d.Kind)
	}
	g.Metrics.Deferred(string(d.Kind), err)
	return err
}

// disconnect([player]) closes every session of player, or the calling
// session when no player is given.
func (g *Game) deferredDisconnect(d script.Deferred) error {
	var targets []*Descriptor
	if len(d.Args) > 0 {
		ref, err := argRef(d.Args, 0)
		if err != nil {
			return err
		}
		targets = g.Conns.GetByPlayer(ref)
	} else if dd, ok := g.Conns.Get(d.Session); ok {
		targets = []*Descriptor{dd}
	} else {
		targets = g.Conns.GetByPlayer(d.Actor)
	}
	for _, t := range targets {
		t.Send("You have been disconnected.")
		g.DisconnectSession(t)
		t.Close()
	}
	return nil
}

// persist([refs...]) writes the listed entities, or the whole world.
func (g *Game) deferredPersist(d script.Deferred) error {
	if g.Store == nil {
		return errors.New("persist: no store configured")
	}
	if len(d.Args) == 0 {
		return g.Store.SaveWorld(g.World)
	}
	refs := make([]gamedb.DBRef, 0, len(d.Args))
	for i := range d.Args {
		ref, err := argRef(d.Args, i)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}
	return g.PersistEntities(refs...)
}

// dispatch(line[, player]) runs line as player (default: the actor)
// through the full resolution path.
func (g *Game) deferredDispatch(ctx context.Context, d script.Deferred) error {
	line, err := argString(d.Args, 0)
	if err != nil {
		return err
	}
	player := d.Actor
	if len(d.Args) > 1 {
		if player, err = argRef(d.Args, 1); err != nil {
			return err
		}
	}
	if player == gamedb.Nothing {
		return errors.New("dispatch: no player to act as")
	}
	if g.dispatchDepth >= maxDispatchDepth {
		return fmt.Errorf("dispatch %q: nesting deeper than %d", line, maxDispatchDepth)
	}
	session := d.Session
	if player != d.Actor {
		session = 0
	}
	g.dispatchDepth++
	defer func() { g.dispatchDepth-- }()
	g.ProcessLine(ctx, g.sessionFor(player, session), line)
	return nil
}

// death([victim]) fires the death hook where the victim fell, then moves
// it to the starting room with its resources restored.
func (g *Game) deferredDeath(ctx context.Context, d script.Deferred) error {
	victim := d.Actor
	if len(d.Args) > 0 {
		var err error
		if victim, err = argRef(d.Args, 0); err != nil {
			return err
		}
	}
	ent, ok := g.World.Get(victim)
	if !ok {
		return fmt.Errorf("death #%d: %w", victim, gamedb.ErrNoSuchEntity)
	}
	room := ent.Location
	g.fireHook(ctx, room, "death", victim)

	start := g.StartingRoom()
	if start != gamedb.Nothing && start != room {
		if err := g.World.Move(victim, start); err != nil {
			return fmt.Errorf("death #%d: %w", victim, err)
		}
	}
	if g.Conf != nil {
		for k, v := range g.Conf.StartingResources {
			if err := g.World.SetResource(victim, k, v); err != nil {
				return fmt.Errorf("death #%d: %w", victim, err)
			}
		}
	}
	g.EventBus.EmitToPlayer(victim, events.Event{
		Type: events.EvSystem, Source: victim, Text: "You have died. You awaken somewhere familiar.",
	})
	if start != room {
		g.EventBus.EmitToRoomExcept(g.World, start, victim, events.Event{
			Type: events.EvMove, Source: victim, Text: fmt.Sprintf("%s appears, looking shaken.", ent.Name),
		})
	}
	log.Printf("death: #%d(%s) respawned in #%d", victim, ent.Name, start)
	return g.PersistEntities(victim, room, start)
}

// schedule(seconds, line[, player]) dispatches line after a delay.
func (g *Game) deferredSchedule(d script.Deferred) error {
	delay, err := argSeconds(d.Args, 0)
	if err != nil {
		return err
	}
	line, err := argString(d.Args, 1)
	if err != nil {
		return err
	}
	player := d.Actor
	if len(d.Args) > 2 {
		if player, err = argRef(d.Args, 2); err != nil {
			return err
		}
	}
	if player == gamedb.Nothing {
		return errors.New("schedule: no player to act as")
	}
	entry := &QueueEntry{Player: player, Session: d.Session, Command: line}
	if delay == 0 {
		if !g.Queue.Add(entry) {
			return fmt.Errorf("schedule: queue full for #%d", player)
		}
		return nil
	}
	entry.WaitUntil = g.now().Add(delay)
	g.Queue.AddWait(entry)
	return nil
}

// --- argument helpers ---

func argRef(args []any, i int) (gamedb.DBRef, error) {
	if i >= len(args) {
		return gamedb.Nothing, fmt.Errorf("argument %d: missing entity", i+1)
	}
	switch v := args[i].(type) {
	case int:
		return gamedb.DBRef(v), nil
	case gamedb.DBRef:
		return v, nil
	}
	return gamedb.Nothing, fmt.Errorf("argument %d: expected entity, got %T", i+1, args[i])
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("argument %d: missing text", i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected text, got %T", i+1, args[i])
	}
	return s, nil
}

func argSeconds(args []any, i int) (time.Duration, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("argument %d: missing delay", i+1)
	}
	var secs float64
	switch v := args[i].(type) {
	case int:
		secs = float64(v)
	case float64:
		secs = v
	default:
		return 0, fmt.Errorf("argument %d: expected seconds, got %T", i+1, args[i])
	}
	if secs < 0 {
		return 0, fmt.Errorf("argument %d: negative delay", i+1)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
