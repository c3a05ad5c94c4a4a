package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/crystal-mush/gotinymud/pkg/script"
)

const (
	msgHuh     = `Huh?  (Type "help" for help.)`
	msgFailure = "Something went wrong. The error has been logged."
)

// ProcessLine resolves one input line for d and acts on the outcome.
// Handler failures and panics stop here: they are logged, counted, and
// answered with a generic message, and the session stays usable.
func (g *Game) ProcessLine(ctx context.Context, d *Descriptor, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	d.LastCmd = time.Now()
	tracef("[%d] #%d %q", d.ID, d.Player(), line)

	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, script.ErrReentrant) {
				panic(r)
			}
			log.Printf("[%d] PANIC dispatching %q: %v\n%s", d.ID, line, r, debug.Stack())
			g.Metrics.HandlerError()
			d.Send(msgFailure)
		}
	}()

	line = command.ExpandAlias(line, d.Aliases)
	if g.dispatchGlyph(ctx, d, line) {
		return
	}

	out := g.Resolver.Resolve(line, nil)
	g.Metrics.CommandOutcome(out.Kind)

	switch out.Kind {
	case command.KindFound:
		g.invoke(ctx, d, out.Name, out.Args)
	case command.KindDirection:
		g.MoveDirection(ctx, d, out.Name)
	case command.KindSocial:
		g.PerformSocial(ctx, d, out.Name, out.Args)
	case command.KindAmbiguous:
		d.Send(fmt.Sprintf("Which did you mean: %s?", strings.Join(out.Candidates, ", ")))
	default:
		d.Send(msgHuh)
	}
}

// dispatchGlyph handles a line that starts with an abbreviation glyph
// followed by text, such as `"hello` or `:waves`. The glyph's command is
// invoked directly with the rest of the line.
func (g *Game) dispatchGlyph(ctx context.Context, d *Descriptor, line string) bool {
	_, size := utf8.DecodeRuneInString(line)
	glyph, rest := line[:size], line[size:]
	if rest == "" || !command.IsGlyph(glyph) {
		return false
	}
	phrase, ok := g.Resolver.Abbreviations[glyph]
	if !ok {
		return false
	}
	fields := strings.Fields(phrase)
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	if _, ok := g.Registry.Lookup(name); !ok {
		return false
	}
	args := strings.TrimSpace(strings.Join(append(fields[1:], rest), " "))
	g.Metrics.CommandOutcome(command.KindFound)
	g.invoke(ctx, d, name, args)
	return true
}

// invoke runs a registered command and reports a failure to the user.
func (g *Game) invoke(ctx context.Context, d *Descriptor, name, args string) {
	reg, ok := g.Registry.Lookup(name)
	if !ok {
		d.Send(msgHuh)
		return
	}
	d.CmdCount++
	if err := reg.Handler.Invoke(ctx, d, args); err != nil {
		var ue *userError
		if errors.As(err, &ue) {
			d.Send(ue.msg)
			return
		}
		log.Printf("[%d] command %s failed for #%d: %v", d.ID, reg.Name, d.Player(), err)
		g.Metrics.HandlerError()
		d.Send(msgFailure)
	}
}

// userError is a handler failure whose message is meant for the player.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

func tell(format string, a ...any) error {
	return &userError{msg: fmt.Sprintf(format, a...)}
}

// --- movement ---

// MoveDirection moves d's player through the exit for dir.
func (g *Game) MoveDirection(ctx context.Context, d *Descriptor, dir string) {
	player := d.Player()
	from := g.World.Location(player)
	dest, ok := g.World.Exit(from, dir)
	if !ok {
		d.Send("You can't go that way.")
		return
	}
	name := g.PlayerName(player)
	if err := g.World.Move(player, dest); err != nil {
		log.Printf("[%d] move #%d %s -> #%d: %v", d.ID, player, dir, dest, err)
		d.Send("You can't go that way.")
		return
	}

	g.EventBus.EmitToRoomExcept(g.World, from, player, events.Event{
		Type: events.EvMove, Source: player,
		Text: fmt.Sprintf("%s leaves %s.", name, dir),
		Data: map[string]any{"player": name, "direction": dir, "arrive": false},
	})
	g.EventBus.EmitToRoomExcept(g.World, dest, player, events.Event{
		Type: events.EvMove, Source: player,
		Text: fmt.Sprintf("%s arrives.", name),
		Data: map[string]any{"player": name, "arrive": true},
	})
	g.ShowRoom(d, dest)
	g.fireHook(ctx, dest, "move", player, from, dest, dir)
	if err := g.PersistEntities(player); err != nil {
		log.Printf("[%d] persist #%d after move: %v", d.ID, player, err)
	}
}

// --- socials ---

// PerformSocial renders a social template for the actor, an optional
// target in the same room, and the onlookers.
func (g *Game) PerformSocial(ctx context.Context, d *Descriptor, name, args string) {
	soc, ok := g.Resolver.Socials.Social(name)
	if !ok {
		d.Send(msgHuh)
		return
	}
	actor := d.Player()
	actorName := g.PlayerName(actor)
	room := g.World.Location(actor)

	args = strings.TrimSpace(args)
	if args == "" {
		d.Send(command.Render(soc.Self, actorName, ""))
		g.EventBus.EmitToRoomExcept(g.World, room, actor, events.Event{
			Type: events.EvSocial, Source: actor, Text: command.Render(soc.Others, actorName, ""),
			Data: map[string]any{"social": soc.Name, "actor": actorName},
		})
		return
	}

	target := g.World.FindIn(room, args)
	switch target {
	case gamedb.Nothing:
		d.Send("I don't see that here.")
		return
	case gamedb.Ambiguous:
		d.Send("I don't know which one you mean.")
		return
	}
	targetName := g.PlayerName(target)
	d.Send(command.Render(soc.TargetSelf, actorName, targetName))
	if target != actor {
		g.EventBus.EmitToPlayer(target, events.Event{
			Type: events.EvSocial, Source: actor, Text: command.Render(soc.Victim, actorName, targetName),
			Data: map[string]any{"social": soc.Name, "actor": actorName, "target": targetName},
		})
	}
	others := command.Render(soc.TargetOthers, actorName, targetName)
	for _, ref := range g.World.ContentRefs(room) {
		if ref == actor || ref == target {
			continue
		}
		g.EventBus.EmitToPlayer(ref, events.Event{
			Type: events.EvSocial, Source: actor, Room: room, Text: others,
			Data: map[string]any{"social": soc.Name, "actor": actorName, "target": targetName},
		})
	}
}
