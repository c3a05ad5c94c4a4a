package server

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
)

// builtinFunc is the signature of native commands.
type builtinFunc func(g *Game, ctx context.Context, d *Descriptor, args string) error

// builtinHelp holds the one-line help of each native command.
var builtinHelp = map[string]string{
	"look":      "look [thing] - describe the room or something in it",
	"say":       "say <message> - speak to the room",
	"emote":     "emote <action> - act out something",
	"go":        "go <direction> - walk through an exit",
	"who":       "who - list connected players",
	"quit":      "quit - leave the game",
	"help":      "help [command] - show help",
	"alias":     "alias [name [expansion]] - list, set or clear a personal alias",
	"inventory": "inventory - list what you carry",
	"commands":  "commands - list every command",
	"@reload":   "@reload <scope>[/<category>[/<name>]] - queue script units for reload",
	"@drain":    "@drain - apply queued reloads at the next safe point",
	"@units":    "@units [selector] - list stored script units and their state",
	"@halt":     "@halt [player] - cancel queued and scheduled lines",
	"@stats":    "@stats - show connection, queue, memory and world statistics",
	"@debug":    "@debug [on|off] - toggle debug logging",
}

// registerBuiltins installs the native commands.
func (g *Game) registerBuiltins() {
	register := func(name string, fn builtinFunc, alternates ...string) {
		h := command.NativeHandler(func(ctx context.Context, s command.Session, args string) error {
			d, ok := s.(*Descriptor)
			if !ok {
				return fmt.Errorf("%s: unsupported session %T", name, s)
			}
			return fn(g, ctx, d, args)
		})
		if err := g.Registry.Register(name, h, alternates...); err != nil {
			log.Printf("builtin %s: %v", name, err)
		}
	}
	operator := func(fn builtinFunc) builtinFunc {
		return func(g *Game, ctx context.Context, d *Descriptor, args string) error {
			if !d.Operator {
				return tell("Permission denied.")
			}
			return fn(g, ctx, d, args)
		}
	}

	register("look", cmdLook, "l", "examine")
	register("say", cmdSay)
	register("emote", cmdEmote, "pose")
	register("go", cmdGo, "walk")
	register("who", cmdWho)
	register("quit", cmdQuit, "logout")
	register("help", cmdHelp)
	register("alias", cmdAlias)
	register("inventory", cmdInventory, "i", "inv")
	register("commands", cmdCommands)
	register("@reload", operator(cmdReload))
	register("@drain", operator(cmdDrain))
	register("@units", operator(cmdUnits))
	register("@halt", operator(cmdHalt))
	register("@stats", operator(cmdStats))
	register("@debug", operator(cmdDebug))
}

// --- Information ---

func cmdLook(g *Game, _ context.Context, d *Descriptor, args string) error {
	player := d.Player()
	loc := g.World.Location(player)
	args = strings.TrimSpace(args)
	if args == "" || strings.EqualFold(args, "here") {
		g.ShowRoom(d, loc)
		return nil
	}
	target := g.World.FindIn(loc, args)
	if target == gamedb.Nothing {
		target = g.World.FindIn(player, args)
	}
	switch target {
	case gamedb.Nothing:
		return tell("I don't see that here.")
	case gamedb.Ambiguous:
		return tell("I don't know which one you mean.")
	}
	g.ShowEntity(d, target)
	return nil
}

// ShowRoom sends the room name, description, exits and visible contents.
func (g *Game) ShowRoom(d *Descriptor, room gamedb.DBRef) {
	ent, ok := g.World.Get(room)
	if !ok {
		d.Send("You are nowhere.")
		return
	}
	var sb strings.Builder
	sb.WriteString(ent.Name)
	if ent.Description != "" {
		sb.WriteString("\r\n")
		sb.WriteString(ent.Description)
	}

	viewer := d.Player()
	var names []string
	for _, c := range g.World.Contents(room) {
		if c.Ref != viewer {
			names = append(names, c.Name)
		}
	}
	if len(names) > 0 {
		sb.WriteString("\r\nContents: ")
		sb.WriteString(strings.Join(names, ", "))
	}

	if len(ent.Exits) > 0 {
		exits := make([]string, 0, len(ent.Exits))
		for dir := range ent.Exits {
			exits = append(exits, dir)
		}
		sort.Strings(exits)
		sb.WriteString("\r\nObvious exits: ")
		sb.WriteString(strings.Join(exits, " "))
	}
	d.Receive(events.Event{
		Type: events.EvRoom, Player: viewer, Room: room, Text: sb.String(),
		Data: map[string]any{"room": int(room), "name": ent.Name, "contents": names},
	})
}

// ShowEntity describes one entity, including resources and equipment.
func (g *Game) ShowEntity(d *Descriptor, ref gamedb.DBRef) {
	ent, ok := g.World.Get(ref)
	if !ok {
		d.Send("I don't see that here.")
		return
	}
	d.Send(ent.Name)
	if ent.Description != "" {
		d.Send(ent.Description)
	} else {
		d.Send("You see nothing special.")
	}
	if len(ent.Equipment) > 0 {
		slots := make([]string, 0, len(ent.Equipment))
		for slot := range ent.Equipment {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		for _, slot := range slots {
			d.Send(fmt.Sprintf("  %s: %s", slot, g.PlayerName(ent.Equipment[slot])))
		}
	}
	now := g.now()
	for _, eff := range ent.Effects {
		if eff.Active(now) {
			d.Send(fmt.Sprintf("  (%s)", eff.Name))
		}
	}
}

func cmdInventory(g *Game, _ context.Context, d *Descriptor, _ string) error {
	items := g.World.Contents(d.Player())
	if len(items) == 0 {
		d.Send("You aren't carrying anything.")
		return nil
	}
	ent, _ := g.World.Get(d.Player())
	worn := make(map[gamedb.DBRef]string, len(ent.Equipment))
	for slot, ref := range ent.Equipment {
		worn[ref] = slot
	}
	d.Send("You are carrying:")
	for _, it := range items {
		if slot, ok := worn[it.Ref]; ok {
			d.Send(fmt.Sprintf("  %s (%s)", it.Name, slot))
		} else {
			d.Send("  " + it.Name)
		}
	}
	return nil
}

func cmdWho(g *Game, _ context.Context, d *Descriptor, _ string) error {
	g.ShowWho(d)
	return nil
}

// ShowWho lists connected players.
func (g *Game) ShowWho(d *Descriptor) {
	now := time.Now()
	d.Send(fmt.Sprintf("%-20s %10s %6s", "Player Name", "On For", "Idle"))
	count := 0
	for _, dd := range g.Conns.AllDescriptors() {
		if dd.State != ConnConnected || dd.Transport == TransportInternal {
			continue
		}
		d.Send(fmt.Sprintf("%-20s %10s %6s",
			g.PlayerName(dd.Player()), FormatConnTime(now.Sub(dd.ConnTime)), FormatIdleTime(now.Sub(dd.LastCmd))))
		count++
	}
	d.Send(fmt.Sprintf("%d player(s) logged in.", count))
}

func cmdHelp(g *Game, _ context.Context, d *Descriptor, args string) error {
	topic := strings.ToLower(strings.TrimSpace(args))
	if topic == "" {
		d.Send("Type a command name after help for details. Commands:")
		d.Send("  " + strings.Join(g.Registry.Names(), " "))
		if g.Resolver.Socials != nil {
			d.Send("Socials are also available; try one by name.")
		}
		if topics := g.Help.Topics(); len(topics) > 0 {
			d.Send("Topics: " + strings.Join(topics, " "))
		}
		return nil
	}
	if canonical, ok := g.Registry.Alternate(topic); ok {
		topic = canonical
	}
	reg, ok := g.Registry.Lookup(topic)
	if !ok {
		if name, text, found := g.Help.Lookup(topic); found {
			d.Send(strings.ToUpper(name))
			d.Send(text)
			return nil
		}
		return tell("No help for %q.", topic)
	}
	if text, ok := builtinHelp[reg.Name]; ok {
		d.Send(text)
	} else {
		d.Send(fmt.Sprintf("%s - provided by %s", reg.Name, reg.Owner))
	}
	if len(reg.Alternates) > 0 {
		d.Send("Also: " + strings.Join(reg.Alternates, ", "))
	}
	return nil
}

func cmdCommands(g *Game, _ context.Context, d *Descriptor, _ string) error {
	var native, scripted []string
	for _, name := range g.Registry.Names() {
		reg, _ := g.Registry.Lookup(name)
		if reg.Owner == "" {
			native = append(native, name)
		} else {
			scripted = append(scripted, name)
		}
	}
	d.Send("Built-in: " + strings.Join(native, " "))
	if len(scripted) > 0 {
		d.Send("Scripted: " + strings.Join(scripted, " "))
	}
	return nil
}

// --- Communication ---

func cmdSay(g *Game, ctx context.Context, d *Descriptor, args string) error {
	args = strings.TrimSpace(args)
	if args == "" {
		return tell("Say what?")
	}
	player := d.Player()
	name := g.PlayerName(player)
	loc := g.World.Location(player)

	d.Receive(events.Event{
		Type: events.EvSay, Player: player, Source: player, Room: loc,
		Text: fmt.Sprintf("You say \"%s\"", args),
		Data: map[string]any{"message": args, "speaker": name},
	})
	g.EventBus.EmitToRoomExcept(g.World, loc, player, events.Event{
		Type: events.EvSay, Source: player,
		Text: fmt.Sprintf("%s says \"%s\"", name, args),
		Data: map[string]any{"message": args, "speaker": name},
	})
	g.fireHook(ctx, loc, "say", player, args)
	return nil
}

func cmdEmote(g *Game, _ context.Context, d *Descriptor, args string) error {
	args = strings.TrimSpace(args)
	if args == "" {
		return tell("Emote what?")
	}
	player := d.Player()
	name := g.PlayerName(player)
	loc := g.World.Location(player)
	msg := fmt.Sprintf("%s %s", name, args)
	if strings.HasPrefix(args, "'") || strings.HasPrefix(args, ",") {
		msg = name + args
	}
	d.Receive(events.Event{Type: events.EvEmote, Player: player, Source: player, Room: loc, Text: msg})
	g.EventBus.EmitToRoomExcept(g.World, loc, player, events.Event{
		Type: events.EvEmote, Source: player, Text: msg,
		Data: map[string]any{"pose": args, "player": name},
	})
	return nil
}

func cmdGo(g *Game, ctx context.Context, d *Descriptor, args string) error {
	dir, ok := g.Resolver.Directions.Lookup(strings.TrimSpace(args))
	if !ok {
		return tell("Go where?")
	}
	g.MoveDirection(ctx, d, dir)
	return nil
}

// --- Session ---

func cmdQuit(g *Game, _ context.Context, d *Descriptor, _ string) error {
	d.Send("Goodbye!")
	g.DisconnectSession(d)
	d.Close()
	return nil
}

// DisconnectSession announces a departing player and detaches the session.
// It is safe to call more than once. Must run on the dispatcher.
func (g *Game) DisconnectSession(d *Descriptor) {
	player := d.Player()
	if d.State != ConnConnected || player == gamedb.Nothing {
		g.Conns.Remove(d)
		return
	}
	if _, ok := g.Conns.Get(d.ID); !ok {
		return
	}
	g.Conns.Remove(d)
	if g.Conns.IsConnected(player) {
		return
	}
	name := g.PlayerName(player)
	room := g.World.Location(player)
	g.EventBus.EmitToRoomExcept(g.World, room, player, events.Event{
		Type: events.EvDisconnect, Source: player, Text: fmt.Sprintf("%s has disconnected.", name),
	})
	g.fireHook(context.Background(), room, "disconnect", player)
	log.Printf("[%d] Player %s(#%d) disconnected", d.ID, name, player)
	if err := g.PersistEntities(player); err != nil {
		log.Printf("[%d] persist #%d on disconnect: %v", d.ID, player, err)
	}
}

func cmdAlias(g *Game, _ context.Context, d *Descriptor, args string) error {
	fields := strings.Fields(args)
	switch len(fields) {
	case 0:
		if len(d.Aliases) == 0 {
			d.Send("You have no aliases.")
			return nil
		}
		names := make([]string, 0, len(d.Aliases))
		for k := range d.Aliases {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			d.Send(fmt.Sprintf("  %-12s %s", k, d.Aliases[k]))
		}
		return nil
	case 1:
		name := strings.ToLower(fields[0])
		if _, ok := d.Aliases[name]; !ok {
			return tell("No alias named %q.", name)
		}
		delete(d.Aliases, name)
		d.Send(fmt.Sprintf("Alias %q cleared.", name))
	default:
		name := strings.ToLower(fields[0])
		expansion := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args), fields[0]))
		if d.Aliases == nil {
			d.Aliases = make(map[string]string)
		}
		d.Aliases[name] = expansion
		d.Send(fmt.Sprintf("Alias %q set.", name))
	}
	if g.Store != nil && d.Account != "" {
		if err := g.Store.SaveAliases(d.Account, d.Aliases); err != nil {
			return fmt.Errorf("saving aliases for %s: %w", d.Account, err)
		}
	}
	return nil
}

// --- Operator ---

func cmdReload(g *Game, _ context.Context, d *Descriptor, args string) error {
	if g.Reloads == nil {
		return tell("No unit store is configured.")
	}
	args = strings.TrimSpace(args)
	if args == "" {
		return tell("Usage: @reload <scope>[/<category>[/<name>]]")
	}
	sel, err := gamedb.ParseUnitID(args)
	if err != nil {
		return tell("Bad selector: %v", err)
	}
	n, err := g.Reloads.QueueSelector(sel)
	if err != nil {
		return err
	}
	if n == 0 {
		d.Send(fmt.Sprintf("Nothing new to queue for %s.", args))
		return nil
	}
	d.Send(fmt.Sprintf("Queued %d unit(s); they apply at the next safe point.", n))
	return nil
}

func cmdDrain(g *Game, _ context.Context, d *Descriptor, _ string) error {
	if g.Reloads == nil || g.Reloads.Len() == 0 {
		d.Send("No reloads pending.")
		return nil
	}
	g.RequestDrain()
	d.Send(fmt.Sprintf("Draining %d pending reload(s).", g.Reloads.Len()))
	return nil
}

func cmdHalt(g *Game, _ context.Context, d *Descriptor, args string) error {
	target := d.Player()
	if args = strings.TrimSpace(args); args != "" {
		if target = g.World.FindPlayer(args); target == gamedb.Nothing {
			return tell("No such player: %s.", args)
		}
	}
	n := g.Queue.HaltPlayer(target)
	d.Send(fmt.Sprintf("Halted %d queued line(s) for %s.", n, g.PlayerName(target)))
	return nil
}

func cmdUnits(g *Game, _ context.Context, d *Descriptor, args string) error {
	if g.Store == nil {
		return tell("No unit store is configured.")
	}
	var sel gamedb.UnitID
	if args = strings.TrimSpace(args); args != "" {
		var err error
		if sel, err = gamedb.ParseUnitID(args); err != nil {
			return tell("Bad selector: %v", err)
		}
	}
	units, err := g.Store.ListUnits(sel)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		d.Send("No units stored.")
		return nil
	}
	for _, u := range units {
		live := "-"
		if v, ok := g.Scripts.Version(u.ID); ok {
			live = fmt.Sprintf("v%d", v)
		}
		state := ""
		if st, ok := g.Reloads.Status(u.ID); ok {
			state = st.State.String()
		}
		d.Send(fmt.Sprintf("%-36s stored v%-3d live %-4s %s", u.ID, u.Version, live, state))
	}
	return nil
}

func cmdStats(g *Game, _ context.Context, d *Descriptor, _ string) error {
	sections := []struct {
		title string
		stats map[string]any
	}{
		{"Connections", g.ConnectionStats()},
		{"Queue", g.QueueStats()},
		{"Memory", g.MemoryStats()},
		{"World", g.GameStats()},
	}
	for _, sec := range sections {
		d.Send(sec.title + ":")
		keys := make([]string, 0, len(sec.stats))
		for k := range sec.stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Send(fmt.Sprintf("  %-18s %v", k, sec.stats[k]))
		}
	}
	return nil
}

func cmdDebug(_ *Game, _ context.Context, d *Descriptor, args string) error {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on":
		SetTrace(true)
	case "off":
		SetTrace(false)
	case "":
		SetTrace(!Tracing())
	default:
		return tell("Usage: @debug [on|off]")
	}
	if Tracing() {
		d.Send("Debug logging is on.")
	} else {
		d.Send("Debug logging is off.")
	}
	return nil
}
