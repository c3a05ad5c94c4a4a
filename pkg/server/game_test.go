package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv holds the shared test infrastructure:
//   - Hall and Yard rooms joined north/south
//   - Alice and Bob in the Hall, both connected
//   - a sword lying in the Hall
type testEnv struct {
	game  *Game
	store *boltstore.Store
	hall  gamedb.DBRef
	yard  gamedb.DBRef
	alice gamedb.DBRef
	bob   gamedb.DBRef
	sword gamedb.DBRef

	aliceD, bobD     *Descriptor
	aliceOut, bobOut *captureBuffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	world := gamedb.NewDatabase()
	env := &testEnv{}
	env.hall = world.Create("Hall", gamedb.TypeRoom, gamedb.Nothing)
	env.yard = world.Create("Yard", gamedb.TypeRoom, gamedb.Nothing)
	require.NoError(t, world.SetExit(env.hall, "north", env.yard))
	require.NoError(t, world.SetExit(env.yard, "south", env.hall))
	require.NoError(t, world.SetDescription(env.hall, "A long stone hall."))
	env.alice = world.Create("Alice", gamedb.TypePlayer, env.hall)
	env.bob = world.Create("Bob", gamedb.TypePlayer, env.hall)
	env.sword = world.Create("sword", gamedb.TypeThing, env.hall)

	store, err := boltstore.Open(filepath.Join(t.TempDir(), "game.bolt"))
	require.NoError(t, err)
	env.store = store
	require.NoError(t, store.SaveWorld(world))

	env.game = NewGame(world, store)
	t.Cleanup(func() { env.game.Close() })

	env.aliceD, env.aliceOut = env.connect(env.alice)
	env.bobD, env.bobOut = env.connect(env.bob)
	return env
}

// connect logs a capturing session in as player.
func (env *testEnv) connect(player gamedb.DBRef) (*Descriptor, *captureBuffer) {
	out := &captureBuffer{}
	d := NewInternalDescriptor(env.game.Conns.NextID(), player, out.add)
	d.Transport = TransportTCP
	env.game.Conns.Add(d)
	env.game.Conns.Login(d, player)
	return d, out
}

// run dispatches a line as d on the calling goroutine.
func (env *testEnv) run(d *Descriptor, line string) {
	env.game.ProcessLine(context.Background(), d, line)
}

// loadUnit stores a unit and loads it into the interpreter.
func (env *testEnv) loadUnit(t *testing.T, id, src string) {
	t.Helper()
	uid, err := gamedb.ParseUnitID(id)
	require.NoError(t, err)
	u, err := env.store.PutUnit(uid, src)
	require.NoError(t, err)
	require.NoError(t, env.game.Scripts.Load(u))
}

// take returns and clears the captured output.
func take(c *captureBuffer) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := strings.Join(c.lines, "\n")
	c.lines = nil
	return s
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var pb dto.Metric
	require.NoError(t, (<-ch).Write(&pb))
	return pb.GetCounter().GetValue()
}

func TestLookShowsRoom(t *testing.T) {
	env := newTestEnv(t)
	env.run(env.aliceD, "look")
	out := take(env.aliceOut)
	assert.Contains(t, out, "Hall")
	assert.Contains(t, out, "A long stone hall.")
	assert.Contains(t, out, "Bob")
	assert.Contains(t, out, "sword")
	assert.Contains(t, out, "Obvious exits: north")
	assert.NotContains(t, out, "Alice")

	env.run(env.aliceD, "look sword")
	assert.Contains(t, take(env.aliceOut), "You see nothing special.")

	env.run(env.aliceD, "l")
	assert.Contains(t, take(env.aliceOut), "Hall")
}

func TestSayReachesRoom(t *testing.T) {
	env := newTestEnv(t)
	env.run(env.aliceD, "say hello there")
	assert.Equal(t, `You say "hello there"`, take(env.aliceOut))
	assert.Equal(t, `Alice says "hello there"`, take(env.bobOut))

	env.run(env.aliceD, "say")
	assert.Equal(t, "Say what?", take(env.aliceOut))
	assert.Empty(t, take(env.bobOut))
}

func TestGlyphPrefixInvokesCommand(t *testing.T) {
	env := newTestEnv(t)
	env.run(env.aliceD, `"go north now`)
	assert.Equal(t, `Alice says "go north now"`, take(env.bobOut))
	assert.Equal(t, env.hall, env.game.World.Location(env.alice))

	env.run(env.aliceD, ":waves.")
	assert.Equal(t, "Alice waves.", take(env.bobOut))
}

func TestAliasExpandingToGlyph(t *testing.T) {
	env := newTestEnv(t)
	env.aliceD.Aliases = map[string]string{"greet": `"hello all`}

	env.run(env.aliceD, "greet")
	assert.Equal(t, `Alice says "hello all"`, take(env.bobOut))
	assert.Equal(t, `You say "hello all"`, take(env.aliceOut))

	env.run(env.aliceD, "greet and welcome")
	assert.Equal(t, `Alice says "hello all and welcome"`, take(env.bobOut))
}

func TestGlyphNeverMatchesWords(t *testing.T) {
	env := newTestEnv(t)
	env.game.Registry.RegisterAlternate("introduce", "say")
	// A letter key must never act as a prefix glyph, even if one slips in.
	env.game.Resolver.Abbreviations["i"] = "inventory"
	env.game.Resolver.Abbreviations["§"] = "emote"

	env.run(env.aliceD, "introduce myself")
	assert.Equal(t, `Alice says "myself"`, take(env.bobOut))
	assert.Equal(t, `You say "myself"`, take(env.aliceOut))

	env.run(env.aliceD, "§dances.")
	assert.Equal(t, "Alice dances.", take(env.bobOut))
}

func TestUnknownAndAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	nop := command.NativeHandler(func(context.Context, command.Session, string) error { return nil })
	require.NoError(t, env.game.Registry.Register("zap", nop))
	require.NoError(t, env.game.Registry.Register("zoom", nop))

	env.run(env.aliceD, "xyzzy")
	assert.Equal(t, msgHuh, take(env.aliceOut))

	env.run(env.aliceD, "z")
	assert.Equal(t, "Which did you mean: zap, zoom?", take(env.aliceOut))
}

func TestMoveDirectionFiresHook(t *testing.T) {
	env := newTestEnv(t)
	env.loadUnit(t, "common/world/moves", `
register_hook("move", function(ctx, player, from, to, dir)
  ctx:send(player, "you went " .. dir)
end)`)

	env.run(env.aliceD, "n")
	assert.Equal(t, env.yard, env.game.World.Location(env.alice))
	out := take(env.aliceOut)
	assert.Contains(t, out, "Yard")
	assert.Contains(t, out, "you went north")
	assert.Equal(t, "Alice leaves north.", take(env.bobOut))

	env.run(env.aliceD, "up")
	assert.Equal(t, "You can't go that way.", take(env.aliceOut))

	env.run(env.aliceD, "go south")
	assert.Equal(t, env.hall, env.game.World.Location(env.alice))
	assert.Equal(t, "Alice arrives.", take(env.bobOut))

	// The move was persisted.
	reloaded := gamedb.NewDatabase()
	require.NoError(t, env.store.LoadWorld(reloaded))
	assert.Equal(t, env.hall, reloaded.Location(env.alice))
}

func TestScriptCommandEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.loadUnit(t, "common/social/greet", `
register_command("greet", function(ctx, args)
  local me = ctx:actor()
  ctx:echo("You greet " .. args .. ".")
  ctx:send_room(ctx:room(), ctx:name(me) .. " greets " .. args .. ".", me)
end, "hail")`)

	env.run(env.aliceD, "greet Bob")
	assert.Equal(t, "You greet Bob.", take(env.aliceOut))
	assert.Equal(t, "Alice greets Bob.", take(env.bobOut))

	// Trailing alternate resolves first.
	env.run(env.aliceD, "Bob hail")
	assert.Equal(t, "You greet Bob.", take(env.aliceOut))

	reg, ok := env.game.Registry.Lookup("greet")
	require.True(t, ok)
	assert.Equal(t, "common/social/greet", reg.Owner)
}

func TestHandlerErrorIsContained(t *testing.T) {
	env := newTestEnv(t)
	env.loadUnit(t, "common/test/boom", `
register_command("boom", function(ctx)
  ctx:echo("partial")
  ctx:defer("dispatch", "say should not run")
  error("kaboom")
end)`)

	env.run(env.aliceD, "boom")
	assert.Equal(t, msgFailure, take(env.aliceOut))
	assert.Empty(t, take(env.bobOut))
	assert.Equal(t, 1.0, counterValue(t, env.game.Metrics.handlerErrors))

	env.run(env.aliceD, "say still here")
	assert.Equal(t, `Alice says "still here"`, take(env.bobOut))
}

func TestSocials(t *testing.T) {
	env := newTestEnv(t)
	socials, err := OpenSQLSocials(filepath.Join(t.TempDir(), "socials.db"), 1)
	require.NoError(t, err)
	require.NoError(t, socials.SeedDefaults())
	env.game.SetSocials(socials)

	env.run(env.aliceD, "smile")
	assert.Equal(t, "You smile.", take(env.aliceOut))
	assert.Equal(t, "Alice smiles.", take(env.bobOut))

	env.run(env.aliceD, "smile bob")
	assert.Equal(t, "You smile at Bob.", take(env.aliceOut))
	assert.Equal(t, "Alice smiles at you.", take(env.bobOut))

	env.run(env.aliceD, "smile nobody")
	assert.Equal(t, "I don't see that here.", take(env.aliceOut))
}

func TestAliasesExpandAndPersist(t *testing.T) {
	env := newTestEnv(t)
	env.game.Conf.AllowCreate = true
	acct, err := env.game.CreateAccount("Carol", "secret")
	require.NoError(t, err)

	out := &captureBuffer{}
	d := NewInternalDescriptor(env.game.Conns.NextID(), gamedb.Nothing, out.add)
	env.game.AttachAccount(context.Background(), d, acct)
	assert.Contains(t, take(out), "Welcome, Carol.")
	assert.Equal(t, "Carol has connected.", take(env.bobOut))

	env.run(d, "alias yo say yo yo")
	assert.Equal(t, `Alias "yo" set.`, take(out))
	env.run(d, "yo")
	assert.Equal(t, `Carol says "yo yo"`, take(env.bobOut))

	stored, err := env.store.GetAccount("Carol")
	require.NoError(t, err)
	assert.Equal(t, "say yo yo", stored.Aliases["yo"])

	env.run(d, "alias yo")
	assert.Equal(t, `Alias "yo" cleared.`, take(out))
	stored, err = env.store.GetAccount("Carol")
	require.NoError(t, err)
	assert.Empty(t, stored.Aliases)
}

func TestAccountsAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	env.game.Conf.Operators = []string{"Dora"}
	acct, err := env.game.CreateAccount("Dora", "pw1")
	require.NoError(t, err)
	assert.True(t, acct.Operator)
	assert.Equal(t, env.hall, env.game.World.Location(acct.Player))
	ent, ok := env.game.World.Get(acct.Player)
	require.True(t, ok)
	assert.Equal(t, 100, ent.Resource("hp"))

	_, err = env.game.CreateAccount("Dora", "again")
	assert.ErrorIs(t, err, ErrNameTaken)
	_, err = env.game.CreateAccount("x", "pw")
	assert.ErrorIs(t, err, ErrBadName)

	got, err := env.game.Authenticate("Dora", "pw1")
	require.NoError(t, err)
	assert.Equal(t, acct.Player, got.Player)

	_, err = env.game.Authenticate("Dora", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = env.game.Authenticate("Nobody", "pw1")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestDisconnectAnnouncesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.game.DisconnectSession(env.aliceD)
	env.game.DisconnectSession(env.aliceD)
	assert.Equal(t, "Alice has disconnected.", take(env.bobOut))
	assert.False(t, env.game.Conns.IsConnected(env.alice))
}

func TestInventoryAndWho(t *testing.T) {
	env := newTestEnv(t)
	env.run(env.aliceD, "i")
	assert.Equal(t, "You aren't carrying anything.", take(env.aliceOut))

	require.NoError(t, env.game.World.Move(env.sword, env.alice))
	env.run(env.aliceD, "inventory")
	assert.Equal(t, "You are carrying:\n  sword", take(env.aliceOut))

	env.run(env.aliceD, "who")
	out := take(env.aliceOut)
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "Bob")
	assert.Contains(t, out, "2 player(s) logged in.")
}

func TestHelpAndCommands(t *testing.T) {
	env := newTestEnv(t)
	env.loadUnit(t, "common/test/dance", `register_command("dance", function(ctx) end)`)

	// "help say" would resolve trailing-first to say.
	env.run(env.aliceD, "?say")
	assert.Equal(t, builtinHelp["say"], take(env.aliceOut))

	env.run(env.aliceD, "? dance")
	assert.Equal(t, "dance - provided by common/test/dance", take(env.aliceOut))

	env.run(env.aliceD, "commands")
	out := take(env.aliceOut)
	assert.Contains(t, out, "Built-in: ")
	assert.Contains(t, out, "Scripted: dance")
}
