package command

import (
	"context"
	"testing"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

type fakeSession struct{ player gamedb.DBRef }

func (f fakeSession) SessionID() int       { return 1 }
func (f fakeSession) Player() gamedb.DBRef { return f.player }

// recorder is a Handler that remembers the label it was registered with.
type recorder struct {
	label string
	calls *[]string
}

func (r recorder) Invoke(ctx context.Context, s Session, args string) error {
	*r.calls = append(*r.calls, r.label+":"+args)
	return nil
}

func nop() Handler {
	return NativeHandler(func(context.Context, Session, string) error { return nil })
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("Attack", nop(), "hit", "kill"))

	got, ok := reg.Lookup("attack")
	require.True(t, ok)
	assert.Equal(t, "attack", got.Name)
	assert.ElementsMatch(t, []string{"hit", "kill"}, got.Alternates)
	assert.Equal(t, "", got.Owner)

	c, ok := reg.Alternate("HIT")
	require.True(t, ok)
	assert.Equal(t, "attack", c)

	assert.Error(t, reg.Register("", nop()))
	assert.Error(t, reg.Register("two words", nop()))
	assert.Error(t, reg.Register("x", nil))
}

func TestAlternateWithoutCanonicalDoesNotResolve(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterAlternate("frapper", "attack")
	_, ok := reg.Alternate("frapper")
	assert.False(t, ok)

	require.NoError(t, reg.Register("attack", nop()))
	c, ok := reg.Alternate("frapper")
	require.True(t, ok)
	assert.Equal(t, "attack", c)
}

func TestRegisterOverwrites(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	require.NoError(t, reg.Register("look", recorder{"v1", &calls}))
	require.NoError(t, reg.Register("look", recorder{"v2", &calls}))

	got, _ := reg.Lookup("look")
	require.NoError(t, got.Handler.Invoke(context.Background(), fakeSession{}, "x"))
	assert.Equal(t, []string{"v2:x"}, calls)
	assert.Equal(t, []string{"look"}, reg.Names())
}

func TestWithPrefix(t *testing.T) {
	reg := NewRegistry()
	for _, n := range []string{"look", "listen", "lock", "say"} {
		require.NoError(t, reg.Register(n, nop()))
	}
	assert.Equal(t, []string{"listen", "lock", "look"}, reg.WithPrefix("l"))
	assert.Equal(t, []string{"lock", "look"}, reg.WithPrefix("lo"))
	assert.Empty(t, reg.WithPrefix("z"))
	assert.Empty(t, reg.WithPrefix(""))
}

func TestBatchCommitsOnlyWhenAsked(t *testing.T) {
	var calls []string
	reg := NewRegistry()
	b := NewBatch("common/combat/attack")
	require.NoError(t, b.AddCommand("attack", recorder{"v1", &calls}, "hit"))

	_, ok := reg.Lookup("attack")
	assert.False(t, ok, "staged commands must not be visible before commit")

	reg.Commit(b)
	got, ok := reg.Lookup("attack")
	require.True(t, ok)
	assert.Equal(t, "common/combat/attack", got.Owner)
	assert.Equal(t, []string{"attack"}, reg.Owned("common/combat/attack"))
}

func TestCommitReplacesOwnedHooksInPlace(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	fn := func() *lua.LFunction { return L.NewFunction(func(*lua.LState) int { return 0 }) }

	reg := NewRegistry()
	a1, b1, a2 := fn(), fn(), fn()

	first := NewBatch("a")
	require.NoError(t, first.AddHook("tick", a1))
	require.NoError(t, first.AddHook("death", fn()))
	reg.Commit(first)

	other := NewBatch("b")
	require.NoError(t, other.AddHook("tick", b1))
	reg.Commit(other)

	// Unit a reloads and only re-registers tick.
	again := NewBatch("a")
	require.NoError(t, again.AddHook("tick", a2))
	reg.Commit(again)

	tick := reg.Hooks("tick")
	require.Len(t, tick, 2)
	assert.Same(t, a2, tick[0].Fn, "reloaded callback keeps its slot")
	assert.Same(t, b1, tick[1].Fn)

	assert.Len(t, reg.Hooks("death"), 1, "untouched hook names keep the old entry")
	assert.Equal(t, []string{"death", "tick"}, reg.HookNames())
}
