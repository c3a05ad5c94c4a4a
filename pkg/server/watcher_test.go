package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, root, rel, src string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestUnitIDForPath(t *testing.T) {
	root := "/srv/scripts"
	id, ok := UnitIDForPath(root, "/srv/scripts/common/combat/kick.lua")
	require.True(t, ok)
	assert.Equal(t, gamedb.UnitID{Scope: "common", Category: "combat", Name: "kick"}, id)

	_, ok = UnitIDForPath(root, "/srv/scripts/common/kick.lua")
	assert.False(t, ok, "too shallow")
	_, ok = UnitIDForPath(root, "/srv/scripts/common/combat/extra/kick.lua")
	assert.False(t, ok, "too deep")
	_, ok = UnitIDForPath(root, "/srv/scripts/common/combat/notes.txt")
	assert.False(t, ok, "wrong extension")
}

func TestImportUnits(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	writeScript(t, dir, "common/emotes/dance.lua", `register_command("dance", function(ctx) end)`)
	writeScript(t, dir, "elves/lore/songs.lua", `-- songs`)
	writeScript(t, dir, "README.md", "not a unit")

	changed, err := ImportUnits(env.store, dir)
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	// Unchanged sources keep their version.
	changed, err = ImportUnits(env.store, dir)
	require.NoError(t, err)
	assert.Empty(t, changed)

	writeScript(t, dir, "elves/lore/songs.lua", `-- more songs`)
	changed, err = ImportUnits(env.store, dir)
	require.NoError(t, err)
	assert.Equal(t, []gamedb.UnitID{{Scope: "elves", Category: "lore", Name: "songs"}}, changed)

	u, err := env.store.GetUnit(gamedb.UnitID{Scope: "elves", Category: "lore", Name: "songs"})
	require.NoError(t, err)
	assert.Equal(t, 2, u.Version)
	assert.Equal(t, "-- more songs", u.Source)
}

func TestScriptWatcherQueuesEdits(t *testing.T) {
	env := newTestEnv(t)
	env.aliceD.Operator = true
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "common", "emotes"), 0o755))

	w, err := NewScriptWatcher(env.game, dir)
	require.NoError(t, err)
	// No ticks, so nothing drains the queue behind the test's back.
	env.game.Conf.TickInterval = 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	go env.game.Run(ctx)

	writeScript(t, dir, "common/emotes/dance.lua", `register_command("dance", function(ctx) ctx:echo("twirl") end)`)

	id := gamedb.UnitID{Scope: "common", Category: "emotes", Name: "dance"}
	assert.Eventually(t, func() bool {
		for _, p := range env.game.Reloads.Pending() {
			if p == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		u, err := env.store.GetUnit(id)
		return err == nil && strings.Contains(u.Source, "twirl")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		var out string
		env.game.SubmitWait(ctx, func(context.Context) { out = take(env.aliceOut) })
		return strings.HasPrefix(out, "GAME: common/emotes/dance changed on disk; queued for reload.")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewScriptWatcherNeedsStore(t *testing.T) {
	g := NewGame(gamedb.NewDatabase(), nil)
	defer g.Close()
	_, err := NewScriptWatcher(g, t.TempDir())
	assert.ErrorIs(t, err, ErrNoStore)
}
