package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConf = `
mud_name: Testbed
tick_interval: 500
operators: [Root]
abbreviations:
  "~": emote
  ":": ""
directions:
  nord: north
  bogus: sideways
starting_resources:
  hp: 40
  gold: 3
`

func TestLoadGameConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConf), 0o644))

	gc, err := LoadGameConf(path)
	require.NoError(t, err)
	assert.Equal(t, "Testbed", gc.MudName)
	assert.Equal(t, 500*time.Millisecond, gc.Tick())
	assert.True(t, gc.IsOperator("root"))
	assert.False(t, gc.IsOperator("alice"))
	assert.Equal(t, map[string]int{"hp": 40, "gold": 3}, gc.StartingResources)
	// Unset keys keep their defaults.
	assert.Equal(t, 6250, gc.Port)
	assert.Equal(t, []string{"common"}, gc.ScopeOrder)

	_, err = LoadGameConf(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyGameConfTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConf), 0o644))
	gc, err := LoadGameConf(path)
	require.NoError(t, err)

	env := newTestEnv(t)
	env.game.ApplyGameConf(gc)

	assert.Equal(t, "emote", env.game.Resolver.Abbreviations["~"])
	assert.NotContains(t, env.game.Resolver.Abbreviations, ":")
	assert.Equal(t, "say", env.game.Resolver.Abbreviations[`"`])

	env.run(env.aliceD, "~stretches.")
	assert.Equal(t, "Alice stretches.", take(env.bobOut))

	env.run(env.aliceD, "nord")
	assert.Equal(t, env.yard, env.game.World.Location(env.alice))

	_, ok := env.game.Resolver.Directions.Lookup("bogus")
	assert.False(t, ok)
}

func TestApplyGameConfSkipsWordAbbreviations(t *testing.T) {
	env := newTestEnv(t)
	gc := DefaultGameConf()
	gc.Abbreviations = map[string]string{"i": "inventory", "7": "say", "go": "emote", "~": "emote"}
	env.game.ApplyGameConf(gc)

	for _, key := range []string{"i", "7", "go"} {
		assert.NotContains(t, env.game.Resolver.Abbreviations, key)
	}
	assert.Equal(t, "emote", env.game.Resolver.Abbreviations["~"])
}

func TestGameConfTickDisabled(t *testing.T) {
	gc := DefaultGameConf()
	gc.TickInterval = 0
	assert.Equal(t, time.Duration(0), gc.Tick())
}

func TestServerConfigFromGameConf(t *testing.T) {
	gc := DefaultGameConf()
	gc.Port = 4000
	gc.TLS = true
	cfg := gc.ServerConfig()
	assert.True(t, cfg.Cleartext)
	assert.Equal(t, 4001, cfg.TLSPort)
	assert.Equal(t, time.Hour, cfg.IdleTimeout)

	off := false
	gc.Cleartext = &off
	gc.TLSPort = 4443
	cfg = gc.ServerConfig()
	assert.False(t, cfg.Cleartext)
	assert.Equal(t, 4443, cfg.TLSPort)
}
