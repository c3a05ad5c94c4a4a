package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func TestUnitsImportListShow(t *testing.T) {
	dir := t.TempDir()
	bolt := filepath.Join(t.TempDir(), "data", "game.bolt")
	path := filepath.Join(dir, "common", "emotes", "dance.lua")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`register_command("dance", function(ctx) end)`), 0o644))

	out := runCLI(t, "--bolt", bolt, "units", "import", dir)
	assert.Contains(t, out, "stored common/emotes/dance")
	assert.Contains(t, out, "1 unit(s) changed")

	out = runCLI(t, "--bolt", bolt, "units", "import", dir)
	assert.Contains(t, out, "0 unit(s) changed")

	out = runCLI(t, "--bolt", bolt, "units", "list", "common")
	assert.Contains(t, out, "common/emotes/dance")
	assert.Contains(t, out, "v1")

	out = runCLI(t, "--bolt", bolt, "units", "show", "common/emotes/dance")
	assert.Contains(t, out, `register_command("dance"`)

	runCLI(t, "--bolt", bolt, "units", "delete", "common/emotes/dance")
	out = runCLI(t, "--bolt", bolt, "units", "list")
	assert.NotContains(t, out, "dance")
}

func TestBoltPathFromEnvironment(t *testing.T) {
	bolt := filepath.Join(t.TempDir(), "env.bolt")
	t.Setenv("MUD_BOLT", bolt)
	runCLI(t, "units", "list")
	_, err := os.Stat(bolt)
	assert.NoError(t, err)

	snapshot := filepath.Join(t.TempDir(), "snap.bolt")
	runCLI(t, "backup", snapshot)
	_, err = os.Stat(snapshot)
	assert.NoError(t, err)
}

func TestSocialsSeedAndList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "socials.db")
	out := runCLI(t, "socials", "--socials-db", db, "seed")
	assert.Contains(t, out, "5 social(s)")

	out = runCLI(t, "socials", "--socials-db", db, "list")
	assert.Equal(t, "bow\ngrin\nnod\nsmile\nwave\n", out)
}

func TestShowNeedsCompleteIdentity(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--bolt", filepath.Join(t.TempDir(), "g.bolt"), "units", "show", "common"})
	assert.Error(t, root.Execute())
}

func TestArchiveCreateListRestore(t *testing.T) {
	root := t.TempDir()
	bolt := filepath.Join(root, "data", "game.bolt")
	socials := filepath.Join(root, "socials.db")
	archives := filepath.Join(root, "archive")
	scripts := filepath.Join(root, "scripts")
	unit := filepath.Join(scripts, "common", "emotes", "dance.lua")
	require.NoError(t, os.MkdirAll(filepath.Dir(unit), 0o755))
	require.NoError(t, os.WriteFile(unit, []byte(`register_command("dance", function(ctx) end)`), 0o644))

	runCLI(t, "--bolt", bolt, "units", "import", scripts)
	runCLI(t, "socials", "--socials-db", socials, "seed")
	t.Setenv("MUD_SCRIPTS", scripts)

	out := runCLI(t, "--bolt", bolt, "archive", "--archive-dir", archives, "--socials-db", socials, "create")
	assert.Contains(t, out, "archive written to "+archives)

	out = runCLI(t, "archive", "--archive-dir", archives, "list")
	assert.Contains(t, out, "GoTinyMUD")

	infos, err := filepath.Glob(filepath.Join(archives, "*.tar.gz"))
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.NoError(t, os.RemoveAll(scripts))
	require.NoError(t, os.Remove(bolt))
	out = runCLI(t, "--bolt", bolt, "archive", "--socials-db", socials, "restore", infos[0])
	assert.Contains(t, out, "file(s) restored")
	assert.FileExists(t, unit)

	out = runCLI(t, "--bolt", bolt, "units", "list")
	assert.Contains(t, out, "common/emotes/dance")
}
