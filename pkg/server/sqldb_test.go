package server

import (
	"path/filepath"
	"testing"

	"github.com/crystal-mush/gotinymud/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSocials(t *testing.T) *SQLSocials {
	t.Helper()
	s, err := OpenSQLSocials(filepath.Join(t.TempDir(), "socials.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLSocialsCRUD(t *testing.T) {
	s := openTestSocials(t)

	_, ok := s.Social("hug")
	assert.False(t, ok)

	require.NoError(t, s.Put(command.Social{
		Name: "HUG", Self: "You hug yourself.", Others: "$n hugs themselves.",
		TargetSelf: "You hug $N.", TargetOthers: "$n hugs $N.", Victim: "$n hugs you.",
	}))
	soc, ok := s.Social("hug")
	require.True(t, ok)
	assert.Equal(t, "hug", soc.Name)
	assert.Equal(t, "$n hugs $N.", soc.TargetOthers)

	require.NoError(t, s.Put(command.Social{Name: "hug", Self: "You squeeze yourself."}))
	soc, _ = s.Social("hug")
	assert.Equal(t, "You squeeze yourself.", soc.Self)

	assert.Error(t, s.Put(command.Social{}))

	removed, err := s.Delete("hug")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Delete("hug")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSQLSocialsSeed(t *testing.T) {
	s := openTestSocials(t)
	require.NoError(t, s.SeedDefaults())
	names, err := s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"bow", "grin", "nod", "smile", "wave"}, names)

	// A populated table is left alone.
	_, err = s.Delete("bow")
	require.NoError(t, err)
	require.NoError(t, s.SeedDefaults())
	names, _ = s.Names()
	assert.Len(t, names, 4)
}

func TestSQLSocialsDriveResolver(t *testing.T) {
	env := newTestEnv(t)
	s := openTestSocials(t)
	require.NoError(t, s.SeedDefaults())
	env.game.SetSocials(s)

	env.run(env.aliceD, "bow bob")
	assert.Equal(t, "You bow before Bob.", take(env.aliceOut))
	assert.Equal(t, "Alice bows before you.", take(env.bobOut))

	require.NoError(t, s.Close())
	env.run(env.aliceD, "nod")
	assert.Equal(t, msgHuh, take(env.aliceOut))
}
