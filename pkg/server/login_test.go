package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConnect(t *testing.T) {
	tests := []struct {
		in                  string
		command, user, pass string
	}{
		{"connect Alice secret", "connect", "Alice", "secret"},
		{"CREATE Bob two words", "create", "Bob", "two words"},
		{`connect "Big Al" pw`, "connect", "Big Al", "pw"},
		{"connect", "connect", "", ""},
		{"  ", "", "", ""},
		{"co Alice", "co", "Alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			command, user, pass := ParseConnect(tt.in)
			assert.Equal(t, tt.command, command)
			assert.Equal(t, tt.user, user)
			assert.Equal(t, tt.pass, pass)
		})
	}
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("Alice"))
	assert.True(t, ValidName("x_9-y"))
	assert.False(t, ValidName("A"))
	assert.False(t, ValidName("9lives"))
	assert.False(t, ValidName("has space"))
	assert.False(t, ValidName("waytoolongforanyreasonablename"))
}

func TestStripTelnet(t *testing.T) {
	// IAC WILL ECHO, then text.
	assert.Equal(t, "look", stripTelnet("\xff\xfb\x01look"))
	assert.Equal(t, "say hi\r\n", stripTelnet("say\x07 hi\r\n"))
	assert.Equal(t, "a\tb", stripTelnet("a\tb"))
}

func TestCreateAccountRules(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.game.CreateAccount("Alice", "pw")
	assert.ErrorIs(t, err, ErrNameTaken)

	_, err = env.game.CreateAccount("1bad", "pw")
	assert.ErrorIs(t, err, ErrBadName)

	_, err = env.game.CreateAccount("Fern", "")
	assert.Error(t, err)

	acct, err := env.game.CreateAccount("Fern", "pw")
	assert.NoError(t, err)
	_, err = env.game.CreateAccount("fern", "pw")
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, env.hall, env.game.World.Location(acct.Player))

	env.game.Conf.AllowCreate = false
	_, err = env.game.CreateAccount("Gus", "pw")
	assert.Error(t, err)
}
