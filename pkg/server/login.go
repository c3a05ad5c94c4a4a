package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/crystal-mush/gotinymud/pkg/boltstore"
	"github.com/crystal-mush/gotinymud/pkg/events"
	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrNameTaken      = errors.New("that name is already taken")
	ErrBadName        = errors.New("that is not a valid name")
	ErrNoStore        = errors.New("no store configured")
)

// ParseConnect parses a login-screen command into (command, user, password).
// Handles: "connect name password", "create name password", and a quoted
// name: `connect "Some Name" password`.
func ParseConnect(msg string) (command, user, password string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", "", ""
	}

	parts := strings.SplitN(msg, " ", 2)
	command = strings.ToLower(parts[0])
	if len(parts) < 2 {
		return command, "", ""
	}

	rest := strings.TrimSpace(parts[1])
	if rest == "" {
		return command, "", ""
	}

	if rest[0] == '"' {
		end := strings.Index(rest[1:], "\"")
		if end >= 0 {
			user = rest[1 : end+1]
			password = strings.TrimSpace(rest[end+2:])
			return
		}
	}

	parts = strings.SplitN(rest, " ", 2)
	user = parts[0]
	if len(parts) > 1 {
		password = strings.TrimSpace(parts[1])
	}
	return
}

// ValidName reports whether name is acceptable for a new player.
func ValidName(name string) bool {
	if len(name) < 2 || len(name) > 24 {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}
	return unicode.IsLetter(rune(name[0]))
}

// Authenticate checks a name and password against the account store.
// Safe to call off the dispatcher.
func (g *Game) Authenticate(name, password string) (*gamedb.Account, error) {
	if g.Store == nil {
		return nil, ErrNoStore
	}
	acct, err := g.Store.GetAccount(name)
	if err != nil {
		if errors.Is(err, boltstore.ErrNoSuchAccount) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(acct.PassHash, []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	if g.Conf.IsOperator(acct.Name) {
		acct.Operator = true
	}
	return acct, nil
}

// CreateAccount makes a player entity in the starting room and an account
// that owns it. Must run on the dispatcher.
func (g *Game) CreateAccount(name, password string) (*gamedb.Account, error) {
	if g.Store == nil {
		return nil, ErrNoStore
	}
	if !g.Conf.AllowCreate {
		return nil, errors.New("character creation is disabled")
	}
	if !ValidName(name) {
		return nil, ErrBadName
	}
	if password == "" {
		return nil, errors.New("a password is required")
	}
	if _, err := g.Store.GetAccount(name); err == nil {
		return nil, ErrNameTaken
	} else if !errors.Is(err, boltstore.ErrNoSuchAccount) {
		return nil, err
	}
	if g.World.FindPlayer(name) != gamedb.Nothing {
		return nil, ErrNameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	start := g.StartingRoom()
	player := g.World.Create(name, gamedb.TypePlayer, start)
	for k, v := range g.Conf.StartingResources {
		if err := g.World.SetResource(player, k, v); err != nil {
			return nil, err
		}
	}

	acct := &gamedb.Account{
		Name:     name,
		Player:   player,
		PassHash: hash,
		Operator: g.Conf.IsOperator(name),
		Aliases:  map[string]string{},
		Created:  time.Now(),
	}
	if err := g.Store.PutAccount(acct); err != nil {
		return nil, fmt.Errorf("saving account %s: %w", name, err)
	}
	if err := g.PersistEntities(player, start); err != nil {
		return nil, err
	}
	log.Printf("Created player %s(#%d) in #%d", name, player, start)
	return acct, nil
}

// AttachAccount logs d in as the account's player, announces the arrival,
// shows the room, and fires the connect hook. Must run on the dispatcher.
func (g *Game) AttachAccount(ctx context.Context, d *Descriptor, acct *gamedb.Account) {
	if _, ok := g.World.Get(acct.Player); !ok {
		d.Send("Your character no longer exists. Contact an operator.")
		log.Printf("[%d] account %s points at missing #%d", d.ID, acct.Name, acct.Player)
		return
	}
	d.Account = acct.Name
	d.Operator = acct.Operator
	d.Aliases = make(map[string]string, len(acct.Aliases))
	for k, v := range acct.Aliases {
		d.Aliases[k] = v
	}
	g.Conns.Add(d)
	g.Conns.Login(d, acct.Player)

	player := acct.Player
	name := g.PlayerName(player)
	room := g.World.Location(player)
	log.Printf("[%d] Player %s(#%d) connected from %s via %s", d.ID, name, player, d.Addr, d.Transport)

	d.Send(fmt.Sprintf("Welcome, %s.", name))
	g.EventBus.EmitToRoomExcept(g.World, room, player, events.Event{
		Type: events.EvConnect, Source: player, Text: fmt.Sprintf("%s has connected.", name),
	})
	g.ShowRoom(d, room)
	g.fireHook(ctx, room, "connect", player)
}

// WelcomeText is the default welcome screen shown to new connections.
const WelcomeText = `
   ___     _____ _             __  __ _   _ ____
  / __|___|_   _(_)_ _ _  _   |  \/  | | | |  _ \
 | (_ / _ \ | | | | ' \ || |  | |\/| | |_| | |_) |
  \___\___/ |_| |_|_||_\_, |  |_|  |_|\___/|____/
                       |__/
  "connect <name> <password>" connects you to an existing character.
  "create <name> <password>" creates a new character.
  "QUIT" disconnects.
`
