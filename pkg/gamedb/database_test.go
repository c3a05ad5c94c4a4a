package gamedb

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorld(t *testing.T) (*Database, DBRef, DBRef) {
	t.Helper()
	db := NewDatabase()
	hall := db.Create("Hall", TypeRoom, Nothing)
	yard := db.Create("Yard", TypeRoom, Nothing)
	require.NoError(t, db.SetExit(hall, "north", yard))
	require.NoError(t, db.SetExit(yard, "south", hall))
	return db, hall, yard
}

func TestCreateAndContents(t *testing.T) {
	db, hall, _ := testWorld(t)
	a := db.Create("goblin", TypeCharacter, hall)
	b := db.Create("goblet", TypeThing, hall)

	assert.Equal(t, []DBRef{a, b}, db.ContentRefs(hall))
	assert.Equal(t, a, db.FindIn(hall, "GOBLIN"))
	assert.Equal(t, Ambiguous, db.FindIn(hall, "gob"))
	assert.Equal(t, b, db.FindIn(hall, "goble"))
	assert.Equal(t, Nothing, db.FindIn(hall, "troll"))
}

func TestGetReturnsCopy(t *testing.T) {
	db, hall, _ := testWorld(t)
	orc := db.Create("orc", TypeCharacter, hall)
	_, err := db.AdjustResource(orc, "hp", 10)
	require.NoError(t, err)

	e, _ := db.Get(orc)
	e.Resources["hp"] = 999
	e.Name = "changed"

	again, _ := db.Get(orc)
	assert.Equal(t, 10, again.Resource("hp"))
	assert.Equal(t, "orc", again.Name)
}

func TestMoveUpdatesContents(t *testing.T) {
	db, hall, yard := testWorld(t)
	p := db.Create("Alice", TypePlayer, hall)

	dest, ok := db.Exit(hall, "north")
	require.True(t, ok)
	require.NoError(t, db.Move(p, dest))

	assert.Empty(t, db.ContentRefs(hall))
	assert.Equal(t, []DBRef{p}, db.ContentRefs(yard))
	assert.Equal(t, yard, db.Location(p))

	assert.True(t, errors.Is(db.Move(p, 999), ErrBadLocation))
	assert.True(t, errors.Is(db.Move(999, hall), ErrNoSuchEntity))
}

func TestEquipRequiresCarried(t *testing.T) {
	db, hall, _ := testWorld(t)
	p := db.Create("Alice", TypePlayer, hall)
	sword := db.Create("sword", TypeThing, hall)

	_, err := db.Equip(p, sword, "wield")
	assert.True(t, errors.Is(err, ErrNotCarried))

	require.NoError(t, db.Move(sword, p))
	prev, err := db.Equip(p, sword, "wield")
	require.NoError(t, err)
	assert.Equal(t, Nothing, prev)

	// Dropping the item clears the slot.
	require.NoError(t, db.Move(sword, hall))
	_, err = db.Unequip(p, "wield")
	assert.True(t, errors.Is(err, ErrSlotEmpty))
}

func TestEffectsExpire(t *testing.T) {
	db, hall, _ := testWorld(t)
	p := db.Create("Alice", TypePlayer, hall)
	now := time.Unix(1000, 0)

	require.NoError(t, db.AddEffect(p, Effect{Name: "poison", Magnitude: 2, Expires: now.Add(time.Second)}))
	require.NoError(t, db.AddEffect(p, Effect{Name: "blessed"}))
	assert.True(t, db.HasEffect(p, "POISON", now))

	expired := db.ExpireEffects(now.Add(2 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, "poison", expired[0].Effect.Name)
	assert.False(t, db.HasEffect(p, "poison", now))
	assert.True(t, db.HasEffect(p, "blessed", now.Add(time.Hour)))

	assert.True(t, db.RemoveEffect(p, "blessed"))
	assert.False(t, db.RemoveEffect(p, "blessed"))
}

func TestParseUnitID(t *testing.T) {
	cases := []struct {
		in       string
		want     UnitID
		complete bool
		err      bool
	}{
		{"common/combat/attack", UnitID{"common", "combat", "attack"}, true, false},
		{"Common/Combat", UnitID{"common", "combat", ""}, false, false},
		{"/elves/", UnitID{"elves", "", ""}, false, false},
		{"", UnitID{}, false, true},
		{"a/b/c/d", UnitID{}, false, true},
	}
	for _, tc := range cases {
		got, err := ParseUnitID(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.complete, got.Complete(), tc.in)
	}

	id := UnitID{"common", "combat", "attack"}
	assert.True(t, id.Matches(UnitID{Scope: "common"}))
	assert.True(t, id.Matches(UnitID{Scope: "common", Category: "combat"}))
	assert.False(t, id.Matches(UnitID{Scope: "common", Category: "magic"}))
	assert.False(t, id.Matches(UnitID{Scope: "elves"}))
}
