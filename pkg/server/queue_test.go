package server

import (
	"testing"
	"time"

	"github.com/crystal-mush/gotinymud/pkg/gamedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueueOrdering(t *testing.T) {
	q := NewCommandQueue()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	q.AddWait(&QueueEntry{Player: 1, Command: "third", WaitUntil: now.Add(3 * time.Second)})
	q.AddWait(&QueueEntry{Player: 1, Command: "first", WaitUntil: now.Add(time.Second)})
	q.AddWait(&QueueEntry{Player: 2, Command: "second", WaitUntil: now.Add(2 * time.Second)})
	require.True(t, q.Add(&QueueEntry{Player: 3, Command: "now"}))

	assert.Equal(t, 0, q.PromoteReady())
	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, q.PromoteReady())

	var got []string
	for e := q.PopImmediate(); e != nil; e = q.PopImmediate() {
		got = append(got, e.Command)
	}
	assert.Equal(t, []string{"now", "first", "second"}, got)

	imm, wait := q.Stats()
	assert.Equal(t, 0, imm)
	assert.Equal(t, 1, wait)
}

func TestCommandQueuePerPlayerLimit(t *testing.T) {
	q := NewCommandQueue()
	q.maxPerObj = 2
	assert.True(t, q.Add(&QueueEntry{Player: 5, Command: "a"}))
	assert.True(t, q.Add(&QueueEntry{Player: 5, Command: "b"}))
	assert.False(t, q.Add(&QueueEntry{Player: 5, Command: "c"}))
	assert.True(t, q.Add(&QueueEntry{Player: 6, Command: "d"}))
}

func TestCommandQueueHaltPlayer(t *testing.T) {
	q := NewCommandQueue()
	q.Add(&QueueEntry{Player: 5, Command: "a"})
	q.Add(&QueueEntry{Player: 6, Command: "b"})
	q.AddWait(&QueueEntry{Player: 5, Command: "c", WaitUntil: time.Now().Add(time.Hour)})

	assert.Equal(t, 2, q.HaltPlayer(gamedb.DBRef(5)))
	imm, wait := q.Stats()
	assert.Equal(t, 1, imm)
	assert.Equal(t, 0, wait)
	assert.Equal(t, "b", q.PopImmediate().Command)
}
