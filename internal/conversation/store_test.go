package conversation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/sage/internal/conversation"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sequenceCodes(codes ...string) conversation.CodeGenerator {
	i := 0
	return func() string {
		code := codes[i%len(codes)]
		i++
		return code
	}
}

func TestRandomCode(t *testing.T) {
	for range 100 {
		code := conversation.RandomCode()
		require.Len(t, code, conversation.CodeLength)
		assert.Regexp(t, `^[0-9A-Z]{6}$`, code)
	}
}

func TestStore_CreateRetriesOnCollision(t *testing.T) {
	store := conversation.NewStore(conversation.WithCodeGenerator(sequenceCodes("AAAAAA", "AAAAAA", "BBBBBB")))

	first, err := store.Create(now)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := store.Create(now)
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code, "colliding code must be skipped")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, store.Count())
}

func TestStore_CreateGivesUpWhenCodesExhausted(t *testing.T) {
	store := conversation.NewStore(conversation.WithCodeGenerator(sequenceCodes("AAAAAA")))

	_, err := store.Create(now)
	require.NoError(t, err)

	_, err = store.Create(now)
	require.ErrorIs(t, err, conversation.ErrCodeSpaceExhausted)
	assert.Equal(t, 1, store.Count())
}

func TestStore_CreatedSessionDefaults(t *testing.T) {
	store := conversation.NewStore()

	sess, err := store.Create(now)
	require.NoError(t, err)

	assert.Equal(t, conversation.StatusWaiting, sess.Status())
	assert.Equal(t, now, sess.CreatedAt)
	assert.Equal(t, 0, sess.ParticipantCount())
	assert.Equal(t, 0, sess.Log().Len())
	assert.Equal(t, now, sess.Tracker().State().LastFacilitatorAt)

	got, ok := store.Get(sess.Code)
	require.True(t, ok)
	assert.Same(t, sess, got)
}

func TestStore_ParticipantIndex(t *testing.T) {
	store := conversation.NewStore()

	_, ok := store.SessionFor("conn-1")
	assert.False(t, ok)

	store.IndexParticipant("conn-1", "ABC123")
	code, ok := store.SessionFor("conn-1")
	require.True(t, ok)
	assert.Equal(t, "ABC123", code)

	store.IndexParticipant("conn-1", "XYZ789")
	code, _ = store.SessionFor("conn-1")
	assert.Equal(t, "XYZ789", code, "a connection maps to one session")

	store.UnindexParticipant("conn-1")
	store.UnindexParticipant("conn-1")
	_, ok = store.SessionFor("conn-1")
	assert.False(t, ok)
}

func TestStore_DeleteAndClear(t *testing.T) {
	store := conversation.NewStore()

	a, err := store.Create(now)
	require.NoError(t, err)
	_, err = store.Create(now)
	require.NoError(t, err)
	store.IndexParticipant("conn-1", a.Code)

	store.Delete(a.Code)
	_, ok := store.Get(a.Code)
	assert.False(t, ok)
	assert.Len(t, store.Sessions(), 1)

	store.Clear()
	assert.Equal(t, 0, store.Count())
	_, ok = store.SessionFor("conn-1")
	assert.False(t, ok)
}
