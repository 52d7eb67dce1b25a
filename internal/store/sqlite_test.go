// ABOUTME: Tests for the SQLite store covering session and message CRUD
// ABOUTME: Uses in-memory databases for isolation

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(key string) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		Key:       key,
		Label:     "Test",
		Model:     "gpt-4o",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	sess := testSession("main")
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Key)
	assert.Equal(t, "Test", got.Label)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.False(t, got.Unread)
}

func TestSQLiteStore_GetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	sess := testSession("main")
	require.NoError(t, s.CreateSession(ctx, sess))

	sess.Label = "Renamed"
	sess.Unread = true
	sess.Revision = 3
	require.NoError(t, s.UpdateSession(ctx, sess))

	got, err := s.GetSession(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Label)
	assert.True(t, got.Unread)
	assert.Equal(t, int64(3), got.Revision)
}

func TestSQLiteStore_UpdateSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateSession(t.Context(), testSession("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteSession_CascadesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, testSession("victim")))
	require.NoError(t, s.SaveMessage(ctx, &Message{
		ID:         "m1",
		SessionKey: "victim",
		Role:       RoleUser,
		Content:    "hello",
		CreatedAt:  time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteSession(ctx, "victim"))

	msgs, err := s.GetMessages(ctx, "victim", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSQLiteStore_ListSessions_OrderedByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	old := testSession("old")
	old.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, old))

	fresh := testSession("fresh")
	require.NoError(t, s.CreateSession(ctx, fresh))

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "fresh", list[0].Key)
	assert.Equal(t, "old", list[1].Key)
}

func TestSQLiteStore_Messages_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, testSession("main")))

	base := time.Now().UTC()
	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.SaveMessage(ctx, &Message{
			ID:         string(rune('a' + i)),
			SessionKey: "main",
			Role:       RoleUser,
			Content:    content,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.GetMessages(ctx, "main", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)

	limited, err := s.GetMessages(ctx, "main", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStore_DeleteMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateSession(ctx, testSession("main")))
	require.NoError(t, s.SaveMessage(ctx, &Message{
		ID:         "m1",
		SessionKey: "main",
		Role:       RoleTool,
		Content:    `{"result":"ok"}`,
		ToolCallID: "tc1",
		ToolName:   "exec",
		CreatedAt:  time.Now().UTC(),
	}))

	require.NoError(t, s.DeleteMessages(ctx, "main"))

	msgs, err := s.GetMessages(ctx, "main", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// The session itself survives.
	_, err = s.GetSession(ctx, "main")
	assert.NoError(t, err)
}
