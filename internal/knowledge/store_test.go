package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/scholar/internal/conversation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_UpsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Upsert(ctx, "alice", conversation.Document{
		Title:   "Photosynthesis",
		Content: "Photosynthesis converts light energy into chemical energy in chloroplasts.",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = store.Upsert(ctx, "alice", conversation.Document{
		Title:   "Rome",
		Content: "The Roman Republic preceded the Roman Empire.",
	})
	require.NoError(t, err)

	docs, err := store.Query(ctx, "alice", "photosynthesis light energy", 5)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	assert.Equal(t, id, docs[0].ID)
	assert.Equal(t, conversation.SourceLocal, docs[0].Source)
	assert.Greater(t, docs[0].Score, 0.0)
	assert.LessOrEqual(t, docs[0].Score, 1.0)
}

func TestStore_UpsertOverwritesByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Upsert(ctx, "alice", conversation.Document{ID: "doc-1", Content: "original tidal content"})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id)

	_, err = store.Upsert(ctx, "alice", conversation.Document{ID: "doc-1", Content: "revised tidal content"})
	require.NoError(t, err)

	docs, err := store.Query(ctx, "alice", "tidal", 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "revised tidal content", docs[0].Content)
}

func TestStore_QueryIsPartitionedByUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "bob", conversation.Document{
		Content: "Bob's secret notes about thermodynamics.",
	})
	require.NoError(t, err)

	docs, err := store.Query(ctx, "alice", "thermodynamics", 5)
	require.NoError(t, err)
	assert.Empty(t, docs, "alice must never see bob's documents")

	docs, err = store.Query(ctx, "bob", "thermodynamics", 5)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_RejectsEmptyUserID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "", conversation.Document{Content: "x"})
	assert.ErrorIs(t, err, conversation.ErrIsolation)

	_, err = store.Query(ctx, "", "x", 5)
	assert.ErrorIs(t, err, conversation.ErrIsolation)
}

func TestStore_QueryEmptyTextReturnsNothing(t *testing.T) {
	store := newTestStore(t)

	docs, err := store.Query(context.Background(), "alice", "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStore_ThreadLogRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := conversation.Key{UserID: "alice", ThreadID: "t1"}

	require.NoError(t, store.AppendTurn(ctx, key, conversation.Message{Role: conversation.RoleUser, Content: "q1"}))
	require.NoError(t, store.AppendTurn(ctx, key, conversation.Message{Role: conversation.RoleAssistant, Content: "a1"}))
	require.NoError(t, store.AppendTurn(ctx, key, conversation.Message{Role: conversation.RoleUser, Content: "q2"}))

	msgs, err := store.History(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "q1", msgs[0].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)

	// A limit keeps the most recent messages in chronological order.
	msgs, err = store.History(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a1", msgs[0].Content)
	assert.Equal(t, "q2", msgs[1].Content)
}

func TestStore_HistoryIsPartitionedByThread(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, conversation.Key{UserID: "alice", ThreadID: "t1"},
		conversation.Message{Role: conversation.RoleUser, Content: "thread one"}))

	msgs, err := store.History(ctx, conversation.Key{UserID: "alice", ThreadID: "t2"}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPrepareFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" OR "world"`},
		{`inject" OR 1`, `"inject" OR "OR" OR "1"`},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, prepareFTSQuery(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeRank(t *testing.T) {
	assert.Equal(t, 0.0, normalizeRank(0))
	assert.Equal(t, 0.0, normalizeRank(1)) // positive rank clamps to zero
	assert.InDelta(t, 0.5, normalizeRank(-1), 1e-9)
	assert.Greater(t, normalizeRank(-5), normalizeRank(-1))
}
