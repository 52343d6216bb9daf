package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordNdbLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	engine, err := NewKeywordNdb(dir)
	require.NoError(t, err)

	require.NoError(t, engine.Insert(ctx, "pg.txt", []string{
		"postgres connection pooling",
		"index maintenance in postgres",
	}))
	require.NoError(t, engine.Insert(ctx, "redis.txt", []string{"redis eviction policies"}))

	results, err := engine.Search(ctx, "postgres pooling", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "postgres connection pooling", results[0].Text)

	sources, err := engine.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pg.txt", "redis.txt"}, sources)

	require.NoError(t, engine.Delete(ctx, "redis.txt"))
	results, err = engine.Search(ctx, "redis", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestKeywordNdbUpvoteOutweighsOverlap(t *testing.T) {
	ctx := context.Background()
	engine, err := NewKeywordNdb(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, engine.Insert(ctx, "a.txt", []string{
		"postgres tuning guide with postgres examples",
		"short postgres note",
	}))

	// Chunk 1 scores lower on overlap until it is upvoted.
	require.NoError(t, engine.Upvote(ctx, "postgres tuning", 1, 2))

	results, err := engine.Search(ctx, "postgres tuning", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].ChunkID)
}

func TestKeywordNdbAssociateExpandsQuery(t *testing.T) {
	ctx := context.Background()
	engine, err := NewKeywordNdb(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, engine.Insert(ctx, "a.txt", []string{"vacation policy for employees"}))

	results, err := engine.Search(ctx, "holiday", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, engine.Associate(ctx, "holiday", "vacation", 2))
	results, err = engine.Search(ctx, "holiday", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vacation policy for employees", results[0].Text)
}

func TestKeywordNdbSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	engine, err := NewKeywordNdb(dir)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "a.txt", []string{"alpha beta", "gamma delta"}))
	require.NoError(t, engine.Upvote(ctx, "alpha", 0, 2))
	require.NoError(t, engine.Save(ctx, dir))

	reloaded, err := NewKeywordNdb(dir)
	require.NoError(t, err)

	results, err := reloaded.Search(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ChunkID)
	// Boost survived the reload.
	assert.Greater(t, results[0].Score, 1.0)

	sources, err := reloaded.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, sources)
}

func TestLocalStoreChatHistory(t *testing.T) {
	store, err := OpenLocalStore(t.TempDir() + "/data_storage.db")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AppendChat("s1", "user", "hello"))
	require.NoError(t, store.AppendChat("s1", "assistant", "hi"))
	require.NoError(t, store.AppendChat("s2", "user", "other session"))

	history, err := store.ChatHistory("s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hi", history[1].Content)

	empty, err := store.ChatHistory("nope")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocalStoreChatSettings(t *testing.T) {
	store, err := OpenLocalStore(t.TempDir() + "/data_storage.db")
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.LoadChatSettings()
	require.NoError(t, err)
	assert.Zero(t, loaded)

	want := ChatSettings{Provider: "openai", Model: "gpt-4o-mini", Temperature: 0.2}
	require.NoError(t, store.SaveChatSettings(want))

	loaded, err = store.LoadChatSettings()
	require.NoError(t, err)
	assert.Equal(t, want, loaded)
}
