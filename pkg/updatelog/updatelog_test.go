package updatelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upvotePayload struct {
	Query   string `json:"query"`
	ChunkID int    `json:"chunk_id"`
}

// TestWriterAppendsToOwnFile tests per-allocation file ownership
func TestWriterAppendsToOwnFile(t *testing.T) {
	dir := t.TempDir()

	w1, err := NewWriter(dir, "alloc-1")
	require.NoError(t, err)
	defer w1.Close()
	w2, err := NewWriter(dir, "alloc-2")
	require.NoError(t, err)
	defer w2.Close()

	require.NoError(t, w1.Append(KindFeedback, EventUpvote, upvotePayload{Query: "Q", ChunkID: 78}))
	require.NoError(t, w1.Append(KindFeedback, EventImplicitUpvote, upvotePayload{Query: "Q", ChunkID: 78}))
	require.NoError(t, w2.Append(KindFeedback, EventUpvote, upvotePayload{Query: "R", ChunkID: 3}))

	// Each allocation owns exactly one feedback file.
	entries, err := os.ReadDir(filepath.Join(dir, "feedback"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alloc-1.jsonl", entries[0].Name())
	assert.Equal(t, "alloc-2.jsonl", entries[1].Name())

	// Events from alloc-1 appear only in its file.
	data, err := os.ReadFile(filepath.Join(dir, "feedback", "alloc-1.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Q"`)
	assert.NotContains(t, string(data), `"R"`)
}

// TestWriterSeqOrdering tests total order within one allocation file
// TestWriterCountsEachEventOnce pins the write counter to the Append
// path: three durable events move it by exactly three.
func TestWriterCountsEachEventOnce(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "alloc-1")
	require.NoError(t, err)
	defer w.Close()

	before := writeCounter(t, string(KindDeletions))
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(KindDeletions, EventDelete, upvotePayload{Query: "Q", ChunkID: i}))
	}
	assert.Equal(t, before+3, writeCounter(t, string(KindDeletions)))
}

func writeCounter(t *testing.T, kind string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "bazaar_update_log_writes_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "kind" && lp.GetValue() == kind {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestWriterSeqOrdering(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "alloc-1")
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(KindInsertions, EventInsert, map[string]int{"doc": i}))
	}

	events, err := ReadAll(dir, KindInsertions)
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Seq)
		assert.Equal(t, EventInsert, event.Type)
	}
}

// TestReadAllUnionsFiles tests reading across allocations
func TestReadAllUnionsFiles(t *testing.T) {
	dir := t.TempDir()

	for _, alloc := range []string{"a", "b", "c"} {
		w, err := NewWriter(dir, alloc)
		require.NoError(t, err)
		require.NoError(t, w.Append(KindFeedback, EventUpvote, upvotePayload{Query: alloc}))
		require.NoError(t, w.Close())
	}

	events, err := ReadAll(dir, KindFeedback)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

// TestReadAllMissingKind tests that an absent directory is empty, not an
// error
func TestReadAllMissingKind(t *testing.T) {
	events, err := ReadAll(filepath.Join(t.TempDir(), "nope"), KindDeletions)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// TestReadAllSkipsTornLine tests crash tolerance on the final line
func TestReadAllSkipsTornLine(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "alloc-1")
	require.NoError(t, err)
	require.NoError(t, w.Append(KindFeedback, EventUpvote, upvotePayload{Query: "ok"}))
	require.NoError(t, w.Close())

	// Simulate a crash mid-write.
	path := filepath.Join(dir, "feedback", "alloc-1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"kind":"upvo`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ReadAll(dir, KindFeedback)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// TestAmalgamateFeedback tests the retrain input assembly
func TestAmalgamateFeedback(t *testing.T) {
	deploy1 := filepath.Join(t.TempDir(), "d-1")
	deploy2 := filepath.Join(t.TempDir(), "d-2")

	for i, dir := range []string{deploy1, deploy2} {
		w, err := NewWriter(dir, "alloc")
		require.NoError(t, err)
		require.NoError(t, w.Append(KindFeedback, EventUpvote, upvotePayload{Query: "Q", ChunkID: i}))
		require.NoError(t, w.Close())
	}

	outPath := filepath.Join(t.TempDir(), "retrain", "feedback.jsonl")
	count, err := AmalgamateFeedback([]string{deploy1, deploy2}, outPath)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var lines int
	for _, line := range splitLines(data) {
		var event Event
		require.NoError(t, json.Unmarshal(line, &event))
		lines++
	}
	assert.Equal(t, 2, lines)
}

// TestWeight tests feedback weighting at consume time
func TestWeight(t *testing.T) {
	assert.Equal(t, 2, Weight(EventUpvote))
	assert.Equal(t, 2, Weight(EventAssociate))
	assert.Equal(t, 1, Weight(EventImplicitUpvote))
	assert.Equal(t, 0, Weight(EventInsert))
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
