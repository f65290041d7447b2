package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/arbor/internal/models"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestWriteAndReadLatest(t *testing.T) {
	l := openTestLog(t)

	err := l.Write(models.FactRecord{
		RunID:    "run-1",
		NodeID:   "fetch",
		FactType: "source_tree",
		Payload:  map[string]any{"value": "v1"},
	})
	require.NoError(t, err)

	rec, err := l.ReadLatest("run-1", "source_tree")
	require.NoError(t, err)
	assert.Equal(t, "fetch", rec.NodeID)
	assert.Equal(t, "v1", rec.Payload["value"])
	assert.False(t, rec.Timestamp.IsZero(), "timestamp should be set on write")
}

func TestReadLatest_LaterRecordSupersedes(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Write(models.FactRecord{RunID: "r", NodeID: "a", FactType: "t", Payload: map[string]any{"value": "old"}}))
	require.NoError(t, l.Write(models.FactRecord{RunID: "r", NodeID: "b", FactType: "t", Payload: map[string]any{"value": "new"}}))

	rec, err := l.ReadLatest("r", "t")
	require.NoError(t, err)
	assert.Equal(t, "new", rec.Payload["value"])
}

func TestReadLatest_NotFound(t *testing.T) {
	l := openTestLog(t)

	_, err := l.ReadLatest("r", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshot_ScopedToRun(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Write(models.FactRecord{RunID: "r1", NodeID: "a", FactType: "x"}))
	require.NoError(t, l.Write(models.FactRecord{RunID: "r1", NodeID: "b", FactType: "y"}))
	require.NoError(t, l.Write(models.FactRecord{RunID: "r2", NodeID: "c", FactType: "z"}))

	snap := l.Snapshot("r1")
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "x")
	assert.Contains(t, snap, "y")
	assert.NotContains(t, snap, "z")
}

func TestWrite_RequiresRunAndFactType(t *testing.T) {
	l := openTestLog(t)

	err := l.Write(models.FactRecord{FactType: "t"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrStorageFatal, "validation failure is not a storage failure")
}

func TestWriteEpisode_IdempotentByID(t *testing.T) {
	l := openTestLog(t)

	rec := models.EpisodeRecord{
		EpisodeID:   "ep-1",
		Fingerprint: "abc123",
		Outcome:     models.OutcomeCompleted,
		DurationMS:  1500,
	}
	require.NoError(t, l.WriteEpisode(rec))
	require.NoError(t, l.WriteEpisode(rec))

	it := l.FindEpisodes("")
	assert.Equal(t, 1, it.Len())
}

func TestLog_ReloadFromDisk(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Write(models.FactRecord{RunID: "r", NodeID: "a", FactType: "t", Payload: map[string]any{"value": 1.0}}))
	require.NoError(t, l.WriteEpisode(models.EpisodeRecord{
		EpisodeID:   "ep-1",
		Fingerprint: "fp-1",
		Outcome:     models.OutcomeAborted,
		Timestamp:   time.Now().UTC(),
	}))
	require.NoError(t, l.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.ReadLatest("r", "t")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.NodeID)

	ep, ok := reopened.FindEpisodes("fp-").Next()
	require.True(t, ok)
	assert.Equal(t, "ep-1", ep.EpisodeID)
	assert.Equal(t, models.OutcomeAborted, ep.Outcome)
}

// Round-trip: an episode written by the orchestrator must come back from
// FindEpisodes with identical outcome and fingerprint.
func TestFindEpisodes_RoundTrip(t *testing.T) {
	l := openTestLog(t)

	want := models.EpisodeRecord{
		EpisodeID:   "ep-7",
		Fingerprint: "deadbeef",
		TreeShape:   "sequence(leaf,leaf)",
		Outcome:     models.OutcomeCompleted,
		DurationMS:  42,
	}
	require.NoError(t, l.WriteEpisode(want))

	got, ok := l.FindEpisodes("dead").Next()
	require.True(t, ok)
	assert.Equal(t, want.Outcome, got.Outcome)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.Equal(t, want.TreeShape, got.TreeShape)
}

func TestFindEpisodes_RecencyOrderAndRestart(t *testing.T) {
	l := openTestLog(t)

	for _, id := range []string{"ep-1", "ep-2", "ep-3"} {
		require.NoError(t, l.WriteEpisode(models.EpisodeRecord{EpisodeID: id, Fingerprint: "fp"}))
	}

	it := l.FindEpisodes("fp")
	var ids []string
	for rec, ok := it.Next(); ok; rec, ok = it.Next() {
		ids = append(ids, rec.EpisodeID)
	}
	assert.Equal(t, []string{"ep-3", "ep-2", "ep-1"}, ids)

	it.Reset()
	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "ep-3", first.EpisodeID)
}

func TestFindEpisodes_PrefixFilter(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.WriteEpisode(models.EpisodeRecord{EpisodeID: "a", Fingerprint: "aaa111"}))
	require.NoError(t, l.WriteEpisode(models.EpisodeRecord{EpisodeID: "b", Fingerprint: "bbb222"}))

	it := l.FindEpisodes("aaa")
	assert.Equal(t, 1, it.Len())

	rec, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "a", rec.EpisodeID)

	_, ok = it.Next()
	assert.False(t, ok)
}

func TestWrite_AfterClose(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = l.Write(models.FactRecord{RunID: "r", NodeID: "n", FactType: "t"})
	assert.True(t, errors.Is(err, ErrStorageFatal))
}
