package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/lockstep/internal/history"
	"github.com/zsiec/lockstep/internal/pipeline"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func report(id, scenario string, started time.Time) pipeline.Report {
	return pipeline.Report{
		ID:           id,
		Scenario:     scenario,
		StartedAt:    started,
		Elapsed:      1500 * time.Millisecond,
		Compressions: 1,
		PTSOffset:    -24000,
		Streams: []pipeline.StreamReport{
			{Name: "video", Kind: "video", Encoded: 90, Clones: 5, ContinuityErrors: 1},
			{Name: "audio", Kind: "audio", Encoded: 141, Clones: 2},
		},
	}
}

func TestSaveListGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, report("a", "steady", base)))
	require.NoError(t, s.Save(ctx, report("b", "blackout", base.Add(time.Minute))))

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].ID, "newest first")
	assert.Equal(t, "blackout", runs[0].Scenario)
	assert.Equal(t, int64(231), runs[0].Frames)
	assert.Equal(t, int64(7), runs[0].Clones)
	assert.Equal(t, int64(1), runs[0].ContinuityErrors)
	assert.Equal(t, 1500*time.Millisecond, runs[0].Elapsed)
	assert.True(t, runs[1].StartedAt.Equal(base))

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	rep, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(-24000), rep.PTSOffset)
	require.Len(t, rep.Streams, 2)
	assert.Equal(t, int64(5), rep.Streams[0].Clones)
}

func TestSaveReplacesSameID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, report("a", "steady", now)))
	rep := report("a", "steady", now)
	rep.Degraded = true
	require.NoError(t, s.Save(ctx, rep))

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Degraded)
}

func TestSaveRequiresID(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.Save(context.Background(), pipeline.Report{}))
}

func TestGetUnknown(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, report(id, "steady", base.Add(time.Duration(i)*time.Second))))
	}

	n, err := s.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].ID)
}

func TestReopenKeepsRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := history.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, report("a", "steady", time.Now())))
	require.NoError(t, s.Close())

	s, err = history.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
