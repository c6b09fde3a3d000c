package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/taginventory/pkg/resource"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSave_RecordsTransitions(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC)

	for i, state := range []string{"Start", "FanOutSearch", "FanOutSearch", "AwaitAllRegions", "Merge"} {
		require.NoError(t, s.Save(Checkpoint{
			RunID:     "run-1",
			State:     state,
			Note:      state,
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	cp, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "Merge", cp.State)

	ts, err := s.Transitions("run-1")
	require.NoError(t, err)
	require.Len(t, ts, 4)
	assert.Equal(t, "", ts[0].From)
	assert.Equal(t, "Start", ts[0].To)
	assert.Equal(t, "FanOutSearch", ts[1].To)
	assert.Equal(t, "FanOutSearch", ts[2].From)
	assert.Equal(t, "AwaitAllRegions", ts[2].To)
	assert.Equal(t, "Merge", ts[3].To)
	assert.Less(t, ts[0].Seq, ts[3].Seq)
}

func TestSave_KeepsManifestAndBranches(t *testing.T) {
	s := openTest(t)
	m := resource.NewManifest("run-2", "123456789012", time.Now(), []string{"us-east-1"})
	m.RecordFailure("us-east-1", "Throttled")

	require.NoError(t, s.Save(Checkpoint{
		RunID:    "run-2",
		State:    "AwaitAllRegions",
		Manifest: m,
		Branches: []Branch{{Region: "us-east-1", State: "failed", Attempts: 3, Reason: "Throttled"}},
	}))

	cp, err := s.Get("run-2")
	require.NoError(t, err)
	require.NotNil(t, cp.Manifest)
	assert.Equal(t, []string{"us-east-1"}, cp.Manifest.IncompleteRegions())
	require.Len(t, cp.Branches, 1)
	assert.Equal(t, 3, cp.Branches[0].Attempts)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestGet_NotFound(t *testing.T) {
	s := openTest(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_RequiresRunID(t *testing.T) {
	s := openTest(t)
	assert.Error(t, s.Save(Checkpoint{State: "Start"}))
}

func TestList_MostRecentFirst(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(Checkpoint{RunID: "b", State: "Succeeded", UpdatedAt: base.Add(2 * time.Hour)}))
	require.NoError(t, s.Save(Checkpoint{RunID: "a", State: "Failed", UpdatedAt: base}))
	require.NoError(t, s.Save(Checkpoint{RunID: "c", State: "Merge", UpdatedAt: base.Add(time.Hour)}))

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].RunID)
	assert.Equal(t, "c", all[1].RunID)
	assert.Equal(t, "a", all[2].RunID)

	two, err := s.List(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestTransitions_ScopedToRun(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.Save(Checkpoint{RunID: "run-1", State: "Start"}))
	require.NoError(t, s.Save(Checkpoint{RunID: "run-10", State: "Start"}))
	require.NoError(t, s.Save(Checkpoint{RunID: "run-1", State: "Failed"}))

	ts, err := s.Transitions("run-1")
	require.NoError(t, err)
	assert.Len(t, ts, 2)

	ts, err = s.Transitions("run-10")
	require.NoError(t, err)
	assert.Len(t, ts, 1)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(Checkpoint{RunID: "run-1", State: "Succeeded"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	cp, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "Succeeded", cp.State)
}
