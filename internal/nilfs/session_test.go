package nilfs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timebrowse/internal/checkpoint"
	tberrors "timebrowse/internal/errors"
	"timebrowse/internal/slogutil"
	"timebrowse/internal/testutil"
)

var base = time.Date(2011, 1, 18, 13, 40, 0, 0, time.Local)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

type memJournal struct {
	ops []Operation
}

func (j *memJournal) Record(_ context.Context, op Operation) error {
	j.ops = append(j.ops, op)
	return nil
}

func newTestSession(t *testing.T) (*Session, *testutil.FakeVolume, *memJournal) {
	t.Helper()
	now := at(100)
	vol := testutil.NewFakeVolume("/dev/sdb1", func() time.Time { return now })
	j := &memJournal{}
	return NewSession(vol, slogutil.NewDiscardLogger(), WithJournal(j)), vol, j
}

func numbers(records []checkpoint.Record) []uint64 {
	out := make([]uint64, len(records))
	for i, r := range records {
		out[i] = r.Number
	}
	return out
}

func TestSessionInitialAndIncrementalListing(t *testing.T) {
	ctx := context.Background()
	s, vol, _ := newTestSession(t)

	vol.Add(at(0), false)
	vol.Add(at(0), true)
	vol.Add(at(1), false)

	records, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, numbers(records))
	assert.True(t, records[0].Snapshot)

	vol.Add(at(1), false)
	vol.Add(at(2), false)

	records, err = s.Checkpoints(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4, 5}, numbers(records))

	assert.Equal(t, []uint64{0, 4}, vol.Calls, "incremental listing starts past the last cached checkpoint")
}

func TestSessionRefreshRepairsExternalChanges(t *testing.T) {
	ctx := context.Background()
	s, vol, _ := newTestSession(t)

	for i := 0; i < 4; i++ {
		vol.Add(at(i), false)
	}
	_, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)

	vol.Delete(2)
	vol.SetSnapshot(3, true)
	vol.Add(at(10), false)

	records, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, numbers(records), "incremental path does not see deletions")

	records, err = s.Checkpoints(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3, 4, 5}, numbers(records))
	assert.True(t, records[1].Snapshot)
	assert.Equal(t, uint64(1), vol.Calls[len(vol.Calls)-1], "refresh lists from the first cached checkpoint")
}

func TestSessionSkipsInvalidCheckpoints(t *testing.T) {
	ctx := context.Background()
	s, vol, _ := newTestSession(t)

	vol.Add(at(0), false)
	vol.Add(at(1), false)
	vol.Invalidate(1)

	records, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, numbers(records))
}

func TestSessionMakeCheckpointRelists(t *testing.T) {
	ctx := context.Background()
	s, vol, j := newTestSession(t)

	vol.Add(at(0), false)
	_, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)

	require.NoError(t, s.MakeCheckpoint(ctx, true))

	last, ok := s.Timeline().Last()
	require.True(t, ok)
	assert.Equal(t, uint64(2), last.Number)
	assert.True(t, last.Snapshot)

	require.Len(t, j.ops, 1)
	assert.Equal(t, OpMakeCheckpoint, j.ops[0].Op)
	assert.Equal(t, "/dev/sdb1", j.ops[0].Device)
	assert.NoError(t, j.ops[0].Err)
}

func TestSessionChangeCheckpoint(t *testing.T) {
	ctx := context.Background()
	s, vol, j := newTestSession(t)

	vol.Add(at(0), false)
	vol.Add(at(1), false)
	_, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)

	require.NoError(t, s.ChangeCheckpoint(ctx, 1, true))
	rec, ok := s.Timeline().Find(1)
	require.True(t, ok)
	assert.True(t, rec.Snapshot)

	err = s.ChangeCheckpoint(ctx, 9, true)
	require.Error(t, err)
	require.Len(t, j.ops, 2)
	assert.Error(t, j.ops[1].Err)
	assert.Equal(t, uint64(9), j.ops[1].Number)
}

func TestSessionPropagatesQueryErrors(t *testing.T) {
	ctx := context.Background()
	s, vol, _ := newTestSession(t)

	vol.Add(at(0), false)
	_, err := s.Checkpoints(ctx, false)
	require.NoError(t, err)

	busy := tberrors.New(tberrors.VolumeQueryFailed, "lscp failed", errors.New("device busy"))
	vol.FailWith(busy)

	_, err = s.Checkpoints(ctx, true)
	require.Error(t, err)
	assert.True(t, tberrors.Is(err, tberrors.VolumeQueryFailed))
	assert.Equal(t, 1, s.Timeline().Len(), "failed query leaves the cache intact")

	vol.FailWith(nil)
	_, err = s.Checkpoints(ctx, true)
	require.NoError(t, err)
}

func TestSessionStrictParserSurfacesParseErrors(t *testing.T) {
	vol := &scriptedVolume{out: "1 2011-01-18 13:40:36 cp - 4 2\ngarbage\n"}
	s := NewSession(vol, slogutil.NewDiscardLogger(), WithParser(&checkpoint.Parser{Strict: true}))

	_, err := s.Checkpoints(context.Background(), false)
	assert.True(t, tberrors.Is(err, tberrors.ParseError))
}

func TestLatestCheckpoint(t *testing.T) {
	ctx := context.Background()
	s, vol, _ := newTestSession(t)

	_, err := s.LatestCheckpoint()
	assert.True(t, tberrors.Is(err, tberrors.CheckpointNotFound))

	vol.Add(at(0), false)
	vol.Add(at(1), false)
	vol.Add(at(2), true)
	_, err = s.Checkpoints(ctx, false)
	require.NoError(t, err)

	rec, err := s.LatestCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Number)
}

type scriptedVolume struct {
	out string
}

func (v *scriptedVolume) Device() string { return "/dev/fake" }
func (v *scriptedVolume) ListCheckpoints(context.Context, uint64) (string, error) {
	return v.out, nil
}
func (v *scriptedVolume) MakeCheckpoint(context.Context, bool) error { return nil }
func (v *scriptedVolume) ChangeCheckpoint(context.Context, uint64, bool) error {
	return nil
}
