package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := NewStore(Config{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSnapshot(version int64) *roster.Snapshot {
	return roster.New(version, time.Now(), []wire.Participant{
		{
			Id:             "s01",
			Status:         wire.StatusActive,
			ExecutionCount: 12,
			Location:       "lesson3.ipynb#cell-2",
			LastActivity:   timestamppb.Now(),
		},
		{
			Id:     "s02",
			Status: wire.StatusIdle,
		},
	})
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	original := sampleSnapshot(7)
	require.NoError(t, store.Save(ctx, original))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, int64(7), loaded.Version())
	assert.True(t, loaded.Equal(original))
	assert.WithinDuration(t, original.CapturedAt(), loaded.CapturedAt(), time.Millisecond)

	p, ok := loaded.Get("s01")
	require.True(t, ok)
	assert.Equal(t, "lesson3.ipynb#cell-2", p.Location)
	require.NotNil(t, p.LastActivity)
}

func TestCheckpointLoadWithoutSave(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCheckpointOverwrites(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot(3)))
	require.NoError(t, store.Save(ctx, sampleSnapshot(9)))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(9), loaded.Version())
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewStore(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, sampleSnapshot(5)))
	require.NoError(t, first.Close())

	second := newTestStore(t, dir)
	loaded, err := second.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(5), loaded.Version())
	assert.Equal(t, 2, loaded.Len())
}

func TestCheckpointRejectsNilSnapshot(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	assert.Error(t, store.Save(context.Background(), nil))
}

func TestCheckpointHonorsCanceledContext(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, store.Save(ctx, sampleSnapshot(1)))
	_, err := store.Load(ctx)
	assert.Error(t, err)
}
