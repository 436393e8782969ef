package backupstate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketfeed/collector/internal/backupstate"
)

func TestInsertAndContains(t *testing.T) {
	var ctx = context.Background()
	store, err := backupstate.Open(filepath.Join(t.TempDir(), "backup.db"), false)
	require.NoError(t, err)
	defer store.Close()

	ok, err := store.Contains(ctx, "full_2024_1_1_12_0_min")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Insert(ctx, backupstate.Record{
		ColName: "full_2024_1_1_12_0_min",
		Time:    time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
	}))

	ok, err = store.Contains(ctx, "full_2024_1_1_12_0_min")
	require.NoError(t, err)
	require.True(t, ok)

	// Non-overwrite path: a second Insert of the same key is a no-op.
	require.NoError(t, store.Insert(ctx, backupstate.Record{
		ColName: "full_2024_1_1_12_0_min",
		Time:    time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
	}))
	rec, ok, err := store.Get(ctx, "full_2024_1_1_12_0_min")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC), rec.Time)
}

func TestUpsertOverwrites(t *testing.T) {
	var ctx = context.Background()
	store, err := backupstate.Open(filepath.Join(t.TempDir(), "backup.db"), false)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Upsert(ctx, backupstate.Record{ColName: "x", Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}))
	require.NoError(t, store.Upsert(ctx, backupstate.Record{ColName: "x", Time: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}))

	rec, ok, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rec.Time)
}

func TestCrashStateRoundTrip(t *testing.T) {
	var ctx = context.Background()
	store, err := backupstate.Open(filepath.Join(t.TempDir(), "crash.db"), false)
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.LoadCrashState(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	var seq100 uint64 = 100
	var trade42 uint64 = 42
	var cs = backupstate.CrashState{
		Time:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Sequence:         map[string]*uint64{"BTC-USD": &seq100},
		LastMatchTradeID: map[string]*uint64{"BTC-USD": &trade42},
	}
	require.NoError(t, store.SaveCrashState(ctx, cs))

	loaded, ok, err := store.LoadCrashState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cs.Time, loaded.Time)
	require.Equal(t, *cs.Sequence["BTC-USD"], *loaded.Sequence["BTC-USD"])
	require.Equal(t, *cs.LastMatchTradeID["BTC-USD"], *loaded.LastMatchTradeID["BTC-USD"])
}
