package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "icons.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestEntryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	entries := openTestDB(t).Entries()
	ctx := context.Background()
	modified := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	require.NoError(t, entries.PutEntry(ctx, store.Entry{
		ID: "b", Title: "Bank", URL: "https://bank.example/login", Username: "bob",
		Fields: map[string]string{"Host": "bank.example"}, Modified: modified,
	}))
	require.NoError(t, entries.PutEntry(ctx, store.Entry{ID: "a", URL: "a.example"}))

	got, err := entries.GetEntry(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "bob", got.Username)
	require.Equal(t, "bank.example", got.Fields["Host"])
	require.Equal(t, modified, got.Modified)

	list, err := entries.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].ID)
	require.Nil(t, list[0].Fields)

	_, err = entries.GetEntry(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEntryStoreIcons(t *testing.T) {
	t.Parallel()

	entries := openTestDB(t).Entries()
	ctx := context.Background()
	require.NoError(t, entries.PutEntry(ctx, store.Entry{ID: "a"}))
	require.NoError(t, entries.PutEntry(ctx, store.Entry{ID: "b"}))

	require.NoError(t, entries.AssignIcon(ctx, "a", "h1", []byte("first")))
	require.NoError(t, entries.AssignIcon(ctx, "b", "h1", []byte("second")))
	require.NoError(t, entries.SetIconName(ctx, "h1", "yafd-a.example"))

	icon, err := entries.GetIcon(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), icon.Data)
	require.Equal(t, "yafd-a.example", icon.Name)
	require.False(t, icon.Created.IsZero())

	b, err := entries.GetEntry(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "h1", b.IconRef)

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, entries.Touch(ctx, "b", at))
	b, err = entries.GetEntry(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, at, b.Modified)

	require.ErrorIs(t, entries.AssignIcon(ctx, "missing", "h2", []byte("x")), store.ErrNotFound)
	_, err = entries.GetIcon(ctx, "h2")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, entries.SetIconName(ctx, "h2", "n"), store.ErrNotFound)
	require.ErrorIs(t, entries.Touch(ctx, "missing", at), store.ErrNotFound)
}

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	runs := openTestDB(t).Runs()
	ctx := context.Background()
	id := uuid.New()
	now := time.Now().UTC()

	require.NoError(t, runs.CreateRun(ctx, store.BatchRun{ID: id, Mode: "fallback", CreatedAt: now}))
	require.ErrorIs(t, runs.CreateRun(ctx, store.BatchRun{ID: id}), store.ErrExists)

	require.NoError(t, runs.MarkStarted(ctx, id, now.Add(time.Second), 5))
	require.NoError(t, runs.UpdateProgress(ctx, id, 4, store.RunCounts{Success: 3, Error: 1}, now.Add(2*time.Second)))
	require.NoError(t, runs.UpdateProgress(ctx, id, 2, store.RunCounts{Success: 2}, now.Add(3*time.Second)))

	got, err := runs.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "fallback", got.Mode)
	require.Equal(t, store.RunRunning, got.Status)
	require.Equal(t, 5, got.Total)
	require.Equal(t, 4, got.Completed)
	require.Equal(t, store.RunCounts{Success: 3, Error: 1}, got.Counts)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.FinishedAt)

	msg := "boom"
	require.NoError(t, runs.CompleteRun(ctx, id, now.Add(4*time.Second), store.RunError, &msg))
	require.NoError(t, runs.MarkStarted(ctx, id, now.Add(5*time.Second), 5))

	got, err = runs.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.RunError, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, "boom", *got.ErrorMessage)
}

func TestRunStoreUnknownAndList(t *testing.T) {
	t.Parallel()

	runs := openTestDB(t).Runs()
	ctx := context.Background()

	_, err := runs.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, runs.UpdateProgress(ctx, uuid.New(), 1, store.RunCounts{}, time.Now()), store.ErrNotFound)
	require.ErrorIs(t, runs.CompleteRun(ctx, uuid.New(), time.Now(), store.RunSuccess, nil), store.ErrNotFound)

	base := time.Now().UTC()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, runs.CreateRun(ctx, store.BatchRun{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, runs.CompleteRun(ctx, ids[2], base, store.RunSuccess, nil))

	all, err := runs.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[2], all[0].ID)

	queued := store.RunQueued
	page, err := runs.ListRuns(ctx, &queued, 1, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ids[1], page[0].ID)
}
