package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

func TestEntryStoreAssignAndName(t *testing.T) {
	t.Parallel()

	entries := NewEntryStore(
		store.Entry{ID: "b", URL: "https://b.example"},
		store.Entry{ID: "a", URL: "https://a.example", Fields: map[string]string{"k": "v"}},
	)
	ctx := context.Background()

	list, err := entries.ListEntries(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", list[0].ID)
	list[0].Fields["k"] = "changed"

	got, err := entries.GetEntry(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "v", got.Fields["k"])

	require.NoError(t, entries.AssignIcon(ctx, "a", "h1", []byte("png")))
	require.NoError(t, entries.AssignIcon(ctx, "b", "h1", []byte("ignored")))
	require.NoError(t, entries.SetIconName(ctx, "h1", "yafd-a.example"))

	icon, err := entries.GetIcon(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("png"), icon.Data)
	require.Equal(t, "yafd-a.example", icon.Name)

	got, err = entries.GetEntry(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "h1", got.IconRef)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, entries.Touch(ctx, "b", at))
	got, err = entries.GetEntry(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, at, got.Modified)
}

func TestEntryStoreNotFound(t *testing.T) {
	t.Parallel()

	entries := NewEntryStore()
	ctx := context.Background()
	_, err := entries.GetEntry(ctx, "x")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, entries.AssignIcon(ctx, "x", "h", nil), store.ErrNotFound)
	require.ErrorIs(t, entries.SetIconName(ctx, "h", "n"), store.ErrNotFound)
	require.ErrorIs(t, entries.Touch(ctx, "x", time.Now()), store.ErrNotFound)
	_, err = entries.GetIcon(ctx, "h")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, entries.PutEntry(ctx, store.Entry{ID: "x"}))
	_, err = entries.GetEntry(ctx, "x")
	require.NoError(t, err)
}
