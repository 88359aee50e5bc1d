package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paket-core/router/internal/storage/sqlite"
	"github.com/paket-core/router/pkg/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(escrow string) types.PackageRecord {
	return types.PackageRecord{
		EscrowPubkey:    escrow,
		LauncherPubkey:  "GLAUNCHER",
		RecipientPubkey: "GRECIPIENT",
		Payment:         5,
		Collateral:      10,
		Deadline:        time.Now().Add(24 * time.Hour).Unix(),
		Description:     "small parcel",
		FromLocation:    "32.0853,34.7818",
		ToLocation:      "31.7683,35.2137",
	}
}

func TestCreateAndGetPackage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := testRecord("GESCROW1")
	require.NoError(t, store.CreatePackage(ctx, record))

	got, err := store.Package(ctx, "GESCROW1")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	_, err = store.Package(ctx, "GMISSING")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestCreatePackageDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))
	err := store.CreatePackage(ctx, testRecord("GESCROW1"))
	assert.ErrorIs(t, err, sqlite.ErrPackageExists)
}

func TestPackagesByRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testRecord("GESCROW1")
	second := testRecord("GESCROW2")
	second.LauncherPubkey = "GOTHER"
	require.NoError(t, store.CreatePackage(ctx, first))
	require.NoError(t, store.CreatePackage(ctx, second))

	launched, err := store.PackagesByLauncher(ctx, "GLAUNCHER")
	require.NoError(t, err)
	require.Len(t, launched, 1)
	assert.Equal(t, "GESCROW1", launched[0].EscrowPubkey)

	addressed, err := store.PackagesByRecipient(ctx, "GRECIPIENT")
	require.NoError(t, err)
	assert.Len(t, addressed, 2)

	// Courier membership comes from the event log, not the package row.
	couriered, err := store.PackagesByCourier(ctx, "GCOURIER")
	require.NoError(t, err)
	assert.Empty(t, couriered)

	_, err = store.AppendEvent(ctx, types.Event{
		UserPubkey:   "GCOURIER",
		Type:         types.EventCouriered,
		EscrowPubkey: "GESCROW2",
	}, nil)
	require.NoError(t, err)

	couriered, err = store.PackagesByCourier(ctx, "GCOURIER")
	require.NoError(t, err)
	require.Len(t, couriered, 1)
	assert.Equal(t, "GESCROW2", couriered[0].EscrowPubkey)
}

func TestAppendEventAssignsIDsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))

	// Identical timestamps: insertion order must still be recoverable.
	stamp := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	for _, eventType := range []types.EventType{
		types.EventLaunched, types.EventCouriered, types.EventReceived,
	} {
		_, err := store.AppendEvent(ctx, types.Event{
			Timestamp:    stamp,
			UserPubkey:   "GLAUNCHER",
			Type:         eventType,
			EscrowPubkey: "GESCROW1",
		}, nil)
		require.NoError(t, err)
	}

	events, err := store.PackageEvents(ctx, "GESCROW1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.EventLaunched, events[0].Type)
	assert.Equal(t, types.EventCouriered, events[1].Type)
	assert.Equal(t, types.EventReceived, events[2].Type)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)
	for _, evt := range events {
		assert.True(t, evt.Timestamp.Equal(stamp))
	}
}

func TestPackageEventsOrderedByTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	// Inserted out of chronological order.
	for _, evt := range []types.Event{
		{Timestamp: base.Add(time.Hour), Type: types.EventReceived, UserPubkey: "GRECIPIENT", EscrowPubkey: "GESCROW1"},
		{Timestamp: base, Type: types.EventLaunched, UserPubkey: "GLAUNCHER", EscrowPubkey: "GESCROW1"},
		{Timestamp: base.Add(30 * time.Minute), Type: types.EventCouriered, UserPubkey: "GCOURIER", EscrowPubkey: "GESCROW1"},
	} {
		_, err := store.AppendEvent(ctx, evt, nil)
		require.NoError(t, err)
	}

	events, err := store.PackageEvents(ctx, "GESCROW1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.EventLaunched, events[0].Type)
	assert.Equal(t, types.EventCouriered, events[1].Type)
	assert.Equal(t, types.EventReceived, events[2].Type)
}

func TestAppendEventKwargsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))

	kwargs := []byte(`{"escrow_transactions":{"set_options_transaction":"AAAA"}}`)
	appended, err := store.AppendEvent(ctx, types.Event{
		UserPubkey:   "GLAUNCHER",
		Type:         types.EventEscrowAssigned,
		EscrowPubkey: "GESCROW1",
		Kwargs:       kwargs,
	}, nil)
	require.NoError(t, err)
	assert.NotZero(t, appended.ID)

	events, err := store.PackageEvents(ctx, "GESCROW1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, string(kwargs), string(events[0].Kwargs))
}

func TestEventsBetween(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := store.AppendEvent(ctx, types.Event{
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			UserPubkey:   "GLAUNCHER",
			Type:         types.EventLocationChanged,
			EscrowPubkey: "GESCROW1",
		}, nil)
		require.NoError(t, err)
	}

	events, err := store.EventsBetween(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
}

func TestLatestEventID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))

	id, err := store.LatestEventID(ctx, "GESCROW1")
	require.NoError(t, err)
	assert.Zero(t, id)

	appended, err := store.AppendEvent(ctx, types.Event{
		UserPubkey:   "GLAUNCHER",
		Type:         types.EventLaunched,
		EscrowPubkey: "GESCROW1",
	}, nil)
	require.NoError(t, err)

	id, err = store.LatestEventID(ctx, "GESCROW1")
	require.NoError(t, err)
	assert.Equal(t, appended.ID, id)
}

func TestEventPhoto(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePackage(ctx, testRecord("GESCROW1")))

	photo := []byte{0xff, 0xd8, 0xff, 0xe0}
	appended, err := store.AppendEvent(ctx, types.Event{
		UserPubkey:   "GLAUNCHER",
		Type:         types.EventLaunched,
		EscrowPubkey: "GESCROW1",
	}, photo)
	require.NoError(t, err)
	require.NotZero(t, appended.PhotoID)

	got, err := store.Photo(ctx, appended.PhotoID)
	require.NoError(t, err)
	assert.Equal(t, photo, got)

	fromPackage, err := store.PackagePhoto(ctx, "GESCROW1")
	require.NoError(t, err)
	assert.Equal(t, photo, fromPackage)

	_, err = store.Photo(ctx, appended.PhotoID+1)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestNotificationTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tokens, err := store.ActiveTokens(ctx, "GUSER")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	require.NoError(t, store.SetNotificationToken(ctx, "GUSER", "token-a"))
	require.NoError(t, store.SetNotificationToken(ctx, "GUSER", "token-b"))
	// Re-activating an active token is a no-op.
	require.NoError(t, store.SetNotificationToken(ctx, "GUSER", "token-a"))

	tokens, err = store.ActiveTokens(ctx, "GUSER")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token-a", "token-b"}, tokens)

	require.NoError(t, store.RemoveNotificationToken(ctx, "GUSER", "token-a"))
	tokens, err = store.ActiveTokens(ctx, "GUSER")
	require.NoError(t, err)
	assert.Equal(t, []string{"token-b"}, tokens)

	// Removing an unknown token is a no-op, and tokens are per user.
	require.NoError(t, store.RemoveNotificationToken(ctx, "GUSER", "token-c"))
	tokens, err = store.ActiveTokens(ctx, "GOTHER")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	// A deactivated token can be turned back on.
	require.NoError(t, store.SetNotificationToken(ctx, "GUSER", "token-a"))
	tokens, err = store.ActiveTokens(ctx, "GUSER")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"token-a", "token-b"}, tokens)
}
