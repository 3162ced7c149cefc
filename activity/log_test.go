package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-social/hearth/models"
	"github.com/hearth-social/hearth/util/cliutil"
)

func testLog(t *testing.T) *Log {
	t.Helper()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	alog, err := NewLog(db)
	require.NoError(t, err)
	return alog
}

func appendRecord(t *testing.T, alog *Log, created time.Time, mine bool) *models.ActivityRecord {
	t.Helper()

	rec := &models.ActivityRecord{
		AuthorKey: "owner-key",
		Author:    "owner",
		Verb:      models.VerbPublishes,
		DocType:   models.KindNote,
		DocID:     "doc-1",
		CreatedAt: created,
		IsMine:    mine,
	}
	require.NoError(t, alog.Append(context.Background(), rec))
	return rec
}

func TestAppendAndFind(t *testing.T) {
	alog := testLog(t)

	rec := appendRecord(t, alog, time.Time{}, true)
	assert.NotEmpty(t, rec.ID)

	got, err := alog.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VerbPublishes, got.Verb)
	assert.Empty(t, got.Errors)

	_, err = alog.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDeliveryFailedUpserts(t *testing.T) {
	alog := testLog(t)
	ctx := context.Background()

	rec := appendRecord(t, alog, time.Time{}, true)
	peer := &models.Peer{Key: "p2", Name: "bob", URL: "http://p2/"}

	require.NoError(t, alog.MarkDeliveryFailed(ctx, rec.ID, peer, "connection refused"))
	require.NoError(t, alog.MarkDeliveryFailed(ctx, rec.ID, peer, "timeout"))

	got, err := alog.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "p2", got.Errors[0].PeerKey)
	assert.Equal(t, "timeout", got.Errors[0].Reason)
}

func TestMarkDeliveryResolved(t *testing.T) {
	alog := testLog(t)
	ctx := context.Background()

	rec := appendRecord(t, alog, time.Time{}, true)
	peer := &models.Peer{Key: "p2", URL: "http://p2/"}
	require.NoError(t, alog.MarkDeliveryFailed(ctx, rec.ID, peer, "timeout"))

	require.NoError(t, alog.MarkDeliveryResolved(ctx, rec.ID, "p2"))

	got, err := alog.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Errors)

	// resolving an already-resolved pair reports nothing to resolve
	assert.ErrorIs(t, alog.MarkDeliveryResolved(ctx, rec.ID, "p2"), ErrNotFound)
}

func TestListPendingScopeAndCursor(t *testing.T) {
	alog := testLog(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		appendRecord(t, alog, base.Add(time.Duration(i)*time.Minute), i%2 == 0)
	}

	all, err := alog.ListPending(ctx, ScopeAll, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}

	mine, err := alog.ListPending(ctx, ScopeMine, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	page, err := alog.ListPending(ctx, ScopeAll, all[2].CreatedAt, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.Before(all[2].CreatedAt))
}

func TestConcurrentFailureMarks(t *testing.T) {
	alog := testLog(t)
	ctx := context.Background()

	rec := appendRecord(t, alog, time.Time{}, true)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		peer := &models.Peer{Key: "peer-" + string(rune('a'+i)), URL: "http://x/"}
		go func() {
			done <- alog.MarkDeliveryFailed(ctx, rec.ID, peer, "unreachable")
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}

	got, err := alog.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.Errors, 4)
}
