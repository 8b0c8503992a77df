package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestItem creates an incoming item with default values for testing.
func newTestItem(id string, kind item.Kind, content string, createdAt int64) *item.Item {
	return &item.Item{
		ID:             id,
		Kind:           kind,
		Stage:          item.StageIncoming,
		Content:        content,
		SourceMeta:     item.SourceMeta{ChatID: "42", MessageID: id, Username: "alice"},
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
		StageChangedAt: createdAt,
		Version:        1,
	}
}

func TestInsertAndGetByID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	it := newTestItem("01ABC123", item.KindTodo, "TODO: Buy milk", 100)
	it.SourceMeta.Extra = map[string]string{"duration": "3"}
	require.NoError(t, InsertItem(ctx, db, it))

	got, err := GetByID(ctx, db, "01ABC123")
	require.NoError(t, err)
	require.Equal(t, it.Kind, got.Kind)
	require.Equal(t, item.StageIncoming, got.Stage)
	require.Equal(t, "TODO: Buy milk", got.Content)
	require.Equal(t, it.SourceMeta, got.SourceMeta)
	require.Nil(t, got.Transcript)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, 0, got.Attempts)
}

func TestGetByID_NotFound(t *testing.T) {
	_, err := GetByID(context.Background(), openTestDB(t), "nonexistent")
	require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestInsertItem_Duplicate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, InsertItem(ctx, db, newTestItem("01DUP", item.KindText, "a", 1)))
	err := InsertItem(ctx, db, newTestItem("01DUP", item.KindText, "b", 2))
	require.True(t, errors.Is(err, errors.ErrAlreadyExists), "got %v", err)
}

func TestCompareAndSetStage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	it := newTestItem("01CAS", item.KindVoice, "", 10)
	it.ContentRef = "/media/01CAS.ogg"
	require.NoError(t, InsertItem(ctx, db, it))

	next := it.Clone()
	next.Stage = item.StageProcessed
	next.Transcript = item.StringPtr("hello there")
	next.Version = 2
	next.StageChangedAt = 20
	next.UpdatedAt = 20

	ok, err := CompareAndSetStage(ctx, db, next, item.StageIncoming, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Same guard again loses: the row moved on.
	ok, err = CompareAndSetStage(ctx, db, next, item.StageIncoming, 1)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := GetByID(ctx, db, "01CAS")
	require.NoError(t, err)
	require.Equal(t, item.StageProcessed, got.Stage)
	require.Equal(t, "hello there", *got.Transcript)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, int64(20), got.StageChangedAt)
}

func TestUpdateItem_GuardsStageAndVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	it := newTestItem("01UPD", item.KindText, "first", 10)
	require.NoError(t, InsertItem(ctx, db, it))
	_, _, err := RecordAttempt(ctx, db, "01UPD", item.StageIncoming, "boom", 11)
	require.NoError(t, err)

	it.Content = "second"
	it.Version = 2
	ok, err := UpdateItem(ctx, db, it, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = UpdateItem(ctx, db, it, 1)
	require.NoError(t, err)
	require.False(t, ok, "stale version must not match")

	stale := it.Clone()
	stale.Stage = item.StageProcessed
	ok, err = UpdateItem(ctx, db, stale, 2)
	require.NoError(t, err)
	require.False(t, ok, "stage mismatch must not match")

	got, err := GetByID(ctx, db, "01UPD")
	require.NoError(t, err)
	require.Equal(t, "second", got.Content)
	require.Equal(t, 1, got.Attempts, "bookkeeping untouched by UpdateItem")
}

func TestListAfter_KeysetOrder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	// Two items share a created_at to exercise the id tiebreak.
	require.NoError(t, InsertItem(ctx, db, newTestItem("01C", item.KindText, "c", 200)))
	require.NoError(t, InsertItem(ctx, db, newTestItem("01A", item.KindText, "a", 100)))
	require.NoError(t, InsertItem(ctx, db, newTestItem("01B", item.KindTodo, "b", 100)))

	first, err := ListAfter(ctx, db, item.StageIncoming, "", 0, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "01A", first[0].ID)
	require.Equal(t, "01B", first[1].ID)

	last := first[1]
	rest, err := ListAfter(ctx, db, item.StageIncoming, "", last.CreatedAt, last.ID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "01C", rest[0].ID)

	todos, err := ListAfter(ctx, db, item.StageIncoming, item.KindTodo, 0, "", 10)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, "01B", todos[0].ID)
}

func TestPage(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := range 5 {
		require.NoError(t, InsertItem(ctx, db, newTestItem(fmt.Sprintf("01P%d", i), item.KindText, "x", int64(i))))
	}

	items, total, err := Page(ctx, db, PageFilter{Stage: item.StageIncoming, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, items, 2)
	require.Equal(t, "01P2", items[0].ID)

	items, total, err = Page(ctx, db, PageFilter{Stage: item.StageReady, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 0, total)
	require.Empty(t, items)
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, InsertItem(ctx, db, newTestItem("01RA", item.KindVoice, "", 1)))

	for want := 1; want <= 3; want++ {
		n, ok, err := RecordAttempt(ctx, db, "01RA", item.StageIncoming, "timeout", int64(want))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, n)
	}

	_, ok, err := RecordAttempt(ctx, db, "01RA", item.StageProcessed, "x", 9)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := GetByID(ctx, db, "01RA")
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)
	require.Equal(t, "timeout", *got.LastError)
	require.Equal(t, int64(3), *got.LastAttemptAt)
}

func TestMarkDelivered(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, InsertItem(ctx, db, newTestItem("01MD", item.KindText, "x", 1)))

	require.NoError(t, MarkDelivered(ctx, db, "01MD", 77))
	got, err := GetByID(ctx, db, "01MD")
	require.NoError(t, err)
	require.Equal(t, int64(77), *got.DeliveredAt)

	err = MarkDelivered(ctx, db, "missing", 1)
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCountByCreated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, InsertItem(ctx, db, newTestItem("01K1", item.KindTodo, "a", 100)))
	require.NoError(t, InsertItem(ctx, db, newTestItem("01K2", item.KindTodo, "b", 150)))
	require.NoError(t, InsertItem(ctx, db, newTestItem("01K3", item.KindIdea, "c", 199)))
	require.NoError(t, InsertItem(ctx, db, newTestItem("01K4", item.KindIdea, "out of range", 200)))

	rows, err := CountByCreated(ctx, db, 100, 200)
	require.NoError(t, err)

	counts := map[item.Kind]int{}
	for _, r := range rows {
		counts[r.Kind] += r.Count
	}
	require.Equal(t, map[item.Kind]int{item.KindTodo: 2, item.KindIdea: 1}, counts)
}

func TestReadyBefore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	old := newTestItem("01OLD", item.KindText, "x", 1)
	old.Stage = item.StageReady
	old.StageChangedAt = 50
	fresh := newTestItem("01NEW", item.KindText, "y", 1)
	fresh.Stage = item.StageReady
	fresh.StageChangedAt = 500
	processed := newTestItem("01PRC", item.KindText, "z", 1)
	processed.Stage = item.StageProcessed

	for _, it := range []*item.Item{old, fresh, processed} {
		require.NoError(t, InsertItem(ctx, db, it))
	}

	due, err := ReadyBefore(ctx, db, 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "01OLD", due[0].ID)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	ev := &item.Event{ItemID: "01EV", Type: item.EventFailed, Level: item.LevelError, Message: "gave up", CreatedAt: 5}
	require.NoError(t, InsertEvent(ctx, db, ev))
	require.NotZero(t, ev.Seq)
	require.NoError(t, InsertEvent(ctx, db, &item.Event{Type: item.EventRejected, Level: item.LevelWarn, Message: "bad json", CreatedAt: 6}))

	all, err := ListEvents(ctx, db, EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, item.EventRejected, all[0].Type, "newest first")
	require.Equal(t, "", all[0].ItemID)

	forItem, err := ListEvents(ctx, db, EventFilter{ItemID: "01EV", Limit: 10})
	require.NoError(t, err)
	require.Len(t, forItem, 1)
	require.Equal(t, "gave up", forItem[0].Message)

	errorsOnly, err := ListEvents(ctx, db, EventFilter{Level: item.LevelError, Limit: 10})
	require.NoError(t, err)
	require.Len(t, errorsOnly, 1)
}

func TestStreamForExport(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, InsertItem(ctx, db, newTestItem("01S2", item.KindText, "b", 2)))
	require.NoError(t, InsertItem(ctx, db, newTestItem("01S1", item.KindText, "a", 1)))

	rows, err := StreamForExport(ctx, db, "")
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		it, err := ScanItemFromRows(rows)
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{"01S1", "01S2"}, ids)
}

func TestAllIDs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, InsertItem(ctx, db, newTestItem("01ID", item.KindText, "a", 1)))

	ids, err := AllIDs(ctx, db)
	require.NoError(t, err)
	require.Equal(t, map[string]item.Stage{"01ID": item.StageIncoming}, ids)
}
