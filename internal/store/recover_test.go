package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// writeRepr drops a representation of it at stage without touching the index,
// as a crash between publish and index update would leave it.
func (e *testEnv) writeRepr(t *testing.T, it *item.Item, stage item.Stage) {
	t.Helper()
	c := it.Clone()
	c.Stage = stage
	data, err := e.store.codec.encode(c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.store.path(c.ID, stage), data, 0600))
}

func actions(r *RecoverReport) []string {
	var out []string
	for _, res := range r.Resolutions {
		out = append(out, res.Action)
	}
	return out
}

func TestRecover_CleanStoreIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01CLEAN", item.KindText, "x"))
	require.NoError(t, err)

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Scanned)
	require.Empty(t, report.Resolutions)
}

func TestRecover_CrashAfterPublish(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	it, err := env.store.Create(ctx, newItem("01HALF", item.KindText, "x"))
	require.NoError(t, err)

	// New representation published, index never swapped.
	next := it.Clone()
	next.Version = it.Version + 1
	env.writeRepr(t, next, item.StageProcessed)
	require.Len(t, env.reprStages(t, "01HALF"), 2)

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ActionRemovedDuplicate, ActionMovedRowForward}, actions(report))

	require.Equal(t, []item.Stage{item.StageProcessed}, env.reprStages(t, "01HALF"))
	got, err := env.store.Get(ctx, "01HALF")
	require.NoError(t, err)
	require.Equal(t, item.StageProcessed, got.Stage)

	events, err := env.store.Events(ctx, db.EventFilter{ItemID: "01HALF", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, item.EventRecovered, events[0].Type)
}

func TestRecover_CrashBeforeOldRemoved(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	it, err := env.store.Create(ctx, newItem("01LEFT", item.KindText, "x"))
	require.NoError(t, err)
	_, err = env.store.Advance(ctx, "01LEFT", item.StageIncoming, item.StageProcessed, nil)
	require.NoError(t, err)

	// Old representation survived.
	env.writeRepr(t, it, item.StageIncoming)

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{ActionRemovedDuplicate}, actions(report))
	require.Equal(t, []item.Stage{item.StageProcessed}, env.reprStages(t, "01LEFT"))
}

func TestRecover_MissingRow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	it, err := env.store.Create(ctx, newItem("01NOROW", item.KindIdea, "IDEA: solar kettle"))
	require.NoError(t, err)
	_, err = env.db.Exec(`DELETE FROM items WHERE id = ?`, it.ID)
	require.NoError(t, err)

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{ActionRebuiltRow}, actions(report))

	got, err := env.store.Get(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "IDEA: solar kettle", got.Content)
	require.Equal(t, item.KindIdea, got.Kind)
}

func TestRecover_MissingRepresentation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01NOFILE", item.KindText, "x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(env.store.path("01NOFILE", item.StageIncoming)))

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{ActionRewroteRepr}, actions(report))
	require.Equal(t, []item.Stage{item.StageIncoming}, env.reprStages(t, "01NOFILE"))
}

func TestRecover_RowAheadOfRepresentation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	it, err := env.store.Create(ctx, newItem("01AHEAD", item.KindText, "x"))
	require.NoError(t, err)
	_, err = env.store.Advance(ctx, "01AHEAD", item.StageIncoming, item.StageProcessed, nil)
	require.NoError(t, err)

	// Only the incoming representation is left on disk.
	require.NoError(t, os.Remove(env.store.path("01AHEAD", item.StageProcessed)))
	env.writeRepr(t, it, item.StageIncoming)

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{ActionRewroteRepr}, actions(report))
	require.Equal(t, []item.Stage{item.StageProcessed}, env.reprStages(t, "01AHEAD"))
}

func TestRecover_TempFilesAndCorruptRepresentation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01BROKEN", item.KindText, "x"))
	require.NoError(t, err)

	incoming := env.store.dir(item.StageIncoming)
	require.NoError(t, os.WriteFile(filepath.Join(incoming, ".01X.json.abc.tmp"), []byte("partial"), 0600))
	require.NoError(t, os.WriteFile(env.store.path("01BROKEN", item.StageIncoming), []byte("{not json"), 0600))

	report, err := env.store.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.TempRemoved)
	require.Equal(t, []string{ActionQuarantined, ActionRewroteRepr}, actions(report))

	_, err = os.Stat(env.store.path("01BROKEN", item.StageIncoming) + ".corrupt")
	require.NoError(t, err)
	repr, err := env.store.load("01BROKEN", item.StageIncoming)
	require.NoError(t, err)
	require.Equal(t, "x", repr.Content)
}
