package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/logging"
)

type testEnv struct {
	store *Store
	db    *sql.DB
	cfg   *config.Config
	base  string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.BaseDir = base
	cfg.ContentDir = filepath.Join(base, "content")

	database, err := db.Init(base)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	s, err := New(database, cfg, logging.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &testEnv{store: s, db: database, cfg: cfg, base: base}
}

func newItem(id string, kind item.Kind, content string) *item.Item {
	it := &item.Item{
		ID:         id,
		Kind:       kind,
		Stage:      item.StageIncoming,
		Content:    content,
		SourceMeta: item.SourceMeta{ChatID: "42", MessageID: id},
	}
	if kind == item.KindVoice {
		it.Content = ""
		it.ContentRef = "/media/" + id + ".ogg"
	}
	return it
}

// reprStages lists the stages that currently hold a representation of id.
func (e *testEnv) reprStages(t *testing.T, id string) []item.Stage {
	t.Helper()
	var stages []item.Stage
	for _, stage := range item.Stages {
		if _, err := os.Stat(e.store.path(id, stage)); err == nil {
			stages = append(stages, stage)
		}
	}
	return stages
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	created, err := env.store.Create(ctx, newItem("01CREATE", item.KindTodo, "TODO: Buy milk"))
	require.NoError(t, err)
	require.Equal(t, int64(1), created.Version)
	require.NotZero(t, created.CreatedAt)

	got, err := env.store.Get(ctx, "01CREATE")
	require.NoError(t, err)
	require.Equal(t, "TODO: Buy milk", got.Content)
	require.Equal(t, item.StageIncoming, got.Stage)
	require.Equal(t, []item.Stage{item.StageIncoming}, env.reprStages(t, "01CREATE"))

	repr, err := env.store.load("01CREATE", item.StageIncoming)
	require.NoError(t, err)
	require.Equal(t, got.Content, repr.Content)
	require.Equal(t, got.Version, repr.Version)
}

func TestCreate_Duplicate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01DUP", item.KindText, "first"))
	require.NoError(t, err)

	_, err = env.store.Create(ctx, newItem("01DUP", item.KindText, "second"))
	require.True(t, errors.Is(err, errors.ErrAlreadyExists), "got %v", err)

	got, err := env.store.Get(ctx, "01DUP")
	require.NoError(t, err)
	require.Equal(t, "first", got.Content)
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tests := []struct {
		name string
		it   *item.Item
	}{
		{"missing id", &item.Item{Kind: item.KindText, Stage: item.StageIncoming}},
		{"unknown kind", &item.Item{ID: "01X", Kind: "photo", Stage: item.StageIncoming}},
		{"voice without ref", &item.Item{ID: "01X", Kind: item.KindVoice, Stage: item.StageIncoming}},
		{"not incoming", &item.Item{ID: "01X", Kind: item.KindText, Stage: item.StageReady}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.store.Create(ctx, tt.it)
			require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestEnv(t).store.Get(context.Background(), "01NOPE")
	require.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestPut(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Put on an unknown id creates it.
	created, err := env.store.Put(ctx, newItem("01PUT", item.KindText, "draft"))
	require.NoError(t, err)

	_, err = env.store.RecordAttempt(ctx, "01PUT", item.StageIncoming, "hiccup")
	require.NoError(t, err)

	upd := created.Clone()
	upd.Content = "final"
	upd.Attempts = 0
	put, err := env.store.Put(ctx, upd)
	require.NoError(t, err)
	require.Equal(t, created.Version+1, put.Version)
	require.Equal(t, 1, put.Attempts, "bookkeeping comes from the index")

	got, err := env.store.Get(ctx, "01PUT")
	require.NoError(t, err)
	require.Equal(t, "final", got.Content)
	require.Equal(t, put.Version, got.Version)

	repr, err := env.store.load("01PUT", item.StageIncoming)
	require.NoError(t, err)
	require.Equal(t, "final", repr.Content)
}

func TestPut_StageMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	it, err := env.store.Create(ctx, newItem("01PS", item.KindText, "x"))
	require.NoError(t, err)
	_, err = env.store.Advance(ctx, it.ID, item.StageIncoming, item.StageProcessed, nil)
	require.NoError(t, err)

	// it still says incoming
	it.Content = "overwrite"
	_, err = env.store.Put(ctx, it)
	require.True(t, errors.Is(err, errors.ErrStaleStage), "got %v", err)

	got, err := env.store.Get(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "x", got.Content)
}

func TestPut_CreateEnforcesLifecycle(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		build    func() *item.Item
		wantCode errors.ErrorCode
	}{
		{
			name: "later stage",
			build: func() *item.Item {
				it := newItem("01PLREADY", item.KindTodo, "TODO: skip ahead")
				it.Stage = item.StageReady
				return it
			},
			wantCode: errors.ErrInvalidRequest,
		},
		{
			name: "text with transcript",
			build: func() *item.Item {
				it := newItem("01PLTEXT", item.KindText, "hello")
				it.Transcript = item.StringPtr("not spoken")
				return it
			},
			wantCode: errors.ErrInvalidState,
		},
		{
			name: "voice with transcript",
			build: func() *item.Item {
				it := newItem("01PLVOICE", item.KindVoice, "")
				it.Transcript = item.StringPtr("early words")
				return it
			},
			wantCode: errors.ErrInvalidState,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			it := tt.build()

			_, err := env.store.Put(ctx, it)
			require.True(t, errors.Is(err, tt.wantCode), "got %v", err)

			_, err = env.store.Create(ctx, it)
			require.True(t, errors.Is(err, tt.wantCode), "got %v", err)

			_, err = env.store.Get(ctx, it.ID)
			require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
			require.Empty(t, env.reprStages(t, it.ID))
		})
	}

	// A voice item created without a transcript can still be processed.
	env := newTestEnv(t)
	_, err := env.store.Put(ctx, newItem("01PLOK", item.KindVoice, ""))
	require.NoError(t, err)
	got, err := env.store.Advance(ctx, "01PLOK", item.StageIncoming, item.StageProcessed, func(it *item.Item) error {
		it.Transcript = item.StringPtr("real words")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "real words", *got.Transcript)
}

func TestAdvance_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01TRIP", item.KindTodo, "TODO: Buy milk"))
	require.NoError(t, err)

	steps := []struct {
		from, to item.Stage
		mutate   Mutator
	}{
		{item.StageIncoming, item.StageProcessed, nil},
		{item.StageProcessed, item.StageReady, func(it *item.Item) error {
			it.Category = item.StringPtr("todos")
			it.Formatted = item.StringPtr("- [ ] Buy milk")
			return nil
		}},
		{item.StageReady, item.StageArchived, nil},
	}

	version := int64(1)
	for _, step := range steps {
		got, err := env.store.Advance(ctx, "01TRIP", step.from, step.to, step.mutate)
		require.NoError(t, err, "%s -> %s", step.from, step.to)
		require.Equal(t, step.to, got.Stage)
		require.Greater(t, got.Version, version)
		version = got.Version

		require.Equal(t, []item.Stage{step.to}, env.reprStages(t, "01TRIP"), "exactly one representation")
	}

	// Archived representations are compressed.
	archived := env.store.path("01TRIP", item.StageArchived)
	require.Equal(t, ".zst", filepath.Ext(archived))
	repr, err := env.store.load("01TRIP", item.StageArchived)
	require.NoError(t, err)
	require.Equal(t, "todos", *repr.Category)
	require.Equal(t, item.StageArchived, repr.Stage)

	_, err = env.store.Advance(ctx, "01TRIP", item.StageArchived, item.StageReady, nil)
	require.True(t, errors.Is(err, errors.ErrInvalidState), "archived is terminal, got %v", err)
}

func TestAdvance_StaleStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01STALE", item.KindText, "x"))
	require.NoError(t, err)

	_, err = env.store.Advance(ctx, "01STALE", item.StageProcessed, item.StageReady, nil)
	require.True(t, errors.Is(err, errors.ErrStaleStage), "got %v", err)

	got, err := env.store.Get(ctx, "01STALE")
	require.NoError(t, err)
	require.Equal(t, item.StageIncoming, got.Stage)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, []item.Stage{item.StageIncoming}, env.reprStages(t, "01STALE"))
}

func TestAdvance_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01SKIP", item.KindText, "x"))
	require.NoError(t, err)

	_, err = env.store.Advance(ctx, "01SKIP", item.StageIncoming, item.StageReady, nil)
	require.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)
	require.Equal(t, []item.Stage{item.StageIncoming}, env.reprStages(t, "01SKIP"))
}

func TestAdvance_MutatorErrorAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01MUT", item.KindText, "x"))
	require.NoError(t, err)

	_, err = env.store.Advance(ctx, "01MUT", item.StageIncoming, item.StageProcessed, func(*item.Item) error {
		return errors.NewInvalidRequest("nope")
	})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest))

	got, err := env.store.Get(ctx, "01MUT")
	require.NoError(t, err)
	require.Equal(t, item.StageIncoming, got.Stage)
}

func TestAdvance_VoiceTranscript(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01VOICE", item.KindVoice, ""))
	require.NoError(t, err)

	_, err = env.store.Advance(ctx, "01VOICE", item.StageIncoming, item.StageProcessed, nil)
	require.True(t, errors.Is(err, errors.ErrInvalidState), "voice needs a transcript, got %v", err)

	got, err := env.store.Advance(ctx, "01VOICE", item.StageIncoming, item.StageProcessed, func(it *item.Item) error {
		it.Transcript = item.StringPtr("call the plumber")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "call the plumber", *got.Transcript)

	// The transcript cannot be replaced later.
	_, err = env.store.Advance(ctx, "01VOICE", item.StageProcessed, item.StageReady, func(it *item.Item) error {
		it.Transcript = item.StringPtr("something else")
		return nil
	})
	require.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)

	overwrite := got.Clone()
	overwrite.Transcript = nil
	_, err = env.store.Put(ctx, overwrite)
	require.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)
}

func TestAdvance_TranscriptOnlyForVoice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01TXT", item.KindText, "x"))
	require.NoError(t, err)

	_, err = env.store.Advance(ctx, "01TXT", item.StageIncoming, item.StageProcessed, func(it *item.Item) error {
		it.Transcript = item.StringPtr("nope")
		return nil
	})
	require.True(t, errors.Is(err, errors.ErrInvalidState), "got %v", err)
}

func TestAdvance_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01RACE", item.KindText, "x"))
	require.NoError(t, err)

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.store.Advance(ctx, "01RACE", item.StageIncoming, item.StageProcessed, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, errors.ErrStaleStage):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, stale)
	require.Equal(t, []item.Stage{item.StageProcessed}, env.reprStages(t, "01RACE"))
	require.Zero(t, env.store.locks.size())
}

func TestAdvance_ConcurrentAcrossStores(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// A second store over the same files and database, as a second process
	// would have: no shared in-process locks.
	otherDB, err := db.Init(env.base)
	require.NoError(t, err)
	t.Cleanup(func() { otherDB.Close() })
	other, err := New(otherDB, env.cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	_, err = env.store.Create(ctx, newItem("01XPROC", item.KindText, "x"))
	require.NoError(t, err)

	results := make(chan error, 2)
	for _, s := range []*Store{env.store, other} {
		go func() {
			_, err := s.Advance(ctx, "01XPROC", item.StageIncoming, item.StageProcessed, nil)
			results <- err
		}()
	}

	var wins, stale int
	for range 2 {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, errors.ErrStaleStage):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, stale)
	require.Equal(t, []item.Stage{item.StageProcessed}, env.reprStages(t, "01XPROC"))
}

func TestAdvance_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.Create(context.Background(), newItem("01CXL", item.KindText, "x"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = env.store.Advance(ctx, "01CXL", item.StageIncoming, item.StageProcessed, nil)
	require.True(t, errors.Is(err, errors.ErrCancelled))
}

func TestList_OrderedLazyRestartable(t *testing.T) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	env := newTestEnv(t)

	// More than two pages; created_at descends with i so insertion order
	// differs from list order.
	const n = 2*listPageSize + 17
	for i := range n {
		it := newItem(fmt.Sprintf("01L%04d", i), item.KindText, "x")
		it.CreatedAt = base.Add(-time.Duration(i) * time.Second).Unix()
		_, err := env.store.Create(ctx, it)
		require.NoError(t, err)
	}

	seq := env.store.List(ctx, item.StageIncoming, "")
	for pass := range 2 {
		var prev *item.Item
		count := 0
		for it, err := range seq {
			require.NoError(t, err)
			if prev != nil {
				require.True(t, prev.CreatedAt < it.CreatedAt ||
					(prev.CreatedAt == it.CreatedAt && prev.ID < it.ID), "pass %d out of order", pass)
			}
			prev = it
			count++
		}
		require.Equal(t, n, count, "pass %d", pass)
	}

	// Early exit stops iteration.
	taken := 0
	for _, err := range seq {
		require.NoError(t, err)
		taken++
		if taken == 3 {
			break
		}
	}
	require.Equal(t, 3, taken)

	for _, err := range env.store.List(ctx, "bogus", "") {
		require.True(t, errors.Is(err, errors.ErrInvalidRequest))
	}
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01ATT", item.KindVoice, ""))
	require.NoError(t, err)

	n, err := env.store.RecordAttempt(ctx, "01ATT", item.StageIncoming, "timeout")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = env.store.RecordAttempt(ctx, "01ATT", item.StageProcessed, "timeout")
	require.True(t, errors.Is(err, errors.ErrStaleStage), "got %v", err)

	_, err = env.store.RecordAttempt(ctx, "01MISSING", item.StageIncoming, "timeout")
	require.True(t, errors.Is(err, errors.ErrNotFound), "got %v", err)
}

func TestEventsRecordedOnAdvance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.store.Create(ctx, newItem("01EVT", item.KindText, "x"))
	require.NoError(t, err)
	_, err = env.store.Advance(ctx, "01EVT", item.StageIncoming, item.StageProcessed, nil)
	require.NoError(t, err)

	events, err := env.store.Events(ctx, db.EventFilter{ItemID: "01EVT", Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, item.EventAdvanced, events[0].Type)
	require.Equal(t, "incoming -> processed", events[0].Message)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock(fmt.Sprintf("id-%d", i%5))
			unlock()
		}()
	}
	wg.Wait()
	require.Zero(t, k.size())
}
