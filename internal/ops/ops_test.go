package ops

import (
	"context"
	"fmt"
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
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

type testEnv struct {
	st   *store.Store
	cfg  *config.Config
	base string

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.BaseDir = base
	cfg.ContentDir = filepath.Join(base, "content")
	cfg.Timezone = "UTC"

	database, err := db.Init(base)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	env := &testEnv{cfg: cfg, base: base, now: time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)}
	st, err := store.New(database, cfg, logging.Discard(), store.WithClock(env.clock))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	env.st = st
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advanceClock(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

// submitProcessed captures a text item and moves it to processed.
func (e *testEnv) submitProcessed(t *testing.T, content string) string {
	t.Helper()
	out, err := Submit(context.Background(), e.st, SubmitInput{Content: content})
	require.NoError(t, err)
	_, err = e.st.Advance(context.Background(), out.ID, item.StageIncoming, item.StageProcessed, nil)
	require.NoError(t, err)
	return out.ID
}

// fakeSink records documents in memory.
type fakeSink struct {
	mu   sync.Mutex
	docs map[string]string
	err  error
}

func newFakeSink() *fakeSink { return &fakeSink{docs: map[string]string{}} }

func (f *fakeSink) WriteDocument(_ context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.docs[path] = content
	return nil
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		in      string
		want    item.Stage
		wantErr bool
	}{
		{"", item.StageProcessed, false},
		{"ready_for_obsidian", item.StageReady, false},
		{" Failed ", item.StageFailed, false},
		{"done", "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.in), func(t *testing.T) {
			got, err := parseStage(tt.in, item.StageProcessed)
			if tt.wantErr {
				require.True(t, errors.Is(err, errors.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, 20, clampLimit(0, 20, 100))
	require.Equal(t, 20, clampLimit(-5, 20, 100))
	require.Equal(t, 7, clampLimit(7, 20, 100))
	require.Equal(t, 100, clampLimit(1000, 20, 100))
}

func eventsFor(id string) db.EventFilter {
	return db.EventFilter{ItemID: id}
}
