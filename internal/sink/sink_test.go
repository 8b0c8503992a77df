package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/logging"
)

func newVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	return v
}

func TestVault_WriteDocument(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()

	path := "Telegram Captures/TODOs/todo_20240102_030405_buy-milk.md"
	require.NoError(t, v.WriteDocument(ctx, path, "# Buy milk\n"))

	data, err := os.ReadFile(filepath.Join(v.Root(), filepath.FromSlash(path)))
	require.NoError(t, err)
	require.Equal(t, "# Buy milk\n", string(data))

	// Rewriting replaces the content.
	require.NoError(t, v.WriteDocument(ctx, path, "# Buy oat milk\n"))
	data, err = os.ReadFile(filepath.Join(v.Root(), filepath.FromSlash(path)))
	require.NoError(t, err)
	require.Equal(t, "# Buy oat milk\n", string(data))

	entries, err := os.ReadDir(filepath.Join(v.Root(), "Telegram Captures", "TODOs"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestVault_RejectsBadPaths(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()

	for _, path := range []string{
		"",
		"/etc/passwd.md",
		"../outside.md",
		"notes/../../outside.md",
		"notes/readme.txt",
	} {
		err := v.WriteDocument(ctx, path, "x")
		require.True(t, errors.Is(err, errors.ErrInvalidRequest), "path %q: got %v", path, err)
	}
}

func TestVault_RejectsSymlinks(t *testing.T) {
	v := newVault(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(v.Root(), "linked")))

	err := v.WriteDocument(context.Background(), "linked/note.md", "x")
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

	_, statErr := os.Stat(filepath.Join(outside, "note.md"))
	require.True(t, os.IsNotExist(statErr))
}

func TestVault_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newVault(t).WriteDocument(ctx, "a.md", "x")
	require.True(t, errors.Is(err, errors.ErrCancelled))
}

func TestNewVault_Missing(t *testing.T) {
	_, err := NewVault(filepath.Join(t.TempDir(), "nope"), logging.Discard())
	require.Error(t, err)
}

func TestTargetPath(t *testing.T) {
	cfg := config.DefaultConfig()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name     string
		category string
		kind     item.Kind
		title    string
		want     string
	}{
		{"known category", "todos", item.KindTodo, "Buy milk", "Telegram Captures/TODOs/todo_20240102_030405_buy-milk.md"},
		{"category case", " Ideas ", item.KindIdea, "Solar kettle", "Telegram Captures/Ideas/idea_20240102_030405_solar-kettle.md"},
		{"unknown category", "Reading List", item.KindLink, "Go blog", "Telegram Captures/reading-list/link_20240102_030405_go-blog.md"},
		{"hostile category", "../etc", item.KindText, "x", "Telegram Captures/etc/text_20240102_030405_x.md"},
		{"no title", "notes", item.KindText, "", "Telegram Captures/Quick Notes/text_20240102_030405.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TargetPath(cfg, tt.category, tt.kind, tt.title, at)
			require.Equal(t, tt.want, got)
			require.NoError(t, ValidatePath(got))
		})
	}
}

func TestTargetPath_ConfiguredFolders(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.VaultFolder = ""
	cfg.CategoryFolders = map[string]string{"reading-list": "Reading"}

	got := TargetPath(cfg, "Reading List", item.KindLink, "Go blog", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.Equal(t, "Reading/link_20240102_030405_go-blog.md", got)
}
