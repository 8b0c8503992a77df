// Package sink delivers finalized documents into the knowledge base.
package sink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// Sink receives finished documents. path is relative to the sink's root.
type Sink interface {
	WriteDocument(ctx context.Context, path, content string) error
}

// Vault writes documents into an Obsidian vault directory.
type Vault struct {
	root   string
	logger *slog.Logger
}

// NewVault returns a sink rooted at an existing vault directory.
func NewVault(root string, logger *slog.Logger) (*Vault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault %s is not a directory", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Vault{root: abs, logger: logger}, nil
}

// Root returns the vault directory.
func (v *Vault) Root() string { return v.root }

// WriteDocument atomically writes content to root/path, replacing any
// previous version. Absolute paths, traversal, symlinked targets and
// non-markdown files are rejected.
func (v *Vault) WriteDocument(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled("write document")
	}
	if err := ValidatePath(path); err != nil {
		return err
	}

	target := filepath.Join(v.root, filepath.FromSlash(path))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIO("create vault folder", err)
	}
	if err := v.checkNoSymlinks(target); err != nil {
		return err
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return errors.NewInternal(err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(target)+"."+hex.EncodeToString(suffix)+".tmp")
	if err := writeFileSync(tmp, []byte(content)); err != nil {
		os.Remove(tmp)
		return errors.NewIO("write document", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return errors.NewIO("write document", err)
	}

	v.logger.Info("document written", "path", path, "bytes", len(content))
	return nil
}

// checkNoSymlinks rejects a target whose directories under the vault root,
// or the file itself, are symlinks.
func (v *Vault) checkNoSymlinks(target string) error {
	rel, err := filepath.Rel(v.root, target)
	if err != nil {
		return errors.NewInvalidRequest("path escapes the vault")
	}
	cur := v.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return errors.NewIO("inspect vault path", err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return errors.NewInvalidRequest("document path must not go through a symlink")
		}
	}
	return nil
}

// ValidatePath checks a vault-relative document path.
func ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.NewInvalidRequest("document path is required")
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return errors.NewInvalidRequest("document path must be relative to the vault")
	}
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return errors.NewInvalidRequest("document path must not contain directory traversal (..)")
		}
	}
	if !strings.EqualFold(filepath.Ext(path), ".md") {
		return errors.NewInvalidRequest("document path must have .md extension")
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// titleSlugLen bounds the slug part of generated file names.
const titleSlugLen = 40

// TargetPath returns the vault-relative path for a finalized item:
// <vault_folder>/<category folder>/<kind>_<yyyymmdd_hhmmss>_<slug>.md.
// Known categories map to their configured folder; others use the
// sanitized category name.
func TargetPath(cfg *config.Config, category string, kind item.Kind, title string, at time.Time) string {
	key := item.NormalizeCategory(category)
	folder := cfg.CategoryFolder(key)
	if folder == "" {
		folder = SanitizeFolder(key)
	}

	name := fmt.Sprintf("%s_%s", kind, at.Format("20060102_150405"))
	if slug := item.Slug(title, titleSlugLen); slug != "" {
		name += "_" + slug
	}

	parts := []string{}
	if cfg.VaultFolder != "" {
		parts = append(parts, cfg.VaultFolder)
	}
	parts = append(parts, folder, name+".md")
	return strings.Join(parts, "/")
}

// SanitizeFolder makes a category usable as a single folder name.
func SanitizeFolder(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(strings.ReplaceAll(b.String(), "..", "-"), "-. ")
	if out == "" {
		return "Uncategorized"
	}
	return out
}
