package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// ExportSchemaVersion is written in the header line of every export.
const ExportSchemaVersion = "1.0"

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path  string // optional, default: <base>/exports/<stage|all>-<timestamp>.jsonl
	Stage string // optional filter
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of a JSONL export file.
type ExportHeader struct {
	BridgeExport  bool   `json:"_bridge_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
	Stage         string `json:"stage,omitempty"`
}

// Export writes every indexed item, index bookkeeping included, to a JSONL
// file. The file is written to a temp name and renamed into place, so an
// existing export is never left half-written.
func Export(ctx context.Context, st *store.Store, cfg *config.Config, input ExportInput) (*ExportOutput, error) {
	now := st.Now()
	exportedAt := now.Unix()

	var stage item.Stage
	if input.Stage != "" {
		var err error
		if stage, err = parseStage(input.Stage, ""); err != nil {
			return nil, err
		}
	}

	exportPath := input.Path
	if exportPath == "" {
		name := "all"
		if stage != "" {
			name = string(stage)
		}
		exportPath = filepath.Join(cfg.ExportsDir(), fmt.Sprintf("%s-%s.jsonl", name, now.Format("2006-01-02T150405")))
	}
	if err := ValidateExportPath(exportPath, cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewIO("create export directory", err)
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidRequest) {
			return nil, err
		}
		return nil, errors.NewIO("create export file", err)
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	if err := enc.Encode(ExportHeader{
		BridgeExport:  true,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    exportedAt,
		Stage:         string(stage),
	}); err != nil {
		return nil, errors.NewIO("write export", err)
	}

	rows, err := db.StreamForExport(ctx, st.DB(), stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled("export")
		}
		it, err := db.ScanItemFromRows(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		if err := enc.Encode(it); err != nil {
			return nil, errors.NewIO("write export", err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewIO("sync export", err)
	}
	// Close before the rename (required on Windows).
	if err := file.Close(); err != nil {
		return nil, errors.NewIO("close export", err)
	}
	file = nil

	// os.Rename would follow a symlink planted since validation.
	if info, err := os.Lstat(exportPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, errors.NewInvalidRequest("export path is a symlink")
	}
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewIO("finalize export", err)
	}

	success = true
	return &ExportOutput{
		Path:       exportPath,
		Count:      count,
		ExportedAt: exportedAt,
	}, nil
}
