// Package watcher drives items out of the incoming stage: it ingests the
// capture inbox, transcribes voice items and advances them to processed.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// VoiceTranscriber turns a voice item into text. *transcribe.Adapter
// implements it.
type VoiceTranscriber interface {
	Transcribe(ctx context.Context, it *item.Item) (string, error)
}

// debounce coalesces bursts of filesystem events into one scan.
const debounce = 250 * time.Millisecond

// dirPerm is the mode of directories the watcher creates.
const dirPerm = 0700

// ScanReport summarizes one pass.
type ScanReport struct {
	Ingested  int      `json:"ingested"`
	Rejected  int      `json:"rejected"`
	Processed []string `json:"processed"`
	Retrying  []string `json:"retrying"`
	Failed    []string `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    int      `json:"errors"`
}

// Watcher moves incoming items to processed.
type Watcher struct {
	st          *store.Store
	cfg         *config.Config
	transcriber VoiceTranscriber
	logger      *slog.Logger
}

// New returns a Watcher. transcriber may be nil, in which case voice items
// wait in incoming until one is configured.
func New(st *store.Store, cfg *config.Config, transcriber VoiceTranscriber, logger *slog.Logger) *Watcher {
	return &Watcher{st: st, cfg: cfg, transcriber: transcriber, logger: logger}
}

// Scan makes one pass: ingest the inbox, then handle every incoming item
// oldest first. Per-item problems are logged and counted; only a failure to
// list incoming items is returned.
func (w *Watcher) Scan(ctx context.Context) (*ScanReport, error) {
	report := &ScanReport{Processed: []string{}, Retrying: []string{}, Failed: []string{}}
	w.ingestInbox(ctx, report)

	for it, err := range w.st.List(ctx, item.StageIncoming, "") {
		if err != nil {
			return report, err
		}
		if ctx.Err() != nil {
			return report, errors.NewCancelled("scan")
		}
		w.handle(ctx, it, report)
	}
	return report, nil
}

func (w *Watcher) handle(ctx context.Context, it *item.Item, report *ScanReport) {
	if it.Kind != item.KindVoice {
		w.advance(ctx, it.ID, item.StageProcessed, nil, report)
		return
	}

	if w.transcriber == nil {
		w.logger.Debug("voice item waiting for a transcriber", "id", it.ID)
		report.Skipped++
		return
	}
	maxAttempts := max(w.cfg.Watcher.MaxAttempts, 1)
	if it.Attempts >= maxAttempts {
		// Exhausted before a crash could mark it failed.
		w.fail(ctx, it.ID, it.Attempts, strValue(it.LastError), report)
		return
	}
	if it.LastAttemptAt != nil {
		next := time.Unix(*it.LastAttemptAt, 0).Add(w.cfg.Watcher.RetryBackoff.Std())
		if w.st.Now().Before(next) {
			report.Skipped++
			return
		}
	}

	text, err := w.transcriber.Transcribe(ctx, it)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the attempt does not count.
			return
		}
		if !errors.Is(err, errors.ErrTranscriptionError) {
			w.logger.Error("transcription rejected", "id", it.ID, "err", err)
			report.Errors++
			return
		}
		w.recordFailure(ctx, it, err, maxAttempts, report)
		return
	}

	w.advance(ctx, it.ID, item.StageProcessed, func(upd *item.Item) error {
		upd.Transcript = &text
		return nil
	}, report)
}

func (w *Watcher) recordFailure(ctx context.Context, it *item.Item, cause error, maxAttempts int, report *ScanReport) {
	attempts, err := w.st.RecordAttempt(ctx, it.ID, item.StageIncoming, cause.Error())
	if err != nil {
		if errors.Is(err, errors.ErrStaleStage) || errors.Is(err, errors.ErrNotFound) {
			report.Skipped++
			return
		}
		w.logger.Error("record attempt", "id", it.ID, "err", err)
		report.Errors++
		return
	}

	w.st.AppendEvent(ctx, it.ID, item.EventTranscription, item.LevelWarn,
		fmt.Sprintf("attempt %d/%d: %v", attempts, maxAttempts, cause))
	if attempts >= maxAttempts {
		w.fail(ctx, it.ID, attempts, cause.Error(), report)
		return
	}
	w.logger.Warn("transcription will be retried", "id", it.ID, "attempt", attempts, "max", maxAttempts,
		"backoff", w.cfg.Watcher.RetryBackoff.Std())
	report.Retrying = append(report.Retrying, it.ID)
}

// fail moves an item to the terminal failed marker.
func (w *Watcher) fail(ctx context.Context, id string, attempts int, cause string, report *ScanReport) {
	reason := fmt.Sprintf("transcription failed after %d attempts", attempts)
	if cause != "" {
		reason += ": " + cause
	}
	_, err := w.st.Advance(ctx, id, item.StageIncoming, item.StageFailed, func(upd *item.Item) error {
		upd.FailureReason = &reason
		return nil
	})
	if err != nil {
		w.advanceError(id, item.StageFailed, err, report)
		return
	}
	w.logger.Error("item failed", "id", id, "reason", reason)
	w.st.AppendEvent(ctx, id, item.EventFailed, item.LevelError, reason)
	report.Failed = append(report.Failed, id)
}

func (w *Watcher) advance(ctx context.Context, id string, next item.Stage, mutate store.Mutator, report *ScanReport) {
	if _, err := w.st.Advance(ctx, id, item.StageIncoming, next, mutate); err != nil {
		w.advanceError(id, next, err, report)
		return
	}
	report.Processed = append(report.Processed, id)
}

func (w *Watcher) advanceError(id string, next item.Stage, err error, report *ScanReport) {
	switch {
	case errors.Is(err, errors.ErrStaleStage):
		// Someone else moved it.
		report.Skipped++
	case errors.Is(err, errors.ErrCancelled):
	default:
		w.logger.Error("advance failed, retrying next cycle", "id", id, "to", next, "err", err)
		report.Errors++
	}
}

// Run scans on every poll interval and shortly after files appear in the
// inbox or the incoming dir. It returns when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.cfg.Watcher.PollInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if fsw, err := fsnotify.NewWatcher(); err != nil {
		w.logger.Warn("filesystem notifications unavailable, polling only", "err", err)
	} else {
		defer fsw.Close()
		for _, dir := range []string{w.cfg.InboxDir(), w.cfg.StageDir(string(item.StageIncoming))} {
			if err := os.MkdirAll(dir, dirPerm); err != nil {
				return errors.NewIO("create watched directory", err)
			}
			if err := fsw.Add(dir); err != nil {
				w.logger.Warn("cannot watch directory", "dir", dir, "err", err)
			}
		}
		events, errs = fsw.Events, fsw.Errors
	}

	w.logger.Info("watcher started", "poll_interval", interval, "max_attempts", w.cfg.Watcher.MaxAttempts)
	w.scan(ctx)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
			w.scan(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if settle == nil && relevant(ev) {
				settle = time.After(debounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("filesystem watch error", "err", err)
		case <-settle:
			settle = nil
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	start := time.Now()
	report, err := w.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("scan failed", "err", err)
		}
		return
	}
	if report.Ingested+report.Rejected+len(report.Processed)+len(report.Retrying)+len(report.Failed)+report.Errors == 0 {
		return
	}
	w.logger.Info("scan complete",
		"ingested", report.Ingested,
		"rejected", report.Rejected,
		"processed", len(report.Processed),
		"retrying", len(report.Retrying),
		"failed", len(report.Failed),
		"errors", report.Errors,
		"elapsed", time.Since(start))
}

// relevant filters out removals and our own hidden temp files.
func relevant(ev fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename)
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
