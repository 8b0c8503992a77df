// Package archiver retires ready items once they have sat in the ready stage
// for the configured retention window.
package archiver

import (
	"context"
	"log/slog"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/ops"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/sink"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// Failure is one item the sweep could not archive.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Report summarizes one sweep.
type Report struct {
	Checked  int       `json:"checked"`
	Archived []string  `json:"archived"`
	Failures []Failure `json:"failures"`
}

// Archiver moves ready items to archived.
type Archiver struct {
	st     *store.Store
	cfg    *config.Config
	sink   sink.Sink
	logger *slog.Logger
}

// New returns an Archiver. snk may be nil when no vault is configured;
// undelivered items are then archived with their rendered document kept
// in the record only.
func New(st *store.Store, cfg *config.Config, snk sink.Sink, logger *slog.Logger) *Archiver {
	return &Archiver{st: st, cfg: cfg, sink: snk, logger: logger}
}

// Sweep archives every item that reached ready at least one retention
// window ago. Undelivered documents are written to the sink first; an item
// whose delivery fails stays ready for the next sweep. Per-item failures
// are collected, never returned.
func (a *Archiver) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{Archived: []string{}, Failures: []Failure{}}
	cutoff := a.st.Now().Add(-a.cfg.Archiver.Retention.Std())

	due, err := a.st.ReadyBefore(ctx, cutoff)
	if err != nil {
		return report, err
	}

	for _, it := range due {
		if ctx.Err() != nil {
			return report, errors.NewCancelled("archive sweep")
		}
		report.Checked++

		if it.DeliveredAt == nil {
			if a.sink == nil {
				a.logger.Warn("archiving undelivered item, no vault configured", "id", it.ID)
			} else if err := ops.Deliver(ctx, a.st, a.sink, it); err != nil {
				a.logger.Warn("delivery failed, item stays ready", "id", it.ID, "err", err)
				report.Failures = append(report.Failures, Failure{ID: it.ID, Error: err.Error()})
				continue
			}
		}

		if _, err := a.st.Advance(ctx, it.ID, item.StageReady, item.StageArchived, nil); err != nil {
			if errors.Is(err, errors.ErrStaleStage) {
				// Archived by a concurrent sweep.
				continue
			}
			a.logger.Error("archive failed", "id", it.ID, "err", err)
			report.Failures = append(report.Failures, Failure{ID: it.ID, Error: err.Error()})
			continue
		}
		report.Archived = append(report.Archived, it.ID)
	}
	return report, nil
}

// Run sweeps immediately and then on every archiver interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	interval := a.cfg.Archiver.Interval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("archiver started", "interval", interval, "retention", a.cfg.Archiver.Retention.Std())
	for {
		a.sweep(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	report, err := a.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("archive sweep failed", "err", err)
		}
		return
	}
	if report.Checked == 0 {
		return
	}
	a.logger.Info("archive sweep complete",
		"checked", report.Checked,
		"archived", len(report.Archived),
		"failures", len(report.Failures))
}
