package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// Recovery actions.
const (
	ActionRemovedDuplicate = "removed_duplicate"
	ActionRebuiltRow       = "rebuilt_row"
	ActionMovedRowForward  = "moved_row_forward"
	ActionRewroteRepr      = "rewrote_representation"
	ActionQuarantined      = "quarantined"
)

// Resolution is one repair made by Recover.
type Resolution struct {
	ID     string     `json:"id"`
	Action string     `json:"action"`
	Stage  item.Stage `json:"stage"`
	Detail string     `json:"detail,omitempty"`
}

// RecoverReport summarizes a Recover run.
type RecoverReport struct {
	Scanned     int          `json:"scanned"`
	TempRemoved int          `json:"temp_removed"`
	Resolutions []Resolution `json:"resolutions"`
}

type foundRepr struct {
	stage item.Stage
	path  string
}

// Recover reconciles the stage directories with the index after a crash.
//
// For each item it keeps the representation of the most advanced stage and
// deletes the rest, then brings the index row in line: a missing row is
// rebuilt, a row behind the representation is moved forward, and a row ahead
// of (or without) a representation has its representation rewritten.
// Leftover temp files are removed. Recover must run before other writers
// start.
func (s *Store) Recover(ctx context.Context) (*RecoverReport, error) {
	report := &RecoverReport{Resolutions: []Resolution{}}

	found := make(map[string][]foundRepr)
	for _, stage := range item.Stages {
		entries, err := os.ReadDir(s.dir(stage))
		if err != nil {
			return nil, errors.NewIO("scan "+string(stage), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			path := filepath.Join(s.dir(stage), name)
			if strings.HasSuffix(name, tmpSuffix) {
				if err := os.Remove(path); err == nil {
					report.TempRemoved++
				}
				continue
			}
			id, ok := parseReprName(name)
			if !ok {
				continue
			}
			found[id] = append(found[id], foundRepr{stage: stage, path: path})
		}
	}

	rows, err := db.AllIDs(ctx, s.db)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(found)+len(rows))
	for id := range found {
		ids = append(ids, id)
	}
	for id := range rows {
		if _, ok := found[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, errors.NewCancelled("recover")
		}
		report.Scanned++
		res, err := s.reconcile(ctx, id, found[id])
		if err != nil {
			return report, err
		}
		for _, r := range res {
			s.logger.Warn("recovered item", "id", r.ID, "action", r.Action, "stage", r.Stage, "detail", r.Detail)
			s.AppendEvent(ctx, r.ID, item.EventRecovered, item.LevelWarn, fmt.Sprintf("%s at %s: %s", r.Action, r.Stage, r.Detail))
		}
		report.Resolutions = append(report.Resolutions, res...)
	}

	return report, nil
}

// reconcile repairs one item. reprs may be empty when only the row exists.
func (s *Store) reconcile(ctx context.Context, id string, reprs []foundRepr) ([]Resolution, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var res []Resolution

	// Most advanced first; unreadable files are moved aside.
	slices.SortFunc(reprs, func(a, b foundRepr) int { return b.stage.Rank() - a.stage.Rank() })
	var (
		best      *item.Item
		bestStage item.Stage
	)
	for _, r := range reprs {
		if best != nil {
			if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
				return res, errors.NewIO("remove duplicate representation", err)
			}
			res = append(res, Resolution{ID: id, Action: ActionRemovedDuplicate, Stage: r.stage,
				Detail: fmt.Sprintf("kept %s", bestStage)})
			continue
		}
		it, err := s.codec.decode(r.path)
		if err != nil {
			if mvErr := os.Rename(r.path, r.path+".corrupt"); mvErr != nil {
				return res, errors.NewIO("quarantine representation", mvErr)
			}
			res = append(res, Resolution{ID: id, Action: ActionQuarantined, Stage: r.stage, Detail: err.Error()})
			continue
		}
		it.ID = id
		it.Stage = r.stage
		best, bestStage = it, r.stage
	}

	row, err := db.GetByID(ctx, s.db, id)
	hasRow := err == nil
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return res, err
	}

	switch {
	case best == nil && !hasRow:
		// Nothing readable left; the quarantine resolution already says so.

	case best == nil:
		if err := s.rewrite(row); err != nil {
			return res, err
		}
		res = append(res, Resolution{ID: id, Action: ActionRewroteRepr, Stage: row.Stage, Detail: "representation missing"})

	case !hasRow:
		if err := db.ReplaceItem(ctx, s.db, best); err != nil {
			return res, err
		}
		res = append(res, Resolution{ID: id, Action: ActionRebuiltRow, Stage: bestStage, Detail: "index row missing"})

	case row.Stage.Rank() < bestStage.Rank():
		if err := db.ReplaceItem(ctx, s.db, withBookkeeping(best, row)); err != nil {
			return res, err
		}
		res = append(res, Resolution{ID: id, Action: ActionMovedRowForward, Stage: bestStage,
			Detail: fmt.Sprintf("index was at %s", row.Stage)})

	case row.Stage.Rank() > bestStage.Rank():
		if err := s.rewrite(row); err != nil {
			return res, err
		}
		if err := os.Remove(s.path(id, bestStage)); err != nil && !os.IsNotExist(err) {
			return res, errors.NewIO("remove stale representation", err)
		}
		res = append(res, Resolution{ID: id, Action: ActionRewroteRepr, Stage: row.Stage,
			Detail: fmt.Sprintf("representation was at %s", bestStage)})

	case row.Version > best.Version:
		if err := s.rewrite(row); err != nil {
			return res, err
		}
		res = append(res, Resolution{ID: id, Action: ActionRewroteRepr, Stage: row.Stage,
			Detail: fmt.Sprintf("representation version %d behind index version %d", best.Version, row.Version)})

	case best.Version > row.Version:
		if err := db.ReplaceItem(ctx, s.db, withBookkeeping(best, row)); err != nil {
			return res, err
		}
		res = append(res, Resolution{ID: id, Action: ActionRebuiltRow, Stage: bestStage,
			Detail: fmt.Sprintf("index version %d behind representation version %d", row.Version, best.Version)})
	}

	return res, nil
}

// rewrite writes the representation of it at its stage from scratch.
func (s *Store) rewrite(it *item.Item) error {
	data, err := s.codec.encode(it)
	if err != nil {
		return errors.NewInternal(err)
	}
	if err := writeAtomic(s.path(it.ID, it.Stage), data); err != nil {
		return errors.NewIO("rewrite representation", err)
	}
	return nil
}

// withBookkeeping returns repr with the index-owned counters of row.
func withBookkeeping(repr, row *item.Item) *item.Item {
	c := repr.Clone()
	c.Attempts = row.Attempts
	c.LastError = row.LastError
	c.LastAttemptAt = row.LastAttemptAt
	c.DeliveredAt = row.DeliveredAt
	return c
}
