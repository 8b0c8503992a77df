package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// Mutator edits a copy of the item during a transition. Returning an error
// aborts the transition with nothing changed.
type Mutator func(it *item.Item) error

// Advance moves item id from expected to next, applying mutate to the new
// stage's content.
//
// The new representation is published in next's directory before the index
// row is swapped with a compare-and-set on (stage, version); the old
// representation is removed last. Of several concurrent callers expecting
// the same stage, in this process or another, exactly one succeeds and the
// others get STALE_STAGE.
func (s *Store) Advance(ctx context.Context, id string, expected, next item.Stage, mutate Mutator) (*item.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("advance")
	}

	unlock := s.locks.lock(id)
	defer unlock()

	cur, err := db.GetByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if cur.Stage != expected {
		return nil, errors.NewStaleStage(id, string(expected), string(cur.Stage))
	}
	if !item.CanAdvance(expected, next) {
		return nil, errors.NewInvalidState(id, string(cur.Stage),
			fmt.Sprintf("cannot move item from %s to %s", expected, next))
	}

	upd := cur.Clone()
	if mutate != nil {
		if err := mutate(upd); err != nil {
			return nil, err
		}
	}
	processingVoice := cur.Kind == item.KindVoice && expected == item.StageIncoming && next == item.StageProcessed
	if err := checkTranscript(cur, upd, processingVoice); err != nil {
		return nil, err
	}
	if processingVoice && upd.Transcript == nil {
		return nil, errors.NewInvalidState(id, string(cur.Stage), "voice items leave incoming only with a transcript")
	}

	now := s.now().Unix()
	upd.ID = cur.ID
	upd.Kind = cur.Kind
	upd.CreatedAt = cur.CreatedAt
	upd.Stage = next
	upd.UpdatedAt = now
	upd.StageChangedAt = now
	upd.Version = cur.Version + 1

	data, err := s.codec.encode(upd)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	newPath := s.path(id, next)
	if err := publish(newPath, data); err != nil {
		if err == errPublished {
			return nil, errors.NewStaleStage(id, string(expected), string(next))
		}
		return nil, errors.NewIO("publish representation", err)
	}

	ok, err := db.CompareAndSetStage(ctx, s.db, upd, expected, cur.Version)
	if err == nil && !ok {
		err = s.staleError(ctx, id, expected)
	}
	if err != nil {
		if rmErr := os.Remove(newPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Error("remove unpublished representation", "id", id, "path", newPath, "err", rmErr)
		}
		return nil, err
	}

	oldPath := s.path(id, expected)
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		// The transition is committed; the leftover is resolved by Recover.
		s.logger.Error("remove previous representation", "id", id, "path", oldPath, "err", err)
	} else {
		syncDir(filepath.Dir(oldPath))
	}

	s.logger.Info("item advanced", "id", id, "from", expected, "to", next, "version", upd.Version)
	s.AppendEvent(ctx, id, item.EventAdvanced, item.LevelInfo, fmt.Sprintf("%s -> %s", expected, next))
	return upd, nil
}

// checkTranscript enforces that a transcript is written once, and only while
// a voice item is being processed.
func checkTranscript(cur, upd *item.Item, processingVoice bool) error {
	switch {
	case cur.Transcript != nil:
		if upd.Transcript == nil || *upd.Transcript != *cur.Transcript {
			return errors.NewInvalidState(cur.ID, string(cur.Stage), "transcript is already set")
		}
	case upd.Transcript != nil && !processingVoice:
		return errors.NewInvalidState(cur.ID, string(cur.Stage), "transcript can only be set when a voice item is processed")
	}
	return nil
}
