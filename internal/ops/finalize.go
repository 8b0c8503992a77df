package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/document"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/sink"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// FinalizeInput contains parameters for the Finalize operation.
type FinalizeInput struct {
	ID               string
	FormattedContent string // markdown written by the agent
	TargetCategory   string // e.g. "todos", "ideas", "reading list"
}

// FinalizeOutput contains the result of the Finalize operation.
type FinalizeOutput struct {
	ID           string     `json:"id"`
	Stage        item.Stage `json:"stage"`
	Category     string     `json:"category"`
	Title        string     `json:"title"`
	DocumentPath string     `json:"document_path"`

	// Delivered reports whether the document reached the vault. When false
	// the archiver retries delivery before archiving.
	Delivered     bool   `json:"delivered"`
	DeliveryError string `json:"delivery_error,omitempty"`
}

// Finalize turns a processed item into a ready document and hands it to
// the sink. Only items at processed can be finalized; anything else,
// including an item that is already ready, fails with INVALID_STATE.
// snk may be nil when no vault is configured.
func Finalize(ctx context.Context, st *store.Store, cfg *config.Config, snk sink.Sink, input FinalizeInput) (*FinalizeOutput, error) {
	id, err := requireID(input.ID)
	if err != nil {
		return nil, err
	}
	formatted := strings.TrimSpace(input.FormattedContent)
	if formatted == "" {
		return nil, errors.NewInvalidRequest("formatted_content is required")
	}
	if n := item.CountChars(formatted); n > MaxContentChars {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("formatted_content is %d characters, limit is %d", n, MaxContentChars))
	}
	category := item.NormalizeCategory(input.TargetCategory)
	if category == "" {
		return nil, errors.NewInvalidRequest("target_category is required")
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	cur, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Stage != item.StageProcessed {
		return nil, notFinalizable(cur)
	}

	doc, err := document.Render(cur, formatted, category, loc)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	path := sink.TargetPath(cfg, category, cur.Kind, doc.Title, time.Unix(cur.CreatedAt, 0).In(loc))

	updated, err := st.Advance(ctx, id, item.StageProcessed, item.StageReady, func(it *item.Item) error {
		it.Category = &category
		it.Formatted = &doc.Content
		it.DocumentPath = &path
		return nil
	})
	if errors.Is(err, errors.ErrStaleStage) {
		// Lost a race with another finalize.
		if latest, getErr := st.Get(ctx, id); getErr == nil {
			return nil, notFinalizable(latest)
		}
	}
	if err != nil {
		return nil, err
	}

	out := &FinalizeOutput{
		ID:           updated.ID,
		Stage:        updated.Stage,
		Category:     category,
		Title:        doc.Title,
		DocumentPath: path,
	}
	if snk == nil {
		out.DeliveryError = "no vault configured"
		return out, nil
	}
	if err := Deliver(ctx, st, snk, updated); err != nil {
		out.DeliveryError = err.Error()
		return out, nil
	}
	out.Delivered = true
	return out, nil
}

// Deliver writes a ready item's document to the sink and records the
// delivery. Failures are logged as events and returned.
func Deliver(ctx context.Context, st *store.Store, snk sink.Sink, it *item.Item) error {
	if it.Formatted == nil || it.DocumentPath == nil {
		return errors.NewInvalidState(it.ID, string(it.Stage), "item has no rendered document")
	}
	if err := snk.WriteDocument(ctx, *it.DocumentPath, *it.Formatted); err != nil {
		st.AppendEvent(ctx, it.ID, item.EventDelivery, item.LevelWarn, "write "+*it.DocumentPath+": "+err.Error())
		return err
	}
	if err := st.MarkDelivered(ctx, it.ID); err != nil {
		return err
	}
	return nil
}

func notFinalizable(it *item.Item) error {
	msg := "only processed items can be finalized"
	switch it.Stage {
	case item.StageIncoming:
		msg = "item has not been processed yet"
	case item.StageReady, item.StageArchived:
		msg = "item was already finalized"
	case item.StageFailed:
		msg = "item failed processing"
	}
	return errors.NewInvalidState(it.ID, string(it.Stage), msg)
}
