package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// SubmitInput contains parameters for the Submit operation.
type SubmitInput struct {
	Kind       string // optional; classified from Content when blank
	Content    string // text payload, required for non-voice kinds
	ContentRef string // audio file path, required for voice
	Source     item.SourceMeta
	CapturedAt time.Time // optional, default: now
}

// SubmitOutput contains the result of the Submit operation.
type SubmitOutput struct {
	ID        string     `json:"id"`
	Kind      item.Kind  `json:"kind"`
	Stage     item.Stage `json:"stage"`
	CreatedAt int64      `json:"created_at"`

	// Duplicate is true when the same source message was captured before;
	// the existing item is returned unchanged.
	Duplicate bool `json:"duplicate"`
}

// Submit captures a new item at stage incoming. Safe to call concurrently.
// Re-submitting a message with the same chat and message id is a no-op.
func Submit(ctx context.Context, st *store.Store, input SubmitInput) (*SubmitOutput, error) {
	content := strings.TrimSpace(input.Content)
	ref := strings.TrimSpace(input.ContentRef)

	var kind item.Kind
	switch {
	case strings.TrimSpace(input.Kind) != "":
		var err error
		if kind, err = parseKind(input.Kind); err != nil {
			return nil, err
		}
	case ref != "" && content == "":
		kind = item.KindVoice
	default:
		kind = item.Classify(content)
	}

	if kind == item.KindVoice {
		if ref == "" {
			return nil, errors.NewInvalidRequest("voice captures need content_ref (the audio file)")
		}
	} else {
		if content == "" {
			return nil, errors.NewInvalidRequest("content is required")
		}
		if n := item.CountChars(content); n > MaxContentChars {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("content is %d characters, limit is %d", n, MaxContentChars))
		}
	}

	capturedAt := input.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = st.Now()
	}
	id, err := item.NewID(capturedAt, input.Source)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	it := &item.Item{
		ID:         id,
		Kind:       kind,
		Stage:      item.StageIncoming,
		Content:    content,
		ContentRef: ref,
		SourceMeta: input.Source,
		CreatedAt:  capturedAt.Unix(),
	}
	if kind == item.KindVoice {
		it.Content = ""
	}

	created, err := st.Create(ctx, it)
	if errors.Is(err, errors.ErrAlreadyExists) {
		existing, getErr := st.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return &SubmitOutput{
			ID:        existing.ID,
			Kind:      existing.Kind,
			Stage:     existing.Stage,
			CreatedAt: existing.CreatedAt,
			Duplicate: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	st.AppendEvent(ctx, created.ID, item.EventCaptured, item.LevelInfo,
		fmt.Sprintf("captured %s from %s", created.Kind, sourceLabel(input.Source)))

	return &SubmitOutput{
		ID:        created.ID,
		Kind:      created.Kind,
		Stage:     created.Stage,
		CreatedAt: created.CreatedAt,
	}, nil
}

func sourceLabel(meta item.SourceMeta) string {
	switch {
	case meta.Username != "":
		return "@" + meta.Username
	case meta.ChatID != "":
		return "chat " + meta.ChatID
	case meta.MessageID != "":
		return meta.MessageID
	}
	return "cli"
}
