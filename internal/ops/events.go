package ops

import (
	"context"
	"strings"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// EventsInput contains parameters for the Events operation.
type EventsInput struct {
	ItemID string // optional
	Level  string // optional: info, warn or error
	Limit  int    // default: 50, max: 500
}

// EventsOutput contains the result of the Events operation.
type EventsOutput struct {
	Events []item.Event `json:"events"`
}

// Events lists the pipeline's audit log, newest first.
func Events(ctx context.Context, st *store.Store, input EventsInput) (*EventsOutput, error) {
	level := strings.ToLower(strings.TrimSpace(input.Level))
	switch level {
	case "", item.LevelInfo, item.LevelWarn, item.LevelError:
	default:
		return nil, errors.NewInvalidRequest("level must be info, warn or error")
	}

	events, err := st.Events(ctx, db.EventFilter{
		ItemID: strings.TrimSpace(input.ItemID),
		Level:  level,
		Limit:  clampLimit(input.Limit, DefaultEventLimit, MaxEventLimit),
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []item.Event{}
	}
	return &EventsOutput{Events: events}, nil
}
