package ops

import (
	"context"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// GetContentInput contains parameters for the GetContent operation.
type GetContentInput struct {
	ID string
}

// GetContentOutput is the full item plus the text the agent should work on.
type GetContentOutput struct {
	item.Item

	// Text is the transcript for voice items, the content otherwise
	Text string `json:"text"`
}

// GetContent retrieves an item with all of its payloads.
func GetContent(ctx context.Context, st *store.Store, input GetContentInput) (*GetContentOutput, error) {
	id, err := requireID(input.ID)
	if err != nil {
		return nil, err
	}
	it, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &GetContentOutput{Item: *it, Text: it.Text()}, nil
}
