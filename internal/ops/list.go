package ops

import (
	"context"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// ListPendingInput contains parameters for the ListPending operation.
type ListPendingInput struct {
	Stage  string // default: processed; "failed" lists items that gave up
	Kind   string // optional
	Limit  int    // default: 20, max: 100
	Offset int    // default: 0
}

// ListPendingOutput contains the result of the ListPending operation.
type ListPendingOutput struct {
	Stage      item.Stage     `json:"stage"`
	Items      []item.Summary `json:"items"`
	Pagination Pagination     `json:"pagination"`
	Sort       string         `json:"sort"`
}

// ListPending returns item summaries at a stage, oldest first.
func ListPending(ctx context.Context, st *store.Store, input ListPendingInput) (*ListPendingOutput, error) {
	stage, err := parseStage(input.Stage, item.StageProcessed)
	if err != nil {
		return nil, err
	}
	kind, err := parseKind(input.Kind)
	if err != nil {
		return nil, err
	}

	limit := clampLimit(input.Limit, DefaultListLimit, MaxListLimit)
	offset := max(input.Offset, 0)

	items, total, err := st.Page(ctx, db.PageFilter{Stage: stage, Kind: kind, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}

	summaries := make([]item.Summary, 0, len(items))
	for _, it := range items {
		summaries = append(summaries, it.ToSummary())
	}

	return &ListPendingOutput{
		Stage: stage,
		Items: summaries,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(summaries) < total,
			Total:   total,
		},
		Sort: "created_at_asc",
	}, nil
}
