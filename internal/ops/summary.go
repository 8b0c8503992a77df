package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// DateLayout is the accepted format of summary dates.
const DateLayout = "2006-01-02"

// Uncategorized is the category bucket for items not finalized yet.
const Uncategorized = "uncategorized"

// DailySummaryInput contains parameters for the DailySummary operation.
type DailySummaryInput struct {
	Date string // YYYY-MM-DD in the configured timezone, default: today
}

// DailySummaryOutput contains the result of the DailySummary operation.
type DailySummaryOutput struct {
	Date       string         `json:"date"`
	Timezone   string         `json:"timezone"`
	Total      int            `json:"total"`
	ByKind     map[string]int `json:"by_kind"`
	ByCategory map[string]int `json:"by_category"`
	ByStage    map[string]int `json:"by_stage"`
}

// DailySummary counts the items captured on one calendar day, whatever their
// current stage. Read-only.
func DailySummary(ctx context.Context, st *store.Store, cfg *config.Config, input DailySummaryInput) (*DailySummaryOutput, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	day := st.Now().In(loc)
	if s := strings.TrimSpace(input.Date); s != "" {
		day, err = time.ParseInLocation(DateLayout, s, loc)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("date must be YYYY-MM-DD, got %q", s))
		}
	}

	rows, err := st.CountByDay(ctx, day)
	if err != nil {
		return nil, err
	}

	out := &DailySummaryOutput{
		Date:       day.Format(DateLayout),
		Timezone:   loc.String(),
		ByKind:     make(map[string]int, len(item.Kinds)),
		ByCategory: map[string]int{},
		ByStage:    make(map[string]int, len(item.Stages)),
	}
	for _, k := range item.Kinds {
		out.ByKind[string(k)] = 0
	}
	for _, s := range item.Stages {
		out.ByStage[string(s)] = 0
	}
	for _, r := range rows {
		category := r.Category
		if category == "" {
			category = Uncategorized
		}
		out.Total += r.Count
		out.ByKind[string(r.Kind)] += r.Count
		out.ByCategory[category] += r.Count
		out.ByStage[string(r.Stage)] += r.Count
	}
	return out, nil
}
