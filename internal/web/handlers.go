package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/ops"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	st       *store.Store
	cfg      *config.Config
	renderer *Renderer
}

// HandleList handles GET /items: item summaries at one stage.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := ops.ListPending(r.Context(), h.st, ops.ListPendingInput{
		Stage:  q.Get("stage"),
		Kind:   q.Get("kind"),
		Limit:  parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, "list", ListPageData{
		PageData:   h.renderer.page(stageTitle(result.Stage), string(result.Stage)),
		Stage:      result.Stage,
		Kind:       q.Get("kind"),
		Stages:     item.Stages,
		Items:      result.Items,
		Pagination: result.Pagination,
	})
}

// HandleDetail handles GET /items/{id}: one item, its note and its history.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("item id is required"))
		return
	}

	it, err := ops.GetContent(r.Context(), h.st, ops.GetContentInput{ID: id})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, it)
		return
	}

	events, err := ops.Events(r.Context(), h.st, ops.EventsInput{ItemID: it.ID, Limit: ops.DefaultEventLimit})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	data := DetailPageData{
		PageData: h.renderer.page(displayName(it), string(it.Stage)),
		Item:     it,
		Events:   events.Events,
	}
	if it.Formatted != nil {
		data.Frontmatter, data.RenderedHTML = renderDocument(*it.Formatted)
	}
	h.renderer.renderPage(w, "detail", data)
}

// HandleSummary handles GET /summary: counts for one day.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	result, err := ops.DailySummary(r.Context(), h.st, h.cfg, ops.DailySummaryInput{
		Date: r.URL.Query().Get("date"),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	data := SummaryPageData{
		PageData:   h.renderer.page("Summary "+result.Date, "summary"),
		Summary:    result,
		Kinds:      countFields(result.ByKind),
		Categories: countFields(result.ByCategory),
		Stages:     countFields(result.ByStage),
	}
	if day, err := time.Parse(ops.DateLayout, result.Date); err == nil {
		data.Prev = day.AddDate(0, 0, -1).Format(ops.DateLayout)
		data.Next = day.AddDate(0, 0, 1).Format(ops.DateLayout)
	}
	h.renderer.renderPage(w, "summary", data)
}

// HandleEvents handles GET /events: the audit log, newest first.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	result, err := ops.Events(r.Context(), h.st, ops.EventsInput{
		ItemID: r.URL.Query().Get("item_id"),
		Level:  level,
		Limit:  parseIntParam(r, "limit", ops.DefaultEventLimit),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, "events", EventsPageData{
		PageData: h.renderer.page("Events", "events"),
		Level:    level,
		Events:   result.Events,
	})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

func stageTitle(s item.Stage) string {
	switch s {
	case item.StageIncoming:
		return "Incoming"
	case item.StageProcessed:
		return "Processed"
	case item.StageReady:
		return "Ready for Obsidian"
	case item.StageArchived:
		return "Archived"
	case item.StageFailed:
		return "Failed"
	}
	return string(s)
}

// displayName is the item's preview line, or a shortened id.
func displayName(it *ops.GetContentOutput) string {
	if title := item.Truncate(firstLine(it.Text), 60); title != "" {
		return title
	}
	if len(it.ID) > 10 {
		return it.ID[:10] + "..."
	}
	return it.ID
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
