package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/document"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/ops"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Nav     string // active nav item: a stage name, "summary" or "events"
}

// ListPageData is the template data for the item list page.
type ListPageData struct {
	PageData
	Stage      item.Stage
	Kind       string
	Stages     []item.Stage
	Items      []item.Summary
	Pagination ops.Pagination
}

// DetailPageData is the template data for the item detail page.
type DetailPageData struct {
	PageData
	Item         *ops.GetContentOutput
	Frontmatter  []Field
	RenderedHTML template.HTML
	Events       []item.Event
}

// Field is one frontmatter key shown on the detail page.
type Field struct {
	Key   string
	Value string
}

// SummaryPageData is the template data for the daily summary page.
type SummaryPageData struct {
	PageData
	Summary    *ops.DailySummaryOutput
	Kinds      []Field
	Categories []Field
	Stages     []Field
	Prev, Next string
}

// EventsPageData is the template data for the audit log page.
type EventsPageData struct {
	PageData
	Level  string
	Events []item.Event
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	loc       *time.Location
	logger    *slog.Logger
}

// NewRenderer parses the page templates from templateFS. Times are shown in
// loc.
func NewRenderer(templateFS fs.FS, version string, loc *time.Location, logger *slog.Logger) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	funcMap := template.FuncMap{
		"add":        func(a, b int) int { return a + b },
		"sub":        func(a, b int) int { return a - b },
		"formatTime": func(unix int64) string { return formatTime(unix, loc) },
		"ago":        ago,
		"comma":      func(n int) string { return humanize.Comma(int64(n)) },
		"deref":      deref,
		"hasValue":   hasValue,
	}

	layout, err := template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	pages := map[string]string{
		"list":    "list.html",
		"detail":  "detail.html",
		"summary": "summary.html",
		"events":  "events.html",
		"error":   "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t, err := layout.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(templateFS, file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		templates[name] = t
	}

	return &Renderer{templates: templates, version: version, loc: loc, logger: logger}, nil
}

func (r *Renderer) page(title, nav string) PageData {
	return PageData{Title: title, Version: r.version, Nav: nav}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, name string, data any) {
	r.renderPageStatus(w, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.logger.Error("template not found", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.logger.Error("template execution failed", "template", name, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response with content negotiation. Internal
// details are logged, not shown.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	var pErr *errors.Error
	if !stderrors.As(err, &pErr) {
		pErr = errors.NewInternal(err)
	}

	status := pErr.Status
	message := pErr.Message
	if pErr.Code == errors.ErrInternal || pErr.Code == errors.ErrIO {
		r.logger.Error("request failed", "path", req.URL.Path, "err", err)
		message = "an internal error occurred"
	}

	if wantsJSON(req) {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    string(pErr.Code),
				"message": message,
				"status":  status,
			},
		})
		return
	}

	r.renderPageStatus(w, status, "error", ErrorPageData{
		PageData:   r.page(fmt.Sprintf("Error %d", status), ""),
		StatusCode: status,
		Message:    message,
	})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// renderMarkdown converts markdown to HTML. Raw HTML in the source is
// escaped by goldmark's default renderer.
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(src) + "</pre>")
	}
	return template.HTML(buf.String())
}

// renderDocument splits a finalized note into sorted frontmatter fields and
// the HTML of its body.
func renderDocument(content string) ([]Field, template.HTML) {
	header, body := document.Split(content)
	fields := make([]Field, 0, len(header))
	for k, v := range header {
		fields = append(fields, Field{Key: k, Value: fieldValue(v)})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	return fields, renderMarkdown(body)
}

func fieldValue(v any) string {
	switch v := v.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	case time.Time:
		return v.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// countFields orders a count map by descending count, then name.
func countFields(m map[string]int) []Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	out := make([]Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, Field{Key: k, Value: humanize.Comma(int64(m[k]))})
	}
	return out
}

// formatTime formats a Unix timestamp as "2006-01-02 15:04" in loc.
func formatTime(unix int64, loc *time.Location) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).In(loc).Format("2006-01-02 15:04")
}

// ago renders a Unix timestamp relative to now, e.g. "3 hours ago".
func ago(unix int64) string {
	if unix == 0 {
		return ""
	}
	return humanize.Time(time.Unix(unix, 0))
}

// deref dereferences a pointer, returning the zero value if nil.
func deref(v any) any {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Zero(rv.Type().Elem()).Interface()
		}
		return rv.Elem().Interface()
	}
	return v
}

// hasValue checks if a pointer value is non-nil.
func hasValue(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		return !rv.IsNil()
	}
	return true
}
