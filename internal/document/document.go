// Package document renders finalized items as Obsidian markdown notes.
package document

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// MaxTitleLen bounds titles taken from the first line of plain text.
const MaxTitleLen = 60

const fence = "---"

// Frontmatter is the YAML header written at the top of every note.
// Keys the agent supplied in its own header survive in Extra unless they
// collide with ours.
type Frontmatter struct {
	Type       string         `yaml:"type"`
	ID         string         `yaml:"id"`
	Category   string         `yaml:"category"`
	Created    string         `yaml:"created"`
	Status     string         `yaml:"status,omitempty"`
	Source     string         `yaml:"source"`
	CapturedBy string         `yaml:"captured_by,omitempty"`
	Tags       []string       `yaml:"tags,flow"`
	Extra      map[string]any `yaml:",inline"`
}

// Document is a rendered note ready for the sink.
type Document struct {
	Title   string
	Content string
}

var md = goldmark.New()

// Render builds the note for it from the agent's formatted markdown.
// A leading YAML header in formatted is merged into the generated one.
// When the body has no heading, one is added from the derived title.
func Render(it *item.Item, formatted, category string, loc *time.Location) (*Document, error) {
	if loc == nil {
		loc = time.UTC
	}
	header, body := splitFrontmatter(formatted)
	body = strings.TrimSpace(body)
	created := time.Unix(it.CreatedAt, 0).In(loc)

	title, hasHeading := Title([]byte(body))
	if title == "" {
		title = item.Truncate(firstLine(it.Text()), MaxTitleLen)
	}
	if title == "" {
		title = fmt.Sprintf("%s %s", kindLabel(it.Kind), created.Format("2006-01-02 15:04"))
	}

	fm := Frontmatter{
		Type:       frontmatterType(it.Kind),
		ID:         it.ID,
		Category:   category,
		Created:    created.Format(time.RFC3339),
		Source:     "telegram",
		CapturedBy: it.SourceMeta.Username,
		Tags:       tags(it.Kind, category, header["tags"]),
		Extra:      header,
	}
	if it.Kind == item.KindTodo {
		fm.Status = "open"
	}
	if s, ok := header["status"].(string); ok && s != "" {
		fm.Status = s
	}
	for _, k := range []string{"type", "id", "category", "created", "status", "source", "captured_by", "tags"} {
		delete(fm.Extra, k)
	}

	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	buf.WriteString(fence + "\n\n")

	if !hasHeading {
		fmt.Fprintf(&buf, "# %s\n\n", title)
	}
	if body != "" {
		buf.WriteString(body)
		buf.WriteString("\n\n")
	}
	fmt.Fprintf(&buf, "%s\n*Captured from Telegram at %s*\n", fence, created.Format("2006-01-02 15:04"))

	return &Document{Title: title, Content: buf.String()}, nil
}

// Title returns the text of the first heading in src. Without a heading it
// falls back to the first line of the first paragraph and reports false.
func Title(src []byte) (string, bool) {
	doc := md.Parser().Parse(text.NewReader(src))

	var heading, para ast.Node
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			heading = n
			return ast.WalkStop, nil
		case ast.KindParagraph:
			if para == nil {
				para = n
			}
		}
		return ast.WalkContinue, nil
	})

	if heading != nil {
		return strings.TrimSpace(plainText(heading, src)), true
	}
	if para != nil {
		return item.Truncate(firstLine(plainText(para, src)), MaxTitleLen), false
	}
	return "", false
}

// plainText concatenates the literal text below n, dropping markup.
func plainText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// Split returns the YAML frontmatter of a rendered document and the
// markdown that follows it.
func Split(content string) (map[string]any, string) {
	return splitFrontmatter(content)
}

// splitFrontmatter separates a leading "---" YAML block from the body.
func splitFrontmatter(s string) (map[string]any, string) {
	trimmed := strings.TrimLeft(s, "\ufeff \t\r\n")
	if !strings.HasPrefix(trimmed, fence+"\n") && !strings.HasPrefix(trimmed, fence+"\r\n") {
		return map[string]any{}, s
	}
	rest := trimmed[strings.Index(trimmed, "\n")+1:]
	end := -1
	offset := 0
	for _, line := range strings.SplitAfter(rest, "\n") {
		if strings.TrimRight(line, "\r\n") == fence {
			end = offset
			break
		}
		offset += len(line)
	}
	if end < 0 {
		return map[string]any{}, s
	}

	header := map[string]any{}
	if err := yaml.Unmarshal([]byte(rest[:end]), &header); err != nil {
		// Not a header after all; keep it as body text.
		return map[string]any{}, s
	}
	if header == nil {
		header = map[string]any{}
	}
	body := ""
	if i := strings.Index(rest[end:], "\n"); i >= 0 {
		body = rest[end+i+1:]
	}
	return header, body
}

func tags(kind item.Kind, category string, extra any) []string {
	var out []string
	add := func(t string) {
		t = item.NormalizeCategory(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	add("telegram")
	switch kind {
	case item.KindVoice:
		add("voice")
		add("transcription")
	case item.KindText:
		add("quick-capture")
	default:
		add(string(kind))
	}
	add(category)

	switch v := extra.(type) {
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				add(s)
			}
		}
	case string:
		for _, t := range strings.Split(v, ",") {
			add(t)
		}
	}
	return out
}

func frontmatterType(kind item.Kind) string {
	switch kind {
	case item.KindVoice:
		return "voice-note"
	case item.KindText:
		return "note"
	}
	return string(kind)
}

func kindLabel(kind item.Kind) string {
	switch kind {
	case item.KindVoice:
		return "Voice Note"
	case item.KindTodo:
		return "TODO"
	case item.KindIdea:
		return "Idea"
	case item.KindLink:
		return "Link"
	}
	return "Quick Note"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
