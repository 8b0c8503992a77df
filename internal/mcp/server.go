package mcp

import (
	"context"
	"log/slog"
	"os"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/sink"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

func stageNames() []string {
	names := make([]string, 0, len(item.Stages))
	for _, s := range item.Stages {
		names = append(names, string(s))
	}
	return names
}

func kindNames() []string {
	names := make([]string, 0, len(item.Kinds))
	for _, k := range item.Kinds {
		names = append(names, string(k))
	}
	return names
}

var listPendingToolDef = mcp.NewTool("pipeline_list_pending",
	mcp.WithDescription("List captured items waiting at a pipeline stage, oldest first. "+
		"Defaults to processed: items ready to be formatted and finalized. "+
		"Use stage=failed to see voice notes that could not be transcribed."),
	mcp.WithString("stage", mcp.Description("Stage to list (default processed)"), mcp.Enum(stageNames()...)),
	mcp.WithString("kind", mcp.Description("Only items of this kind"), mcp.Enum(kindNames()...)),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Items to skip")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var getContentToolDef = mcp.NewTool("pipeline_get_content",
	mcp.WithDescription("Fetch one item in full: original text or transcript, source metadata and, "+
		"once finalized, the rendered document. The text field holds what should be formatted."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var finalizeToolDef = mcp.NewTool("pipeline_finalize",
	mcp.WithDescription("Publish a processed item as an Obsidian note. Supply the formatted markdown "+
		"(optionally with YAML frontmatter) and a category such as todos, ideas, links or notes. "+
		"The item moves to ready and the note is written to the vault. "+
		"Fails with INVALID_STATE if the item is not at processed, so retrying is safe."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Item id")),
	mcp.WithString("formatted_content", mcp.Required(), mcp.Description("Markdown body of the note")),
	mcp.WithString("target_category", mcp.Required(), mcp.Description("Vault category, e.g. todos")),
	mcp.WithDestructiveHintAnnotation(false),
	mcp.WithIdempotentHintAnnotation(true),
)

var dailySummaryToolDef = mcp.NewTool("pipeline_daily_summary",
	mcp.WithDescription("Count the items captured on a day, by kind, category and stage. "+
		"The day is interpreted in the configured timezone."),
	mcp.WithString("date", mcp.Description("YYYY-MM-DD (default today)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var eventsToolDef = mcp.NewTool("pipeline_events",
	mcp.WithDescription("Read the pipeline audit log, newest first: captures, stage changes, "+
		"transcription attempts, delivery problems and rejected inbox files."),
	mcp.WithString("item_id", mcp.Description("Only events for this item")),
	mcp.WithString("level", mcp.Description("Only events at this level"), mcp.Enum(item.LevelInfo, item.LevelWarn, item.LevelError)),
	mcp.WithNumber("limit", mcp.Description("Maximum events (default 50, max 500)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"pipeline_list_pending": {
		def:     listPendingToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleListPending },
	},
	"pipeline_get_content": {
		def:     getContentToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGetContent },
	},
	"pipeline_finalize": {
		def:     finalizeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFinalize },
	},
	"pipeline_daily_summary": {
		def:     dailySummaryToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDailySummary },
	},
	"pipeline_events": {
		def:     eventsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEvents },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server exposing the pipeline to an agent.
// Tools listed in cfg.DisabledTools are not registered. snk may be nil, in
// which case finalized notes stay ready until the archiver delivers them.
func NewServer(st *store.Store, cfg *config.Config, snk sink.Sink, logger *slog.Logger, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"telegram-obsidian-bridge",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(st, cfg, snk, logger)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves MCP over stdio until stdin closes or ctx is cancelled.
func Run(ctx context.Context, st *store.Store, cfg *config.Config, snk sink.Sink, logger *slog.Logger, version string) error {
	s := NewServer(st, cfg, snk, logger, version)
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
