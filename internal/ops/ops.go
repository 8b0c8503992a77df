// Package ops implements the pipeline operations shared by the CLI, the MCP
// server and the web dashboard.
package ops

import (
	"strings"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// Pagination limits
const (
	DefaultListLimit  = 20
	MaxListLimit      = 100
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// MaxContentChars bounds the text of a single capture.
const MaxContentChars = 100_000

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// clampLimit applies a default and an upper bound to a requested limit.
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

// requireID trims and checks an item id argument.
func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.NewInvalidRequest("id is required")
	}
	return id, nil
}

// parseStage parses an optional stage argument, returning def when blank.
func parseStage(s string, def item.Stage) (item.Stage, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	stage, ok := item.ParseStage(s)
	if !ok {
		return "", errors.NewInvalidRequest("unknown stage " + strings.TrimSpace(s) +
			" (want incoming, processed, ready, archived or failed)")
	}
	return stage, nil
}

// parseKind parses an optional kind argument; blank means any kind.
func parseKind(s string) (item.Kind, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	kind, ok := item.ParseKind(s)
	if !ok {
		return "", errors.NewInvalidRequest("unknown kind " + strings.TrimSpace(s) +
			" (want text, voice, todo, idea or link)")
	}
	return kind, nil
}
