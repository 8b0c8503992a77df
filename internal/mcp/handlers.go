package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/ops"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/sink"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	st     *store.Store
	cfg    *config.Config
	sink   sink.Sink
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance. snk may be nil.
func NewHandlers(st *store.Store, cfg *config.Config, snk sink.Sink, logger *slog.Logger) *Handlers {
	return &Handlers{st: st, cfg: cfg, sink: snk, logger: logger}
}

// ListPendingRequest represents the arguments for pipeline_list_pending.
type ListPendingRequest struct {
	Stage  string `json:"stage,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// GetContentRequest represents the arguments for pipeline_get_content.
type GetContentRequest struct {
	ID string `json:"id"`
}

// FinalizeRequest represents the arguments for pipeline_finalize.
type FinalizeRequest struct {
	ID               string `json:"id"`
	FormattedContent string `json:"formatted_content"`
	TargetCategory   string `json:"target_category"`
}

// DailySummaryRequest represents the arguments for pipeline_daily_summary.
type DailySummaryRequest struct {
	Date string `json:"date,omitempty"`
}

// EventsRequest represents the arguments for pipeline_events.
type EventsRequest struct {
	ItemID string `json:"item_id,omitempty"`
	Level  string `json:"level,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// HandleListPending handles the pipeline_list_pending tool call.
func (h *Handlers) HandleListPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListPendingRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ListPending(ctx, h.st, ops.ListPendingInput{
		Stage:  input.Stage,
		Kind:   input.Kind,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return h.fail("pipeline_list_pending", err), nil
	}
	return successResult(result)
}

// HandleGetContent handles the pipeline_get_content tool call.
func (h *Handlers) HandleGetContent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[GetContentRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.GetContent(ctx, h.st, ops.GetContentInput{ID: input.ID})
	if err != nil {
		return h.fail("pipeline_get_content", err), nil
	}
	return successResult(result)
}

// HandleFinalize handles the pipeline_finalize tool call.
func (h *Handlers) HandleFinalize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FinalizeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Finalize(ctx, h.st, h.cfg, h.sink, ops.FinalizeInput{
		ID:               input.ID,
		FormattedContent: input.FormattedContent,
		TargetCategory:   input.TargetCategory,
	})
	if err != nil {
		return h.fail("pipeline_finalize", err), nil
	}
	if !result.Delivered {
		h.logger.Warn("finalized without delivery", "id", result.ID, "reason", result.DeliveryError)
	}
	return successResult(result)
}

// HandleDailySummary handles the pipeline_daily_summary tool call.
func (h *Handlers) HandleDailySummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DailySummaryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.DailySummary(ctx, h.st, h.cfg, ops.DailySummaryInput{Date: input.Date})
	if err != nil {
		return h.fail("pipeline_daily_summary", err), nil
	}
	return successResult(result)
}

// HandleEvents handles the pipeline_events tool call.
func (h *Handlers) HandleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EventsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Events(ctx, h.st, ops.EventsInput{
		ItemID: input.ItemID,
		Level:  input.Level,
		Limit:  input.Limit,
	})
	if err != nil {
		return h.fail("pipeline_events", err), nil
	}
	return successResult(result)
}

// decode unmarshals tool arguments into a typed request. Unknown argument
// names are rejected so a misspelled field is not silently ignored.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, fmt.Errorf("marshal args: %w", err)
	}
	if bytes.Equal(b, []byte("null")) {
		return result, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return result, fmt.Errorf("invalid arguments: %w", err)
	}
	return result, nil
}

// fail logs err with its full detail and returns the sanitized result.
func (h *Handlers) fail(tool string, err error) *mcp.CallToolResult {
	if errors.CodeOf(err) == errors.ErrInternal || errors.Is(err, errors.ErrIO) {
		h.logger.Error("tool failed", "tool", tool, "err", err)
	} else {
		h.logger.Debug("tool rejected", "tool", tool, "err", err)
	}
	return errorResult(err)
}

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var pErr *errors.Error
	if stderrors.As(err, &pErr) && pErr.Code != errors.ErrInternal {
		msg := pErr.Message
		if err != error(pErr) {
			// Keep the wrapping context.
			msg = err.Error()
		}
		errorObj := map[string]any{
			"code":    pErr.Code,
			"message": msg,
			"status":  pErr.Status,
		}
		if pErr.Details != nil {
			errorObj["details"] = pErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
