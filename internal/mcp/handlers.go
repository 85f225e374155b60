package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/services"
	"github.com/ksred/plugin-migrate/internal/utils"
)

// Handler manages MCP tool handlers
type Handler struct {
	service *services.MigrationService
	logger  zerolog.Logger
}

// NewHandler creates a new MCP handler
func NewHandler(service *services.MigrationService, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// MigrationStatusRequest asks for one plugin's record, or every record when
// Plugin is empty.
type MigrationStatusRequest struct {
	Plugin string `json:"plugin,omitempty"`
}

// MigrationJournalRequest asks for a plugin's journal entries.
type MigrationJournalRequest struct {
	Plugin string `json:"plugin"`
	Limit  int    `json:"limit,omitempty"`
}

// PreviewMigrationRequest asks for a dry-run plan. A missing schema uses
// the registered declaration.
type PreviewMigrationRequest struct {
	Plugin string               `json:"plugin"`
	Schema *schema.PluginSchema `json:"schema,omitempty"`
}

// HandleMigrationStatus handles the migration_status tool call
func (h *Handler) HandleMigrationStatus(ctx context.Context, params json.RawMessage) (*Response, error) {
	var req MigrationStatusRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return NewErrorResponse(fmt.Sprintf("invalid request format: %v", err)), nil
	}

	if req.Plugin == "" {
		records, err := h.service.ListRecords(ctx)
		if err != nil {
			return h.failure("", err), nil
		}
		resp := NewSuccessResponse("Migration records", records)
		resp.Meta = &ResponseMeta{Count: len(records)}
		return resp, nil
	}

	status, err := h.service.GetStatus(ctx, req.Plugin)
	if err != nil {
		return h.failure(req.Plugin, err), nil
	}
	resp := NewSuccessResponse(fmt.Sprintf("Migration status for %s", req.Plugin), status)
	resp.Meta = &ResponseMeta{Plugin: req.Plugin}
	return resp, nil
}

// HandleMigrationJournal handles the migration_journal tool call
func (h *Handler) HandleMigrationJournal(ctx context.Context, params json.RawMessage) (*Response, error) {
	var req MigrationJournalRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return NewErrorResponse(fmt.Sprintf("invalid request format: %v", err)), nil
	}
	if req.Plugin == "" {
		return NewErrorResponse("plugin is required"), nil
	}

	entries, err := h.service.Journal(ctx, req.Plugin, req.Limit)
	if err != nil {
		return h.failure(req.Plugin, err), nil
	}
	resp := NewSuccessResponse(fmt.Sprintf("Journal for %s", req.Plugin), entries)
	resp.Meta = &ResponseMeta{Plugin: req.Plugin, Count: len(entries)}
	return resp, nil
}

// HandlePreviewMigration handles the preview_migration tool call. It never
// changes the database.
func (h *Handler) HandlePreviewMigration(ctx context.Context, params json.RawMessage) (*Response, error) {
	var req PreviewMigrationRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return NewErrorResponse(fmt.Sprintf("invalid request format: %v", err)), nil
	}
	if req.Plugin == "" {
		return NewErrorResponse("plugin is required"), nil
	}

	preview, err := h.service.Preview(ctx, req.Plugin, req.Schema)
	if err != nil {
		return h.failure(req.Plugin, err), nil
	}

	data := map[string]interface{}{
		"preview": preview,
		"sql":     preview.Plan.SQL(),
	}
	resp := NewSuccessResponse(fmt.Sprintf("Plan for %s", req.Plugin), data)
	resp.Meta = &ResponseMeta{Plugin: req.Plugin, Count: len(preview.Plan.Operations)}
	return resp, nil
}

func (h *Handler) failure(plugin string, err error) *Response {
	kind := utils.ErrorKind(err)
	h.logger.Warn().Err(err).Str("plugin", plugin).Str("kind", kind).Msg("MCP tool call failed")

	resp := NewErrorResponse(err.Error())
	resp.Meta = &ResponseMeta{Plugin: plugin, ErrorKind: kind}
	return resp
}
