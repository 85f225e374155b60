package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ksred/plugin-migrate/internal/services"
)

// RecordsResourceURI lists every plugin's migration record.
const RecordsResourceURI = "migrations://records"

// Server wraps the MCP server with our application logic
type Server struct {
	mcpServer *server.MCPServer
	handler   *Handler
	logger    zerolog.Logger
}

// NewServer creates a new MCP server instance
func NewServer(service *services.MigrationService, version string, logger zerolog.Logger) (*Server, error) {
	mcpServer := server.NewMCPServer(
		"plugin-migrate",
		version,
		server.WithLogging(),
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
	)

	s := &Server{
		mcpServer: mcpServer,
		handler:   NewHandler(service, logger),
		logger:    logger,
	}

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s, nil
}

// Serve starts the MCP server on stdio
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Debug().Msg("Starting MCP server ServeStdio")
	err := server.ServeStdio(s.mcpServer)
	if err != nil {
		s.logger.Error().Err(err).Msg("MCP server ServeStdio error")
	}
	return err
}

// HandleMessage processes one JSON-RPC message. The HTTP transport uses it
// to serve the same tools as stdio.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "migration_status",
		Description: "Show the applied schema version and checksum for a plugin, or for every plugin when no name is given. Also reports whether the registered declaration has changes not yet applied.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"plugin": map[string]interface{}{
					"type":        "string",
					"description": "Plugin name (omit to list all plugins)",
				},
			},
		},
	}, s.toolHandler(s.handler.HandleMigrationStatus))

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "migration_journal",
		Description: "List the journal of applied migrations for a plugin, newest first, including the SQL each one ran.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"plugin": map[string]interface{}{
					"type":        "string",
					"description": "Plugin name",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of entries to return (default: 50)",
					"minimum":     1,
					"maximum":     500,
				},
			},
			Required: []string{"plugin"},
		},
	}, s.toolHandler(s.handler.HandleMigrationJournal))

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "preview_migration",
		Description: "Compute the DDL a migration would run for a plugin without applying it. Reports whether the plan is destructive and would be blocked.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"plugin": map[string]interface{}{
					"type":        "string",
					"description": "Plugin name",
				},
				"schema": map[string]interface{}{
					"type":        "object",
					"description": "Desired schema ({\"tables\": {...}}); defaults to the registered declaration",
				},
			},
			Required: []string{"plugin"},
		},
	}, s.toolHandler(s.handler.HandlePreviewMigration))

	s.logger.Info().Int("count", 3).Msg("Registered MCP tools")
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.Resource{
		URI:         RecordsResourceURI,
		Name:        "Migration Records",
		Description: "Applied schema version and checksum of every plugin",
		MIMEType:    "application/json",
	}, s.recordsResourceHandler())

	s.logger.Info().Int("count", 1).Msg("Registered MCP resources")
}

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.Prompt{
		Name:        "review_migration_plan",
		Description: "Review the pending migration plan for a plugin before it is applied",
		Arguments: []mcp.PromptArgument{
			{
				Name:        "plugin",
				Description: "Plugin whose plan to review",
				Required:    true,
			},
		},
	}, s.reviewPlanPromptHandler())

	s.logger.Info().Int("count", 1).Msg("Registered MCP prompts")
}

type toolFunc func(ctx context.Context, params json.RawMessage) (*Response, error)

func (s *Server) toolHandler(fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arguments: %v", err)), nil
		}

		resp, err := fn(ctx, params)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Error: %v", err)), nil
		}

		body, err := resp.ToJSON()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: string(body),
				},
			},
			IsError: !resp.Success,
		}, nil
	}
}

func (s *Server) recordsResourceHandler() server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := s.handler.service.ListRecords(ctx)
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(records)
		if err != nil {
			return nil, err
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(body),
			},
		}, nil
	}
}

func (s *Server) reviewPlanPromptHandler() server.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		plugin := request.Params.Arguments["plugin"]
		if plugin == "" {
			return nil, fmt.Errorf("plugin argument is required")
		}

		text := fmt.Sprintf("Call preview_migration for plugin %q and review the plan before it is applied. "+
			"List every destructive operation, explain what data it would discard, and say whether the "+
			"plan is safe to apply with destructive migrations enabled.", plugin)

		preview, err := s.handler.service.Preview(ctx, plugin, nil)
		if err == nil {
			text = fmt.Sprintf("Review this pending migration for plugin %q (version %d to %d). "+
				"List every destructive operation, explain what data it would discard, and say whether it is safe to apply.\n\n%s",
				plugin, preview.CurrentVersion, preview.NextVersion, preview.Plan.SQL())
		}

		return &mcp.GetPromptResult{
			Description: fmt.Sprintf("Review the migration plan for %s", plugin),
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.TextContent{
						Type: "text",
						Text: text,
					},
				},
			},
		}, nil
	}
}
