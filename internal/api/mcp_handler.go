package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MCPResponse represents a JSON-RPC 2.0 error response produced before the
// message reaches the MCP server.
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// MCPError represents a JSON-RPC 2.0 error
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
)

const maxMCPMessageBytes = 1 << 20

// HandleMCP serves the MCP tools over HTTP, one JSON-RPC message per request.
func (s *Server) HandleMCP(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMCPMessageBytes))
	if err != nil || !json.Valid(body) {
		data := "body is not valid JSON"
		if err != nil {
			data = err.Error()
		}
		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			Error:   &MCPError{Code: ParseError, Message: "Parse error", Data: data},
		})
		return
	}

	var envelope struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.JSONRPC != "2.0" {
		c.JSON(http.StatusOK, MCPResponse{
			JSONRPC: "2.0",
			Error:   &MCPError{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"},
			ID:      envelope.ID,
		})
		return
	}

	reply := s.mcpServer.HandleMessage(c.Request.Context(), json.RawMessage(body))
	if reply == nil {
		// Notifications have no response.
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, reply)
}
