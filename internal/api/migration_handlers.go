package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/plugin-migrate/internal/schema"
	"github.com/ksred/plugin-migrate/internal/utils"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// MigrationRequest carries an optional desired schema. Without one the
// registered declaration is used.
type MigrationRequest struct {
	Schema *schema.PluginSchema `json:"schema,omitempty"`
}

var statusByKind = map[string]int{
	"validation":                 http.StatusBadRequest,
	"not_found":                  http.StatusNotFound,
	"conflict":                   http.StatusConflict,
	"destructive_change_blocked": http.StatusConflict,
	"unsupported_change":         http.StatusUnprocessableEntity,
	"ddl_execution":              http.StatusUnprocessableEntity,
	"lock_timeout":               http.StatusServiceUnavailable,
	"lock_acquisition":           http.StatusServiceUnavailable,
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := utils.ErrorKind(err)
	code, ok := statusByKind[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	_ = c.Error(err)
	c.JSON(code, ErrorResponse{
		Error:     err.Error(),
		Kind:      kind,
		Retryable: utils.IsRetryable(err),
	})
}

func (s *Server) bindMigrationRequest(c *gin.Context) (*MigrationRequest, bool) {
	var req MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "validation"})
		return nil, false
	}
	return &req, true
}

func (s *Server) listMigrationsHandler(c *gin.Context) {
	records, err := s.service.ListRecords(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) applyAllHandler(c *gin.Context) {
	batch, err := s.service.ApplyAll(c.Request.Context())
	code := http.StatusOK
	if err != nil {
		// Outcomes carry each plugin's error.
		code = http.StatusMultiStatus
	}
	c.JSON(code, batch)
}

func (s *Server) migrationStatusHandler(c *gin.Context) {
	status, err := s.service.GetStatus(c.Request.Context(), c.Param("plugin"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) migrationJournalHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, utils.InvalidFieldError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}

	plugin := c.Param("plugin")
	entries, err := s.service.Journal(c.Request.Context(), plugin, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plugin":  plugin,
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) listSnapshotsHandler(c *gin.Context) {
	plugin := c.Param("plugin")
	snaps, err := s.service.Snapshots(c.Request.Context(), plugin)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plugin":    plugin,
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

func (s *Server) getSnapshotHandler(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		s.writeError(c, utils.InvalidFieldError("version", "must be a positive integer"))
		return
	}

	sch, err := s.service.Snapshot(c.Request.Context(), c.Param("plugin"), version)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

func (s *Server) planMigrationHandler(c *gin.Context) {
	req, ok := s.bindMigrationRequest(c)
	if !ok {
		return
	}

	preview, err := s.service.Preview(c.Request.Context(), c.Param("plugin"), req.Schema)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"preview": preview,
		"sql":     preview.Plan.SQL(),
	})
}

func (s *Server) applyMigrationHandler(c *gin.Context) {
	req, ok := s.bindMigrationRequest(c)
	if !ok {
		return
	}

	plugin := c.Param("plugin")
	result, err := s.service.Apply(c.Request.Context(), plugin, req.Schema)
	if err != nil {
		s.writeError(c, err)
		return
	}

	s.logger.Info().
		Str("plugin", plugin).
		Str("status", string(result.Status)).
		Int("version", result.Version).
		Str("subject", getSubject(c)).
		Str("auth_type", getAuthType(c)).
		Msg("Migration requested over HTTP")
	c.JSON(http.StatusOK, result)
}
