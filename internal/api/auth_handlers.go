package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultTokenTTL = 24 * time.Hour
	maxTokenTTL     = 30 * 24 * time.Hour
)

type TokenRequest struct {
	Subject  string `json:"subject"`
	TTLHours int    `json:"ttl_hours"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Subject   string    `json:"subject"`
}

// issueTokenHandler exchanges a valid API key for a short-lived bearer token.
func (s *Server) issueTokenHandler(c *gin.Context) {
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "X-API-Key header required"})
		return
	}
	if err := s.authService.ValidateAPIKey(apiKey); err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
		return
	}

	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "validation"})
		return
	}
	if req.Subject == "" {
		req.Subject = "api-key"
	}

	ttl := defaultTokenTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}

	token, expiresAt, err := s.authService.IssueToken(req.Subject, ttl)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate JWT token")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Subject:   req.Subject,
	})
}
