package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gold-decision-engine/internal/engine"
)

// handleWebhook authenticates and forwards a TradingView alert to the
// engine. The engine decides the status code and outcome; this handler only
// owns parsing and token checks.
func (s *Server) handleWebhook(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid JSON payload", "outcome": engine.OutcomeInvalidData})
		return
	}

	if !s.webhookAuthorized(c, raw) {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
		return
	}
	// The token is transport-level auth, never signal data.
	delete(raw, "token")

	resp := s.eng.HandleWebhook(c.Request.Context(), raw)
	c.JSON(resp.Status, resp)
}

// webhookAuthorized checks the X-Webhook-Token header, falling back to the
// body "token" field when body-token auth is enabled. An empty configured
// token leaves the endpoint open.
func (s *Server) webhookAuthorized(c *gin.Context, raw map[string]any) bool {
	if s.cfg.WebhookToken == "" {
		return true
	}
	token := c.GetHeader("X-Webhook-Token")
	if token == "" && s.cfg.BodyTokenAuth {
		if v, ok := raw["token"].(string); ok {
			token = v
		}
	}
	return token == s.cfg.WebhookToken
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "ts": time.Now().Unix()})
}

// handleStatus reports live engine state plus the redacted configuration.
func (s *Server) handleStatus(c *gin.Context) {
	status := s.eng.Status(time.Now())
	status["ws_clients"] = s.hub.ClientCount()
	status["config"] = s.configEcho
	c.JSON(http.StatusOK, status)
}

// handleMetrics returns the per-day JSON counters kept by the registry.
func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics": s.reg.Snapshot(),
		"config":  s.configEcho,
	})
}
