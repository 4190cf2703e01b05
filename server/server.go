// Package server exposes the gateway's inbound HTTP surface. Authentication
// itself lives upstream; the session layer injects the authenticated user id
// per request.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	canton "github.com/0xsend/canton-gateway"
	"github.com/0xsend/canton-gateway/config"
	"github.com/0xsend/canton-gateway/eligibility"
)

// userHeader carries the authenticated user id, set by the upstream session
// layer.
const userHeader = "X-User-ID"

// AccountStore is the single relational lookup the entry point issues itself.
type AccountStore interface {
	SendAccount(ctx context.Context, userID string) (*eligibility.SendAccount, error)
}

// EligibilityChecker resolves a per-user verdict.
type EligibilityChecker interface {
	CheckEligibility(ctx context.Context, userID string) (*canton.EligibilityResult, error)
}

// TokenIssuer ensures priority tokens and builds invite links.
type TokenIssuer interface {
	EnsureToken(ctx context.Context, label string, metadata map[string]any) (canton.EnsureResult, error)
	InviteLink(token string) string
}

// Server composes the gateway subsystems behind HTTP handlers.
type Server struct {
	cfg    config.Config
	store  AccountStore
	checks EligibilityChecker
	issuer TokenIssuer
	log    *zap.Logger
}

// New builds the HTTP server component.
func New(cfg config.Config, store AccountStore, checks EligibilityChecker, issuer TokenIssuer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, store: store, checks: checks, issuer: issuer, log: log.Named("canton.server")}
}

// Router wires the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/canton", s.requireUser)
	api.POST("/priority-token", s.generatePriorityToken)
	api.POST("/eligibility", s.checkEligibility)

	return r
}

// requireUser rejects requests without a well-formed authenticated user id.
func (s *Server) requireUser(c *gin.Context) {
	userID := c.GetHeader(userHeader)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": canton.ErrCodeInvalidInput, "message": "missing user identity"})
		return
	}
	if _, err := uuid.Parse(userID); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": canton.ErrCodeInvalidInput, "message": "invalid user identity"})
		return
	}
	c.Set("userID", userID)
	c.Next()
}

// generatePriorityToken runs the full flow: enabled gate, main tag lookup,
// eligibility, idempotent issuance, invite link.
func (s *Server) generatePriorityToken(c *gin.Context) {
	userID := c.GetString("userID")
	log := s.log.With(zap.String("user_id", userID))

	if !s.cfg.Enabled {
		s.writeError(c, canton.NewGatewayError(canton.ErrCodeDisabled, "canton integration is not enabled"))
		return
	}

	account, err := s.store.SendAccount(c.Request.Context(), userID)
	if err != nil {
		log.Error("send account lookup failed", zap.Error(err))
		s.writeError(c, err)
		return
	}
	if account == nil {
		s.writeError(c, canton.NewGatewayError(canton.ErrCodeNoSendAccount, "no send account found for this user"))
		return
	}
	if account.MainTag == "" {
		s.writeError(c, canton.NewGatewayError(canton.ErrCodeNoMainTag, "no main SendTag found for this user"))
		return
	}

	verdict, err := s.checks.CheckEligibility(c.Request.Context(), userID)
	if err != nil {
		log.Error("eligibility check failed", zap.Error(err))
		s.writeError(c, err)
		return
	}

	eligible := verdict.Eligible
	if !s.cfg.Eligibility.RequireAllChecks {
		eligible = verdict.Checks.HasSendBalance.Eligible
	}
	if !eligible {
		log.Info("user not eligible for priority token")
		c.JSON(http.StatusForbidden, gin.H{
			"code":    canton.ErrCodeNotEligible,
			"message": "user is not eligible for a Canton Wallet priority token",
			"checks":  verdict.Checks,
		})
		return
	}

	label := "sendapp:tag_" + account.MainTag
	result, err := s.issuer.EnsureToken(c.Request.Context(), label, map[string]any{
		"sendtag":        account.MainTag,
		"userId":         userID,
		"distributionId": verdict.Distribution.ID,
	})
	if err != nil {
		log.Error("priority token issuance failed", zap.Error(err), zap.String("label", label))
		s.writeError(c, err)
		return
	}

	log.Info("priority token issued", zap.String("label", label), zap.Bool("is_new", result.IsNew))
	c.JSON(http.StatusOK, canton.GenerateResult{
		Token: result.Token,
		URL:   s.issuer.InviteLink(result.Token),
		IsNew: result.IsNew,
	})
}

// checkEligibility returns the raw verdict with the per-check breakdown.
func (s *Server) checkEligibility(c *gin.Context) {
	if !s.cfg.Enabled {
		s.writeError(c, canton.NewGatewayError(canton.ErrCodeDisabled, "canton integration is not enabled"))
		return
	}

	verdict, err := s.checks.CheckEligibility(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		s.log.Error("eligibility check failed", zap.Error(err))
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// writeError maps the error taxonomy onto HTTP statuses. Unclassified errors
// are normalized to one generic internal failure; classified errors pass
// through without re-wrapping.
func (s *Server) writeError(c *gin.Context, err error) {
	code := canton.CodeOf(err)
	status := http.StatusInternalServerError
	message := "failed to generate priority token"

	switch code {
	case canton.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case canton.ErrCodeNoSendAccount, canton.ErrCodeNoMainTag, canton.ErrCodeNoActiveDistribution:
		status = http.StatusPreconditionFailed
	case canton.ErrCodeNotEligible:
		status = http.StatusForbidden
	case canton.ErrCodeDisabled:
		status = http.StatusServiceUnavailable
	case canton.ErrCodeUpstream, canton.ErrCodeInvalidResponse:
		status = http.StatusBadGateway
	case canton.ErrCodeInvalidConfig:
		status = http.StatusInternalServerError
	}

	if code != canton.ErrCodeInternal {
		message = err.Error()
	}
	c.JSON(status, gin.H{"code": code, "message": message})
}
