package dealroom

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/real-rm/dealroom/internal/auth"
	"github.com/real-rm/dealroom/internal/constants"
	"github.com/real-rm/dealroom/internal/httperrors"
	"github.com/real-rm/dealroom/internal/notification"
	"github.com/real-rm/dealroom/internal/util"
)

// maintenanceRequest is the body of POST /admin/maintenance
type maintenanceRequest struct {
	OrganizationID  string `json:"organization_id" binding:"required"`
	Message         string `json:"message" binding:"required"`
	StartsAt        string `json:"starts_at" binding:"required"` // RFC3339
	DurationSeconds int    `json:"duration_seconds" binding:"required,gt=0"`
}

// notifyRequest is the body of POST /admin/notify/:scope/:id
type notifyRequest struct {
	Title string                 `json:"title" binding:"required"`
	Body  string                 `json:"body"`
	Data  map[string]interface{} `json:"data"`
}

// handleStats returns the manager-wide connection snapshot
func (s *service) handleStats(c *gin.Context) {
	c.JSON(constants.StatusOK, s.manager.GetConnectionStats())
}

// handleUserInfo returns one user's connectivity and, when the presence
// store is enabled and the user is known, the mirrored presence record
func (s *service) handleUserInfo(c *gin.Context) {
	userID := c.Param("userID")
	if userID == "" {
		httperrors.RespondBadRequest(c, constants.ErrMsgUserIDRequired)
		return
	}

	info, ok := s.manager.GetUserConnectionInfo(userID)
	if !ok {
		httperrors.RespondNotFound(c, httperrors.MsgUserNotFound)
		return
	}

	resp := gin.H{"connection": info}
	if s.presence != nil && info.OrganizationID != "" {
		ctx, cancel := util.NewTimeoutContext(constants.PresenceTimeout)
		defer cancel()
		record, err := s.presence.Get(ctx, info.OrganizationID, userID)
		if err == nil {
			resp["presence"] = record
		} else {
			s.logger.Debug("Presence lookup failed", "user_id", userID, "error", err)
		}
	}
	c.JSON(constants.StatusOK, resp)
}

// handleUserConnections lists a user's recent connection reports
func (s *service) handleUserConnections(c *gin.Context) {
	userID := c.Param("userID")
	if userID == "" {
		httperrors.RespondBadRequest(c, constants.ErrMsgUserIDRequired)
		return
	}
	if s.history == nil {
		httperrors.RespondServiceUnavailable(c)
		return
	}

	limit := 0
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			httperrors.RespondBadRequest(c, "limit must be an integer")
			return
		}
		limit = parsed
	}

	ctx, cancel := util.NewDefaultTimeoutContext()
	defer cancel()
	docs, err := s.history.ListUserConnections(ctx, userID, limit)
	if err != nil {
		util.LogError(s.logger, "http", "list user connections", err, "user_id", userID)
		httperrors.RespondInternalError(c)
		return
	}

	c.JSON(constants.StatusOK, gin.H{
		"user_id":     userID,
		"connections": docs,
		"count":       len(docs),
	})
}

// handleOnlineUsers lists an organization's online users, from the presence
// store when enabled and from this instance's connections otherwise
func (s *service) handleOnlineUsers(c *gin.Context) {
	orgID := c.Param("orgID")

	source := "local"
	users := s.manager.ActiveUsers(orgID)
	if s.presence != nil {
		ctx, cancel := util.NewTimeoutContext(constants.PresenceTimeout)
		defer cancel()
		mirrored, err := s.presence.OnlineUsers(ctx, orgID)
		if err != nil {
			util.LogError(s.logger, "http", "list online users", err, "organization_id", orgID)
		} else {
			users, source = mirrored, "presence"
		}
	}

	c.JSON(constants.StatusOK, gin.H{
		"organization_id": orgID,
		"users":           users,
		"count":           len(users),
		"source":          source,
	})
}

// handleMaintenance announces a maintenance window to one organization
func (s *service) handleMaintenance(c *gin.Context) {
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
		return
	}
	startsAt, err := time.Parse(time.RFC3339, req.StartsAt)
	if err != nil {
		httperrors.RespondBadRequest(c, httperrors.MsgInvalidTimeFormat)
		return
	}

	n, err := s.notifier.SystemMaintenance(req.OrganizationID, req.Message, startsAt, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		s.respondNotifyError(c, err)
		return
	}

	s.logger.Info("Maintenance announced",
		"organization_id", req.OrganizationID,
		"starts_at", startsAt,
		"recipients", n,
		"operator", operatorID(c))
	c.JSON(constants.StatusAccepted, gin.H{"recipients": n})
}

// handleNotify sends a custom notification to a user, document, deal or organization
func (s *service) handleNotify(c *gin.Context) {
	scope, id := c.Param("scope"), c.Param("id")

	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperrors.RespondBadRequest(c, httperrors.MsgInvalidRequest)
		return
	}

	var (
		resp gin.H
		err  error
	)
	switch scope {
	case "user":
		var delivered bool
		delivered, err = s.notifier.NotifyUser(id, req.Title, req.Body, req.Data)
		resp = gin.H{"delivered": delivered}
	case "document":
		var n int
		n, err = s.notifier.NotifyDocument(id, req.Title, req.Body, req.Data)
		resp = gin.H{"recipients": n}
	case "deal":
		var n int
		n, err = s.notifier.NotifyDeal(id, req.Title, req.Body, req.Data)
		resp = gin.H{"recipients": n}
	case "organization":
		var n int
		n, err = s.notifier.NotifyOrganization(id, req.Title, req.Body, req.Data)
		resp = gin.H{"recipients": n}
	default:
		httperrors.RespondBadRequest(c, fmt.Sprintf("unknown scope %q; allowed: user, document, deal, organization", scope))
		return
	}
	if err != nil {
		s.respondNotifyError(c, err)
		return
	}

	s.logger.Info("Custom notification sent",
		"scope", scope,
		"target", id,
		"operator", operatorID(c))
	c.JSON(constants.StatusAccepted, resp)
}

func (s *service) respondNotifyError(c *gin.Context, err error) {
	if errors.Is(err, notification.ErrPayloadTooLarge) {
		httperrors.RespondPayloadTooLarge(c)
		return
	}
	httperrors.RespondBadRequest(c, err.Error())
}

func operatorID(c *gin.Context) string {
	if claims, ok := c.Get(claimsKey); ok {
		if cl, ok := claims.(*auth.Claims); ok {
			return cl.UserID
		}
	}
	return ""
}

// handleHealthCheck is the liveness probe: responding at all means alive
func handleHealthCheck(c *gin.Context) {
	c.JSON(constants.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyCheck is the readiness probe. Disabled backends are reported
// but never make the service unready; configured ones must answer.
func (s *service) handleReadyCheck(c *gin.Context) {
	checks := make(map[string]interface{})
	allReady := true

	ctx, cancel := util.NewTimeoutContext(constants.HealthCheckTimeout)
	defer cancel()

	if s.history == nil {
		checks["mongodb"] = gin.H{"status": "disabled"}
	} else if err := s.history.Ping(ctx); err != nil {
		s.logger.Warn("MongoDB health check failed", "error", err, "component", "health")
		checks["mongodb"] = gin.H{"status": "not ready", "reason": "Database connectivity check failed"}
		allReady = false
	} else {
		checks["mongodb"] = gin.H{"status": "ready"}
	}

	if s.cfg.Redis.URL == "" {
		checks["redis"] = gin.H{"status": "disabled"}
	} else if s.presence == nil {
		checks["redis"] = gin.H{"status": "not ready", "reason": "Presence store unavailable"}
		allReady = false
	} else if err := s.presence.Ping(ctx); err != nil {
		s.logger.Warn("Redis health check failed", "error", err, "component", "health")
		checks["redis"] = gin.H{"status": "not ready", "reason": "Presence store connectivity check failed"}
		allReady = false
	} else {
		checks["redis"] = gin.H{"status": "ready"}
	}

	if s.cfg.NATS.URL == "" {
		checks["nats"] = gin.H{"status": "disabled"}
	} else if s.subscriber == nil || !s.subscriber.Connected() {
		checks["nats"] = gin.H{"status": "not ready", "reason": "Event bus disconnected"}
		allReady = false
	} else {
		checks["nats"] = gin.H{"status": "ready"}
	}

	checks["connections"] = gin.H{
		"status": "ready",
		"active": s.manager.GetConnectionStats().ActiveConnections,
	}

	status, code := "ready", constants.StatusOK
	if !allReady {
		status, code = "not ready", constants.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}
