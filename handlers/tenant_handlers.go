package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

// TenantHandlers serves the tenant-scoped governance surface: quota
// status, audit trail and answer feedback.
type TenantHandlers struct {
	quotaService    services.QuotaService
	auditService    services.AuditService
	feedbackService services.FeedbackService
}

func NewTenantHandlers(quotaService services.QuotaService, auditService services.AuditService, feedbackService services.FeedbackService) *TenantHandlers {
	return &TenantHandlers{
		quotaService:    quotaService,
		auditService:    auditService,
		feedbackService: feedbackService,
	}
}

func (h *TenantHandlers) GetQuota(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	status, err := h.quotaService.GetStatus(c.Request.Context(), tenantID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *TenantHandlers) ListAudit(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	filter := models.AuditListFilter{
		UserID: c.Query("user_id"),
		Page:   parseIntQuery(c, "page", 1),
		Size:   parseIntQuery(c, "size", 50),
	}
	if action := c.Query("action"); action != "" {
		a := models.AuditAction(action)
		filter.Action = &a
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since timestamp, expected RFC3339"})
			return
		}
		filter.Since = &t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid until timestamp, expected RFC3339"})
			return
		}
		filter.Until = &t
	}

	resp, err := h.auditService.List(c.Request.Context(), tenantID, filter)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitFeedback upserts the caller's rating for one answer. A second
// submission for the same message replaces the first.
func (h *TenantHandlers) SubmitFeedback(c *gin.Context) {
	tenantID, userID, ok := requestIdentity(c)
	if !ok {
		return
	}

	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	record, err := h.feedbackService.Submit(c.Request.Context(), tenantID, userID, req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *TenantHandlers) GetFeedbackStats(c *gin.Context) {
	tenantID, _, ok := requestIdentity(c)
	if !ok {
		return
	}

	days := parseIntQuery(c, "days", 30)
	stats, err := h.feedbackService.GetStats(c.Request.Context(), tenantID, days)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
