package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/metrics"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/points"
)

// RepHandler exposes rep stats and manual points adjustments.
type RepHandler struct {
	db      *gorm.DB
	points  *points.Service
	metrics *metrics.Metrics
	log     logger.Logger
}

// NewRepHandler creates a new rep handler.
func NewRepHandler(db *gorm.DB, pointsService *points.Service, m *metrics.Metrics, log logger.Logger) *RepHandler {
	if log == nil {
		log = logger.Default()
	}
	return &RepHandler{db: db, points: pointsService, metrics: m, log: log}
}

// RepStatsResponse bundles a rep's profile with per-event stats and recent
// ledger activity.
type RepStatsResponse struct {
	Rep        models.Rep                 `json:"rep"`
	EventStats []models.RepEventStat      `json:"event_stats"`
	Ledger     []models.PointsLedgerEntry `json:"recent_ledger"`
}

// GetStats returns a rep's balance, level, totals, per-event stats and the
// most recent ledger entries.
// GET /api/v1/reps/:id/stats?organization_id=N
func (h *RepHandler) GetStats(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	repID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid rep ID",
		})
	}
	orgID, err := strconv.Atoi(c.QueryParam("organization_id"))
	if err != nil || orgID <= 0 {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_organization",
			Message: "organization_id query parameter is required",
		})
	}

	var rep models.Rep
	if err := h.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&rep, repID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "Rep not found",
			})
		}
		h.log.Error("handlers: rep lookup failed", "rep_id", repID, "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load rep",
		})
	}

	var stats []models.RepEventStat
	if err := h.db.WithContext(ctx).
		Where("rep_id = ?", rep.ID).
		Order("event_id").
		Find(&stats).Error; err != nil {
		h.log.Error("handlers: rep stats query failed", "rep_id", rep.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load rep stats",
		})
	}

	var ledger []models.PointsLedgerEntry
	if err := h.db.WithContext(ctx).
		Where("rep_id = ?", rep.ID).
		Order("id DESC").
		Limit(20).
		Find(&ledger).Error; err != nil {
		h.log.Error("handlers: ledger query failed", "rep_id", rep.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load ledger",
		})
	}

	return c.JSON(http.StatusOK, RepStatsResponse{Rep: rep, EventStats: stats, Ledger: ledger})
}

// AdjustPointsRequest is a manual ledger adjustment.
type AdjustPointsRequest struct {
	OrganizationID uint    `json:"organization_id" validate:"required"`
	Delta          float64 `json:"delta" validate:"required"`
	Description    string  `json:"description" validate:"required"`
}

// AdjustPoints applies a manual points adjustment through the ledger. The
// delta may be negative.
// POST /api/v1/reps/:id/points
func (h *RepHandler) AdjustPoints(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	repID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid rep ID",
		})
	}

	var req AdjustPointsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	result := h.points.Award(ctx, points.AwardInput{
		OrgID:       req.OrganizationID,
		RepID:       uint(repID),
		Delta:       req.Delta,
		SourceType:  models.PointsSourceManual,
		Description: req.Description,
	})
	if result == nil {
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "adjustment_failed",
			Message: "Failed to apply points adjustment",
		})
	}

	if req.Delta > 0 {
		h.metrics.PointsAwarded(req.Delta)
	}

	return c.JSON(http.StatusOK, result)
}
