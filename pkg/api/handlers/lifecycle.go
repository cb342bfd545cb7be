package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/festiq/festiq/pkg/jobs"
	"github.com/festiq/festiq/pkg/lifecycle"
	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/models"
)

// LifecycleHandler handles cart tracking, announcement signups, unsubscribes
// and the scheduler trigger.
type LifecycleHandler struct {
	carts         *lifecycle.CartRecovery
	announcements *lifecycle.Announcements
	jobs          *jobs.CronManager
	log           logger.Logger
}

// NewLifecycleHandler creates a new lifecycle handler.
func NewLifecycleHandler(carts *lifecycle.CartRecovery, announcements *lifecycle.Announcements, cronManager *jobs.CronManager, log logger.Logger) *LifecycleHandler {
	if log == nil {
		log = logger.Default()
	}
	return &LifecycleHandler{carts: carts, announcements: announcements, jobs: cronManager, log: log}
}

// TrackCartRequest registers an abandoned-cart candidate.
type TrackCartRequest struct {
	OrganizationID uint                 `json:"organization_id" validate:"required"`
	EventID        uint                 `json:"event_id" validate:"required"`
	Email          string               `json:"email" validate:"required,email"`
	Name           string               `json:"name"`
	Items          []lifecycle.CartItem `json:"items" validate:"required,min=1"`
}

// TrackCart records a cart for recovery if the shopper walks away.
// POST /api/v1/carts
func (h *LifecycleHandler) TrackCart(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var req TrackCartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	cart, err := h.carts.Track(ctx, req.OrganizationID, req.EventID, req.Email, req.Name, req.Items)
	if err != nil {
		h.log.Error("handlers: cart tracking failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to track cart",
		})
	}

	return c.JSON(http.StatusCreated, cart)
}

// SignupRequest registers interest in an unreleased event.
type SignupRequest struct {
	OrganizationID uint   `json:"organization_id" validate:"required"`
	EventID        uint   `json:"event_id" validate:"required"`
	Email          string `json:"email" validate:"required,email"`
	Name           string `json:"name"`
}

// Signup registers a pre-launch announcement signup.
// POST /api/v1/announcements/signups
func (h *LifecycleHandler) Signup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	signup, err := h.announcements.Signup(ctx, req.OrganizationID, req.EventID, req.Email, req.Name)
	if err != nil {
		h.log.Error("handlers: announcement signup failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to create signup",
		})
	}

	return c.JSON(http.StatusCreated, signup)
}

// UnsubscribeRequest opts a contact out of lifecycle emails.
type UnsubscribeRequest struct {
	OrganizationID uint   `json:"organization_id" validate:"required"`
	Email          string `json:"email" validate:"required,email"`
}

// Unsubscribe opts a contact out of both lifecycle sequences for the org.
// Records keep advancing through their steps without sending.
// POST /api/v1/lifecycle/unsubscribe
func (h *LifecycleHandler) Unsubscribe(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	var req UnsubscribeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	if err := h.carts.Unsubscribe(ctx, req.OrganizationID, req.Email); err != nil {
		h.log.Error("handlers: cart unsubscribe failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to unsubscribe",
		})
	}
	if err := h.announcements.Unsubscribe(ctx, req.OrganizationID, req.Email); err != nil {
		h.log.Error("handlers: announcement unsubscribe failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to unsubscribe",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// RunSweep triggers a full lifecycle sweep across all orgs. Guarded by the
// cron secret middleware; the external scheduler calls this on its interval.
// POST /internal/cron/sweep
func (h *LifecycleHandler) RunSweep(c echo.Context) error {
	reports, err := h.jobs.RunOnce(c.Request().Context())
	if err != nil {
		h.log.Error("handlers: sweep run failed", "error", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "sweep_failed",
			Message: "Lifecycle sweep did not complete",
		})
	}
	return c.JSON(http.StatusOK, reports)
}
