package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"

	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/metrics"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/orders"
	"github.com/festiq/festiq/pkg/payments"
)

// CheckoutHandler handles storefront checkout, merch pre-orders and refunds.
type CheckoutHandler struct {
	orders   *orders.Service
	payments payments.ChargeLookup
	metrics  *metrics.Metrics
	log      logger.Logger
}

// NewCheckoutHandler creates a new checkout handler. payments and m may be nil.
func NewCheckoutHandler(orderService *orders.Service, chargeLookup payments.ChargeLookup, m *metrics.Metrics, log logger.Logger) *CheckoutHandler {
	if log == nil {
		log = logger.Default()
	}
	return &CheckoutHandler{orders: orderService, payments: chargeLookup, metrics: m, log: log}
}

// CheckoutRequest is the storefront checkout body.
type CheckoutRequest struct {
	OrganizationID uint              `json:"organization_id" validate:"required"`
	EventID        uint              `json:"event_id" validate:"required"`
	Items          []orders.LineItem `json:"items" validate:"required,min=1,dive"`
	CustomerEmail  string            `json:"customer_email" validate:"required,email"`
	CustomerName   string            `json:"customer_name" validate:"required"`
	CustomerPhone  string            `json:"customer_phone"`
	PaymentRef     string            `json:"payment_ref"`
	DiscountCode   string            `json:"discount_code"`
}

// CheckoutResponse is returned after a successful checkout.
type CheckoutResponse struct {
	Order      *models.Order   `json:"order"`
	Tickets    []models.Ticket `json:"tickets"`
	CustomerID uint            `json:"customer_id"`
}

// Checkout creates a completed order from a storefront checkout.
// POST /api/v1/checkout
func (h *CheckoutHandler) Checkout(c echo.Context) error {
	return h.create(c, false)
}

// MerchPreOrder creates a merch-only pre-order against a hidden merch pass.
// POST /api/v1/merch/pre-orders
func (h *CheckoutHandler) MerchPreOrder(c echo.Context) error {
	return h.create(c, true)
}

func (h *CheckoutHandler) create(c echo.Context, merch bool) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	in := orders.CheckoutInput{
		OrganizationID: req.OrganizationID,
		EventID:        req.EventID,
		Items:          req.Items,
		CustomerEmail:  req.CustomerEmail,
		CustomerName:   req.CustomerName,
		CustomerPhone:  req.CustomerPhone,
		PaymentRef:     req.PaymentRef,
		DiscountCode:   req.DiscountCode,
	}

	// A payment reference means the money moved externally; the captured
	// amount becomes the order's charged amount and drives the fee split.
	if req.PaymentRef != "" && h.payments != nil {
		charge, err := h.payments.Lookup(req.PaymentRef)
		if err != nil {
			return c.JSON(http.StatusPaymentRequired, models.ErrorResponse{
				Error:   "payment_not_captured",
				Message: "Payment could not be verified",
			})
		}
		in.ChargedAmountCents = &charge.AmountCents
	}

	var (
		result *orders.Result
		err    error
	)
	if merch {
		result, err = h.orders.CreateMerchPreOrder(ctx, in)
	} else {
		result, err = h.orders.CreateOrder(ctx, in)
	}
	if err != nil {
		var ce *orders.CreationError
		if errors.As(err, &ce) {
			// Money moved but no order exists. Ordinary validation failures
			// are left to the client; this one pages an operator.
			if ce.PaymentCaptured {
				h.log.Error("handlers: order assembly failed after payment capture",
					"code", ce.Code, "payment_ref", req.PaymentRef, "error", ce)
				sentry.CaptureException(ce)
			}
			return c.JSON(ce.Status, models.ErrorResponse{
				Error:           ce.Code,
				Message:         ce.Message,
				PaymentCaptured: ce.PaymentCaptured,
			})
		}
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to create order",
		})
	}

	h.metrics.OrderCreated(len(result.Tickets))

	return c.JSON(http.StatusCreated, CheckoutResponse{
		Order:      result.Order,
		Tickets:    result.Tickets,
		CustomerID: result.CustomerID,
	})
}

// RefundRequest identifies the tenant on a refund call.
type RefundRequest struct {
	OrganizationID uint `json:"organization_id" validate:"required"`
}

// Refund marks an order refunded and reverses its attribution effects.
// POST /api/v1/orders/:id/refund
func (h *CheckoutHandler) Refund(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid order ID",
		})
	}

	var req RefundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	order, err := h.orders.RefundOrder(ctx, req.OrganizationID, uint(orderID))
	if err != nil {
		var ce *orders.CreationError
		if errors.As(err, &ce) {
			return c.JSON(ce.Status, models.ErrorResponse{
				Error:   ce.Code,
				Message: ce.Message,
			})
		}
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to refund order",
		})
	}

	h.metrics.OrderRefunded()

	return c.JSON(http.StatusOK, order)
}
