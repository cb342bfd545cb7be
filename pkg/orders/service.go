package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/attribution"
	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/inventory"
	"github.com/festiq/festiq/pkg/lifecycle"
	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/models"
)

const maxNumberRetries = 5

// CreationError is the typed failure of order assembly. Status is an
// HTTP-style hint for the transport layer; PaymentCaptured tells the caller
// whether money moved before the failure.
type CreationError struct {
	Status          int
	Code            string
	Message         string
	PaymentCaptured bool
	Err             error
}

func (e *CreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CreationError) Unwrap() error { return e.Err }

func creationError(status int, code, message string, err error) *CreationError {
	return &CreationError{Status: status, Code: code, Message: message, Err: err}
}

// LineItem is one requested purchase line. Prices are never taken from the
// client; only the sellable id and quantity matter.
type LineItem struct {
	TicketTypeID uint   `json:"ticket_type_id" validate:"required"`
	Quantity     int    `json:"quantity" validate:"required,min=1,max=50"`
	MerchSize    string `json:"merch_size,omitempty"`
}

// CheckoutInput is the full order assembly request.
type CheckoutInput struct {
	OrganizationID     uint
	EventID            uint
	Items              []LineItem
	CustomerEmail      string
	CustomerName       string
	CustomerPhone      string
	PaymentRef         string
	ChargedAmountCents *int64
	DiscountCode       string
}

// Result is what a successful checkout returns.
type Result struct {
	Order      *models.Order
	Tickets    []models.Ticket
	CustomerID uint
}

// Notifier sends the order confirmation. Failures are logged, never
// propagated.
type Notifier interface {
	SendOrderConfirmation(p email.OrderConfirmationPayload) error
}

// Service assembles orders: sellable resolution, customer upsert,
// authoritative pricing, ticket issuance, inventory movement, and the
// best-effort side effects (confirmation email, attribution, cart recovery
// close-out).
type Service struct {
	db           *gorm.DB
	inventory    *inventory.Service
	attribution  *attribution.Service
	cartRecovery *lifecycle.CartRecovery
	notifier     Notifier
	log          logger.Logger

	// Async moves side effects onto a goroutine. Tests run them inline.
	Async bool
}

// NewService creates a new orders service. attribution, cartRecovery and
// notifier may be nil.
func NewService(db *gorm.DB, inventoryService *inventory.Service, attributionService *attribution.Service, cartRecovery *lifecycle.CartRecovery, notifier Notifier, log logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		db:           db,
		inventory:    inventoryService,
		attribution:  attributionService,
		cartRecovery: cartRecovery,
		notifier:     notifier,
		log:          log,
		Async:        true,
	}
}

// CreateOrder assembles a completed order from a checkout. It returns the
// order, its tickets, and the customer id, or a *CreationError. Side effects
// (confirmation email, attribution, cart recovery) never change the result.
func (s *Service) CreateOrder(ctx context.Context, in CheckoutInput) (*Result, error) {
	return s.create(ctx, in, false)
}

// CreateMerchPreOrder is the merch-only variant: the same assembly skeleton
// against a hidden merch-pass sellable that never appears on the storefront.
func (s *Service) CreateMerchPreOrder(ctx context.Context, in CheckoutInput) (*Result, error) {
	return s.create(ctx, in, true)
}

func (s *Service) create(ctx context.Context, in CheckoutInput, merch bool) (*Result, error) {
	if len(in.Items) == 0 {
		return nil, creationError(http.StatusBadRequest, "empty_order", "order has no items", nil)
	}

	sellables, err := s.resolveSellables(ctx, in, merch)
	if err != nil {
		return nil, err
	}

	customer, err := s.upsertCustomer(ctx, in)
	if err != nil {
		return nil, markCaptured(creationError(http.StatusInternalServerError, "customer_upsert_failed", "failed to save customer", err), in)
	}

	// Prices come from the sellable rows at call time, never from the client.
	var subtotal int64
	for _, item := range in.Items {
		tt, ok := sellables[item.TicketTypeID]
		if !ok {
			continue
		}
		subtotal += tt.PriceCents * int64(item.Quantity)
	}

	// A supplied charged amount marks an externally processed payment; its
	// difference from the subtotal is the fee. Absent, fees are zero.
	var fees, total int64
	if in.ChargedAmountCents != nil {
		fees = *in.ChargedAmountCents - subtotal
		total = *in.ChargedAmountCents
	} else {
		total = subtotal
	}

	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, in.OrganizationID).Error; err != nil {
		return nil, markCaptured(creationError(http.StatusNotFound, "organization_not_found", "organization not found", err), in)
	}

	order, err := s.insertOrder(ctx, in, customer.ID, subtotal, fees, total, org.Currency)
	if err != nil {
		return nil, markCaptured(err, in)
	}

	tickets, err := s.issueLines(ctx, in, order, customer.ID, sellables)
	if err != nil {
		return nil, markCaptured(err, in)
	}

	if err := s.RecomputeCustomerAggregates(ctx, customer.ID); err != nil {
		s.log.Error("orders: customer aggregate recompute failed", "customer_id", customer.ID, "error", err)
	}

	s.runSideEffects(order, tickets, customer, sellables, in)

	return &Result{Order: order, Tickets: tickets, CustomerID: customer.ID}, nil
}

// resolveSellables batch-fetches the requested ticket types. Unknown ids are
// skipped; an order where nothing resolves is rejected. The storefront path
// refuses hidden sellables, the merch path requires them.
func (s *Service) resolveSellables(ctx context.Context, in CheckoutInput, merch bool) (map[uint]*models.TicketType, error) {
	ids := make([]uint, 0, len(in.Items))
	for _, item := range in.Items {
		ids = append(ids, item.TicketTypeID)
	}

	var rows []models.TicketType
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND event_id = ? AND id IN ?", in.OrganizationID, in.EventID, ids).
		Find(&rows).Error
	if err != nil {
		return nil, creationError(http.StatusInternalServerError, "sellable_lookup_failed", "failed to resolve ticket types", err)
	}

	sellables := make(map[uint]*models.TicketType, len(rows))
	for i := range rows {
		tt := &rows[i]
		if merch && tt.Kind != models.TicketTypeKindMerchPass {
			continue
		}
		if !merch && tt.Hidden {
			continue
		}
		sellables[tt.ID] = tt
	}
	if len(sellables) == 0 {
		return nil, creationError(http.StatusBadRequest, "no_valid_items", "no purchasable items in order", nil)
	}
	return sellables, nil
}

func (s *Service) upsertCustomer(ctx context.Context, in CheckoutInput) (*models.Customer, error) {
	emailAddr := strings.ToLower(strings.TrimSpace(in.CustomerEmail))

	var customer models.Customer
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND email = ?", in.OrganizationID, emailAddr).
		First(&customer).Error
	if err == nil {
		updates := map[string]any{}
		if in.CustomerName != "" {
			updates["name"] = in.CustomerName
		}
		if in.CustomerPhone != "" {
			updates["phone"] = in.CustomerPhone
		}
		if len(updates) > 0 {
			if err := s.db.WithContext(ctx).Model(&customer).Updates(updates).Error; err != nil {
				return nil, err
			}
		}
		return &customer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	customer = models.Customer{
		OrganizationID: in.OrganizationID,
		Email:          emailAddr,
		Name:           in.CustomerName,
		Phone:          in.CustomerPhone,
	}
	if err := s.db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// insertOrder creates the order row, retrying only on order-number uniqueness
// collisions. Any other insert error aborts.
func (s *Service) insertOrder(ctx context.Context, in CheckoutInput, customerID uint, subtotal, fees, total int64, currency string) (*models.Order, error) {
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		number, err := generateOrderNumber()
		if err != nil {
			return nil, creationError(http.StatusInternalServerError, "number_generation_failed", "failed to generate order number", err)
		}

		order := models.Order{
			OrganizationID: in.OrganizationID,
			Number:         number,
			EventID:        in.EventID,
			CustomerID:     customerID,
			Status:         models.OrderStatusCompleted,
			SubtotalCents:  subtotal,
			FeesCents:      fees,
			TotalCents:     total,
			Currency:       currency,
			PaymentRef:     in.PaymentRef,
		}
		err = s.db.WithContext(ctx).Create(&order).Error
		if err == nil {
			return &order, nil
		}
		if !isUniqueViolation(err) {
			return nil, creationError(http.StatusInternalServerError, "order_insert_failed", "failed to create order", err)
		}
	}
	return nil, creationError(http.StatusInternalServerError, "order_number_exhausted", "failed to allocate a unique order number", nil)
}

// issueLines writes one order item per line and one ticket row per unit, then
// moves the sold counter. An inventory failure after the tickets exist is
// logged, not fatal: the sale already happened.
func (s *Service) issueLines(ctx context.Context, in CheckoutInput, order *models.Order, customerID uint, sellables map[uint]*models.TicketType) ([]models.Ticket, error) {
	var tickets []models.Ticket

	for _, line := range in.Items {
		tt, ok := sellables[line.TicketTypeID]
		if !ok {
			continue
		}

		item := models.OrderItem{
			OrderID:        order.ID,
			TicketTypeID:   tt.ID,
			Quantity:       line.Quantity,
			UnitPriceCents: tt.PriceCents,
		}
		if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
			return nil, creationError(http.StatusInternalServerError, "order_item_insert_failed", "failed to create order item", err)
		}

		for i := 0; i < line.Quantity; i++ {
			code, err := generateTicketCode()
			if err != nil {
				return nil, creationError(http.StatusInternalServerError, "code_generation_failed", "failed to generate ticket code", err)
			}
			ticket := models.Ticket{
				OrganizationID: in.OrganizationID,
				OrderID:        order.ID,
				OrderItemID:    item.ID,
				TicketTypeID:   tt.ID,
				CustomerID:     customerID,
				Code:           code,
				HolderName:     in.CustomerName,
				HolderEmail:    strings.ToLower(strings.TrimSpace(in.CustomerEmail)),
				MerchSize:      line.MerchSize,
			}
			if err := s.db.WithContext(ctx).Create(&ticket).Error; err != nil {
				return nil, creationError(http.StatusInternalServerError, "ticket_insert_failed", "failed to create ticket", err)
			}
			tickets = append(tickets, ticket)
		}

		if err := s.inventory.IncrementSold(ctx, tt.ID, line.Quantity); err != nil {
			s.log.Error("orders: inventory increment failed", "ticket_type_id", tt.ID, "qty", line.Quantity, "error", err)
		}
	}

	return tickets, nil
}

// RecomputeCustomerAggregates rebuilds the customer's denormalized totals
// from the authoritative completed-order set. Recomputation over increment:
// the aggregate self-heals from any prior drift.
func (s *Service) RecomputeCustomerAggregates(ctx context.Context, customerID uint) error {
	var agg struct {
		Count     int64
		Total     int64
		LastOrder *time.Time
	}
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Select("COUNT(*) AS count, COALESCE(SUM(total_cents), 0) AS total, MAX(created_at) AS last_order").
		Where("customer_id = ? AND status = ?", customerID, models.OrderStatusCompleted).
		Scan(&agg).Error
	if err != nil {
		return fmt.Errorf("failed to aggregate orders: %w", err)
	}

	return s.db.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ?", customerID).
		Updates(map[string]any{
			"total_orders":      agg.Count,
			"total_spent_cents": agg.Total,
			"last_order_at":     agg.LastOrder,
		}).Error
}

// RefundOrder marks a completed order refunded, rebuilds the customer
// aggregates, and reverses any attributed points and milestones.
func (s *Service) RefundOrder(ctx context.Context, orgID, orderID uint) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&order, orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, creationError(http.StatusNotFound, "order_not_found", "order not found", err)
		}
		return nil, creationError(http.StatusInternalServerError, "order_lookup_failed", "failed to load order", err)
	}
	if order.Status == models.OrderStatusRefunded {
		return nil, creationError(http.StatusConflict, "already_refunded", "order is already refunded", nil)
	}

	if err := s.db.WithContext(ctx).Model(&order).
		Update("status", models.OrderStatusRefunded).Error; err != nil {
		return nil, creationError(http.StatusInternalServerError, "refund_failed", "failed to mark order refunded", err)
	}
	order.Status = models.OrderStatusRefunded

	if err := s.RecomputeCustomerAggregates(ctx, order.CustomerID); err != nil {
		s.log.Error("orders: customer aggregate recompute failed", "customer_id", order.CustomerID, "error", err)
	}

	if s.attribution != nil {
		if err := s.attribution.ReverseSale(ctx, &order); err != nil {
			s.log.Error("orders: sale reversal failed", "order_id", order.ID, "error", err)
		}
	}

	return &order, nil
}

// runSideEffects fires the post-checkout effects. Their failure never changes
// the order result; in production they run off the request goroutine.
func (s *Service) runSideEffects(order *models.Order, tickets []models.Ticket, customer *models.Customer, sellables map[uint]*models.TicketType, in CheckoutInput) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if s.cartRecovery != nil {
			if err := s.cartRecovery.MarkRecovered(ctx, order.OrganizationID, order.EventID, customer.Email, order.ID); err != nil {
				s.log.Warn("orders: cart recovery close-out failed", "order_id", order.ID, "error", err)
			}
		}

		if s.notifier != nil {
			var eventName string
			for _, tt := range sellables {
				var event models.Event
				if err := s.db.WithContext(ctx).First(&event, tt.EventID).Error; err == nil {
					eventName = event.Name
				}
				break
			}
			codes := make([]string, 0, len(tickets))
			for _, t := range tickets {
				codes = append(codes, t.Code)
			}
			if err := s.notifier.SendOrderConfirmation(email.OrderConfirmationPayload{
				ToEmail:     customer.Email,
				ToName:      customer.Name,
				OrderNumber: order.Number,
				EventName:   eventName,
				TicketCodes: codes,
				TotalCents:  order.TotalCents,
				Currency:    order.Currency,
			}); err != nil {
				s.log.Warn("orders: confirmation email failed", "order_id", order.ID, "error", err)
			}
		}

		if s.attribution != nil && in.DiscountCode != "" {
			ticketCount := 0
			for _, t := range tickets {
				if tt, ok := sellables[t.TicketTypeID]; ok && tt.Kind == models.TicketTypeKindTicket {
					ticketCount++
				}
			}
			if ticketCount == 0 {
				ticketCount = len(tickets)
			}
			s.attribution.AttributeSale(ctx, order, in.DiscountCode, ticketCount)
		}
	}

	if s.Async {
		go run()
		return
	}
	run()
}

// markCaptured flags a fatal assembly error as post-payment when the checkout
// carried an externally captured charge: money moved but no order exists.
// Transports treat these as critical rather than as ordinary validation
// failures.
func markCaptured(err error, in CheckoutInput) error {
	if in.ChargedAmountCents == nil {
		return err
	}
	var ce *CreationError
	if errors.As(err, &ce) {
		ce.PaymentCaptured = true
	}
	return err
}

// isUniqueViolation matches the uniqueness errors of the supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

// generateOrderNumber produces a human-readable order number. Collisions are
// handled by the bounded insert retry.
func generateOrderNumber() (string, error) {
	raw, err := randomHex(8)
	if err != nil {
		return "", err
	}
	return "FQ-" + strings.ToUpper(raw), nil
}

func generateTicketCode() (string, error) {
	raw, err := randomHex(12)
	if err != nil {
		return "", err
	}
	return "TIX-" + strings.ToUpper(raw), nil
}

// randomHex returns length hex characters from crypto/rand.
func randomHex(length int) (string, error) {
	bytes := make([]byte, (length+1)/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
