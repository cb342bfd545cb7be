package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/settings"
)

// Dispatcher is the email surface the campaigns need.
type Dispatcher interface {
	SendCartRecoveryStep(p email.CartRecoveryPayload) error
	SendAnnouncementStep(p email.AnnouncementPayload) error
}

// CartItem is one line of an abandoned cart, serialized into ItemsJSON.
type CartItem struct {
	TicketTypeID uint  `json:"ticket_type_id"`
	Quantity     int   `json:"quantity"`
	PriceCents   int64 `json:"price_cents"`
}

// CartRecovery drives abandoned carts through the recovery sequence.
type CartRecovery struct {
	db         *gorm.DB
	settings   *settings.Service
	dispatcher Dispatcher
}

// NewCartRecovery creates the cart recovery campaign.
func NewCartRecovery(db *gorm.DB, settingsService *settings.Service, dispatcher Dispatcher) *CartRecovery {
	return &CartRecovery{db: db, settings: settingsService, dispatcher: dispatcher}
}

// Name implements Campaign.
func (c *CartRecovery) Name() string { return "cart_recovery" }

// Sequence implements Campaign.
func (c *CartRecovery) Sequence(ctx context.Context, orgID uint) (settings.SequenceSettings, error) {
	cfg, err := c.settings.Get(ctx, orgID)
	if err != nil {
		return settings.SequenceSettings{}, err
	}
	return cfg.CartRecovery, nil
}

// Track records a cart for recovery. An in-flow cart for the same
// (org, event, email) is refreshed in place rather than duplicated.
func (c *CartRecovery) Track(ctx context.Context, orgID, eventID uint, emailAddr, name string, items []CartItem) (*models.AbandonedCart, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cart items: %w", err)
	}

	var existing models.AbandonedCart
	err = c.db.WithContext(ctx).
		Where("organization_id = ? AND event_id = ? AND email = ? AND status IN ?",
			orgID, eventID, emailAddr,
			[]string{models.LifecycleStatusPending, models.LifecycleStatusAbandoned}).
		First(&existing).Error
	if err == nil {
		// Same shopper, same event: restart the sequence on the fresh cart.
		updates := map[string]any{
			"items_json":         string(raw),
			"name":               name,
			"status":             models.LifecycleStatusPending,
			"notification_count": 0,
			"created_at":         time.Now(),
		}
		if err := c.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to refresh cart: %w", err)
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing cart: %w", err)
	}

	cart := models.AbandonedCart{
		OrganizationID: orgID,
		EventID:        eventID,
		Email:          emailAddr,
		Name:           name,
		ItemsJSON:      string(raw),
		Status:         models.LifecycleStatusPending,
	}
	if err := c.db.WithContext(ctx).Create(&cart).Error; err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	return &cart, nil
}

// MarkRecovered closes open carts for a shopper who just completed checkout.
// Called from the order path; safe when no cart exists.
func (c *CartRecovery) MarkRecovered(ctx context.Context, orgID, eventID uint, emailAddr string, orderID uint) error {
	return c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
		Where("organization_id = ? AND event_id = ? AND email = ? AND status IN ?",
			orgID, eventID, strings.ToLower(strings.TrimSpace(emailAddr)),
			[]string{models.LifecycleStatusPending, models.LifecycleStatusAbandoned}).
		Updates(map[string]any{
			"status":             models.LifecycleStatusRecovered,
			"recovered_order_id": orderID,
		}).Error
}

// Unsubscribe opts a contact out of further recovery emails across all their
// open carts in the org.
func (c *CartRecovery) Unsubscribe(ctx context.Context, orgID uint, emailAddr string) error {
	return c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
		Where("organization_id = ? AND email = ? AND unsubscribed_at IS NULL",
			orgID, strings.ToLower(strings.TrimSpace(emailAddr))).
		Update("unsubscribed_at", time.Now()).Error
}

// Promote implements Campaign.
func (c *CartRecovery) Promote(ctx context.Context, orgID uint, cutoff time.Time) (int64, error) {
	res := c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
		Where("organization_id = ? AND status = ? AND created_at < ?",
			orgID, models.LifecycleStatusPending, cutoff).
		Update("status", models.LifecycleStatusAbandoned)
	return res.RowsAffected, res.Error
}

// Expire implements Campaign.
func (c *CartRecovery) Expire(ctx context.Context, orgID uint, horizon time.Time) (int64, error) {
	res := c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
		Where("organization_id = ? AND status = ? AND created_at < ?",
			orgID, models.LifecycleStatusAbandoned, horizon).
		Update("status", models.LifecycleStatusExpired)
	return res.RowsAffected, res.Error
}

// Eligible implements Campaign.
func (c *CartRecovery) Eligible(ctx context.Context, orgID uint, stepIndex, limit int) ([]Record, error) {
	var carts []models.AbandonedCart
	err := c.db.WithContext(ctx).
		Where("organization_id = ? AND status = ? AND notification_count = ?",
			orgID, models.LifecycleStatusAbandoned, stepIndex).
		Order("created_at").
		Limit(limit).
		Find(&carts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible carts: %w", err)
	}

	records := make([]Record, 0, len(carts))
	for _, cart := range carts {
		records = append(records, Record{
			ID:                cart.ID,
			OrganizationID:    cart.OrganizationID,
			EventID:           cart.EventID,
			Email:             cart.Email,
			Name:              cart.Name,
			Status:            cart.Status,
			NotificationCount: cart.NotificationCount,
			Unsubscribed:      cart.UnsubscribedAt != nil,
			CreatedAt:         cart.CreatedAt,
		})
	}
	return records, nil
}

// Anchor implements Campaign. Cart steps are normally anchored to cart
// creation; on-sale anchors resolve against the event.
func (c *CartRecovery) Anchor(ctx context.Context, rec Record, anchor string) (time.Time, bool, error) {
	return resolveAnchor(ctx, c.db, rec, anchor)
}

// Suppress implements Campaign. A cart for a cancelled or past event expires;
// a cart whose shopper already bought tickets is recovered.
func (c *CartRecovery) Suppress(ctx context.Context, rec Record) (string, error) {
	var event models.Event
	if err := c.db.WithContext(ctx).First(&event, rec.EventID).Error; err != nil {
		return "", fmt.Errorf("failed to load event: %w", err)
	}
	if event.Status == models.EventStatusCancelled || event.Status == models.EventStatusPast ||
		event.StartsAt.Before(time.Now()) {
		return models.LifecycleStatusExpired, nil
	}

	purchased, orderID, err := completedOrderFor(ctx, c.db, rec.OrganizationID, rec.EventID, rec.Email)
	if err != nil {
		return "", err
	}
	if purchased {
		// Close it directly so the recovered order link is kept.
		err := c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
			Where("id = ?", rec.ID).
			Updates(map[string]any{
				"status":             models.LifecycleStatusRecovered,
				"recovered_order_id": orderID,
			}).Error
		if err != nil {
			return "", fmt.Errorf("failed to mark cart recovered: %w", err)
		}
		return models.LifecycleStatusRecovered, nil
	}

	return "", nil
}

// Refresh implements Campaign.
func (c *CartRecovery) Refresh(ctx context.Context, id uint) (Snapshot, error) {
	var cart models.AbandonedCart
	if err := c.db.WithContext(ctx).First(&cart, id).Error; err != nil {
		return Snapshot{}, fmt.Errorf("failed to refresh cart: %w", err)
	}
	return Snapshot{
		Status:            cart.Status,
		NotificationCount: cart.NotificationCount,
		Unsubscribed:      cart.UnsubscribedAt != nil,
	}, nil
}

// MarkStatus implements Campaign.
func (c *CartRecovery) MarkStatus(ctx context.Context, id uint, status string) error {
	return c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// Dispatch implements Campaign.
func (c *CartRecovery) Dispatch(ctx context.Context, rec Record, step settings.StepConfig, stepIndex int) error {
	var event models.Event
	if err := c.db.WithContext(ctx).First(&event, rec.EventID).Error; err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	return c.dispatcher.SendCartRecoveryStep(email.CartRecoveryPayload{
		ToEmail:   rec.Email,
		ToName:    rec.Name,
		EventName: event.Name,
		Template:  step.Template,
		StepIndex: stepIndex,
		CartID:    rec.ID,
	})
}

// Advance implements Campaign. The guard on status and pointer makes repeated
// sweeps safe: the second writer matches zero rows.
func (c *CartRecovery) Advance(ctx context.Context, id uint, fromStep int) (bool, error) {
	res := c.db.WithContext(ctx).Model(&models.AbandonedCart{}).
		Where("id = ? AND status = ? AND notification_count = ?",
			id, models.LifecycleStatusAbandoned, fromStep).
		Update("notification_count", fromStep+1)
	if res.Error != nil {
		return false, fmt.Errorf("failed to advance cart pointer: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// resolveAnchor maps a step anchor to a concrete time for a record. Shared by
// both campaigns.
func resolveAnchor(ctx context.Context, db *gorm.DB, rec Record, anchor string) (time.Time, bool, error) {
	switch anchor {
	case settings.AnchorOnSale:
		var event models.Event
		if err := db.WithContext(ctx).First(&event, rec.EventID).Error; err != nil {
			return time.Time{}, false, fmt.Errorf("failed to load event for anchor: %w", err)
		}
		if event.OnSaleAt == nil {
			return time.Time{}, false, nil
		}
		return *event.OnSaleAt, true, nil
	default:
		return rec.CreatedAt, true, nil
	}
}

// completedOrderFor reports whether the contact already completed an order for
// the event, returning the most recent matching order id.
func completedOrderFor(ctx context.Context, db *gorm.DB, orgID, eventID uint, emailAddr string) (bool, uint, error) {
	var order models.Order
	err := db.WithContext(ctx).
		Joins("JOIN customers ON customers.id = orders.customer_id").
		Where("orders.organization_id = ? AND orders.event_id = ? AND orders.status = ? AND customers.email = ?",
			orgID, eventID, models.OrderStatusCompleted, strings.ToLower(emailAddr)).
		Order("orders.id DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("failed to check purchases: %w", err)
	}
	return true, order.ID, nil
}
