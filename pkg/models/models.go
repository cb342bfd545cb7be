package models

import "time"

// Organization is the tenant root. Every domain row carries its ID.
type Organization struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	Slug         string    `gorm:"size:100;uniqueIndex" json:"slug"`
	Currency     string    `gorm:"size:3;default:USD" json:"currency"`
	SettingsJSON string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event statuses.
const (
	EventStatusDraft     = "draft"
	EventStatusLive      = "live"
	EventStatusPast      = "past"
	EventStatusCancelled = "cancelled"
)

// Event is what tickets are sold for.
type Event struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OrganizationID uint       `gorm:"index;not null" json:"organization_id"`
	Name           string     `gorm:"size:200;not null" json:"name"`
	Status         string     `gorm:"size:20;default:live" json:"status"`
	StartsAt       time.Time  `json:"starts_at"`
	OnSaleAt       *time.Time `json:"on_sale_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Ticket type kinds. Merch passes are hidden sellables backing merch-only
// pre-orders; they never appear on the storefront.
const (
	TicketTypeKindTicket    = "ticket"
	TicketTypeKindMerchPass = "merch_pass"
)

// TicketType is a purchasable unit (sellable) with a price and a sold counter.
// The Sold column must only move through the inventory service's atomic
// increment, never through read-modify-write.
type TicketType struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index;not null" json:"organization_id"`
	EventID        uint      `gorm:"index;not null" json:"event_id"`
	Name           string    `gorm:"size:200;not null" json:"name"`
	Kind           string    `gorm:"size:20;default:ticket" json:"kind"`
	PriceCents     int64     `gorm:"not null" json:"price_cents"`
	Capacity       int       `gorm:"default:0" json:"capacity"`
	Sold           int       `gorm:"default:0" json:"sold"`
	Hidden         bool      `gorm:"default:false" json:"hidden"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Customer identity is (organization, lowercased email); upserted, never
// duplicated. Aggregates are recomputed from completed orders, not
// incremented.
type Customer struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	OrganizationID  uint       `gorm:"uniqueIndex:idx_customers_org_email;not null" json:"organization_id"`
	Email           string     `gorm:"uniqueIndex:idx_customers_org_email;size:254;not null" json:"email"`
	Name            string     `gorm:"size:200" json:"name"`
	Phone           string     `gorm:"size:50" json:"phone,omitempty"`
	TotalOrders     int        `gorm:"default:0" json:"total_orders"`
	TotalSpentCents int64      `gorm:"default:0" json:"total_spent_cents"`
	LastOrderAt     *time.Time `json:"last_order_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Order statuses.
const (
	OrderStatusCompleted = "completed"
	OrderStatusRefunded  = "refunded"
)

// Order is created once per checkout. Immutable except for status and
// metadata patches (refund, attribution stamping). Metadata is a JSON object
// serialized into MetadataJSON.
type Order struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"uniqueIndex:idx_orders_org_number;not null" json:"organization_id"`
	Number         string    `gorm:"uniqueIndex:idx_orders_org_number;size:20;not null" json:"number"`
	EventID        uint      `gorm:"index" json:"event_id"`
	CustomerID     uint      `gorm:"index" json:"customer_id"`
	Status         string    `gorm:"size:20;default:completed" json:"status"`
	SubtotalCents  int64     `json:"subtotal_cents"`
	FeesCents      int64     `json:"fees_cents"`
	TotalCents     int64     `json:"total_cents"`
	Currency       string    `gorm:"size:3" json:"currency"`
	PaymentRef     string    `gorm:"size:100;index" json:"payment_ref,omitempty"`
	MetadataJSON   string    `gorm:"type:text" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OrderItem records quantity and unit price at time of sale. The price is
// never re-derived later.
type OrderItem struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrderID        uint      `gorm:"index;not null" json:"order_id"`
	TicketTypeID   uint      `gorm:"index;not null" json:"ticket_type_id"`
	Quantity       int       `gorm:"not null" json:"quantity"`
	UnitPriceCents int64     `gorm:"not null" json:"unit_price_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

// Ticket is one row per unit sold, owned by exactly one order item. The
// customer reference is a back-reference, not an owner.
type Ticket struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index;not null" json:"organization_id"`
	OrderID        uint      `gorm:"index;not null" json:"order_id"`
	OrderItemID    uint      `gorm:"index;not null" json:"order_item_id"`
	TicketTypeID   uint      `gorm:"index;not null" json:"ticket_type_id"`
	CustomerID     uint      `gorm:"index" json:"customer_id"`
	Code           string    `gorm:"uniqueIndex;size:20;not null" json:"code"`
	HolderName     string    `gorm:"size:200" json:"holder_name"`
	HolderEmail    string    `gorm:"size:254" json:"holder_email"`
	MerchSize      string    `gorm:"size:10" json:"merch_size,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Rep statuses.
const (
	RepStatusActive   = "active"
	RepStatusInactive = "inactive"
)

// Rep is a promoter-referred seller. PointsBalance and Level are derived
// caches of the points ledger; TotalSales/TotalRevenueCents are incremented
// denormalized aggregates.
type Rep struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	OrganizationID    uint      `gorm:"index;not null" json:"organization_id"`
	Name              string    `gorm:"size:200;not null" json:"name"`
	Email             string    `gorm:"size:254;index" json:"email"`
	Status            string    `gorm:"size:20;default:active" json:"status"`
	PointsBalance     float64   `gorm:"default:0" json:"points_balance"`
	Level             int       `gorm:"default:1" json:"level"`
	TotalSales        int       `gorm:"default:0" json:"total_sales"`
	TotalRevenueCents int64     `gorm:"default:0" json:"total_revenue_cents"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Points ledger source types.
const (
	PointsSourceSale         = "sale"
	PointsSourceSaleReversal = "sale_reversal"
	PointsSourceMilestone    = "milestone"
	PointsSourceManual       = "manual"
)

// PointsLedgerEntry is append-only and immutable once written. The ledger is
// the source of truth; Rep.PointsBalance must always equal the sum of deltas.
type PointsLedgerEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index;not null" json:"organization_id"`
	RepID          uint      `gorm:"index;not null" json:"rep_id"`
	Delta          float64   `gorm:"not null" json:"delta"`
	BalanceAfter   float64   `gorm:"not null" json:"balance_after"`
	SourceType     string    `gorm:"size:30;not null" json:"source_type"`
	SourceID       string    `gorm:"size:100;index" json:"source_id"`
	Description    string    `gorm:"size:500" json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// Milestone metrics.
const (
	MilestoneMetricSalesCount = "sales_count"
	MilestoneMetricRevenue    = "revenue"
	MilestoneMetricPoints     = "points"
)

// Milestone auto-grants a reward claim exactly once when a rep's metric
// meets or exceeds the threshold. EventID nil means global scope.
type Milestone struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index;not null" json:"organization_id"`
	EventID        *uint     `gorm:"index" json:"event_id,omitempty"`
	Name           string    `gorm:"size:200;not null" json:"name"`
	Metric         string    `gorm:"size:20;not null" json:"metric"`
	Threshold      float64   `gorm:"not null" json:"threshold"`
	RewardName     string    `gorm:"size:200" json:"reward_name"`
	ClaimedCount   int       `gorm:"default:0" json:"claimed_count"`
	Active         bool      `gorm:"default:true" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Reward claim statuses. Claims are cancelled, never deleted.
const (
	ClaimStatusClaimed   = "claimed"
	ClaimStatusFulfilled = "fulfilled"
	ClaimStatusCancelled = "cancelled"
)

// RewardClaim records a granted milestone reward for a rep.
type RewardClaim struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OrganizationID uint       `gorm:"index;not null" json:"organization_id"`
	MilestoneID    uint       `gorm:"index;not null" json:"milestone_id"`
	RepID          uint       `gorm:"index;not null" json:"rep_id"`
	Status         string     `gorm:"size:20;default:claimed" json:"status"`
	ClaimedAt      time.Time  `json:"claimed_at"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// DiscountCode links storefront codes to reps for attribution. MaxUses zero
// means unlimited.
type DiscountCode struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OrganizationID uint       `gorm:"uniqueIndex:idx_discount_codes_org_code;not null" json:"organization_id"`
	Code           string     `gorm:"uniqueIndex:idx_discount_codes_org_code;size:50;not null" json:"code"`
	RepID          *uint      `gorm:"index" json:"rep_id,omitempty"`
	Active         bool       `gorm:"default:true" json:"active"`
	MaxUses        int        `gorm:"default:0" json:"max_uses"`
	Uses           int        `gorm:"default:0" json:"uses"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RepEventStat is the per-(rep, event) aggregate, pre-created when a rep is
// assigned to an event. Attribution updates it only if the row exists.
type RepEventStat struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index;not null" json:"organization_id"`
	RepID          uint      `gorm:"uniqueIndex:idx_rep_event_stats;not null" json:"rep_id"`
	EventID        uint      `gorm:"uniqueIndex:idx_rep_event_stats;not null" json:"event_id"`
	SalesCount     int       `gorm:"default:0" json:"sales_count"`
	RevenueCents   int64     `gorm:"default:0" json:"revenue_cents"`
	PointsEarned   float64   `gorm:"default:0" json:"points_earned"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Lifecycle record statuses, shared by abandoned carts and announcement
// signups. "abandoned" is the in-flow state eligible for step processing.
const (
	LifecycleStatusPending   = "pending"
	LifecycleStatusAbandoned = "abandoned"
	LifecycleStatusExpired   = "expired"
	LifecycleStatusRecovered = "recovered"
	LifecycleStatusCompleted = "completed"
)

// AbandonedCart is the state-machine subject for cart recovery.
// NotificationCount is the step pointer; it only advances through the
// lifecycle runner's compare-and-swap update.
type AbandonedCart struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	OrganizationID    uint       `gorm:"index;not null" json:"organization_id"`
	EventID           uint       `gorm:"index;not null" json:"event_id"`
	Email             string     `gorm:"size:254;index;not null" json:"email"`
	Name              string     `gorm:"size:200" json:"name"`
	ItemsJSON         string     `gorm:"type:text" json:"-"`
	Status            string     `gorm:"size:20;default:pending;index" json:"status"`
	NotificationCount int        `gorm:"default:0" json:"notification_count"`
	UnsubscribedAt    *time.Time `json:"unsubscribed_at,omitempty"`
	RecoveredOrderID  *uint      `json:"recovered_order_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// AnnouncementSignup is the state-machine subject for pre-launch nurture.
// It shares the cart's status vocabulary and step-pointer mechanics.
type AnnouncementSignup struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	OrganizationID    uint       `gorm:"index;not null" json:"organization_id"`
	EventID           uint       `gorm:"index;not null" json:"event_id"`
	Email             string     `gorm:"size:254;index;not null" json:"email"`
	Name              string     `gorm:"size:200" json:"name"`
	Status            string     `gorm:"size:20;default:pending;index" json:"status"`
	NotificationCount int        `gorm:"default:0" json:"notification_count"`
	UnsubscribedAt    *time.Time `json:"unsubscribed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ErrorResponse is the standard API error body. PaymentCaptured marks the
// orphaned-payment case: the charge succeeded but order assembly failed.
type ErrorResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	PaymentCaptured bool   `json:"payment_captured,omitempty"`
}

// All returns every model for AutoMigrate.
func All() []any {
	return []any{
		&Organization{},
		&Event{},
		&TicketType{},
		&Customer{},
		&Order{},
		&OrderItem{},
		&Ticket{},
		&Rep{},
		&PointsLedgerEntry{},
		&Milestone{},
		&RewardClaim{},
		&DiscountCode{},
		&RepEventStat{},
		&AbandonedCart{},
		&AnnouncementSignup{},
	}
}
