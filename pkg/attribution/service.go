package attribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/discounts"
	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/points"
	"github.com/festiq/festiq/pkg/settings"
)

// Notifier sends milestone notifications. Failures are logged, never
// propagated.
type Notifier interface {
	SendMilestoneReached(p email.MilestonePayload) error
}

// Service links completed orders to reps through discount-code ownership,
// awards points, maintains the denormalized rep aggregates, and evaluates
// milestones. Everything here is a side effect of checkout: failures are
// logged and must never change the order outcome.
type Service struct {
	db        *gorm.DB
	discounts *discounts.Service
	points    *points.Service
	settings  *settings.Service
	notifier  Notifier
	log       logger.Logger
}

// NewService creates a new attribution service. Notifier may be nil.
func NewService(db *gorm.DB, discountService *discounts.Service, pointsService *points.Service, settingsService *settings.Service, notifier Notifier, log logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		db:        db,
		discounts: discountService,
		points:    pointsService,
		settings:  settingsService,
		notifier:  notifier,
		log:       log,
	}
}

// AttributionResult reports what a successful attribution did.
type AttributionResult struct {
	RepID         uint
	PointsAwarded float64
}

// AttributeSale links an order to the rep owning its discount code. It awards
// points (points_per_sale from org settings, times the ticket count),
// increments the rep's lifetime totals, updates the per-event stat row when
// the rep is assigned to the event, stamps the order metadata, and evaluates
// milestones. Returns nil when the order carries no attributable code; never
// returns an error to the checkout path.
func (s *Service) AttributeSale(ctx context.Context, order *models.Order, code string, ticketCount int) *AttributionResult {
	if code == "" {
		return nil
	}

	res, err := s.discounts.Resolve(ctx, order.OrganizationID, code)
	if err != nil {
		if !errors.Is(err, discounts.ErrCodeNotFound) {
			s.log.Error("attribution: code lookup failed", "order_id", order.ID, "code", code, "error", err)
		}
		return nil
	}
	if !res.Active {
		return nil
	}

	if err := s.discounts.RecordUse(ctx, res.CodeID); err != nil {
		s.log.Warn("attribution: failed to record code use", "code_id", res.CodeID, "error", err)
	}

	if res.RepID == nil {
		// Plain promo code, nothing to attribute.
		return nil
	}

	var rep models.Rep
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", order.OrganizationID).
		First(&rep, *res.RepID).Error; err != nil {
		s.log.Error("attribution: failed to load rep", "rep_id", *res.RepID, "error", err)
		return nil
	}
	if rep.Status != models.RepStatusActive {
		return nil
	}

	cfg, err := s.settings.Get(ctx, order.OrganizationID)
	if err != nil {
		s.log.Error("attribution: failed to load settings", "org_id", order.OrganizationID, "error", err)
		return nil
	}

	pointsAwarded := cfg.Rep.PointsPerSale * float64(ticketCount)

	award := s.points.Award(ctx, points.AwardInput{
		OrgID:       order.OrganizationID,
		RepID:       rep.ID,
		Delta:       pointsAwarded,
		SourceType:  models.PointsSourceSale,
		SourceID:    fmt.Sprintf("order:%d", order.ID),
		Description: fmt.Sprintf("Sale attribution for order %s", order.Number),
	})
	if award == nil {
		// Without a ledger entry there is nothing to reverse later; skip the
		// rest of the attribution so the order stays unstamped.
		return nil
	}

	// Lifetime totals are incremented, not recomputed. Cheaper than a
	// recompute and the drift risk is accepted for rep aggregates.
	if err := s.db.WithContext(ctx).Model(&models.Rep{}).
		Where("id = ?", rep.ID).
		UpdateColumns(map[string]any{
			"total_sales":         gorm.Expr("total_sales + 1"),
			"total_revenue_cents": gorm.Expr("total_revenue_cents + ?", order.TotalCents),
		}).Error; err != nil {
		s.log.Error("attribution: failed to update rep totals", "rep_id", rep.ID, "error", err)
	}

	// The stat row exists only when the rep is assigned to the event; a zero
	// row count here just means no assignment.
	if err := s.db.WithContext(ctx).Model(&models.RepEventStat{}).
		Where("rep_id = ? AND event_id = ?", rep.ID, order.EventID).
		UpdateColumns(map[string]any{
			"sales_count":   gorm.Expr("sales_count + 1"),
			"revenue_cents": gorm.Expr("revenue_cents + ?", order.TotalCents),
			"points_earned": gorm.Expr("points_earned + ?", pointsAwarded),
			"updated_at":    time.Now(),
		}).Error; err != nil {
		s.log.Error("attribution: failed to update rep event stat", "rep_id", rep.ID, "event_id", order.EventID, "error", err)
	}

	if err := s.stampOrder(ctx, order, rep.ID, pointsAwarded); err != nil {
		s.log.Error("attribution: failed to stamp order metadata", "order_id", order.ID, "error", err)
	}

	s.evaluateMilestones(ctx, &rep, order.EventID, award.NewBalance, order.TotalCents)

	return &AttributionResult{RepID: rep.ID, PointsAwarded: pointsAwarded}
}

// ReverseSale undoes the points and milestone effects of a refunded order.
// The deduction is the exact stamped amount, not a recomputation; settings may
// have changed since the sale. The ledger entry, balance movement, total
// decrements, and claim cancellations run inside one transaction. The level is
// recomputed afterward because thresholds live in external configuration.
func (s *Service) ReverseSale(ctx context.Context, order *models.Order) error {
	repID, pointsAwarded, ok := readStamp(order.MetadataJSON)
	if !ok {
		return nil
	}

	var rep models.Rep
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", order.OrganizationID).
		First(&rep, repID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load rep for reversal: %w", err)
	}

	newBalance := rep.PointsBalance - pointsAwarded
	newSalesCount := rep.TotalSales - 1
	newRevenue := rep.TotalRevenueCents - order.TotalCents

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := models.PointsLedgerEntry{
			OrganizationID: order.OrganizationID,
			RepID:          rep.ID,
			Delta:          -pointsAwarded,
			BalanceAfter:   newBalance,
			SourceType:     models.PointsSourceSaleReversal,
			SourceID:       fmt.Sprintf("order:%d", order.ID),
			Description:    fmt.Sprintf("Refund reversal for order %s", order.Number),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to write reversal ledger entry: %w", err)
		}

		if err := tx.Model(&models.Rep{}).
			Where("id = ?", rep.ID).
			UpdateColumns(map[string]any{
				"points_balance":      gorm.Expr("points_balance - ?", pointsAwarded),
				"total_sales":         gorm.Expr("total_sales - 1"),
				"total_revenue_cents": gorm.Expr("total_revenue_cents - ?", order.TotalCents),
			}).Error; err != nil {
			return fmt.Errorf("failed to reverse rep totals: %w", err)
		}

		if err := tx.Model(&models.RepEventStat{}).
			Where("rep_id = ? AND event_id = ?", rep.ID, order.EventID).
			UpdateColumns(map[string]any{
				"sales_count":   gorm.Expr("sales_count - 1"),
				"revenue_cents": gorm.Expr("revenue_cents - ?", order.TotalCents),
				"points_earned": gorm.Expr("points_earned - ?", pointsAwarded),
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return fmt.Errorf("failed to reverse rep event stat: %w", err)
		}

		return s.cancelDroppedClaims(tx, &rep, order.EventID, newBalance, newSalesCount, newRevenue)
	})
	if err != nil {
		return err
	}

	if err := s.points.RecomputeLevel(ctx, order.OrganizationID, rep.ID); err != nil {
		s.log.Warn("attribution: level recompute after reversal failed", "rep_id", rep.ID, "error", err)
	}

	return nil
}

// evaluateMilestones grants reward claims for every active milestone whose
// metric now meets its threshold and which this rep has not already claimed.
// The existing-claim check makes the grant exactly-once; cancelled claims
// don't count, so a milestone can be re-earned after a reversal.
func (s *Service) evaluateMilestones(ctx context.Context, rep *models.Rep, eventID uint, newBalance float64, orderTotalCents int64) {
	var milestones []models.Milestone
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND active = ?", rep.OrganizationID, true).
		Where("event_id IS NULL OR event_id = ?", eventID).
		Find(&milestones).Error; err != nil {
		s.log.Error("attribution: failed to load milestones", "org_id", rep.OrganizationID, "error", err)
		return
	}

	// The rep row was loaded before the totals moved; apply this sale's
	// contribution to get the post-sale metric values.
	salesCount := float64(rep.TotalSales + 1)
	revenue := float64(rep.TotalRevenueCents + orderTotalCents)

	for _, m := range milestones {
		value := metricValue(m.Metric, salesCount, revenue, newBalance)
		if value < m.Threshold {
			continue
		}

		var existing int64
		if err := s.db.WithContext(ctx).Model(&models.RewardClaim{}).
			Where("milestone_id = ? AND rep_id = ? AND status <> ?", m.ID, rep.ID, models.ClaimStatusCancelled).
			Count(&existing).Error; err != nil {
			s.log.Error("attribution: failed to check existing claims", "milestone_id", m.ID, "error", err)
			continue
		}
		if existing > 0 {
			continue
		}

		claim := models.RewardClaim{
			OrganizationID: rep.OrganizationID,
			MilestoneID:    m.ID,
			RepID:          rep.ID,
			Status:         models.ClaimStatusClaimed,
			ClaimedAt:      time.Now(),
		}
		if err := s.db.WithContext(ctx).Create(&claim).Error; err != nil {
			s.log.Error("attribution: failed to create reward claim", "milestone_id", m.ID, "rep_id", rep.ID, "error", err)
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.Milestone{}).
			Where("id = ?", m.ID).
			UpdateColumn("claimed_count", gorm.Expr("claimed_count + 1")).Error; err != nil {
			s.log.Error("attribution: failed to increment claimed count", "milestone_id", m.ID, "error", err)
		}

		if s.notifier != nil {
			if err := s.notifier.SendMilestoneReached(email.MilestonePayload{
				ToEmail:       rep.Email,
				ToName:        rep.Name,
				MilestoneName: m.Name,
				RewardName:    m.RewardName,
			}); err != nil {
				s.log.Warn("attribution: milestone notification failed", "milestone_id", m.ID, "error", err)
			}
		}
	}
}

// cancelDroppedClaims cancels claimed rewards whose milestone metric fell back
// below threshold after a reversal. Runs inside the reversal transaction.
func (s *Service) cancelDroppedClaims(tx *gorm.DB, rep *models.Rep, eventID uint, newBalance float64, newSalesCount int, newRevenueCents int64) error {
	var claims []models.RewardClaim
	if err := tx.
		Where("rep_id = ? AND status = ?", rep.ID, models.ClaimStatusClaimed).
		Find(&claims).Error; err != nil {
		return fmt.Errorf("failed to load reward claims: %w", err)
	}

	now := time.Now()
	for _, c := range claims {
		var m models.Milestone
		if err := tx.First(&m, c.MilestoneID).Error; err != nil {
			return fmt.Errorf("failed to load milestone %d: %w", c.MilestoneID, err)
		}
		if m.EventID != nil && *m.EventID != eventID {
			continue
		}

		value := metricValue(m.Metric, float64(newSalesCount), float64(newRevenueCents), newBalance)
		if value >= m.Threshold {
			continue
		}

		if err := tx.Model(&models.RewardClaim{}).
			Where("id = ?", c.ID).
			Updates(map[string]any{
				"status":       models.ClaimStatusCancelled,
				"cancelled_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to cancel reward claim %d: %w", c.ID, err)
		}
		if err := tx.Model(&models.Milestone{}).
			Where("id = ?", m.ID).
			UpdateColumn("claimed_count", gorm.Expr("claimed_count - 1")).Error; err != nil {
			return fmt.Errorf("failed to decrement claimed count: %w", err)
		}
	}

	return nil
}

func metricValue(metric string, salesCount, revenueCents, balance float64) float64 {
	switch metric {
	case models.MilestoneMetricSalesCount:
		return salesCount
	case models.MilestoneMetricRevenue:
		return revenueCents
	case models.MilestoneMetricPoints:
		return balance
	default:
		return 0
	}
}

// stampOrder merges the attribution into the order's metadata so a refund can
// reverse the exact awarded amount later.
func (s *Service) stampOrder(ctx context.Context, order *models.Order, repID uint, pointsAwarded float64) error {
	meta := map[string]any{}
	if order.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(order.MetadataJSON), &meta); err != nil {
			return fmt.Errorf("failed to parse order metadata: %w", err)
		}
	}
	meta["rep_id"] = repID
	meta["points_awarded"] = pointsAwarded

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode order metadata: %w", err)
	}

	order.MetadataJSON = string(raw)
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", order.ID).
		UpdateColumn("metadata_json", order.MetadataJSON).Error
}

// readStamp extracts the attribution stamp from order metadata. ok is false
// when the order was never attributed.
func readStamp(metadataJSON string) (repID uint, pointsAwarded float64, ok bool) {
	if metadataJSON == "" {
		return 0, 0, false
	}
	var meta struct {
		RepID         *float64 `json:"rep_id"`
		PointsAwarded *float64 `json:"points_awarded"`
	}
	if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
		return 0, 0, false
	}
	if meta.RepID == nil || meta.PointsAwarded == nil {
		return 0, 0, false
	}
	return uint(*meta.RepID), *meta.PointsAwarded, true
}
