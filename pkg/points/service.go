package points

import (
	"context"
	"math"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/settings"
)

// Notifier sends rep-facing notifications. Failures are logged, never
// propagated.
type Notifier interface {
	SendLevelUp(p email.LevelUpPayload) error
}

// Service maintains the append-only points ledger and the derived balance and
// level on the rep row. The ledger row is written before the balance moves;
// the balance must never change without a matching ledger entry.
type Service struct {
	db       *gorm.DB
	settings *settings.Service
	notifier Notifier
	log      logger.Logger
}

// NewService creates a new points service. Notifier may be nil.
func NewService(db *gorm.DB, settingsService *settings.Service, notifier Notifier, log logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{db: db, settings: settingsService, notifier: notifier, log: log}
}

// AwardInput describes one ledger movement.
type AwardInput struct {
	OrgID       uint
	RepID       uint
	Delta       float64
	SourceType  string
	SourceID    string
	Description string
}

// Result reports the state after a successful ledger movement.
type Result struct {
	NewBalance float64
	NewLevel   int
	LeveledUp  bool
}

// Award appends a ledger entry and moves the balance and level together.
// It never returns an error: any failure is logged and surfaced as nil so
// callers degrade gracefully (skip a notification rather than fail an order).
func (s *Service) Award(ctx context.Context, in AwardInput) *Result {
	cfg, err := s.settings.Get(ctx, in.OrgID)
	if err != nil {
		s.log.Error("points: failed to load settings", "org_id", in.OrgID, "error", err)
		return nil
	}

	var rep models.Rep
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", in.OrgID).
		First(&rep, in.RepID).Error; err != nil {
		s.log.Error("points: failed to load rep", "rep_id", in.RepID, "error", err)
		return nil
	}

	oldLevel := rep.Level
	newBalance := rep.PointsBalance + in.Delta
	newLevel := settings.LevelFor(newBalance, cfg.Rep.LevelThresholds)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Ledger first: the balance only moves once the entry exists.
		entry := models.PointsLedgerEntry{
			OrganizationID: in.OrgID,
			RepID:          in.RepID,
			Delta:          in.Delta,
			BalanceAfter:   newBalance,
			SourceType:     in.SourceType,
			SourceID:       in.SourceID,
			Description:    in.Description,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		return tx.Model(&models.Rep{}).
			Where("id = ?", rep.ID).
			Updates(map[string]any{
				"points_balance": newBalance,
				"level":          newLevel,
			}).Error
	})
	if err != nil {
		s.log.Error("points: ledger write failed", "rep_id", in.RepID, "delta", in.Delta, "error", err)
		return nil
	}

	leveledUp := newLevel > oldLevel && in.Delta > 0
	if leveledUp && s.notifier != nil {
		if err := s.notifier.SendLevelUp(email.LevelUpPayload{
			ToEmail:  rep.Email,
			ToName:   rep.Name,
			NewLevel: newLevel,
			Balance:  newBalance,
		}); err != nil {
			s.log.Warn("points: level-up notification failed", "rep_id", rep.ID, "error", err)
		}
	}

	return &Result{NewBalance: newBalance, NewLevel: newLevel, LeveledUp: leveledUp}
}

// Deduct is Award with the delta's sign forced negative. The balance may go
// negative; any floor is the caller's policy.
func (s *Service) Deduct(ctx context.Context, in AwardInput) *Result {
	in.Delta = -math.Abs(in.Delta)
	return s.Award(ctx, in)
}

// RecomputeLevel refreshes the cached level from the current balance. Used
// after operations that move the balance outside Award (the refund reversal
// transaction).
func (s *Service) RecomputeLevel(ctx context.Context, orgID, repID uint) error {
	cfg, err := s.settings.Get(ctx, orgID)
	if err != nil {
		return err
	}

	var rep models.Rep
	if err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		First(&rep, repID).Error; err != nil {
		return err
	}

	level := settings.LevelFor(rep.PointsBalance, cfg.Rep.LevelThresholds)
	if level == rep.Level {
		return nil
	}

	return s.db.WithContext(ctx).Model(&models.Rep{}).
		Where("id = ?", repID).
		Update("level", level).Error
}
