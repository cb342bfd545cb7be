package inventory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/models"
)

var (
	// ErrSoldOut is returned by the capped increment when the increment
	// would exceed capacity.
	ErrSoldOut = errors.New("ticket type sold out")
	// ErrNotFound is returned when the ticket type doesn't exist.
	ErrNotFound = errors.New("ticket type not found")
)

// Service maintains the per-ticket-type sold counter. All movement goes
// through database-side increments; the counter is never read-modify-written
// from application code.
type Service struct {
	db *gorm.DB
}

// NewService creates a new inventory service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// IncrementSold atomically adds qty to the sold counter. Safe under
// concurrent checkouts: the increment happens inside the UPDATE statement.
func (s *Service) IncrementSold(ctx context.Context, ticketTypeID uint, qty int) error {
	res := s.db.WithContext(ctx).
		Model(&models.TicketType{}).
		Where("id = ?", ticketTypeID).
		UpdateColumn("sold", gorm.Expr("sold + ?", qty))
	if res.Error != nil {
		return fmt.Errorf("failed to increment sold counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSoldCapped adds qty only if the resulting sold count stays within
// capacity. The capacity check lives in the WHERE clause, so the conditional
// increment is a single atomic statement; a zero row count means sold out.
// Capacity zero means uncapped.
func (s *Service) IncrementSoldCapped(ctx context.Context, ticketTypeID uint, qty int) error {
	res := s.db.WithContext(ctx).
		Model(&models.TicketType{}).
		Where("id = ? AND (capacity = 0 OR sold + ? <= capacity)", ticketTypeID, qty).
		UpdateColumn("sold", gorm.Expr("sold + ?", qty))
	if res.Error != nil {
		return fmt.Errorf("failed to increment sold counter: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.TicketType{}).
			Where("id = ?", ticketTypeID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check ticket type: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrSoldOut
	}
	return nil
}
