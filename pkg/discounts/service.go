package discounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/models"
)

var (
	// ErrCodeNotFound is returned when the code doesn't exist for the org.
	ErrCodeNotFound = errors.New("discount code not found")
)

// Resolution describes a looked-up discount code. RepID is nil when the code
// has no owning rep (plain promo code).
type Resolution struct {
	CodeID uint
	Active bool
	RepID  *uint
}

// Service resolves storefront discount codes and manages rep code issuance.
type Service struct {
	db *gorm.DB
}

// NewService creates a new discounts service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Resolve looks up a code for an organization and reports whether it is
// currently usable. Expired or exhausted codes resolve as inactive rather
// than erroring.
func (s *Service) Resolve(ctx context.Context, orgID uint, code string) (*Resolution, error) {
	var dc models.DiscountCode
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND code = ?", orgID, strings.ToUpper(strings.TrimSpace(code))).
		First(&dc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to query discount code: %w", err)
	}

	active := dc.Active
	if dc.ExpiresAt != nil && dc.ExpiresAt.Before(time.Now()) {
		active = false
	}
	if dc.MaxUses > 0 && dc.Uses >= dc.MaxUses {
		active = false
	}

	return &Resolution{
		CodeID: dc.ID,
		Active: active,
		RepID:  dc.RepID,
	}, nil
}

// RecordUse increments the code's usage counter atomically.
func (s *Service) RecordUse(ctx context.Context, codeID uint) error {
	err := s.db.WithContext(ctx).
		Model(&models.DiscountCode{}).
		Where("id = ?", codeID).
		UpdateColumn("uses", gorm.Expr("uses + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to record code use: %w", err)
	}
	return nil
}

// CreateRepCode issues a new code owned by a rep. The code is random if
// preferred is empty; otherwise the preferred code is uppercased and used
// as-is.
func (s *Service) CreateRepCode(ctx context.Context, orgID, repID uint, preferred string) (*models.DiscountCode, error) {
	code := strings.ToUpper(strings.TrimSpace(preferred))
	if code == "" {
		generated, err := generateRandomCode(8)
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}
		code = strings.ToUpper(generated)
	}

	dc := models.DiscountCode{
		OrganizationID: orgID,
		Code:           code,
		RepID:          &repID,
		Active:         true,
	}
	if err := s.db.WithContext(ctx).Create(&dc).Error; err != nil {
		return nil, fmt.Errorf("failed to create discount code: %w", err)
	}

	return &dc, nil
}

// Helper: Generate cryptographically secure random code
func generateRandomCode(length int) (string, error) {
	bytes := make([]byte, (length+1)/2) // Each byte = 2 hex characters
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes)[:length], nil
}
