package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/cache"
	"github.com/festiq/festiq/pkg/models"
)

// Step anchors. A step's delay is measured from its anchor: record creation
// or the event's on-sale time.
const (
	AnchorCreated = "created"
	AnchorOnSale  = "on_sale"
)

// StepConfig describes one timed action in a lifecycle sequence.
type StepConfig struct {
	DelayMinutes int    `json:"delay_minutes"`
	Enabled      bool   `json:"enabled"`
	Template     string `json:"template"`
	Anchor       string `json:"anchor"`
}

// Delay returns the step delay as a duration.
func (s StepConfig) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// LevelThreshold maps a minimum points balance to a rep level. Thresholds
// are ordered ascending by MinPoints.
type LevelThreshold struct {
	Level     int     `json:"level"`
	MinPoints float64 `json:"min_points"`
}

// RepSettings holds per-org rep program configuration.
type RepSettings struct {
	PointsPerSale   float64          `json:"points_per_sale"`
	LevelThresholds []LevelThreshold `json:"level_thresholds"`
}

// SequenceSettings holds one lifecycle campaign's configuration.
type SequenceSettings struct {
	Enabled      bool         `json:"enabled"`
	GraceMinutes int          `json:"grace_minutes"`
	ExpiryHours  int          `json:"expiry_hours"`
	Steps        []StepConfig `json:"steps"`
}

// Grace returns the promotion grace window.
func (s SequenceSettings) Grace() time.Duration {
	return time.Duration(s.GraceMinutes) * time.Minute
}

// Expiry returns the expiry horizon.
func (s SequenceSettings) Expiry() time.Duration {
	return time.Duration(s.ExpiryHours) * time.Hour
}

// OrgSettings is the full per-tenant configuration bundle.
type OrgSettings struct {
	Rep           RepSettings      `json:"rep"`
	CartRecovery  SequenceSettings `json:"cart_recovery"`
	Announcements SequenceSettings `json:"announcements"`
}

// Defaults returns the platform default settings. Org overrides are merged
// on top of a fresh copy of this value.
func Defaults() OrgSettings {
	return OrgSettings{
		Rep: RepSettings{
			PointsPerSale: 10,
			LevelThresholds: []LevelThreshold{
				{Level: 1, MinPoints: 0},
				{Level: 2, MinPoints: 100},
				{Level: 3, MinPoints: 250},
				{Level: 4, MinPoints: 500},
			},
		},
		CartRecovery: SequenceSettings{
			Enabled:      true,
			GraceMinutes: 5,
			ExpiryHours:  168, // 7 days
			Steps: []StepConfig{
				{DelayMinutes: 60, Enabled: true, Template: "cart_reminder", Anchor: AnchorCreated},
				{DelayMinutes: 1440, Enabled: true, Template: "cart_second_chance", Anchor: AnchorCreated},
				{DelayMinutes: 4320, Enabled: true, Template: "cart_last_call", Anchor: AnchorCreated},
			},
		},
		Announcements: SequenceSettings{
			Enabled:      true,
			GraceMinutes: 5,
			ExpiryHours:  2160, // 90 days
			Steps: []StepConfig{
				{DelayMinutes: 0, Enabled: true, Template: "announce_welcome", Anchor: AnchorCreated},
				{DelayMinutes: 0, Enabled: true, Template: "announce_on_sale", Anchor: AnchorOnSale},
				{DelayMinutes: 2880, Enabled: true, Template: "announce_last_chance", Anchor: AnchorOnSale},
			},
		},
	}
}

const cacheTTL = 5 * time.Minute

// Service is a read-through accessor for per-tenant settings. Org overrides
// live as JSON on the organization row; resolved settings are cached in
// Redis for a short TTL.
type Service struct {
	db    *gorm.DB
	cache *cache.Client
}

// NewService creates a new settings service. Cache may be nil, in which case
// every read hits the database.
func NewService(db *gorm.DB, cacheClient *cache.Client) *Service {
	return &Service{db: db, cache: cacheClient}
}

func cacheKey(orgID uint) string {
	return fmt.Sprintf("org_settings:%d", orgID)
}

// Get resolves the settings for an organization: defaults merged with the
// org's JSON overrides.
func (s *Service) Get(ctx context.Context, orgID uint) (*OrgSettings, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey(orgID)); err == nil {
			var cached OrgSettings
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return &cached, nil
			}
		}
	}

	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, orgID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch organization: %w", err)
	}

	resolved := Defaults()
	if org.SettingsJSON != "" {
		// Merge: overrides are unmarshalled on top of the defaults, so any
		// field the org omits keeps its default value.
		if err := json.Unmarshal([]byte(org.SettingsJSON), &resolved); err != nil {
			return nil, fmt.Errorf("failed to parse org settings: %w", err)
		}
	}

	if s.cache != nil {
		if raw, err := json.Marshal(resolved); err == nil {
			_ = s.cache.Set(ctx, cacheKey(orgID), string(raw), cacheTTL)
		}
	}

	return &resolved, nil
}

// Invalidate drops the cached settings for an organization.
func (s *Service) Invalidate(ctx context.Context, orgID uint) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cacheKey(orgID))
}

// LevelFor returns the level for a points balance against ordered
// thresholds. The highest threshold not exceeding the balance wins.
func LevelFor(balance float64, thresholds []LevelThreshold) int {
	level := 1
	for _, t := range thresholds {
		if balance >= t.MinPoints {
			level = t.Level
		}
	}
	return level
}
