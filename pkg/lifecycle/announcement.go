package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/settings"
)

// Announcements drives pre-launch signups through the announcement sequence.
// Same machine as cart recovery; the differences are the anchor (one step
// keyed to the event's on-sale time) and the terminal state after a purchase
// (completed, there is no cart to recover).
type Announcements struct {
	db         *gorm.DB
	settings   *settings.Service
	dispatcher Dispatcher
}

// NewAnnouncements creates the announcement campaign.
func NewAnnouncements(db *gorm.DB, settingsService *settings.Service, dispatcher Dispatcher) *Announcements {
	return &Announcements{db: db, settings: settingsService, dispatcher: dispatcher}
}

// Name implements Campaign.
func (a *Announcements) Name() string { return "announcements" }

// Sequence implements Campaign.
func (a *Announcements) Sequence(ctx context.Context, orgID uint) (settings.SequenceSettings, error) {
	cfg, err := a.settings.Get(ctx, orgID)
	if err != nil {
		return settings.SequenceSettings{}, err
	}
	return cfg.Announcements, nil
}

// Signup registers interest in an event. Duplicate signups for the same
// (org, event, email) reuse the existing in-flow record.
func (a *Announcements) Signup(ctx context.Context, orgID, eventID uint, emailAddr, name string) (*models.AnnouncementSignup, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))

	var existing models.AnnouncementSignup
	err := a.db.WithContext(ctx).
		Where("organization_id = ? AND event_id = ? AND email = ? AND status IN ?",
			orgID, eventID, emailAddr,
			[]string{models.LifecycleStatusPending, models.LifecycleStatusAbandoned}).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check existing signup: %w", err)
	}

	signup := models.AnnouncementSignup{
		OrganizationID: orgID,
		EventID:        eventID,
		Email:          emailAddr,
		Name:           name,
		Status:         models.LifecycleStatusPending,
	}
	if err := a.db.WithContext(ctx).Create(&signup).Error; err != nil {
		return nil, fmt.Errorf("failed to create signup: %w", err)
	}
	return &signup, nil
}

// Unsubscribe opts a contact out of further announcement emails in the org.
func (a *Announcements) Unsubscribe(ctx context.Context, orgID uint, emailAddr string) error {
	return a.db.WithContext(ctx).Model(&models.AnnouncementSignup{}).
		Where("organization_id = ? AND email = ? AND unsubscribed_at IS NULL",
			orgID, strings.ToLower(strings.TrimSpace(emailAddr))).
		Update("unsubscribed_at", time.Now()).Error
}

// Promote implements Campaign.
func (a *Announcements) Promote(ctx context.Context, orgID uint, cutoff time.Time) (int64, error) {
	res := a.db.WithContext(ctx).Model(&models.AnnouncementSignup{}).
		Where("organization_id = ? AND status = ? AND created_at < ?",
			orgID, models.LifecycleStatusPending, cutoff).
		Update("status", models.LifecycleStatusAbandoned)
	return res.RowsAffected, res.Error
}

// Expire implements Campaign.
func (a *Announcements) Expire(ctx context.Context, orgID uint, horizon time.Time) (int64, error) {
	res := a.db.WithContext(ctx).Model(&models.AnnouncementSignup{}).
		Where("organization_id = ? AND status = ? AND created_at < ?",
			orgID, models.LifecycleStatusAbandoned, horizon).
		Update("status", models.LifecycleStatusExpired)
	return res.RowsAffected, res.Error
}

// Eligible implements Campaign.
func (a *Announcements) Eligible(ctx context.Context, orgID uint, stepIndex, limit int) ([]Record, error) {
	var signups []models.AnnouncementSignup
	err := a.db.WithContext(ctx).
		Where("organization_id = ? AND status = ? AND notification_count = ?",
			orgID, models.LifecycleStatusAbandoned, stepIndex).
		Order("created_at").
		Limit(limit).
		Find(&signups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible signups: %w", err)
	}

	records := make([]Record, 0, len(signups))
	for _, s := range signups {
		records = append(records, Record{
			ID:                s.ID,
			OrganizationID:    s.OrganizationID,
			EventID:           s.EventID,
			Email:             s.Email,
			Name:              s.Name,
			Status:            s.Status,
			NotificationCount: s.NotificationCount,
			Unsubscribed:      s.UnsubscribedAt != nil,
			CreatedAt:         s.CreatedAt,
		})
	}
	return records, nil
}

// Anchor implements Campaign. The on-sale step waits until the event has an
// on-sale time; a record is simply not due until then.
func (a *Announcements) Anchor(ctx context.Context, rec Record, anchor string) (time.Time, bool, error) {
	return resolveAnchor(ctx, a.db, rec, anchor)
}

// Suppress implements Campaign. A signup whose contact already bought tickets
// has done its job and completes.
func (a *Announcements) Suppress(ctx context.Context, rec Record) (string, error) {
	var event models.Event
	if err := a.db.WithContext(ctx).First(&event, rec.EventID).Error; err != nil {
		return "", fmt.Errorf("failed to load event: %w", err)
	}
	if event.Status == models.EventStatusCancelled || event.Status == models.EventStatusPast ||
		event.StartsAt.Before(time.Now()) {
		return models.LifecycleStatusExpired, nil
	}

	purchased, _, err := completedOrderFor(ctx, a.db, rec.OrganizationID, rec.EventID, rec.Email)
	if err != nil {
		return "", err
	}
	if purchased {
		return models.LifecycleStatusCompleted, nil
	}

	return "", nil
}

// Refresh implements Campaign.
func (a *Announcements) Refresh(ctx context.Context, id uint) (Snapshot, error) {
	var signup models.AnnouncementSignup
	if err := a.db.WithContext(ctx).First(&signup, id).Error; err != nil {
		return Snapshot{}, fmt.Errorf("failed to refresh signup: %w", err)
	}
	return Snapshot{
		Status:            signup.Status,
		NotificationCount: signup.NotificationCount,
		Unsubscribed:      signup.UnsubscribedAt != nil,
	}, nil
}

// MarkStatus implements Campaign.
func (a *Announcements) MarkStatus(ctx context.Context, id uint, status string) error {
	return a.db.WithContext(ctx).Model(&models.AnnouncementSignup{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// Dispatch implements Campaign.
func (a *Announcements) Dispatch(ctx context.Context, rec Record, step settings.StepConfig, stepIndex int) error {
	var event models.Event
	if err := a.db.WithContext(ctx).First(&event, rec.EventID).Error; err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	return a.dispatcher.SendAnnouncementStep(email.AnnouncementPayload{
		ToEmail:   rec.Email,
		ToName:    rec.Name,
		EventName: event.Name,
		Template:  step.Template,
		StepIndex: stepIndex,
		SignupID:  rec.ID,
	})
}

// Advance implements Campaign.
func (a *Announcements) Advance(ctx context.Context, id uint, fromStep int) (bool, error) {
	res := a.db.WithContext(ctx).Model(&models.AnnouncementSignup{}).
		Where("id = ? AND status = ? AND notification_count = ?",
			id, models.LifecycleStatusAbandoned, fromStep).
		Update("notification_count", fromStep+1)
	if res.Error != nil {
		return false, fmt.Errorf("failed to advance signup pointer: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
