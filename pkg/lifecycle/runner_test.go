package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/settings"
)

type fakeDispatcher struct {
	cartSends         []email.CartRecoveryPayload
	announcementSends []email.AnnouncementPayload
	fail              bool
}

func (f *fakeDispatcher) SendCartRecoveryStep(p email.CartRecoveryPayload) error {
	if f.fail {
		return errors.New("smtp down")
	}
	f.cartSends = append(f.cartSends, p)
	return nil
}

func (f *fakeDispatcher) SendAnnouncementStep(p email.AnnouncementPayload) error {
	if f.fail {
		return errors.New("smtp down")
	}
	f.announcementSends = append(f.announcementSends, p)
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// createOrgWithSequence writes an org whose cart recovery sequence has a
// 0-minute and a 60-minute step, both anchored to cart creation.
func createOrgWithSequence(t *testing.T, db *gorm.DB, steps []settings.StepConfig) *models.Organization {
	overrides := map[string]any{
		"cart_recovery": settings.SequenceSettings{
			Enabled:      true,
			GraceMinutes: 5,
			ExpiryHours:  168,
			Steps:        steps,
		},
	}
	raw, err := json.Marshal(overrides)
	require.NoError(t, err)

	org := &models.Organization{Name: "Test Org", Slug: "test-org", Currency: "USD", SettingsJSON: string(raw)}
	require.NoError(t, db.Create(org).Error)
	return org
}

func createLiveEvent(t *testing.T, db *gorm.DB, orgID uint) *models.Event {
	event := &models.Event{
		OrganizationID: orgID,
		Name:           "Summer Fest",
		Status:         models.EventStatusLive,
		StartsAt:       time.Now().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, db.Create(event).Error)
	return event
}

func createCart(t *testing.T, db *gorm.DB, orgID, eventID uint, status string, createdAt time.Time) *models.AbandonedCart {
	cart := &models.AbandonedCart{
		OrganizationID: orgID,
		EventID:        eventID,
		Email:          "shopper@test.com",
		Name:           "Sam Shopper",
		Status:         status,
		CreatedAt:      createdAt,
	}
	require.NoError(t, db.Create(cart).Error)
	return cart
}

func twoStepSequence() []settings.StepConfig {
	return []settings.StepConfig{
		{DelayMinutes: 0, Enabled: true, Template: "cart_reminder", Anchor: settings.AnchorCreated},
		{DelayMinutes: 60, Enabled: true, Template: "cart_second_chance", Anchor: settings.AnchorCreated},
	}
}

func newTestRunner(at time.Time) *Runner {
	r := NewRunner(100, nil)
	r.now = func() time.Time { return at }
	return r
}

func TestSweepStepTiming(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)

	// T0+1min: step 0 (no delay) goes out, pointer moves to 1.
	report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Advanced)
	require.Len(t, dispatcher.cartSends, 1)
	assert.Equal(t, "cart_reminder", dispatcher.cartSends[0].Template)

	var got models.AbandonedCart
	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, 1, got.NotificationCount)

	// T0+61min: step 1 (60 min delay) goes out, pointer moves to 2.
	report, err = newTestRunner(t0.Add(61 * time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, dispatcher.cartSends, 2)
	assert.Equal(t, "cart_second_chance", dispatcher.cartSends[1].Template)

	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, 2, got.NotificationCount)

	// T0+7d+1min: no steps left, the record expires.
	report, err = newTestRunner(t0.Add(7*24*time.Hour + time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Expired)
	assert.Equal(t, 0, report.Sent)

	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, models.LifecycleStatusExpired, got.Status)
}

func TestSweepDoubleRunSendsOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-10 * time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)

	runner := newTestRunner(t0.Add(time.Minute))
	_, err := runner.Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	_, err = runner.Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)

	// Two sweeps over the same data: one send, one advance.
	assert.Len(t, dispatcher.cartSends, 1)

	var got models.AbandonedCart
	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, 1, got.NotificationCount)
}

func TestSweepGracePromotion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-10 * time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusPending, t0)

	t.Run("Inside grace window - not promoted", func(t *testing.T) {
		report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, int64(0), report.Promoted)

		var got models.AbandonedCart
		require.NoError(t, db.First(&got, cart.ID).Error)
		assert.Equal(t, models.LifecycleStatusPending, got.Status)
	})

	t.Run("After grace window - promoted and processed", func(t *testing.T) {
		report, err := newTestRunner(t0.Add(6 * time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, int64(1), report.Promoted)
		assert.Equal(t, 1, report.Sent)

		var got models.AbandonedCart
		require.NoError(t, db.First(&got, cart.ID).Error)
		assert.Equal(t, models.LifecycleStatusAbandoned, got.Status)
	})
}

func TestSweepRecoveredInGraceNeverPromoted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-10 * time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusPending, t0)

	// The shopper checks out inside the grace window.
	require.NoError(t, campaign.MarkRecovered(ctx, org.ID, event.ID, "shopper@test.com", 42))

	report, err := newTestRunner(t0.Add(6 * time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Promoted)
	assert.Empty(t, dispatcher.cartSends)

	var got models.AbandonedCart
	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, models.LifecycleStatusRecovered, got.Status)
	require.NotNil(t, got.RecoveredOrderID)
	assert.Equal(t, uint(42), *got.RecoveredOrderID)
}

func TestSweepOptOutAdvancesWithoutSend(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-10 * time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)
	now := time.Now()
	require.NoError(t, db.Model(cart).Update("unsubscribed_at", now).Error)

	report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, dispatcher.cartSends)

	// The pointer still moves so later steps stay reachable.
	var got models.AbandonedCart
	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, 1, got.NotificationCount)
}

func TestSweepDisabledStepAdvancesWithoutSend(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	steps := twoStepSequence()
	steps[0].Enabled = false
	org := createOrgWithSequence(t, db, steps)
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-10 * time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)

	report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Skipped)

	var got models.AbandonedCart
	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, 1, got.NotificationCount)
}

func TestSweepDispatchFailureKeepsPointer(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{fail: true}

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-10 * time.Minute)
	cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)

	report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Failed)

	// The record stays eligible for retry on the next sweep.
	var got models.AbandonedCart
	require.NoError(t, db.First(&got, cart.ID).Error)
	assert.Equal(t, 0, got.NotificationCount)

	dispatcher.fail = false
	report, err = newTestRunner(t0.Add(2 * time.Minute)).Sweep(ctx, org.ID, campaign)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
}

func TestSweepSuppressionRules(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	org := createOrgWithSequence(t, db, twoStepSequence())
	campaign := NewCartRecovery(db, settings.NewService(db, nil), dispatcher)

	t.Run("Cancelled event expires the cart", func(t *testing.T) {
		event := &models.Event{
			OrganizationID: org.ID,
			Name:           "Cancelled Fest",
			Status:         models.EventStatusCancelled,
			StartsAt:       time.Now().Add(24 * time.Hour),
		}
		require.NoError(t, db.Create(event).Error)

		t0 := time.Now().Add(-10 * time.Minute)
		cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)

		report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Suppressed)
		assert.Empty(t, dispatcher.cartSends)

		var got models.AbandonedCart
		require.NoError(t, db.First(&got, cart.ID).Error)
		assert.Equal(t, models.LifecycleStatusExpired, got.Status)
	})

	t.Run("Completed purchase recovers the cart", func(t *testing.T) {
		event := createLiveEvent(t, db, org.ID)

		customer := &models.Customer{OrganizationID: org.ID, Email: "shopper@test.com", Name: "Sam"}
		require.NoError(t, db.Create(customer).Error)
		order := &models.Order{
			OrganizationID: org.ID,
			Number:         "FQ-RECOVER01",
			EventID:        event.ID,
			CustomerID:     customer.ID,
			Status:         models.OrderStatusCompleted,
			TotalCents:     4000,
			Currency:       "USD",
		}
		require.NoError(t, db.Create(order).Error)

		t0 := time.Now().Add(-10 * time.Minute)
		cart := createCart(t, db, org.ID, event.ID, models.LifecycleStatusAbandoned, t0)

		report, err := newTestRunner(t0.Add(time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Suppressed)

		var got models.AbandonedCart
		require.NoError(t, db.First(&got, cart.ID).Error)
		assert.Equal(t, models.LifecycleStatusRecovered, got.Status)
		require.NotNil(t, got.RecoveredOrderID)
		assert.Equal(t, order.ID, *got.RecoveredOrderID)
	})
}

func TestAnnouncementOnSaleAnchor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dispatcher := &fakeDispatcher{}

	overrides := map[string]any{
		"announcements": settings.SequenceSettings{
			Enabled:      true,
			GraceMinutes: 5,
			ExpiryHours:  2160,
			Steps: []settings.StepConfig{
				{DelayMinutes: 0, Enabled: true, Template: "announce_on_sale", Anchor: settings.AnchorOnSale},
			},
		},
	}
	raw, err := json.Marshal(overrides)
	require.NoError(t, err)
	org := &models.Organization{Name: "Test Org", Slug: "test-org", Currency: "USD", SettingsJSON: string(raw)}
	require.NoError(t, db.Create(org).Error)

	event := createLiveEvent(t, db, org.ID)
	campaign := NewAnnouncements(db, settings.NewService(db, nil), dispatcher)

	t0 := time.Now().Add(-time.Hour)
	signup := &models.AnnouncementSignup{
		OrganizationID: org.ID,
		EventID:        event.ID,
		Email:          "fan@test.com",
		Status:         models.LifecycleStatusAbandoned,
		CreatedAt:      t0,
	}
	require.NoError(t, db.Create(signup).Error)

	t.Run("No on-sale time - step not due", func(t *testing.T) {
		report, err := newTestRunner(t0.Add(30 * time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Sent)
		assert.Equal(t, 0, report.Advanced)
	})

	t.Run("On-sale time passed - step goes out", func(t *testing.T) {
		onSale := t0.Add(10 * time.Minute)
		require.NoError(t, db.Model(event).Update("on_sale_at", onSale).Error)

		report, err := newTestRunner(t0.Add(30 * time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Sent)
		require.Len(t, dispatcher.announcementSends, 1)
		assert.Equal(t, "announce_on_sale", dispatcher.announcementSends[0].Template)

		var got models.AnnouncementSignup
		require.NoError(t, db.First(&got, signup.ID).Error)
		assert.Equal(t, 1, got.NotificationCount)
	})

	t.Run("Disabled anchored step still advances once passed", func(t *testing.T) {
		disabled := map[string]any{
			"announcements": settings.SequenceSettings{
				Enabled:      true,
				GraceMinutes: 5,
				ExpiryHours:  2160,
				Steps: []settings.StepConfig{
					{DelayMinutes: 0, Enabled: false, Template: "announce_on_sale", Anchor: settings.AnchorOnSale},
				},
			},
		}
		raw, err := json.Marshal(disabled)
		require.NoError(t, err)
		require.NoError(t, db.Model(org).Update("settings_json", string(raw)).Error)

		other := &models.AnnouncementSignup{
			OrganizationID: org.ID,
			EventID:        event.ID,
			Email:          "other@test.com",
			Status:         models.LifecycleStatusAbandoned,
			CreatedAt:      t0,
		}
		require.NoError(t, db.Create(other).Error)

		report, err := newTestRunner(t0.Add(30 * time.Minute)).Sweep(ctx, org.ID, campaign)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)

		var got models.AnnouncementSignup
		require.NoError(t, db.First(&got, other.ID).Error)
		assert.Equal(t, 1, got.NotificationCount)
	})
}

func TestCartTrackDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	org := createOrgWithSequence(t, db, twoStepSequence())
	event := createLiveEvent(t, db, org.ID)
	campaign := NewCartRecovery(db, settings.NewService(db, nil), &fakeDispatcher{})

	items := []CartItem{{TicketTypeID: 1, Quantity: 2, PriceCents: 2500}}

	first, err := campaign.Track(ctx, org.ID, event.ID, "Shopper@Test.com", "Sam", items)
	require.NoError(t, err)
	second, err := campaign.Track(ctx, org.ID, event.ID, "shopper@test.com", "Sam", items)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.AbandonedCart{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
