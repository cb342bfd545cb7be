package points

import (
	"context"
	"errors"
	"testing"

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

type fakeNotifier struct {
	levelUps []email.LevelUpPayload
	fail     bool
}

func (f *fakeNotifier) SendLevelUp(p email.LevelUpPayload) error {
	if f.fail {
		return errors.New("smtp down")
	}
	f.levelUps = append(f.levelUps, p)
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

func createTestOrg(t *testing.T, db *gorm.DB) *models.Organization {
	org := &models.Organization{Name: "Test Org", Slug: "test-org-" + t.Name(), Currency: "USD"}
	require.NoError(t, db.Create(org).Error)
	return org
}

func createTestRep(t *testing.T, db *gorm.DB, orgID uint) *models.Rep {
	rep := &models.Rep{
		OrganizationID: orgID,
		Name:           "Riley Vendor",
		Email:          "riley@test.com",
		Status:         models.RepStatusActive,
		Level:          1,
	}
	require.NoError(t, db.Create(rep).Error)
	return rep
}

func newTestService(db *gorm.DB, notifier Notifier) *Service {
	return NewService(db, settings.NewService(db, nil), notifier, nil)
}

func TestAward(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	notifier := &fakeNotifier{}
	service := newTestService(db, notifier)

	org := createTestOrg(t, db)
	rep := createTestRep(t, db, org.ID)

	t.Run("Success - Award writes ledger and balance together", func(t *testing.T) {
		result := service.Award(ctx, AwardInput{
			OrgID:      org.ID,
			RepID:      rep.ID,
			Delta:      10,
			SourceType: models.PointsSourceSale,
			SourceID:   "order:1",
		})

		require.NotNil(t, result)
		assert.Equal(t, 10.0, result.NewBalance)
		assert.Equal(t, 1, result.NewLevel)
		assert.False(t, result.LeveledUp)

		var entries []models.PointsLedgerEntry
		require.NoError(t, db.Where("rep_id = ?", rep.ID).Find(&entries).Error)
		require.Len(t, entries, 1)
		assert.Equal(t, 10.0, entries[0].Delta)
		assert.Equal(t, 10.0, entries[0].BalanceAfter)

		var got models.Rep
		require.NoError(t, db.First(&got, rep.ID).Error)
		assert.Equal(t, 10.0, got.PointsBalance)
	})

	t.Run("Success - Level up sends notification", func(t *testing.T) {
		result := service.Award(ctx, AwardInput{
			OrgID:      org.ID,
			RepID:      rep.ID,
			Delta:      95,
			SourceType: models.PointsSourceSale,
			SourceID:   "order:2",
		})

		require.NotNil(t, result)
		assert.Equal(t, 105.0, result.NewBalance)
		assert.Equal(t, 2, result.NewLevel)
		assert.True(t, result.LeveledUp)

		require.Len(t, notifier.levelUps, 1)
		assert.Equal(t, "riley@test.com", notifier.levelUps[0].ToEmail)
		assert.Equal(t, 2, notifier.levelUps[0].NewLevel)
	})

	t.Run("Success - Notification failure does not fail the award", func(t *testing.T) {
		failing := &fakeNotifier{fail: true}
		failingService := newTestService(db, failing)
		rep2 := createTestRep(t, db, org.ID)

		result := failingService.Award(ctx, AwardInput{
			OrgID:      org.ID,
			RepID:      rep2.ID,
			Delta:      150,
			SourceType: models.PointsSourceSale,
		})

		require.NotNil(t, result)
		assert.Equal(t, 2, result.NewLevel)
	})

	t.Run("Error - Unknown rep returns nil", func(t *testing.T) {
		result := service.Award(ctx, AwardInput{
			OrgID: org.ID,
			RepID: 99999,
			Delta: 10,
		})

		assert.Nil(t, result)
	})
}

func TestDeduct(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	service := newTestService(db, nil)

	org := createTestOrg(t, db)
	rep := createTestRep(t, db, org.ID)

	require.NotNil(t, service.Award(ctx, AwardInput{OrgID: org.ID, RepID: rep.ID, Delta: 30}))

	t.Run("Success - Deduct forces negative delta", func(t *testing.T) {
		result := service.Deduct(ctx, AwardInput{
			OrgID: org.ID,
			RepID: rep.ID,
			Delta: 20, // Positive input, still deducted
		})

		require.NotNil(t, result)
		assert.Equal(t, 10.0, result.NewBalance)
	})

	t.Run("Success - Balance may go negative", func(t *testing.T) {
		result := service.Deduct(ctx, AwardInput{
			OrgID: org.ID,
			RepID: rep.ID,
			Delta: 50,
		})

		require.NotNil(t, result)
		assert.Equal(t, -40.0, result.NewBalance)
	})
}

func TestBalanceEqualsLedgerSum(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	service := newTestService(db, nil)

	org := createTestOrg(t, db)
	rep := createTestRep(t, db, org.ID)

	// Any sequence of awards and deducts must keep the cached balance equal
	// to the sum of ledger deltas.
	deltas := []float64{10, 25, -5, 100, -30, 7.5}
	for _, d := range deltas {
		if d >= 0 {
			require.NotNil(t, service.Award(ctx, AwardInput{OrgID: org.ID, RepID: rep.ID, Delta: d}))
		} else {
			require.NotNil(t, service.Deduct(ctx, AwardInput{OrgID: org.ID, RepID: rep.ID, Delta: -d}))
		}
	}

	var sum float64
	require.NoError(t, db.Model(&models.PointsLedgerEntry{}).
		Where("rep_id = ?", rep.ID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error)

	var got models.Rep
	require.NoError(t, db.First(&got, rep.ID).Error)
	assert.Equal(t, sum, got.PointsBalance)
	assert.Equal(t, 107.5, got.PointsBalance)
}

func TestRecomputeLevel(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	service := newTestService(db, nil)

	org := createTestOrg(t, db)
	rep := createTestRep(t, db, org.ID)

	// Balance moved outside Award (reversal path); level cache is stale.
	require.NoError(t, db.Model(&models.Rep{}).Where("id = ?", rep.ID).
		Updates(map[string]any{"points_balance": 300.0, "level": 1}).Error)

	require.NoError(t, service.RecomputeLevel(ctx, org.ID, rep.ID))

	var got models.Rep
	require.NoError(t, db.First(&got, rep.ID).Error)
	assert.Equal(t, 3, got.Level)
}
