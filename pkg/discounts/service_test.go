package discounts

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/festiq/festiq/pkg/models"
)

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

func createCode(t *testing.T, db *gorm.DB, dc *models.DiscountCode) *models.DiscountCode {
	require.NoError(t, db.Create(dc).Error)
	return dc
}

func TestResolve(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	service := NewService(db)

	t.Run("Success - Active code resolves", func(t *testing.T) {
		repID := uint(7)
		createCode(t, db, &models.DiscountCode{
			OrganizationID: 1, Code: "RILEY10", RepID: &repID, Active: true,
		})

		res, err := service.Resolve(ctx, 1, "riley10")

		require.NoError(t, err)
		assert.True(t, res.Active)
		require.NotNil(t, res.RepID)
		assert.Equal(t, repID, *res.RepID)
	})

	t.Run("Success - Code lookup is case and whitespace insensitive", func(t *testing.T) {
		res, err := service.Resolve(ctx, 1, "  Riley10 ")

		require.NoError(t, err)
		assert.True(t, res.Active)
	})

	t.Run("Success - Expired code resolves inactive", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		createCode(t, db, &models.DiscountCode{
			OrganizationID: 1, Code: "EXPIRED", Active: true, ExpiresAt: &past,
		})

		res, err := service.Resolve(ctx, 1, "EXPIRED")

		require.NoError(t, err)
		assert.False(t, res.Active)
	})

	t.Run("Success - Exhausted code resolves inactive", func(t *testing.T) {
		createCode(t, db, &models.DiscountCode{
			OrganizationID: 1, Code: "MAXED", Active: true, MaxUses: 2, Uses: 2,
		})

		res, err := service.Resolve(ctx, 1, "MAXED")

		require.NoError(t, err)
		assert.False(t, res.Active)
	})

	t.Run("Success - Plain promo code has no rep", func(t *testing.T) {
		createCode(t, db, &models.DiscountCode{
			OrganizationID: 1, Code: "SUMMER", Active: true,
		})

		res, err := service.Resolve(ctx, 1, "SUMMER")

		require.NoError(t, err)
		assert.True(t, res.Active)
		assert.Nil(t, res.RepID)
	})

	t.Run("Error - Unknown code", func(t *testing.T) {
		_, err := service.Resolve(ctx, 1, "NOPE")

		assert.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("Error - Code scoped to another org", func(t *testing.T) {
		_, err := service.Resolve(ctx, 2, "RILEY10")

		assert.ErrorIs(t, err, ErrCodeNotFound)
	})
}

func TestRecordUse(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	service := NewService(db)

	dc := createCode(t, db, &models.DiscountCode{OrganizationID: 1, Code: "COUNTME", Active: true})

	require.NoError(t, service.RecordUse(ctx, dc.ID))
	require.NoError(t, service.RecordUse(ctx, dc.ID))

	var got models.DiscountCode
	require.NoError(t, db.First(&got, dc.ID).Error)
	assert.Equal(t, 2, got.Uses)
}

func TestCreateRepCode(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	service := NewService(db)

	t.Run("Success - Preferred code is uppercased", func(t *testing.T) {
		dc, err := service.CreateRepCode(ctx, 1, 7, "riley10")

		require.NoError(t, err)
		assert.Equal(t, "RILEY10", dc.Code)
		require.NotNil(t, dc.RepID)
		assert.Equal(t, uint(7), *dc.RepID)
		assert.True(t, dc.Active)
	})

	t.Run("Success - Random code when no preference", func(t *testing.T) {
		dc, err := service.CreateRepCode(ctx, 1, 8, "")

		require.NoError(t, err)
		assert.Len(t, dc.Code, 8)
		assert.Equal(t, strings.ToUpper(dc.Code), dc.Code)
	})
}
