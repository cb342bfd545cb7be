package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/festiq/festiq/pkg/api"
	"github.com/festiq/festiq/pkg/models"
	"github.com/festiq/festiq/pkg/points"
	"github.com/festiq/festiq/pkg/settings"
)

func setupRepFixture(t *testing.T) (*echo.Echo, *RepHandler, *gorm.DB, *models.Organization, *models.Rep) {
	db := setupTestDB(t)

	e := echo.New()
	e.Validator = api.NewValidator()

	org := &models.Organization{Name: "Test Org", Slug: "test-org", Currency: "USD"}
	require.NoError(t, db.Create(org).Error)
	rep := &models.Rep{
		OrganizationID: org.ID,
		Name:           "Riley Vendor",
		Email:          "riley@test.com",
		Status:         models.RepStatusActive,
		Level:          1,
	}
	require.NoError(t, db.Create(rep).Error)

	pointsService := points.NewService(db, settings.NewService(db, nil), nil, nil)
	handler := NewRepHandler(db, pointsService, nil, nil)
	return e, handler, db, org, rep
}

func TestGetStats(t *testing.T) {
	e, handler, db, org, rep := setupRepFixture(t)

	stat := &models.RepEventStat{OrganizationID: org.ID, RepID: rep.ID, EventID: 1, SalesCount: 3, RevenueCents: 12000, PointsEarned: 30}
	require.NoError(t, db.Create(stat).Error)

	t.Run("Success - Stats returned", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			fmt.Sprintf("/api/v1/reps/%d/stats?organization_id=%d", rep.ID, org.ID), nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(fmt.Sprintf("%d", rep.ID))

		require.NoError(t, handler.GetStats(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp RepStatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, rep.ID, resp.Rep.ID)
		require.Len(t, resp.EventStats, 1)
		assert.Equal(t, 3, resp.EventStats[0].SalesCount)
	})

	t.Run("Error - Rep not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			fmt.Sprintf("/api/v1/reps/99999/stats?organization_id=%d", org.ID), nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues("99999")

		require.NoError(t, handler.GetStats(c))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Error - Missing organization", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet,
			fmt.Sprintf("/api/v1/reps/%d/stats", rep.ID), nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(fmt.Sprintf("%d", rep.ID))

		require.NoError(t, handler.GetStats(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdjustPoints(t *testing.T) {
	e, handler, db, org, rep := setupRepFixture(t)

	adjust := func(repID string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost,
			fmt.Sprintf("/api/v1/reps/%s/points", repID), strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(repID)
		require.NoError(t, handler.AdjustPoints(c))
		return rec
	}

	t.Run("Success - Positive adjustment", func(t *testing.T) {
		rec := adjust(fmt.Sprintf("%d", rep.ID),
			fmt.Sprintf(`{"organization_id": %d, "delta": 25, "description": "Street team bonus"}`, org.ID))

		assert.Equal(t, http.StatusOK, rec.Code)

		var got models.Rep
		require.NoError(t, db.First(&got, rep.ID).Error)
		assert.Equal(t, 25.0, got.PointsBalance)

		var entry models.PointsLedgerEntry
		require.NoError(t, db.Where("rep_id = ?", rep.ID).First(&entry).Error)
		assert.Equal(t, models.PointsSourceManual, entry.SourceType)
	})

	t.Run("Success - Negative adjustment", func(t *testing.T) {
		rec := adjust(fmt.Sprintf("%d", rep.ID),
			fmt.Sprintf(`{"organization_id": %d, "delta": -10, "description": "Correction"}`, org.ID))

		assert.Equal(t, http.StatusOK, rec.Code)

		var got models.Rep
		require.NoError(t, db.First(&got, rep.ID).Error)
		assert.Equal(t, 15.0, got.PointsBalance)
	})

	t.Run("Error - Unknown rep", func(t *testing.T) {
		rec := adjust("99999",
			fmt.Sprintf(`{"organization_id": %d, "delta": 5, "description": "Bonus"}`, org.ID))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
