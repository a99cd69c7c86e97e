package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtlive/brtlive_core/internal/eta"
	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

const (
	cmsLat = 6.4541
	cmsLon = 3.3947
)

func newTestApp(t *testing.T) (*fiber.App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	tracker := tracking.NewService(st, nil)
	estimator := eta.NewEstimator(st)

	srv := New(Config{
		Store:     st,
		Tracker:   tracker,
		Estimator: estimator,
	})

	app := fiber.New()
	srv.RegisterRoutes(app)
	return app, st
}

func seedFleet(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateBus(ctx, &models.Bus{
		ID: "BRT-001", PlateNumber: "LAG-123-XA", DriverPhone: "+2348012345678",
		IsActive: true, Status: models.StatusInTransit, Capacity: 50,
	}))
	require.NoError(t, st.CreateTerminal(ctx, &models.Terminal{
		ID: "TRM001", Name: "CMS", Latitude: cmsLat, Longitude: cmsLon,
		RadiusM: 100, Capacity: 20,
	}))
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	var decoded map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

func TestRegisterBus(t *testing.T) {
	app, _ := newTestApp(t)

	t.Run("Valid registration", func(t *testing.T) {
		resp, body := doJSON(t, app, "POST", "/api/buses/register", fiber.Map{
			"bus_id": "BRT-010", "plate_number": "LAG-010-XY", "capacity": 40,
		})
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
		assert.Equal(t, "Bus registered", body["message"])
	})

	t.Run("Duplicate id conflicts", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/buses/register", fiber.Map{
			"bus_id": "BRT-010", "plate_number": "LAG-010-XY",
		})
		assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	})

	t.Run("Missing plate number", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/buses/register", fiber.Map{
			"bus_id": "BRT-011",
		})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetBus(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	resp, body := doJSON(t, app, "GET", "/api/buses/BRT-001", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "BRT-001", body["id"])

	resp, _ = doJSON(t, app, "GET", "/api/buses/BRT-404", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestTrackBusByPhone(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	resp, body := doJSON(t, app, "GET", "/api/buses/track/phone/+2348012345678", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	bus, ok := body["bus"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BRT-001", bus["id"])

	resp, _ = doJSON(t, app, "GET", "/api/buses/track/phone/+2340000000000", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestToggleBusActive(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	resp, body := doJSON(t, app, "PATCH", "/api/buses/BRT-001/active", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_active"])
	assert.Equal(t, string(models.StatusOutOfService), body["status"])

	resp, body = doJSON(t, app, "PATCH", "/api/buses/BRT-001/active", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, string(models.StatusInTransit), body["status"])
}

func TestUpdateLocation(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	t.Run("Fix inside the terminal radius sets presence", func(t *testing.T) {
		resp, body := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": cmsLat, "longitude": cmsLon, "speed": 0,
		})
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "TRM001", body["current_terminal"])
		assert.Equal(t, string(models.StatusAvailable), body["status"])
	})

	t.Run("Low accuracy fix is accepted but discarded", func(t *testing.T) {
		resp, body := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": 6.5, "longitude": 3.4, "speed": 20, "accuracy": 200,
		})
		assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "gps_accuracy", body["reason"])

		// The discarded fix never became the bus's position.
		bus, err := st.GetBus(context.Background(), "BRT-001")
		require.NoError(t, err)
		assert.Equal(t, cmsLat, bus.LastLocation.Latitude)
	})

	t.Run("Out-of-range coordinates rejected", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": 95.0, "longitude": 3.4, "speed": 20,
		})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Unknown bus rejected", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-404/location", fiber.Map{
			"latitude": 6.5, "longitude": 3.4, "speed": 20,
		})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestCurrentLocationAndHistory(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	t.Run("No data yet", func(t *testing.T) {
		resp, _ := doJSON(t, app, "GET", "/api/buses/BRT-001/location", nil)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": 6.5 + float64(i)*0.001, "longitude": 3.4, "speed": 25,
		})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	t.Run("Current location", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/buses/BRT-001/location", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		loc, ok := body["location"].(map[string]interface{})
		require.True(t, ok)
		assert.InDelta(t, 6.502, loc["latitude"], 1e-9)
	})

	t.Run("History window", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/buses/BRT-001/location/history?hours=2", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(3), body["count"])
	})

	t.Run("Active buses window", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/tracking/active-buses", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["count"])
	})
}

func TestBusEta(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	t.Run("No location data", func(t *testing.T) {
		resp, _ := doJSON(t, app, "GET", "/api/buses/BRT-001/eta", nil)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	// ~11 km from CMS at 40 km/h: about 17 minutes out.
	resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
		"latitude": cmsLat + 0.1, "longitude": cmsLon, "speed": 40,
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	t.Run("Projection for an approaching bus", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/buses/BRT-001/eta", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		etas, ok := body["etas"].([]interface{})
		require.True(t, ok)
		require.Len(t, etas, 1)
		first := etas[0].(map[string]interface{})
		assert.Equal(t, "TRM001", first["terminal_id"])
		assert.Equal(t, string(models.MethodRealTime), first["prediction_method"])
	})

	t.Run("Parked bus reports its terminal instead", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": cmsLat, "longitude": cmsLon, "speed": 0,
			"timestamp": time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
		})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		resp, body := doJSON(t, app, "GET", "/api/buses/BRT-001/eta", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "TRM001", body["at_terminal"])
		assert.Empty(t, body["etas"])
	})

	t.Run("Distant in-transit bus reports empty projections, not a terminal", func(t *testing.T) {
		// ~111 km out: every projection lands beyond the cutoff.
		resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": cmsLat + 1.0, "longitude": cmsLon, "speed": 40,
			"timestamp": time.Now().UTC().Add(2 * time.Minute).Format(time.RFC3339),
		})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		resp, body := doJSON(t, app, "GET", "/api/buses/BRT-001/eta", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		_, present := body["at_terminal"]
		assert.False(t, present)
		assert.Equal(t, float64(0), body["count"])
		etas, ok := body["etas"].([]interface{})
		require.True(t, ok)
		assert.Empty(t, etas)
	})
}

func TestCacheConfigLoadedAtConstruction(t *testing.T) {
	t.Setenv("CACHE_TTL", "45s")
	t.Setenv("CACHE_MUTEX_TTL", "7s")

	st := store.NewMemoryStore()
	srv := New(Config{
		Store:        st,
		Tracker:      tracking.NewService(st, nil),
		Estimator:    eta.NewEstimator(st),
		CacheEnabled: true,
	})

	assert.Equal(t, 45*time.Second, srv.cacheTTL)
	assert.Equal(t, 7*time.Second, srv.cacheMutexTTL)
}

func TestTerminalDashboard(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)

	t.Run("Unknown terminal", func(t *testing.T) {
		resp, _ := doJSON(t, app, "GET", "/api/terminals/TRM404/dashboard", nil)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	t.Run("Empty terminal reports the pessimistic wait", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/terminals/TRM001/dashboard", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		wait, ok := body["wait_estimate"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(noDataWaitMinutes), wait["estimated_wait_minutes"])
		assert.NotEmpty(t, wait["next_bus_arrival"])
	})

	t.Run("Parked bus means a short hand-off wait", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
			"latitude": cmsLat, "longitude": cmsLon, "speed": 0,
		})
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		resp, body := doJSON(t, app, "GET", "/api/terminals/TRM001/dashboard", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["buses_available"])
		assert.Equal(t, float64(5), body["capacity_utilization"])

		wait := body["wait_estimate"].(map[string]interface{})
		assert.Equal(t, float64(handOffWaitMinutes), wait["estimated_wait_minutes"])
		assert.Nil(t, wait["next_bus_arrival"])
	})
}

func TestSystemOverviewAndWaitTimes(t *testing.T) {
	app, st := newTestApp(t)
	seedFleet(t, st)
	require.NoError(t, st.CreateTerminal(context.Background(), &models.Terminal{
		ID: "TRM002", Name: "Ikorodu", Latitude: 6.6194, Longitude: 3.5105,
		RadiusM: 100, Capacity: 20,
	}))

	resp, _ := doJSON(t, app, "POST", "/api/buses/BRT-001/location", fiber.Map{
		"latitude": cmsLat, "longitude": cmsLon, "speed": 0,
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	t.Run("Overview counts", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/dashboard/overview", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(2), body["total_terminals"])
		assert.Equal(t, float64(1), body["total_buses"])
		assert.Equal(t, float64(1), body["available_buses"])
		assert.Equal(t, float64(0), body["buses_in_transit"])
	})

	t.Run("Wait times for every terminal", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/dashboard/wait-times", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		waitTimes, ok := body["wait_times"].([]interface{})
		require.True(t, ok)
		assert.Len(t, waitTimes, 2)
	})

	t.Run("Terminal analytics", func(t *testing.T) {
		resp, body := doJSON(t, app, "GET", "/api/analytics/terminal/TRM001", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["current_buses"])
		assert.Equal(t, float64(handOffWaitMinutes), body["wait_estimate_minutes"])
	})
}

func TestRegisterTerminal(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, "POST", "/api/terminals/register", fiber.Map{
		"terminal_id": "TRM010", "name": "Oshodi",
		"latitude": 6.5539, "longitude": 3.3432, "total_capacity": 15,
	})
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Terminal registered", body["message"])

	t.Run("Capacity is required", func(t *testing.T) {
		resp, _ := doJSON(t, app, "POST", "/api/terminals/register", fiber.Map{
			"terminal_id": "TRM011", "name": "NoCapacity",
			"latitude": 6.5, "longitude": 3.3,
		})
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})
}

func TestSystemHealth(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, "GET", "/health", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthReportsFailingDependency(t *testing.T) {
	st := store.NewMemoryStore()
	srv := New(Config{
		Store:     st,
		Tracker:   tracking.NewService(st, nil),
		Estimator: eta.NewEstimator(st),
		DBHealth: func(context.Context) error {
			return fmt.Errorf("connection refused")
		},
	})
	app := fiber.New()
	srv.RegisterRoutes(app)

	resp, body := doJSON(t, app, "GET", "/health", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}
