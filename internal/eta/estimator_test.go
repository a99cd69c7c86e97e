package eta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

// Test geometry uses equator coordinates so distances are easy to reason
// about: 0.02 deg is about 2.22 km, 0.13 deg about 14.46 km and 0.135 deg
// about 15.01 km from the origin.
func newEstimatorFixture(t *testing.T) (*Estimator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.CreateBus(ctx, &models.Bus{
		ID: "BRT-001", PlateNumber: "LAG-123-XA", IsActive: true,
		Status: models.StatusInTransit, Capacity: 50,
	}))
	require.NoError(t, st.CreateBus(ctx, &models.Bus{
		ID: "BRT-009", PlateNumber: "LAG-789-XC", IsActive: false,
		Status: models.StatusOutOfService, Capacity: 50,
	}))

	for _, term := range []models.Terminal{
		{ID: "TRM001", Name: "North", Latitude: 0.02, Longitude: 0, RadiusM: 100, Capacity: 20},
		{ID: "TRM002", Name: "East", Latitude: 0, Longitude: 0.02, RadiusM: 100, Capacity: 20},
		{ID: "TRM003", Name: "Far", Latitude: 0, Longitude: 0.13, RadiusM: 100, Capacity: 20},
		{ID: "TRM004", Name: "Beyond", Latitude: 0, Longitude: 0.135, RadiusM: 100, Capacity: 20},
	} {
		cp := term
		require.NoError(t, st.CreateTerminal(ctx, &cp))
	}

	return NewEstimator(st), st
}

func setLocation(t *testing.T, st *store.MemoryStore, busID string, speed float64) {
	t.Helper()
	applied, err := st.SetBusLocation(context.Background(), busID, models.Position{
		Latitude: 0, Longitude: 0, SpeedKmh: speed, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestEstimateErrors(t *testing.T) {
	est, st := newEstimatorFixture(t)
	ctx := context.Background()

	t.Run("Unknown bus", func(t *testing.T) {
		_, err := est.Estimate(ctx, "BRT-404")
		var verr *tracking.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("Inactive bus", func(t *testing.T) {
		_, err := est.Estimate(ctx, "BRT-009")
		var verr *tracking.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("No stored position", func(t *testing.T) {
		_, err := est.Estimate(ctx, "BRT-001")
		var noLoc *tracking.NoLocationDataError
		require.ErrorAs(t, err, &noLoc)
		assert.Equal(t, "BRT-001", noLoc.BusID)
	})

	t.Run("Parked at a terminal yields no projections", func(t *testing.T) {
		setLocation(t, st, "BRT-001", 0)
		bus, err := st.GetBus(ctx, "BRT-001")
		require.NoError(t, err)
		terminal := "TRM001"
		bus.CurrentTerminal = &terminal
		bus.Status = models.StatusAvailable
		require.NoError(t, st.UpdateBus(ctx, bus))

		preds, err := est.Estimate(ctx, "BRT-001")
		require.NoError(t, err)
		assert.Empty(t, preds)
	})
}

func TestEstimateFallbackSpeed(t *testing.T) {
	est, st := newEstimatorFixture(t)
	setLocation(t, st, "BRT-001", 0)

	preds, err := est.Estimate(context.Background(), "BRT-001")
	require.NoError(t, err)

	// At the 30 km/h fallback the Beyond terminal lands on exactly 30
	// minutes and is excluded; Far stays just under the cutoff.
	require.Len(t, preds, 3)
	assert.Equal(t, "TRM001", preds[0].TerminalID)
	assert.Equal(t, "TRM002", preds[1].TerminalID)
	assert.Equal(t, "TRM003", preds[2].TerminalID)
	assert.Equal(t, 29, preds[2].MinutesAway)

	for _, p := range preds {
		assert.Equal(t, models.MethodEstimated, p.Method)
		assert.Equal(t, ConfidenceEstimated, p.Confidence)
		assert.Equal(t, "BRT-001", p.BusID)
		assert.NotEmpty(t, p.ID)
	}
}

func TestEstimateRealTimeSpeed(t *testing.T) {
	est, st := newEstimatorFixture(t)
	setLocation(t, st, "BRT-001", 60)

	preds, err := est.Estimate(context.Background(), "BRT-001")
	require.NoError(t, err)

	// At 60 km/h every terminal is within the cutoff, Beyond included.
	require.Len(t, preds, 4)
	assert.Equal(t, 15, preds[3].MinutesAway)
	for _, p := range preds {
		assert.Equal(t, models.MethodRealTime, p.Method)
		assert.Equal(t, ConfidenceRealTime, p.Confidence)
	}
}

func TestEstimateOrdering(t *testing.T) {
	est, st := newEstimatorFixture(t)
	setLocation(t, st, "BRT-001", 0)

	preds, err := est.Estimate(context.Background(), "BRT-001")
	require.NoError(t, err)
	require.Len(t, preds, 3)

	// North and East are equidistant; the tie breaks by terminal id.
	assert.Equal(t, preds[0].MinutesAway, preds[1].MinutesAway)
	assert.Equal(t, "TRM001", preds[0].TerminalID)
	assert.Equal(t, "TRM002", preds[1].TerminalID)
	assert.True(t, preds[1].MinutesAway <= preds[2].MinutesAway)
}
