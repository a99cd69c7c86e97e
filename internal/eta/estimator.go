package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/brtlive/brtlive_core/internal/geo"
	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

const (
	// DefaultCruisingSpeedKmh is the speed assumed when a bus reports no
	// usable live speed (typical city traffic).
	DefaultCruisingSpeedKmh = 30.0

	// MaxMeaningfulEtaMinutes bounds the projection: a bus at or beyond this
	// many minutes out is not meaningfully incoming.
	MaxMeaningfulEtaMinutes = 30

	// ConfidenceRealTime applies when the projection used a live GPS speed
	ConfidenceRealTime = 0.8
	// ConfidenceEstimated applies when the cruising-speed fallback was used
	ConfidenceEstimated = 0.5
)

// Estimator projects arrival times for in-transit buses from their last
// known position and speed. Every call recomputes from stored state; nothing
// is memoized between calls.
type Estimator struct {
	store store.Store
}

// NewEstimator creates an estimator over the given store
func NewEstimator(st store.Store) *Estimator {
	return &Estimator{store: st}
}

// Estimate returns freshly computed predictions for every terminal the bus is
// meaningfully approaching, ordered by minutes-away then terminal id.
//
// A bus without a stored position fails with *tracking.NoLocationDataError; a
// bus parked at a terminal yields no projections (its wait is the hand-off
// value reported by the terminal dashboard, not a projection).
func (e *Estimator) Estimate(ctx context.Context, busID string) ([]models.EtaPrediction, error) {
	bus, err := e.store.GetBus(ctx, busID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &tracking.ValidationError{Reason: fmt.Sprintf("bus %s not found", busID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bus %s: %w", busID, err)
	}
	if !bus.IsActive {
		return nil, &tracking.ValidationError{Reason: fmt.Sprintf("bus %s is not active", busID)}
	}
	if bus.LastLocation == nil {
		return nil, &tracking.NoLocationDataError{BusID: busID}
	}
	if bus.CurrentTerminal != nil {
		return nil, nil
	}

	terminals, err := e.store.ListTerminals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}

	loc := bus.LastLocation
	speed := loc.SpeedKmh
	method := models.MethodRealTime
	confidence := ConfidenceRealTime
	if speed <= 0 {
		speed = DefaultCruisingSpeedKmh
		method = models.MethodEstimated
		confidence = ConfidenceEstimated
	}

	now := time.Now().UTC()
	var preds []models.EtaPrediction
	for _, term := range terminals {
		distKm := geo.Distance(loc.Latitude, loc.Longitude, term.Latitude, term.Longitude)
		minutes := int(math.Round(distKm / speed * 60))
		if minutes >= MaxMeaningfulEtaMinutes {
			continue
		}
		preds = append(preds, models.EtaPrediction{
			ID:               uuid.NewString(),
			BusID:            busID,
			TerminalID:       term.ID,
			EstimatedArrival: now.Add(time.Duration(minutes) * time.Minute),
			MinutesAway:      minutes,
			Confidence:       confidence,
			Method:           method,
			ComputedAt:       now,
		})
	}

	sort.Slice(preds, func(i, j int) bool {
		if preds[i].MinutesAway != preds[j].MinutesAway {
			return preds[i].MinutesAway < preds[j].MinutesAway
		}
		return preds[i].TerminalID < preds[j].TerminalID
	})
	return preds, nil
}
