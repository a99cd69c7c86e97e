package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brtlive/brtlive_core/internal/geo"
	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
)

// IngestMetrics receives ingest outcomes
type IngestMetrics interface {
	FixIngested()
	FixRejected(reason string)
}

// PresenceUpdate lists the terminals a bus entered and left during one
// proximity evaluation.
type PresenceUpdate struct {
	Entered []string `json:"entered"`
	Left    []string `json:"left"`
}

// Service ingests GPS fixes and maintains terminal presence. Ingest and the
// presence update run as one logical unit per bus: a keyed mutex serializes
// concurrent updates for the same bus while different buses proceed
// independently.
type Service struct {
	store   store.Store
	metrics IngestMetrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a tracking service over the given store. metrics may be
// nil.
func NewService(st store.Store, metrics IngestMetrics) *Service {
	return &Service{
		store:   st,
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// busLock returns the mutex serializing updates for one bus
func (s *Service) busLock(busID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[busID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[busID] = l
	}
	return l
}

// Ingest validates and persists one GPS fix for a bus, then synchronously
// re-evaluates terminal presence. It returns the appended TrackingRecord.
//
// Invalid coordinates or an unknown/inactive bus fail with *ValidationError;
// a fix with accuracy beyond MaxGPSAccuracyM fails with *GPSAccuracyError
// (soft rejection — the caller logs and discards). A fix older than the
// stored location is appended to the log but never overwrites the bus's
// last-known position and never triggers a presence change.
func (s *Service) Ingest(ctx context.Context, busID string, pos models.Position) (*models.TrackingRecord, error) {
	if !geo.ValidateCoordinates(pos.Latitude, pos.Longitude) {
		s.reject("invalid_coordinates")
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid coordinates: %.4f, %.4f", pos.Latitude, pos.Longitude)}
	}

	bus, err := s.store.GetBus(ctx, busID)
	if errors.Is(err, store.ErrNotFound) {
		s.reject("unknown_bus")
		return nil, &ValidationError{Reason: fmt.Sprintf("bus %s not found", busID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bus %s: %w", busID, err)
	}
	if !bus.IsActive {
		s.reject("inactive_bus")
		return nil, &ValidationError{Reason: fmt.Sprintf("bus %s is not active", busID)}
	}

	if pos.AccuracyM != nil && *pos.AccuracyM > MaxGPSAccuracyM {
		s.reject("poor_accuracy")
		return nil, &GPSAccuracyError{AccuracyM: *pos.AccuracyM}
	}

	if pos.Timestamp.IsZero() {
		pos.Timestamp = time.Now().UTC()
	}

	lock := s.busLock(busID)
	lock.Lock()
	defer lock.Unlock()

	rec := &models.TrackingRecord{
		ID:         uuid.NewString(),
		BusID:      busID,
		Position:   pos,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.store.AppendTracking(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append tracking record: %w", err)
	}

	applied, err := s.store.SetBusLocation(ctx, busID, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to update bus location: %w", err)
	}
	if applied {
		if _, err := s.updatePresence(ctx, busID, pos); err != nil {
			return nil, fmt.Errorf("failed to update terminal presence: %w", err)
		}
		if s.metrics != nil {
			s.metrics.FixIngested()
		}
	} else {
		s.reject("stale_fix")
	}
	return rec, nil
}

// UpdatePresence evaluates every terminal's containment radius against the
// given position and applies the resulting membership transition atomically.
// Re-evaluating an unchanged position is a no-op.
func (s *Service) UpdatePresence(ctx context.Context, busID string, pos models.Position) (PresenceUpdate, error) {
	lock := s.busLock(busID)
	lock.Lock()
	defer lock.Unlock()
	return s.updatePresence(ctx, busID, pos)
}

// updatePresence assumes the per-bus lock is held
func (s *Service) updatePresence(ctx context.Context, busID string, pos models.Position) (PresenceUpdate, error) {
	bus, err := s.store.GetBus(ctx, busID)
	if errors.Is(err, store.ErrNotFound) {
		return PresenceUpdate{}, &ValidationError{Reason: fmt.Sprintf("bus %s not found", busID)}
	}
	if err != nil {
		return PresenceUpdate{}, err
	}

	terminals, err := s.store.ListTerminals(ctx)
	if err != nil {
		return PresenceUpdate{}, err
	}

	update := PresenceUpdate{}
	inside := make(map[string]bool, len(terminals))
	for _, term := range terminals {
		within := geo.IsWithinRadius(pos.Latitude, pos.Longitude, term.Latitude, term.Longitude, term.RadiusM)
		member := contains(term.BusesPresent, busID)
		if within {
			inside[term.ID] = true
		}
		switch {
		case within && !member:
			update.Entered = append(update.Entered, term.ID)
		case !within && member:
			update.Left = append(update.Left, term.ID)
		}
	}
	sort.Strings(update.Entered)
	sort.Strings(update.Left)

	current := nextCurrentTerminal(bus.CurrentTerminal, update.Entered, inside)
	status := models.StatusInTransit
	if current != nil {
		status = models.StatusAvailable
	}

	// Nothing moved and the derived fields already match: skip the write.
	if len(update.Entered) == 0 && len(update.Left) == 0 &&
		equalTerminalRef(bus.CurrentTerminal, current) && bus.Status == status {
		return update, nil
	}

	err = s.store.ApplyPresence(ctx, busID, store.PresenceChange{
		Entered:         update.Entered,
		Left:            update.Left,
		CurrentTerminal: current,
		Status:          status,
	})
	if err != nil {
		return PresenceUpdate{}, err
	}
	return update, nil
}

// nextCurrentTerminal picks the bus's current terminal after a presence
// evaluation. Radii may overlap, so membership is set-valued; the current
// terminal is last-entered-wins. Simultaneous entries in one fix tie-break by
// terminal id ascending. When the previous current terminal is exited while
// another membership persists, the smallest surviving id takes over.
func nextCurrentTerminal(prev *string, entered []string, inside map[string]bool) *string {
	if len(entered) > 0 {
		id := entered[0]
		return &id
	}
	if prev != nil && inside[*prev] {
		return prev
	}
	var surviving []string
	for tid := range inside {
		surviving = append(surviving, tid)
	}
	if len(surviving) == 0 {
		return nil
	}
	sort.Strings(surviving)
	return &surviving[0]
}

func (s *Service) reject(reason string) {
	if s.metrics != nil {
		s.metrics.FixRejected(reason)
	}
}

func equalTerminalRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
