package store

import (
	"context"
	"errors"
	"time"

	"github.com/brtlive/brtlive_core/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// PresenceChange describes one atomic presence transition for a single bus.
// Entered and Left carry terminal ids; CurrentTerminal and Status are the
// resulting bus fields. The whole change is applied in one transaction so no
// reader ever observes a bus inside a terminal's present-set without the
// matching current-terminal field, or vice versa.
type PresenceChange struct {
	Entered         []string
	Left            []string
	CurrentTerminal *string
	Status          models.BusStatus
}

// BusStore persists buses
type BusStore interface {
	CreateBus(ctx context.Context, bus *models.Bus) error
	GetBus(ctx context.Context, id string) (*models.Bus, error)
	ListBuses(ctx context.Context) ([]models.Bus, error)
	// ListActiveBuses returns buses with the active flag set
	ListActiveBuses(ctx context.Context) ([]models.Bus, error)
	UpdateBus(ctx context.Context, bus *models.Bus) error
	// SetBusLocation applies last-write-wins by fix timestamp. It reports
	// whether the location was applied; a fix older than the stored one is
	// ignored and reported as not applied.
	SetBusLocation(ctx context.Context, busID string, pos models.Position) (bool, error)
	// ApplyPresence applies a presence transition atomically: membership set
	// changes on the named terminals plus the bus's current-terminal and
	// status fields.
	ApplyPresence(ctx context.Context, busID string, change PresenceChange) error
}

// TerminalStore persists terminals and their membership sets
type TerminalStore interface {
	CreateTerminal(ctx context.Context, terminal *models.Terminal) error
	GetTerminal(ctx context.Context, id string) (*models.Terminal, error)
	ListTerminals(ctx context.Context) ([]models.Terminal, error)
}

// TrackingStore persists the append-only GPS log
type TrackingStore interface {
	AppendTracking(ctx context.Context, rec *models.TrackingRecord) error
	LatestTracking(ctx context.Context, busID string) (*models.TrackingRecord, error)
	TrackingSince(ctx context.Context, busID string, since time.Time) ([]models.TrackingRecord, error)
	// ActiveBusIDs returns ids of buses with at least one fix since the cutoff
	ActiveBusIDs(ctx context.Context, since time.Time) ([]string, error)
}

// EtaStore persists ETA predictions
type EtaStore interface {
	SavePredictions(ctx context.Context, preds []models.EtaPrediction) error
	// RecentPredictions returns predictions computed at or after the cutoff
	RecentPredictions(ctx context.Context, since time.Time) ([]models.EtaPrediction, error)
}

// Store is the full persistence capability consumed by the tracking and ETA
// components. The proximity/ETA logic depends only on this interface so the
// backend can be swapped without touching it.
type Store interface {
	BusStore
	TerminalStore
	TrackingStore
	EtaStore
}
