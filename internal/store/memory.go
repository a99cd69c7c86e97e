package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brtlive/brtlive_core/internal/models"
)

// MemoryStore keeps the whole fleet state in memory behind a single RWMutex.
// It backs the test suite and dependency-free development runs; production
// uses PostgresStore behind the same interface.
type MemoryStore struct {
	mu        sync.RWMutex
	buses     map[string]*models.Bus
	terminals map[string]*models.Terminal
	tracking  map[string][]models.TrackingRecord // busID -> ordered by RecordedAt
	etas      []models.EtaPrediction
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buses:     make(map[string]*models.Bus),
		terminals: make(map[string]*models.Terminal),
		tracking:  make(map[string][]models.TrackingRecord),
	}
}

func (s *MemoryStore) CreateBus(_ context.Context, bus *models.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.buses[bus.ID]; exists {
		return fmt.Errorf("bus %s already registered", bus.ID)
	}
	cp := *bus
	s.buses[bus.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBus(_ context.Context, id string) (*models.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bus, ok := s.buses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *bus
	return &cp, nil
}

func (s *MemoryStore) ListBuses(_ context.Context) ([]models.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Bus, 0, len(s.buses))
	for _, bus := range s.buses {
		out = append(out, *bus)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListActiveBuses(_ context.Context) ([]models.Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Bus
	for _, bus := range s.buses {
		if bus.IsActive {
			out = append(out, *bus)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateBus(_ context.Context, bus *models.Bus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buses[bus.ID]; !ok {
		return ErrNotFound
	}
	cp := *bus
	s.buses[bus.ID] = &cp
	return nil
}

func (s *MemoryStore) SetBusLocation(_ context.Context, busID string, pos models.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bus, ok := s.buses[busID]
	if !ok {
		return false, ErrNotFound
	}
	if bus.LastLocation != nil && pos.Timestamp.Before(bus.LastLocation.Timestamp) {
		return false, nil
	}
	cp := pos
	bus.LastLocation = &cp
	return true, nil
}

func (s *MemoryStore) ApplyPresence(_ context.Context, busID string, change PresenceChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bus, ok := s.buses[busID]
	if !ok {
		return ErrNotFound
	}
	for _, tid := range change.Entered {
		term, ok := s.terminals[tid]
		if !ok {
			return fmt.Errorf("terminal %s: %w", tid, ErrNotFound)
		}
		if !contains(term.BusesPresent, busID) {
			term.BusesPresent = append(term.BusesPresent, busID)
		}
	}
	for _, tid := range change.Left {
		term, ok := s.terminals[tid]
		if !ok {
			return fmt.Errorf("terminal %s: %w", tid, ErrNotFound)
		}
		term.BusesPresent = remove(term.BusesPresent, busID)
	}
	bus.CurrentTerminal = change.CurrentTerminal
	bus.Status = change.Status
	return nil
}

func (s *MemoryStore) CreateTerminal(_ context.Context, terminal *models.Terminal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.terminals[terminal.ID]; exists {
		return fmt.Errorf("terminal %s already registered", terminal.ID)
	}
	cp := *terminal
	if cp.BusesPresent == nil {
		cp.BusesPresent = []string{}
	}
	s.terminals[terminal.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTerminal(_ context.Context, id string) (*models.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	term, ok := s.terminals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *term
	cp.BusesPresent = append([]string(nil), term.BusesPresent...)
	return &cp, nil
}

func (s *MemoryStore) ListTerminals(_ context.Context) ([]models.Terminal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Terminal, 0, len(s.terminals))
	for _, term := range s.terminals {
		cp := *term
		cp.BusesPresent = append([]string(nil), term.BusesPresent...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendTracking(_ context.Context, rec *models.TrackingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking[rec.BusID] = append(s.tracking[rec.BusID], *rec)
	return nil
}

func (s *MemoryStore) LatestTracking(_ context.Context, busID string) (*models.TrackingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.tracking[busID]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	latest := recs[0]
	for _, r := range recs[1:] {
		if r.Position.Timestamp.After(latest.Position.Timestamp) {
			latest = r
		}
	}
	return &latest, nil
}

func (s *MemoryStore) TrackingSince(_ context.Context, busID string, since time.Time) ([]models.TrackingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TrackingRecord
	for _, r := range s.tracking[busID] {
		if !r.Position.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position.Timestamp.After(out[j].Position.Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) ActiveBusIDs(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for busID, recs := range s.tracking {
		for _, r := range recs {
			if !r.Position.Timestamp.Before(since) {
				out = append(out, busID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SavePredictions(_ context.Context, preds []models.EtaPrediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etas = append(s.etas, preds...)
	return nil
}

func (s *MemoryStore) RecentPredictions(_ context.Context, since time.Time) ([]models.EtaPrediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EtaPrediction
	for _, p := range s.etas {
		if !p.ComputedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
