package api

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/brtlive/brtlive_core/internal/cache"
	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
)

// predictionFreshness bounds how old a prediction may be to count as a live
// incoming bus.
const predictionFreshness = 2 * time.Minute

// handOffWaitMinutes is the wait reported while at least one bus is already
// parked at the terminal.
const handOffWaitMinutes = 2

// noDataWaitMinutes is the pessimistic wait when nothing is parked and
// nothing is incoming.
const noDataWaitMinutes = 15

type waitEstimate struct {
	TerminalID           string     `json:"terminal_id"`
	BusesAvailable       int        `json:"buses_available"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	NextBusArrival       *time.Time `json:"next_bus_arrival,omitempty"`
}

type incomingBus struct {
	BusID       string  `json:"bus_id"`
	MinutesAway int     `json:"minutes_away"`
	Confidence  float64 `json:"confidence"`
	Method      string  `json:"prediction_method"`
}

// TerminalDashboard returns the passenger-facing snapshot for one terminal.
// Snapshots are cached in Redis behind a rebuild lock so a burst of clients
// triggers a single rebuild.
func (s *Server) TerminalDashboard(c *fiber.Ctx) error {
	terminalID := c.Params("id")
	ctx := c.Context()

	if s.cacheEnabled {
		if snapshot, err := s.cachedDashboard(ctx, terminalID); err == nil && snapshot != nil {
			return c.JSON(snapshot)
		} else if err != nil {
			log.Printf("dashboard cache unavailable for %s, building directly: %v", terminalID, err)
		}
	}

	snapshot, err := s.buildDashboard(ctx, terminalID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Terminal not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(snapshot)
}

// cachedDashboard serves the snapshot from Redis, rebuilding under a
// distributed lock on a miss. Returns (nil, nil) when the caller should
// build without caching.
func (s *Server) cachedDashboard(ctx context.Context, terminalID string) (map[string]interface{}, error) {
	snapshot, err := cache.GetDashboard(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		return snapshot, nil
	}

	lockKey := cache.LockKey(cache.DashboardKey(terminalID))
	acquired, err := cache.AcquireLock(ctx, lockKey, s.cacheMutexTTL)
	if err != nil {
		return nil, err
	}

	if !acquired {
		// Another request is rebuilding; wait for its result.
		snapshot, err := cache.WaitForDashboard(ctx, terminalID, s.cacheMutexTTL)
		if err != nil || snapshot == nil {
			return nil, err
		}
		return snapshot, nil
	}
	defer cache.ReleaseLock(ctx, lockKey)

	built, err := s.buildDashboard(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	if err := cache.SetDashboard(ctx, terminalID, built, s.cacheTTL); err != nil {
		log.Printf("failed to cache dashboard for %s: %v", terminalID, err)
	}
	return built, nil
}

func (s *Server) buildDashboard(ctx context.Context, terminalID string) (map[string]interface{}, error) {
	terminal, err := s.store.GetTerminal(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	buses := make([]models.Bus, 0, len(terminal.BusesPresent))
	for _, busID := range terminal.BusesPresent {
		bus, err := s.store.GetBus(ctx, busID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		buses = append(buses, *bus)
	}

	incoming, err := s.incomingBuses(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	wait := calcWait(terminal, incoming)

	utilization := 0.0
	if terminal.Capacity > 0 {
		utilization = float64(len(buses)) / float64(terminal.Capacity) * 100
	}

	return map[string]interface{}{
		"terminal":             terminal,
		"buses_available":      len(buses),
		"buses":                buses,
		"incoming":             incoming,
		"wait_estimate":        wait,
		"capacity_utilization": utilization,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// incomingBuses returns the freshest prediction per bus for one terminal,
// ordered by minutes away.
func (s *Server) incomingBuses(ctx context.Context, terminalID string) ([]incomingBus, error) {
	preds, err := s.store.RecentPredictions(ctx, time.Now().UTC().Add(-predictionFreshness))
	if err != nil {
		return nil, err
	}

	newest := make(map[string]models.EtaPrediction)
	for _, p := range preds {
		if p.TerminalID != terminalID {
			continue
		}
		if cur, ok := newest[p.BusID]; !ok || p.ComputedAt.After(cur.ComputedAt) {
			newest[p.BusID] = p
		}
	}

	out := make([]incomingBus, 0, len(newest))
	for _, p := range newest {
		out = append(out, incomingBus{
			BusID:       p.BusID,
			MinutesAway: p.MinutesAway,
			Confidence:  p.Confidence,
			Method:      string(p.Method),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinutesAway != out[j].MinutesAway {
			return out[i].MinutesAway < out[j].MinutesAway
		}
		return out[i].BusID < out[j].BusID
	})
	return out, nil
}

// calcWait estimates passenger wait: a bus already at the terminal means a
// short hand-off, otherwise the nearest incoming bus, otherwise a
// pessimistic default.
func calcWait(terminal *models.Terminal, incoming []incomingBus) waitEstimate {
	available := len(terminal.BusesPresent)
	wait := noDataWaitMinutes
	switch {
	case available > 0:
		wait = handOffWaitMinutes
	case len(incoming) > 0:
		wait = incoming[0].MinutesAway
	}

	est := waitEstimate{
		TerminalID:           terminal.ID,
		BusesAvailable:       available,
		EstimatedWaitMinutes: wait,
	}
	if wait > handOffWaitMinutes {
		next := time.Now().UTC().Add(time.Duration(wait) * time.Minute)
		est.NextBusArrival = &next
	}
	return est
}

// SystemOverview aggregates fleet-wide counts and every terminal dashboard
func (s *Server) SystemOverview(c *fiber.Ctx) error {
	ctx := c.Context()

	buses, err := s.store.ListBuses(ctx)
	if err != nil {
		return internalError(c, err)
	}
	terminals, err := s.store.ListTerminals(ctx)
	if err != nil {
		return internalError(c, err)
	}

	available, inTransit := 0, 0
	for _, bus := range buses {
		switch bus.Status {
		case models.StatusAvailable:
			available++
		case models.StatusInTransit:
			inTransit++
		}
	}

	dashboards := make([]map[string]interface{}, 0, len(terminals))
	for _, term := range terminals {
		snapshot, err := s.buildDashboard(ctx, term.ID)
		if err != nil {
			return internalError(c, err)
		}
		dashboards = append(dashboards, snapshot)
	}

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"total_terminals":  len(terminals),
		"total_buses":      len(buses),
		"available_buses":  available,
		"buses_in_transit": inTransit,
		"terminals":        dashboards,
	})
}

// AllWaitTimes returns the wait estimate for every terminal
func (s *Server) AllWaitTimes(c *fiber.Ctx) error {
	ctx := c.Context()
	terminals, err := s.store.ListTerminals(ctx)
	if err != nil {
		return internalError(c, err)
	}

	waitTimes := make([]fiber.Map, 0, len(terminals))
	for _, term := range terminals {
		incoming, err := s.incomingBuses(ctx, term.ID)
		if err != nil {
			return internalError(c, err)
		}
		cp := term
		waitTimes = append(waitTimes, fiber.Map{
			"terminal_id":   term.ID,
			"terminal_name": term.Name,
			"wait_estimate": calcWait(&cp, incoming),
		})
	}

	return c.JSON(fiber.Map{
		"wait_times": waitTimes,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// TerminalAnalytics summarizes utilization for one terminal
func (s *Server) TerminalAnalytics(c *fiber.Ctx) error {
	terminalID := c.Params("id")
	ctx := c.Context()

	terminal, err := s.store.GetTerminal(ctx, terminalID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Terminal not found")
	}
	if err != nil {
		return internalError(c, err)
	}

	incoming, err := s.incomingBuses(ctx, terminalID)
	if err != nil {
		return internalError(c, err)
	}
	wait := calcWait(terminal, incoming)

	utilization := 0.0
	if terminal.Capacity > 0 {
		utilization = float64(len(terminal.BusesPresent)) / float64(terminal.Capacity) * 100
	}

	return c.JSON(fiber.Map{
		"terminal_id":            terminalID,
		"terminal_name":          terminal.Name,
		"current_buses":          len(terminal.BusesPresent),
		"buses_incoming":         len(incoming),
		"capacity":               terminal.Capacity,
		"utilization_percentage": utilization,
		"wait_estimate_minutes":  wait.EstimatedWaitMinutes,
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
	})
}

// CalculatorStats exposes the background loop's cumulative counters
func (s *Server) CalculatorStats(c *fiber.Ctx) error {
	if s.calc == nil {
		return notFound(c, "Calculator not running")
	}
	return c.JSON(fiber.Map{
		"calculator": s.calc.Stats(),
		"health":     s.calc.Health(),
	})
}

// SystemHealth reports the service and its dependencies
func (s *Server) SystemHealth(c *fiber.Ctx) error {
	ctx := c.Context()
	healthy := true
	components := fiber.Map{}

	if s.dbHealth != nil {
		if err := s.dbHealth(ctx); err != nil {
			healthy = false
			components["database"] = fiber.Map{"status": "down", "error": err.Error()}
		} else {
			components["database"] = fiber.Map{"status": "up"}
		}
	}
	if s.cacheHealth != nil {
		if err := s.cacheHealth(ctx); err != nil {
			// Cache loss degrades performance, not correctness.
			components["cache"] = fiber.Map{"status": "down", "error": err.Error()}
		} else {
			components["cache"] = fiber.Map{"status": "up"}
		}
	}
	if s.calc != nil {
		h := s.calc.Health()
		components["eta_calculator"] = h
		if h.NeedsAttention {
			healthy = false
		}
	}
	if s.hub != nil {
		components["websocket_clients"] = s.hub.ConnectionCount()
	}

	status := "ok"
	code := fiber.StatusOK
	if !healthy {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
