package api

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/brtlive/brtlive_core/internal/cache"
	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

type registerBusRequest struct {
	ID          string `json:"bus_id" validate:"required"`
	PlateNumber string `json:"plate_number" validate:"required"`
	DriverName  string `json:"driver_name"`
	DriverPhone string `json:"driver_phone"`
	Capacity    int    `json:"capacity" validate:"gte=0"`
}

type registerTerminalRequest struct {
	ID        string  `json:"terminal_id" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusM   float64 `json:"radius_m" validate:"gte=0"`
	Capacity  int     `json:"total_capacity" validate:"gt=0"`
}

type locationUpdateRequest struct {
	Latitude  float64    `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64    `json:"longitude" validate:"gte=-180,lte=180"`
	SpeedKmh  float64    `json:"speed" validate:"gte=0"`
	Heading   *float64   `json:"heading" validate:"omitempty,gte=0,lte=360"`
	AccuracyM *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	Timestamp *time.Time `json:"timestamp"`
}

type statusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=available in_transit out_of_service"`
}

// RegisterBus adds a new bus to the fleet
func (s *Server) RegisterBus(c *fiber.Ctx) error {
	var req registerBusRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	bus := &models.Bus{
		ID:          req.ID,
		PlateNumber: req.PlateNumber,
		DriverName:  req.DriverName,
		DriverPhone: req.DriverPhone,
		Capacity:    req.Capacity,
		IsActive:    true,
		Status:      models.StatusInTransit,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateBus(c.Context(), bus); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Bus registered",
		"bus":     bus,
	})
}

// ListBuses returns the fleet, optionally filtered by status
func (s *Server) ListBuses(c *fiber.Ctx) error {
	buses, err := s.store.ListBuses(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	if status := c.Query("status"); status != "" {
		filtered := buses[:0]
		for _, bus := range buses {
			if string(bus.Status) == status {
				filtered = append(filtered, bus)
			}
		}
		buses = filtered
	}

	return c.JSON(fiber.Map{"buses": buses, "count": len(buses)})
}

// GetBus returns a single bus
func (s *Server) GetBus(c *fiber.Ctx) error {
	bus, err := s.store.GetBus(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Bus not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(bus)
}

// TrackBusByPhone finds the bus assigned to a driver's phone number
func (s *Server) TrackBusByPhone(c *fiber.Ctx) error {
	phone := c.Params("phone")
	buses, err := s.store.ListBuses(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	for _, bus := range buses {
		if bus.DriverPhone == phone {
			return c.JSON(fiber.Map{
				"bus":              bus,
				"last_location":    bus.LastLocation,
				"current_terminal": bus.CurrentTerminal,
				"status":           bus.Status,
			})
		}
	}
	return notFound(c, "No bus found with this phone number")
}

// ToggleBusActive flips the active flag. A deactivated bus stops being
// tracked and drops out of ETA cycles until reactivated.
func (s *Server) ToggleBusActive(c *fiber.Ctx) error {
	bus, err := s.store.GetBus(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Bus not found")
	}
	if err != nil {
		return internalError(c, err)
	}

	bus.IsActive = !bus.IsActive
	if !bus.IsActive {
		bus.Status = models.StatusOutOfService
	} else if bus.Status == models.StatusOutOfService {
		bus.Status = models.StatusInTransit
	}
	if err := s.store.UpdateBus(c.Context(), bus); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":   "Active flag updated",
		"bus_id":    bus.ID,
		"is_active": bus.IsActive,
		"status":    bus.Status,
	})
}

// UpdateBusStatus sets the operational status directly
func (s *Server) UpdateBusStatus(c *fiber.Ctx) error {
	var req statusUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	bus, err := s.store.GetBus(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Bus not found")
	}
	if err != nil {
		return internalError(c, err)
	}

	bus.Status = models.BusStatus(req.Status)
	if err := s.store.UpdateBus(c.Context(), bus); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":    "Status updated",
		"bus_id":     bus.ID,
		"new_status": bus.Status,
	})
}

// RegisterTerminal adds a terminal
func (s *Server) RegisterTerminal(c *fiber.Ctx) error {
	var req registerTerminalRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	terminal := &models.Terminal{
		ID:        req.ID,
		Name:      req.Name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		RadiusM:   req.RadiusM,
		Capacity:  req.Capacity,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateTerminal(c.Context(), terminal); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Terminal registered",
		"terminal": terminal,
	})
}

// ListTerminals returns all terminals
func (s *Server) ListTerminals(c *fiber.Ctx) error {
	terminals, err := s.store.ListTerminals(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"terminals": terminals, "count": len(terminals)})
}

// GetTerminal returns a single terminal
func (s *Server) GetTerminal(c *fiber.Ctx) error {
	terminal, err := s.store.GetTerminal(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Terminal not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(terminal)
}

// UpdateLocation ingests one GPS fix from a driver device
func (s *Server) UpdateLocation(c *fiber.Ctx) error {
	var req locationUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pos := models.Position{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		SpeedKmh:  req.SpeedKmh,
		Heading:   req.Heading,
		AccuracyM: req.AccuracyM,
	}
	if req.Timestamp != nil {
		pos.Timestamp = req.Timestamp.UTC()
	}

	busID := c.Params("id")
	rec, err := s.tracker.Ingest(c.Context(), busID, pos)

	var accErr *tracking.GPSAccuracyError
	if errors.As(err, &accErr) {
		// Poor fixes are discarded without failing the device's request flow.
		log.Printf("discarding low-accuracy fix for bus %s: %v", busID, accErr)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"message":    "Fix discarded",
			"reason":     "gps_accuracy",
			"accuracy_m": accErr.AccuracyM,
		})
	}
	var verr *tracking.ValidationError
	if errors.As(err, &verr) {
		return badRequest(c, verr.Reason)
	}
	if err != nil {
		return internalError(c, err)
	}

	bus, err := s.store.GetBus(c.Context(), busID)
	if err != nil {
		return internalError(c, err)
	}

	if s.cacheEnabled && bus.LastLocation != nil {
		if err := cache.SetPosition(c.Context(), busID, bus.LastLocation, s.cacheTTL); err != nil {
			log.Printf("failed to cache position for bus %s: %v", busID, err)
		}
	}

	return c.JSON(fiber.Map{
		"message":          "Location updated",
		"record_id":        rec.ID,
		"bus_id":           busID,
		"current_terminal": bus.CurrentTerminal,
		"status":           bus.Status,
	})
}

// CurrentLocation returns the bus's last known position
func (s *Server) CurrentLocation(c *fiber.Ctx) error {
	bus, err := s.store.GetBus(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Bus not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	loc := bus.LastLocation
	if s.cacheEnabled {
		// Another instance may have ingested a fresher fix.
		if cached, err := cache.GetPosition(c.Context(), bus.ID); err == nil && cached != nil {
			if loc == nil || cached.Timestamp.After(loc.Timestamp) {
				loc = cached
			}
		}
	}
	if loc == nil {
		return notFound(c, "No location data for this bus")
	}

	return c.JSON(fiber.Map{
		"bus_id":           bus.ID,
		"location":         loc,
		"current_terminal": bus.CurrentTerminal,
		"status":           bus.Status,
	})
}

// LocationHistory returns fixes within the last N hours (default 1, max 168)
func (s *Server) LocationHistory(c *fiber.Ctx) error {
	busID := c.Params("id")
	if _, err := s.store.GetBus(c.Context(), busID); errors.Is(err, store.ErrNotFound) {
		return notFound(c, "Bus not found")
	} else if err != nil {
		return internalError(c, err)
	}

	hours := c.QueryInt("hours", 1)
	if hours < 1 {
		hours = 1
	}
	if hours > 168 {
		hours = 168
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	recs, err := s.store.TrackingSince(c.Context(), busID, since)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"bus_id":  busID,
		"hours":   hours,
		"history": recs,
		"count":   len(recs),
	})
}

// ActiveBuses lists buses that reported a fix within the window (default 10
// minutes)
func (s *Server) ActiveBuses(c *fiber.Ctx) error {
	minutes := c.QueryInt("minutes", 10)
	if minutes < 1 {
		minutes = 1
	}

	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	ids, err := s.store.ActiveBusIDs(c.Context(), since)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"active_buses":   ids,
		"count":          len(ids),
		"window_minutes": minutes,
	})
}

// BusEta computes fresh ETA projections for one bus on demand
func (s *Server) BusEta(c *fiber.Ctx) error {
	busID := c.Params("id")
	preds, err := s.estimator.Estimate(c.Context(), busID)

	var noLoc *tracking.NoLocationDataError
	if errors.As(err, &noLoc) {
		return notFound(c, "No location data for this bus")
	}
	var verr *tracking.ValidationError
	if errors.As(err, &verr) {
		return notFound(c, verr.Reason)
	}
	if err != nil {
		return internalError(c, err)
	}

	if len(preds) == 0 {
		bus, err := s.store.GetBus(c.Context(), busID)
		if err != nil {
			return internalError(c, err)
		}
		// A parked bus reports its terminal; an in-transit bus with nothing
		// within the cutoff reports an empty projection list.
		if bus.CurrentTerminal != nil {
			return c.JSON(fiber.Map{
				"bus_id":      busID,
				"at_terminal": bus.CurrentTerminal,
				"etas":        []models.EtaPrediction{},
			})
		}
		preds = []models.EtaPrediction{}
	}

	return c.JSON(fiber.Map{
		"bus_id": busID,
		"etas":   preds,
		"count":  len(preds),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": msg})
}

func internalError(c *fiber.Ctx, err error) error {
	log.Printf("internal error on %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
}
