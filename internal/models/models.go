package models

import "time"

// BusStatus represents the operational state of a bus
type BusStatus string

const (
	// StatusAvailable means the bus is parked inside a terminal's radius
	StatusAvailable BusStatus = "available"
	// StatusInTransit means the bus is moving between terminals
	StatusInTransit BusStatus = "in_transit"
	// StatusOutOfService means the bus is deactivated and ignored by tracking
	StatusOutOfService BusStatus = "out_of_service"
)

// PredictionMethod tags how an ETA was derived
type PredictionMethod string

const (
	// MethodRealTime means the prediction used a live GPS speed reading
	MethodRealTime PredictionMethod = "real_time"
	// MethodEstimated means the prediction fell back to the default cruising speed
	MethodEstimated PredictionMethod = "estimated"
)

// Position is a single GPS fix reported by a driver device.
// Heading and AccuracyM are nil when the device did not report them.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Heading   *float64  `json:"heading,omitempty"`
	AccuracyM *float64  `json:"accuracy_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus represents a vehicle in the fleet.
// CurrentTerminal is derived state owned by the proximity tracker: it is set
// while the bus sits inside a terminal's radius and nil otherwise.
type Bus struct {
	ID              string    `json:"id"`
	PlateNumber     string    `json:"plate_number"`
	DriverName      string    `json:"driver_name"`
	DriverPhone     string    `json:"driver_phone"`
	Capacity        int       `json:"capacity"`
	IsActive        bool      `json:"is_active"`
	Status          BusStatus `json:"status"`
	CurrentTerminal *string   `json:"current_terminal,omitempty"`
	LastLocation    *Position `json:"last_location,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Terminal is a fixed terminus with a containment radius.
// BusesPresent is the derived membership set, mutated only by the proximity
// tracker together with the member buses' CurrentTerminal field.
type Terminal struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	RadiusM      float64   `json:"radius_m"`
	Capacity     int       `json:"capacity"`
	BusesPresent []string  `json:"buses_present"`
	CreatedAt    time.Time `json:"created_at"`
}

// TrackingRecord is an append-only log entry for one accepted GPS fix.
// Records are never mutated after creation.
type TrackingRecord struct {
	ID         string    `json:"id"`
	BusID      string    `json:"bus_id"`
	Position   Position  `json:"position"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EtaPrediction is one projected arrival of a bus at a terminal.
// Predictions are superseded, not updated in place; consumers prefer the
// newest ComputedAt per (bus, terminal) pair.
type EtaPrediction struct {
	ID               string           `json:"id"`
	BusID            string           `json:"bus_id"`
	TerminalID       string           `json:"terminal_id"`
	EstimatedArrival time.Time        `json:"estimated_arrival"`
	MinutesAway      int              `json:"minutes_away"`
	Confidence       float64          `json:"confidence"`
	Method           PredictionMethod `json:"prediction_method"`
	ComputedAt       time.Time        `json:"computed_at"`
}
