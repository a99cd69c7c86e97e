package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brtlive/brtlive_core/internal/models"
)

// PostgresStore implements Store on top of a pgx connection pool.
// See scripts/schema.sql for the reference DDL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over an initialized pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateBus(ctx context.Context, bus *models.Bus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO buses (id, plate_number, driver_name, driver_phone, capacity, is_active, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, bus.ID, bus.PlateNumber, bus.DriverName, bus.DriverPhone, bus.Capacity, bus.IsActive, bus.Status, bus.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bus %s: %w", bus.ID, err)
	}
	return nil
}

const busColumns = `
	id, plate_number, driver_name, driver_phone, capacity, is_active, status,
	current_terminal, loc_latitude, loc_longitude, loc_speed_kmh, loc_heading,
	loc_accuracy_m, loc_timestamp, created_at`

func scanBus(row pgx.Row) (*models.Bus, error) {
	var bus models.Bus
	var lat, lon, speed *float64
	var heading, accuracy *float64
	var ts *time.Time

	err := row.Scan(&bus.ID, &bus.PlateNumber, &bus.DriverName, &bus.DriverPhone,
		&bus.Capacity, &bus.IsActive, &bus.Status, &bus.CurrentTerminal,
		&lat, &lon, &speed, &heading, &accuracy, &ts, &bus.CreatedAt)
	if err != nil {
		return nil, err
	}

	if lat != nil && lon != nil && ts != nil {
		pos := models.Position{
			Latitude:  *lat,
			Longitude: *lon,
			Heading:   heading,
			AccuracyM: accuracy,
			Timestamp: *ts,
		}
		if speed != nil {
			pos.SpeedKmh = *speed
		}
		bus.LastLocation = &pos
	}
	return &bus, nil
}

func (s *PostgresStore) GetBus(ctx context.Context, id string) (*models.Bus, error) {
	bus, err := scanBus(s.pool.QueryRow(ctx, `SELECT `+busColumns+` FROM buses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bus %s: %w", id, err)
	}
	return bus, nil
}

func (s *PostgresStore) listBuses(ctx context.Context, where string, args ...any) ([]models.Bus, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+busColumns+` FROM buses `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list buses: %w", err)
	}
	defer rows.Close()

	var out []models.Bus
	for rows.Next() {
		bus, err := scanBus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bus: %w", err)
		}
		out = append(out, *bus)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBuses(ctx context.Context) ([]models.Bus, error) {
	return s.listBuses(ctx, "")
}

func (s *PostgresStore) ListActiveBuses(ctx context.Context) ([]models.Bus, error) {
	return s.listBuses(ctx, "WHERE is_active")
}

func (s *PostgresStore) UpdateBus(ctx context.Context, bus *models.Bus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE buses
		SET plate_number = $2, driver_name = $3, driver_phone = $4,
		    capacity = $5, is_active = $6, status = $7
		WHERE id = $1
	`, bus.ID, bus.PlateNumber, bus.DriverName, bus.DriverPhone, bus.Capacity, bus.IsActive, bus.Status)
	if err != nil {
		return fmt.Errorf("failed to update bus %s: %w", bus.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetBusLocation(ctx context.Context, busID string, pos models.Position) (bool, error) {
	// Last-write-wins by fix timestamp: the WHERE clause ignores stale fixes.
	tag, err := s.pool.Exec(ctx, `
		UPDATE buses
		SET loc_latitude = $2, loc_longitude = $3, loc_speed_kmh = $4,
		    loc_heading = $5, loc_accuracy_m = $6, loc_timestamp = $7
		WHERE id = $1 AND (loc_timestamp IS NULL OR loc_timestamp <= $7)
	`, busID, pos.Latitude, pos.Longitude, pos.SpeedKmh, pos.Heading, pos.AccuracyM, pos.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to set location for bus %s: %w", busID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ApplyPresence(ctx context.Context, busID string, change PresenceChange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin presence transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tid := range change.Entered {
		if _, err := tx.Exec(ctx, `
			INSERT INTO terminal_buses (terminal_id, bus_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, tid, busID); err != nil {
			return fmt.Errorf("failed to add bus %s to terminal %s: %w", busID, tid, err)
		}
	}
	for _, tid := range change.Left {
		if _, err := tx.Exec(ctx, `
			DELETE FROM terminal_buses WHERE terminal_id = $1 AND bus_id = $2
		`, tid, busID); err != nil {
			return fmt.Errorf("failed to remove bus %s from terminal %s: %w", busID, tid, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE buses SET current_terminal = $2, status = $3 WHERE id = $1
	`, busID, change.CurrentTerminal, change.Status); err != nil {
		return fmt.Errorf("failed to update presence for bus %s: %w", busID, err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateTerminal(ctx context.Context, terminal *models.Terminal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO terminals (id, name, latitude, longitude, radius_m, capacity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, terminal.ID, terminal.Name, terminal.Latitude, terminal.Longitude,
		terminal.RadiusM, terminal.Capacity, terminal.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert terminal %s: %w", terminal.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTerminal(ctx context.Context, id string) (*models.Terminal, error) {
	var term models.Terminal
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, latitude, longitude, radius_m, capacity, created_at
		FROM terminals WHERE id = $1
	`, id).Scan(&term.ID, &term.Name, &term.Latitude, &term.Longitude,
		&term.RadiusM, &term.Capacity, &term.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load terminal %s: %w", id, err)
	}

	term.BusesPresent = []string{}
	rows, err := s.pool.Query(ctx, `
		SELECT bus_id FROM terminal_buses WHERE terminal_id = $1 ORDER BY bus_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load terminal %s membership: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var busID string
		if err := rows.Scan(&busID); err != nil {
			return nil, err
		}
		term.BusesPresent = append(term.BusesPresent, busID)
	}
	return &term, rows.Err()
}

func (s *PostgresStore) ListTerminals(ctx context.Context) ([]models.Terminal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.name, t.latitude, t.longitude, t.radius_m, t.capacity, t.created_at,
		       COALESCE(array_agg(tb.bus_id ORDER BY tb.bus_id) FILTER (WHERE tb.bus_id IS NOT NULL), '{}')
		FROM terminals t
		LEFT JOIN terminal_buses tb ON tb.terminal_id = t.id
		GROUP BY t.id
		ORDER BY t.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminals: %w", err)
	}
	defer rows.Close()

	var out []models.Terminal
	for rows.Next() {
		var term models.Terminal
		if err := rows.Scan(&term.ID, &term.Name, &term.Latitude, &term.Longitude,
			&term.RadiusM, &term.Capacity, &term.CreatedAt, &term.BusesPresent); err != nil {
			return nil, fmt.Errorf("failed to scan terminal: %w", err)
		}
		out = append(out, term)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendTracking(ctx context.Context, rec *models.TrackingRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bus_tracking (id, bus_id, latitude, longitude, speed_kmh, heading, accuracy_m, gps_timestamp, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.BusID, rec.Position.Latitude, rec.Position.Longitude, rec.Position.SpeedKmh,
		rec.Position.Heading, rec.Position.AccuracyM, rec.Position.Timestamp, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to append tracking for bus %s: %w", rec.BusID, err)
	}
	return nil
}

const trackingColumns = `id, bus_id, latitude, longitude, speed_kmh, heading, accuracy_m, gps_timestamp, recorded_at`

func scanTracking(rows pgx.Rows) (*models.TrackingRecord, error) {
	var rec models.TrackingRecord
	err := rows.Scan(&rec.ID, &rec.BusID, &rec.Position.Latitude, &rec.Position.Longitude,
		&rec.Position.SpeedKmh, &rec.Position.Heading, &rec.Position.AccuracyM,
		&rec.Position.Timestamp, &rec.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) LatestTracking(ctx context.Context, busID string) (*models.TrackingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+trackingColumns+` FROM bus_tracking
		WHERE bus_id = $1 ORDER BY gps_timestamp DESC LIMIT 1
	`, busID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest tracking for bus %s: %w", busID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanTracking(rows)
}

func (s *PostgresStore) TrackingSince(ctx context.Context, busID string, since time.Time) ([]models.TrackingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+trackingColumns+` FROM bus_tracking
		WHERE bus_id = $1 AND gps_timestamp >= $2
		ORDER BY gps_timestamp DESC
	`, busID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking history for bus %s: %w", busID, err)
	}
	defer rows.Close()

	var out []models.TrackingRecord
	for rows.Next() {
		rec, err := scanTracking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveBusIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT bus_id FROM bus_tracking WHERE gps_timestamp >= $1 ORDER BY bus_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active bus ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var busID string
		if err := rows.Scan(&busID); err != nil {
			return nil, err
		}
		out = append(out, busID)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePredictions(ctx context.Context, preds []models.EtaPrediction) error {
	if len(preds) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range preds {
		batch.Queue(`
			INSERT INTO eta_predictions (id, bus_id, terminal_id, estimated_arrival, minutes_away, confidence, prediction_method, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.ID, p.BusID, p.TerminalID, p.EstimatedArrival, p.MinutesAway, p.Confidence, p.Method, p.ComputedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range preds {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to save predictions: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RecentPredictions(ctx context.Context, since time.Time) ([]models.EtaPrediction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, bus_id, terminal_id, estimated_arrival, minutes_away, confidence, prediction_method, computed_at
		FROM eta_predictions
		WHERE computed_at >= $1
		ORDER BY computed_at DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent predictions: %w", err)
	}
	defer rows.Close()

	var out []models.EtaPrediction
	for rows.Next() {
		var p models.EtaPrediction
		if err := rows.Scan(&p.ID, &p.BusID, &p.TerminalID, &p.EstimatedArrival,
			&p.MinutesAway, &p.Confidence, &p.Method, &p.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
