package tracking

import "fmt"

// MaxGPSAccuracyM is the worst device-reported accuracy accepted by ingest.
// Fixes with a larger uncertainty would pollute proximity and ETA decisions.
const MaxGPSAccuracyM = 50.0

// ValidationError reports malformed input: bad coordinates or an unknown or
// inactive bus. Surfaced to the caller, never fatal to the ingest pipeline.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// GPSAccuracyError reports a fix whose quality is too poor to trust. It is a
// soft rejection: callers log and discard the fix instead of failing the
// request flow.
type GPSAccuracyError struct {
	AccuracyM float64
}

func (e *GPSAccuracyError) Error() string {
	return fmt.Sprintf("GPS accuracy too poor: %.0fm (max %.0fm)", e.AccuracyM, MaxGPSAccuracyM)
}

// NoLocationDataError reports that a bus has no stored position yet. Batch
// consumers skip the bus and continue.
type NoLocationDataError struct {
	BusID string
}

func (e *NoLocationDataError) Error() string {
	return fmt.Sprintf("no location data for bus %s", e.BusID)
}
