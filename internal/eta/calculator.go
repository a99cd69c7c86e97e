package eta

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/brtlive/brtlive_core/internal/models"
	"github.com/brtlive/brtlive_core/internal/pubsub"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

// Health states of the background calculator
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// CycleMetrics receives calculator outcomes
type CycleMetrics interface {
	CycleCompleted(d time.Duration)
	CycleFailed()
	BusProcessed()
	BusFailed()
	PredictionsMade(n int)
	SetActiveBuses(n int)
	SetConsecutiveFailures(n int)
}

// Options tunes the calculator loop. Zero values fall back to defaults.
type Options struct {
	// Interval between ETA cycles (default 60s)
	Interval time.Duration
	// AnalyticsInterval between wait-time analytics refreshes (default 1h)
	AnalyticsInterval time.Duration
	// CycleTimeout bounds one full cycle (default 50s)
	CycleTimeout time.Duration
	// MaxRetries per bus within a cycle (default 2)
	MaxRetries int
	// RetryBackoff between per-bus retries (default 1s)
	RetryBackoff time.Duration
	// MaxConsecutiveFailures before the status escalates to critical (default 3)
	MaxConsecutiveFailures int
	// FreshnessWindow for predictions included in a broadcast (default 2m)
	FreshnessWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.AnalyticsInterval <= 0 {
		o.AnalyticsInterval = time.Hour
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 50 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 3
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = 2 * time.Minute
	}
	return o
}

// CycleReport summarizes one ETA cycle
type CycleReport struct {
	BusesFound        int
	BusesSucceeded    int
	BusesSkipped      int
	BusesFailed       int
	Predictions       int
	TerminalsNotified int
	Duration          time.Duration
}

// Stats is a running snapshot of the calculator since start
type Stats struct {
	TotalCycles      int        `json:"total_cycles"`
	SuccessfulCycles int        `json:"successful_cycles"`
	BusesProcessed   int        `json:"buses_processed"`
	PredictionsMade  int        `json:"predictions_made"`
	LastSuccess      *time.Time `json:"last_success"`
	LastError        string     `json:"last_error,omitempty"`
}

// Health is the calculator's self-reported condition
type Health struct {
	Status              string     `json:"status"`
	Running             bool       `json:"is_running"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success"`
	NeedsAttention      bool       `json:"needs_attention"`
}

// Calculator periodically recomputes ETA predictions for the active fleet,
// persists them, and broadcasts per-terminal and dashboard-wide updates. One
// misbehaving bus never fails a cycle, and a failing cycle never crashes the
// loop; repeated failures only degrade the reported health.
type Calculator struct {
	store     store.Store
	estimator *Estimator
	pub       pubsub.Publisher
	metrics   CycleMetrics
	opts      Options

	mu                  sync.Mutex
	running             bool
	status              string
	consecutiveFailures int
	stats               Stats
}

// NewCalculator wires the background loop. pub and metrics may be nil.
func NewCalculator(st store.Store, est *Estimator, pub pubsub.Publisher, metrics CycleMetrics, opts Options) *Calculator {
	return &Calculator{
		store:     st,
		estimator: est,
		pub:       pub,
		metrics:   metrics,
		opts:      opts.withDefaults(),
		status:    StatusHealthy,
	}
}

// Run drives ETA cycles until ctx is cancelled. The first cycle starts
// immediately. Cancellation stops scheduling; the cycle in flight finishes
// under its own timeout.
func (c *Calculator) Run(ctx context.Context) {
	c.setRunning(true)
	defer c.setRunning(false)

	log.Printf("ETA calculator started (interval %s)", c.opts.Interval)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		c.runScheduled()
		select {
		case <-ctx.Done():
			log.Println("ETA calculator stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunAnalytics periodically refreshes fleet-wide wait-time analytics until
// ctx is cancelled.
func (c *Calculator) RunAnalytics(ctx context.Context) {
	log.Printf("wait-time analytics started (interval %s)", c.opts.AnalyticsInterval)
	ticker := time.NewTicker(c.opts.AnalyticsInterval)
	defer ticker.Stop()

	for {
		cycleCtx, cancel := context.WithTimeout(context.Background(), c.opts.CycleTimeout)
		if err := c.publishAnalytics(cycleCtx); err != nil {
			log.Printf("wait-time analytics refresh failed: %v", err)
		}
		cancel()

		select {
		case <-ctx.Done():
			log.Println("wait-time analytics stopped")
			return
		case <-ticker.C:
		}
	}
}

// runScheduled executes one cycle under the configured timeout and folds the
// outcome into health tracking. The cycle context is deliberately detached
// from the loop context so a shutdown does not abort a cycle mid-write.
func (c *Calculator) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CycleTimeout)
	defer cancel()

	started := time.Now()
	report, err := c.RunCycle(ctx)
	if err != nil {
		c.recordFailure(err)
		return
	}
	c.recordSuccess(report)
	log.Printf("ETA cycle done in %s: %d/%d buses, %d predictions, %d terminals notified",
		time.Since(started).Round(time.Millisecond),
		report.BusesSucceeded, report.BusesFound, report.Predictions, report.TerminalsNotified)
}

// RunCycle computes and persists predictions for every active bus, then
// broadcasts grouped updates. Per-bus errors are retried and, if persistent,
// counted without failing the cycle; only fleet-level errors (listing buses,
// gathering predictions) fail it.
func (c *Calculator) RunCycle(ctx context.Context) (CycleReport, error) {
	started := time.Now()
	report := CycleReport{}

	buses, err := c.store.ListActiveBuses(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list active buses: %w", err)
	}
	report.BusesFound = len(buses)
	if c.metrics != nil {
		c.metrics.SetActiveBuses(len(buses))
	}

	for _, bus := range buses {
		n, err := c.processBus(ctx, bus.ID)
		switch {
		case err == nil:
			report.BusesSucceeded++
			report.Predictions += n
			if c.metrics != nil {
				c.metrics.BusProcessed()
			}
		case isSkippable(err):
			report.BusesSkipped++
		default:
			report.BusesFailed++
			log.Printf("ETA computation failed for bus %s: %v", bus.ID, err)
			if c.metrics != nil {
				c.metrics.BusFailed()
			}
		}
	}

	notified, err := c.broadcast(ctx)
	if err != nil {
		return report, err
	}
	report.TerminalsNotified = notified
	report.Duration = time.Since(started)

	if c.metrics != nil {
		c.metrics.PredictionsMade(report.Predictions)
	}
	return report, nil
}

// processBus estimates and persists predictions for one bus, retrying
// transient errors. Skippable conditions (no location yet, bus deactivated
// mid-cycle) are never retried.
func (c *Calculator) processBus(ctx context.Context, busID string) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.opts.RetryBackoff):
			}
		}

		preds, err := c.estimator.Estimate(ctx, busID)
		if err == nil && len(preds) > 0 {
			err = c.store.SavePredictions(ctx, preds)
		}
		if err == nil {
			return len(preds), nil
		}
		if isSkippable(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

// broadcast gathers fresh predictions, groups them by terminal, and publishes
// one eta_update per terminal plus one dashboard_update. A publish failure
// for one terminal does not block the rest.
func (c *Calculator) broadcast(ctx context.Context) (int, error) {
	if c.pub == nil {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-c.opts.FreshnessWindow)
	preds, err := c.store.RecentPredictions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to load recent predictions: %w", err)
	}
	fresh := dedupeNewest(preds)

	byTerminal := make(map[string][]models.EtaPrediction)
	busesTracked := make(map[string]bool)
	for _, p := range fresh {
		byTerminal[p.TerminalID] = append(byTerminal[p.TerminalID], p)
		busesTracked[p.BusID] = true
	}

	now := time.Now().UTC()
	notified := 0
	for terminalID, group := range byTerminal {
		sort.Slice(group, func(i, j int) bool {
			if group[i].MinutesAway != group[j].MinutesAway {
				return group[i].MinutesAway < group[j].MinutesAway
			}
			return group[i].BusID < group[j].BusID
		})
		msg := pubsub.Message{
			"type":        "eta_update",
			"terminal_id": terminalID,
			"etas":        etaPayload(group),
			"timestamp":   now.Format(time.RFC3339),
		}
		if err := c.pub.PublishToTerminal(terminalID, msg); err != nil {
			log.Printf("ETA broadcast to terminal %s failed: %v", terminalID, err)
			continue
		}
		notified++
	}

	summary := pubsub.Message{
		"type":                "dashboard_update",
		"buses_tracked":       len(busesTracked),
		"predictions":         len(fresh),
		"terminals_with_etas": len(byTerminal),
		"timestamp":           now.Format(time.RFC3339),
	}
	if err := c.pub.PublishToAll(summary); err != nil {
		log.Printf("dashboard broadcast failed: %v", err)
	}
	return notified, nil
}

// publishAnalytics broadcasts a fleet-wide wait-time snapshot: per-terminal
// bus presence and fresh incoming ETAs.
func (c *Calculator) publishAnalytics(ctx context.Context) error {
	if c.pub == nil {
		return nil
	}

	terminals, err := c.store.ListTerminals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list terminals: %w", err)
	}
	preds, err := c.store.RecentPredictions(ctx, time.Now().UTC().Add(-c.opts.FreshnessWindow))
	if err != nil {
		return fmt.Errorf("failed to load recent predictions: %w", err)
	}
	fresh := dedupeNewest(preds)

	incoming := make(map[string]int)
	for _, p := range fresh {
		incoming[p.TerminalID]++
	}

	rows := make([]map[string]interface{}, 0, len(terminals))
	for _, term := range terminals {
		rows = append(rows, map[string]interface{}{
			"terminal_id":    term.ID,
			"terminal_name":  term.Name,
			"buses_present":  len(term.BusesPresent),
			"buses_incoming": incoming[term.ID],
		})
	}

	return c.pub.PublishToAll(pubsub.Message{
		"type":      "analytics_update",
		"terminals": rows,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Calculator) recordSuccess(report CycleReport) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.stats.TotalCycles++
	c.stats.SuccessfulCycles++
	c.stats.BusesProcessed += report.BusesSucceeded
	c.stats.PredictionsMade += report.Predictions
	c.stats.LastSuccess = &now
	c.stats.LastError = ""
	c.status = StatusHealthy

	if c.metrics != nil {
		c.metrics.CycleCompleted(report.Duration)
		c.metrics.SetConsecutiveFailures(0)
	}
}

func (c *Calculator) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	c.stats.TotalCycles++
	c.stats.LastError = err.Error()

	switch {
	case c.consecutiveFailures >= c.opts.MaxConsecutiveFailures:
		c.status = StatusCritical
	case c.consecutiveFailures > 1:
		c.status = StatusDegraded
	default:
		c.status = StatusHealthy
	}
	log.Printf("ETA cycle failed (%d consecutive, status %s): %v", c.consecutiveFailures, c.status, err)
	if c.status == StatusCritical {
		log.Printf("ALERT: ETA calculator critical after %d consecutive failures", c.consecutiveFailures)
	}

	if c.metrics != nil {
		c.metrics.CycleFailed()
		c.metrics.SetConsecutiveFailures(c.consecutiveFailures)
	}
}

func (c *Calculator) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

// Health reports the loop's condition for the system health endpoint
func (c *Calculator) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Health{
		Status:              c.status,
		Running:             c.running,
		ConsecutiveFailures: c.consecutiveFailures,
		LastSuccess:         c.stats.LastSuccess,
		NeedsAttention:      c.status != StatusHealthy,
	}
}

// Stats returns a snapshot of cumulative counters
func (c *Calculator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// isSkippable reports whether a per-bus error means "skip this bus" rather
// than "retry or count as failed": a bus with no fixes yet, or one removed or
// deactivated since the fleet listing.
func isSkippable(err error) bool {
	var noLoc *tracking.NoLocationDataError
	var verr *tracking.ValidationError
	return errors.As(err, &noLoc) || errors.As(err, &verr)
}

// etaPayload shapes predictions for the wire
func etaPayload(preds []models.EtaPrediction) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(preds))
	for _, p := range preds {
		out = append(out, map[string]interface{}{
			"bus_id":            p.BusID,
			"minutes_away":      p.MinutesAway,
			"estimated_arrival": p.EstimatedArrival.Format(time.RFC3339),
			"confidence":        p.Confidence,
			"method":            string(p.Method),
		})
	}
	return out
}

// dedupeNewest keeps only the newest prediction per (bus, terminal) pair
func dedupeNewest(preds []models.EtaPrediction) []models.EtaPrediction {
	newest := make(map[string]models.EtaPrediction, len(preds))
	for _, p := range preds {
		key := p.BusID + "|" + p.TerminalID
		if cur, ok := newest[key]; !ok || p.ComputedAt.After(cur.ComputedAt) {
			newest[key] = p
		}
	}
	out := make([]models.EtaPrediction, 0, len(newest))
	for _, p := range newest {
		out = append(out, p)
	}
	return out
}
