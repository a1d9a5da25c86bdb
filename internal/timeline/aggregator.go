package timeline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"threatlens/internal/logger"
	"threatlens/pkg/models"
)

// RetentionEvictionError marks a timeline query that reaches below the
// eviction floor. The caller still receives every retained bucket in range;
// the error distinguishes "aged out" from "no events".
type RetentionEvictionError struct {
	EvictedBefore time.Time
}

func (e *RetentionEvictionError) Error() string {
	return fmt.Sprintf("timeline range unavailable: buckets before %s have been evicted", e.EvictedBefore.Format(time.RFC3339))
}

// Config controls bucket retention.
type Config struct {
	Window        time.Duration
	SweepInterval time.Duration
}

// bucket holds one hour of counters. Fields are atomics so concurrent
// workers mapping different incidents to the same hour never contend on a
// lock for the counter bumps.
type bucket struct {
	count    atomic.Int64
	critical atomic.Int64
	high     atomic.Int64
	medium   atomic.Int64
	low      atomic.Int64
	info     atomic.Int64
	sumScore atomicFloat
}

// Aggregator maintains rolling hour buckets and the process-wide summary.
// It does not deduplicate; callers gate re-ingested event IDs before Record.
type Aggregator struct {
	window        time.Duration
	sweepInterval time.Duration

	mu            sync.RWMutex
	buckets       map[int64]*bucket // unix hour -> counters
	evictedBefore time.Time

	totalEvents   atomic.Int64
	criticalCount atomic.Int64
	highCount     atomic.Int64
	mediumCount   atomic.Int64
}

// New creates an aggregator.
func New(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Aggregator{
		window:        cfg.Window,
		sweepInterval: cfg.SweepInterval,
		buckets:       make(map[int64]*bucket),
	}
}

// SweepInterval returns the configured eviction cadence.
func (a *Aggregator) SweepInterval() time.Duration {
	return a.sweepInterval
}

// Record counts one scored event into its hour bucket and the summary.
func (a *Aggregator) Record(ev *models.Event, score float64) {
	key := models.HourFloor(ev.Timestamp).Unix()

	a.mu.RLock()
	b := a.buckets[key]
	a.mu.RUnlock()
	if b == nil {
		a.mu.Lock()
		b = a.buckets[key]
		if b == nil {
			b = &bucket{}
			a.buckets[key] = b
		}
		a.mu.Unlock()
	}

	b.count.Add(1)
	b.sumScore.Add(score)
	switch ev.Severity {
	case models.SeverityCritical:
		b.critical.Add(1)
		a.criticalCount.Add(1)
	case models.SeverityHigh:
		b.high.Add(1)
		a.highCount.Add(1)
	case models.SeverityMedium:
		b.medium.Add(1)
		a.mediumCount.Add(1)
	case models.SeverityLow:
		b.low.Add(1)
	default:
		b.info.Add(1)
	}
	a.totalEvents.Add(1)
}

// Summary returns the current counters snapshot.
func (a *Aggregator) Summary() models.SummaryCounters {
	critical := a.criticalCount.Load()
	high := a.highCount.Load()
	return models.SummaryCounters{
		TotalEvents:      a.totalEvents.Load(),
		CriticalCount:    critical,
		HighCount:        high,
		MediumCount:      a.mediumCount.Load(),
		EstimatedBlocked: int64(math.Ceil(0.75 * float64(critical+high))),
		ThreatLevel:      ThreatLevelFor(critical, high),
	}
}

// ThreatLevelFor thresholds the posture indicator on critical/high counts.
func ThreatLevelFor(critical, high int64) models.ThreatLevel {
	switch {
	case critical > 5:
		return models.ThreatRed
	case critical > 2 || high > 10:
		return models.ThreatOrange
	case critical > 0 || high > 3:
		return models.ThreatYellow
	default:
		return models.ThreatGreen
	}
}

// Range returns retained buckets with hour keys in [from, to], ascending.
// When from reaches below the eviction floor the buckets are returned
// together with a *RetentionEvictionError.
func (a *Aggregator) Range(from, to time.Time) ([]models.TimelineBucket, error) {
	fromKey := models.HourFloor(from).Unix()
	toKey := models.HourFloor(to).Unix()

	a.mu.RLock()
	evictedBefore := a.evictedBefore
	keys := make([]int64, 0, len(a.buckets))
	for key := range a.buckets {
		if key >= fromKey && key <= toKey {
			keys = append(keys, key)
		}
	}
	snapshots := make([]models.TimelineBucket, 0, len(keys))
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		snapshots = append(snapshots, a.buckets[key].snapshot(key))
	}
	a.mu.RUnlock()

	if !evictedBefore.IsZero() && from.Before(evictedBefore) {
		return snapshots, &RetentionEvictionError{EvictedBefore: evictedBefore}
	}
	return snapshots, nil
}

func (b *bucket) snapshot(key int64) models.TimelineBucket {
	return models.TimelineBucket{
		Hour:  time.Unix(key, 0).UTC(),
		Count: b.count.Load(),
		BySeverity: models.EventCounts{
			Critical: int(b.critical.Load()),
			High:     int(b.high.Load()),
			Medium:   int(b.medium.Load()),
			Low:      int(b.low.Load()),
			Info:     int(b.info.Load()),
		},
		SumScore: b.sumScore.Load(),
	}
}

// Sweep evicts buckets older than the retention window, deducting their
// counts from the summary. Eviction is lossy by design.
func (a *Aggregator) Sweep(now time.Time) int {
	cutoff := models.HourFloor(now.Add(-a.window))
	cutoffKey := cutoff.Unix()

	a.mu.Lock()
	evicted := 0
	for key, b := range a.buckets {
		if key >= cutoffKey {
			continue
		}
		a.totalEvents.Add(-b.count.Load())
		a.criticalCount.Add(-b.critical.Load())
		a.highCount.Add(-b.high.Load())
		a.mediumCount.Add(-b.medium.Load())
		delete(a.buckets, key)
		evicted++
	}
	if cutoff.After(a.evictedBefore) {
		a.evictedBefore = cutoff
	}
	a.mu.Unlock()

	if evicted > 0 {
		logger.Debugf("Evicted %d timeline buckets older than %s", evicted, cutoff.Format(time.RFC3339))
	}
	return evicted
}

// EvictedBefore reports the current eviction floor; zero when nothing has
// been evicted yet.
func (a *Aggregator) EvictedBefore() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.evictedBefore
}

// atomicFloat is a float64 add/load on top of a uint64 CAS.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}
