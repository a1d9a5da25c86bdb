package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"threatlens/internal/broadcast"
	"threatlens/internal/input/redis"
	"threatlens/internal/lifecycle"
	"threatlens/internal/logger"
	"threatlens/internal/metrics"
	"threatlens/internal/normalize"
	"threatlens/internal/timeline"
	"threatlens/pkg/models"
)

const lockStripes = 64

// Pipeline drives ingestion: normalize, score, aggregate, merge, broadcast.
// Events for one incident key are serialized on a striped lock; different
// keys proceed in parallel. Both the streamed Redis input and the
// synchronous API ingestion funnel through IngestRaw.
type Pipeline struct {
	normalizer  *normalize.Normalizer
	manager     *lifecycle.Manager
	aggregator  *timeline.Aggregator
	broadcaster *broadcast.Broadcaster
	consumer    *redis.Consumer
	workers     int
	queueSize   int

	keyLocks [lockStripes]sync.Mutex
}

// Config controls pipeline parallelism.
type Config struct {
	Workers   int
	QueueSize int
}

// New creates a pipeline. consumer may be nil when only the synchronous
// ingestion interface is used.
func New(normalizer *normalize.Normalizer, manager *lifecycle.Manager, aggregator *timeline.Aggregator, broadcaster *broadcast.Broadcaster, consumer *redis.Consumer, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	return &Pipeline{
		normalizer:  normalizer,
		manager:     manager,
		aggregator:  aggregator,
		broadcaster: broadcaster,
		consumer:    consumer,
		workers:     cfg.Workers,
		queueSize:   cfg.QueueSize,
	}
}

func (p *Pipeline) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &p.keyLocks[h.Sum32()%lockStripes]
}

// IngestRaw validates one raw payload and applies it to engine state. The
// returned event is the canonical form; a *normalize.MalformedEventError
// means nothing was mutated.
func (p *Pipeline) IngestRaw(data []byte) (*models.Event, error) {
	start := time.Now()

	ev, err := p.normalizer.Normalize(data)
	if err != nil {
		var malformed *normalize.MalformedEventError
		if errors.As(err, &malformed) {
			metrics.EventsRejected.WithLabelValues(malformed.Field).Inc()
		}
		return nil, err
	}

	p.apply(ev)
	metrics.IngestSeconds.Observe(time.Since(start).Seconds())
	return ev, nil
}

func (p *Pipeline) apply(ev *models.Event) {
	lock := p.lockFor(ev.IncidentKey())
	lock.Lock()
	defer lock.Unlock()

	res := p.manager.Ingest(ev)
	if res.Duplicate {
		metrics.EventsDuplicate.Inc()
		return
	}

	p.aggregator.Record(ev, res.Incident.Score)
	metrics.EventsIngested.Inc()
	metrics.OpenIncidents.Set(float64(p.manager.OpenCount()))

	p.broadcaster.PublishEventIngested(ev, res.Incident)
	if res.AutoEscalated {
		metrics.Transitions.WithLabelValues(string(models.StatusInvestigating)).Inc()
		p.broadcaster.PublishStatusChanged(res.Incident, models.StatusOpen, models.StatusInvestigating)
	}
}

// Transition applies an analyst status change and broadcasts it. The per-key
// lock keeps the broadcast ordered against concurrent ingestion for the same
// incident.
func (p *Pipeline) Transition(key string, target models.Status, analyst, notes string) (*models.Incident, error) {
	lock := p.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	before, ok := p.manager.Get(key)
	if !ok {
		return nil, &lifecycle.ErrNotFound{Key: key}
	}

	incident, err := p.manager.Transition(key, target, analyst, notes)
	if err != nil {
		metrics.TransitionsRejected.Inc()
		return nil, err
	}

	metrics.Transitions.WithLabelValues(string(target)).Inc()
	metrics.OpenIncidents.Set(float64(p.manager.OpenCount()))
	p.broadcaster.PublishStatusChanged(incident, before.Status, target)
	return incident, nil
}

// OverrideSeverity applies an explicit analyst severity override.
func (p *Pipeline) OverrideSeverity(key string, severity models.Severity, analyst string) (*models.Incident, error) {
	lock := p.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	return p.manager.OverrideSeverity(key, severity, analyst)
}

// Run consumes the streamed input and sweeps retention until ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Ingestion pipeline started (workers=%d)", p.workers)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	if p.consumer != nil {
		msgCh := make(chan []byte, p.queueSize)

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.readLoop(ctx, msgCh)
			close(msgCh)
		}()

		for i := 0; i < p.workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for payload := range msgCh {
					if _, err := p.IngestRaw(payload); err != nil {
						logger.Warnf("Rejected event: %v", err)
					}
				}
			}()
		}
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := p.consumer.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop redis message: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if payload == nil {
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.aggregator.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.aggregator.Sweep(now)
			if floor := p.aggregator.EvictedBefore(); !floor.IsZero() {
				p.manager.EvictSeenBefore(floor)
			}
		}
	}
}

// Close releases pipeline resources.
func (p *Pipeline) Close() error {
	p.broadcaster.Close()
	if p.consumer != nil {
		return p.consumer.Close()
	}
	return nil
}
