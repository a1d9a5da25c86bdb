package broadcast

import (
	"sync"
	"time"

	"threatlens/internal/metrics"
	"threatlens/pkg/models"
)

// Subscription is one consumer's bounded update queue.
type Subscription struct {
	ch chan models.Update

	mu     sync.Mutex
	gapped bool
	closed bool
}

// Updates is the subscriber's receive channel. It is closed when the
// subscription or the broadcaster shuts down.
func (s *Subscription) Updates() <-chan models.Update {
	return s.ch
}

// offer enqueues without ever blocking the publisher. A full queue drops the
// oldest pending update and flags the gap on the next delivered one.
func (s *Subscription) offer(u models.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.gapped {
		u.GapBefore = true
	}
	for {
		select {
		case s.ch <- u:
			s.gapped = false
			return
		default:
			select {
			case <-s.ch:
				metrics.BroadcastDropped.Inc()
			default:
			}
			s.gapped = true
			u.GapBefore = true
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Broadcaster fans out ingestion and lifecycle updates. Delivery is
// at-least-once and ordered per incident key; the per-key sequence number
// lets consumers discard replays.
type Broadcaster struct {
	queueSize int
	now       func() time.Time

	mu   sync.Mutex
	seqs map[string]uint64
	subs map[*Subscription]struct{}
}

// New creates a broadcaster with the given per-subscriber queue size.
func New(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Broadcaster{
		queueSize: queueSize,
		now:       time.Now,
		seqs:      make(map[string]uint64),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new consumer.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan models.Update, b.queueSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes a consumer and releases its queue immediately.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, present := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if present {
		sub.close()
		metrics.Subscribers.Dec()
	}
}

// PublishEventIngested announces a newly merged event.
func (b *Broadcaster) PublishEventIngested(ev *models.Event, incident *models.Incident) {
	b.publish(models.Update{
		Kind:        models.UpdateEventIngested,
		IncidentKey: incident.Key,
		Event:       ev,
		Incident:    incident,
	})
}

// PublishStatusChanged announces an incident status transition.
func (b *Broadcaster) PublishStatusChanged(incident *models.Incident, from, to models.Status) {
	b.publish(models.Update{
		Kind:        models.UpdateIncidentStatusChanged,
		IncidentKey: incident.Key,
		Incident:    incident,
		FromStatus:  from,
		ToStatus:    to,
	})
}

// publish assigns the per-key sequence and enqueues under one lock so that
// sequence order and delivery order can never diverge for a key, even when
// an analyst transition races ingestion of the same incident. offer never
// blocks, so holding the lock across the fan-out is bounded.
func (b *Broadcaster) publish(u models.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seqs[u.IncidentKey]++
	u.Seq = b.seqs[u.IncidentKey]
	u.At = b.now()
	for sub := range b.subs {
		sub.offer(u)
	}
}

// Close shuts down every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		metrics.Subscribers.Dec()
	}
}
