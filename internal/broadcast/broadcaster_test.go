package broadcast

import (
	"testing"

	"threatlens/pkg/models"
)

func incident(key string) *models.Incident {
	return &models.Incident{Key: key, Status: models.StatusOpen}
}

func drain(sub *Subscription, n int) []models.Update {
	out := make([]models.Update, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-sub.Updates())
	}
	return out
}

func TestPerKeySequenceIsMonotonic(t *testing.T) {
	b := New(16)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ev := &models.Event{ID: "e1"}
	b.PublishEventIngested(ev, incident("k1"))
	b.PublishEventIngested(ev, incident("k2"))
	b.PublishStatusChanged(incident("k1"), models.StatusOpen, models.StatusInvestigating)

	updates := drain(sub, 3)
	if updates[0].IncidentKey != "k1" || updates[0].Seq != 1 {
		t.Fatalf("unexpected first update: %+v", updates[0])
	}
	if updates[1].IncidentKey != "k2" || updates[1].Seq != 1 {
		t.Fatalf("keys must sequence independently: %+v", updates[1])
	}
	if updates[2].IncidentKey != "k1" || updates[2].Seq != 2 {
		t.Fatalf("expected k1 seq 2, got %+v", updates[2])
	}
}

func TestSlowSubscriberDropsOldestAndFlagsGap(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ev := &models.Event{ID: "e1"}
	for i := 0; i < 4; i++ {
		b.PublishEventIngested(ev, incident("k1"))
	}

	// Queue held 2; seqs 1 and 2 were dropped to admit 3 and 4, and both
	// survivors carry the gap flag.
	first := <-sub.Updates()
	if first.Seq != 3 {
		t.Fatalf("expected oldest dropped, first seq 3, got %d", first.Seq)
	}
	if !first.GapBefore {
		t.Fatalf("expected gap flag on first surviving update")
	}
	second := <-sub.Updates()
	if second.Seq != 4 {
		t.Fatalf("expected seq 4, got %d", second.Seq)
	}

	// With room in the queue again the flag clears.
	b.PublishEventIngested(ev, incident("k1"))
	third := <-sub.Updates()
	if third.Seq != 5 || third.GapBefore {
		t.Fatalf("expected clean seq 5, got %+v", third)
	}
}

func TestSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		ev := &models.Event{ID: "e1"}
		for i := 0; i < 1000; i++ {
			b.PublishEventIngested(ev, incident("k1"))
		}
		close(done)
	}()
	<-done
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, ok := <-sub.Updates(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.PublishEventIngested(&models.Event{ID: "e1"}, incident("k1"))
}

func TestCloseShutsDownAllSubscriptions(t *testing.T) {
	b := New(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	b.Close()

	if _, ok := <-s1.Updates(); ok {
		t.Fatalf("s1 not closed")
	}
	if _, ok := <-s2.Updates(); ok {
		t.Fatalf("s2 not closed")
	}
}
