package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/store"
)

var (
	_ store.ConfigStore  = (*Store)(nil)
	_ store.HistoryStore = (*Store)(nil)
	_ store.TargetWriter = (*Store)(nil)
)

func TestStore_Targets(t *testing.T) {
	ctx := context.Background()
	s := New(
		delivery.Target{ID: "b", Active: true, EventTypes: []string{"order.created"}},
		delivery.Target{ID: "a", Active: true, EventTypes: []string{"*"}},
		delivery.Target{ID: "c", Active: false, EventTypes: []string{"order.created"}},
		delivery.Target{ID: "d", Active: true, EventTypes: []string{"user.deleted"}},
	)

	got, err := s.GetTarget(ctx, "a")
	if err != nil || got.ID != "a" {
		t.Errorf("GetTarget(a) = %v, %v", got.ID, err)
	}
	if _, err := s.GetTarget(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetTarget(missing) error = %v, want ErrNotFound", err)
	}

	active, err := s.ListActiveTargets(ctx, "order.created")
	if err != nil {
		t.Fatalf("ListActiveTargets() error = %v", err)
	}
	var ids []string
	for _, tg := range active {
		ids = append(ids, tg.ID)
	}
	if fmt.Sprint(ids) != "[a b]" {
		t.Errorf("ListActiveTargets(order.created) = %v, want [a b]", ids)
	}

	if err := s.PutTarget(ctx, delivery.Target{}); err == nil {
		t.Error("PutTarget() without id error = nil, want error")
	}
	if err := s.PutTarget(ctx, delivery.Target{ID: "c", Active: true, EventTypes: []string{"order.created"}}); err != nil {
		t.Fatalf("PutTarget() error = %v", err)
	}
	active, _ = s.ListActiveTargets(ctx, "order.created")
	if len(active) != 3 {
		t.Errorf("ListActiveTargets() after reactivation = %d targets, want 3", len(active))
	}
}

func TestStore_History(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 5; i++ {
		target := "t1"
		if i%2 == 1 {
			target = "t2"
		}
		a := delivery.Attempt{ID: fmt.Sprintf("a%d", i), DeliveryID: "d-" + target, TargetID: target, Number: i}
		if err := s.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt() error = %v", err)
		}
	}

	got, err := s.QueryAttempts(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("QueryAttempts() error = %v", err)
	}
	var ids []string
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	if fmt.Sprint(ids) != "[a4 a2 a0]" {
		t.Errorf("QueryAttempts(t1) = %v, want [a4 a2 a0]", ids)
	}
	if got, _ := s.QueryAttempts(ctx, "", 2); len(got) != 2 || got[0].ID != "a4" {
		t.Errorf("QueryAttempts(all, 2) = %v, want newest two", got)
	}
	if got := s.AttemptsFor("d-t2"); len(got) != 2 || got[0].ID != "a1" {
		t.Errorf("AttemptsFor(d-t2) = %v, want [a1 a3]", got)
	}

	rec := delivery.Record{DeliveryID: "d1", TargetID: "t1", Status: delivery.StatusScheduled}
	if err := s.RecordDelivery(ctx, rec); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	rec.Status = delivery.StatusDelivered
	if err := s.RecordDelivery(ctx, rec); err != nil {
		t.Fatalf("RecordDelivery() error = %v", err)
	}
	_ = s.RecordDelivery(ctx, delivery.Record{DeliveryID: "d2", TargetID: "t2", Status: delivery.StatusExhausted})

	recs, _ := s.ListDeliveries(ctx, "t1", 10)
	if len(recs) != 1 || recs[0].Status != delivery.StatusDelivered {
		t.Errorf("ListDeliveries(t1) = %+v, want one delivered record", recs)
	}
	if recs, _ := s.ListDeliveries(ctx, "", 10); len(recs) != 2 || recs[0].DeliveryID != "d2" {
		t.Errorf("ListDeliveries(all) = %+v, want [d2 d1]", recs)
	}
	if r, ok := s.Record("d1"); !ok || r.Status != delivery.StatusDelivered {
		t.Errorf("Record(d1) = %+v, %v", r, ok)
	}
}

func TestStore_Fail(t *testing.T) {
	s := New()
	s.Fail = errors.New("disk full")
	if err := s.AppendAttempt(context.Background(), delivery.Attempt{}); err == nil {
		t.Error("AppendAttempt() error = nil, want failure")
	}
	if err := s.RecordDelivery(context.Background(), delivery.Record{}); err == nil {
		t.Error("RecordDelivery() error = nil, want failure")
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AppendAttempt(context.Background(), delivery.Attempt{ID: fmt.Sprint(i), TargetID: "t"})
		}(i)
	}
	wg.Wait()
	if got, _ := s.QueryAttempts(context.Background(), "t", 1000); len(got) != 50 {
		t.Errorf("QueryAttempts() = %d attempts, want 50", len(got))
	}
}
