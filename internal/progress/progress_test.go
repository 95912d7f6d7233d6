package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/recoup-ai/recoup/internal/model"
)

func TestBrokerRoutesByKey(t *testing.T) {
	b := NewBroker(nil)
	seller, jobA, jobB := uuid.New(), uuid.New(), uuid.New()

	chA, cancelA := b.Subscribe(seller, jobA, 4)
	defer cancelA()
	chB, cancelB := b.Subscribe(seller, jobB, 4)
	defer cancelB()

	b.Dispatch(model.Event{SellerID: seller, JobID: jobA, Type: model.EventProgress, Current: 1})

	select {
	case ev := <-chA:
		if ev.Current != 1 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber A got nothing")
	}
	select {
	case ev := <-chB:
		t.Fatalf("subscriber B got cross-job event %+v", ev)
	default:
	}
}

func TestBrokerFIFOPerKey(t *testing.T) {
	b := NewBroker(nil)
	seller, job := uuid.New(), uuid.New()
	ch, cancel := b.Subscribe(seller, job, 16)
	defer cancel()

	for i := 1; i <= 10; i++ {
		b.Dispatch(model.Event{SellerID: seller, JobID: job, Current: i})
	}
	for i := 1; i <= 10; i++ {
		ev := <-ch
		if ev.Current != i {
			t.Fatalf("got %d at position %d", ev.Current, i)
		}
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(nil)
	seller, job := uuid.New(), uuid.New()
	ch, cancel := b.Subscribe(seller, job, 1)
	defer cancel()

	b.Dispatch(model.Event{SellerID: seller, JobID: job, Current: 1})
	b.Dispatch(model.Event{SellerID: seller, JobID: job, Current: 2}) // dropped, no block

	ev := <-ch
	if ev.Current != 1 {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker(nil)
	seller, job := uuid.New(), uuid.New()
	ch, cancel := b.Subscribe(seller, job, 4)
	cancel()

	b.Dispatch(model.Event{SellerID: seller, JobID: job, Current: 1})
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("cancelled subscriber got %+v", ev)
		}
	default:
	}
}
