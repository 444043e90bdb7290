package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesOwnerOnly(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := f.Subscribe(ctx, "+5511999990000")
	theirs := f.Subscribe(ctx, "+5511888880000")

	f.Publish(Event{
		Owner:         "+5511999990000",
		Kind:          KindTransactionRegistered,
		TransactionID: "tx-1",
		AmountCents:   5000,
	})

	select {
	case evt := <-mine:
		if evt.Kind != KindTransactionRegistered || evt.TransactionID != "tx-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatalf("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatalf("owner did not receive event")
	}

	select {
	case evt := <-theirs:
		t.Fatalf("foreign owner received event: %+v", evt)
	default:
	}
}

func TestSubscribeClosesOnContextEnd(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx, "+5511999990000")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
}
