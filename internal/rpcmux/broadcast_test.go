package rpcmux

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBroadcastPublishResponseFanOut(t *testing.T) {
	b := NewBroadcast(4, zerolog.Nop())
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.PublishResponse(IncomingResponse{Content: []byte(`{"id":1}`), NodeID: 2})

	for _, sub := range []chan broadcastEnvelope{a, c} {
		select {
		case env := <-sub:
			if env.response == nil || env.response.NodeID != 2 {
				t.Fatal("expected the published response to reach every subscriber")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestBroadcastUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroadcast(4, zerolog.Nop())
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	b.PublishResponse(IncomingResponse{Content: []byte(`{}`)})

	select {
	case <-sub:
		t.Fatal("unsubscribed channel should not receive further publishes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastDropsOnFullSubscriberChannel(t *testing.T) {
	b := NewBroadcast(1, zerolog.Nop())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Fill the one-slot buffer, then publish again: the second publish
	// must be dropped rather than block the producer.
	done := make(chan struct{})
	go func() {
		b.PublishResponse(IncomingResponse{Content: []byte(`{"id":1}`)})
		b.PublishResponse(IncomingResponse{Content: []byte(`{"id":2}`)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel instead of dropping")
	}
}

func TestBroadcastPublishReconnect(t *testing.T) {
	b := NewBroadcast(4, zerolog.Nop())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.PublishReconnect()

	select {
	case env := <-sub:
		if !env.reconnect || env.response != nil {
			t.Fatal("expected a reconnect envelope with no response payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reconnect signal")
	}
}
