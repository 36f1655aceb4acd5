package rpcmux

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIDAllocatorNeverCollidesWhileInFlight(t *testing.T) {
	a := NewIDAllocator()
	seen := make(map[uint32]struct{})
	for i := 0; i < 1000; i++ {
		id := a.Allocate()
		if _, dup := seen[id]; dup {
			t.Fatalf("allocator returned a duplicate id %d while still in flight", id)
		}
		seen[id] = struct{}{}
	}
	for id := range seen {
		a.Release(id)
	}
	// Released ids are free to be redrawn; the allocator can't promise
	// otherwise since it has no way to know a random draw is a reuse.
}

func newTestCorrelator(t *testing.T) (*Correlator, *Broadcast, *Registry) {
	t.Helper()
	registry := newTestRegistry(&Node{Index: 0})
	broadcast := NewBroadcast(8, zerolog.Nop())
	ids := NewIDAllocator()
	c := NewCorrelator(ids, broadcast, registry, time.Second, 0.2)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c, broadcast, registry
}

func TestExecuteCallRestoresOriginalID(t *testing.T) {
	c, broadcast, _ := newTestCorrelator(t)

	submit := func(content json.RawMessage) error {
		var envelope struct {
			ID uint32 `json:"id"`
		}
		if err := json.Unmarshal(content, &envelope); err != nil {
			t.Fatalf("submit got unparseable content: %v", err)
		}
		go func() {
			reply, _ := json.Marshal(struct {
				ID     uint32 `json:"id"`
				Result string `json:"result"`
			}{ID: envelope.ID, Result: "ok"})
			broadcast.PublishResponse(IncomingResponse{Content: reply, NodeID: 0})
		}()
		return nil
	}

	response, err := c.ExecuteCall(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"client-7","method":"eth_blockNumber"}`), submit)
	if err != nil {
		t.Fatalf("ExecuteCall returned error: %v", err)
	}

	var decoded struct {
		ID     string `json:"id"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(response, &decoded); err != nil {
		t.Fatalf("could not decode restored response: %v", err)
	}
	if decoded.ID != "client-7" {
		t.Fatalf("expected original id client-7 restored, got %q", decoded.ID)
	}
	if decoded.Result != "ok" {
		t.Fatalf("expected result ok, got %q", decoded.Result)
	}
}

func TestExecuteCallTimesOut(t *testing.T) {
	c, _, _ := newTestCorrelator(t)

	submit := func(content json.RawMessage) error { return nil } // never replies

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ExecuteCall(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"eth_blockNumber"}`), submit)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestExecuteCallNodeReportsAnsweringNode(t *testing.T) {
	c, broadcast, _ := newTestCorrelator(t)

	submit := func(content json.RawMessage) error {
		var envelope struct {
			ID uint32 `json:"id"`
		}
		json.Unmarshal(content, &envelope)
		go func() {
			reply, _ := json.Marshal(struct {
				ID     uint32 `json:"id"`
				Result string `json:"result"`
			}{ID: envelope.ID, Result: "sub-1"})
			broadcast.PublishResponse(IncomingResponse{Content: reply, NodeID: 0})
		}()
		return nil
	}

	_, nodeID, err := c.ExecuteCallNode(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"logs_subscribe"}`), submit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nodeID != 0 {
		t.Fatalf("expected the answering node 0 to be reported, got %d", nodeID)
	}
}

func TestExtractWireIDIgnoresNotifications(t *testing.T) {
	if _, ok := extractWireID(json.RawMessage(`{"method":"logs_subscribe","params":{}}`)); ok {
		t.Fatal("a frame with no id should not produce a wire id")
	}
	if id, ok := extractWireID(json.RawMessage(`{"id":42}`)); !ok || id != 42 {
		t.Fatalf("expected id 42, got %d ok=%v", id, ok)
	}
}
