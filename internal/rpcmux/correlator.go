package rpcmux

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// IDAllocator hands out 32-bit wire ids that are unique among currently
// in-flight calls. A random draw that collides with an id already
// outstanding is redrawn rather than reused, so two concurrent calls can
// never match each other's replies.
type IDAllocator struct {
	mu       sync.Mutex
	inFlight map[uint32]struct{}
}

// NewIDAllocator constructs an empty allocator.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{inFlight: make(map[uint32]struct{})}
}

// Allocate draws a wire id guaranteed not to collide with any id
// currently held by this allocator.
func (a *IDAllocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		id := rand.Uint32()
		if _, taken := a.inFlight[id]; taken {
			continue
		}
		a.inFlight[id] = struct{}{}
		return id
	}
}

// Release frees a wire id once its call has completed, timed out, or been
// abandoned. Safe to call more than once for the same id.
func (a *IDAllocator) Release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, id)
}

// pendingCall wraps PendingCall with bookkeeping that isn't part of the
// public data model: when the call was submitted, so the dispatcher can
// compute latency once the matching reply lands, and which node
// ultimately answered, so ExecuteCallNode can report it to its caller.
type pendingCall struct {
	PendingCall
	startedAt time.Time
	nodeID    int
}

// Correlator executes calls against the upstream pool: it rewrites the
// caller's id to a fresh wire id, registers a PendingCall, and submits
// the rewritten request. A single dispatcher goroutine
// (started by Run) owns the pending-call map and hands each upstream
// reply to the waiting caller by wire id, rather than fanning every
// reply out to every in-flight call the way a naive broadcast-subscribe
// per call would; this keeps the number of broadcast subscribers
// bounded by worker/manager count instead of by concurrent call count.
type Correlator struct {
	ids       *IDAllocator
	broadcast *Broadcast
	registry  *Registry
	sub       chan broadcastEnvelope

	mu      sync.Mutex
	pending map[uint32]*pendingCall

	timeout     time.Duration
	healthAlpha float64
}

// NewCorrelator builds a Correlator sharing ids, broadcast and registry
// with the rest of the pool. It subscribes to broadcast here, so replies
// published before Run's goroutine is first scheduled are buffered rather
// than lost.
func NewCorrelator(ids *IDAllocator, broadcast *Broadcast, registry *Registry, timeout time.Duration, healthAlpha float64) *Correlator {
	return &Correlator{
		ids:         ids,
		broadcast:   broadcast,
		registry:    registry,
		sub:         broadcast.Subscribe(),
		pending:     make(map[uint32]*pendingCall),
		timeout:     timeout,
		healthAlpha: healthAlpha,
	}
}

// Run dispatches replies from the broadcast subscription taken by
// NewCorrelator to their waiting PendingCall until ctx is cancelled, then
// unsubscribes. Must be started once before any ExecuteCall is issued.
func (c *Correlator) Run(ctx context.Context) {
	sub := c.sub
	defer c.broadcast.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-sub:
			if env.response == nil {
				continue // Reconnect signal; not the correlator's concern.
			}
			c.dispatch(*env.response)
		}
	}
}

func (c *Correlator) dispatch(resp IncomingResponse) {
	wireID, ok := extractWireID(resp.Content)
	if !ok {
		return // Notification or malformed frame; Dispatcher handles the former.
	}

	c.mu.Lock()
	call, found := c.pending[wireID]
	c.mu.Unlock()
	if !found {
		return // Late or duplicate reply for a call that already timed out.
	}

	c.registry.ReportHealth(resp.NodeID, time.Since(call.startedAt).Seconds(), true, c.healthAlpha)
	call.nodeID = resp.NodeID
	select {
	case call.Result <- resp.Content:
	default:
		// Caller already gave up and stopped reading; drop.
	}
}

// ExecuteCall runs one JSON-RPC call to completion. submit is called with
// the rewritten request (normally Manager.Submit). Returns the response
// with the caller's original id restored.
func (c *Correlator) ExecuteCall(ctx context.Context, call json.RawMessage, submit func(json.RawMessage) error) (json.RawMessage, error) {
	response, _, err := c.executeCall(ctx, call, submit)
	return response, err
}

// ExecuteCallNode is ExecuteCall but also returns which node answered,
// for callers (subscription setup) that need to pin a NodeSub to the
// node the upstream subscription id came from.
func (c *Correlator) ExecuteCallNode(ctx context.Context, call json.RawMessage, submit func(json.RawMessage) error) (json.RawMessage, int, error) {
	return c.executeCall(ctx, call, submit)
}

func (c *Correlator) executeCall(ctx context.Context, call json.RawMessage, submit func(json.RawMessage) error) (json.RawMessage, int, error) {
	var envelope rpcEnvelope
	if err := json.Unmarshal(call, &envelope); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParseError, err)
	}
	originalID := envelope.ID

	wireID := c.ids.Allocate()
	defer c.ids.Release(wireID)

	rewritten, err := setID(call, wireID)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrParseError, err)
	}

	pc := &pendingCall{
		PendingCall: PendingCall{
			OriginalID: originalID,
			WireID:     wireID,
			Result:     make(chan json.RawMessage, 1),
		},
		startedAt: time.Now(),
	}
	c.mu.Lock()
	c.pending[wireID] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, wireID)
		c.mu.Unlock()
	}()

	if err := submit(rewritten); err != nil {
		return nil, 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case <-callCtx.Done():
		RecordCall(0, "timeout", time.Since(pc.startedAt))
		return nil, 0, ErrTimeout
	case content := <-pc.Result:
		// pc.nodeID is written by dispatch strictly before it sends on
		// pc.Result, so this read is safe without extra synchronization.
		restored, err := setID(content, originalID)
		outcome := "ok"
		if err != nil {
			outcome = "parse_error"
		}
		RecordCall(pc.nodeID, outcome, time.Since(pc.startedAt))
		return restored, pc.nodeID, err
	}
}

// setID returns a copy of msg with its top-level "id" field replaced.
func setID(msg json.RawMessage, id any) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return nil, err
	}
	encodedID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = encodedID
	return json.Marshal(fields)
}

// extractWireID reads content's top-level "id" field as a uint32. ok is
// false if there's no numeric id (e.g. a subscription notification).
func extractWireID(content json.RawMessage) (id uint32, ok bool) {
	var envelope struct {
		ID *uint32 `json:"id"`
	}
	if json.Unmarshal(content, &envelope) != nil || envelope.ID == nil {
		return 0, false
	}
	return *envelope.ID, true
}
