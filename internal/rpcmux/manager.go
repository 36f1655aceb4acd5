package rpcmux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns the pool of workers and the single decision point for
// "which upstream node handles this outbound frame". It consumes one
// serialized ingress queue so that routing decisions and
// reconnect/resubscribe handling never race each other.
type Manager struct {
	registry *Registry
	selector Selector

	workersMu sync.RWMutex
	workers   map[int]*Worker

	subs       *Subscriptions
	broadcast  *Broadcast
	correlator *Correlator

	ingress chan WsconnMessage
	logger  zerolog.Logger
}

// NewManager builds a manager over an already-populated registry. Workers
// are added with AddWorker once constructed by the caller (which needs
// the manager's registry and broadcast to build them).
func NewManager(registry *Registry, selector Selector, subs *Subscriptions, broadcast *Broadcast, ingressBuffer int, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:  registry,
		selector:  selector,
		workers:   make(map[int]*Worker),
		subs:      subs,
		broadcast: broadcast,
		ingress:   make(chan WsconnMessage, ingressBuffer),
		logger:    logger.With().Str("component", "manager").Logger(),
	}
}

// SetCorrelator wires the Correlator used to confirm reconnect-triggered
// subscription replays. Must be called before Run starts processing
// Reconnect signals; replay is skipped (and logged) until it is.
func (m *Manager) SetCorrelator(c *Correlator) {
	m.correlator = c
}

// AddWorker registers a worker for node.Index. Must be called before Run,
// or concurrently with it guarded by the caller (workers are normally all
// known at startup).
func (m *Manager) AddWorker(index int, w *Worker) {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	m.workers[index] = w
}

// RemoveNode retires an upstream: its worker is asked to close
// gracefully, the node leaves the registry, and any subscriptions still
// pointing at it are pruned so no NodeSub references a node that no
// longer exists.
func (m *Manager) RemoveNode(index int) {
	m.workersMu.Lock()
	w := m.workers[index]
	delete(m.workers, index)
	m.workersMu.Unlock()
	if w != nil {
		w.Close()
	}
	m.registry.RemoveNode(index)
	m.subs.PruneNode(index)
}

func (m *Manager) worker(index int) *Worker {
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()
	return m.workers[index]
}

// Submit enqueues content to be routed to the best currently-healthy
// node. Used as the Correlator's submit callback and by subscription
// (re)subscribe calls. Blocks while the manager's ingress queue is full
// and returns ctx's error if ctx is done first.
func (m *Manager) Submit(ctx context.Context, content json.RawMessage) error {
	select {
	case m.ingress <- WsconnMessage{Kind: MsgMessage, Content: content}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the manager's single consumer goroutine until ctx is
// cancelled. It also subscribes to the broadcast bus so that a worker
// going Broken (publishing a Reconnect envelope) is folded into the same
// serialized queue as ordinary routing work.
func (m *Manager) Run(ctx context.Context) {
	reconnects := m.broadcast.Subscribe()
	defer m.broadcast.Unsubscribe(reconnects)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-reconnects:
				if !env.reconnect {
					continue
				}
				select {
				case m.ingress <- WsconnMessage{Kind: MsgReconnect}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.ingress:
			switch msg.Kind {
			case MsgMessage:
				m.route(msg.Content)
			case MsgReconnect:
				m.handleReconnect(ctx)
			}
		}
	}
}

// route picks a node for content and forwards it to that node's worker.
// Forwarding never blocks: a full worker outbound queue means that node
// is saturated, so the frame is dropped and logged rather than stalling
// every other node's routing decisions behind it.
func (m *Manager) route(content json.RawMessage) {
	snapshot := m.registry.Snapshot()
	node, err := m.selector.Pick(snapshot)
	if err != nil {
		m.logger.Error().Err(err).Msg("no node available to route call")
		return
	}
	w := m.worker(node.Index)
	if w == nil {
		m.logger.Error().Int("node_id", node.Index).Msg("selected node has no worker")
		return
	}
	RecordSelection(node.Index)
	select {
	case w.Outbound() <- content:
	default:
		RecordOutboundDrop("worker")
		m.logger.Warn().Int("node_id", node.Index).Msg("worker outbound queue full, frame dropped")
	}
}

// handleReconnect replays every currently-registered subscription onto
// whichever worker is healthy for it, running each replay's call/confirm
// round trip concurrently so one slow node never delays another's. The
// old NodeSub->key mapping is left in place until the upstream confirms
// the new subscription id (replaySubscription calls RegisterSubscription
// once it does, then drops the old mapping): better to briefly keep a
// stale mapping around than to drop the key and lose the subscription
// entirely.
func (m *Manager) handleReconnect(ctx context.Context) {
	if m.correlator == nil {
		m.logger.Warn().Msg("reconnect signal received before a correlator was wired, subscription replay skipped")
		return
	}
	snapshot := m.subs.Snapshot()
	for node, key := range snapshot {
		w := m.worker(node.NodeID)
		if w == nil || w.State() != stateOpen {
			continue // still reconnecting; will be retried on the next Reconnect signal.
		}
		go m.replaySubscription(ctx, key, node, w)
	}
}

// replaySubscription re-issues key's subscribe call against w through the
// correlator, so the upstream's confirmation is captured the same way an
// ordinary subscribe call's is, and repoints the incoming map from old to
// the new NodeSub once the new subscription id is confirmed.
func (m *Manager) replaySubscription(ctx context.Context, key RequestKey, old NodeSub, w *Worker) {
	request, err := rebuildSubscribeRequest(key, 0)
	if err != nil {
		m.logger.Error().Err(err).Str("key", string(key)).Msg("failed to rebuild subscribe request for replay")
		return
	}

	response, nodeID, err := m.correlator.ExecuteCallNode(ctx, request, func(content json.RawMessage) error {
		select {
		case w.Outbound() <- content:
			return nil
		default:
			RecordOutboundDrop("worker_reconnect")
			return fmt.Errorf("rpcmux: worker outbound queue full, subscription replay dropped")
		}
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("key", string(key)).Msg("failed to replay subscription after reconnect")
		return
	}

	upstreamID, err := extractSubscriptionResult(response)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", string(key)).Msg("reconnect resubscribe response had no usable subscription id")
		return
	}
	replayed := NodeSub{NodeID: nodeID, UpstreamSubID: upstreamID}
	m.subs.RegisterSubscription(key, replayed)
	if replayed != old {
		m.subs.UnregisterSubscription(old)
	}
	m.logger.Info().Int("node_id", nodeID).Str("key", string(key)).Str("upstream_sub_id", upstreamID).Msg("replayed subscription after reconnect")
}

// extractSubscriptionResult reads the subscription id a subscribe call's
// JSON-RPC result carries, per the Ethereum-style convention of a string
// result for *_subscribe calls.
func extractSubscriptionResult(response json.RawMessage) (string, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(envelope.Result, &id); err != nil {
		return "", err
	}
	return id, nil
}

// rebuildSubscribeRequest turns a canonical RequestKey back into a
// JSON-RPC subscribe call carrying wireID as its id. replaySubscription
// passes 0, since the correlator replaces the id with its own wire id.
func rebuildSubscribeRequest(key RequestKey, wireID uint32) (json.RawMessage, error) {
	method, params, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	envelope := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint32          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: wireID, Method: method, Params: params}
	return json.Marshal(envelope)
}

func splitKey(key RequestKey) (method string, params json.RawMessage, err error) {
	s := string(key)
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return s[:i], json.RawMessage(s[i+1:]), nil
		}
	}
	return "", nil, fmt.Errorf("rpcmux: malformed subscription key")
}
