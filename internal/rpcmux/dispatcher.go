package rpcmux

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// subscriptionNotification is the shape of an unsolicited upstream
// notification (no "id"): a method name plus params carrying the
// upstream's own subscription id and the payload, the envelope shape the
// Ethereum-style eth_subscription convention uses.
type subscriptionNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Dispatcher listens to the broadcast bus for upstream notifications
// (frames with no "id") and routes each one to every downstream user
// subscribed to the requestKey it belongs to.
type Dispatcher struct {
	broadcast *Broadcast
	subs      *Subscriptions
	sub       chan broadcastEnvelope
	logger    zerolog.Logger
}

// NewDispatcher builds a Dispatcher over the shared broadcast bus and
// subscription registry. It subscribes to broadcast here, so notifications
// published before Run's goroutine is first scheduled are buffered rather
// than lost.
func NewDispatcher(broadcast *Broadcast, subs *Subscriptions, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		broadcast: broadcast,
		subs:      subs,
		sub:       broadcast.Subscribe(),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Run dispatches notifications from the broadcast subscription taken by
// NewDispatcher until ctx is cancelled, then unsubscribes.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.sub
	defer d.broadcast.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-sub:
			if env.response == nil {
				continue // Reconnect signal, not our concern.
			}
			d.handle(*env.response)
		}
	}
}

func (d *Dispatcher) handle(resp IncomingResponse) {
	var probe struct {
		ID *uint32 `json:"id"`
	}
	if json.Unmarshal(resp.Content, &probe) == nil && probe.ID != nil {
		return // Call reply; the correlator waiting on it handles it.
	}

	var notification subscriptionNotification
	if err := json.Unmarshal(resp.Content, &notification); err != nil || notification.Params.Subscription == "" {
		return
	}

	node := NodeSub{NodeID: resp.NodeID, UpstreamSubID: notification.Params.Subscription}
	result := RequestResult{Kind: ResultSubscription, Value: resp.Content}
	if err := d.subs.DispatchToSubscribers(node, result); err != nil {
		d.logger.Debug().Err(err).Int("node_id", resp.NodeID).Str("upstream_sub_id", notification.Params.Subscription).Msg("notification not dispatched")
	}
}
