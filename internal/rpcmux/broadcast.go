package rpcmux

import (
	"sync"

	"github.com/rs/zerolog"
)

// broadcastEnvelope is what flows through the Broadcast bus: either an
// upstream response/notification or a Reconnect signal from a worker that
// just came back up.
type broadcastEnvelope struct {
	response  *IncomingResponse
	reconnect bool
}

// Broadcast fans inbound upstream frames out to every correlator and the
// subscription registry. A full subscriber channel drops the message
// rather than blocking the producer: a slow consumer must never stall
// the whole bus or couple one upstream's reads to another consumer's
// pace. Correlators tolerate a dropped reply because every call carries
// its own timeout.
type Broadcast struct {
	mu          sync.RWMutex
	subscribers []chan broadcastEnvelope
	bufferSize  int
	logger      zerolog.Logger
}

// NewBroadcast creates a bus whose subscriber channels are buffered to
// bufferSize.
func NewBroadcast(bufferSize int, logger zerolog.Logger) *Broadcast {
	return &Broadcast{
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "broadcast").Logger(),
	}
}

// Subscribe returns a channel that receives every publish until
// Unsubscribe is called with it. The Correlator and the Dispatcher each
// subscribe once when constructed, the Manager once when Run starts; each
// keeps its channel until its Run returns.
func (b *Broadcast) Subscribe() chan broadcastEnvelope {
	ch := make(chan broadcastEnvelope, b.bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a previously subscribed channel. Safe to call more
// than once for the same channel.
func (b *Broadcast) Unsubscribe(ch chan broadcastEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// PublishResponse fans an upstream frame out to all subscribers.
func (b *Broadcast) PublishResponse(resp IncomingResponse) {
	b.publish(broadcastEnvelope{response: &resp})
}

// PublishReconnect fans a Reconnect signal out to all subscribers (in
// practice only the upstream manager itself acts on these; correlators
// ignore them).
func (b *Broadcast) PublishReconnect() {
	b.publish(broadcastEnvelope{reconnect: true})
}

func (b *Broadcast) publish(env broadcastEnvelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub <- env:
		default:
			// Slow subscriber: drop rather than block the producer and
			// couple it to an unrelated consumer's pace.
			b.logger.Warn().Msg("broadcast subscriber channel full, message dropped")
		}
	}
}
