package rpcmux

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// RequestKey is the canonical, comparable form of a subscription request:
// the method name plus its JSON-marshaled params, so two clients
// subscribing to the same feed with differently-ordered-but-equal params
// still collapse onto one upstream subscription. Built by CanonicalKey.
type RequestKey string

// CanonicalKey normalizes a subscription request's method and params into
// a RequestKey usable as a map key. Params are re-marshaled through
// encoding/json's map ordering so that key order in the original request
// never affects equality.
func CanonicalKey(method string, params json.RawMessage) (RequestKey, error) {
	var generic any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &generic); err != nil {
			return "", err
		}
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return RequestKey(method + "\x00" + string(normalized)), nil
}

// Method returns the subscribe method a key was built from.
func (k RequestKey) Method() string {
	s := string(k)
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return s[:i]
		}
	}
	return s
}

// Subscriptions is the fan-out table mapping upstream subscription traffic
// back to the users who asked for it. It holds three maps guarded by
// separate locks, always taken in this order when more than one is needed
// in a single operation: users, then subscriptions, then incoming.
type Subscriptions struct {
	usersMu sync.RWMutex
	users   map[uint32]*User

	subsMu        sync.RWMutex
	subscriptions map[RequestKey]map[uint32]struct{} // RequestKey -> set of user IDs

	incomingMu sync.RWMutex
	incoming   map[NodeSub]RequestKey // node subscription -> RequestKey, for dispatch

	pendingMu sync.RWMutex
	pending   map[RequestKey]struct{} // requested upstream, not yet confirmed

	logger zerolog.Logger
}

// NewSubscriptions builds an empty registry.
func NewSubscriptions(logger zerolog.Logger) *Subscriptions {
	return &Subscriptions{
		users:         make(map[uint32]*User),
		subscriptions: make(map[RequestKey]map[uint32]struct{}),
		incoming:      make(map[NodeSub]RequestKey),
		pending:       make(map[RequestKey]struct{}),
		logger:        logger.With().Str("component", "subscriptions").Logger(),
	}
}

// AddUser registers a new connected user able to receive results.
func (s *Subscriptions) AddUser(u *User) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.users[u.ID] = u
}

// RemoveUser drops a user and unsubscribes them from every key they held,
// releasing the upstream subscription entirely once its last subscriber
// is gone. Returns the keys that became empty, so the caller (the
// ingress layer) can issue upstream unsubscribe calls for them.
func (s *Subscriptions) RemoveUser(userID uint32) []RequestKey {
	s.usersMu.Lock()
	delete(s.users, userID)
	s.usersMu.Unlock()

	var emptied []RequestKey
	s.subsMu.Lock()
	for key, subscribers := range s.subscriptions {
		if _, ok := subscribers[userID]; !ok {
			continue
		}
		delete(subscribers, userID)
		if len(subscribers) == 0 {
			delete(s.subscriptions, key)
			emptied = append(emptied, key)
		}
	}
	s.subsMu.Unlock()
	return emptied
}

// SubscribeUser adds userID as a subscriber of key. Returns true if this
// is the first subscriber for key, meaning the caller still needs to
// issue the upstream subscribe call and then RegisterSubscription once it
// is confirmed.
func (s *Subscriptions) SubscribeUser(key RequestKey, userID uint32) (firstSubscriber bool) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	subscribers, exists := s.subscriptions[key]
	if !exists {
		subscribers = make(map[uint32]struct{})
		s.subscriptions[key] = subscribers
	}
	subscribers[userID] = struct{}{}
	return !exists
}

// UnsubscribeUser removes userID from key's subscriber set. Returns true
// if key now has no subscribers left, meaning the caller should issue an
// upstream unsubscribe call and drop key's incoming mapping.
func (s *Subscriptions) UnsubscribeUser(key RequestKey, userID uint32) (emptied bool) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	subscribers, ok := s.subscriptions[key]
	if !ok {
		return false
	}
	delete(subscribers, userID)
	if len(subscribers) == 0 {
		delete(s.subscriptions, key)
		return true
	}
	return false
}

// UnsubscribeUserBySubID removes userID from every NodeSub whose
// UpstreamSubID matches, regardless of which node it lives on, since the
// same upstream subscription id can coincide across different nodes.
// Returns the RequestKeys that became empty as a result, so the caller
// can issue upstream unsubscribe calls for them, and whether any NodeSub
// matched at all. The incoming snapshot is taken and released before
// UnsubscribeUser is called for each match, so incomingMu and subsMu are
// never held at the same time.
func (s *Subscriptions) UnsubscribeUserBySubID(userID uint32, upstreamSubID string) (emptied []RequestKey, found bool) {
	s.incomingMu.RLock()
	var keys []RequestKey
	for node, key := range s.incoming {
		if node.UpstreamSubID == upstreamSubID {
			keys = append(keys, key)
		}
	}
	s.incomingMu.RUnlock()

	for _, key := range keys {
		if s.UnsubscribeUser(key, userID) {
			emptied = append(emptied, key)
		}
	}
	return emptied, len(keys) > 0
}

// MarkPending records that an upstream subscribe call for key is in
// flight, so a second local subscriber arriving before confirmation
// doesn't trigger a duplicate upstream request.
func (s *Subscriptions) MarkPending(key RequestKey) (alreadyPending bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, alreadyPending = s.pending[key]
	s.pending[key] = struct{}{}
	return alreadyPending
}

// ClearPending drops the in-flight marker for key without registering a
// subscription, so a failed upstream subscribe can be retried later.
func (s *Subscriptions) ClearPending(key RequestKey) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(s.pending, key)
}

// RegisterSubscription records the upstream's confirmation: from now on,
// traffic tagged with node arriving under upstreamSubID maps back to key.
func (s *Subscriptions) RegisterSubscription(key RequestKey, node NodeSub) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()

	s.incomingMu.Lock()
	defer s.incomingMu.Unlock()
	s.incoming[node] = key
}

// UnregisterSubscription drops the incoming mapping for node, typically
// after an upstream unsubscribe confirmation or because the owning worker
// is being retired.
func (s *Subscriptions) UnregisterSubscription(node NodeSub) {
	s.incomingMu.Lock()
	defer s.incomingMu.Unlock()
	delete(s.incoming, node)
}

// PruneNode drops every incoming entry served from a node that left the
// registry. The affected keys keep their local subscribers; they get a
// fresh upstream subscription on the next subscribe or reconnect replay
// against a surviving node.
func (s *Subscriptions) PruneNode(nodeID int) {
	s.incomingMu.Lock()
	defer s.incomingMu.Unlock()
	for node := range s.incoming {
		if node.NodeID == nodeID {
			delete(s.incoming, node)
		}
	}
}

// KeyForNode resolves an incoming NodeSub back to its RequestKey, or false
// if nothing is registered for it (e.g. a stale or unexpected frame).
func (s *Subscriptions) KeyForNode(node NodeSub) (RequestKey, bool) {
	s.incomingMu.RLock()
	defer s.incomingMu.RUnlock()
	key, ok := s.incoming[node]
	return key, ok
}

// UserCount and SubscriptionCount report point-in-time sizes for metrics
// sampling; neither is used on any hot path.
func (s *Subscriptions) UserCount() int {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	return len(s.users)
}

func (s *Subscriptions) SubscriptionCount() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return len(s.subscriptions)
}

// NodeSubsForKey returns every NodeSub currently registered for key:
// usually zero or one, more only transiently while a reconnect replay is
// repointing the key at a fresh upstream subscription.
func (s *Subscriptions) NodeSubsForKey(key RequestKey) []NodeSub {
	s.incomingMu.RLock()
	defer s.incomingMu.RUnlock()
	var out []NodeSub
	for node, k := range s.incoming {
		if k == key {
			out = append(out, node)
		}
	}
	return out
}

// Snapshot returns a copy of the incoming map, used by the manager to
// replay subscriptions after a worker reconnects.
func (s *Subscriptions) Snapshot() map[NodeSub]RequestKey {
	s.incomingMu.RLock()
	defer s.incomingMu.RUnlock()
	out := make(map[NodeSub]RequestKey, len(s.incoming))
	for k, v := range s.incoming {
		out[k] = v
	}
	return out
}

// DispatchToSubscribers fans a notification arriving as (node_id,
// upstream_sub_id) out to every currently subscribed user, and retires
// the NodeSub from incoming once its subscriber set turns out to be
// empty. It copies the subscriber list under the subscriptions lock,
// releases the lock, and only then looks up and sends to each user's
// channel: no lock is ever held across a channel send.
//
// result must be a Subscription-kind RequestResult; a Call-kind value
// returns ErrMisroutedCall. A NodeSub nothing is registered for (a stale
// or already-retired stream) is a successful no-op.
func (s *Subscriptions) DispatchToSubscribers(node NodeSub, result RequestResult) error {
	if result.Kind == ResultCall {
		return ErrMisroutedCall
	}

	key, ok := s.KeyForNode(node)
	if !ok {
		s.logger.Debug().Int("node_id", node.NodeID).Str("upstream_sub_id", node.UpstreamSubID).Msg("notification for unregistered subscription dropped")
		return nil
	}

	s.subsMu.RLock()
	subscribers, ok := s.subscriptions[key]
	var userIDs []uint32
	if ok {
		userIDs = make([]uint32, 0, len(subscribers))
		for id := range subscribers {
			userIDs = append(userIDs, id)
		}
	}
	s.subsMu.RUnlock()

	if len(userIDs) == 0 {
		// Either the key was already cleaned up by the last
		// UnsubscribeUser/RemoveUser call, or it somehow never held any
		// subscribers: either way, the NodeSub is done.
		s.UnregisterSubscription(node)
		return nil
	}

	s.usersMu.RLock()
	recipients := make([]*User, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			recipients = append(recipients, u)
		}
	}
	s.usersMu.RUnlock()

	for _, u := range recipients {
		select {
		case u.Send <- result:
		default:
			RecordErrorKind(ErrSendFailed)
			s.logger.Warn().Uint32("user_id", u.ID).Msg("user outbound channel full, notification dropped")
		}
	}
	return nil
}
