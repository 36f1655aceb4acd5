package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/rpcmux/internal/rpcmux"
)

var testUpgrader = websocket.Upgrader{}

func wsTestURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// newTestServer wires a full Server over one fake upstream node, the same
// registry/manager/correlator/subscriptions/broadcast/dispatcher
// construction cmd/rpcmux/main.go does, pointed at an httptest-backed
// upstream instead of a real node.
func newTestServer(t *testing.T, upstream func(*websocket.Conn)) *Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go upstream(conn)
	}))
	t.Cleanup(ts.Close)

	node := &rpcmux.Node{Index: 0, WSURL: wsTestURL(ts), Rank: 1}
	registry := rpcmux.NewRegistry([]*rpcmux.Node{node}, 3, zerolog.Nop())
	broadcast := rpcmux.NewBroadcast(8, zerolog.Nop())
	subs := rpcmux.NewSubscriptions(zerolog.Nop())
	ids := rpcmux.NewIDAllocator()
	selector := rpcmux.Selector{LatencyWeight: 10, ThroughputWeight: 0.001}
	manager := rpcmux.NewManager(registry, selector, subs, broadcast, 8, zerolog.Nop())
	correlator := rpcmux.NewCorrelator(ids, broadcast, registry, time.Second, 0.2)
	manager.SetCorrelator(correlator)
	dispatcher := rpcmux.NewDispatcher(broadcast, subs, zerolog.Nop())

	worker := rpcmux.NewWorker(node, registry, broadcast, rpcmux.WorkerConfig{
		DialTimeout:    time.Second,
		BackoffMin:     time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		OutboundBuffer: 8,
	}, zerolog.Nop())
	manager.AddWorker(node.Index, worker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go manager.Run(ctx)
	go correlator.Run(ctx)
	go dispatcher.Run(ctx)
	go worker.Run(ctx)

	cfg := Config{CallTimeout: time.Second, UserSendBuffer: 8}
	s := NewServer(cfg, registry, manager, correlator, subs, zerolog.Nop())
	t.Cleanup(s.rateLimiter.Close)
	return s
}

func newTestUser(id uint32) *rpcmux.User {
	return &rpcmux.User{ID: id, Send: make(chan rpcmux.RequestResult, 4)}
}

// waitForNodeSubRegistered polls until the subscription registry has
// resolved upstreamSubID to a RequestKey, the same way a real subscribe
// call's upstream round trip completes asynchronously relative to the
// caller issuing it.
func waitForNodeSubRegistered(t *testing.T, s *Server, upstreamSubID string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if _, ok := s.subscriptions.KeyForNode(rpcmux.NodeSub{NodeID: 0, UpstreamSubID: upstreamSubID}); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for subscription %q to register", upstreamSubID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func echoSubscribeReply(result string) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var envelope struct {
				ID uint32 `json:"id"`
			}
			json.Unmarshal(data, &envelope)
			reply, _ := json.Marshal(struct {
				ID     uint32 `json:"id"`
				Result string `json:"result"`
			}{ID: envelope.ID, Result: result})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

func TestHandleCallRoundTripsThroughUpstream(t *testing.T) {
	s := newTestServer(t, echoSubscribeReply("0x1"))

	user := newTestUser(1)
	s.subscriptions.AddUser(user)

	raw := []byte(`{"jsonrpc":"2.0","id":"client-1","method":"eth_blockNumber"}`)
	s.handleCall(context.Background(), user, json.RawMessage(`"client-1"`), raw)

	select {
	case result := <-user.Send:
		if result.Kind != rpcmux.ResultCall {
			t.Fatal("expected a call-kind result")
		}
		var decoded struct {
			ID     string `json:"id"`
			Result string `json:"result"`
		}
		if err := json.Unmarshal(result.Value, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.ID != "client-1" || decoded.Result != "0x1" {
			t.Fatalf("unexpected response: %+v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handleCall's reply")
	}
}

func TestHandleSubscribeOnlyIssuesUpstreamCallForFirstSubscriber(t *testing.T) {
	var upstreamCalls int32
	s := newTestServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt32(&upstreamCalls, 1)
			var envelope struct {
				ID uint32 `json:"id"`
			}
			json.Unmarshal(data, &envelope)
			reply, _ := json.Marshal(struct {
				ID     uint32 `json:"id"`
				Result string `json:"result"`
			}{ID: envelope.ID, Result: "sub-xyz"})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	})

	u1 := newTestUser(1)
	u2 := newTestUser(2)
	s.subscriptions.AddUser(u1)
	s.subscriptions.AddUser(u2)

	ctx := context.Background()
	envelope := inboundEnvelope{Method: "newHeads_subscribe", Params: json.RawMessage(`{}`)}
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"newHeads_subscribe","params":{}}`)

	s.handleSubscribe(ctx, u1, envelope, raw)
	waitForNodeSubRegistered(t, s, "sub-xyz")

	s.handleSubscribe(ctx, u2, envelope, raw)
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&upstreamCalls); got != 1 {
		t.Fatalf("expected exactly one upstream subscribe call for two subscribers of the same key, got %d", got)
	}
	if got := s.subscriptions.SubscriptionCount(); got != 1 {
		t.Fatalf("expected one subscription entry shared by both users, got %d", got)
	}
}

func TestHandleUnsubscribeUsesClientSuppliedSubscriptionID(t *testing.T) {
	s := newTestServer(t, echoSubscribeReply("sub-abc"))

	user := newTestUser(1)
	s.subscriptions.AddUser(user)

	ctx := context.Background()
	subEnvelope := inboundEnvelope{Method: "newHeads_subscribe", Params: json.RawMessage(`{}`)}
	s.handleSubscribe(ctx, user, subEnvelope, []byte(`{"jsonrpc":"2.0","id":1,"method":"newHeads_subscribe","params":{}}`))
	waitForNodeSubRegistered(t, s, "sub-abc")

	// The client unsubscribes with the subscription id it was handed back
	// at subscribe time, not the original subscribe call's method/params.
	unsubEnvelope := inboundEnvelope{Method: "newHeads_unsubscribe", Params: json.RawMessage(`["sub-abc"]`)}
	s.handleUnsubscribe(ctx, user, unsubEnvelope, nil)

	if got := s.subscriptions.SubscriptionCount(); got != 0 {
		t.Fatalf("expected the subscription to be emptied by unsubscribe, got %d still active", got)
	}

	// The emptied key triggers a best-effort upstream unsubscribe round
	// trip, after which the NodeSub is dropped from incoming.
	node := rpcmux.NodeSub{NodeID: 0, UpstreamSubID: "sub-abc"}
	deadline := time.After(time.Second)
	for {
		if _, ok := s.subscriptions.KeyForNode(node); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the NodeSub to be retired after the last unsubscribe")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleCallTimeoutSurfacesJSONRPCError(t *testing.T) {
	// An upstream that reads requests but never answers forces the
	// correlator past its deadline.
	s := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s.callTimeout = 50 * time.Millisecond

	user := newTestUser(1)
	s.subscriptions.AddUser(user)

	raw := []byte(`{"jsonrpc":"2.0","id":"client-9","method":"eth_blockNumber"}`)
	s.handleCall(context.Background(), user, json.RawMessage(`"client-9"`), raw)

	select {
	case result := <-user.Send:
		var decoded struct {
			ID    string `json:"id"`
			Error *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(result.Value, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Error == nil || decoded.Error.Code != -32000 {
			t.Fatalf("expected a -32000 error object, got %s", result.Value)
		}
		if decoded.ID != "client-9" {
			t.Fatalf("expected the caller's id on the error reply, got %q", decoded.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the error reply")
	}
}

func TestHandleSubscribeFailureRollsBackPendingAndMembership(t *testing.T) {
	s := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s.callTimeout = 50 * time.Millisecond

	user := newTestUser(1)
	s.subscriptions.AddUser(user)

	envelope := inboundEnvelope{ID: json.RawMessage(`1`), Method: "newHeads_subscribe", Params: json.RawMessage(`{}`)}
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"newHeads_subscribe","params":{}}`)
	s.handleSubscribe(context.Background(), user, envelope, raw)

	if got := s.subscriptions.SubscriptionCount(); got != 0 {
		t.Fatalf("expected the failed subscribe to be rolled back, got %d entries", got)
	}
	key, err := rpcmux.CanonicalKey(envelope.Method, envelope.Params)
	if err != nil {
		t.Fatal(err)
	}
	if already := s.subscriptions.MarkPending(key); already {
		t.Fatal("expected the pending marker to be cleared so the key can be retried")
	}
}

func TestHandleUnsubscribeUnknownSubscriptionSurfacesError(t *testing.T) {
	s := newTestServer(t, echoSubscribeReply("sub-abc"))
	user := newTestUser(1)
	s.subscriptions.AddUser(user)

	unsubEnvelope := inboundEnvelope{ID: json.RawMessage(`5`), Method: "newHeads_unsubscribe", Params: json.RawMessage(`["never-subscribed"]`)}
	s.handleUnsubscribe(context.Background(), user, unsubEnvelope, nil)

	select {
	case result := <-user.Send:
		var decoded struct {
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(result.Value, &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded.Error == nil || decoded.Error.Message != "unknown subscription" {
			t.Fatalf("expected an unknown-subscription error reply, got %s", result.Value)
		}
	default:
		t.Fatal("expected an error reply for an unknown subscription id")
	}
}

func TestExtractUnsubscribeIDRequiresNonEmptyArray(t *testing.T) {
	if _, err := extractUnsubscribeID(json.RawMessage(`[]`)); err == nil {
		t.Fatal("expected an error for an empty id array")
	}
	if _, err := extractUnsubscribeID(json.RawMessage(`"not-an-array"`)); err == nil {
		t.Fatal("expected an error for a non-array params value")
	}
	id, err := extractUnsubscribeID(json.RawMessage(`["0xabc"]`))
	if err != nil || id != "0xabc" {
		t.Fatalf("expected id 0xabc, got %q err=%v", id, err)
	}
}
