package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/rpcmux/internal/rpcmux"
)

// inboundEnvelope is the minimal shape needed to route a client frame:
// every downstream request carries a method name, even subscribe calls.
type inboundEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleWebSocket upgrades one HTTP connection, registers it as a user
// and starts its read/write pumps. The read pump cancelling ctx is what
// tears the write pump down on disconnect.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.rateLimiter.allow(host) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID := s.nextUserID.Add(1)
	user := &rpcmux.User{
		ID:   userID,
		Send: make(chan rpcmux.RequestResult, s.userSendBuffer),
	}
	s.subscriptions.AddUser(user)

	ctx, cancel := context.WithCancel(context.Background())

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(ctx, conn, user)
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.readPump(ctx, conn, user)
	}()
}

func (s *Server) readPump(ctx context.Context, conn net.Conn, user *rpcmux.User) {
	defer s.disconnect(conn, user)
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleClientMessage(ctx, user, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn net.Conn, user *rpcmux.User) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			return
		case result, ok := <-user.Send:
			if !ok {
				wsutil.WriteServerMessage(conn, ws.OpClose, nil)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpText, result.Value); err != nil {
				s.logger.Debug().Err(err).Uint32("user_id", user.ID).Msg("write failed")
				return
			}
		}
	}
}

func (s *Server) disconnect(conn net.Conn, user *rpcmux.User) {
	emptied := s.subscriptions.RemoveUser(user.ID)
	for _, key := range emptied {
		s.unsubscribeUpstream(key)
	}
	conn.Close()
}

// handleClientMessage dispatches one inbound frame: a call goes through
// the correlator and its reply is written straight back; a subscribe or
// unsubscribe method instead mutates the subscription registry and, only
// for the first subscriber of a key, performs the matching upstream call.
func (s *Server) handleClientMessage(ctx context.Context, user *rpcmux.User, raw []byte) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		rpcmux.RecordErrorKind(rpcmux.ErrParseError)
		return
	}

	switch {
	case strings.HasSuffix(envelope.Method, "_subscribe"):
		s.handleSubscribe(ctx, user, envelope, raw)
	case strings.HasSuffix(envelope.Method, "_unsubscribe"):
		s.handleUnsubscribe(ctx, user, envelope, raw)
	default:
		s.handleCall(ctx, user, envelope.ID, raw)
	}
}

func (s *Server) handleCall(ctx context.Context, user *rpcmux.User, id json.RawMessage, raw []byte) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	response, err := s.correlator.ExecuteCall(callCtx, raw, func(content json.RawMessage) error {
		return s.manager.Submit(callCtx, content)
	})
	if err != nil {
		rpcmux.RecordErrorKind(err)
		s.writeError(user, id, err)
		return
	}
	select {
	case user.Send <- rpcmux.RequestResult{Kind: rpcmux.ResultCall, Value: response}:
	default:
	}
}

func (s *Server) handleSubscribe(ctx context.Context, user *rpcmux.User, envelope inboundEnvelope, raw []byte) {
	key, err := rpcmux.CanonicalKey(envelope.Method, envelope.Params)
	if err != nil {
		rpcmux.RecordErrorKind(rpcmux.ErrParseError)
		return
	}

	firstSubscriber := s.subscriptions.SubscribeUser(key, user.ID)
	if !firstSubscriber {
		return // Already subscribed upstream; nothing more to do.
	}
	if s.subscriptions.MarkPending(key) {
		return // Another goroutine is already establishing this subscription.
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	response, nodeID, err := s.correlator.ExecuteCallNode(callCtx, raw, func(content json.RawMessage) error {
		return s.manager.Submit(callCtx, content)
	})
	if err != nil {
		rpcmux.RecordErrorKind(err)
		s.rollbackSubscribe(user, key)
		s.writeError(user, envelope.ID, err)
		return
	}

	upstreamID, err := extractResultString(response)
	if err != nil {
		s.logger.Warn().Err(err).Msg("subscribe response had no usable subscription id")
		s.rollbackSubscribe(user, key)
		return
	}
	s.subscriptions.RegisterSubscription(key, rpcmux.NodeSub{NodeID: nodeID, UpstreamSubID: upstreamID})
}

// rollbackSubscribe undoes a failed first-subscriber attempt: the pending
// marker is cleared so the key can be retried, and the initiating user is
// removed so a fully-vacated key doesn't linger with no upstream stream
// behind it.
func (s *Server) rollbackSubscribe(user *rpcmux.User, key rpcmux.RequestKey) {
	s.subscriptions.ClearPending(key)
	s.subscriptions.UnsubscribeUser(key, user.ID)
}

// writeError sends a JSON-RPC error object back to the user, preserving
// the id the client put on its request.
func (s *Server) writeError(user *rpcmux.User, id json.RawMessage, callErr error) {
	if len(id) == 0 {
		id = json.RawMessage(`null`)
	}
	code := -32000
	message := "upstream call failed"
	switch {
	case errors.Is(callErr, rpcmux.ErrTimeout):
		message = "call timed out"
	case errors.Is(callErr, rpcmux.ErrParseError):
		code = -32700
		message = "invalid request"
	case errors.Is(callErr, rpcmux.ErrUnknownSubscription):
		message = "unknown subscription"
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	if err != nil {
		return
	}
	select {
	case user.Send <- rpcmux.RequestResult{Kind: rpcmux.ResultCall, Value: payload}:
	default:
		s.logger.Warn().Uint32("user_id", user.ID).Msg("user outbound channel full, error reply dropped")
	}
}

// handleUnsubscribe removes user from whichever subscription currently
// holds the upstream_sub_id the client was handed at subscribe time. The
// method/params of the unsubscribe call itself describe the unsubscribe
// request, not the original subscribe request, so they are useless as a
// lookup key.
func (s *Server) handleUnsubscribe(ctx context.Context, user *rpcmux.User, envelope inboundEnvelope, raw []byte) {
	upstreamSubID, err := extractUnsubscribeID(envelope.Params)
	if err != nil {
		rpcmux.RecordErrorKind(rpcmux.ErrParseError)
		return
	}
	emptied, found := s.subscriptions.UnsubscribeUserBySubID(user.ID, upstreamSubID)
	if !found {
		rpcmux.RecordErrorKind(rpcmux.ErrUnknownSubscription)
		s.writeError(user, envelope.ID, rpcmux.ErrUnknownSubscription)
		return
	}
	for _, key := range emptied {
		s.unsubscribeUpstream(key)
	}
}

// extractUnsubscribeID reads the subscription id out of an *_unsubscribe
// call's params, following the Ethereum-style convention of a one-element
// array: ["0xdeadbeef"].
func extractUnsubscribeID(params json.RawMessage) (string, error) {
	var ids []string
	if err := json.Unmarshal(params, &ids); err != nil || len(ids) == 0 {
		return "", fmt.Errorf("rpcmux: unsubscribe call missing subscription id")
	}
	return ids[0], nil
}

// unsubscribeUpstream tells the upstream node to stop streaming a
// subscription nobody follows anymore, then drops its incoming mapping.
// Best-effort: the subscription is already gone from our bookkeeping, so
// a failed upstream call just leaves the node sending notifications
// nobody forwards until it reconnects, not a correctness problem for any
// connected user.
func (s *Server) unsubscribeUpstream(key rpcmux.RequestKey) {
	method := strings.TrimSuffix(key.Method(), "_subscribe") + "_unsubscribe"
	for _, node := range s.subscriptions.NodeSubsForKey(key) {
		go func(node rpcmux.NodeSub) {
			request, err := json.Marshal(struct {
				JSONRPC string   `json:"jsonrpc"`
				ID      uint32   `json:"id"`
				Method  string   `json:"method"`
				Params  []string `json:"params"`
			}{JSONRPC: "2.0", Method: method, Params: []string{node.UpstreamSubID}})
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
			defer cancel()
			if _, err := s.correlator.ExecuteCall(ctx, request, func(content json.RawMessage) error {
				return s.manager.Submit(ctx, content)
			}); err != nil {
				s.logger.Debug().Err(err).Str("method", method).Str("upstream_sub_id", node.UpstreamSubID).Msg("upstream unsubscribe failed")
			}
			s.subscriptions.UnregisterSubscription(node)
		}(node)
	}
}

func extractResultString(response json.RawMessage) (string, error) {
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
