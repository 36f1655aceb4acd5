package rpcmux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type workerState int32

const (
	stateConnecting workerState = iota
	stateOpen
	stateDraining
	stateBroken
	stateClosed
)

func (s workerState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateDraining:
		return "draining"
	case stateBroken:
		return "broken"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// throughputReportInterval is how often runReader folds its byte count
// into the registry's per-node throughput sample.
const throughputReportInterval = 10 * time.Second

// closeSentinel is the in-process-only outbound value that requests a
// graceful, permanent shutdown of one worker. It is recognized by
// runWriter and never reaches the wire.
var closeSentinel = []byte(`{"method":"close"}`)

func isCloseSentinel(msg json.RawMessage) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(msg, &probe) != nil {
		return false
	}
	return probe.Method == "close" && bytes.Equal(bytes.TrimSpace(msg), closeSentinel)
}

// WorkerConfig carries the tunables a Worker needs that come from process
// configuration rather than from the node itself.
type WorkerConfig struct {
	DialTimeout    time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	HealthAlpha    float64
	OutboundBuffer int     // outbound channel depth
	RateLimit      float64 // outbound messages/sec, 0 = unlimited
	RateBurst      int
}

type openOutcome int

const (
	outcomeBroken openOutcome = iota
	outcomeClosed
	outcomeShutdown
)

// Worker owns a single WebSocket connection to one upstream node.
// Outbound frames are serialized through a single generously buffered
// channel (single producer: the manager; single consumer: runWriter),
// so frames reach the upstream in submission order.
type Worker struct {
	node      *Node
	registry  *Registry
	broadcast *Broadcast
	dialer    *websocket.Dialer
	outbound  chan json.RawMessage
	limiter   *rate.Limiter
	cfg       WorkerConfig
	logger    zerolog.Logger

	state atomic.Int32
}

// NewWorker constructs a worker for node. node.WSURL must be non-empty.
func NewWorker(node *Node, registry *Registry, broadcast *Broadcast, cfg WorkerConfig, logger zerolog.Logger) *Worker {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return &Worker{
		node:      node,
		registry:  registry,
		broadcast: broadcast,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		outbound:  make(chan json.RawMessage, cfg.OutboundBuffer),
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.With().Int("node_id", node.Index).Str("component", "worker").Logger(),
	}
}

// Outbound is the send-only side of the worker's outbound queue; the
// manager pushes chosen calls and subscription requests onto it.
func (w *Worker) Outbound() chan<- json.RawMessage { return w.outbound }

// State reports the worker's current lifecycle state.
func (w *Worker) State() workerState { return workerState(w.state.Load()) }

func (w *Worker) setState(s workerState) {
	w.state.Store(int32(s))
	RecordWorkerState(w.node.Index, s)
}

// Close requests a graceful, permanent shutdown of this worker by
// injecting the close sentinel onto its own outbound queue.
func (w *Worker) Close() {
	select {
	case w.outbound <- json.RawMessage(closeSentinel):
	default:
		// Queue full; drop straight to shutdown via context cancellation
		// at the call site instead of blocking the caller.
	}
}

// Run drives the worker's Connecting -> Open -> {Draining->Closed |
// Broken->Connecting} state machine until ctx is cancelled or a graceful
// close sentinel is processed.
func (w *Worker) Run(ctx context.Context) {
	backoff := w.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			w.setState(stateClosed)
			return
		}

		w.setState(stateConnecting)
		conn, err := w.dial(ctx)
		if err != nil {
			w.registry.ReportHealth(w.node.Index, 0, false, w.cfg.HealthAlpha)
			RecordErrorKind(err)
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("upstream dial failed")
			if !sleepContext(ctx, jitter(backoff)) {
				w.setState(stateClosed)
				return
			}
			backoff = nextBackoff(backoff, w.cfg.BackoffMax)
			continue
		}
		backoff = w.cfg.BackoffMin

		w.setState(stateOpen)
		switch w.runOpen(ctx, conn) {
		case outcomeClosed:
			w.setState(stateClosed)
			return
		case outcomeShutdown:
			w.setState(stateClosed)
			return
		case outcomeBroken:
			w.setState(stateBroken)
			w.registry.ReportHealth(w.node.Index, 0, false, w.cfg.HealthAlpha)
			RecordErrorKind(ErrIoBroken)
			w.broadcast.PublishReconnect()
		}
	}
}

func (w *Worker) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()
	conn, _, err := w.dialer.DialContext(dialCtx, w.node.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	return conn, nil
}

// runOpen drains the outbound queue and reads inbound frames
// concurrently, one goroutine per direction. Whichever side fails first
// reports on errCh; the other is torn down by closing the connection.
func (w *Worker) runOpen(ctx context.Context, conn *websocket.Conn) openOutcome {
	errCh := make(chan error, 2)
	graceful := make(chan struct{})
	stop := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.runWriter(conn, stop, graceful, errCh)
	}()
	go func() {
		defer wg.Done()
		w.runReader(conn, errCh)
	}()

	var outcome openOutcome
	select {
	case <-ctx.Done():
		outcome = outcomeShutdown
	case <-graceful:
		// Draining covers closing the socket and the pump join below:
		// frames already handed to the socket are written before the
		// worker reports Closed. No close frame is sent.
		w.setState(stateDraining)
		outcome = outcomeClosed
	case err := <-errCh:
		w.logger.Warn().Err(err).Msg("upstream connection broken")
		outcome = outcomeBroken
	}
	close(stop)
	closeConn()
	wg.Wait()
	return outcome
}

func (w *Worker) runWriter(conn *websocket.Conn, stop <-chan struct{}, graceful chan<- struct{}, errCh chan<- error) {
	for {
		select {
		case <-stop:
			return
		case msg := <-w.outbound:
			if isCloseSentinel(msg) {
				close(graceful)
				return
			}
			if w.limiter != nil {
				if err := w.limiter.Wait(context.Background()); err != nil {
					return
				}
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (w *Worker) runReader(conn *websocket.Conn, errCh chan<- error) {
	bytesRead := 0
	lastReport := time.Now()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		bytesRead += len(data)
		if elapsed := time.Since(lastReport); elapsed >= throughputReportInterval {
			w.registry.ReportThroughput(w.node.Index, float64(bytesRead)/elapsed.Seconds())
			bytesRead = 0
			lastReport = time.Now()
		}
		if !json.Valid(data) {
			w.logger.Warn().Bytes("frame", data).Msg("dropping non-JSON inbound frame")
			continue
		}
		w.broadcast.PublishResponse(IncomingResponse{
			Content: json.RawMessage(data),
			NodeID:  w.node.Index,
		})
	}
}

// sleepContext sleeps for d or returns false early if ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitter applies full jitter to a backoff duration: a uniform random
// value in [0, d), so retrying workers don't all wake in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
