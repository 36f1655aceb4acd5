package rpcmux

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the live list of upstream nodes. Readers (the Selector,
// workers looking up their own URL) take a Snapshot and operate on the
// copy; writers (health updates, AddNode/RemoveNode) hold the exclusive
// lock only long enough to mutate the slice.
type Registry struct {
	mu         sync.RWMutex
	nodes      []*Node
	windowSize int
	logger     zerolog.Logger
}

// NewRegistry builds a registry from startup configuration. Nodes are
// created once here; after that they're only mutated by health and
// throughput reports, and leave the list through RemoveNode (which
// Manager.RemoveNode calls at runtime). windowSize is how many recent operation
// outcomes decide a node's IsErroring flag; values below 1 are clamped.
func NewRegistry(nodes []*Node, windowSize int, logger zerolog.Logger) *Registry {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Registry{
		nodes:      nodes,
		windowSize: windowSize,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// Snapshot returns a shallow copy of the current node list. Each *Node is
// still shared, so callers must not mutate fields on it directly; use
// ReportHealth for that.
func (r *Registry) Snapshot() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Node returns the node at the given index, or nil if it no longer
// exists (removed since the caller last looked it up).
func (r *Registry) Node(index int) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Index == index {
			return n
		}
	}
	return nil
}

// AddNode appends a node to the registry under the exclusive lock.
func (r *Registry) AddNode(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, n)
	r.logger.Info().Int("node_id", n.Index).Str("ws_url", n.WSURL).Msg("node added")
}

// RemoveNode drops the node with the given index.
func (r *Registry) RemoveNode(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.nodes {
		if n.Index == index {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			r.logger.Info().Int("node_id", index).Msg("node removed")
			return
		}
	}
}

// ReportHealth updates a node's health block after a completed or failed
// upstream operation: latency is folded into an exponential moving
// average, and IsErroring is recomputed from the configured window of
// recent outcomes.
func (r *Registry) ReportHealth(index int, latencySeconds float64, ok bool, alpha float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Index != index {
			continue
		}
		h := &n.Health
		if len(h.recent) == 0 {
			h.Latency = latencySeconds
		} else {
			h.Latency = alpha*latencySeconds + (1-alpha)*h.Latency
		}
		if len(h.recent) < r.windowSize {
			h.recent = append(h.recent, ok)
		} else {
			h.recent[h.cursor] = ok
			h.cursor = (h.cursor + 1) % r.windowSize
		}
		h.IsErroring = allFailed(h.recent)
		RecordNodeHealth(index, h.IsErroring)
		return
	}
}

func allFailed(outcomes []bool) bool {
	for _, ok := range outcomes {
		if ok {
			return false
		}
	}
	return len(outcomes) > 0
}

// ReportThroughput records a node's latest throughput sample directly
// (callers compute throughput themselves, e.g. bytes/sec over a window;
// the registry just stores the latest value for the Selector to read).
func (r *Registry) ReportThroughput(index int, throughput float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Index == index {
			n.Health.Throughput = throughput
			return
		}
	}
}

// Selector picks the best node for the next outbound call, given fixed
// scoring weights.
type Selector struct {
	LatencyWeight    float64
	ThroughputWeight float64
}

// Pick excludes erroring nodes unless all are erroring, scores the rest
// as rank - latencyWeight*latency + throughputWeight*throughput, and
// returns the highest score, breaking ties by lowest index. snapshot
// must be non-empty.
func (s Selector) Pick(snapshot []*Node) (*Node, error) {
	if len(snapshot) == 0 {
		return nil, fmt.Errorf("rpcmux: selector called with empty registry")
	}

	candidates := make([]*Node, 0, len(snapshot))
	for _, n := range snapshot {
		if !n.Health.IsErroring {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		// No healthy node is still better than failing closed.
		candidates = snapshot
	}

	// candidates preserves snapshot's index order, so a strict ">" here
	// keeps the first (lowest-index) node on a tie.
	var best *Node
	var bestScore float64
	for _, n := range candidates {
		score := s.score(n)
		if best == nil || score > bestScore {
			best = n
			bestScore = score
		}
	}
	return best, nil
}

func (s Selector) score(n *Node) float64 {
	return float64(n.Rank) - s.LatencyWeight*n.Health.Latency + s.ThroughputWeight*n.Health.Throughput
}
