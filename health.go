package shimmer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	RouteHealth = "health"
	RouteInfo   = "api/core/v2/info"
)

type NodeHealth struct {
	Healthy              bool
	LatestMilestoneIndex uint32
	CheckedAt            time.Time
	Err                  string
}

// HealthSnapshot is a point in time view of node sync health. It is never
// modified after creation, refreshing produces a new snapshot.
type HealthSnapshot struct {
	nodes   map[string]NodeHealth
	takenAt time.Time
}

func NewHealthSnapshot(entries map[string]NodeHealth) HealthSnapshot {
	nodes := make(map[string]NodeHealth, len(entries))
	for u, h := range entries {
		nodes[u] = h
	}
	return HealthSnapshot{nodes: nodes, takenAt: time.Now()}
}

func (s HealthSnapshot) Get(nodeURL string) (health NodeHealth, ok bool) {
	health, ok = s.nodes[nodeURL]
	return
}

func (s HealthSnapshot) Len() int {
	return len(s.nodes)
}

func (s HealthSnapshot) TakenAt() time.Time {
	return s.takenAt
}

func (s HealthSnapshot) Healthy() (urls []string) {
	for u, h := range s.nodes {
		if h.Healthy {
			urls = append(urls, u)
		}
	}
	return
}

func (s HealthSnapshot) HighestIndex() (highest uint32) {
	for _, h := range s.nodes {
		if h.Healthy && h.LatestMilestoneIndex > highest {
			highest = h.LatestMilestoneIndex
		}
	}
	return
}

// usable reports whether node may serve reads. Nodes that were never checked
// are usable, the snapshot is best effort.
func (s HealthSnapshot) usable(node Node, maxLag uint32, highest uint32) bool {
	h, ok := s.nodes[node.URL]
	if !ok {
		return true
	}
	if !h.Healthy {
		return false
	}
	if maxLag > 0 && highest > h.LatestMilestoneIndex && highest-h.LatestMilestoneIndex > maxLag {
		return false
	}
	return true
}

// ParseNodeHealth reads sync health out of an info response body.
func ParseNodeHealth(body []byte) (health NodeHealth, err error) {
	status := gjson.GetBytes(body, "status")
	if !status.Exists() {
		err = errors.Errorf("info response has no status: %.64s", string(body))
		return
	}

	healthy := status.Get("isHealthy")
	if !healthy.Exists() {
		err = errors.New("info response has no status.isHealthy")
		return
	}

	health.Healthy = healthy.Bool()
	health.LatestMilestoneIndex = uint32(status.Get("latestMilestone.index").Uint())
	health.CheckedAt = time.Now()
	return
}

// CheckHealth probes every enabled node's info route concurrently, at most
// parallel at a time, and returns a fresh snapshot. Probe failures mark the
// node unhealthy, they are not returned as errors.
func CheckHealth(ctx context.Context, transport Transport, nodes []Node, timeout time.Duration, parallel int) HealthSnapshot {
	if parallel <= 0 {
		parallel = DefaultMaxParallelRequests
	}
	if timeout <= 0 {
		timeout = DefaultApiTimeout
	}

	var mu sync.Mutex
	entries := make(map[string]NodeHealth, len(nodes))

	g := &errgroup.Group{}
	g.SetLimit(parallel)

	for _, node := range nodes {
		if node.Disabled {
			continue
		}
		node := node
		g.Go(func() error {
			health := probeNode(ctx, transport, node, timeout)

			mu.Lock()
			entries[node.URL] = health
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return NewHealthSnapshot(entries)
}

func probeNode(ctx context.Context, transport Transport, node Node, timeout time.Duration) (health NodeHealth) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rsp, err := transport.Do(reqCtx, node, Get(RouteInfo))
	if err != nil {
		log.Debug().Err(err).Str("node", node.URL).Msg("health probe failed")
		return NodeHealth{CheckedAt: time.Now(), Err: err.Error()}
	}

	health, err = ParseNodeHealth(rsp.Body)
	if err != nil {
		log.Debug().Err(err).Str("node", node.URL).Msg("health probe returned malformed info")
		return NodeHealth{CheckedAt: time.Now(), Err: err.Error()}
	}

	return
}
