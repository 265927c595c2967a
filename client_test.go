package shimmer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// fakeNode serves a tiny slice of the core api.
type fakeNode struct {
	server  *httptest.Server
	healthy atomic.Bool
	index   uint32
	posted  atomic.Int32
}

func newFakeNode(t *testing.T, index uint32) *fakeNode {
	n := &fakeNode{index: index}
	n.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !n.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/"+RouteInfo, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"name":"HORNET","version":"2.0.0","status":{"isHealthy":%t,"latestMilestone":{"index":%d}}}`, n.healthy.Load(), n.index)
	})
	mux.HandleFunc("/"+RouteOutputs+"/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/"+RouteOutputs+"/")
		if strings.HasSuffix(id, "/metadata") {
			_, _ = fmt.Fprintf(w, `{"blockId":"0xb","transactionId":"%s","outputIndex":0,"isSpent":false,"ledgerIndex":%d}`, strings.TrimSuffix(id, "/metadata"), n.index)
			return
		}
		if id == "0xpruned" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintf(w, `{"metadata":{"blockId":"0xb","transactionId":"%s","outputIndex":0,"isSpent":false},"output":{"type":3,"amount":"100"}}`, id)
	})
	mux.HandleFunc("/"+RouteBlocks, func(w http.ResponseWriter, r *http.Request) {
		n.posted.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"blockId":"0xnew"}`))
	})
	mux.HandleFunc("/"+RouteBlocks+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == MimeSerializerV1 {
			_, _ = w.Write([]byte{0x02, 0x01})
			return
		}
		if strings.HasSuffix(r.URL.Path, "/metadata") {
			_, _ = w.Write([]byte(`{"blockId":"0x01","parents":["0x00"],"isSolid":true,"ledgerInclusionState":"included"}`))
			return
		}
		_, _ = w.Write([]byte(`{"protocolVersion":2,"parents":["0x00"],"nonce":"0"}`))
	})
	mux.HandleFunc("/"+RouteMilestones+"/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == MimeSerializerV1 {
			_, _ = w.Write([]byte{0x07, 0x07})
			return
		}
		if strings.HasSuffix(r.URL.Path, "/utxo-changes") {
			_, _ = w.Write([]byte(`{"index":7,"createdOutputs":["0x1"],"consumedOutputs":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"type":7,"index":7,"timestamp":1,"protocolVersion":2,"previousMilestoneId":"0x6","parents":["0x0"]}`))
	})
	mux.HandleFunc("/"+RouteTransactions+"/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"protocolVersion":2,"parents":["0x09"],"nonce":"1"}`))
	})

	n.server = httptest.NewServer(mux)
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) node() Node {
	return mustNodes(n.server.URL)[0]
}

func newTestClient(t *testing.T, config NodeManagerConfig) (*Client, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	client, err := NewClient(&ClientOptions{NodeManager: config, Registerer: registry})
	if err != nil {
		t.Fatalf("failed to create client: %+v", err)
	}
	return client, registry
}

func TestClient_Routes(t *testing.T) {
	nodes := []*fakeNode{newFakeNode(t, 10), newFakeNode(t, 10), newFakeNode(t, 10)}
	client, _ := newTestClient(t, NodeManagerConfig{
		Nodes:    []Node{nodes[0].node(), nodes[1].node(), nodes[2].node()},
		Quorum:   QuorumConfig{Enabled: true, Size: 3, MinAgreement: 2},
		LocalPow: true,
	})
	ctx := context.Background()

	info, err := client.GetInfo(ctx)
	if err != nil {
		t.Fatalf("GetInfo failed: %+v", err)
	}
	assert.Equal(t, "HORNET", info.Name)
	assert.Equal(t, uint32(10), info.Status.LatestMilestone.Index)

	output, err := client.GetOutput(ctx, "0xaa")
	if err != nil {
		t.Fatalf("GetOutput failed: %+v", err)
	}
	assert.Equal(t, "0xaa", output.Metadata.TransactionId)
	assert.JSONEq(t, `{"type":3,"amount":"100"}`, string(output.Output))

	metadata, err := client.GetOutputMetadata(ctx, "0xaa")
	if err != nil {
		t.Fatalf("GetOutputMetadata failed: %+v", err)
	}
	assert.Equal(t, uint32(10), metadata.LedgerIndex)

	block, err := client.GetBlock(ctx, "0x01")
	if err != nil {
		t.Fatalf("GetBlock failed: %+v", err)
	}
	assert.Equal(t, uint8(2), block.ProtocolVersion)

	raw, err := client.GetBlockRaw(ctx, "0x01")
	if err != nil {
		t.Fatalf("GetBlockRaw failed: %+v", err)
	}
	assert.Equal(t, []byte{0x02, 0x01}, raw)

	blockMetadata, err := client.GetBlockMetadata(ctx, "0x01")
	if err != nil {
		t.Fatalf("GetBlockMetadata failed: %+v", err)
	}
	assert.True(t, blockMetadata.IsSolid)

	milestone, err := client.GetMilestoneByIndex(ctx, 7)
	if err != nil {
		t.Fatalf("GetMilestoneByIndex failed: %+v", err)
	}
	assert.Equal(t, uint32(7), milestone.Index)

	milestoneRaw, err := client.GetMilestoneByIndexRaw(ctx, 7)
	if err != nil {
		t.Fatalf("GetMilestoneByIndexRaw failed: %+v", err)
	}
	assert.Equal(t, []byte{0x07, 0x07}, milestoneRaw)

	changes, err := client.GetUtxoChangesByIndex(ctx, 7)
	if err != nil {
		t.Fatalf("GetUtxoChangesByIndex failed: %+v", err)
	}
	assert.Equal(t, []string{"0x1"}, changes.CreatedOutputs)

	included, err := client.GetIncludedBlock(ctx, "0xtx")
	if err != nil {
		t.Fatalf("GetIncludedBlock failed: %+v", err)
	}
	assert.Equal(t, []string{"0x09"}, included.Parents)

	blockId, err := client.PostBlock(ctx, &Block{ProtocolVersion: 2, Parents: []string{"0x00"}, Nonce: "0"})
	if err != nil {
		t.Fatalf("PostBlock failed: %+v", err)
	}
	assert.Equal(t, "0xnew", blockId)
}

func TestClient_GetOutputs(t *testing.T) {
	node := newFakeNode(t, 1)
	client, registry := newTestClient(t, NodeManagerConfig{
		Nodes:               []Node{node.node()},
		MaxParallelRequests: 2,
	})
	ctx := context.Background()

	outputs, err := client.GetOutputs(ctx, []string{"0x1", "0x2", "0x3"})
	if err != nil {
		t.Fatalf("GetOutputs failed: %+v", err)
	}
	assert.Len(t, outputs, 3)
	assert.Equal(t, "0x3", outputs[2].Metadata.TransactionId)

	_, err = client.GetOutputs(ctx, []string{"0x1", "0xpruned", "0x3"})
	assert.True(t, errors.Is(err, ErrNodesExhausted), "got %v", err)

	outputs, err = client.TryGetOutputs(ctx, []string{"0x1", "0xpruned", "0x3"})
	if err != nil {
		t.Fatalf("TryGetOutputs failed: %+v", err)
	}
	assert.Len(t, outputs, 2)
	assert.Equal(t, "0x1", outputs[0].Metadata.TransactionId)
	assert.Equal(t, "0x3", outputs[1].Metadata.TransactionId)

	metrics := client.Metrics()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.batchItems.WithLabelValues("best_effort", "dropped")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.batchItems.WithLabelValues("best_effort", "ok")))

	count, err := testutil.GatherAndCount(registry, "shimmer_node_requests_total")
	if err != nil {
		t.Fatalf("failed to gather metrics: %+v", err)
	}
	assert.Greater(t, count, 0)
}

func TestClient_PostBlockPrefersPowNode(t *testing.T) {
	regular := newFakeNode(t, 1)
	pow := newFakeNode(t, 1)
	powNode := pow.node()

	client, _ := newTestClient(t, NodeManagerConfig{
		Nodes:          []Node{regular.node()},
		PrimaryPowNode: &powNode,
		LocalPow:       false,
	})

	if _, err := client.PostBlockRaw(context.Background(), []byte{0x02}); err != nil {
		t.Fatalf("PostBlockRaw failed: %+v", err)
	}
	assert.Equal(t, int32(1), pow.posted.Load())
	assert.Equal(t, int32(0), regular.posted.Load())

	err := client.Reconfigure(NodeManagerConfig{
		Nodes:          []Node{regular.node()},
		PrimaryPowNode: &powNode,
		LocalPow:       true,
	})
	if err != nil {
		t.Fatalf("Reconfigure failed: %+v", err)
	}

	if _, err = client.PostBlockRaw(context.Background(), []byte{0x02}); err != nil {
		t.Fatalf("PostBlockRaw failed: %+v", err)
	}
	assert.Equal(t, int32(1), regular.posted.Load())
}

func TestClient_SyncNodes(t *testing.T) {
	a := newFakeNode(t, 100)
	b := newFakeNode(t, 100)
	client, _ := newTestClient(t, NodeManagerConfig{Nodes: []Node{a.node(), b.node()}})

	before := client.NodeManager()
	b.healthy.Store(false)

	snapshot := client.SyncNodes(context.Background())
	assert.Equal(t, 2, snapshot.Len())
	assert.Equal(t, []string{a.node().URL}, snapshot.Healthy())
	assert.Equal(t, float64(1), testutil.ToFloat64(client.Metrics().healthyNode))

	after := client.NodeManager()
	assert.NotSame(t, before, after)
	assert.Equal(t, []string{a.node().URL}, urlsOf(after.Select(PurposeRead)))
	assert.Len(t, before.Select(PurposeRead), 2)

	healthy, err := client.GetHealth(context.Background(), b.server.URL)
	if err != nil {
		t.Fatalf("GetHealth failed: %+v", err)
	}
	assert.False(t, healthy)

	healthy, err = client.GetHealth(context.Background(), a.server.URL)
	if err != nil {
		t.Fatalf("GetHealth failed: %+v", err)
	}
	assert.True(t, healthy)
}

func TestClient_SyncNodesCancelled(t *testing.T) {
	a := newFakeNode(t, 100)
	b := newFakeNode(t, 100)
	client, _ := newTestClient(t, NodeManagerConfig{Nodes: []Node{a.node(), b.node()}})
	client.SyncNodes(context.Background())
	before := client.NodeManager()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snapshot := client.SyncNodes(ctx)
	assert.Len(t, snapshot.Healthy(), 2)
	assert.Same(t, before, client.NodeManager())
	assert.Len(t, client.NodeManager().Select(PurposeRead), 2)
	assert.Len(t, client.LastSync().Healthy(), 2)

	output, err := client.GetOutput(context.Background(), "0x1")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, "0x1", output.Metadata.TransactionId)
}

func TestClient_SyncNodesNoneHealthy(t *testing.T) {
	a := newFakeNode(t, 100)
	b := newFakeNode(t, 100)
	client, _ := newTestClient(t, NodeManagerConfig{Nodes: []Node{a.node(), b.node()}})
	client.SyncNodes(context.Background())
	before := client.NodeManager()

	a.healthy.Store(false)
	b.healthy.Store(false)

	snapshot := client.SyncNodes(context.Background())
	assert.Equal(t, 2, snapshot.Len())
	assert.Empty(t, snapshot.Healthy())
	assert.Equal(t, float64(0), testutil.ToFloat64(client.Metrics().healthyNode))

	assert.Same(t, before, client.NodeManager())
	assert.Len(t, client.NodeManager().Select(PurposeRead), 2)
	assert.Equal(t, 2, client.LastSync().Len())
	assert.Empty(t, client.LastSync().Healthy())

	output, err := client.GetOutput(context.Background(), "0x1")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	assert.Equal(t, "0x1", output.Metadata.TransactionId)

	b.healthy.Store(true)
	client.SyncNodes(context.Background())
	assert.Equal(t, []string{b.node().URL}, urlsOf(client.NodeManager().Select(PurposeRead)))
}

func TestClient_StartNodeSync(t *testing.T) {
	a := newFakeNode(t, 5)
	client, _ := newTestClient(t, NodeManagerConfig{Nodes: []Node{a.node()}})

	ctx, cancel := context.WithCancel(context.Background())
	done := client.StartNodeSync(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return client.NodeManager().Health().Len() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("node sync did not stop")
	}
}

func TestClient_OnNodeSync(t *testing.T) {
	a := newFakeNode(t, 5)
	client, _ := newTestClient(t, NodeManagerConfig{Nodes: []Node{a.node()}})

	snapshots := make(chan HealthSnapshot, 4)
	cleanup := client.OnNodeSync(func(snapshot HealthSnapshot) {
		snapshots <- snapshot
	})

	client.SyncNodes(context.Background())

	select {
	case snapshot := <-snapshots:
		assert.Equal(t, []string{a.node().URL}, snapshot.Healthy())
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}

	cleanup()
	client.SyncNodes(context.Background())
	client.Close()
	assert.Len(t, snapshots, 0)
}

func TestClient_ReconfigureInvalid(t *testing.T) {
	a := newFakeNode(t, 5)
	client, _ := newTestClient(t, NodeManagerConfig{Nodes: []Node{a.node()}})
	before := client.NodeManager()

	err := client.Reconfigure(NodeManagerConfig{})
	assert.True(t, errors.Is(err, ErrConfig), "got %v", err)
	assert.Same(t, before, client.NodeManager())
}

func TestClient_InfoJson(t *testing.T) {
	info := InfoResponse{Name: "HORNET"}
	info.Status.LatestMilestone.Index = 3
	out, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("failed to marshal: %+v", err)
	}
	health, err := ParseNodeHealth(out)
	if err != nil {
		t.Fatalf("failed to parse health: %+v", err)
	}
	assert.Equal(t, uint32(3), health.LatestMilestoneIndex)
}
