package shimmer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	RouteOutputs      = "api/core/v2/outputs"
	RouteBlocks       = "api/core/v2/blocks"
	RouteMilestones   = "api/core/v2/milestones"
	RouteTransactions = "api/core/v2/transactions"
)

type ClientOptions struct {
	NodeManager      NodeManagerConfig
	Transport        Transport
	Registerer       prometheus.Registerer
	Logger           *zerolog.Logger
	NodeSyncInterval time.Duration
}

func (o *ClientOptions) setDefaults() {
	if o.Transport == nil {
		o.Transport = NewHttpTransport(nil)
	}

	if o.Logger == nil {
		o.Logger = Log()
	}

	if o.NodeSyncInterval <= 0 {
		o.NodeSyncInterval = DefaultNodeSyncInterval
	}
}

func NewClient(options *ClientOptions) (client *Client, err error) {
	if options == nil {
		options = &ClientOptions{}
	}
	options.setDefaults()

	metrics, err := NewMetrics(options.Registerer)
	if err != nil {
		return
	}

	client = &Client{
		options:  options,
		metrics:  metrics,
		log:      options.Logger,
		syncFeed: NewFeed[HealthSnapshot](),
	}

	manager, err := client.build(options.NodeManager, HealthSnapshot{})
	if err != nil {
		client = nil
		return
	}
	client.manager.Store(manager)

	return
}

// Client is the node api facade. It holds the current node manager behind an
// atomic pointer, in-flight calls keep using the manager they started with.
type Client struct {
	options  *ClientOptions
	manager  atomic.Pointer[NodeManager]
	metrics  *Metrics
	log      *zerolog.Logger
	syncMu   sync.Mutex
	syncFeed *Feed[HealthSnapshot]
	lastSync atomic.Pointer[HealthSnapshot]
}

func (c *Client) build(config NodeManagerConfig, health HealthSnapshot) (*NodeManager, error) {
	return BuildNodeManager(config,
		WithTransport(c.options.Transport),
		WithHealth(health),
		WithMetrics(c.metrics),
		WithLogger(*c.log))
}

func (c *Client) NodeManager() *NodeManager {
	return c.manager.Load()
}

func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Reconfigure validates config and swaps in a manager built from it. The
// current health snapshot carries over, unknown nodes count as usable until
// the next sync.
func (c *Client) Reconfigure(config NodeManagerConfig) (err error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	manager, err := c.build(config, c.manager.Load().Health())
	if err != nil {
		return
	}

	c.manager.Store(manager)
	c.log.Info().Msgf("node manager reconfigured with %d enabled nodes", len(manager.EnabledNodes()))
	return
}

// SyncNodes probes every enabled node and swaps in a manager using the fresh
// health snapshot. A sync cut short by ctx changes nothing. A snapshot with no
// healthy node is reported but not applied, reads keep the previous snapshot.
func (c *Client) SyncNodes(ctx context.Context) HealthSnapshot {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	current := c.manager.Load()
	snapshot := CheckHealth(
		ctx,
		current.Transport(),
		current.EnabledNodes(),
		current.Config().ApiTimeout,
		current.MaxParallelRequests())

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.log.Warn().Err(ctxErr).Msg("node sync interrupted, keeping previous health snapshot")
		return current.Health()
	}

	c.lastSync.Store(&snapshot)

	healthy := len(snapshot.Healthy())
	c.metrics.healthyNodes(healthy)

	if healthy == 0 && snapshot.Len() > 0 {
		c.log.Warn().Msgf("node sync found 0 of %d nodes healthy, keeping previous health snapshot", snapshot.Len())
	} else {
		c.manager.Store(current.WithHealth(snapshot))
		c.log.Debug().Msgf("node sync finished, %d of %d nodes healthy", healthy, snapshot.Len())
	}

	c.syncFeed.Broadcast(snapshot)

	return snapshot
}

// LastSync returns the snapshot of the most recent completed sync, applied or
// not. Before any sync it is the manager's snapshot.
func (c *Client) LastSync() HealthSnapshot {
	if snapshot := c.lastSync.Load(); snapshot != nil {
		return *snapshot
	}
	return c.manager.Load().Health()
}

// OnNodeSync calls callback with every snapshot a node sync produces.
func (c *Client) OnNodeSync(callback func(snapshot HealthSnapshot)) (cleanup func()) {
	return c.syncFeed.On(callback)
}

// Close stops delivering node sync snapshots. Requests keep working.
func (c *Client) Close() {
	c.syncFeed.Close()
}

// StartNodeSync syncs once and then on every interval until ctx is done. The
// returned channel is closed when the loop exits.
func (c *Client) StartNodeSync(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = c.options.NodeSyncInterval
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		c.SyncNodes(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.log.Debug().Msg("node sync stopped")
				return
			case <-ticker.C:
				c.SyncNodes(ctx)
			}
		}
	}()

	return done
}

// GetHealth asks a single node, which need not be part of the node set,
// whether it considers itself healthy.
func (c *Client) GetHealth(ctx context.Context, nodeURL string) (healthy bool, err error) {
	node, err := NewNode(nodeURL)
	if err != nil {
		return
	}

	current := c.manager.Load()
	reqCtx, cancel := context.WithTimeout(ctx, current.Config().ApiTimeout)
	defer cancel()

	_, err = current.Transport().Do(reqCtx, node, Get(RouteHealth))
	if err != nil {
		var transportErr *TransportError
		if errors.As(err, &transportErr) && transportErr.Code == http.StatusServiceUnavailable {
			return false, nil
		}
		return
	}

	return true, nil
}

type MilestoneIndex struct {
	Index       uint32 `json:"index"`
	Timestamp   uint32 `json:"timestamp,omitempty"`
	MilestoneId string `json:"milestoneId,omitempty"`
}

type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  struct {
		IsHealthy          bool           `json:"isHealthy"`
		LatestMilestone    MilestoneIndex `json:"latestMilestone"`
		ConfirmedMilestone MilestoneIndex `json:"confirmedMilestone"`
		PruningIndex       uint32         `json:"pruningIndex"`
	} `json:"status"`
	Protocol  json.RawMessage `json:"protocol"`
	BaseToken json.RawMessage `json:"baseToken"`
	Features  []string        `json:"features"`
}

type OutputMetadata struct {
	BlockId              string `json:"blockId"`
	TransactionId        string `json:"transactionId"`
	OutputIndex          uint16 `json:"outputIndex"`
	IsSpent              bool   `json:"isSpent"`
	MilestoneIndexSpent  uint32 `json:"milestoneIndexSpent,omitempty"`
	TransactionIdSpent   string `json:"transactionIdSpent,omitempty"`
	MilestoneIndexBooked uint32 `json:"milestoneIndexBooked"`
	LedgerIndex          uint32 `json:"ledgerIndex"`
}

type OutputResponse struct {
	Metadata OutputMetadata  `json:"metadata"`
	Output   json.RawMessage `json:"output"`
}

type Block struct {
	ProtocolVersion uint8           `json:"protocolVersion"`
	Parents         []string        `json:"parents"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Nonce           string          `json:"nonce"`
}

type BlockMetadata struct {
	BlockId                    string   `json:"blockId"`
	Parents                    []string `json:"parents"`
	IsSolid                    bool     `json:"isSolid"`
	ReferencedByMilestoneIndex uint32   `json:"referencedByMilestoneIndex,omitempty"`
	LedgerInclusionState       string   `json:"ledgerInclusionState,omitempty"`
	ShouldPromote              bool     `json:"shouldPromote,omitempty"`
	ShouldReattach             bool     `json:"shouldReattach,omitempty"`
}

type PostBlockResponse struct {
	BlockId string `json:"blockId"`
}

type MilestonePayload struct {
	Type                uint8           `json:"type"`
	Index               uint32          `json:"index"`
	Timestamp           uint32          `json:"timestamp"`
	ProtocolVersion     uint8           `json:"protocolVersion"`
	PreviousMilestoneId string          `json:"previousMilestoneId"`
	Parents             []string        `json:"parents"`
	Signatures          json.RawMessage `json:"signatures,omitempty"`
}

type UtxoChangesResponse struct {
	Index           uint32   `json:"index"`
	CreatedOutputs  []string `json:"createdOutputs"`
	ConsumedOutputs []string `json:"consumedOutputs"`
}

func joinRoute(parts ...string) string {
	return strings.Join(parts, "/")
}

// ledgerRead reports whether reads of confirmed ledger state should be
// verified by quorum.
func ledgerRead(m *NodeManager) bool {
	return m.QuorumEnabled()
}

func (c *Client) GetInfo(ctx context.Context) (info *InfoResponse, err error) {
	out, err := Request[InfoResponse](ctx, c.manager.Load(), Get(RouteInfo), false)
	if err != nil {
		return
	}
	return &out, nil
}

func (c *Client) GetOutput(ctx context.Context, outputId string) (output *OutputResponse, err error) {
	m := c.manager.Load()
	out, err := Request[OutputResponse](ctx, m, outputSpec(outputId), ledgerRead(m))
	if err != nil {
		return
	}
	return &out, nil
}

func (c *Client) GetOutputMetadata(ctx context.Context, outputId string) (metadata *OutputMetadata, err error) {
	m := c.manager.Load()
	out, err := Request[OutputMetadata](ctx, m, Get(joinRoute(RouteOutputs, outputId, "metadata")), ledgerRead(m))
	if err != nil {
		return
	}
	return &out, nil
}

func outputSpec(outputId string) RequestSpec {
	return Get(joinRoute(RouteOutputs, outputId))
}

// GetOutputs fetches every output or fails with the first error.
func (c *Client) GetOutputs(ctx context.Context, outputIds []string) ([]OutputResponse, error) {
	m := c.manager.Load()
	return FetchAll[string, OutputResponse](ctx, m, outputIds, FailFast, outputSpec, ledgerRead(m))
}

// TryGetOutputs fetches what it can and silently drops outputs that failed,
// e.g. spent outputs a node already pruned.
func (c *Client) TryGetOutputs(ctx context.Context, outputIds []string) ([]OutputResponse, error) {
	m := c.manager.Load()
	return FetchAll[string, OutputResponse](ctx, m, outputIds, BestEffort, outputSpec, ledgerRead(m))
}

func (c *Client) GetBlock(ctx context.Context, blockId string) (block *Block, err error) {
	out, err := Request[Block](ctx, c.manager.Load(), Get(joinRoute(RouteBlocks, blockId)), false)
	if err != nil {
		return
	}
	return &out, nil
}

func (c *Client) GetBlockRaw(ctx context.Context, blockId string) ([]byte, error) {
	spec := Get(joinRoute(RouteBlocks, blockId))
	spec.AcceptBinary = true
	return c.manager.Load().RequestRaw(ctx, spec, false)
}

func (c *Client) GetBlockMetadata(ctx context.Context, blockId string) (metadata *BlockMetadata, err error) {
	out, err := Request[BlockMetadata](ctx, c.manager.Load(), Get(joinRoute(RouteBlocks, blockId, "metadata")), false)
	if err != nil {
		return
	}
	return &out, nil
}

func (c *Client) submitSpec(m *NodeManager, spec RequestSpec) RequestSpec {
	if !m.Config().LocalPow {
		spec.Purpose = PurposePow
	}
	return spec
}

// PostBlock submits a json block. Without local pow the pow node is tried
// first and the remote pow timeout applies.
func (c *Client) PostBlock(ctx context.Context, block *Block) (blockId string, err error) {
	body, err := json.Marshal(block)
	if err != nil {
		err = errors.WithStack(err)
		return
	}

	m := c.manager.Load()
	out, err := Request[PostBlockResponse](ctx, m, c.submitSpec(m, PostJSON(RouteBlocks, body)), false)
	if err != nil {
		return
	}

	return out.BlockId, nil
}

func (c *Client) PostBlockRaw(ctx context.Context, block []byte) (blockId string, err error) {
	spec := RequestSpec{
		Method:      http.MethodPost,
		Path:        RouteBlocks,
		Body:        block,
		ContentType: MimeSerializerV1,
	}

	m := c.manager.Load()
	out, err := Request[PostBlockResponse](ctx, m, c.submitSpec(m, spec), false)
	if err != nil {
		return
	}

	return out.BlockId, nil
}

func milestoneRoute(index uint32, suffix ...string) string {
	return joinRoute(append([]string{RouteMilestones, "by-index", fmt.Sprint(index)}, suffix...)...)
}

func (c *Client) GetMilestoneByIndex(ctx context.Context, index uint32) (milestone *MilestonePayload, err error) {
	m := c.manager.Load()
	out, err := Request[MilestonePayload](ctx, m, Get(milestoneRoute(index)), ledgerRead(m))
	if err != nil {
		return
	}
	return &out, nil
}

func (c *Client) GetMilestoneByIndexRaw(ctx context.Context, index uint32) ([]byte, error) {
	m := c.manager.Load()
	spec := Get(milestoneRoute(index))
	spec.AcceptBinary = true
	return m.RequestRaw(ctx, spec, ledgerRead(m))
}

func (c *Client) GetUtxoChangesByIndex(ctx context.Context, index uint32) (changes *UtxoChangesResponse, err error) {
	m := c.manager.Load()
	out, err := Request[UtxoChangesResponse](ctx, m, Get(milestoneRoute(index, "utxo-changes")), ledgerRead(m))
	if err != nil {
		return
	}
	return &out, nil
}

func (c *Client) GetIncludedBlock(ctx context.Context, transactionId string) (block *Block, err error) {
	m := c.manager.Load()
	out, err := Request[Block](ctx, m, Get(joinRoute(RouteTransactions, transactionId, "included-block")), ledgerRead(m))
	if err != nil {
		return
	}
	return &out, nil
}
