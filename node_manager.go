package shimmer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NodeManager selects nodes and dispatches requests to them. It is immutable
// and safe for concurrent use, reconfiguring or refreshing health builds a
// new manager.
type NodeManager struct {
	cfg       NodeManagerConfig
	enabled   []Node
	disabled  []Node
	health    HealthSnapshot
	transport Transport
	metrics   *Metrics
	log       zerolog.Logger
}

type ManagerOption func(m *NodeManager)

func WithTransport(transport Transport) ManagerOption {
	return func(m *NodeManager) {
		m.transport = transport
	}
}

func WithHealth(snapshot HealthSnapshot) ManagerOption {
	return func(m *NodeManager) {
		m.health = snapshot
	}
}

func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *NodeManager) {
		m.metrics = metrics
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *NodeManager) {
		m.log = logger
	}
}

func BuildNodeManager(config NodeManagerConfig, opts ...ManagerOption) (manager *NodeManager, err error) {
	config.setDefaults()

	nodes := make([]Node, 0, len(config.Nodes)+2)
	seen := make(map[string]bool, len(config.Nodes)+2)
	addNode := func(node Node) {
		if !seen[node.URL] {
			seen[node.URL] = true
			nodes = append(nodes, node)
		}
	}

	for _, node := range config.Nodes {
		if node.URL == "" {
			err = configErrorf("node with empty url")
			return
		}
		addNode(node)
	}
	if config.PrimaryNode != nil {
		addNode(*config.PrimaryNode)
	}
	if config.PrimaryPowNode != nil {
		addNode(*config.PrimaryPowNode)
	}
	config.Nodes = nodes

	manager = &NodeManager{
		cfg: config,
		log: log.With().Logger(),
	}

	for _, node := range config.Nodes {
		if node.Disabled {
			manager.disabled = append(manager.disabled, node)
		} else {
			manager.enabled = append(manager.enabled, node)
		}
	}

	if err = config.validate(len(manager.enabled)); err != nil {
		manager = nil
		return
	}

	for _, opt := range opts {
		opt(manager)
	}

	if manager.transport == nil {
		manager.transport = NewHttpTransport(nil)
	}

	manager.warnExpiredTokens()

	manager.log.Debug().
		Int("enabled", len(manager.enabled)).
		Int("disabled", len(manager.disabled)).
		Bool("quorum", config.Quorum.Enabled).
		Msg("node manager built")

	return
}

func (m *NodeManager) warnExpiredTokens() {
	for _, node := range m.cfg.Nodes {
		if node.Auth == nil || node.Auth.JWT == "" {
			continue
		}
		expiry, ok, err := jwtExpiry(node.Auth.JWT)
		if err != nil {
			m.log.Warn().Err(err).Str("node", node.URL).Msg("node jwt is not a readable token")
			continue
		}
		if ok && expiry.Before(time.Now()) {
			m.log.Warn().Str("node", node.URL).Time("expired", expiry).Msg("node jwt has expired")
		}
	}
}

// WithHealth returns a manager sharing this manager's configuration that
// filters reads with the given snapshot.
func (m *NodeManager) WithHealth(snapshot HealthSnapshot) *NodeManager {
	next := *m
	next.health = snapshot
	return &next
}

func (m *NodeManager) Config() NodeManagerConfig {
	config := m.cfg
	config.Nodes = append([]Node(nil), m.cfg.Nodes...)
	return config
}

func (m *NodeManager) EnabledNodes() []Node {
	return append([]Node(nil), m.enabled...)
}

func (m *NodeManager) DisabledNodes() []Node {
	return append([]Node(nil), m.disabled...)
}

func (m *NodeManager) Health() HealthSnapshot {
	return m.health
}

func (m *NodeManager) Transport() Transport {
	return m.transport
}

func (m *NodeManager) MaxParallelRequests() int {
	return m.cfg.MaxParallelRequests
}

func (m *NodeManager) QuorumEnabled() bool {
	return m.cfg.Quorum.Enabled
}

// Select returns the candidate nodes for purpose in the order they should be
// tried. Pow calls put the pow node first, then the primary node. Reads put
// the primary node first and drop nodes the health snapshot rules out.
func (m *NodeManager) Select(purpose Purpose) (nodes []Node) {
	seen := make(map[string]bool, len(m.enabled))
	add := func(node Node) {
		if node.Disabled || seen[node.URL] {
			return
		}
		seen[node.URL] = true
		nodes = append(nodes, node)
	}

	if purpose == PurposePow && m.cfg.PrimaryPowNode != nil {
		add(*m.cfg.PrimaryPowNode)
	}
	if m.cfg.PrimaryNode != nil {
		add(*m.cfg.PrimaryNode)
	}

	filter := purpose == PurposeRead && !m.cfg.IgnoreNodeHealth
	highest := m.health.HighestIndex()

	for _, node := range m.enabled {
		if filter && !m.health.usable(node, m.cfg.MaxMilestoneLag, highest) {
			continue
		}
		add(node)
	}

	return
}

// RequestRaw returns the raw body of the first successful node, or of the
// agreeing majority when quorum is set.
func (m *NodeManager) RequestRaw(ctx context.Context, spec RequestSpec, quorum bool) (body []byte, err error) {
	return dispatch(ctx, m, spec, quorum, func(b []byte) ([]byte, error) {
		return b, nil
	})
}

// Request decodes the response json into T. A node whose body does not decode
// loses its vote, in sequential mode the next node is tried.
func Request[T any](ctx context.Context, m *NodeManager, spec RequestSpec, quorum bool) (out T, err error) {
	return dispatch(ctx, m, spec, quorum, func(b []byte) (value T, err error) {
		err = json.Unmarshal(b, &value)
		return
	})
}

func dispatch[T any](ctx context.Context, m *NodeManager, spec RequestSpec, quorum bool, decode func([]byte) (T, error)) (out T, err error) {
	if quorum {
		if !m.cfg.Quorum.Enabled {
			err = configErrorf("quorum request on a manager without quorum config")
			return
		}
		return quorumDispatch(ctx, m, spec, decode)
	}
	return sequentialDispatch(ctx, m, spec, decode)
}

func sequentialDispatch[T any](ctx context.Context, m *NodeManager, spec RequestSpec, decode func([]byte) (T, error)) (out T, err error) {
	candidates := m.Select(spec.Purpose)
	if len(candidates) == 0 {
		err = errors.Wrapf(ErrNoAvailableNodes, "%s request to %s", spec.Purpose, spec.Path)
		return
	}

	failures := make([]NodeFailure, 0, len(candidates))
	for _, node := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrapf(ctxErr, "request to %s aborted after %d nodes", spec.Path, len(failures))
			return
		}

		o := callAndDecode(ctx, m, node, spec, decode)
		if o.err == nil {
			return o.value, nil
		}

		m.log.Debug().Err(o.err).Str("node", node.URL).Str("path", spec.Path).Msg("node failed, trying next")
		failures = append(failures, NodeFailure{URL: node.URL, Err: o.err})
	}

	err = &NodesExhaustedError{Path: spec.Path, Failures: failures}
	return
}

func callAndDecode[T any](ctx context.Context, m *NodeManager, node Node, spec RequestSpec, decode func([]byte) (T, error)) (o outcome[T]) {
	o.node = node

	start := time.Now()
	o.body, o.err = m.call(ctx, node, spec)
	if o.err != nil {
		m.metrics.nodeRequest(node.URL, "transport_error", time.Since(start))
		return
	}

	o.value, o.err = decode(o.body)
	if o.err != nil {
		o.err = &MalformedResponseError{URL: node.URL, Err: errors.WithStack(o.err)}
		m.metrics.nodeRequest(node.URL, "malformed", time.Since(start))
		return
	}

	m.metrics.nodeRequest(node.URL, "ok", time.Since(start))
	return
}

func (m *NodeManager) call(ctx context.Context, node Node, spec RequestSpec) (body []byte, err error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ApiTimeout
		if spec.Purpose == PurposePow && !m.cfg.LocalPow {
			timeout = m.cfg.RemotePowTimeout
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rsp, err := m.transport.Do(reqCtx, node, spec)
	if err != nil {
		return
	}

	return rsp.Body, nil
}
