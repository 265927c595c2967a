package shimmer

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultApiTimeout          = 15 * time.Second
	DefaultRemotePowTimeout    = 100 * time.Second
	DefaultMaxParallelRequests = 100
	DefaultQuorumSize          = 3
	DefaultQuorumMinAgreement  = 2
	DefaultNodeSyncInterval    = 60 * time.Second
)

type QuorumConfig struct {
	Enabled      bool
	Size         int
	MinAgreement int
}

type NodeManagerConfig struct {
	Nodes          []Node
	PrimaryNode    *Node
	PrimaryPowNode *Node
	Quorum         QuorumConfig

	// LocalPow means blocks are submitted with proof of work already done,
	// so no node needs to be preferred for it.
	LocalPow bool

	ApiTimeout          time.Duration
	RemotePowTimeout    time.Duration
	MaxParallelRequests int
	IgnoreNodeHealth    bool

	// MaxMilestoneLag filters out nodes trailing the highest known milestone
	// index by more than this many milestones. Zero disables the check.
	MaxMilestoneLag uint32

	// Comparator groups quorum votes, CanonicalJSON when nil.
	Comparator Comparator
}

func (c *NodeManagerConfig) setDefaults() {
	if c.ApiTimeout == 0 {
		c.ApiTimeout = DefaultApiTimeout
	}

	if c.RemotePowTimeout == 0 {
		c.RemotePowTimeout = DefaultRemotePowTimeout
	}

	if c.MaxParallelRequests == 0 {
		c.MaxParallelRequests = DefaultMaxParallelRequests
	}

	if c.Quorum.Enabled {
		if c.Quorum.Size == 0 {
			c.Quorum.Size = DefaultQuorumSize
		}
		if c.Quorum.MinAgreement == 0 {
			c.Quorum.MinAgreement = DefaultQuorumMinAgreement
			if c.Quorum.MinAgreement > c.Quorum.Size {
				c.Quorum.MinAgreement = c.Quorum.Size
			}
		}
	}

	if c.Comparator == nil {
		c.Comparator = CanonicalJSON()
	}
}

func (c *NodeManagerConfig) validate(enabled int) (err error) {
	if len(c.Nodes) == 0 {
		return configErrorf("node set is empty")
	}

	if enabled == 0 {
		return configErrorf("all %d nodes are disabled", len(c.Nodes))
	}

	if c.ApiTimeout < 0 {
		return configErrorf("api timeout must be positive, got %s", c.ApiTimeout)
	}

	if c.RemotePowTimeout < 0 {
		return configErrorf("remote pow timeout must be positive, got %s", c.RemotePowTimeout)
	}

	if c.MaxParallelRequests < 0 {
		return configErrorf("max parallel requests must be positive, got %d", c.MaxParallelRequests)
	}

	if c.Quorum.Enabled {
		if c.Quorum.Size < 1 {
			return configErrorf("quorum size must be at least 1, got %d", c.Quorum.Size)
		}
		if c.Quorum.Size > enabled {
			return configErrorf("quorum size %d exceeds the %d enabled nodes", c.Quorum.Size, enabled)
		}
		if c.Quorum.MinAgreement < 1 {
			return configErrorf("quorum min agreement must be at least 1, got %d", c.Quorum.MinAgreement)
		}
		if c.Quorum.MinAgreement > c.Quorum.Size {
			return configErrorf("quorum min agreement %d exceeds quorum size %d", c.Quorum.MinAgreement, c.Quorum.Size)
		}
		// one quorum call fans out to every quorum node at once
		if c.MaxParallelRequests < c.Quorum.Size {
			return configErrorf("max parallel requests %d is below quorum size %d", c.MaxParallelRequests, c.Quorum.Size)
		}
	}

	return
}

// Duration accepts both {"secs":20,"nanos":0} and "20s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) (err error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err = json.Unmarshal(data, &s); err != nil {
			return errors.WithStack(err)
		}
		parsed, err2 := time.ParseDuration(s)
		if err2 != nil {
			return errors.Wrapf(err2, "invalid duration '%s'", s)
		}
		*d = Duration(parsed)
		return
	}

	var parts struct {
		Secs  uint64 `json:"secs"`
		Nanos uint32 `json:"nanos"`
	}
	if err = json.Unmarshal(data, &parts); err != nil {
		return errors.Wrap(err, "duration must be a string or {secs, nanos}")
	}
	*d = Duration(time.Duration(parts.Secs)*time.Second + time.Duration(parts.Nanos))
	return
}

func (d Duration) MarshalJSON() ([]byte, error) {
	td := time.Duration(d)
	return json.Marshal(map[string]uint64{
		"secs":  uint64(td / time.Second),
		"nanos": uint64(td % time.Second),
	})
}

type NodeAuthDto struct {
	JWT              string    `json:"jwt,omitempty"`
	BasicAuthNamePwd *[2]string `json:"basicAuthNamePwd,omitempty"`
}

type NodeDto struct {
	URL      string       `json:"url"`
	Auth     *NodeAuthDto `json:"auth,omitempty"`
	Disabled bool         `json:"disabled,omitempty"`
}

// UnmarshalJSON also accepts a bare url string.
func (n *NodeDto) UnmarshalJSON(data []byte) (err error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return errors.WithStack(json.Unmarshal(data, &n.URL))
	}
	type plain NodeDto
	var p plain
	if err = json.Unmarshal(data, &p); err != nil {
		return errors.WithStack(err)
	}
	*n = NodeDto(p)
	return
}

func (n NodeDto) Node() (node Node, err error) {
	node, err = NewNode(n.URL)
	if err != nil {
		return
	}
	node.Disabled = n.Disabled
	if n.Auth != nil {
		auth := &NodeAuth{JWT: strings.TrimSpace(n.Auth.JWT)}
		if n.Auth.BasicAuthNamePwd != nil {
			auth.BasicAuthName = n.Auth.BasicAuthNamePwd[0]
			auth.BasicAuthPassword = n.Auth.BasicAuthNamePwd[1]
		}
		node.Auth = auth
	}
	return
}

type QuorumDto struct {
	Enabled      bool `json:"enabled"`
	Size         int  `json:"size"`
	MinAgreement int  `json:"minAgreement"`
}

type NodeManagerConfigDto struct {
	Nodes            []NodeDto       `json:"nodes"`
	PrimaryNode      *NodeDto        `json:"primaryNode,omitempty"`
	PrimaryPowNode   *NodeDto        `json:"primaryPowNode,omitempty"`
	Quorum           json.RawMessage `json:"quorum,omitempty"`
	MinQuorumSize    *int            `json:"minQuorumSize,omitempty"`
	QuorumThreshold  *int            `json:"quorumThreshold,omitempty"`
	LocalPow         *bool           `json:"localPow,omitempty"`
	ApiTimeout       *Duration       `json:"apiTimeout,omitempty"`
	RemotePowTimeout *Duration       `json:"remotePowTimeout,omitempty"`
	MaxParallel      int             `json:"maxParallelApiRequests,omitempty"`
	IgnoreNodeHealth bool            `json:"ignoreNodeHealth,omitempty"`
	NodeSyncEnabled  *bool           `json:"nodeSyncEnabled,omitempty"`
	MaxMilestoneLag  uint32          `json:"maxMilestoneLag,omitempty"`
	Comparator       string          `json:"quorumComparator,omitempty"`
	ComparatorFields []string        `json:"quorumComparatorFields,omitempty"`
}

func ParseNodeManagerConfig(data []byte) (config NodeManagerConfig, err error) {
	dto := NodeManagerConfigDto{}
	if err = json.Unmarshal(data, &dto); err != nil {
		err = &ConfigError{Reason: errors.Wrap(err, "unable to unmarshal node manager config").Error()}
		return
	}
	return dto.Config()
}

// Config converts the dto, accepting the legacy flat quorum fields
// (quorum: bool, minQuorumSize, quorumThreshold as a percentage).
func (d NodeManagerConfigDto) Config() (config NodeManagerConfig, err error) {
	config.LocalPow = true
	if d.LocalPow != nil {
		config.LocalPow = *d.LocalPow
	}

	for _, n := range d.Nodes {
		node, err2 := n.Node()
		if err2 != nil {
			err = err2
			return
		}
		config.Nodes = append(config.Nodes, node)
	}

	if d.PrimaryNode != nil {
		node, err2 := d.PrimaryNode.Node()
		if err2 != nil {
			err = err2
			return
		}
		config.PrimaryNode = &node
	}

	if d.PrimaryPowNode != nil {
		node, err2 := d.PrimaryPowNode.Node()
		if err2 != nil {
			err = err2
			return
		}
		config.PrimaryPowNode = &node
	}

	if config.Quorum, err = d.quorum(); err != nil {
		return
	}

	if d.ApiTimeout != nil {
		config.ApiTimeout = time.Duration(*d.ApiTimeout)
	}
	if d.RemotePowTimeout != nil {
		config.RemotePowTimeout = time.Duration(*d.RemotePowTimeout)
	}

	config.MaxParallelRequests = d.MaxParallel
	config.IgnoreNodeHealth = d.IgnoreNodeHealth
	if d.NodeSyncEnabled != nil && !*d.NodeSyncEnabled {
		config.IgnoreNodeHealth = true
	}
	config.MaxMilestoneLag = d.MaxMilestoneLag

	switch strings.ToLower(d.Comparator) {
	case "", "json":
		if len(d.ComparatorFields) > 0 {
			config.Comparator = JSONFields(d.ComparatorFields...)
		}
	case "exact":
		config.Comparator = ExactBytes()
	case "fields":
		if len(d.ComparatorFields) == 0 {
			err = configErrorf("quorum comparator 'fields' needs quorumComparatorFields")
			return
		}
		config.Comparator = JSONFields(d.ComparatorFields...)
	default:
		err = configErrorf("unknown quorum comparator '%s'", d.Comparator)
		return
	}

	return
}

func (d NodeManagerConfigDto) quorum() (quorum QuorumConfig, err error) {
	raw := bytes.TrimSpace(d.Quorum)

	if len(raw) > 0 && raw[0] == '{' {
		dto := QuorumDto{}
		if err = json.Unmarshal(raw, &dto); err != nil {
			err = configErrorf("invalid quorum: %v", err)
			return
		}
		quorum = QuorumConfig(dto)
		return
	}

	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err = json.Unmarshal(raw, &quorum.Enabled); err != nil {
			err = configErrorf("quorum must be an object or a bool: %v", err)
			return
		}
	}

	if d.MinQuorumSize != nil {
		quorum.Size = *d.MinQuorumSize
	}

	if d.QuorumThreshold != nil {
		threshold := *d.QuorumThreshold
		if threshold < 1 || threshold > 100 {
			err = configErrorf("quorum threshold must be a percentage in [1, 100], got %d", threshold)
			return
		}
		size := quorum.Size
		if size == 0 {
			size = DefaultQuorumSize
		}
		quorum.MinAgreement = int(math.Ceil(float64(size*threshold) / 100))
	}

	return
}
