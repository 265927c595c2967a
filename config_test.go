package shimmer

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestBuildNodeManager_Invalid(t *testing.T) {
	disabled := mustNodes("http://a.test", "http://b.test")
	for i := range disabled {
		disabled[i].Disabled = true
	}

	testCases := []struct {
		name   string
		config NodeManagerConfig
	}{
		{name: "no nodes", config: NodeManagerConfig{}},
		{name: "all disabled", config: NodeManagerConfig{Nodes: disabled}},
		{
			name: "quorum larger than node set",
			config: NodeManagerConfig{
				Nodes:  mustNodes("http://a.test", "http://b.test"),
				Quorum: QuorumConfig{Enabled: true, Size: 3, MinAgreement: 2},
			},
		},
		{
			name: "quorum counts enabled nodes only",
			config: NodeManagerConfig{
				Nodes:  append(mustNodes("http://a.test", "http://b.test"), disabled...),
				Quorum: QuorumConfig{Enabled: true, Size: 3, MinAgreement: 2},
			},
		},
		{
			name: "agreement larger than quorum",
			config: NodeManagerConfig{
				Nodes:  mustNodes("http://a.test", "http://b.test", "http://c.test"),
				Quorum: QuorumConfig{Enabled: true, Size: 2, MinAgreement: 3},
			},
		},
		{
			name: "parallel bound below quorum size",
			config: NodeManagerConfig{
				Nodes:               mustNodes("http://a.test", "http://b.test", "http://c.test"),
				MaxParallelRequests: 2,
				Quorum:              QuorumConfig{Enabled: true, Size: 3, MinAgreement: 2},
			},
		},
		{
			name: "negative quorum size",
			config: NodeManagerConfig{
				Nodes:  mustNodes("http://a.test"),
				Quorum: QuorumConfig{Enabled: true, Size: -1, MinAgreement: 1},
			},
		},
		{
			name: "negative timeout",
			config: NodeManagerConfig{
				Nodes:      mustNodes("http://a.test"),
				ApiTimeout: -time.Second,
			},
		},
		{
			name: "empty node url",
			config: NodeManagerConfig{
				Nodes: []Node{{}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			manager, err := BuildNodeManager(tc.config)
			assert.Nil(t, manager)

			var configErr *ConfigError
			if !errors.As(err, &configErr) {
				t.Fatalf("expected a config error, got %v", err)
			}
			assert.True(t, errors.Is(err, ErrConfig))
		})
	}
}

func TestBuildNodeManager_Defaults(t *testing.T) {
	primary := mustNodes("http://primary.test")[0]
	pow := mustNodes("http://pow.test")[0]

	manager, err := BuildNodeManager(NodeManagerConfig{
		Nodes:          mustNodes("http://a.test", "http://a.test/", "http://B.test"),
		PrimaryNode:    &primary,
		PrimaryPowNode: &pow,
		Quorum:         QuorumConfig{Enabled: true},
	})
	if err != nil {
		t.Fatalf("failed to build manager: %+v", err)
	}

	config := manager.Config()
	assert.Equal(t, DefaultApiTimeout, config.ApiTimeout)
	assert.Equal(t, DefaultRemotePowTimeout, config.RemotePowTimeout)
	assert.Equal(t, DefaultMaxParallelRequests, manager.MaxParallelRequests())
	assert.Equal(t, QuorumConfig{Enabled: true, Size: 3, MinAgreement: 2}, config.Quorum)
	assert.NotNil(t, config.Comparator)

	var urls []string
	for _, n := range manager.EnabledNodes() {
		urls = append(urls, n.URL)
	}
	assert.Equal(t, []string{"http://a.test", "http://b.test", "http://primary.test", "http://pow.test"}, urls)
}

func TestParseNodeManagerConfig(t *testing.T) {
	config, err := ParseNodeManagerConfig([]byte(`{
		"nodes": [
			"https://api.testnet.shimmer.network",
			{"url": "http://localhost:14265", "auth": {"jwt": "token"}},
			{"url": "http://basic.test", "auth": {"basicAuthNamePwd": ["name", "pwd"]}},
			{"url": "http://off.test", "disabled": true}
		],
		"primaryNode": "http://primary.test",
		"quorum": {"enabled": true, "size": 2, "minAgreement": 2},
		"localPow": false,
		"apiTimeout": {"secs": 20, "nanos": 0},
		"remotePowTimeout": "1m",
		"maxParallelApiRequests": 8,
		"maxMilestoneLag": 5
	}`))
	if err != nil {
		t.Fatalf("failed to parse config: %+v", err)
	}

	assert.Len(t, config.Nodes, 4)
	assert.Equal(t, "https://api.testnet.shimmer.network", config.Nodes[0].URL)
	assert.Equal(t, "token", config.Nodes[1].Auth.JWT)
	assert.Equal(t, "name", config.Nodes[2].Auth.BasicAuthName)
	assert.Equal(t, "pwd", config.Nodes[2].Auth.BasicAuthPassword)
	assert.True(t, config.Nodes[3].Disabled)
	assert.Equal(t, "http://primary.test", config.PrimaryNode.URL)
	assert.Equal(t, QuorumConfig{Enabled: true, Size: 2, MinAgreement: 2}, config.Quorum)
	assert.False(t, config.LocalPow)
	assert.Equal(t, 20*time.Second, config.ApiTimeout)
	assert.Equal(t, time.Minute, config.RemotePowTimeout)
	assert.Equal(t, 8, config.MaxParallelRequests)
	assert.Equal(t, uint32(5), config.MaxMilestoneLag)

	if _, err = BuildNodeManager(config); err != nil {
		t.Fatalf("parsed config did not build: %+v", err)
	}
}

func TestParseNodeManagerConfig_Legacy(t *testing.T) {
	config, err := ParseNodeManagerConfig([]byte(`{
		"nodes": ["http://a.test", "http://b.test", "http://c.test"],
		"quorum": true,
		"minQuorumSize": 3,
		"quorumThreshold": 66
	}`))
	if err != nil {
		t.Fatalf("failed to parse config: %+v", err)
	}

	assert.True(t, config.LocalPow)
	assert.Equal(t, QuorumConfig{Enabled: true, Size: 3, MinAgreement: 2}, config.Quorum)
}

func TestParseNodeManagerConfig_Invalid(t *testing.T) {
	for _, data := range []string{
		`{"nodes": ["ftp://a.test"]}`,
		`{"nodes": ["http://a.test"], "quorumThreshold": 150}`,
		`{"nodes": ["http://a.test"], "quorumComparator": "fuzzy"}`,
		`{"nodes": ["http://a.test"], "quorumComparator": "fields"}`,
		`{"nodes": 12}`,
	} {
		_, err := ParseNodeManagerConfig([]byte(data))
		assert.True(t, errors.Is(err, ErrConfig), "%s: got %v", data, err)
	}
}

func TestDuration_Marshal(t *testing.T) {
	out, err := Duration(1500 * time.Millisecond).MarshalJSON()
	if err != nil {
		t.Fatalf("failed to marshal: %+v", err)
	}
	assert.JSONEq(t, `{"secs": 1, "nanos": 500000000}`, string(out))
}
