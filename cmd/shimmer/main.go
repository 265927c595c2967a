package main

import (
	"os"
	"strings"
	"time"

	shimmer "github.com/alexdcox/shimmer-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SHIMMER"

var log = shimmer.Log()

var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		log.Fatal().Msgf("%+v", err)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "shimmer",
		Short:         "Query shimmer nodes and manage wallet secrets.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
			if err = readConfig(v, cfgFile); err != nil {
				return
			}
			if level := v.GetString("log-level"); level != "" {
				if err = shimmer.SetLogLevel(level); err != nil {
					return
				}
			}
			return
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "cli settings file (default shimmer.yaml in . or $HOME)")
	flags.String("node-config", "", "node manager json config, the format the client library parses")
	flags.StringSlice("nodes", nil, "node urls, used when no node config is given")
	flags.Int("quorum-size", 0, "verify ledger reads with this many nodes")
	flags.Int("quorum-agreement", 0, "nodes that must agree for a quorum read")
	flags.Duration("timeout", shimmer.DefaultApiTimeout, "per node request timeout")
	flags.String("log-level", "", "trace|debug|info|warn|error")

	for _, name := range []string{"node-config", "nodes", "quorum-size", "quorum-agreement", "timeout", "log-level"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(
		newInfoCmd(v),
		newOutputsCmd(v),
		newBlockCmd(v),
		newMilestoneCmd(v),
		newAddressesCmd(v),
		newMnemonicCmd(),
		newStoreMnemonicCmd(v),
		newProxyCmd(v),
	)

	return cmd
}

func readConfig(v *viper.Viper, cfgFile string) (err error) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("shimmer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, homeErr := os.UserHomeDir(); homeErr == nil {
			v.AddConfigPath(home)
		}
	}

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read cli settings")
	}

	log.Debug().Msgf("using cli settings from %s", v.ConfigFileUsed())
	return
}

// nodeManagerConfig reads the node config file when one is set, otherwise it
// builds a config from the plain node url list.
func nodeManagerConfig(v *viper.Viper) (config shimmer.NodeManagerConfig, err error) {
	if path := v.GetString("node-config"); path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			err = errors.Wrapf(readErr, "failed to read node config %s", path)
			return
		}
		if config, err = shimmer.ParseNodeManagerConfig(data); err != nil {
			return
		}
	} else {
		urls := v.GetStringSlice("nodes")
		if len(urls) == 0 {
			err = errors.New("no nodes configured, set --nodes or --node-config")
			return
		}
		for _, u := range urls {
			node, nodeErr := shimmer.NewNode(strings.TrimSpace(u))
			if nodeErr != nil {
				err = nodeErr
				return
			}
			config.Nodes = append(config.Nodes, node)
		}
		config.LocalPow = true
		config.ApiTimeout = v.GetDuration("timeout")
	}

	if size := v.GetInt("quorum-size"); size > 0 {
		config.Quorum = shimmer.QuorumConfig{
			Enabled:      true,
			Size:         size,
			MinAgreement: v.GetInt("quorum-agreement"),
		}
	}

	return
}

func newClient(v *viper.Viper, registerer prometheus.Registerer) (client *shimmer.Client, err error) {
	config, err := nodeManagerConfig(v)
	if err != nil {
		return
	}

	return shimmer.NewClient(&shimmer.ClientOptions{
		NodeManager:      config,
		Registerer:       registerer,
		NodeSyncInterval: v.GetDuration("sync-interval"),
	})
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return fallback
}
