package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	shimmer "github.com/alexdcox/shimmer-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newProxyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve node api reads through the node manager over http",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "localhost:14265", "host:port for the gateway listener")
	flags.Duration("sync-interval", shimmer.DefaultNodeSyncInterval, "interval between node health syncs")
	flags.Duration("startup-wait", time.Minute, "how long to wait for a healthy node before serving, 0 serves immediately")
	for _, name := range []string{"listen", "sync-interval", "startup-wait"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	return cmd
}

func runProxy(parent context.Context, v *viper.Viper) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := newClient(v, registry)
	if err != nil {
		return
	}

	manager := client.NodeManager()
	log.Info().Msgf("proxying %d nodes, quorum %t", len(manager.EnabledNodes()), manager.QuorumEnabled())

	if wait := v.GetDuration("startup-wait"); wait > 0 && !manager.Config().IgnoreNodeHealth {
		if err = waitForHealthyNode(ctx, client, wait); err != nil {
			return
		}
	}

	defer client.Close()

	healthyNodes := -1
	defer client.OnNodeSync(func(snapshot shimmer.HealthSnapshot) {
		if healthy := len(snapshot.Healthy()); healthy != healthyNodes {
			log.Info().Msgf("%d of %d nodes healthy", healthy, snapshot.Len())
			healthyNodes = healthy
		}
	})()

	syncDone := client.StartNodeSync(ctx, durationOr(v, "sync-interval", shimmer.DefaultNodeSyncInterval))

	gateway := NewGateway(client, registry)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gateway.Start(v.GetString("listen"))
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err = <-serveErr:
		cancel()
		<-syncDone
		return
	case <-signals:
		log.Info().Msg("caught interrupt/terminate signal, attempting graceful shutdown...")
	case <-ctx.Done():
	}

	// drain in-flight requests before node sync stops
	err = gateway.Stop()

	cancel()
	<-syncDone

	if err != nil {
		return
	}

	log.Info().Msg("graceful shutdown complete")
	return
}
