package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/flockwave-go/mavlink-core/internal/collab"
	"github.com/flockwave-go/mavlink-core/internal/comm"
	"github.com/flockwave-go/mavlink-core/internal/config"
	"github.com/flockwave-go/mavlink-core/internal/logging"
	"github.com/flockwave-go/mavlink-core/internal/matcher"
	"github.com/flockwave-go/mavlink-core/internal/metrics"
	"github.com/flockwave-go/mavlink-core/internal/middleware"
	"github.com/flockwave-go/mavlink-core/internal/network"
	"github.com/flockwave-go/mavlink-core/internal/rtk"
	"github.com/flockwave-go/mavlink-core/internal/signals"
	"github.com/flockwave-go/mavlink-core/internal/ssdp"
	"github.com/flockwave-go/mavlink-core/internal/transport"
	"github.com/flockwave-go/mavlink-core/internal/uav"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("mavlink-core: configuration error: %v", err)
	}

	logger := logging.New("[mavlink-core] ")
	logger.SetLevelFromString(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor := collab.NewRestartSupervisor(logger)

	bus := signals.NewBus()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Addr, logger)
	}

	rtkService := rtk.NewService(cfg.Sidekick.Host, cfg.Sidekick.Port, logger, metrics.Get())
	bus.Use(network.RTKFragmentsSignal, func(_ any, payload any) {
		if fragments, ok := payload.([]rtk.Fragment); ok {
			rtkService.EmitFragments("mavlink", fragments)
		}
	})
	supervisor.Spawn(ctx, "rtk-service", rtkService.Run)

	var advertiser *ssdp.Advertiser
	if cfg.Sidekick.SSDP {
		advertiser = ssdp.NewAdvertiser(logger)
		unregister := advertiser.UseService("sidekick-server", cfg.Sidekick.Port, func() string {
			return "tcp://" + rtkService.Address()
		})
		defer unregister()
		supervisor.Spawn(ctx, "ssdp-advertiser", advertiser.Run)
	}

	for _, netCfg := range cfg.Networks {
		net, err := buildNetwork(netCfg, logger, bus)
		if err != nil {
			log.Fatalf("mavlink-core: failed to build network %q: %v", netCfg.ID, err)
		}

		netCfg := netCfg
		supervisor.Spawn(ctx, "network:"+netCfg.ID, func(ctx context.Context) error {
			return net.Start(ctx, supervisor)
		})
	}

	waitForShutdown(logger)
	cancel()
	supervisor.Wait()
}

func buildNetwork(netCfg config.NetworkConfig, logger logging.Logger, bus *signals.Bus) (*network.Network, error) {
	manager := comm.New(netCfg.PacketLoss, logger)

	for _, uri := range netCfg.Connections {
		conn, err := transport.NewFromURI("", uri, uint8(netCfg.SystemID))
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", uri, err)
		}
		manager.Add("", conn)
	}

	matchers := matcher.NewTable()
	registry := collab.NewInMemoryUavRegistry()
	driver := collab.NewLoggingDriver(logger)
	directory := uav.New(driver, registry, netCfg.ID, netCfg.IDFormatter())

	net := network.New(netCfg.ID, uint8(netCfg.SystemID), manager, matchers, directory, logger)
	net.UseSignalBus(bus)

	return net, nil
}

func startMetricsServer(ctx context.Context, addr string, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: middleware.Recovery(logger)(mux)}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server on %s stopped: %v", addr, err)
		}
	}()
}

func waitForShutdown(logger logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down mavlink-core")
}
