package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/rpcmux/internal/config"
	"github.com/adred-codev/rpcmux/internal/ingress"
	"github.com/adred-codev/rpcmux/internal/logging"
	"github.com/adred-codev/rpcmux/internal/rpcmux"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting rpcmux")
	cfg.LogConfig(logger)

	nodes := make([]*rpcmux.Node, 0, len(cfg.UpstreamNodes))
	for i, url := range cfg.UpstreamNodes {
		nodes = append(nodes, &rpcmux.Node{
			Index: i,
			WSURL: url,
			Rank:  len(cfg.UpstreamNodes) - i,
		})
	}

	registry := rpcmux.NewRegistry(nodes, cfg.HealthWindowSize, logger)
	broadcast := rpcmux.NewBroadcast(cfg.BroadcastBuffer, logger)
	subscriptions := rpcmux.NewSubscriptions(logger)
	ids := rpcmux.NewIDAllocator()
	selector := rpcmux.Selector{
		LatencyWeight:    cfg.LatencyWeight,
		ThroughputWeight: cfg.ThroughputWeight,
	}
	manager := rpcmux.NewManager(registry, selector, subscriptions, broadcast, cfg.ManagerIngressBuffer, logger)
	correlator := rpcmux.NewCorrelator(ids, broadcast, registry, cfg.CallTimeout, cfg.HealthAlpha)
	manager.SetCorrelator(correlator)
	dispatcher := rpcmux.NewDispatcher(broadcast, subscriptions, logger)

	workerCfg := rpcmux.WorkerConfig{
		DialTimeout:    cfg.DialTimeout,
		BackoffMin:     cfg.BackoffMin,
		BackoffMax:     cfg.BackoffMax,
		HealthAlpha:    cfg.HealthAlpha,
		OutboundBuffer: cfg.WorkerOutboundBuffer,
		RateLimit:      cfg.NodeRateLimit,
		RateBurst:      cfg.NodeRateBurst,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*rpcmux.Worker, 0, len(nodes))
	for _, n := range nodes {
		w := rpcmux.NewWorker(n, registry, broadcast, workerCfg, logger)
		manager.AddWorker(n.Index, w)
		workers = append(workers, w)
		go w.Run(ctx)
	}

	go manager.Run(ctx)
	go correlator.Run(ctx)
	go dispatcher.Run(ctx)

	ingressServer := ingress.NewServer(ingress.Config{
		Addr:            cfg.Addr,
		MetricsAddr:     cfg.MetricsAddr,
		CallTimeout:     cfg.CallTimeout,
		UserSendBuffer:  cfg.UserSendBuffer,
		MetricsInterval: cfg.MetricsInterval,
		ConnIPRate:      cfg.ConnIPRate,
		ConnIPBurst:     cfg.ConnIPBurst,
		ConnGlobalRate:  cfg.ConnGlobalRate,
		ConnGlobalBurst: cfg.ConnGlobalBurst,
		ConnIPTTL:       cfg.ConnIPTTL,
	}, registry, manager, correlator, subscriptions, logger)

	ingressDone := make(chan error, 1)
	go func() {
		ingressDone <- ingressServer.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
		cancel()
		for _, w := range workers {
			w.Close()
		}
		<-ingressDone
	case err := <-ingressDone:
		if err != nil {
			logger.Error().Err(err).Msg("ingress server exited")
		}
		cancel()
		for _, w := range workers {
			w.Close()
		}
	}
	logger.Info().Msg("rpcmux shut down")
}
