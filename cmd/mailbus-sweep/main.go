// Command mailbus-sweep removes the key bindings left behind by crashed
// nodes. It needs Redis only and may run next to other sweepers.
//
//	mailbus-sweep -config /etc/mailbus.yaml -interval 5m
//	mailbus-sweep -redis localhost:6379 -bus mailboxEvent -once
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rbaliyan/mailbus/config"
	"github.com/rbaliyan/mailbus/registry"
)

var (
	configFile = flag.String("config", "", "YAML configuration file")
	busName    = flag.String("bus", "", "bus name, overrides the configuration")
	redisAddrs = flag.String("redis", "", "comma separated Redis addresses, overrides the configuration")
	interval   = flag.Duration("interval", 0, "sweep interval, overrides sweep.interval")
	once       = flag.Bool("once", false, "sweep once and exit")
	batchSize  = flag.Int("batch", 0, "bindings checked per PUBSUB NUMSUB call")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mailbus-sweep: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	strategy, err := cfg.Naming()
	if err != nil {
		return err
	}
	client := cfg.NewRedisClient()
	defer func() { _ = client.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	sweeper := registry.NewSweeper(client, strategy, cfg.SweeperOptions(logger)...)
	if *once || cfg.Sweep.Interval == 0 {
		result, err := sweeper.CleanUp(ctx)
		if err != nil {
			return err
		}
		logger.Info("sweep done",
			"bus", strategy.BusName(),
			"total", result.TotalBindings,
			"dangling", result.DanglingBindings,
			"cleaned", result.CleanedBindings,
			"duration", result.Duration.Round(time.Millisecond))
		return nil
	}

	logger.Info("sweeping bindings", "bus", strategy.BusName(), "interval", cfg.Sweep.Interval)
	return sweeper.Run(ctx, cfg.Sweep.Interval)
}

// loadConfig reads the configuration file and the environment, then applies
// the flags, which take precedence.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}
	if *busName != "" {
		cfg.Bus.Name = *busName
	}
	if *redisAddrs != "" {
		cfg.Redis.Addrs = nil
		for _, addr := range strings.Split(*redisAddrs, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Redis.Addrs = append(cfg.Redis.Addrs, addr)
			}
		}
	}
	if *interval > 0 {
		cfg.Sweep.Interval = *interval
	}
	if *batchSize > 0 {
		cfg.Sweep.BatchSize = *batchSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
