package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"owg/server/internal/config"
	"owg/server/internal/logging"
)

// cliFlags are the command line overrides layered over the environment configuration.
type cliFlags struct {
	replay           string
	snapshotInterval uint64
}

func parseFlags(fs *flag.FlagSet, args []string) (cliFlags, error) {
	var flags cliFlags
	fs.StringVar(&flags.replay, "replay", "", "NDJSON replay file or recording directory injected before each step")
	fs.Uint64Var(&flags.snapshotInterval, "snapshot-interval", 0, "broadcast a full snapshot every N ticks (0 keeps the configured value)")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

func (f cliFlags) apply(cfg *config.Config) {
	if f.replay != "" {
		cfg.Replay.Path = f.replay
	}
	if f.snapshotInterval > 0 {
		cfg.Simulation.SnapshotInterval = f.snapshotInterval
	}
}

func main() {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	flags.apply(cfg)

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", logging.Error(err))
	}
	httpLn, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		logger.Fatal("listen failed", logging.String("addr", cfg.Address), logging.Error(err))
	}
	var grpcLn net.Listener
	if cfg.GRPCAddress != "" {
		grpcLn, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			logger.Fatal("grpc listen failed", logging.String("addr", cfg.GRPCAddress), logging.Error(err))
		}
	}
	if err := srv.serve(ctx, httpLn, grpcLn); err != nil {
		logger.Fatal("server stopped", logging.Error(err))
	}
	logger.Info("server stopped")
}
