package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bluesky-social/streamtree/pkg/metrics"
	"github.com/bluesky-social/streamtree/tree"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "streamtree",
		Usage:   "build, inspect and move encrypted append-only trees",
		Version: versioninfo.Short(),
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"STREAMTREE_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "log-json",
			Usage:   "emit logs as JSON instead of text",
			EnvVars: []string{"STREAMTREE_LOG_JSON"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "block store: auto, memory, ipfs, flatfs or pebble",
			Value:   "auto",
			EnvVars: []string{"STREAMTREE_STORE"},
		},
		&cli.StringFlag{
			Name:    "store-path",
			Usage:   "directory for flatfs and pebble stores (defaults to the XDG data directory)",
			EnvVars: []string{"STREAMTREE_STORE_PATH"},
		},
		&cli.StringFlag{
			Name:    "ipfs-api",
			Usage:   "method, hostname, and port of kubo RPC API",
			Value:   "http://127.0.0.1:5001",
			EnvVars: []string{"STREAMTREE_IPFS_API", "IPFS_API"},
		},
		&cli.BoolFlag{
			Name:    "ipfs-pin",
			Usage:   "pin blocks as they are written to kubo",
			EnvVars: []string{"STREAMTREE_IPFS_PIN"},
		},
		&cli.Int64Flag{
			Name:    "memory-limit",
			Usage:   "maximum bytes held by the in-memory store",
			Value:   1_000_000_000,
			EnvVars: []string{"STREAMTREE_MEMORY_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "index-key",
			Usage:   "hex-encoded 32-byte key for tree indexes (all zeros if not set)",
			EnvVars: []string{"STREAMTREE_INDEX_KEY"},
		},
		&cli.StringFlag{
			Name:    "value-key",
			Usage:   "hex-encoded 32-byte key for leaf values (all zeros if not set)",
			EnvVars: []string{"STREAMTREE_VALUE_KEY"},
		},
		&cli.IntFlag{
			Name:    "cache-size",
			Usage:   "number of decoded branches to keep in memory",
			Value:   4096,
			EnvVars: []string{"STREAMTREE_CACHE_SIZE"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for prometheus metrics (disabled if empty)",
			EnvVars: []string{"STREAMTREE_METRICS_LISTEN"},
		},
	}
	app.Before = func(cctx *cli.Context) error {
		configLogger(cctx, os.Stderr)
		return nil
	}
	app.Commands = []*cli.Command{
		cmdDemo,
		cmdInspect,
		cmdExportCar,
		cmdImportCar,
	}
	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(writer, opts)
	if cctx.Bool("log-json") {
		handler = slog.NewJSONHandler(writer, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Everything a command needs to work with trees: the block store, shared
// branch cache and secrets. Built from the global flags.
type session struct {
	ctx     context.Context
	store   blockStore
	cache   *tree.BranchCache
	secrets tree.Secrets
	logger  *slog.Logger
	out     io.Writer
}

// Sets up the session for a command. The returned cleanup func closes the
// store, stops tracing and the metrics server.
func newSession(cctx *cli.Context) (*session, func(), error) {
	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	logger := slog.Default().With("system", "streamtree-cli")

	secrets, err := tree.ParseSecrets(cctx.String("index-key"), cctx.String("value-key"))
	if err != nil {
		stop()
		return nil, nil, err
	}
	if secrets == tree.DefaultSecrets() {
		logger.Warn("using all-zero default secrets; set --index-key and --value-key for private trees")
	}

	shutdownOTEL := configOTEL(ctx, "streamtree")

	if addr := cctx.String("metrics-listen"); addr != "" {
		go func() {
			if err := metrics.RunServer(ctx, addr, logger); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	st, err := openStore(ctx, cctx, logger)
	if err != nil {
		shutdownOTEL()
		stop()
		return nil, nil, err
	}

	s := &session{
		ctx:     ctx,
		store:   st,
		cache:   tree.NewBranchCache(cctx.Int("cache-size")),
		secrets: secrets,
		logger:  logger,
		out:     cctx.App.Writer,
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
		shutdownOTEL()
		stop()
	}
	return s, cleanup, nil
}

func treeConfig(cctx *cli.Context) tree.Config {
	if cctx.Bool("debug-config") {
		return tree.DebugConfig()
	}
	return tree.DefaultConfig()
}
