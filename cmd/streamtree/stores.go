package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bluesky-social/streamtree/store"

	"github.com/adrg/xdg"
	"github.com/urfave/cli/v2"
)

type blockStore interface {
	store.BlockStore
	Close() error
}

type nopCloser struct {
	store.BlockStore
}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (blockStore, error) {
	kind := cctx.String("store")
	path := cctx.String("store-path")
	if path == "" {
		path = filepath.Join(xdg.DataHome, "streamtree", kind)
	}
	logger = logger.With("store", kind)

	switch kind {
	case "memory":
		return nopCloser{store.NewMemStore(cctx.Int64("memory-limit"))}, nil
	case "ipfs":
		st := store.NewIpfsStore(cctx.String("ipfs-api"), logger)
		st.Pin = cctx.Bool("ipfs-pin")
		return nopCloser{st}, nil
	case "flatfs":
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return nil, err
		}
		logger.Info("opening flatfs store", "path", path)
		return store.NewFlatfsBlockstore(path)
	case "pebble":
		if err := os.MkdirAll(path, os.ModePerm); err != nil {
			return nil, err
		}
		logger.Info("opening pebble store", "path", path)
		return store.OpenPebbleStore(path, false)
	case "auto":
		// prefer a local kubo daemon, if one is running
		st := store.NewIpfsStore(cctx.String("ipfs-api"), logger)
		st.Pin = cctx.Bool("ipfs-pin")
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			logger.Warn("ipfs daemon not reachable, falling back to in-memory store", "err", err)
			return nopCloser{store.NewMemStore(cctx.Int64("memory-limit"))}, nil
		}
		logger.Info("using ipfs daemon", "host", st.Host)
		return nopCloser{st}, nil
	default:
		return nil, fmt.Errorf("unknown store type: %q", kind)
	}
}
