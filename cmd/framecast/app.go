package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"framecast/configs"
	"framecast/internal/bus"
	hubnats "framecast/internal/bus/nats"
	"framecast/internal/bus/noop"
	hubredis "framecast/internal/bus/redis"
	"framecast/internal/hub"
	"framecast/internal/metrics"
	"framecast/internal/producer"
	"framecast/internal/server"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// run 组装各组件并运行，直到 ctx 取消或任一组件出错
func run(ctx context.Context, cfg configs.Config, loader *configs.Loader) error {
	level := setupLogging(cfg.Log, os.Stdout)
	if loader != nil {
		loader.Watch(level, nil)
	}
	metrics.Default()

	relay, err := newMessageBus(cfg.Relay)
	if err != nil {
		return fmt.Errorf("failed to create message bus: %w", err)
	}

	h := hub.NewHub(cfg.Server.Hub, relay)
	p, err := producer.New(cfg.Producer)
	if err != nil {
		_ = h.Close()
		return err
	}
	srv := server.New(&cfg, h)

	l, err := net.Listen("tcp", cfg.Server.ListenAddr())
	if err != nil {
		_ = h.Close()
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr(), err)
	}

	slog.Info("framecast starting",
		"version", cfg.Version,
		"address", l.Addr().String(),
		"producer", cfg.Producer.Kind,
		"source", cfg.Producer.Source,
		"model", cfg.Producer.Model,
		"relay", cfg.Relay.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.Run(gctx)
	})
	g.Go(func() error {
		return producer.Run(gctx, p, h.OnFrame)
	})
	g.Go(func() error {
		return srv.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("framecast stopped", "error", err)
	return err
}

// newMessageBus 未启用转发时返回 nil，Hub 按单节点运行
func newMessageBus(relay configs.Relay) (bus.MessageBus, error) {
	if !relay.Enabled {
		return nil, nil
	}
	switch relay.BusType {
	case bus.TypeNATS:
		return hubnats.New(relay.NATS)
	case bus.TypeRedis:
		return hubredis.New(relay.Redis)
	case bus.TypeNoop, "":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", relay.BusType)
	}
}

func setupLogging(cfg configs.Log, w io.Writer) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(configs.ParseLogLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return level
}
