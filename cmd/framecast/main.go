package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"framecast/configs"

	"github.com/spf13/cobra"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

// flagKeys 命令行参数到配置键的映射
var flagKeys = map[string]string{
	"port":      "server.port",
	"source":    "producer.source",
	"model":     "producer.model",
	"producer":  "producer.kind",
	"max-fps":   "producer.max_fps",
	"log-level": "log.level",
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "framecast",
		Short:        "Fan out the latest rendered inference frame to websocket viewers",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := configs.NewLoader(configFile)
			for name, key := range flagKeys {
				if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}

			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if cfg.Version == "" || cfg.Version == "dev" {
				cfg.Version = version
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, loader)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "配置文件路径 (yaml/json/toml)")
	f.Int("port", 8000, "服务监听端口，也可通过 PORT 环境变量设置")
	f.String("source", "", "视频源标识；dir 生产者为帧目录")
	f.String("model", "", "推理模型标识")
	f.String("producer", "", "帧生产者类型: synthetic | dir")
	f.Float64("max-fps", 0, "最大出帧速率")
	f.String("log-level", "", "日志级别: debug | info | warn | error")

	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
