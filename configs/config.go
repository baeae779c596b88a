package configs

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"framecast/internal/bus"
	"framecast/internal/bus/nats"
	"framecast/internal/bus/redis"
	"framecast/internal/hub"
	"framecast/internal/producer"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "FRAMECAST"

type Server struct {
	Addr string     `mapstructure:"addr"` // 监听的主机部分，空表示所有网卡
	Port int        `mapstructure:"port"`
	Hub  hub.Config `mapstructure:"hub"`
}

// ListenAddr host:port 形式的监听地址
func (s Server) ListenAddr() string {
	return net.JoinHostPort(s.Addr, strconv.Itoa(s.Port))
}

type Relay struct {
	Enabled bool         `mapstructure:"enabled"`
	BusType string       `mapstructure:"bus_type"` // 消息总线类型: "nats", "redis", "noop"
	NATS    nats.Config  `mapstructure:"nats"`
	Redis   redis.Config `mapstructure:"redis"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type Config struct {
	Server   Server          `mapstructure:"server"`
	Producer producer.Config `mapstructure:"producer"`
	Relay    Relay           `mapstructure:"relay"`
	Log      Log             `mapstructure:"log"`
	Version  string          `mapstructure:"version"`
}

// NewDefaultConfig creates a new Config with default values
func NewDefaultConfig() Config {
	config := Config{}

	// 服务器默认配置
	config.Server.Addr = "0.0.0.0"
	config.Server.Port = 8000
	config.Server.Hub = hub.DefaultConfig()

	config.Producer = producer.DefaultConfig()

	// 默认单节点运行
	config.Relay.Enabled = false
	config.Relay.BusType = bus.TypeNoop
	config.Relay.NATS = nats.DefaultConfig()
	config.Relay.Redis = redis.DefaultConfig()

	config.Log.Level = "info"
	config.Log.Format = "json"

	config.Version = "dev"

	return config
}

// Validate 检查配置是否可用
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	h := c.Server.Hub
	if h.ReadTimeout <= 0 || h.WriteTimeout <= 0 || h.PingInterval <= 0 {
		errs = append(errs, errors.New("server.hub timeouts must be positive"))
	}
	if h.PingInterval >= h.ReadTimeout {
		errs = append(errs, fmt.Errorf("server.hub.ping_interval (%s) must be shorter than read_timeout (%s)", h.PingInterval, h.ReadTimeout))
	}
	if h.MaxMessageSize < 0 {
		errs = append(errs, errors.New("server.hub.max_message_size must not be negative"))
	}
	if h.SendBufferCap < 1 {
		errs = append(errs, errors.New("server.hub.send_buffer_cap must be at least 1"))
	}
	if !hub.ValidOverflowPolicy(h.OverflowPolicy) {
		errs = append(errs, fmt.Errorf("server.hub.overflow_policy unknown: %q", h.OverflowPolicy))
	}

	switch strings.ToLower(c.Producer.Kind) {
	case producer.KindSynthetic, producer.KindDir:
	default:
		errs = append(errs, fmt.Errorf("producer.kind unknown: %q", c.Producer.Kind))
	}
	if c.Producer.MaxFPS < 0 {
		errs = append(errs, errors.New("producer.max_fps must not be negative"))
	}

	if c.Relay.Enabled {
		switch c.Relay.BusType {
		case bus.TypeNoop, bus.TypeNATS, bus.TypeRedis:
		default:
			errs = append(errs, fmt.Errorf("relay.bus_type unsupported: %q", c.Relay.BusType))
		}
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format unknown: %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Loader 读取配置文件、环境变量与命令行参数
type Loader struct {
	v    *viper.Viper
	file string

	mu  sync.Mutex
	cfg Config
}

func NewLoader(configFile string) *Loader {
	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	// 支持环境变量，PORT 兼容常见的部署平台
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	return &Loader{v: v, file: configFile}
}

// BindFlag 用命令行参数覆盖配置项，未设置的参数不生效
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %s not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load 解析配置。.env 文件在读取环境变量之前加载，不覆盖已有变量
func (l *Loader) Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	if l.file != "" {
		l.v.SetConfigFile(l.file)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", l.file, err)
		}
	}

	config := NewDefaultConfig()
	if err := l.v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	l.mu.Lock()
	l.cfg = config
	l.mu.Unlock()
	return config, nil
}

// Current 最近一次成功解析的配置
func (l *Loader) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Watch sets up hot reload for the configuration file.
// 只有 log.level 可以在运行时生效，其余变更需要重启。
func (l *Loader) Watch(level *slog.LevelVar, onChange func(Config)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("Config file changed", "file", e.Name, "op", e.Op.String())

		config := NewDefaultConfig()
		if err := l.v.Unmarshal(&config); err != nil {
			slog.Error("Failed to unmarshal updated config", "error", err)
			return
		}
		if err := config.Validate(); err != nil {
			slog.Error("Ignoring invalid config update", "error", err)
			return
		}

		l.mu.Lock()
		l.cfg = config
		l.mu.Unlock()

		if level != nil {
			level.Set(ParseLogLevel(config.Log.Level))
		}
		if onChange != nil {
			onChange(config)
		}
		slog.Info("Config reloaded successfully", "log_level", config.Log.Level)
	})
	l.v.WatchConfig()
}

// LoadConfig loads configuration from the specified file, env and .env
func LoadConfig(configFile string) (Config, error) {
	return NewLoader(configFile).Load()
}

// setDefaults 注册默认值，环境变量只对已知的键生效
func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.hub.read_timeout", c.Server.Hub.ReadTimeout)
	v.SetDefault("server.hub.write_timeout", c.Server.Hub.WriteTimeout)
	v.SetDefault("server.hub.ping_interval", c.Server.Hub.PingInterval)
	v.SetDefault("server.hub.read_buffer_size", c.Server.Hub.ReadBufferSize)
	v.SetDefault("server.hub.write_buffer_size", c.Server.Hub.WriteBufferSize)
	v.SetDefault("server.hub.max_message_size", c.Server.Hub.MaxMessageSize)
	v.SetDefault("server.hub.send_buffer_cap", c.Server.Hub.SendBufferCap)
	v.SetDefault("server.hub.overflow_policy", c.Server.Hub.OverflowPolicy)
	v.SetDefault("server.hub.relay_timeout", c.Server.Hub.RelayTimeout)

	v.SetDefault("producer.kind", c.Producer.Kind)
	v.SetDefault("producer.source", c.Producer.Source)
	v.SetDefault("producer.model", c.Producer.Model)
	v.SetDefault("producer.max_fps", c.Producer.MaxFPS)
	v.SetDefault("producer.extensions", c.Producer.Extensions)
	v.SetDefault("producer.width", c.Producer.Width)
	v.SetDefault("producer.height", c.Producer.Height)

	v.SetDefault("relay.enabled", c.Relay.Enabled)
	v.SetDefault("relay.bus_type", c.Relay.BusType)
	v.SetDefault("relay.nats.urls", c.Relay.NATS.URLs)
	v.SetDefault("relay.nats.name", c.Relay.NATS.Name)
	v.SetDefault("relay.redis.addrs", c.Relay.Redis.Addrs)
	v.SetDefault("relay.redis.password", c.Relay.Redis.Password)
	v.SetDefault("relay.redis.mode", c.Relay.Redis.Mode)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("version", c.Version)
}

// ParseLogLevel parses a string log level to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
