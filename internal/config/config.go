package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 MARKETDASH_UPSTREAM_ACTIVE_ENV=remote
const EnvPrefix = "MARKETDASH"

type Config struct {
	Upstream   UpstreamRouter   `mapstructure:"upstream"`
	Poll       PollConfig       `mapstructure:"poll"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// UpstreamRouter 负责路由当前激活的撮合服务环境
type UpstreamRouter struct {
	ActiveEnv string    `mapstructure:"active_env"`
	Local     EnvConfig `mapstructure:"local"`
	Remote    EnvConfig `mapstructure:"remote"`
}

// EnvConfig 具体的上游环境参数
type EnvConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// PollConfig 各类数据独立的刷新周期
type PollConfig struct {
	BestPrices   time.Duration `mapstructure:"best_prices"`
	PriceHistory time.Duration `mapstructure:"price_history"`
	Depth        time.Duration `mapstructure:"depth"`
	Tape         time.Duration `mapstructure:"tape"`
	Health       time.Duration `mapstructure:"health"`
}

type AggregatorConfig struct {
	MaxHistory           int    `mapstructure:"max_history"`
	DepthLevels          int    `mapstructure:"depth_levels"` // 0 表示不截断
	MergeDuplicatePrices bool   `mapstructure:"merge_duplicate_prices"`
	Validation           string `mapstructure:"validation"` // trust | drop
	TapeSize             int    `mapstructure:"tape_size"`
	RecordGapOnError     bool   `mapstructure:"record_gap_on_error"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	BestBidTopic string   `mapstructure:"best_bid_topic"`
	BestAskTopic string   `mapstructure:"best_ask_topic"`
	TradeTopic   string   `mapstructure:"trade_topic"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.active_env", "local")
	v.SetDefault("upstream.local.base_url", "http://127.0.0.1:8000")
	v.SetDefault("upstream.local.request_timeout", 5*time.Second)
	v.SetDefault("upstream.local.probe_timeout", 3*time.Second)
	v.SetDefault("upstream.remote.base_url", "")
	v.SetDefault("upstream.remote.request_timeout", 5*time.Second)
	v.SetDefault("upstream.remote.probe_timeout", 3*time.Second)

	v.SetDefault("poll.best_prices", time.Second)
	v.SetDefault("poll.price_history", 5*time.Second)
	v.SetDefault("poll.depth", 2*time.Second)
	v.SetDefault("poll.tape", 1500*time.Millisecond)
	v.SetDefault("poll.health", 10*time.Second)

	v.SetDefault("aggregator.max_history", 100)
	v.SetDefault("aggregator.depth_levels", 10)
	v.SetDefault("aggregator.merge_duplicate_prices", false)
	v.SetDefault("aggregator.validation", "trust")
	v.SetDefault("aggregator.tape_size", 15)
	v.SetDefault("aggregator.record_gap_on_error", true)

	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "Dashboard:")
	v.SetDefault("redis.ttl", time.Minute)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.best_bid_topic", "best-bid-updates")
	v.SetDefault("kafka.best_ask_topic", "best-ask-updates")
	v.SetDefault("kafka.trade_topic", "order-updates")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// LoadConfig 读取配置文件；path 为空时只使用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// 环境变量优先级高于配置文件，避免明文密码提交到代码库
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 拦截会让轮询器空转或 panic 的配置
func (c *Config) Validate() error {
	env := c.Upstream.GetActiveEnv()
	if env.BaseURL == "" {
		return fmt.Errorf("config: upstream %q base_url is empty", c.Upstream.ActiveEnv)
	}
	intervals := map[string]time.Duration{
		"poll.best_prices":   c.Poll.BestPrices,
		"poll.price_history": c.Poll.PriceHistory,
		"poll.depth":         c.Poll.Depth,
		"poll.tape":          c.Poll.Tape,
		"poll.health":        c.Poll.Health,
	}
	for key, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", key, d)
		}
	}
	if c.Aggregator.MaxHistory <= 0 {
		return fmt.Errorf("config: aggregator.max_history must be positive, got %d", c.Aggregator.MaxHistory)
	}
	if c.Aggregator.DepthLevels < 0 {
		return fmt.Errorf("config: aggregator.depth_levels must not be negative, got %d", c.Aggregator.DepthLevels)
	}
	if c.Aggregator.TapeSize < 0 {
		return fmt.Errorf("config: aggregator.tape_size must not be negative, got %d", c.Aggregator.TapeSize)
	}
	switch c.Aggregator.Validation {
	case "trust", "drop":
	default:
		return fmt.Errorf("config: aggregator.validation must be trust or drop, got %q", c.Aggregator.Validation)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	return nil
}

// GetActiveEnv 根据 active_env 开关返回对应的上游配置
func (u *UpstreamRouter) GetActiveEnv() EnvConfig {
	if u.ActiveEnv == "remote" {
		return u.Remote
	}
	// 默认退化为本地模拟撮合服务
	return u.Local
}
