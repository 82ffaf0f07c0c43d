// Package config 加载 YAML 配置，支持 .env 与 ME_ 前缀的环境变量覆盖
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"matchengine/internal/alert"
	"matchengine/internal/asset"
	"matchengine/internal/engine"
	"matchengine/internal/history"
	"matchengine/internal/market"
	"matchengine/internal/message"
	"matchengine/pkg/logger"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "ME"

// Config 进程配置
type Config struct {
	Debug    bool            `mapstructure:"debug"`
	Log      logger.Config   `mapstructure:"log"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Kafka    message.Config  `mapstructure:"kafka"`
	Alert    alert.Config    `mapstructure:"alert"`
	Engine   engine.Config   `mapstructure:"engine"`
	History  history.Config  `mapstructure:"history"`
	Snapshot SnapshotConfig  `mapstructure:"snapshot"`
	Jobs     JobsConfig      `mapstructure:"jobs"`
	Assets   []asset.Asset   `mapstructure:"assets"`
	Markets  []market.Config `mapstructure:"markets"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// 优雅退出等待时长
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置，DSN 为空时使用静态资产与交易对且不写历史
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogEnabled   bool   `mapstructure:"log_enabled"`
}

// RedisConfig Redis 配置，Addr 为空时不写告警列表与盘口缓存
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// DepthTTL 盘口缓存过期时间
	DepthTTL time.Duration `mapstructure:"depth_ttl"`
}

// SnapshotConfig 切片配置
type SnapshotConfig struct {
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
	// Keep 切片保留时长
	Keep time.Duration `mapstructure:"keep"`
}

// JobsConfig 定时任务配置
type JobsConfig struct {
	ListingInterval time.Duration `mapstructure:"listing_interval"`
	ListingOffset   int64         `mapstructure:"listing_offset"`
	ClosingInterval time.Duration `mapstructure:"closing_interval"`
	ClosingOffset   int64         `mapstructure:"closing_offset"`
	DepthInterval   time.Duration `mapstructure:"depth_interval"`
	DepthLimit      int           `mapstructure:"depth_limit"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

// Load 读取配置文件，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := marketDefaults(v); err != nil {
		return nil, err
	}

	var conf Config
	if err := v.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	))); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &conf, nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHook 将字符串或数字解码为 decimal
func decimalHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch value := data.(type) {
	case string:
		if value == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(value)
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	case float64:
		return decimal.NewFromFloat(value), nil
	case decimal.Decimal:
		return value, nil
	}
	return nil, errors.Errorf("cannot decode %s as decimal", from)
}

// marketDefaults 未配置 include_fee 的交易对默认计入手续费
func marketDefaults(v *viper.Viper) error {
	raw, ok := v.Get("markets").([]interface{})
	if !ok {
		return nil
	}
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return errors.Errorf("markets[%d]: not a mapping", i)
		}
		if _, ok := m["include_fee"]; !ok {
			m["include_fee"] = true
		}
	}
	v.Set("markets", raw)
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Engine.PriceLimit < 0 || c.Engine.PriceLimit >= 1 {
		return errors.Errorf("engine.price_limit %v out of [0, 1)", c.Engine.PriceLimit)
	}
	if c.Snapshot.Dir == "" {
		return errors.New("snapshot.dir is required")
	}
	if c.Snapshot.Interval <= 0 || c.Jobs.ListingInterval <= 0 || c.Jobs.ClosingInterval <= 0 ||
		c.Jobs.DepthInterval <= 0 || c.Jobs.PurgeInterval <= 0 {
		return errors.New("job intervals must be positive")
	}
	seen := make(map[string]bool)
	for _, a := range c.Assets {
		if a.Symbol == "" {
			return errors.New("asset name is required")
		}
		if seen[a.Symbol] {
			return errors.Errorf("asset %s duplicated", a.Symbol)
		}
		seen[a.Symbol] = true
	}
	names := make(map[string]bool)
	for _, m := range c.Markets {
		if m.Name == "" || m.Stock == "" || m.Money == "" {
			return errors.New("market name, stock and money are required")
		}
		if names[m.Name] {
			return errors.Errorf("market %s duplicated", m.Name)
		}
		names[m.Name] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.log_enabled", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.depth_ttl", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.orders_topic", "orders")
	v.SetDefault("kafka.deals_topic", "deals")
	v.SetDefault("kafka.balances_topic", "balances")
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.max_attempts", 3)

	v.SetDefault("alert.host", "")
	v.SetDefault("alert.redis_key", alert.DefaultKey)
	v.SetDefault("alert.webhook", "")
	v.SetDefault("alert.queue_size", 100)
	v.SetDefault("alert.timeout", 5*time.Second)

	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("engine.price_limit", 0)
	v.SetDefault("engine.dedup_ttl", 24*time.Hour)

	v.SetDefault("history.queue_size", 10000)
	v.SetDefault("history.workers", 4)
	v.SetDefault("history.batch_size", 100)
	v.SetDefault("history.flush_interval", 100*time.Millisecond)

	v.SetDefault("snapshot.dir", "data/slice")
	v.SetDefault("snapshot.interval", time.Hour)
	v.SetDefault("snapshot.keep", 72*time.Hour)

	v.SetDefault("jobs.listing_interval", 120*time.Second)
	v.SetDefault("jobs.listing_offset", 1545645600)
	v.SetDefault("jobs.closing_interval", 24*time.Hour)
	v.SetDefault("jobs.closing_offset", 1546819200)
	v.SetDefault("jobs.depth_interval", time.Second)
	v.SetDefault("jobs.depth_limit", 20)
	v.SetDefault("jobs.purge_interval", time.Hour)
}
