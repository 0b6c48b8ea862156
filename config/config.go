package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	ETCD        ETCDConfig        `mapstructure:"etcd"`
	GraphQL     GraphQLConfig     `mapstructure:"graphql"`
	Activity    ActivityConfig    `mapstructure:"activity"`
	Promotion   PromotionConfig   `mapstructure:"promotion"`
	Checker     CheckerConfig     `mapstructure:"checker"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Master       string `mapstructure:"master"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	// 数据存储Redis，同时承载活动锁
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// 为空时不做选主，本实例直接负责容量计算
	LeaderLock     string        `mapstructure:"leader_lock"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

// ActivityConfig 预约与发放两个时间窗口
type ActivityConfig struct {
	Reserving WindowConfig `mapstructure:"reserving"`
	Issuing   WindowConfig `mapstructure:"issuing"`
}

// WindowConfig 每日窗口，Start 为带时区偏移的时刻，如 22:55:00+08:00
type WindowConfig struct {
	Start    string        `mapstructure:"start"`
	Duration time.Duration `mapstructure:"duration"`
}

type PromotionConfig struct {
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	CapacityRatio float64       `mapstructure:"capacity_ratio"`
}

type CheckerConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type QueueConfig struct {
	// 0 表示同步交接：没有消费者等待时直接丢弃
	Buffer int `mapstructure:"buffer"`
}

type PersistenceConfig struct {
	// mysql 或 kafka
	Mode         string        `mapstructure:"mode"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var AppConfig Config

// SetDefaults 设置默认配置
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.data_address", "localhost:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 3*time.Second)
	v.SetDefault("kafka.topic", "promotion-events")
	v.SetDefault("kafka.group_id", "promotion-persist")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.acquire_timeout", 30*time.Second)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("activity.reserving.start", "22:55:00+08:00")
	v.SetDefault("activity.reserving.duration", 4*time.Minute)
	v.SetDefault("activity.issuing.start", "23:00:00+08:00")
	v.SetDefault("activity.issuing.duration", time.Minute)
	v.SetDefault("promotion.lock_ttl", 5*time.Second)
	v.SetDefault("promotion.capacity_ratio", 0.2)
	v.SetDefault("checker.timeout", 30*time.Second)
	v.SetDefault("checker.retry_count", 60)
	v.SetDefault("checker.retry_interval", 100*time.Millisecond)
	v.SetDefault("queue.buffer", 0)
	v.SetDefault("persistence.mode", "mysql")
	v.SetDefault("persistence.write_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, err := c.Activity.Reserving.Parse(); err != nil {
		return fmt.Errorf("预约窗口配置错误: %w", err)
	}
	if _, err := c.Activity.Issuing.Parse(); err != nil {
		return fmt.Errorf("发放窗口配置错误: %w", err)
	}
	if c.Promotion.LockTTL <= 0 {
		return fmt.Errorf("promotion.lock_ttl 必须大于0")
	}
	if c.Promotion.CapacityRatio < 0 {
		return fmt.Errorf("promotion.capacity_ratio 不能为负数")
	}
	if c.Queue.Buffer < 0 {
		return fmt.Errorf("queue.buffer 不能为负数")
	}
	switch c.Persistence.Mode {
	case "mysql", "kafka":
	default:
		return fmt.Errorf("未知的持久化模式: %s", c.Persistence.Mode)
	}
	return nil
}
