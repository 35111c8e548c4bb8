package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// ChainConfig 扫链参数
type ChainConfig struct {
	RpcUrl        string        `mapstructure:"rpc_url"`
	ChainID       int64         `mapstructure:"chain_id"`
	StartHeight   uint64        `mapstructure:"start_height"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RpcTimeout    time.Duration `mapstructure:"rpc_timeout"`
	Confirmations uint64        `mapstructure:"confirmations"`
	// ReorgDepth 回溯上限: 超过这个深度找不到共同祖先即 ReorgTooDeep (停机)
	ReorgDepth int      `mapstructure:"reorg_depth"`
	Tokens     []string `mapstructure:"tokens"` // 识别的 ERC-20 合约地址
}

// DispatchConfig 通知分发参数
type DispatchConfig struct {
	Mode        string        `mapstructure:"mode"` // "kafka" / "redis" / "webhook"
	Topic       string        `mapstructure:"topic"`
	WebhookUrl  string        `mapstructure:"webhook_url"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	// EnqueueWait 队列满时生产者最多阻塞多久, 超时后淘汰最旧任务 (不能无限阻塞扫链)
	EnqueueWait time.Duration `mapstructure:"enqueue_wait"`
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	viper.AddConfigPath(".")      // optionally look for config in the working directory
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if desired
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			// Config file was found but another error was produced
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "monitor_user")
	viper.SetDefault("db.password", "monitor_password")
	viper.SetDefault("db.name", "monitor_db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("chain.rpc_url", "http://localhost:8545")
	viper.SetDefault("chain.chain_id", 1)
	viper.SetDefault("chain.start_height", 0)
	viper.SetDefault("chain.poll_interval", 3*time.Second)
	viper.SetDefault("chain.rpc_timeout", 10*time.Second)
	viper.SetDefault("chain.confirmations", 0)
	viper.SetDefault("chain.reorg_depth", 64)

	viper.SetDefault("dispatch.mode", "kafka")
	viper.SetDefault("dispatch.topic", "balance_events")
	viper.SetDefault("dispatch.workers", 4)
	viper.SetDefault("dispatch.queue_size", 1024)
	viper.SetDefault("dispatch.max_attempts", 5)
	viper.SetDefault("dispatch.backoff_base", 500*time.Millisecond)
	viper.SetDefault("dispatch.backoff_max", 30*time.Second)
	viper.SetDefault("dispatch.enqueue_wait", 2*time.Second)
}
