// Package config 大廳伺服器配置
//
// 載入順序：Default() → 設定檔（.yaml/.yml 或 .toml，依副檔名）→ LOBBY_* 環境變數 → Validate()。
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "LOBBY_"

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Store     StoreConfig     `yaml:"store" toml:"store" envPrefix:"STORE_"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis" envPrefix:"REDIS_"`
	Postgres  PostgresConfig  `yaml:"postgres" toml:"postgres" envPrefix:"POSTGRES_"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats" envPrefix:"NATS_"`
	Lock      LockConfig      `yaml:"lock" toml:"lock" envPrefix:"LOCK_"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch" envPrefix:"DISPATCH_"`
	Adventure AdventureConfig `yaml:"adventure" toml:"adventure" envPrefix:"ADVENTURE_"`
	Log       LogConfig       `yaml:"log" toml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" toml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// NodeID snowflake 節點，多個大廳進程共用同一個 Redis 時必須不同
	NodeID int64 `yaml:"node_id" toml:"node_id" env:"NODE_ID"`
}

// StoreConfig Driver 為 "redis" 或 "memory"
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	// StartupTimeout 啟動時等待後端可用的上限，0 表示無限等待
	StartupTimeout time.Duration `yaml:"startup_timeout" toml:"startup_timeout" env:"STARTUP_TIMEOUT"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr" toml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" toml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" toml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" toml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" toml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries" env:"MAX_RETRIES"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// PostgresConfig 對局紀錄；DSN 為空時改用記憶體儲存
type PostgresConfig struct {
	DSN      string `yaml:"dsn" toml:"dsn" env:"DSN"`
	MaxConns int32  `yaml:"max_conns" toml:"max_conns" env:"MAX_CONNS"`
	MinConns int32  `yaml:"min_conns" toml:"min_conns" env:"MIN_CONNS"`
}

// NATSConfig URL 為空時不發布事件
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

type LockConfig struct {
	TTL             time.Duration `yaml:"ttl" toml:"ttl" env:"TTL"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" toml:"acquire_timeout" env:"ACQUIRE_TIMEOUT"`
	InitialInterval time.Duration `yaml:"initial_interval" toml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" toml:"max_interval" env:"MAX_INTERVAL"`
}

type DispatchConfig struct {
	Workers   int `yaml:"workers" toml:"workers" env:"WORKERS"`
	QueueSize int `yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE"`
}

type AdventureConfig struct {
	MaxFloors    int           `yaml:"max_floors" toml:"max_floors" env:"MAX_FLOORS"`
	FloorSize    int           `yaml:"floor_size" toml:"floor_size" env:"FLOOR_SIZE"`
	ReadyRecheck time.Duration `yaml:"ready_recheck" toml:"ready_recheck" env:"READY_RECHECK"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// Default 預設配置，適合本機開發
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			NodeID:          1,
		},
		Store: StoreConfig{
			Driver:         "redis",
			StartupTimeout: 0,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     50,
			MinIdleConns: 10,
			MaxRetries:   3,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 2,
		},
		NATS: NATSConfig{
			SubjectPrefix: "lobby.autohost",
		},
		Lock: LockConfig{
			TTL:             10 * time.Second,
			AcquireTimeout:  3 * time.Second,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Adventure: AdventureConfig{
			MaxFloors:    10,
			FloorSize:    8,
			ReadyRecheck: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 載入配置；path 為空時只套用預設值與環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		default:
			err = fmt.Errorf("unsupported config format %q", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("server.node_id must be between 0 and 1023: %d", c.Server.NodeID))
	}
	switch c.Store.Driver {
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be redis or memory: %q", c.Store.Driver))
	}
	if c.Lock.TTL <= 0 || c.Lock.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("lock.ttl and lock.acquire_timeout must be positive"))
	}
	if c.Lock.AcquireTimeout >= c.Lock.TTL {
		errs = append(errs, errors.New("lock.acquire_timeout must be shorter than lock.ttl"))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be positive: %d", c.Dispatch.Workers))
	}
	if c.Adventure.FloorSize < 2 {
		errs = append(errs, fmt.Errorf("adventure.floor_size must be at least 2: %d", c.Adventure.FloorSize))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
