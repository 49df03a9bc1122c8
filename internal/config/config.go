package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env        string           `yaml:"env" env:"GARDEN_ENV" env-default:"prod"`
	Mode       string           `yaml:"mode" env:"GARDEN_MODE" env-default:"cycle"`
	Controller ControllerConfig `yaml:"controller"`
	Planner    PlannerConfig    `yaml:"planner"`
	Store      StoreConfig      `yaml:"store"`
	Polling    PollingConfig    `yaml:"polling"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Health     HealthConfig     `yaml:"health"`
	Log        LogConfig        `yaml:"log"`
}

type ControllerConfig struct {
	Address     string        `yaml:"address" env:"GARDEN_CONTROLLER_ADDRESS" env-default:"192.168.0.13:7777"`
	DialTimeout time.Duration `yaml:"dial_timeout" env-default:"5s"`
	IOTimeout   time.Duration `yaml:"io_timeout" env-default:"30s"`
	ChunkSize   int           `yaml:"chunk_size" env-default:"56"`
	Retry       RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env-default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env-default:"5s"`
}

type StoreConfig struct {
	Path  string `yaml:"path" env:"GARDEN_STORE_PATH" env-default:"garden_data.db"`
	Table string `yaml:"table" env-default:"tbl_analog"`
	// tbl_analog is created on open unless SkipMigrate is set (pre-provisioned databases)
	SkipMigrate bool          `yaml:"skip_migrate"`
	Retention   time.Duration `yaml:"retention" env-default:"720h"`
}

type PollingConfig struct {
	Interval time.Duration `yaml:"interval" env-default:"5m"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" env-default:"3"`
	OpenFor     time.Duration `yaml:"open_for" env-default:"2m"`
}

type HealthConfig struct {
	Address string `yaml:"address" env-default:":8080"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"GARDEN_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env-default:"json"`
}

const (
	ModeQuery = "query"
	ModeTasks = "tasks"
	ModeCycle = "cycle"
)

func MustLoad(configPath string) *Config {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	if configPath == "" {
		configPath = "config/config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file not found: " + configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}

	return cfg
}

func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if len(cfg.Planner.Rows) == 0 {
		cfg.Planner.Rows = DefaultRows()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeQuery, ModeTasks, ModeCycle:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if _, _, err := net.SplitHostPort(c.Controller.Address); err != nil {
		return fmt.Errorf("controller address: %w", err)
	}
	if c.Controller.ChunkSize <= 0 {
		return errors.New("controller chunk_size must be positive")
	}
	if c.Controller.DialTimeout < 0 {
		return errors.New("controller dial_timeout must not be negative")
	}
	if c.Controller.IOTimeout < 0 {
		return errors.New("controller io_timeout must not be negative")
	}
	if c.Controller.Retry.MaxAttempts < 1 {
		return errors.New("controller retry max_attempts must be at least 1")
	}
	if c.Controller.Retry.InitialDelay < 0 || c.Controller.Retry.MaxDelay < 0 {
		return errors.New("controller retry delays must not be negative")
	}
	if c.Polling.Interval <= 0 {
		return errors.New("polling interval must be positive")
	}
	if c.Breaker.OpenFor < 0 {
		return errors.New("breaker open_for must not be negative")
	}
	if c.Store.Retention < 0 {
		return errors.New("store retention must not be negative")
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}

	return c.Planner.Validate()
}
