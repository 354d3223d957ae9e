// Package config loads process configuration from a YAML file with
// environment variable overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for all processes; each process reads the
// shared file and uses its own section.
type Config struct {
	// Colo names the deployment site; stamped onto reports.
	Colo string `yaml:"colo"`

	// LogLevel: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	RiskJudge RiskJudgeConfig `yaml:"risk_judge"`
	Trader    TraderConfig    `yaml:"trader"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Strategy  StrategyConfig  `yaml:"strategy"`
}

// RiskJudgeConfig configures the risk engine process.
type RiskJudgeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HealthAddr string `yaml:"health_addr"`
	DBPath     string `yaml:"db_path"`
}

// TraderConfig configures the order routing process.
type TraderConfig struct {
	ListenAddr    string   `yaml:"listen_addr"`
	HealthAddr    string   `yaml:"health_addr"`
	RiskJudgeAddr string   `yaml:"risk_judge_addr"`
	WatcherAddr   string   `yaml:"watcher_addr"`
	Account       string   `yaml:"account"`
	Gateway       string   `yaml:"gateway"`
	ShmName       string   `yaml:"shm_name"`
	ShmSlots      int      `yaml:"shm_slots"`
	TradingPhases []string `yaml:"trading_phases"`
}

// WatcherConfig configures the monitoring process. ServerAddr points at
// the central server collecting reports from every colo; empty disables
// the upstream link.
type WatcherConfig struct {
	ListenAddr        string `yaml:"listen_addr"`
	HealthAddr        string `yaml:"health_addr"`
	RiskJudgeAddr     string `yaml:"risk_judge_addr"`
	ServerAddr        string `yaml:"server_addr"`
	ColoStatusSeconds int    `yaml:"colo_status_seconds"`
}

// StrategyConfig configures the sample strategy client. A non-empty
// ShmName attaches over the trader's shared memory channels instead of
// TCP; the geometry must match the trader's.
type StrategyConfig struct {
	TraderAddr string `yaml:"trader_addr"`
	Account    string `yaml:"account"`
	Ticker     string `yaml:"ticker"`
	EngineID   int    `yaml:"engine_id"`
	ShmName    string `yaml:"shm_name"`
	ShmSlots   int    `yaml:"shm_slots"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Colo:     "colo-dev",
		LogLevel: "info",
		RiskJudge: RiskJudgeConfig{
			ListenAddr: "127.0.0.1:9500",
			HealthAddr: "127.0.0.1:8081",
			DBPath:     "data/risk.db",
		},
		Trader: TraderConfig{
			ListenAddr:    "127.0.0.1:9600",
			HealthAddr:    "127.0.0.1:8082",
			RiskJudgeAddr: "127.0.0.1:9500",
			WatcherAddr:   "127.0.0.1:9700",
			Account:       "000000",
			Gateway:       "sim",
			ShmName:       "tradelink-orders",
			ShmSlots:      1024,
			TradingPhases: []string{"09:00:00-11:30:00", "13:00:00-15:00:00", "21:00:00-23:00:00"},
		},
		Watcher: WatcherConfig{
			ListenAddr:        "127.0.0.1:9700",
			HealthAddr:        "127.0.0.1:8083",
			RiskJudgeAddr:     "127.0.0.1:9500",
			ColoStatusSeconds: 5,
		},
		Strategy: StrategyConfig{
			TraderAddr: "127.0.0.1:9600",
			Account:    "000000",
			Ticker:     "rb2305",
			EngineID:   9100,
			ShmSlots:   1024,
		},
	}
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Colo = getEnvAsString("COLO", c.Colo)
	c.LogLevel = getEnvAsString("LOG_LEVEL", c.LogLevel)
	c.RiskJudge.ListenAddr = getEnvAsString("RISK_LISTEN_ADDR", c.RiskJudge.ListenAddr)
	c.RiskJudge.DBPath = getEnvAsString("RISK_DB_PATH", c.RiskJudge.DBPath)
	c.Trader.ListenAddr = getEnvAsString("TRADER_LISTEN_ADDR", c.Trader.ListenAddr)
	c.Trader.RiskJudgeAddr = getEnvAsString("TRADER_RISK_ADDR", c.Trader.RiskJudgeAddr)
	c.Trader.WatcherAddr = getEnvAsString("TRADER_WATCHER_ADDR", c.Trader.WatcherAddr)
	c.Trader.Account = getEnvAsString("TRADER_ACCOUNT", c.Trader.Account)
	c.Trader.Gateway = getEnvAsString("TRADER_GATEWAY", c.Trader.Gateway)
	c.Trader.ShmSlots = getEnvAsInt("TRADER_SHM_SLOTS", c.Trader.ShmSlots)
	c.Watcher.ListenAddr = getEnvAsString("WATCHER_LISTEN_ADDR", c.Watcher.ListenAddr)
	c.Watcher.ServerAddr = getEnvAsString("WATCHER_SERVER_ADDR", c.Watcher.ServerAddr)
	c.Watcher.ColoStatusSeconds = getEnvAsInt("WATCHER_COLO_STATUS_SECONDS", c.Watcher.ColoStatusSeconds)
	c.Strategy.TraderAddr = getEnvAsString("STRATEGY_TRADER_ADDR", c.Strategy.TraderAddr)
	c.Strategy.Account = getEnvAsString("STRATEGY_ACCOUNT", c.Strategy.Account)
	c.Strategy.ShmName = getEnvAsString("STRATEGY_SHM_NAME", c.Strategy.ShmName)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
