package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"strata/internal/structure"
)

// Config 是进程级主配置，来源为 TOML 文件；
// 密钥类字段允许用环境变量覆盖（.env 由 cmd 层提前加载）。
type Config struct {
	Server   ServerConfig     `toml:"server"`
	Log      LogConfig        `toml:"log"`
	Source   SourceConfig     `toml:"source"`
	Redis    RedisConfig      `toml:"redis"`
	Database DatabaseConfig   `toml:"database"`
	Detector structure.Params `toml:"detector"`
	Live     LiveConfig       `toml:"live"`
	Replay   ReplayConfig     `toml:"replay"`
	Chart    ChartConfig      `toml:"chart"`
	Report   ReportConfig     `toml:"report"`
	Profiles string           `toml:"profiles"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// SourceConfig 描述行情来源。provider 取 binance 或 csv。
type SourceConfig struct {
	Provider       string   `toml:"provider"`
	Symbols        []string `toml:"symbols"`
	Interval       string   `toml:"interval"`
	HistoryLimit   int      `toml:"history_limit"`
	CSVDir         string   `toml:"csv_dir"`
	UseFutures     bool     `toml:"use_futures"`
	APIKey         string   `toml:"api_key"`
	APISecret      string   `toml:"api_secret"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Timeout 返回请求超时。
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	Prefix     string `toml:"prefix"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// TTL 返回键过期时间；0 表示不过期。
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLSeconds) * time.Second
}

// DatabaseConfig 描述事件/快照持久化。driver 取 sqlite 或 postgres。
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// LiveConfig 控制守护进程的实时检测。
type LiveConfig struct {
	Enabled bool `toml:"enabled"`
	// SnapshotEvery 每多少根收盘K线落一次快照；0 表示只在退出时落。
	SnapshotEvery int64 `toml:"snapshot_every"`
}

type ReplayConfig struct {
	MaxJobs     int `toml:"max_jobs"`
	EventBuffer int `toml:"event_buffer"`
	KlineWindow int `toml:"kline_window"`
}

type ChartConfig struct {
	OutDir    string `toml:"out_dir"`
	Width     int    `toml:"width"`
	Height    int    `toml:"height"`
	RenderPNG bool   `toml:"render_png"`
}

type ReportConfig struct {
	ATRPeriod int `toml:"atr_period"`
	RSIPeriod int `toml:"rsi_period"`
	EMAPeriod int `toml:"ema_period"`
	// HTFFactor 高周期背景的聚合倍数，例如 1h 输入取 4 即看 4h。
	HTFFactor int `toml:"htf_factor"`
}

// Default 返回可直接运行的默认配置（sqlite + 内存窗口 + binance 现货）。
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8787"},
		Log:    LogConfig{Level: "info"},
		Source: SourceConfig{
			Provider:       "binance",
			Symbols:        []string{"BTCUSDT"},
			Interval:       "1m",
			HistoryLimit:   1000,
			TimeoutSeconds: 15,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "strata:",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:strata.db?_pragma=busy_timeout(5000)",
		},
		Detector: structure.DefaultParams(),
		Live: LiveConfig{
			Enabled:       true,
			SnapshotEvery: 500,
		},
		Replay: ReplayConfig{
			MaxJobs:     4,
			EventBuffer: 256,
			KlineWindow: 2000,
		},
		Chart: ChartConfig{
			OutDir: "charts",
			Width:  1400,
			Height: 760,
		},
		Report: ReportConfig{
			ATRPeriod: 14,
			RSIPeriod: 14,
			EMAPeriod: 20,
			HTFFactor: 4,
		},
		Profiles: "profiles.yaml",
	}
}

// Load 读取 TOML 并叠加到默认值上，随后应用环境变量覆盖并整体校验。
// path 为空时只返回默认配置（仍走 env 覆盖与校验）。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv 用环境变量覆盖密钥与连接串，避免把敏感信息写进 TOML。
func (c *Config) applyEnv() {
	if v := os.Getenv("STRATA_BINANCE_API_KEY"); v != "" {
		c.Source.APIKey = v
	}
	if v := os.Getenv("STRATA_BINANCE_API_SECRET"); v != "" {
		c.Source.APISecret = v
	}
	if v := os.Getenv("STRATA_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("STRATA_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("STRATA_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("STRATA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate 在启动前整体拒绝病态配置。
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr 不能为空")
	}
	switch strings.ToLower(c.Source.Provider) {
	case "binance":
	case "csv":
		if c.Source.CSVDir == "" {
			return fmt.Errorf("source.provider=csv 时必须配置 source.csv_dir")
		}
	default:
		return fmt.Errorf("source.provider 不支持: %q", c.Source.Provider)
	}
	if len(c.Source.Symbols) == 0 {
		return fmt.Errorf("source.symbols 不能为空")
	}
	if c.Source.Interval == "" {
		return fmt.Errorf("source.interval 不能为空")
	}
	if c.Source.HistoryLimit <= 0 {
		return fmt.Errorf("source.history_limit 必须 > 0, 实际 %d", c.Source.HistoryLimit)
	}
	if c.Source.TimeoutSeconds <= 0 {
		return fmt.Errorf("source.timeout_seconds 必须 > 0, 实际 %d", c.Source.TimeoutSeconds)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver 不支持: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn 不能为空")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.enabled 时 redis.addr 不能为空")
	}
	if c.Live.SnapshotEvery < 0 {
		return fmt.Errorf("live.snapshot_every 不能为负, 实际 %d", c.Live.SnapshotEvery)
	}
	if c.Replay.MaxJobs < 1 {
		return fmt.Errorf("replay.max_jobs 必须 >= 1, 实际 %d", c.Replay.MaxJobs)
	}
	if c.Replay.KlineWindow < 1 {
		return fmt.Errorf("replay.kline_window 必须 >= 1, 实际 %d", c.Replay.KlineWindow)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	return nil
}
