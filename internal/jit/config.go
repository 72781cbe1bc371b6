package jit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/tangzhangming/tierjit/internal/backend"
	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/hotspot"
	"github.com/tangzhangming/tierjit/internal/logging"
	"github.com/tangzhangming/tierjit/internal/optimizer"
	"github.com/tangzhangming/tierjit/internal/regalloc"
	"github.com/tangzhangming/tierjit/internal/scheduler"
	"github.com/tangzhangming/tierjit/internal/version"
)

// Config JIT 配置
type Config struct {
	Enabled   bool             `toml:"enabled" yaml:"enabled"` // 关闭后只计数，不自动提交编译
	Hotspot   HotspotConfig    `toml:"hotspot" yaml:"hotspot"`
	Optimizer optimizer.Config `toml:"optimizer" yaml:"optimizer"`
	RegAlloc  regalloc.Config  `toml:"regalloc" yaml:"regalloc"`
	Scheduler scheduler.Config `toml:"scheduler" yaml:"scheduler"`
	Versions  VersionConfig    `toml:"versions" yaml:"versions"`
	Arena     ArenaConfig      `toml:"arena" yaml:"arena"`
	Log       logging.Config   `toml:"log" yaml:"log"`
}

// HotspotConfig 热点检测配置
type HotspotConfig struct {
	Threshold          int64 `toml:"threshold" yaml:"threshold"`
	MaxCompileFailures int   `toml:"max_compile_failures" yaml:"max_compile_failures"`
}

// VersionConfig 版本管理配置
type VersionConfig struct {
	MaxVersions   int `toml:"max_versions" yaml:"max_versions"`
	LockTimeoutMs int `toml:"lock_timeout_ms" yaml:"lock_timeout_ms"` // 0 表示无限等待
}

// ArenaConfig 代码区配置
type ArenaConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	Size    int  `toml:"size" yaml:"size"` // 字节
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Hotspot: HotspotConfig{
			Threshold:          hotspot.DefaultThreshold,
			MaxCompileFailures: hotspot.DefaultMaxCompileFailures,
		},
		Optimizer: optimizer.DefaultConfig(),
		RegAlloc:  regalloc.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Versions: VersionConfig{
			MaxVersions:   version.DefaultMaxVersions,
			LockTimeoutMs: int(version.DefaultLockTimeout.Milliseconds()),
		},
		Arena: ArenaConfig{
			Enabled: true,
			Size:    backend.DefaultArenaSize,
		},
		Log: logging.DefaultConfig(),
	}
}

// Validate 一次性报告所有配置问题
func (c Config) Validate() error {
	var errs error
	bad := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, jiterrors.InvalidConfig(format, args...))
	}

	if c.Hotspot.Threshold <= 0 {
		bad("hotspot.threshold must be positive, got %d", c.Hotspot.Threshold)
	}
	if c.Hotspot.MaxCompileFailures < 0 {
		bad("hotspot.max_compile_failures must not be negative, got %d", c.Hotspot.MaxCompileFailures)
	}
	if c.RegAlloc.NumRegs <= 0 {
		bad("regalloc.num_regs must be positive, got %d", c.RegAlloc.NumRegs)
	}
	if c.RegAlloc.SmallBlockThreshold < 0 {
		bad("regalloc.small_block_threshold must not be negative, got %d", c.RegAlloc.SmallBlockThreshold)
	}
	if _, err := regalloc.ParseStrategy(c.RegAlloc.Strategy); err != nil {
		errs = multierr.Append(errs, jiterrors.InvalidConfig("regalloc.strategy: %v", err))
	}
	if c.Scheduler.Workers < 0 {
		bad("scheduler.workers must not be negative, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.MaxQueueSize < 0 {
		bad("scheduler.max_queue_size must not be negative, got %d", c.Scheduler.MaxQueueSize)
	}
	if c.Scheduler.FairnessInterval < 0 {
		bad("scheduler.fairness_interval must not be negative, got %d", c.Scheduler.FairnessInterval)
	}
	if c.Scheduler.GlobalBatch < 0 {
		bad("scheduler.global_batch must not be negative, got %d", c.Scheduler.GlobalBatch)
	}
	if c.Versions.MaxVersions <= 0 {
		bad("versions.max_versions must be positive, got %d", c.Versions.MaxVersions)
	}
	if c.Versions.LockTimeoutMs < 0 {
		bad("versions.lock_timeout_ms must not be negative, got %d", c.Versions.LockTimeoutMs)
	}
	if c.Arena.Enabled && c.Arena.Size <= 0 {
		bad("arena.size must be positive when the arena is enabled, got %d", c.Arena.Size)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// ============================================================================
// 读写
// ============================================================================

// Format 配置文件格式
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath 按扩展名判断格式
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", jiterrors.InvalidConfig("unsupported config file %q (want .toml, .yaml or .yml)", path)
	}
}

// LoadConfig 从文件加载配置，未出现的字段保持默认值
func LoadConfig(path string) (Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, jiterrors.Wrap(err, "failed to read config file")
	}
	return ParseConfig(data, format)
}

// ParseConfig 解析配置内容
func ParseConfig(data []byte, format Format) (Config, error) {
	cfg := DefaultConfig()
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &cfg)
	case FormatYAML:
		err = yaml.Unmarshal(data, &cfg)
	default:
		return Config{}, jiterrors.InvalidConfig("unknown config format %q", format)
	}
	if err != nil {
		return Config{}, jiterrors.InvalidConfig("failed to parse %s config: %v", format, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal 按格式编码配置
func (c Config) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatTOML:
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		if err := enc.Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatYAML:
		return yaml.Marshal(c)
	default:
		return nil, jiterrors.InvalidConfig("unknown config format %q", format)
	}
}
