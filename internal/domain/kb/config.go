package kb

import (
	"os"
	"strconv"

	applog "vectorkb/internal/platform/log"
)

// Config 知识库模块配置
type Config struct {
	// 生成配置
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`

	// 检索配置
	MaxResults          int `json:"max_results"`
	MaxContextChars     int `json:"max_context_chars"`
	DisplayContextChars int `json:"display_context_chars"`

	// 批次轮询配置
	BatchTimeoutSeconds int `json:"batch_timeout_seconds"`
	PollIntervalSeconds int `json:"poll_interval_seconds"`

	// 缓存配置
	CacheTTL int `json:"cache_ttl"` // 缓存 TTL（秒），0=禁用

	// 上传配置
	MaxFileSize int `json:"max_file_size"` // 最大文件大小（MB）
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Model:               "gpt-4.1",
		Temperature:         0.7,
		MaxResults:          5,
		MaxContextChars:     8000,
		DisplayContextChars: 500,
		BatchTimeoutSeconds: 300, // 5分钟
		PollIntervalSeconds: 5,
		CacheTTL:            300,
		MaxFileSize:         50, // 50MB
	}
}

// LoadConfigFromEnv 从环境变量加载配置
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("KB_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("KB_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Temperature = f
		}
	}
	if v := os.Getenv("KB_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxResults = n
		}
	}
	if v := os.Getenv("KB_MAX_CONTEXT_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxContextChars = n
		}
	}
	if v := os.Getenv("KB_BATCH_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchTimeoutSeconds = n
		}
	}
	if v := os.Getenv("KB_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("KB_CACHE_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.CacheTTL = n
		}
	}
	if v := os.Getenv("KB_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxFileSize = n
		}
	}

	applog.Info("[KB] Config loaded",
		"model", cfg.Model,
		"max_results", cfg.MaxResults,
		"max_context_chars", cfg.MaxContextChars,
		"batch_timeout", cfg.BatchTimeoutSeconds,
		"poll_interval", cfg.PollIntervalSeconds,
		"cache_ttl", cfg.CacheTTL,
		"max_file_size_mb", cfg.MaxFileSize,
	)

	return cfg
}

// HasCache 是否启用缓存
func (c *Config) HasCache() bool {
	return c.CacheTTL > 0
}
