package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
// 负值保留原样，Freshness 规则用 -1 表示“除非强制刷新否则永不过期”。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志、缓存目录与回源超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// SiteConfig 描述被镜像的 wiki 以及本地镜像的 URL 命名空间。
type SiteConfig struct {
	Name             string   `mapstructure:"Name"`
	WikiBaseURL      string   `mapstructure:"WikiBaseURL"`
	AliasPrefix      string   `mapstructure:"AliasPrefix"`
	MirrorPrefix     string   `mapstructure:"MirrorPrefix"`
	CachePrefix      string   `mapstructure:"CachePrefix"`
	FrontPage        string   `mapstructure:"FrontPage"`
	NotFoundMarker   string   `mapstructure:"NotFoundMarker"`
	NotFoundMessage  string   `mapstructure:"NotFoundMessage"`
	DecorativeImages []string `mapstructure:"DecorativeImages"`
	Variants         []string `mapstructure:"Variants"`
}

// FreshnessRule 给某个页面（或通配符 "*"）设定最大缓存时长，负值表示永不过期。
type FreshnessRule struct {
	Page   string   `mapstructure:"Page"`
	MaxAge Duration `mapstructure:"MaxAge"`
}

// WildcardPage 是默认规则使用的页面名。
const WildcardPage = "*"

// Config 是 TOML 文件映射的整体结构，启动时构建一次后只读传递。
type Config struct {
	Global    GlobalConfig    `mapstructure:",squash"`
	Site      SiteConfig      `mapstructure:"Site"`
	Freshness []FreshnessRule `mapstructure:"Freshness"`
}

// MaxAges 将 Freshness 数组展开为 identity -> max-age 映射，后出现的规则覆盖前面的。
func (c *Config) MaxAges() map[string]time.Duration {
	if c == nil || len(c.Freshness) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Freshness))
	for _, rule := range c.Freshness {
		out[rule.Page] = rule.MaxAge.DurationValue()
	}
	return out
}

// HasVariant 表示 variant 是否在允许列表中，空 variant 始终允许。
func (s SiteConfig) HasVariant(variant string) bool {
	if variant == "" {
		return true
	}
	for _, v := range s.Variants {
		if v == variant {
			return true
		}
	}
	return false
}
