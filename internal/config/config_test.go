package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Site.WikiBaseURL != "https://wiki.example.org" {
		t.Fatalf("WikiBaseURL 末尾的 / 应被去除: %s", cfg.Site.WikiBaseURL)
	}
	if cfg.Site.MirrorPrefix != "/wiki" || cfg.Site.CachePrefix != "/cache" {
		t.Fatalf("前缀未归一化: %q %q", cfg.Site.MirrorPrefix, cfg.Site.CachePrefix)
	}
	if !cfg.Site.HasVariant("print") {
		t.Fatalf("variant 应转换为小写: %v", cfg.Site.Variants)
	}
	if len(cfg.Site.DecorativeImages) != 1 {
		t.Fatalf("DecorativeImages 解析错误: %v", cfg.Site.DecorativeImages)
	}

	ages := cfg.MaxAges()
	if ages[WildcardPage] != time.Hour {
		t.Fatalf("通配规则应为 1h，得到 %s", ages[WildcardPage])
	}
	if ages["FrontPage"] != 5*time.Minute {
		t.Fatalf("FrontPage 规则应为 5m，得到 %s", ages["FrontPage"])
	}
	if ages["Archive"] >= 0 {
		t.Fatalf("-1 应表示永不过期，得到 %s", ages["Archive"])
	}
}

func TestDefaultsFillSiteNamespace(t *testing.T) {
	path := writeTempConfig(t, `
[Site]
WikiBaseURL = "http://wiki.local"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Site.AliasPrefix != "wiki_" || cfg.Site.MirrorPrefix != "/wiki" || cfg.Site.CachePrefix != "/cache" {
		t.Fatalf("默认命名空间错误: %+v", cfg.Site)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("默认超时应为 30s")
	}
	if cfg.Site.FrontPage != "FrontPage" {
		t.Fatalf("默认首页应为 FrontPage，得到 %q", cfg.Site.FrontPage)
	}
	if cfg.MaxAges() != nil {
		t.Fatalf("未配置 Freshness 时不应有规则")
	}
}

func TestValidateRejectsBadSite(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"non http upstream", func(c *Config) { c.Site.WikiBaseURL = "ftp://wiki" }, ""},
		{"alias with slash", func(c *Config) { c.Site.AliasPrefix = "a/b" }, "Site.AliasPrefix"},
		{"hidden alias", func(c *Config) { c.Site.AliasPrefix = ".wiki" }, "Site.AliasPrefix"},
		{"root cache prefix", func(c *Config) { c.Site.CachePrefix = "" }, "Site.CachePrefix"},
		{"same prefixes", func(c *Config) { c.Site.CachePrefix = c.Site.MirrorPrefix }, "Site.CachePrefix"},
		{"bad variant", func(c *Config) { c.Site.Variants = []string{"../x"} }, "Site.Variants"},
		{"digit variant", func(c *Config) { c.Site.Variants = []string{"21"} }, "Site.Variants"},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
		{"zero timeout", func(c *Config) { c.Global.UpstreamTimeout = 0 }, "Global.UpstreamTimeout"},
		{"duplicate rule", func(c *Config) {
			c.Freshness = []FreshnessRule{{Page: "*", MaxAge: 1}, {Page: "*", MaxAge: 2}}
		}, "Freshness[*].Page"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if tc.field == "" {
				return
			}
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) || fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
		})
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Site: SiteConfig{
			Name:         "wiki",
			WikiBaseURL:  "https://wiki.example.org",
			AliasPrefix:  "wiki_",
			MirrorPrefix: "/wiki",
			CachePrefix:  "/cache",
		},
	}
}
