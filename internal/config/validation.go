package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", err.Error())
		}
	}

	s := c.Site
	if strings.TrimSpace(s.Name) == "" {
		return newFieldError("Site.Name", "不能为空")
	}
	if err := validateUpstream(s.WikiBaseURL); err != nil {
		return fmt.Errorf("Site.WikiBaseURL: %w", err)
	}
	if strings.ContainsAny(s.AliasPrefix, "/\\ ") || strings.HasPrefix(s.AliasPrefix, ".") {
		return newFieldError("Site.AliasPrefix", "不允许包含路径分隔符、空格或以 '.' 开头")
	}
	if s.CachePrefix == "" {
		return newFieldError("Site.CachePrefix", "不能为根路径")
	}
	if s.CachePrefix == s.MirrorPrefix {
		return newFieldError("Site.CachePrefix", "不能与 MirrorPrefix 相同")
	}
	if strings.HasPrefix(s.CachePrefix, "/-") || strings.HasPrefix(s.MirrorPrefix, "/-") {
		return newFieldError("Site.MirrorPrefix", "/- 前缀保留给诊断接口")
	}
	for _, variant := range s.Variants {
		if !isVariantName(variant) {
			return newFieldError("Site.Variants", fmt.Sprintf("须以小写字母开头，仅允许小写字母与数字: %q", variant))
		}
	}
	for _, img := range s.DecorativeImages {
		if strings.TrimSpace(img) == "" {
			return newFieldError("Site.DecorativeImages", "不能包含空字符串")
		}
	}

	seen := map[string]struct{}{}
	for _, rule := range c.Freshness {
		if strings.TrimSpace(rule.Page) == "" {
			return newFieldError("Freshness[].Page", "不能为空")
		}
		if _, exists := seen[rule.Page]; exists {
			return newFieldError(freshnessField(rule.Page, "Page"), "重复")
		}
		seen[rule.Page] = struct{}{}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func isVariantName(v string) bool {
	if v == "" || v[0] < 'a' || v[0] > 'z' {
		return false
	}
	for _, r := range v {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
