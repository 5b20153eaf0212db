package routes

import (
	"context"
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/wikicache/internal/config"
	"github.com/any-hub/wikicache/internal/mirror"
	"github.com/any-hub/wikicache/internal/version"
)

// StatusSource 提供诊断接口所需的只读数据，mirror.Service 即其实现。
type StatusSource interface {
	Site() config.SiteConfig
	Stats(ctx context.Context) (mirror.Stats, error)
	RewriteSteps() []string
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，供运维查询站点配置、新鲜度规则与缓存占用。
func RegisterStatusRoutes(app *fiber.App, source StatusSource) {
	if app == nil || source == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		stats, err := source.Stats(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unreadable"})
		}
		return c.JSON(statusPayload{
			Version:      version.Full(),
			Site:         encodeSite(source.Site()),
			Cache:        stats,
			Freshness:    encodeFreshness(stats.Freshness),
			RewriteSteps: source.RewriteSteps(),
		})
	})
}

type statusPayload struct {
	Version      string             `json:"version"`
	Site         sitePayload        `json:"site"`
	Cache        mirror.Stats       `json:"cache"`
	Freshness    []freshnessPayload `json:"freshness"`
	RewriteSteps []string           `json:"rewrite_steps"`
}

type sitePayload struct {
	Name         string   `json:"name"`
	WikiBaseURL  string   `json:"wiki_base_url"`
	AliasPrefix  string   `json:"alias_prefix"`
	MirrorPrefix string   `json:"mirror_prefix"`
	CachePrefix  string   `json:"cache_prefix"`
	FrontPage    string   `json:"front_page"`
	Variants     []string `json:"variants,omitempty"`
}

type freshnessPayload struct {
	Page       string `json:"page"`
	MaxAgeSecs int64  `json:"max_age_seconds"`
	Never      bool   `json:"never_expires"`
}

func encodeSite(site config.SiteConfig) sitePayload {
	return sitePayload{
		Name:         site.Name,
		WikiBaseURL:  site.WikiBaseURL,
		AliasPrefix:  site.AliasPrefix,
		MirrorPrefix: site.MirrorPrefix,
		CachePrefix:  site.CachePrefix,
		FrontPage:    site.FrontPage,
		Variants:     append([]string(nil), site.Variants...),
	}
}

// encodeFreshness 按页面名排序输出规则，通配符 "*" 排在最前。
func encodeFreshness(rules map[string]int64) []freshnessPayload {
	if len(rules) == 0 {
		return nil
	}
	result := make([]freshnessPayload, 0, len(rules))
	for page, secs := range rules {
		result = append(result, freshnessPayload{
			Page:       page,
			MaxAgeSecs: secs,
			Never:      secs < 0,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if (result[i].Page == config.WildcardPage) != (result[j].Page == config.WildcardPage) {
			return result[i].Page == config.WildcardPage
		}
		return result[i].Page < result[j].Page
	})
	return result
}
