package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/any-hub/wikicache/internal/cache"
	"github.com/any-hub/wikicache/internal/keymap"
	"github.com/any-hub/wikicache/internal/logging"
)

// assetResolver 绑定一次渲染的 Session，实现 rewrite.AssetResolver。
type assetResolver struct {
	service *Service
	session *cache.Session
	force   bool
}

// ResolveAsset 将附件抓取进缓存（按页面划分命名空间），返回其公开路径。
func (r *assetResolver) ResolveAsset(ctx context.Context, page, name, remoteURL string) (string, error) {
	s := r.service
	file, err := keymap.AssetFile(s.site.AliasPrefix, page, name)
	if err != nil {
		return "", err
	}
	locator := cache.Locator{Identity: page + "/" + name, Scope: page, File: file}

	result, err := s.loader.GetOrFetch(ctx, r.session, locator, r.force, func(ctx context.Context, tempDir string) (string, error) {
		fetched, err := s.fetcher.Fetch(ctx, remoteURL, tempDir)
		if err != nil {
			return "", err
		}
		return fetched.TempPath, nil
	})
	if err != nil {
		return "", err
	}
	return keymap.PublicPath(s.site.CachePrefix, result.Entry.FilePath), nil
}

// Clear 删除逻辑名称以 identityPrefix 开头的所有缓存文件（页面与附件）。
// 空前缀删除缓存根目录下的全部非目录文件，包括其他站点前缀的文件。
func (s *Service) Clear(ctx context.Context, identityPrefix string) (cache.ClearResult, error) {
	var prefix string
	if identityPrefix != "" {
		var err error
		prefix, err = keymap.IdentityPrefix(s.site.AliasPrefix, identityPrefix)
		if err != nil {
			return cache.ClearResult{}, err
		}
	}
	result, err := s.loader.Store().Clear(ctx, prefix)

	fields := logging.CacheFields("cache_clear", identityPrefix, prefix)
	fields["attempted"] = result.Attempted
	fields["deleted"] = result.Deleted
	fields["failed"] = result.Failed
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Error("cache_clear_failed")
		return result, err
	}
	s.logger.WithFields(fields).Info("cache_clear")
	return result, nil
}

// OpenCached 打开一个已缓存的文件，供缓存命名空间的静态访问使用；不会触发回源。
func (s *Service) OpenCached(ctx context.Context, file string) (*cache.ReadResult, error) {
	if !keymap.IsCacheFileName(file) {
		return nil, fmt.Errorf("%w: cache file %q", keymap.ErrInvalidIdentity, file)
	}
	return s.loader.Store().Get(ctx, cache.Locator{File: file})
}

// Stats 汇总缓存目录，供诊断接口输出。
type Stats struct {
	Entries   int              `json:"entries"`
	Pages     int              `json:"pages"`
	Assets    int              `json:"assets"`
	Foreign   int              `json:"foreign"`
	Bytes     int64            `json:"bytes"`
	Freshness map[string]int64 `json:"-"`
}

// Stats 遍历缓存目录统计条目数量与体积，Foreign 为不属于当前站点前缀的文件。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.loader.Store().List(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Freshness: make(map[string]int64)}
	for _, entry := range entries {
		stats.Entries++
		stats.Bytes += entry.SizeBytes
		if _, _, ok := keymap.SplitAssetFile(s.site.AliasPrefix, entry.Locator.File); ok {
			stats.Assets++
			continue
		}
		if strings.HasPrefix(entry.Locator.File, s.site.AliasPrefix) {
			stats.Pages++
			continue
		}
		stats.Foreign++
	}

	for key, age := range s.loader.Policy().Rules() {
		if age < 0 {
			stats.Freshness[key] = -1
			continue
		}
		stats.Freshness[key] = int64(age / time.Second)
	}
	return stats, nil
}
