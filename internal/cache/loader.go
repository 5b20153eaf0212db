package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/wikicache/internal/logging"
)

// FetchFunc 在 tempDir 中生成新的缓存内容并返回临时文件路径，由 Loader 负责原子提升。
type FetchFunc func(ctx context.Context, tempDir string) (string, error)

// LoadResult 描述 GetOrFetch 的结果。
type LoadResult struct {
	Entry Entry
	// Hit 表示直接复用了未过期的缓存。
	Hit bool
	// Stale 表示回源失败后退回了旧的缓存副本。
	Stale bool
}

// Loader 组合 Store 与 Policy，实现“未过期直接读缓存，否则回源并原子替换”。
// 同一进程内对同一文件的并发回源通过 singleflight 合并。
type Loader struct {
	store  Store
	policy Policy
	logger *logrus.Logger
	now    func() time.Time
	group  singleflight.Group
}

// NewLoader 构造 Loader，默认使用 time.Now 作为时钟。
func NewLoader(store Store, policy Policy, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{
		store:  store,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// Store 返回底层存储。
func (l *Loader) Store() Store {
	return l.store
}

// Policy 返回当前的新鲜度策略。
func (l *Loader) Policy() Policy {
	return l.policy
}

// GetOrFetch 返回 locator 对应的缓存条目，必要时调用 fetch 刷新。
// 回源失败且磁盘上已有旧副本时返回旧副本（Stale=true）；写入失败总是返回错误。
func (l *Loader) GetOrFetch(ctx context.Context, session *Session, locator Locator, force bool, fetch FetchFunc) (*LoadResult, error) {
	if err := session.Failure(locator.File); err != nil {
		return nil, err
	}

	entry, err := l.store.Stat(ctx, locator)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		entry = nil
	default:
		return nil, err
	}

	if !l.policy.IsStale(locator, entry, l.now(), force, session) {
		fields := logging.CacheFields("cache_hit", locator.Identity, locator.File)
		fields["bytes"] = entry.SizeBytes
		fields["age_ms"] = l.now().Sub(entry.ModTime).Milliseconds()
		l.logger.WithFields(fields).Info("cache_hit")
		return &LoadResult{Entry: *entry, Hit: true}, nil
	}

	started := time.Now()
	value, err, shared := l.group.Do(locator.File, func() (interface{}, error) {
		tempPath, fetchErr := fetch(ctx, l.store.TempDir())
		if fetchErr != nil {
			return nil, fetchErr
		}
		return l.store.Promote(ctx, locator, tempPath, PutOptions{ModTime: l.now()})
	})
	if err != nil {
		return l.handleFetchError(session, locator, entry, err)
	}

	// singleflight 的结果在所有等待者之间共享，先复制再改写。
	fresh := *value.(*Entry)
	fresh.Locator = locator
	session.MarkFresh(locator.File)

	fields := logging.CacheFields("cache_refresh", locator.Identity, locator.File)
	fields["bytes"] = fresh.SizeBytes
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["shared"] = shared
	fields["forced"] = force
	fields["existed"] = entry != nil
	l.logger.WithFields(fields).Info("cache_refresh")

	return &LoadResult{Entry: fresh}, nil
}

func (l *Loader) handleFetchError(session *Session, locator Locator, prior *Entry, err error) (*LoadResult, error) {
	fields := logging.CacheFields("cache_refresh", locator.Identity, locator.File)
	if errors.Is(err, ErrWriteFailed) || prior == nil {
		session.MarkFailed(locator.File, err)
		l.logger.WithFields(fields).WithError(err).Error("cache_refresh_failed")
		return nil, err
	}

	// 保留旧副本，本次请求内不再重试。
	session.MarkFresh(locator.File)
	fields["action"] = "cache_serve_stale"
	fields["bytes"] = prior.SizeBytes
	l.logger.WithFields(fields).WithError(err).Warn("cache_serve_stale")
	return &LoadResult{Entry: *prior, Stale: true}, nil
}
