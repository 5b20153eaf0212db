package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/wikicache/internal/cache"
	"github.com/any-hub/wikicache/internal/config"
	"github.com/any-hub/wikicache/internal/fetch"
	"github.com/any-hub/wikicache/internal/keymap"
	"github.com/any-hub/wikicache/internal/logging"
	"github.com/any-hub/wikicache/internal/rewrite"
)

const renderTempPattern = ".render-*"

// Request 描述一次页面渲染请求。
type Request struct {
	Page    string
	Variant string
	// Force 来自请求方的 no-cache 信号，对页面及其全部附件生效，每个文件在本次请求内最多刷新一次。
	Force bool
}

// Page 是渲染结果。
type Page struct {
	Body     []byte
	Entry    cache.Entry
	CacheHit bool
	Stale    bool
	NotFound bool
	// Report 仅在本次请求实际重写了页面时有值。
	Report rewrite.Report
}

// Service 持有站点配置与共享的缓存、回源、重写组件，可被多个请求并发使用。
type Service struct {
	site     config.SiteConfig
	loader   *cache.Loader
	fetcher  *fetch.Fetcher
	rewriter *rewrite.Rewriter
	logger   *logrus.Logger
}

// NewService 根据站点配置构建 Service，Rewriter 在此处一次性编译。
func NewService(site config.SiteConfig, loader *cache.Loader, fetcher *fetch.Fetcher, logger *logrus.Logger) (*Service, error) {
	if loader == nil {
		return nil, errors.New("cache loader is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rewriter, err := rewrite.New(rewrite.Options{
		WikiBaseURL:      site.WikiBaseURL,
		MirrorPrefix:     site.MirrorPrefix,
		CachePrefix:      site.CachePrefix,
		NotFoundMarker:   site.NotFoundMarker,
		NotFoundMessage:  site.NotFoundMessage,
		DecorativeImages: site.DecorativeImages,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		site:     site,
		loader:   loader,
		fetcher:  fetcher,
		rewriter: rewriter,
		logger:   logger,
	}, nil
}

// Site 返回站点配置副本。
func (s *Service) Site() config.SiteConfig {
	return s.site
}

// Render 返回页面的重写结果。上游 404 渲染为“不存在”提示且不落盘；
// 其余回源失败在没有旧副本时返回错误。
func (s *Service) Render(ctx context.Context, req Request) (*Page, error) {
	started := time.Now()
	variant := strings.ToLower(strings.TrimSpace(req.Variant))
	if !s.site.HasVariant(variant) {
		return nil, fmt.Errorf("%w: unsupported variant %q", keymap.ErrInvalidIdentity, req.Variant)
	}
	file, err := keymap.PageFile(s.site.AliasPrefix, req.Page, variant)
	if err != nil {
		return nil, err
	}

	locator := cache.Locator{Identity: req.Page, File: file}
	session := cache.NewSession()
	resolver := &assetResolver{service: s, session: session, force: req.Force}

	var report rewrite.Report
	result, err := s.loader.GetOrFetch(ctx, session, locator, req.Force, func(ctx context.Context, tempDir string) (string, error) {
		tempPath, rep, err := s.renderUpstream(ctx, req.Page, variant, tempDir, resolver)
		report = rep
		return tempPath, err
	})
	if err != nil {
		if errors.Is(err, fetch.ErrUpstreamNotFound) {
			s.logRender(req.Page, variant, started, logrus.Fields{"not_found": true})
			return &Page{
				Body:     []byte(rewrite.NotFoundBody(s.site.NotFoundMessage)),
				NotFound: true,
			}, nil
		}
		return nil, err
	}

	body, err := s.readEntry(ctx, locator)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Body:     body,
		Entry:    result.Entry,
		CacheHit: result.Hit,
		Stale:    result.Stale,
		NotFound: report.NotFound || rewrite.IsNotFound(body),
		Report:   report,
	}
	s.logRender(req.Page, variant, started, logrus.Fields{
		"cache_hit":      page.CacheHit,
		"stale":          page.Stale,
		"bytes":          len(body),
		"assets":         report.Assets,
		"asset_failures": len(report.Failures),
		"refreshed":      session.Refreshed(),
	})
	return page, nil
}

// renderUpstream 下载原始页面、执行重写并把结果写入 tempDir 中的新临时文件。
func (s *Service) renderUpstream(ctx context.Context, page, variant, tempDir string, resolver rewrite.AssetResolver) (string, rewrite.Report, error) {
	var report rewrite.Report
	fetched, err := s.fetcher.Fetch(ctx, s.PageURL(page, variant), tempDir)
	if err != nil {
		return "", report, err
	}
	defer os.Remove(fetched.TempPath)

	raw, err := os.ReadFile(fetched.TempPath)
	if err != nil {
		return "", report, fmt.Errorf("%w: read fetched page: %v", cache.ErrWriteFailed, err)
	}

	body, report := s.rewriter.Rewrite(ctx, string(raw), rewrite.Page{Identity: page, Variant: variant}, resolver)
	for _, failure := range report.Failures {
		fields := logging.CacheFields("asset_fallback", page+"/"+failure.Name, "")
		fields["remote"] = failure.Remote
		s.logger.WithFields(fields).WithError(failure.Err).Warn("asset_fallback")
	}

	out, err := os.CreateTemp(tempDir, renderTempPattern)
	if err != nil {
		return "", report, fmt.Errorf("%w: %v", cache.ErrWriteFailed, err)
	}
	_, err = io.WriteString(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", report, fmt.Errorf("%w: %v", cache.ErrWriteFailed, err)
	}
	return out.Name(), report, nil
}

func (s *Service) readEntry(ctx context.Context, locator cache.Locator) ([]byte, error) {
	read, err := s.loader.Store().Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer read.Reader.Close()
	return io.ReadAll(read.Reader)
}

// PageURL 返回页面在上游 wiki 的地址：空格按 wiki 惯例写作 '_'，variant 通过 action 参数选择。
func (s *Service) PageURL(page, variant string) string {
	segments := strings.Split(page, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(strings.ReplaceAll(segment, " ", "_"))
	}
	target := s.site.WikiBaseURL + "/" + strings.Join(segments, "/")
	if variant != "" {
		target += "?action=" + url.QueryEscape(variant)
	}
	return target
}

// PageFromPath 将镜像 URL 中的页面路径还原为逻辑页面名，是 PageURL 路径部分的逆运算。
func PageFromPath(rawPath string) (string, error) {
	unescaped, err := url.PathUnescape(rawPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", keymap.ErrInvalidIdentity, err)
	}
	page := strings.Trim(strings.ReplaceAll(unescaped, "_", " "), "/")
	if page == "" {
		return "", fmt.Errorf("%w: empty page", keymap.ErrInvalidIdentity)
	}
	for _, segment := range strings.Split(page, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: page %q", keymap.ErrInvalidIdentity, page)
		}
	}
	return page, nil
}

func (s *Service) logRender(page, variant string, started time.Time, extra logrus.Fields) {
	fields := logging.RequestFields(s.site.Name, page, variant, false, false)
	for key, value := range extra {
		fields[key] = value
	}
	fields["action"] = "render"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	s.logger.WithFields(fields).Info("page_render")
}

// RewriteSteps 返回按执行顺序排列的重写规则名称。
func (s *Service) RewriteSteps() []string {
	return s.rewriter.Steps()
}
