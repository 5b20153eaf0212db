// Package proxy 把 HTTP 请求翻译为 mirror.Service 调用：页面渲染、缓存附件读取，
// 并将领域错误映射为 JSON 错误响应。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/wikicache/internal/cache"
	"github.com/any-hub/wikicache/internal/fetch"
	"github.com/any-hub/wikicache/internal/keymap"
	"github.com/any-hub/wikicache/internal/logging"
	"github.com/any-hub/wikicache/internal/mirror"
	"github.com/any-hub/wikicache/internal/server"
)

const (
	headerCacheHit   = "X-Wiki-Cache-Hit"
	headerCacheStale = "X-Wiki-Cache-Stale"
	variantQuery     = "action"
)

// Handler 实现 server.MirrorHandler。
type Handler struct {
	service *mirror.Service
	logger  *logrus.Logger
}

// NewHandler constructs a handler around the shared mirror service.
func NewHandler(service *mirror.Service, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// HandlePage 渲染页面。Cache-Control/Pragma 中的 no-cache 触发强制刷新，
// ?action=<variant> 选择页面变体。
func (h *Handler) HandlePage(c fiber.Ctx, pagePath string) error {
	started := time.Now()
	requestID := server.RequestID(c)
	site := h.service.Site()

	if strings.Trim(pagePath, "/") == "" {
		pagePath = site.FrontPage
	}
	page, err := mirror.PageFromPath(pagePath)
	if err != nil {
		h.logResult(requestFields(site.Name, pagePath, "", requestID), fiber.StatusBadRequest, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_identity")
	}

	req := mirror.Request{
		Page:    page,
		Variant: c.Query(variantQuery),
		Force:   wantsRefresh(c),
	}
	result, err := h.service.Render(requestContext(c), req)
	if err != nil {
		status, code := classifyError(err)
		fields := requestFields(site.Name, page, req.Variant, requestID)
		fields["forced"] = req.Force
		h.logResult(fields, status, started, err)
		return h.writeError(c, status, code)
	}

	status := fiber.StatusOK
	if result.NotFound {
		status = fiber.StatusNotFound
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	c.Set(headerCacheHit, fmt.Sprintf("%t", result.CacheHit))
	c.Set(headerCacheStale, fmt.Sprintf("%t", result.Stale))
	if !result.Entry.ModTime.IsZero() {
		c.Set(fiber.HeaderLastModified, result.Entry.ModTime.UTC().Format(http.TimeFormat))
	}
	c.Status(status)

	fields := logging.RequestFields(site.Name, page, req.Variant, result.CacheHit, result.Stale)
	fields["forced"] = req.Force
	fields["not_found"] = result.NotFound
	fields["bytes"] = len(result.Body)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logResult(fields, status, started, nil)

	if c.Method() == http.MethodHead {
		c.Response().Header.SetContentLength(len(result.Body))
		return nil
	}
	return c.Send(result.Body)
}

// HandleAsset 直接读取缓存目录中的文件，不会触发回源；未缓存时返回 404。
func (h *Handler) HandleAsset(c fiber.Ctx, file string) error {
	started := time.Now()
	requestID := server.RequestID(c)
	site := h.service.Site()

	name, err := url.PathUnescape(file)
	if err != nil {
		name = file
	}
	fields := logging.CacheFields("asset", "", name)
	fields["site"] = site.Name
	if requestID != "" {
		fields["request_id"] = requestID
	}

	result, err := h.service.OpenCached(requestContext(c), name)
	if err != nil {
		status, code := classifyError(err)
		h.logResult(fields, status, started, err)
		return h.writeError(c, status, code)
	}
	defer result.Reader.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(headerCacheHit, "true")
	c.Set(fiber.HeaderLastModified, result.Entry.ModTime.UTC().Format(http.TimeFormat))
	c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	c.Status(fiber.StatusOK)

	fields["bytes"] = result.Entry.SizeBytes
	if c.Method() == http.MethodHead {
		h.logResult(fields, fiber.StatusOK, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(fields, fiber.StatusOK, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(fields logrus.Fields, status int, started time.Time, err error) {
	if _, ok := fields["action"]; !ok {
		fields["action"] = "page"
	}
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("request_failed")
		return
	}
	h.logger.WithFields(fields).Info("request_complete")
}

// classifyError 将领域错误映射为 HTTP 状态码与错误码。
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, keymap.ErrInvalidIdentity):
		return fiber.StatusBadRequest, "invalid_identity"
	case errors.Is(err, cache.ErrNotFound):
		return fiber.StatusNotFound, "not_cached"
	case errors.Is(err, cache.ErrWriteFailed):
		return fiber.StatusInternalServerError, "cache_write_failed"
	case errors.Is(err, fetch.ErrFetchFailed), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusBadGateway, "upstream_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

// wantsRefresh 判断请求是否携带 no-cache 信号。
func wantsRefresh(c fiber.Ctx) bool {
	for _, directive := range strings.Split(c.Get(fiber.HeaderCacheControl), ",") {
		if strings.EqualFold(strings.TrimSpace(directive), "no-cache") {
			return true
		}
	}
	return strings.EqualFold(strings.TrimSpace(c.Get(fiber.HeaderPragma)), "no-cache")
}

func requestFields(site, page, variant, requestID string) logrus.Fields {
	fields := logging.RequestFields(site, page, variant, false, false)
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
