package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/wikicache/internal/config"
)

// MirrorHandler describes the component that serves mirrored pages and cached
// assets. It allows injecting fake handlers during tests.
type MirrorHandler interface {
	// HandlePage receives the raw (still percent-encoded) page path below the mirror prefix.
	HandlePage(c fiber.Ctx, pagePath string) error
	// HandleAsset receives the raw cache file segment below the cache prefix.
	HandleAsset(c fiber.Ctx, file string) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Site    config.SiteConfig
	Handler MirrorHandler
}

const contextKeyRequestID = "_wikicache_request_id"

// NewApp builds a Fiber application with request IDs, panic recovery and the
// page/asset routes of the configured site.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("mirror handler is required")
	}
	if opts.Site.CachePrefix == "" || opts.Site.CachePrefix == opts.Site.MirrorPrefix {
		return nil, errors.New("cache prefix must be set and differ from mirror prefix")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get(opts.Site.CachePrefix+"/:file", func(c fiber.Ctx) error {
		return opts.Handler.HandleAsset(c, c.Params("file"))
	})

	app.Get(wildcardRoute(opts.Site.MirrorPrefix), func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Handler.HandlePage(c, c.Params("*"))
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func wildcardRoute(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/*"
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
