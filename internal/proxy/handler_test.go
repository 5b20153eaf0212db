package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/wikicache/internal/cache"
	"github.com/any-hub/wikicache/internal/config"
	"github.com/any-hub/wikicache/internal/fetch"
	"github.com/any-hub/wikicache/internal/keymap"
	"github.com/any-hub/wikicache/internal/mirror"
	"github.com/any-hub/wikicache/internal/server"
)

func TestPageRequestMissThenHit(t *testing.T) {
	env := newHandlerEnv(t)

	resp := env.do(t, httptest.NewRequest("GET", "/wiki/Foo_Bar", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Wiki-Cache-Hit") != "false" || resp.Header.Get("X-Wiki-Cache-Stale") != "false" {
		t.Fatalf("unexpected cache headers: %v", resp.Header)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected content type %s", resp.Header.Get("Content-Type"))
	}
	if !bytes.Contains(body, []byte(`href="/wiki/Other_Page"`)) || !bytes.Contains(body, []byte(`src="/cache/wiki_Foo_20Bar__logo.png"`)) {
		t.Fatalf("page not rewritten: %s", body)
	}

	resp = env.do(t, httptest.NewRequest("GET", "/wiki/Foo_Bar", nil))
	if resp.Header.Get("X-Wiki-Cache-Hit") != "true" {
		t.Fatalf("second request should hit cache")
	}
	if env.pageHits.Load() != 1 {
		t.Fatalf("expected one upstream page fetch, got %d", env.pageHits.Load())
	}
	if !strings.Contains(env.logs.String(), `"action":"page"`) || !strings.Contains(env.logs.String(), "request_complete") {
		t.Fatalf("expected structured request log, got %s", env.logs.String())
	}
}

func TestPageRequestNoCacheForcesRefresh(t *testing.T) {
	env := newHandlerEnv(t)
	env.do(t, httptest.NewRequest("GET", "/wiki/Foo_Bar", nil))

	for _, header := range []struct{ key, value string }{
		{"Cache-Control", "max-age=0, no-cache"},
		{"Pragma", "no-cache"},
	} {
		req := httptest.NewRequest("GET", "/wiki/Foo_Bar", nil)
		req.Header.Set(header.key, header.value)
		resp := env.do(t, req)
		if resp.Header.Get("X-Wiki-Cache-Hit") != "false" {
			t.Fatalf("%s: no-cache should bypass the cache", header.key)
		}
	}
	if env.pageHits.Load() != 3 {
		t.Fatalf("expected three upstream fetches, got %d", env.pageHits.Load())
	}
	if env.assetHits.Load() != 3 {
		t.Fatalf("forced renders should refresh the embedded image, got %d", env.assetHits.Load())
	}
}

func TestPageRequestServesStaleCopy(t *testing.T) {
	env := newHandlerEnv(t)
	env.do(t, httptest.NewRequest("GET", "/wiki/Foo_Bar", nil))
	env.failPages.Store(true)

	req := httptest.NewRequest("GET", "/wiki/Foo_Bar", nil)
	req.Header.Set("Cache-Control", "no-cache")
	resp := env.do(t, req)
	if resp.StatusCode != fiber.StatusOK || resp.Header.Get("X-Wiki-Cache-Stale") != "true" {
		t.Fatalf("expected stale copy, got %d stale=%s", resp.StatusCode, resp.Header.Get("X-Wiki-Cache-Stale"))
	}
}

func TestPageRequestErrors(t *testing.T) {
	env := newHandlerEnv(t)
	env.failPages.Store(true)

	cases := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{name: "upstream failure", path: "/wiki/Foo_Bar", status: fiber.StatusBadGateway, code: "upstream_failed"},
		{name: "bad variant", path: "/wiki/Foo_Bar?action=raw", status: fiber.StatusBadRequest, code: "invalid_identity"},
		{name: "backslash", path: "/wiki/bad%5Cname", status: fiber.StatusBadRequest, code: "invalid_identity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, httptest.NewRequest("GET", tc.path, nil))
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tc.status || !bytes.Contains(body, []byte(tc.code)) {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, resp.StatusCode, body)
			}
		})
	}
}

func TestPageRequestNotFound(t *testing.T) {
	env := newHandlerEnv(t)
	resp := env.do(t, httptest.NewRequest("GET", "/wiki/Nope", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusNotFound || !bytes.Contains(body, []byte(`class="notfound"`)) {
		t.Fatalf("expected rendered not-found page, got %d %s", resp.StatusCode, body)
	}
}

func TestFrontPageForEmptyPath(t *testing.T) {
	env := newHandlerEnv(t)
	resp := env.do(t, httptest.NewRequest("GET", "/wiki/", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte("front")) {
		t.Fatalf("expected front page, got %d %s", resp.StatusCode, body)
	}
}

func TestAssetRequest(t *testing.T) {
	env := newHandlerEnv(t)
	env.do(t, httptest.NewRequest("GET", "/wiki/Foo_Bar", nil))

	resp := env.do(t, httptest.NewRequest("GET", "/cache/wiki_Foo_20Bar__logo.png", nil))
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "png-bytes" {
		t.Fatalf("unexpected asset response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected content type %s", resp.Header.Get("Content-Type"))
	}

	resp = env.do(t, httptest.NewRequest("GET", "/cache/wiki_Missing__x.png", nil))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("uncached asset should be 404, got %d", resp.StatusCode)
	}
	resp = env.do(t, httptest.NewRequest("GET", "/cache/.tmp-123", nil))
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("temp files must not be served, got %d", resp.StatusCode)
	}
}

func TestWantsRefresh(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	cases := []struct {
		key, value string
		want       bool
	}{
		{"Cache-Control", "no-cache", true},
		{"Cache-Control", "max-age=0, No-Cache", true},
		{"Cache-Control", "max-age=0", false},
		{"Pragma", "no-cache", true},
		{"Pragma", "", false},
	}
	for _, tc := range cases {
		ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
		if tc.value != "" {
			ctx.Request().Header.Set(tc.key, tc.value)
		}
		if got := wantsRefresh(ctx); got != tc.want {
			t.Fatalf("%s=%q: expected %v, got %v", tc.key, tc.value, tc.want, got)
		}
		app.ReleaseCtx(ctx)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", keymap.ErrInvalidIdentity), 400, "invalid_identity"},
		{&fetch.StatusError{URL: "u", Status: 500}, 502, "upstream_failed"},
		{fmt.Errorf("%w: disk full", cache.ErrWriteFailed), 500, "cache_write_failed"},
		{cache.ErrNotFound, 404, "not_cached"},
		{errors.New("boom"), 500, "internal_error"},
	}
	for _, tc := range cases {
		status, code := classifyError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, status, code)
		}
	}
}

type handlerEnv struct {
	app       *fiber.App
	logs      *bytes.Buffer
	pageHits  atomic.Int64
	assetHits atomic.Int64
	failPages atomic.Bool
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := &handlerEnv{logs: &bytes.Buffer{}}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/Foo_Bar" && r.URL.Query().Get("action") == "AttachFile":
			env.assetHits.Add(1)
			_, _ = w.Write([]byte("png-bytes"))
		case r.URL.Path == "/Foo_Bar":
			env.pageHits.Add(1)
			if env.failPages.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write([]byte(`<a href="/Other_Page">x</a><img src="/Foo_Bar?action=AttachFile&amp;do=get&amp;target=logo.png">`))
		case r.URL.Path == "/FrontPage":
			_, _ = w.Write([]byte(`<p>front</p>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(env.logs)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	site := config.SiteConfig{
		Name:            "test",
		WikiBaseURL:     upstream.URL,
		AliasPrefix:     "wiki_",
		MirrorPrefix:    "/wiki",
		CachePrefix:     "/cache",
		FrontPage:       "FrontPage",
		NotFoundMessage: "missing",
	}
	loader := cache.NewLoader(store, cache.NewPolicy(map[string]time.Duration{cache.Wildcard: time.Hour}), logger)
	service, err := mirror.NewService(site, loader, fetch.NewFetcher(upstream.Client(), logger, "wikicache-test"), logger)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Site:    site,
		Handler: NewHandler(service, logger),
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	env.app = app
	return env
}

func (e *handlerEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}
