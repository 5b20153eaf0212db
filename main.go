package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/wikicache/internal/cache"
	"github.com/any-hub/wikicache/internal/config"
	"github.com/any-hub/wikicache/internal/fetch"
	"github.com/any-hub/wikicache/internal/logging"
	"github.com/any-hub/wikicache/internal/mirror"
	"github.com/any-hub/wikicache/internal/proxy"
	"github.com/any-hub/wikicache/internal/server"
	"github.com/any-hub/wikicache/internal/server/routes"
	"github.com/any-hub/wikicache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	clearCache  bool
	clearPrefix string
	renderPage  string
	variant     string
	force       bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.renderPage != "" && cfg.Global.LogFilePath == "" {
		// 标准输出留给页面正文。
		logger.SetOutput(stdErr)
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["site"] = cfg.Site.Name
		fields["wiki_base_url"] = cfg.Site.WikiBaseURL
		fields["freshness_rules"] = len(cfg.Freshness)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 磁盘缓存 → 回源客户端 → mirror 服务”顺序，
	// CLI 维护命令与 HTTP 服务共享同一套组件。
	service, err := buildService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化镜像服务失败: %v\n", err)
		return 1
	}

	switch {
	case opts.clearCache:
		return runClear(service, opts.clearPrefix)
	case opts.renderPage != "":
		return runRender(service, opts)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["site"] = cfg.Site.Name
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, service, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func buildService(cfg *config.Config, logger *logrus.Logger) (*mirror.Service, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	loader := cache.NewLoader(store, cache.NewPolicy(cfg.MaxAges()), logger)
	fetcher := fetch.NewFetcher(server.NewUpstreamClient(cfg), logger, version.UserAgent())
	return mirror.NewService(cfg.Site, loader, fetcher, logger)
}

// runClear 对应维护命令：删除匹配前缀的缓存文件，存在删除失败时返回非零退出码。
func runClear(service *mirror.Service, prefix string) int {
	result, err := service.Clear(context.Background(), prefix)
	if err != nil {
		fmt.Fprintf(stdErr, "清理缓存失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "attempted=%d deleted=%d failed=%d\n", result.Attempted, result.Deleted, result.Failed)
	if result.Failed > 0 {
		return 1
	}
	return 0
}

// runRender 以一次性方式渲染单个页面并写到标准输出，供 CGI 式调度使用。
func runRender(service *mirror.Service, opts cliOptions) int {
	page, err := service.Render(context.Background(), mirror.Request{
		Page:    opts.renderPage,
		Variant: opts.variant,
		Force:   opts.force,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "渲染页面失败: %v\n", err)
		return 1
	}
	if _, err := stdOut.Write(page.Body); err != nil {
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("wikicache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts       cliOptions
		configFlag string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 WIKICACHE_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")
	fs.BoolVar(&opts.clearCache, "clear-cache", false, "清理缓存后退出")
	fs.StringVar(&opts.clearPrefix, "clear-prefix", "", "仅清理页面名以该前缀开头的缓存")
	fs.StringVar(&opts.renderPage, "render", "", "渲染指定页面到标准输出后退出")
	fs.StringVar(&opts.variant, "variant", "", "渲染的页面变体（如 print）")
	fs.BoolVar(&opts.force, "force", false, "忽略缓存有效期强制回源")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if opts.clearPrefix != "" && !opts.clearCache {
		return cliOptions{}, fmt.Errorf("-clear-prefix 需要与 -clear-cache 一起使用")
	}

	path := os.Getenv("WIKICACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	return opts, nil
}

func startHTTPServer(cfg *config.Config, service *mirror.Service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Site:    cfg.Site,
		Handler: proxy.NewHandler(service, logger),
	})
	if err != nil {
		return err
	}
	routes.RegisterStatusRoutes(app, service)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
