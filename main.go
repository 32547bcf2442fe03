package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/fetch"
	_ "github.com/any-hub/media-cache/internal/hls"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/proxy"
	"github.com/any-hub/media-cache/internal/resource"
	"github.com/any-hub/media-cache/internal/server"
	"github.com/any-hub/media-cache/internal/server/routes"
	"github.com/any-hub/media-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = len(cfg.Origins)
		fields["credentials"] = config.CredentialModes(cfg.Origins)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.WithError(err).Warn("关闭缓存索引失败")
		}
	}()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Origins)
	fields["storage_path"] = cfg.Global.StoragePath
	fields["entries"] = len(svc.index.Entries())
	fields["memory_tier"] = cfg.Global.MemoryTierEnabled()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, svc.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// service 持有进程生命周期内共享的组件。
type service struct {
	app    *fiber.App
	index  *cache.Index
	memory *cache.MemoryTier
	coord  *fetch.Coordinator
	stats  *metrics.Metrics
	cancel context.CancelFunc
}

// newService 按“磁盘存储 → 索引恢复 → 内存层 → 指标 → 回源协调 → Engine → Fiber”顺序装配，
// 保证所有请求共享同一份索引与会话表。
func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	g := cfg.Global
	store, err := cache.NewStore(g.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	index, err := cache.OpenIndex(g.IndexPath, store, cache.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("打开缓存索引失败: %w", err)
	}
	if err := index.Load(ctx); err != nil {
		index.Close()
		return nil, fmt.Errorf("恢复缓存索引失败: %w", err)
	}

	memCtx, cancel := context.WithCancel(context.Background())
	memory, err := cache.NewMemoryTier(memCtx, g.MaxMemoryCache, g.MemoryCacheTTL.DurationValue())
	if err != nil {
		cancel()
		index.Close()
		return nil, fmt.Errorf("初始化内存缓存失败: %w", err)
	}

	stats := metrics.NewDefault()
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		cancel()
		index.Close()
		return nil, fmt.Errorf("构建源站注册表失败: %w", err)
	}
	origin := fetch.NewHTTPOrigin(server.NewUpstreamClient(cfg), registry)
	coord := fetch.NewCoordinator(origin, index, store, fetch.Options{
		ChunkSize:          g.ChunkSize,
		FlushBytes:         g.FlushBytes,
		ReadTimeout:        g.UpstreamTimeout.DurationValue(),
		MaxWholeObjectSize: g.MaxWholeObjectSize,
		Logger:             logger,
		Metrics:            stats,
	})
	engine, err := proxy.NewEngine(proxy.EngineOptions{
		Resolver:       resource.NewResolver(resource.NewStripRules(g.StripQueryParams)),
		Index:          index,
		Store:          store,
		Memory:         memory,
		Coordinator:    coord,
		Logger:         logger,
		Metrics:        stats,
		MaxRetries:     g.MaxRetries,
		InitialBackoff: g.InitialBackoff.DurationValue(),
	})
	if err != nil {
		coord.Close()
		cancel()
		index.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(engine, origin, logger, stats),
		ListenPort: g.ListenPort,
	})
	if err != nil {
		coord.Close()
		cancel()
		index.Close()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, registry, engine, stats)

	return &service{
		app:    app,
		index:  index,
		memory: memory,
		coord:  coord,
		stats:  stats,
		cancel: cancel,
	}, nil
}

// Close 停止全部回源会话后落盘索引。
func (s *service) Close() error {
	s.coord.Close()
	s.memory.Close()
	s.cancel()
	return s.index.Close()
}

// serve 监听端口直到 ctx 结束，然后在 shutdownTimeout 内优雅退出。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	return group.Wait()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("media-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIA_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEDIA_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}
