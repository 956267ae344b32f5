package main

import (
	"context"
	"errors"
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

	"github.com/dcmrs-broker/dcmrs-broker/internal/cache"
	"github.com/dcmrs-broker/dcmrs-broker/internal/config"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dicomweb"
	"github.com/dcmrs-broker/dcmrs-broker/internal/dimse"
	_ "github.com/dcmrs-broker/dcmrs-broker/internal/dimse/netdimse"
	"github.com/dcmrs-broker/dcmrs-broker/internal/ingest"
	"github.com/dcmrs-broker/dcmrs-broker/internal/logging"
	"github.com/dcmrs-broker/dcmrs-broker/internal/query"
	"github.com/dcmrs-broker/dcmrs-broker/internal/retrieve"
	"github.com/dcmrs-broker/dcmrs-broker/internal/server"
	"github.com/dcmrs-broker/dcmrs-broker/internal/server/routes"
	"github.com/dcmrs-broker/dcmrs-broker/internal/version"
)

// configEnv 指定配置文件路径的环境变量，优先级低于 --config。
const configEnv = "DCMRS_BROKER_CONFIG"

// shutdownTimeout 是 HTTP 服务优雅退出的等待上限。
const shutdownTimeout = 10 * time.Second

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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runContext(ctx, opts)
}

// runContext 在 ctx 结束前持续提供服务；启动顺序为
// 配置 → 日志 → DIMSE 驱动 → 磁盘缓存 → 检索/查询 → SCP → Fiber。
func runContext(ctx context.Context, opts cliOptions) int {
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
		fields["qido_remote"] = cfg.Qido.Endpoint().String()
		fields["wado_remote"] = cfg.Wado.Endpoint().String()
		fields["cache_dir"] = cfg.Scp.CacheDirPath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	toolkit, ok := dimse.Resolve(cfg.Global.DimseDriver)
	if !ok {
		fmt.Fprintf(stdErr, "未注册的 DIMSE 驱动: %s（可用: %v）\n", cfg.Global.DimseDriver, dimse.Names())
		return 1
	}
	if aware, ok := toolkit.(interface{ SetLogger(*logrus.Logger) }); ok {
		aware.SetLogger(logger)
	}

	store, err := cache.NewStore(cfg.Scp.CacheDirPath, cache.Options{})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	if cfg.Scp.PurgeOnStart {
		if err := store.Purge(ctx); err != nil {
			fmt.Fprintf(stdErr, "清理缓存目录失败: %v\n", err)
			return 1
		}
	}

	pool := retrieve.NewPool(ctx, cfg.Global.WorkerPoolSize)
	defer pool.Close()

	coordinator := retrieve.NewCoordinator(store, toolkit, pool, retrieve.Config{
		Endpoint:      cfg.Wado.Endpoint(),
		Destination:   cfg.Scp.LocalAETitle,
		MaxAttempts:   cfg.Wado.MaxRetryAttempts,
		RetryDelay:    cfg.Wado.RetryDelay.DurationValue(),
		IdleTimeout:   cfg.Wado.RetrieveTimeout.DurationValue(),
		PollInterval:  cfg.Wado.PollInterval.DurationValue(),
		IgnoreMissing: cfg.Wado.IgnoreMissingObjects,
		StaleAfter:    cfg.Wado.StaleEntryTimeout.DurationValue(),
	}, retrieve.WithLogger(logger))
	agent := query.NewAgent(toolkit, cfg.Qido.Endpoint(), logger)
	sink := ingest.NewSink(store, toolkit, cfg.Scp.LocalAETitle, cfg.Scp.LocalPort, logger)
	reaper := cache.NewReaper(store, cache.ReaperOptions{
		MaxAge:   cfg.Scp.CacheMaxAge.DurationValue(),
		Interval: cfg.Scp.ReaperInterval.DurationValue(),
		Logger:   logger,
	})

	app, err := buildApp(cfg, logger, agent, coordinator, store)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["scp_port"] = cfg.Scp.LocalPort
	fields["driver"] = cfg.Global.DimseDriver
	fields["workers"] = cfg.Global.WorkerPoolSize
	fields["cache_max_age"] = cfg.Scp.CacheMaxAge.DurationValue().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return sink.Serve(gctx) })
	g.Go(func() error { return serveHTTP(gctx, app, cfg.Global.ListenPort, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).WithField("action", "shutdown").Error("服务异常退出")
		fmt.Fprintf(stdErr, "服务异常退出: %v\n", err)
		return 1
	}
	logger.WithField("action", "shutdown").Info("服务已停止")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
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

func buildApp(cfg *config.Config, logger *logrus.Logger, agent *query.Agent, coordinator *retrieve.Coordinator, store cache.Store) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	err = dicomweb.Register(app, dicomweb.Options{
		Querier:    agent,
		Retriever:  coordinator,
		Store:      store,
		Logger:     logger,
		QidoBase:   cfg.Qido.URLBase,
		WadoBase:   cfg.Wado.URLBase,
		RetryAfter: cfg.Wado.HTTPRetryAfter.DurationValue(),
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.DiagnosticsOptions{
		Store:   store,
		Version: version.Full(),
		Driver:  cfg.Global.DimseDriver,
	})
	return app, nil
}

// serveHTTP 监听直到 ctx 结束，随后在 shutdownTimeout 内优雅关闭。
func serveHTTP(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return err
		}
		return <-errCh
	}
}
