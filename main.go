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

	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/config"
	"github.com/ghast-core/ghast-core/internal/core"
	"github.com/ghast-core/ghast-core/internal/logging"
	"github.com/ghast-core/ghast-core/internal/metrics"
	"github.com/ghast-core/ghast-core/internal/server"
	"github.com/ghast-core/ghast-core/internal/server/routes"
	"github.com/ghast-core/ghast-core/internal/version"
)

// ConfigEnv 指定配置文件路径的环境变量，优先级低于 --config。
const ConfigEnv = "GHAST_CONFIG"

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
		fields["database"] = cfg.Database.Summary()
		fields["extensions"] = cfg.Extensions.Directory
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 日志 → 核心（连接池、数据存储、注册表、扩展管理器）→ Fiber 管理接口。
	m := metrics.New()
	c, err := core.New(core.Options{Config: cfg, Logger: logger, Metrics: m})
	if err != nil {
		fmt.Fprintf(stdErr, "构建核心失败: %v\n", err)
		return 1
	}
	if err := c.Start(ctx); err != nil {
		fmt.Fprintf(stdErr, "核心启动失败: %v\n", err)
		_ = c.Close(context.Background())
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["database"] = cfg.Database.Summary()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	serveErr := startHTTPServer(ctx, cfg, c, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("核心关闭时出现错误")
	}

	if serveErr != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", serveErr)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("ghast-core", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 GHAST_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(ConfigEnv)
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

// startHTTPServer 阻塞运行管理接口，ctx 取消后优雅关闭。
func startHTTPServer(ctx context.Context, cfg *config.Config, c *core.Core, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterExtensionRoutes(app, c.Manager())
	routes.RegisterEntityRoutes(app, c.Bus(), c.Store())
	routes.RegisterDiagnosticRoutes(app, routes.DiagnosticsOptions{
		Metrics:        c.Metrics(),
		Ready:          c.Ready,
		GoroutineLimit: 10000,
	})
	server.MountFallback(app, logger)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithField("action", "shutdown").WithError(err).Warn("Fiber 服务关闭超时")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
