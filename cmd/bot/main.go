package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"binance-pt-bot-go/internal/actionlog"
	"binance-pt-bot-go/internal/config"
	"binance-pt-bot-go/internal/exchange"
	"binance-pt-bot-go/internal/isolated"
	"binance-pt-bot-go/internal/logger"
	"binance-pt-bot-go/internal/manager"
	"binance-pt-bot-go/internal/metrics"
	"binance-pt-bot-go/internal/models"
	"binance-pt-bot-go/internal/reporter"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.ini", "path to the config file")
	reportEvery := flag.Duration("report", 30*time.Second, "interval between snapshot reports")
	flag.Parse()

	// 在配置加载前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	if err := run(cfg, *reportEvery); err != nil {
		logger.S().Fatalf("启动失败: %v", err)
	}
}

func run(cfg *models.Config, reportEvery time.Duration) error {
	log := logger.S()

	ex, sim, err := buildExchange(cfg, log)
	if err != nil {
		return err
	}

	repo, err := isolated.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open isolated ledger at %s: %w", cfg.DBPath, err)
	}
	iso, err := isolated.NewManager(repo, log)
	if err != nil {
		return fmt.Errorf("load isolated ledger: %w", err)
	}
	actions, err := actionlog.Open(cfg.ActionLogPath)
	if err != nil {
		return fmt.Errorf("open action log at %s: %w", cfg.ActionLogPath, err)
	}

	mgr := manager.New(cfg, ex, iso, actions, log)
	if err := mgr.Start(); err != nil {
		return err
	}

	rep := reporter.New(mgr, reportEvery, log)
	rep.Start()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Errorf("指标端口退出: %v", err)
			}
		}()
		log.Infof("指标端口已启动 %s", cfg.MetricsAddr)
	}

	if sim != nil && cfg.ClientMode == models.ModeSimulatorManual {
		go readManualSteps(sim, log)
		log.Info("手动模式：从标准输入读取 \"SYMBOL DELTA\" 指令推进行情")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("收到信号 %s，开始重启式退出（挂出未完成订单后停止）", sig)

	// 退出顺序：先结束会话并移交隔离订单，再关闭下游资源
	mgr.Reboot()
	rep.Stop()
	if err := ex.Close(); err != nil {
		log.Warnf("关闭交易所适配器失败: %v", err)
	}
	if err := iso.Close(); err != nil {
		log.Warnf("关闭隔离订单台账失败: %v", err)
	}
	if err := actions.Close(); err != nil {
		log.Warnf("关闭动作日志失败: %v", err)
	}
	log.Info("已正常退出")
	return nil
}

// buildExchange 按 client_mode 构造适配器。
// 实盘模式额外订阅手续费折算用的辅助交易对行情。
func buildExchange(cfg *models.Config, log *zap.SugaredLogger) (exchange.Exchange, *exchange.SimulatorExchange, error) {
	switch cfg.ClientMode {
	case models.ModeExchange:
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return nil, nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set for EXCHANGE mode")
		}
		return exchange.NewLiveExchange(apiKey, secretKey, cfg.IsTestnet, streamSymbols(cfg), log), nil, nil
	case models.ModeSimulatorGenerator, models.ModeSimulatorManual:
		sim := exchange.NewSimulatorExchange(cfg, log)
		return sim, sim, nil
	default:
		return nil, nil, fmt.Errorf("unknown client mode %q", cfg.ClientMode)
	}
}

// streamSymbols 返回需要订阅行情流的全部交易对（去重，保持顺序）。
func streamSymbols(cfg *models.Config) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(symbol string) {
		if symbol == "" || seen[symbol] {
			return
		}
		seen[symbol] = true
		out = append(out, symbol)
	}
	for _, s := range cfg.Symbols {
		add(s)
	}
	for _, s := range cfg.Symbols {
		add(cfg.SymbolConfigs[s].CommissionRateSymbol)
	}
	return out
}

// readManualSteps 把标准输入的 "SYMBOL DELTA" 行转成模拟器的价格步进。
func readManualSteps(sim *exchange.SimulatorExchange, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			log.Warn("无效指令，格式: SYMBOL DELTA（如 BTCEUR -25）")
			continue
		}
		delta, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			log.Warnf("无效增量 %q: %v", fields[1], err)
			continue
		}
		sim.Step(strings.ToUpper(fields[0]), delta)
	}
}
