package config

import (
	"fmt"
	"strconv"
	"strings"

	"binance-pt-bot-go/internal/models"

	"github.com/spf13/viper"
)

// Load 从 INI 配置文件加载并校验全部配置。
//
// 识别的段：[APP_MODE]、[BINANCE]、每个交易对一个 [<SYMBOL>] 段、
// [<SYMBOL>_SIMULATOR_DATA]、[SIMULATOR_GLOBAL_DATA]、[LOG]、[METRICS]。
func Load(path string) (*models.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &models.Config{
		SymbolConfigs: make(map[string]models.SymbolConfig),
		SimulatorData: make(map[string]models.SimulatorSymbolData),
	}

	mode := models.ClientMode(strings.ToUpper(v.GetString("app_mode.client_mode")))
	switch mode {
	case models.ModeExchange, models.ModeSimulatorGenerator, models.ModeSimulatorManual:
		cfg.ClientMode = mode
	default:
		return nil, fmt.Errorf("unknown client_mode %q", v.GetString("app_mode.client_mode"))
	}
	cfg.MaxSessionsPerSymbol = v.GetInt("app_mode.max_sessions_per_symbol")
	cfg.DBPath = v.GetString("app_mode.db_path")
	if cfg.DBPath == "" {
		cfg.DBPath = "data/isolated"
	}
	cfg.ActionLogPath = v.GetString("app_mode.action_log_path")
	if cfg.ActionLogPath == "" {
		cfg.ActionLogPath = "data/actions.db"
	}

	for _, raw := range strings.Split(v.GetString("binance.symbols"), ",") {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		cfg.Symbols = append(cfg.Symbols, symbol)
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols configured in [BINANCE]")
	}
	cfg.IsTestnet = v.GetBool("binance.testnet")

	for _, symbol := range cfg.Symbols {
		sc, err := loadSymbol(v, symbol)
		if err != nil {
			return nil, err
		}
		cfg.SymbolConfigs[symbol] = sc

		if sim, ok, err := loadSimulatorData(v, symbol); err != nil {
			return nil, err
		} else if ok {
			cfg.SimulatorData[symbol] = sim
		}
	}

	if cfg.ClientMode != models.ModeExchange {
		if err := loadSimulatorGlobal(v, cfg); err != nil {
			return nil, err
		}
	}

	cfg.LogConfig = models.LogConfig{
		Level:      withDefault(v.GetString("log.level"), "info"),
		Output:     withDefault(v.GetString("log.output"), "console"),
		File:       withDefault(v.GetString("log.file"), "logs/bot.log"),
		MaxSize:    withDefaultInt(v.GetInt("log.max_size"), 50),
		MaxBackups: withDefaultInt(v.GetInt("log.max_backups"), 5),
		MaxAge:     withDefaultInt(v.GetInt("log.max_age"), 30),
		Compress:   v.GetBool("log.compress"),
	}
	cfg.MetricsAddr = v.GetString("metrics.listen_addr")

	return cfg, nil
}

// loadSymbol 解析一个 [<SYMBOL>] 段并做基本校验。
func loadSymbol(v *viper.Viper, symbol string) (models.SymbolConfig, error) {
	section := strings.ToLower(symbol)
	if !v.IsSet(section) {
		return models.SymbolConfig{}, fmt.Errorf("missing [%s] section", symbol)
	}
	key := func(name string) string { return section + "." + name }

	sc := models.SymbolConfig{
		BasePV:                               v.GetInt(key("base_pv")),
		QuotePV:                              v.GetInt(key("quote_pv")),
		BasePT:                               strings.ToUpper(v.GetString(key("base_pt"))),
		QuotePT:                              strings.ToUpper(v.GetString(key("quote_pt"))),
		Quantity:                             v.GetFloat64(key("quantity")),
		NetQuoteBalance:                      v.GetFloat64(key("net_quote_balance")),
		Fee:                                  v.GetFloat64(key("fee")),
		CommissionRateSymbol:                 strings.ToUpper(v.GetString(key("commission_rate_symbol"))),
		TargetTotalNetProfit:                 v.GetFloat64(key("target_total_net_profit")),
		MaxNegativeProfitAllowed:             v.GetFloat64(key("max_negative_profit_allowed")),
		CyclesCountForInactivity:             v.GetInt(key("cycles_count_for_inactivity")),
		TimeBetweenSuccessivePtCreationTries: v.GetInt(key("time_between_successive_pt_creation_tries")),
		IsolatedDistance:                     v.GetFloat64(key("isolated_distance")),
		DistanceToTargetPrice:                v.GetFloat64(key("distance_to_target_price")),
		OverActivationShift:                  v.GetFloat64(key("over_activation_shift")),
		ForcedShift:                          v.GetFloat64(key("forced_shift")),
		DistanceForReplacingOrder:            v.GetFloat64(key("distance_for_replacing_order")),
		MinDistanceForCancelingOrder:         v.GetFloat64(key("min_distance_for_canceling_order")),
		ConsolidatedVsActionsCountRate:       v.GetFloat64(key("consolidated_vs_actions_count_rate")),
		CancelMax:                            v.GetInt(key("cancel_max")),
		TriesToForceGetLiquidity:             v.GetInt(key("tries_to_force_get_liquidity")),
		AcceptedLossToGetLiquidity:           v.GetFloat64(key("accepted_loss_to_get_liquidity")),
		LossForActivationFlag:                v.GetFloat64(key("loss_for_activation_flag")),
	}

	if sc.BasePT == "" || sc.QuotePT == "" {
		return sc, fmt.Errorf("[%s] base_pt and quote_pt are required", symbol)
	}
	if sc.Quantity <= 0 {
		return sc, fmt.Errorf("[%s] quantity must be positive", symbol)
	}
	if sc.Fee < 0 {
		return sc, fmt.Errorf("[%s] fee must not be negative", symbol)
	}
	if sc.MaxNegativeProfitAllowed > 0 {
		return sc, fmt.Errorf("[%s] max_negative_profit_allowed must not be positive", symbol)
	}
	return sc, nil
}

// loadSimulatorData 解析可选的 [<SYMBOL>_SIMULATOR_DATA] 段。
func loadSimulatorData(v *viper.Viper, symbol string) (models.SimulatorSymbolData, bool, error) {
	section := strings.ToLower(symbol) + "_simulator_data"
	if !v.IsSet(section) {
		return models.SimulatorSymbolData{}, false, nil
	}
	data := models.SimulatorSymbolData{
		InitialCmp: v.GetFloat64(section + ".initial_cmp"),
	}
	raw := v.GetString(section + ".cmp_generator_choice_values")
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return data, false, fmt.Errorf("[%s_SIMULATOR_DATA] bad choice value %q: %w", symbol, part, err)
		}
		data.ChoiceValues = append(data.ChoiceValues, f)
	}
	if data.InitialCmp <= 0 {
		return data, false, fmt.Errorf("[%s_SIMULATOR_DATA] initial_cmp must be positive", symbol)
	}
	return data, true, nil
}

// loadSimulatorGlobal 解析 [SIMULATOR_GLOBAL_DATA]。
// initial_<asset> 形式的键定义每个资产的初始可用余额。
func loadSimulatorGlobal(v *viper.Viper, cfg *models.Config) error {
	const section = "simulator_global_data"
	if !v.IsSet(section) {
		return fmt.Errorf("simulator mode requires a [SIMULATOR_GLOBAL_DATA] section")
	}
	global := models.SimulatorGlobalData{
		UpdateRate:      v.GetFloat64(section + ".update_rate"),
		Fee:             v.GetFloat64(section + ".fee"),
		InitialBalances: make(map[string]float64),
	}
	for name, value := range v.GetStringMapString(section) {
		if !strings.HasPrefix(name, "initial_") {
			continue
		}
		asset := strings.ToUpper(strings.TrimPrefix(name, "initial_"))
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("[SIMULATOR_GLOBAL_DATA] bad balance %s=%q: %w", name, value, err)
		}
		global.InitialBalances[asset] = f
	}
	if global.UpdateRate <= 0 {
		global.UpdateRate = 1
	}
	for _, symbol := range cfg.Symbols {
		if _, ok := cfg.SimulatorData[symbol]; !ok {
			return fmt.Errorf("simulator mode requires a [%s_SIMULATOR_DATA] section", symbol)
		}
	}
	cfg.SimulatorGlobal = global
	return nil
}

func withDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func withDefaultInt(i, def int) int {
	if i == 0 {
		return def
	}
	return i
}
