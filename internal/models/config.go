package models

// ClientMode 选择真实交易所适配器还是模拟器。
type ClientMode string

const (
	ModeExchange           ClientMode = "EXCHANGE"
	ModeSimulatorGenerator ClientMode = "SIMULATOR_GENERATOR"
	ModeSimulatorManual    ClientMode = "SIMULATOR_MANUAL"
)

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// SimulatorSymbolData 是 [<SYMBOL>_SIMULATOR_DATA] 段的内容。
type SimulatorSymbolData struct {
	InitialCmp float64 `json:"initial_cmp"`
	// 随机游走每步从该列表中均匀抽取一个带符号增量
	ChoiceValues []float64 `json:"cmp_generator_choice_values"`
}

// SimulatorGlobalData 是 [SIMULATOR_GLOBAL_DATA] 段的内容。
type SimulatorGlobalData struct {
	UpdateRate      float64            `json:"update_rate"` // 模拟行情 tick 间隔（秒）
	InitialBalances map[string]float64 `json:"initial_balances"`
	Fee             float64            `json:"fee"`
}

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	ClientMode           ClientMode                     `json:"client_mode"`
	Symbols              []string                       `json:"symbols"` // [BINANCE] symbols，有序
	SymbolConfigs        map[string]SymbolConfig        `json:"symbol_configs"`
	SimulatorData        map[string]SimulatorSymbolData `json:"simulator_data"`
	SimulatorGlobal      SimulatorGlobalData            `json:"simulator_global"`
	LogConfig            LogConfig                      `json:"log"`
	MetricsAddr          string                         `json:"metrics_addr"`            // 为空则不启动指标端口
	MaxSessionsPerSymbol int                            `json:"max_sessions_per_symbol"` // 0 表示不限制
	DBPath               string                         `json:"db_path"`                 // 孤立订单台账的数据库目录
	ActionLogPath        string                         `json:"action_log_path"`         // 动作日志 SQLite 文件
	IsTestnet            bool                           `json:"is_testnet"`
}
