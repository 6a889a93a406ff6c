package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// VenueKind 表示流动性场所的接入方式。
type VenueKind string

const (
	// VenueKindOrderBook 通过 ccxt 接入中心化交易所订单簿。
	VenueKindOrderBook VenueKind = "orderbook"
	// VenueKindPool 为恒定乘积资金池（模拟盘与测试使用）。
	VenueKindPool VenueKind = "pool"
)

// Config 聚合了路由引擎运行所需的全部配置项。
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Venues        []VenueConfig       `mapstructure:"venues"`
	Routing       RoutingConfig       `mapstructure:"routing"`
	Authorization AuthorizationConfig `mapstructure:"authorization"`
	Settlement    SettlementConfig    `mapstructure:"settlement"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Monitor       MonitorConfig       `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VenueConfig 描述单个流动性场所。
type VenueConfig struct {
	Name    string    `mapstructure:"name"`
	Kind    VenueKind `mapstructure:"kind"`
	Enabled bool      `mapstructure:"enabled"`
	Chains  []string  `mapstructure:"chains"`

	// orderbook 场所
	Exchange       string            `mapstructure:"exchange"`
	Markets        []string          `mapstructure:"markets"`
	APIKey         string            `mapstructure:"api_key"`
	APISecret      string            `mapstructure:"api_secret"`
	APIPass        string            `mapstructure:"api_password"`
	Wallet         string            `mapstructure:"wallet_address"`
	PrivateKey     string            `mapstructure:"private_key"`
	UseSandbox     bool              `mapstructure:"use_sandbox"`
	OrderBookDepth int               `mapstructure:"order_book_depth"`
	Retry          RetryConfig       `mapstructure:"retry"`
	TakerFeeRate   decimal.Decimal   `mapstructure:"taker_fee_rate"`
	GasFee         decimal.Decimal   `mapstructure:"gas_fee"`
	Params         map[string]string `mapstructure:"params"`

	// pool 场所
	Pools []PoolConfig `mapstructure:"pools"`
}

// PoolConfig 描述恒定乘积池的初始储备。
type PoolConfig struct {
	TokenA   string          `mapstructure:"token_a"`
	TokenB   string          `mapstructure:"token_b"`
	ReserveA decimal.Decimal `mapstructure:"reserve_a"`
	ReserveB decimal.Decimal `mapstructure:"reserve_b"`
	FeeRate  decimal.Decimal `mapstructure:"fee_rate"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RoutingConfig 控制最优执行选择与拆单。
type RoutingConfig struct {
	MaxPriceImpactPct decimal.Decimal `mapstructure:"max_price_impact_pct"`
	MaxSplitProviders int             `mapstructure:"max_split_providers"`
	AmountPrecision   int32           `mapstructure:"amount_precision"`
	QuoteTimeout      time.Duration   `mapstructure:"quote_timeout"`
}

// AuthorizationConfig 描述代理授权策略。
type AuthorizationConfig struct {
	DailyResetHour int           `mapstructure:"daily_reset_hour"`
	Agents         []AgentPolicy `mapstructure:"agents"`
}

// AgentPolicy 为单个自动化代理的授权范围。
type AgentPolicy struct {
	AgentID           string          `mapstructure:"agent_id"`
	Active            bool            `mapstructure:"active"`
	AllowedStrategies []string        `mapstructure:"allowed_strategies"`
	AllowedTokens     []string        `mapstructure:"allowed_tokens"`
	AllowedVenues     []string        `mapstructure:"allowed_venues"`
	MaxAmountPerSwap  decimal.Decimal `mapstructure:"max_amount_per_swap"`
	DailyLimit        decimal.Decimal `mapstructure:"daily_limit"`
	ExpiresAt         time.Time       `mapstructure:"expires_at"`
}

// SettlementConfig 控制结算批处理。
type SettlementConfig struct {
	AutoExecute     bool          `mapstructure:"auto_execute"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PendingPageSize int           `mapstructure:"pending_page_size"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制查询接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	seen := make(map[string]struct{}, len(c.Venues))
	for i, v := range c.Venues {
		prefix := fmt.Sprintf("venues[%d]", i)
		if v.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%s.name 不能为空", prefix))
		}
		if _, dup := seen[strings.ToLower(v.Name)]; dup {
			err = multierr.Append(err, fmt.Errorf("%s.name %q 重复", prefix, v.Name))
		}
		seen[strings.ToLower(v.Name)] = struct{}{}
		switch v.Kind {
		case VenueKindOrderBook:
			if v.Exchange == "" {
				err = multierr.Append(err, fmt.Errorf("%s.exchange 不能为空", prefix))
			}
			if len(v.Markets) == 0 {
				err = multierr.Append(err, fmt.Errorf("%s.markets 至少包含一个交易对", prefix))
			}
			if v.Retry.MaxAttempts <= 0 {
				err = multierr.Append(err, fmt.Errorf("%s.retry.max_attempts 必须大于0", prefix))
			}
			if v.Retry.MinDelay > v.Retry.MaxDelay {
				err = multierr.Append(err, fmt.Errorf("%s.retry.min_delay 不能大于 max_delay", prefix))
			}
			if v.TakerFeeRate.IsNegative() || v.TakerFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				err = multierr.Append(err, fmt.Errorf("%s.taker_fee_rate 应位于[0,1)", prefix))
			}
		case VenueKindPool:
			if len(v.Pools) == 0 {
				err = multierr.Append(err, fmt.Errorf("%s.pools 至少包含一个资金池", prefix))
			}
			for j, p := range v.Pools {
				if p.TokenA == "" || p.TokenB == "" {
					err = multierr.Append(err, fmt.Errorf("%s.pools[%d] 代币不能为空", prefix, j))
				}
				if !p.ReserveA.IsPositive() || !p.ReserveB.IsPositive() {
					err = multierr.Append(err, fmt.Errorf("%s.pools[%d] 储备必须为正", prefix, j))
				}
			}
		default:
			err = multierr.Append(err, fmt.Errorf("%s.kind 不支持: %q", prefix, v.Kind))
		}
		if len(v.Chains) == 0 {
			err = multierr.Append(err, fmt.Errorf("%s.chains 至少包含一条链", prefix))
		}
	}

	if c.Routing.MaxPriceImpactPct.IsNegative() || c.Routing.MaxPriceImpactPct.GreaterThan(decimal.NewFromInt(100)) {
		err = multierr.Append(err, errors.New("routing.max_price_impact_pct 应位于[0,100]"))
	}
	if c.Routing.MaxSplitProviders < 1 {
		err = multierr.Append(err, errors.New("routing.max_split_providers 必须大于0"))
	}
	if c.Routing.AmountPrecision < 0 || c.Routing.AmountPrecision > 18 {
		err = multierr.Append(err, errors.New("routing.amount_precision 应位于[0,18]"))
	}
	if c.Routing.QuoteTimeout < 0 {
		err = multierr.Append(err, errors.New("routing.quote_timeout 不能为负"))
	}

	if c.Authorization.DailyResetHour < 0 || c.Authorization.DailyResetHour > 23 {
		err = multierr.Append(err, errors.New("authorization.daily_reset_hour 必须位于[0,23]"))
	}
	for i, a := range c.Authorization.Agents {
		if a.AgentID == "" {
			err = multierr.Append(err, fmt.Errorf("authorization.agents[%d].agent_id 不能为空", i))
		}
		if a.MaxAmountPerSwap.IsNegative() || a.DailyLimit.IsNegative() {
			err = multierr.Append(err, fmt.Errorf("authorization.agents[%d] 额度不能为负", i))
		}
	}

	if c.Settlement.AutoExecute && c.Settlement.SweepInterval <= 0 {
		err = multierr.Append(err, errors.New("settlement.sweep_interval 必须大于0"))
	}
	if c.Settlement.PendingPageSize <= 0 || c.Settlement.PendingPageSize > 500 {
		err = multierr.Append(err, errors.New("settlement.pending_page_size 应位于(0,500]"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 无效"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
