package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "router"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	// .env 可选，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyVenueDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("routing.max_price_impact_pct", "1.0")
	v.SetDefault("routing.max_split_providers", 3)
	v.SetDefault("routing.amount_precision", 8)
	v.SetDefault("routing.quote_timeout", "0s")

	v.SetDefault("authorization.daily_reset_hour", 0)

	v.SetDefault("settlement.auto_execute", false)
	v.SetDefault("settlement.sweep_interval", "1m")
	v.SetDefault("settlement.pending_page_size", 50)

	v.SetDefault("database.path", "data/router.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)
}

// applyVenueDefaults 补齐列表项内无法通过 viper 默认值覆盖的字段。
func applyVenueDefaults(cfg *Config) {
	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		v.Kind = VenueKind(strings.ToLower(strings.TrimSpace(string(v.Kind))))
		if v.Kind != VenueKindOrderBook {
			continue
		}
		if v.OrderBookDepth <= 0 {
			v.OrderBookDepth = 50
		}
		if v.Retry.MaxAttempts <= 0 {
			v.Retry.MaxAttempts = 3
		}
		if v.Retry.MinDelay <= 0 {
			v.Retry.MinDelay = 500 * time.Millisecond
		}
		if v.Retry.MaxDelay <= 0 {
			v.Retry.MaxDelay = 5 * time.Second
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stringToDecimalHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc 将 YAML 中的字符串或数字转换为 decimal.Decimal。
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			value = strings.TrimSpace(value)
			if value == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(value)
		case float64:
			return decimal.NewFromFloat(value), nil
		case float32:
			return decimal.NewFromFloat32(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		default:
			return data, nil
		}
	}
}
