package venue

import (
	"fmt"

	"go.uber.org/zap"

	"liquidity-router/internal/config"
	"liquidity-router/internal/liquidity"
)

// Build 根据配置创建全部启用的场所。
func Build(cfgs []config.VenueConfig, logger *zap.Logger) ([]liquidity.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := make([]liquidity.Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			logger.Info("场所未启用，跳过", zap.String("venue", cfg.Name))
			continue
		}

		var (
			p   liquidity.Provider
			err error
		)
		switch cfg.Kind {
		case config.VenueKindOrderBook:
			p, err = NewOrderBookVenue(cfg, logger)
		case config.VenueKindPool:
			p, err = NewPoolVenue(cfg, logger)
		default:
			err = fmt.Errorf("venue: 不支持的场所类型 %q", cfg.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("初始化场所 %s 失败: %w", cfg.Name, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
