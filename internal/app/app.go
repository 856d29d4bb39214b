package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/internal/config"
	"orderflow/internal/engine"
	"orderflow/internal/exchange"
	"orderflow/internal/filters"
	"orderflow/internal/journal"
	"orderflow/internal/order"
	"orderflow/internal/validate"
)

// marketClient 聚合执行引擎与校验所需的交易所能力。
type marketClient interface {
	engine.Client
	filters.Fetcher
	FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// App 聚合核心依赖并驱动意图执行。实盘客户端与过滤器缓存
// 在构造期建立一次，多次 Run 共享缓存与市场元数据。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	journal *journal.Service
	client  marketClient
	cache   *filters.Cache
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *journal.Store) (*App, error) {
	journalSvc, err := journal.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化journal失败: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		journal: journalSvc,
	}

	if !cfg.Execution.Simulation {
		client, err := exchange.NewClient(cfg.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
		}
		a.client = client
		a.cache = filters.NewCache(client, cfg.Filters.TTL, logger)
	}

	return a, nil
}

// Run 执行一次下单意图：过滤器 → 校验 → 编译 → 引擎驱动 → 落盘结果。
// 校验失败在任何网络下单调用前返回。
func (a *App) Run(ctx context.Context, it order.Intent) (order.Result, error) {
	client, cache := a.client, a.cache
	if a.cfg.Execution.Simulation {
		// 模拟参考价由意图推导，模拟客户端按意图构建
		a.logger.Info("执行器处于模拟模式", zap.String("symbol", it.Symbol))
		sim := exchange.NewSimulator(simFilters(it.Symbol), simRefPrice(it), a.logger)
		client = sim
		cache = filters.NewCache(sim, a.cfg.Filters.TTL, a.logger)
	}

	f, err := cache.Get(ctx, it.Symbol)
	if err != nil {
		return order.Result{}, fmt.Errorf("获取交易对过滤器失败: %w", err)
	}

	ref, err := client.FetchMarkPrice(ctx, it.Symbol)
	if err != nil {
		return order.Result{}, fmt.Errorf("获取参考价失败: %w", err)
	}

	if err := validate.Intent(it, f, ref); err != nil {
		return order.Result{}, err
	}

	plan, err := order.Compile(it, f, ref)
	if err != nil {
		return order.Result{}, err
	}

	a.logger.Info("执行计划已编译",
		zap.String("intent_id", it.ID),
		zap.String("kind", string(it.Kind)),
		zap.String("symbol", it.Symbol),
		zap.String("policy", string(plan.Policy)),
		zap.Int("children", len(plan.Children)),
		zap.String("reference_price", ref.String()),
	)

	eng := engine.New(client, engine.Options{
		StepTimeout:            a.cfg.Execution.StepTimeout,
		PollInterval:           a.cfg.Execution.PollInterval,
		IntentDeadline:         a.cfg.Execution.IntentDeadline,
		MaxParallel:            a.cfg.Execution.MaxParallel,
		LinkedFillThreshold:    a.cfg.Execution.LinkedFillThreshold,
		AcceptPartialOnTimeout: a.cfg.Execution.AcceptPartialTimeout,
	}, a.journal, a.logger)

	result := eng.Run(ctx, plan)
	a.journal.RecordResult(context.WithoutCancel(ctx), result)
	return result, nil
}

// simFilters 为模拟模式提供一组合成过滤器。
func simFilters(symbol string) filters.SymbolFilters {
	return filters.SymbolFilters{
		Symbol:   symbol,
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
		MinPrice: decimal.RequireFromString("0.01"),
	}
}

// simRefPrice 依据意图参数推导一个方向自洽的模拟参考价，
// 保证演练模式下价格排序校验与实盘同路径。
func simRefPrice(it order.Intent) decimal.Decimal {
	two := decimal.NewFromInt(2)
	switch it.Kind {
	case order.KindOCO:
		if it.TakeProfitPrice.IsPositive() && it.StopPrice.IsPositive() {
			return it.TakeProfitPrice.Add(it.StopPrice).Div(two)
		}
	case order.KindGrid:
		if it.LowerPrice.IsPositive() && it.UpperPrice.IsPositive() {
			return it.LowerPrice.Add(it.UpperPrice).Div(two)
		}
	case order.KindStopLimit:
		if it.TriggerPrice.IsPositive() {
			offset := it.TriggerPrice.Div(decimal.NewFromInt(100))
			if it.Side == order.SideBuy {
				return it.TriggerPrice.Sub(offset)
			}
			return it.TriggerPrice.Add(offset)
		}
	case order.KindLimit:
		if it.LimitPrice.IsPositive() {
			return it.LimitPrice
		}
	}
	return decimal.NewFromInt(50000)
}
