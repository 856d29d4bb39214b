package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/internal/config"
	"orderflow/internal/filters"
	"orderflow/internal/order"
)

// Client 负责与交易所交互并实现重试机制。
// 所有下单调用都携带子订单的 ClientOrderID 作为幂等键，
// 网络层重试不会在交易所侧产生重复订单。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
	markets       map[string]ccxt.MarketInterface
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// PlaceOrder 提交子订单。重试期间如交易所报告幂等键重复，
// 则回查原订单并返回其回执，不会产生第二笔委托。
func (c *Client) PlaceOrder(ctx context.Context, spec order.ChildSpec) (order.Ack, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return order.Ack{}, err
	}

	params := map[string]interface{}{
		"clientOrderId": spec.ClientOrderID,
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "place_order", func() error {
		var callErr error
		switch spec.Type {
		case order.ChildMarket:
			raw, callErr = c.exchange.CreateMarketOrder(
				spec.Symbol,
				string(spec.Side),
				spec.Quantity.InexactFloat64(),
				ccxt.WithCreateMarketOrderParams(params),
			)
		case order.ChildLimit:
			raw, callErr = c.exchange.CreateLimitOrder(
				spec.Symbol,
				string(spec.Side),
				spec.Quantity.InexactFloat64(),
				spec.Price.InexactFloat64(),
				ccxt.WithCreateLimitOrderParams(params),
			)
		case order.ChildStopLimit:
			stopParams := map[string]interface{}{
				"clientOrderId": spec.ClientOrderID,
				"stopPrice":     spec.TriggerPrice.InexactFloat64(),
				"timeInForce":   "GTC",
			}
			raw, callErr = c.exchange.CreateOrder(
				spec.Symbol,
				"limit",
				string(spec.Side),
				spec.Quantity.InexactFloat64(),
				ccxt.WithCreateOrderPrice(spec.Price.InexactFloat64()),
				ccxt.WithCreateOrderParams(stopParams),
			)
		default:
			return fmt.Errorf("%w: 不支持的子订单类型 %s", ErrOrderRejected, spec.Type)
		}
		return callErr
	})
	if err != nil {
		if isDuplicateClientID(err) {
			c.logger.Info("幂等键已存在，回查原订单",
				zap.String("client_order_id", spec.ClientOrderID),
			)
			snapshot, lookupErr := c.statusByClientID(ctx, spec.Symbol, spec.ClientOrderID)
			if lookupErr != nil {
				return order.Ack{}, lookupErr
			}
			return order.Ack{
				OrderID:       snapshot.OrderID,
				ClientOrderID: spec.ClientOrderID,
				State:         snapshot.State,
				FilledQty:     snapshot.FilledQty,
			}, nil
		}
		if isRejection(err) {
			return order.Ack{}, fmt.Errorf("%w: %v", ErrOrderRejected, err)
		}
		return order.Ack{}, err
	}

	return order.Ack{
		OrderID:       derefString(raw.Id),
		ClientOrderID: spec.ClientOrderID,
		State:         mapOrderState(raw),
		FilledQty:     decimal.NewFromFloat(derefFloat(raw.Filled)),
	}, nil
}

// CancelOrder 撤销订单。订单已成交/已撤销/不存在视为撤销成功，
// 依赖交易所幂等撤单语义吸收OCO场景下的撤单与成交竞态。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, callErr := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return callErr
	})
	if err != nil {
		if isOrderGone(err) {
			c.logger.Debug("订单已关闭，撤单视为成功",
				zap.String("order_id", orderID),
			)
			return nil
		}
		return err
	}
	return nil
}

// OrderStatus 查询订单状态快照。
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (order.StatusSnapshot, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		var callErr error
		raw, callErr = c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		return callErr
	})
	if err != nil {
		return order.StatusSnapshot{}, err
	}
	return snapshotFromOrder(raw), nil
}

// FetchSymbolFilters 从交易所市场元数据提取交易对过滤器。
func (c *Client) FetchSymbolFilters(ctx context.Context, symbol string) (filters.SymbolFilters, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return filters.SymbolFilters{}, err
	}

	c.marketsMu.Lock()
	market, ok := c.markets[symbol]
	c.marketsMu.Unlock()
	if !ok {
		return filters.SymbolFilters{}, fmt.Errorf("%w: %s", filters.ErrUnknownSymbol, symbol)
	}

	f := filtersFromMarket(symbol, market)
	if err := f.Validate(); err != nil {
		return filters.SymbolFilters{}, err
	}
	return f, nil
}

// filtersFromMarket 从统一市场元数据提取下单约束。
// MarketInterface 不展开 precision 结构，tick/step 取自 Info 原始字典；
// binance 按 TICK_SIZE 模式返回精度，其值即最小变动单位。
func filtersFromMarket(symbol string, market ccxt.MarketInterface) filters.SymbolFilters {
	var precision ccxt.Precision
	if raw, ok := market.Info["precision"].(map[string]interface{}); ok {
		precision = ccxt.NewPrecision(raw)
	}

	return filters.SymbolFilters{
		Symbol:   symbol,
		TickSize: decimal.NewFromFloat(derefFloat(precision.Price)),
		StepSize: decimal.NewFromFloat(derefFloat(precision.Amount)),
		MinQty:   decimal.NewFromFloat(derefFloat(market.Limits.Amount.Min)),
		MaxQty:   decimal.NewFromFloat(derefFloat(market.Limits.Amount.Max)),
		MinPrice: decimal.NewFromFloat(derefFloat(market.Limits.Price.Min)),
		MaxPrice: decimal.NewFromFloat(derefFloat(market.Limits.Price.Max)),
	}
}

// FetchMarkPrice 获取参考价（最新成交价）。
func (c *Client) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return decimal.Decimal{}, err
	}

	var ticker ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		var callErr error
		ticker, callErr = c.exchange.FetchTicker(symbol)
		return callErr
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	price := derefFloat(ticker.Last)
	if price == 0 {
		price = derefFloat(ticker.Close)
	}
	if price == 0 {
		return decimal.Decimal{}, fmt.Errorf("交易对 %s 无可用参考价", symbol)
	}
	return decimal.NewFromFloat(price), nil
}

func (c *Client) statusByClientID(ctx context.Context, symbol, clientOrderID string) (order.StatusSnapshot, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order_by_client_id", func() error {
		var callErr error
		raw, callErr = c.exchange.FetchOrder("",
			ccxt.WithFetchOrderSymbol(symbol),
			ccxt.WithFetchOrderParams(map[string]interface{}{
				"origClientOrderId": clientOrderID,
			}),
		)
		return callErr
	})
	if err != nil {
		return order.StatusSnapshot{}, err
	}
	return snapshotFromOrder(raw), nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	var markets map[string]ccxt.MarketInterface
	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		var err error
		markets, err = c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.markets = markets
	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Int("markets", len(markets)))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry {
			return normalizedErr
		}

		if attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用重试耗尽",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, normalizedErr)
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

// mapOrderState 将 ccxt 订单映射到本地状态。
func mapOrderState(raw ccxt.Order) order.State {
	status := strings.ToLower(derefString(raw.Status))
	filled := derefFloat(raw.Filled)

	switch status {
	case "closed":
		return order.StateFilled
	case "canceled", "cancelled":
		return order.StateCancelled
	case "expired":
		return order.StateExpired
	case "rejected":
		return order.StateRejected
	case "open":
		if filled > 0 {
			return order.StatePartiallyFilled
		}
		return order.StateSubmitted
	default:
		return order.StateSubmitted
	}
}

func snapshotFromOrder(raw ccxt.Order) order.StatusSnapshot {
	return order.StatusSnapshot{
		OrderID:   derefString(raw.Id),
		State:     mapOrderState(raw),
		FilledQty: decimal.NewFromFloat(derefFloat(raw.Filled)),
		AvgPrice:  decimal.NewFromFloat(derefFloat(raw.Average)),
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
