package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderflow/internal/filters"
	"orderflow/internal/order"
)

// Simulator 为不触网的模拟交易所，用于演练模式与测试。
// 市价单立即按参考价全部成交，限价/条件单保持挂单；
// 幂等键重复的提交返回原订单回执。
type Simulator struct {
	logger  *zap.Logger
	filters filters.SymbolFilters
	ref     decimal.Decimal

	mu       sync.Mutex
	seq      int
	orders   map[string]*simOrder
	byClient map[string]string
}

type simOrder struct {
	id        string
	spec      order.ChildSpec
	state     order.State
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
}

// NewSimulator 创建模拟交易所。
func NewSimulator(f filters.SymbolFilters, ref decimal.Decimal, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		logger:   logger,
		filters:  f,
		ref:      ref,
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
	}
}

// PlaceOrder 模拟下单。
func (s *Simulator) PlaceOrder(ctx context.Context, spec order.ChildSpec) (order.Ack, error) {
	if err := ctx.Err(); err != nil {
		return order.Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byClient[spec.ClientOrderID]; ok {
		o := s.orders[existing]
		s.logger.Debug("模拟交易所检测到重复幂等键",
			zap.String("client_order_id", spec.ClientOrderID),
		)
		return order.Ack{
			OrderID:       o.id,
			ClientOrderID: spec.ClientOrderID,
			State:         o.state,
			FilledQty:     o.filledQty,
		}, nil
	}

	s.seq++
	o := &simOrder{
		id:   fmt.Sprintf("sim-%06d", s.seq),
		spec: spec,
	}
	if spec.Type == order.ChildMarket {
		o.state = order.StateFilled
		o.filledQty = spec.Quantity
		o.avgPrice = s.ref
	} else {
		o.state = order.StateSubmitted
	}

	s.orders[o.id] = o
	s.byClient[spec.ClientOrderID] = o.id

	s.logger.Info("模拟下单",
		zap.String("order_id", o.id),
		zap.String("symbol", spec.Symbol),
		zap.String("side", string(spec.Side)),
		zap.String("type", string(spec.Type)),
		zap.String("quantity", spec.Quantity.String()),
		zap.String("state", string(o.state)),
	)

	return order.Ack{
		OrderID:       o.id,
		ClientOrderID: spec.ClientOrderID,
		State:         o.state,
		FilledQty:     o.filledQty,
	}, nil
}

// CancelOrder 模拟撤单，已终态订单按幂等语义返回成功。
func (s *Simulator) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	if o.state.Terminal() {
		return nil
	}
	o.state = order.StateCancelled
	return nil
}

// OrderStatus 返回模拟订单状态。
func (s *Simulator) OrderStatus(ctx context.Context, symbol, orderID string) (order.StatusSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return order.StatusSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return order.StatusSnapshot{}, fmt.Errorf("模拟交易所无此订单: %s", orderID)
	}
	return order.StatusSnapshot{
		OrderID:   o.id,
		State:     o.state,
		FilledQty: o.filledQty,
		AvgPrice:  o.avgPrice,
	}, nil
}

// FetchSymbolFilters 返回预置的过滤器。
func (s *Simulator) FetchSymbolFilters(ctx context.Context, symbol string) (filters.SymbolFilters, error) {
	if symbol != s.filters.Symbol {
		return filters.SymbolFilters{}, fmt.Errorf("%w: %s", filters.ErrUnknownSymbol, symbol)
	}
	return s.filters, nil
}

// FetchMarkPrice 返回预置参考价。
func (s *Simulator) FetchMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.ref, nil
}
