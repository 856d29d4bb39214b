package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind 表示订单意图类型。
type Kind string

const (
	KindMarket    Kind = "market"
	KindLimit     Kind = "limit"
	KindStopLimit Kind = "stop_limit"
	KindOCO       Kind = "oco"
	KindTWAP      Kind = "twap"
	KindGrid      Kind = "grid"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Intent 描述一次高层下单意图，编译后不可变。
type Intent struct {
	ID       string
	Kind     Kind
	Symbol   string
	Side     Side
	Quantity decimal.Decimal

	// limit / stop-limit
	LimitPrice   decimal.Decimal
	TriggerPrice decimal.Decimal

	// oco：止盈限价 + 止损触发/限价
	TakeProfitPrice decimal.Decimal
	StopPrice       decimal.Decimal
	StopLimitPrice  decimal.Decimal

	// twap
	NumChunks int
	Interval  time.Duration

	// grid
	LowerPrice  decimal.Decimal
	UpperPrice  decimal.Decimal
	NumLevels   int
	QtyPerLevel decimal.Decimal

	CreatedAt time.Time
}

// NewIntent 创建带唯一ID的意图。
func NewIntent(kind Kind, symbol string, side Side) Intent {
	return Intent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Symbol:    symbol,
		Side:      side,
		CreatedAt: time.Now().UTC(),
	}
}

// ChildType 表示子订单在交易所侧的类型。
type ChildType string

const (
	ChildMarket    ChildType = "market"
	ChildLimit     ChildType = "limit"
	ChildStopLimit ChildType = "stop_limit"
)

// ChildSpec 描述由意图派生出的单个具体委托。
// ClientOrderID 由意图ID与序号确定性生成，作为交易所侧的幂等键。
type ChildSpec struct {
	Index         int
	Symbol        string
	Side          Side
	Type          ChildType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	ClientOrderID string
	LinkGroup     string
}

// Resting 表示子订单挂在交易所即视为本步完成（限价/条件单），
// 市价单则需等待终态。
func (s ChildSpec) Resting() bool {
	return s.Type != ChildMarket
}

// Policy 表示执行计划的编排策略。
type Policy string

const (
	// PolicySequential 逐个提交，前一个到达可接受状态后才提交下一个。
	PolicySequential Policy = "sequential"
	// PolicyParallel 并发提交，各子订单相互独立。
	PolicyParallel Policy = "parallel"
	// PolicyLinkedPair 双腿联动，任一腿成交即撤销另一腿。
	PolicyLinkedPair Policy = "linked_pair"
)

// Plan 为编译后的执行计划。
type Plan struct {
	IntentID string
	Symbol   string
	Policy   Policy
	Children []ChildSpec
	Interval time.Duration
}

// State 表示子订单状态。
type State string

const (
	StatePending         State = "pending"
	StateSubmitted       State = "submitted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Ack 为下单回执。
type Ack struct {
	OrderID       string
	ClientOrderID string
	State         State
	FilledQty     decimal.Decimal
}

// StatusSnapshot 为订单状态快照。
type StatusSnapshot struct {
	OrderID   string
	State     State
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
}

// Status 表示计划级别的最终结果。
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
)

// ChildResult 记录单个子订单的最终情况。
type ChildResult struct {
	Spec      ChildSpec
	OrderID   string
	State     State
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Err       error
}

// Open 表示子订单仍挂在交易所，需要后续清理或人工处理。
func (r ChildResult) Open() bool {
	return r.OrderID != "" && !r.State.Terminal() && r.State != StatePending
}

// Result 为一次意图执行的最终汇总，生成后不可变。
type Result struct {
	IntentID   string
	Status     Status
	Children   []ChildResult
	Err        error
	FinishedAt time.Time
}

// OpenChildren 返回仍未到达终态的子订单。
func (r Result) OpenChildren() []ChildResult {
	var open []ChildResult
	for _, c := range r.Children {
		if c.Open() {
			open = append(open, c)
		}
	}
	return open
}
