package filters

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownSymbol 表示交易所不存在该交易对。
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// SymbolFilters 描述单个交易对的下单约束。
// TickSize 与 StepSize 必须为正；MaxQty/MaxPrice 为零表示交易所未给出上限。
type SymbolFilters struct {
	Symbol   string
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
}

// Validate 校验过滤器自身的不变量。
func (f SymbolFilters) Validate() error {
	if f.Symbol == "" {
		return errors.New("filters: symbol 不能为空")
	}
	if !f.TickSize.IsPositive() {
		return fmt.Errorf("filters: %s tick_size 必须为正", f.Symbol)
	}
	if !f.StepSize.IsPositive() {
		return fmt.Errorf("filters: %s step_size 必须为正", f.Symbol)
	}
	if f.MinQty.IsNegative() || f.MinPrice.IsNegative() {
		return fmt.Errorf("filters: %s 下限不能为负", f.Symbol)
	}
	return nil
}
