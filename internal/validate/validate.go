// Package validate 提供纯函数式的下单前校验。
// 所有检查不触发任何网络调用，也不修改任何状态。
package validate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow/internal/filters"
	"orderflow/internal/order"
)

var (
	// ErrInvalidQuantity 表示数量越界或不在步进网格上。
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInvalidPrice 表示价格越界或不在最小变动价位网格上。
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidPriceOrdering 表示止盈/止损价格与方向不一致。
	ErrInvalidPriceOrdering = errors.New("invalid price ordering")
	// ErrInvalidGridSpec 表示网格参数非法。
	ErrInvalidGridSpec = errors.New("invalid grid spec")
)

// Intent 依据交易对过滤器与参考价校验意图。幂等，可重复调用。
func Intent(it order.Intent, f filters.SymbolFilters, ref decimal.Decimal) error {
	if err := f.Validate(); err != nil {
		return err
	}

	switch it.Kind {
	case order.KindMarket:
		return Quantity(it.Quantity, f)

	case order.KindLimit:
		if err := Quantity(it.Quantity, f); err != nil {
			return err
		}
		return Price(it.LimitPrice, f)

	case order.KindStopLimit:
		if err := Quantity(it.Quantity, f); err != nil {
			return err
		}
		if err := Price(it.TriggerPrice, f); err != nil {
			return err
		}
		if err := Price(it.LimitPrice, f); err != nil {
			return err
		}
		return stopOrdering(it.Side, it.TriggerPrice, ref)

	case order.KindOCO:
		if err := Quantity(it.Quantity, f); err != nil {
			return err
		}
		for _, p := range []decimal.Decimal{it.TakeProfitPrice, it.StopPrice, it.StopLimitPrice} {
			if err := Price(p, f); err != nil {
				return err
			}
		}
		return ocoOrdering(it.Side, it.TakeProfitPrice, it.StopPrice, ref)

	case order.KindTWAP:
		if err := Quantity(it.Quantity, f); err != nil {
			return err
		}
		if it.NumChunks < 1 {
			return fmt.Errorf("%w: 分块数必须不小于1，当前 %d", ErrInvalidQuantity, it.NumChunks)
		}
		if it.Interval <= 0 {
			return fmt.Errorf("%w: 分块间隔必须为正", ErrInvalidQuantity)
		}
		base := it.Quantity.Div(decimal.NewFromInt(int64(it.NumChunks))).Div(f.StepSize).Floor().Mul(f.StepSize)
		if base.LessThan(f.MinQty) || !base.IsPositive() {
			return fmt.Errorf("%w: 单块数量 %s 低于最小下单量 %s，请减少分块数",
				ErrInvalidQuantity, base, f.MinQty)
		}
		return nil

	case order.KindGrid:
		if err := Quantity(it.QtyPerLevel, f); err != nil {
			return err
		}
		return gridSpec(it.LowerPrice, it.UpperPrice, it.NumLevels, f)

	default:
		return fmt.Errorf("%w: %s", order.ErrUnsupportedIntent, it.Kind)
	}
}

// Quantity 校验数量区间与步进，返回的错误会给出最近的合法数量。
func Quantity(q decimal.Decimal, f filters.SymbolFilters) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: 数量必须为正，当前 %s", ErrInvalidQuantity, q)
	}
	if q.LessThan(f.MinQty) {
		return fmt.Errorf("%w: 数量 %s 低于下限 %s", ErrInvalidQuantity, q, f.MinQty)
	}
	if f.MaxQty.IsPositive() && q.GreaterThan(f.MaxQty) {
		return fmt.Errorf("%w: 数量 %s 超过上限 %s", ErrInvalidQuantity, q, f.MaxQty)
	}
	if !q.Mod(f.StepSize).IsZero() {
		return fmt.Errorf("%w: 数量 %s 不是步进 %s 的整数倍，最近合法值为 %s",
			ErrInvalidQuantity, q, f.StepSize, NearestQuantity(q, f))
	}
	return nil
}

// Price 校验价格区间与最小变动价位。
func Price(p decimal.Decimal, f filters.SymbolFilters) error {
	if !p.IsPositive() {
		return fmt.Errorf("%w: 价格必须为正，当前 %s", ErrInvalidPrice, p)
	}
	if p.LessThan(f.MinPrice) {
		return fmt.Errorf("%w: 价格 %s 低于下限 %s", ErrInvalidPrice, p, f.MinPrice)
	}
	if f.MaxPrice.IsPositive() && p.GreaterThan(f.MaxPrice) {
		return fmt.Errorf("%w: 价格 %s 超过上限 %s", ErrInvalidPrice, p, f.MaxPrice)
	}
	if !p.Mod(f.TickSize).IsZero() {
		return fmt.Errorf("%w: 价格 %s 不是最小变动价位 %s 的整数倍，最近合法值为 %s",
			ErrInvalidPrice, p, f.TickSize, NearestPrice(p, f))
	}
	return nil
}

// NearestQuantity 返回最接近 q 的合法数量（取整到步进网格并收敛到区间内）。
func NearestQuantity(q decimal.Decimal, f filters.SymbolFilters) decimal.Decimal {
	snapped := q.Div(f.StepSize).Round(0).Mul(f.StepSize)
	if snapped.LessThan(f.MinQty) {
		snapped = f.MinQty
	}
	if f.MaxQty.IsPositive() && snapped.GreaterThan(f.MaxQty) {
		snapped = f.MaxQty
	}
	return snapped
}

// NearestPrice 返回最接近 p 的合法价格。
func NearestPrice(p decimal.Decimal, f filters.SymbolFilters) decimal.Decimal {
	snapped := p.Div(f.TickSize).Round(0).Mul(f.TickSize)
	if snapped.LessThan(f.MinPrice) {
		snapped = f.MinPrice
	}
	if f.MaxPrice.IsPositive() && snapped.GreaterThan(f.MaxPrice) {
		snapped = f.MaxPrice
	}
	return snapped
}

// stopOrdering 校验条件单触发价与方向的关系：
// 买入止损在参考价上方触发，卖出止损在下方触发。
func stopOrdering(side order.Side, trigger, ref decimal.Decimal) error {
	if !ref.IsPositive() {
		return nil
	}
	switch side {
	case order.SideBuy:
		if trigger.LessThanOrEqual(ref) {
			return fmt.Errorf("%w: 买入条件单触发价 %s 应高于参考价 %s", ErrInvalidPriceOrdering, trigger, ref)
		}
	case order.SideSell:
		if trigger.GreaterThanOrEqual(ref) {
			return fmt.Errorf("%w: 卖出条件单触发价 %s 应低于参考价 %s", ErrInvalidPriceOrdering, trigger, ref)
		}
	}
	return nil
}

// ocoOrdering 校验OCO两腿与参考价的相对位置。
func ocoOrdering(side order.Side, takeProfit, stop, ref decimal.Decimal) error {
	if !ref.IsPositive() {
		return nil
	}
	switch side {
	case order.SideSell:
		if takeProfit.LessThanOrEqual(ref) {
			return fmt.Errorf("%w: 卖出OCO止盈价 %s 应高于参考价 %s", ErrInvalidPriceOrdering, takeProfit, ref)
		}
		if stop.GreaterThanOrEqual(ref) {
			return fmt.Errorf("%w: 卖出OCO止损触发价 %s 应低于参考价 %s", ErrInvalidPriceOrdering, stop, ref)
		}
	case order.SideBuy:
		if takeProfit.GreaterThanOrEqual(ref) {
			return fmt.Errorf("%w: 买入OCO止盈价 %s 应低于参考价 %s", ErrInvalidPriceOrdering, takeProfit, ref)
		}
		if stop.LessThanOrEqual(ref) {
			return fmt.Errorf("%w: 买入OCO止损触发价 %s 应高于参考价 %s", ErrInvalidPriceOrdering, stop, ref)
		}
	}
	return nil
}

func gridSpec(lower, upper decimal.Decimal, levels int, f filters.SymbolFilters) error {
	if !lower.IsPositive() || !upper.IsPositive() {
		return fmt.Errorf("%w: 网格价格边界必须为正", ErrInvalidGridSpec)
	}
	if !lower.LessThan(upper) {
		return fmt.Errorf("%w: 下界 %s 必须小于上界 %s", ErrInvalidGridSpec, lower, upper)
	}
	if levels < 2 {
		return fmt.Errorf("%w: 网格档位数必须不小于2，当前 %d", ErrInvalidGridSpec, levels)
	}
	spacing := upper.Sub(lower).Div(decimal.NewFromInt(int64(levels - 1)))
	if spacing.LessThan(f.TickSize) {
		return fmt.Errorf("%w: 档位间距 %s 小于最小变动价位 %s", ErrInvalidGridSpec, spacing, f.TickSize)
	}
	if err := Price(lower, f); err != nil {
		return err
	}
	return Price(upper, f)
}
