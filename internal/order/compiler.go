package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"orderflow/internal/filters"
)

// ErrUnsupportedIntent 表示未知的意图类型。
var ErrUnsupportedIntent = errors.New("unsupported intent kind")

// Compile 将意图编译为执行计划。编译是纯函数：
// 相同的意图、过滤器与参考价必然产出相同的计划。
func Compile(it Intent, f filters.SymbolFilters, ref decimal.Decimal) (Plan, error) {
	plan := Plan{
		IntentID: it.ID,
		Symbol:   it.Symbol,
	}

	switch it.Kind {
	case KindMarket:
		plan.Policy = PolicySequential
		plan.Children = []ChildSpec{{
			Symbol:        it.Symbol,
			Side:          it.Side,
			Type:          ChildMarket,
			Quantity:      it.Quantity,
			ClientOrderID: clientOrderID(it.ID, 0),
		}}

	case KindLimit:
		plan.Policy = PolicySequential
		plan.Children = []ChildSpec{{
			Symbol:        it.Symbol,
			Side:          it.Side,
			Type:          ChildLimit,
			Quantity:      it.Quantity,
			Price:         it.LimitPrice,
			ClientOrderID: clientOrderID(it.ID, 0),
		}}

	case KindStopLimit:
		plan.Policy = PolicySequential
		plan.Children = []ChildSpec{{
			Symbol:        it.Symbol,
			Side:          it.Side,
			Type:          ChildStopLimit,
			Quantity:      it.Quantity,
			Price:         it.LimitPrice,
			TriggerPrice:  it.TriggerPrice,
			ClientOrderID: clientOrderID(it.ID, 0),
		}}

	case KindOCO:
		group := "oco-" + shortID(it.ID)
		plan.Policy = PolicyLinkedPair
		plan.Children = []ChildSpec{
			{
				Index:         0,
				Symbol:        it.Symbol,
				Side:          it.Side,
				Type:          ChildLimit,
				Quantity:      it.Quantity,
				Price:         it.TakeProfitPrice,
				ClientOrderID: clientOrderID(it.ID, 0),
				LinkGroup:     group,
			},
			{
				Index:         1,
				Symbol:        it.Symbol,
				Side:          it.Side,
				Type:          ChildStopLimit,
				Quantity:      it.Quantity,
				Price:         it.StopLimitPrice,
				TriggerPrice:  it.StopPrice,
				ClientOrderID: clientOrderID(it.ID, 1),
				LinkGroup:     group,
			},
		}

	case KindTWAP:
		chunks, err := splitChunks(it.Quantity, it.NumChunks, f.StepSize)
		if err != nil {
			return Plan{}, err
		}
		plan.Policy = PolicySequential
		plan.Interval = it.Interval
		plan.Children = make([]ChildSpec, 0, len(chunks))
		for i, qty := range chunks {
			plan.Children = append(plan.Children, ChildSpec{
				Index:         i,
				Symbol:        it.Symbol,
				Side:          it.Side,
				Type:          ChildMarket,
				Quantity:      qty,
				ClientOrderID: clientOrderID(it.ID, i),
			})
		}

	case KindGrid:
		levels := gridLevels(it.LowerPrice, it.UpperPrice, it.NumLevels, f.TickSize)
		group := "grid-" + shortID(it.ID)
		plan.Policy = PolicyParallel
		plan.Children = make([]ChildSpec, 0, len(levels))
		for i, price := range levels {
			side := SideSell
			if price.LessThan(ref) {
				side = SideBuy
			}
			plan.Children = append(plan.Children, ChildSpec{
				Index:         i,
				Symbol:        it.Symbol,
				Side:          side,
				Type:          ChildLimit,
				Quantity:      it.QtyPerLevel,
				Price:         price,
				ClientOrderID: clientOrderID(it.ID, i),
				LinkGroup:     group,
			})
		}

	default:
		return Plan{}, fmt.Errorf("%w: %s", ErrUnsupportedIntent, it.Kind)
	}

	return plan, nil
}

// splitChunks 将总量切分到步进网格上：基础块为 floor(total/n)，
// 余量按一个步进一份分配给最前面的块，保证各块之和精确等于总量。
func splitChunks(total decimal.Decimal, n int, step decimal.Decimal) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, fmt.Errorf("twap 分块数必须为正: %d", n)
	}

	count := decimal.NewFromInt(int64(n))
	base := floorToStep(total.Div(count), step)
	if !base.IsPositive() {
		return nil, fmt.Errorf("twap 单块数量过小: total=%s chunks=%d step=%s", total, n, step)
	}

	remainder := total.Sub(base.Mul(count))
	extra := remainder.DivRound(step, 0).IntPart()

	chunks := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		qty := base
		if int64(i) < extra {
			qty = qty.Add(step)
		}
		chunks[i] = qty
	}
	return chunks, nil
}

// gridLevels 计算等距网格价位并就近取整到最小变动价位（四舍五入）。
// 末档直接采用上界，避免除法误差造成漂移。
func gridLevels(lower, upper decimal.Decimal, n int, tick decimal.Decimal) []decimal.Decimal {
	if n < 2 {
		return nil
	}

	spacing := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))
	levels := make([]decimal.Decimal, 0, n)
	for k := 0; k < n; k++ {
		var price decimal.Decimal
		switch k {
		case 0:
			price = lower
		case n - 1:
			price = upper
		default:
			price = lower.Add(spacing.Mul(decimal.NewFromInt(int64(k))))
		}
		levels = append(levels, snapToTick(price, tick))
	}
	return levels
}

func floorToStep(q, step decimal.Decimal) decimal.Decimal {
	return q.Div(step).Floor().Mul(step)
}

func snapToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Round(0).Mul(tick)
}

func clientOrderID(intentID string, index int) string {
	return fmt.Sprintf("of-%s-%03d", shortID(intentID), index)
}

func shortID(intentID string) string {
	if len(intentID) > 8 {
		return intentID[:8]
	}
	return intentID
}
