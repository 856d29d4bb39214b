package exchange

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"orderflow/internal/filters"
	"orderflow/internal/order"
)

func simFilters() filters.SymbolFilters {
	return filters.SymbolFilters{
		Symbol:   "BTC/USDT:USDT",
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
		MinPrice: decimal.RequireFromString("0.01"),
	}
}

func simSpec(client string, typ order.ChildType) order.ChildSpec {
	return order.ChildSpec{
		Symbol:        "BTC/USDT:USDT",
		Side:          order.SideBuy,
		Type:          typ,
		Quantity:      decimal.RequireFromString("0.01"),
		Price:         decimal.RequireFromString("50000"),
		ClientOrderID: client,
	}
}

func TestSimulatorPlaceOrder_DuplicateClientIDYieldsOneOrder(t *testing.T) {
	sim := NewSimulator(simFilters(), decimal.RequireFromString("50000"), nil)
	ctx := context.Background()

	first, err := sim.PlaceOrder(ctx, simSpec("of-dup-000", order.ChildLimit))
	if err != nil {
		t.Fatalf("first placement failed: %v", err)
	}

	// 同一幂等键重复提交必须返回原订单，而不是新建
	second, err := sim.PlaceOrder(ctx, simSpec("of-dup-000", order.ChildLimit))
	if err != nil {
		t.Fatalf("retried placement failed: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Errorf("expected same order id on retry, got %s then %s", first.OrderID, second.OrderID)
	}

	other, err := sim.PlaceOrder(ctx, simSpec("of-dup-001", order.ChildLimit))
	if err != nil {
		t.Fatalf("distinct placement failed: %v", err)
	}
	if other.OrderID == first.OrderID {
		t.Errorf("distinct clientOrderId must create a new order")
	}
}

func TestSimulatorPlaceOrder_ConcurrentRetriesStaySingle(t *testing.T) {
	sim := NewSimulator(simFilters(), decimal.RequireFromString("50000"), nil)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ack, err := sim.PlaceOrder(ctx, simSpec("of-race-000", order.ChildMarket))
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
				return
			}
			ids[n] = ack.OrderID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent retries produced distinct orders: %s vs %s", ids[0], ids[i])
		}
	}
}

func TestSimulator_MarketFillsAtReferencePrice(t *testing.T) {
	ref := decimal.RequireFromString("50123.45")
	sim := NewSimulator(simFilters(), ref, nil)

	ack, err := sim.PlaceOrder(context.Background(), simSpec("of-mkt-000", order.ChildMarket))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.State != order.StateFilled {
		t.Fatalf("market order must fill immediately, got %s", ack.State)
	}

	snap, err := sim.OrderStatus(context.Background(), "BTC/USDT:USDT", ack.OrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !snap.AvgPrice.Equal(ref) {
		t.Errorf("expected fill at reference price %s, got %s", ref, snap.AvgPrice)
	}
	if !snap.FilledQty.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("expected full fill, got %s", snap.FilledQty)
	}
}

func TestSimulatorCancelOrder_IdempotentOnTerminalOrders(t *testing.T) {
	sim := NewSimulator(simFilters(), decimal.RequireFromString("50000"), nil)
	ctx := context.Background()

	resting, err := sim.PlaceOrder(ctx, simSpec("of-cxl-000", order.ChildLimit))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := sim.CancelOrder(ctx, "BTC/USDT:USDT", resting.OrderID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := sim.CancelOrder(ctx, "BTC/USDT:USDT", resting.OrderID); err != nil {
		t.Errorf("repeated cancel must be a no-op, got %v", err)
	}

	filled, err := sim.PlaceOrder(ctx, simSpec("of-cxl-001", order.ChildMarket))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := sim.CancelOrder(ctx, "BTC/USDT:USDT", filled.OrderID); err != nil {
		t.Errorf("cancel after fill must be a no-op, got %v", err)
	}
	snap, err := sim.OrderStatus(ctx, "BTC/USDT:USDT", filled.OrderID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.State != order.StateFilled {
		t.Errorf("cancel must not rewrite a filled order, got %s", snap.State)
	}
	if err := sim.CancelOrder(ctx, "BTC/USDT:USDT", "sim-unknown"); err != nil {
		t.Errorf("cancel of unknown order must be a no-op, got %v", err)
	}
}

func TestSimulatorFetchSymbolFilters_UnknownSymbol(t *testing.T) {
	sim := NewSimulator(simFilters(), decimal.RequireFromString("50000"), nil)

	if _, err := sim.FetchSymbolFilters(context.Background(), "BTC/USDT:USDT"); err != nil {
		t.Fatalf("known symbol: %v", err)
	}
	_, err := sim.FetchSymbolFilters(context.Background(), "DOGE/USDT:USDT")
	if err == nil {
		t.Fatalf("expected error for unknown symbol")
	}
}
