package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/exchange"
	"orderflow/internal/order"
)

// fakeExchange 模拟交易所侧的订单生命周期，按脚本推进成交，
// 并实现幂等下单与幂等撤单语义。
type fakeExchange struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*fakeOrder
	byClient map[string]string

	rejectClient map[string]bool
	fillOnAck    map[string]bool
	fillAfter    map[string]int
	partialAfter map[string]string
	fillOnCancel map[string]bool
	cancelErrs   map[string]int

	placeSeq []string
	cancels  []string
}

type fakeOrder struct {
	spec   order.ChildSpec
	id     string
	state  order.State
	filled decimal.Decimal
	polls  int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		orders:       make(map[string]*fakeOrder),
		byClient:     make(map[string]string),
		rejectClient: make(map[string]bool),
		fillOnAck:    make(map[string]bool),
		fillAfter:    make(map[string]int),
		partialAfter: make(map[string]string),
		fillOnCancel: make(map[string]bool),
		cancelErrs:   make(map[string]int),
	}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, spec order.ChildSpec) (order.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejectClient[spec.ClientOrderID] {
		return order.Ack{}, fmt.Errorf("%w: margin is insufficient", exchange.ErrOrderRejected)
	}

	if id, ok := f.byClient[spec.ClientOrderID]; ok {
		o := f.orders[id]
		return order.Ack{OrderID: o.id, ClientOrderID: spec.ClientOrderID, State: o.state, FilledQty: o.filled}, nil
	}

	f.seq++
	o := &fakeOrder{
		spec:  spec,
		id:    fmt.Sprintf("ex-%03d", f.seq),
		state: order.StateSubmitted,
	}
	if f.fillOnAck[spec.ClientOrderID] {
		o.state = order.StateFilled
		o.filled = spec.Quantity
	}
	f.orders[o.id] = o
	f.byClient[spec.ClientOrderID] = o.id
	f.placeSeq = append(f.placeSeq, spec.ClientOrderID)

	return order.Ack{OrderID: o.id, ClientOrderID: spec.ClientOrderID, State: o.state, FilledQty: o.filled}, nil
}

func (f *fakeExchange) OrderStatus(ctx context.Context, symbol, orderID string) (order.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return order.StatusSnapshot{}, fmt.Errorf("no such order %s", orderID)
	}

	if !o.state.Terminal() {
		o.polls++
		if qty, ok := f.partialAfter[o.spec.ClientOrderID]; ok && o.polls >= 1 {
			o.state = order.StatePartiallyFilled
			o.filled = decimal.RequireFromString(qty)
		}
		if after, ok := f.fillAfter[o.spec.ClientOrderID]; ok && o.polls >= after {
			o.state = order.StateFilled
			o.filled = o.spec.Quantity
		}
	}

	return order.StatusSnapshot{OrderID: o.id, State: o.state, FilledQty: o.filled}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return nil
	}
	if o.state.Terminal() {
		// 幂等撤单：已终态订单的撤单是no-op
		return nil
	}
	if n := f.cancelErrs[o.spec.ClientOrderID]; n > 0 {
		f.cancelErrs[o.spec.ClientOrderID] = n - 1
		return fmt.Errorf("%w: cancel failed", exchange.ErrUpstreamUnavailable)
	}
	if f.fillOnCancel[o.spec.ClientOrderID] {
		// 撤单到达前订单恰好成交
		o.state = order.StateFilled
		o.filled = o.spec.Quantity
		return nil
	}
	o.state = order.StateCancelled
	f.cancels = append(f.cancels, o.spec.ClientOrderID)
	return nil
}

func (f *fakeExchange) liveOrders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, o := range f.orders {
		if !o.state.Terminal() {
			count++
		}
	}
	return count
}

func fastOptions() Options {
	return Options{
		StepTimeout:  500 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
}

func childSpec(index int, typ order.ChildType, qty string) order.ChildSpec {
	return order.ChildSpec{
		Index:         index,
		Symbol:        "BTC/USDT:USDT",
		Side:          order.SideBuy,
		Type:          typ,
		Quantity:      decimal.RequireFromString(qty),
		ClientOrderID: fmt.Sprintf("of-test-%03d", index),
	}
}

func TestSequentialPlan_AbortsOnRejectionAndPreservesEarlierSteps(t *testing.T) {
	fake := newFakeExchange()
	fake.fillOnAck["of-test-000"] = true
	fake.rejectClient["of-test-001"] = true

	plan := order.Plan{
		IntentID: "intent-seq",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Children: []order.ChildSpec{
			childSpec(0, order.ChildMarket, "0.034"),
			childSpec(1, order.ChildMarket, "0.033"),
			childSpec(2, order.ChildMarket, "0.033"),
		},
	}

	result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusFailed {
		t.Fatalf("expected failed plan, got %s", result.Status)
	}
	if result.Err == nil || !errors.Is(result.Err, exchange.ErrOrderRejected) {
		t.Errorf("expected rejection error, got %v", result.Err)
	}
	if result.Children[0].State != order.StateFilled {
		t.Errorf("step 1 terminal state must be preserved, got %s", result.Children[0].State)
	}
	if result.Children[1].State != order.StateRejected {
		t.Errorf("step 2 must be rejected, got %s", result.Children[1].State)
	}
	if result.Children[2].State != order.StatePending {
		t.Errorf("step 3 must never be submitted, got %s", result.Children[2].State)
	}
}

func TestSequentialPlan_SubmitsInOrderAndWaitsForFills(t *testing.T) {
	fake := newFakeExchange()
	fake.fillAfter["of-test-000"] = 2
	fake.fillAfter["of-test-001"] = 1

	plan := order.Plan{
		IntentID: "intent-twap",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Interval: 5 * time.Millisecond,
		Children: []order.ChildSpec{
			childSpec(0, order.ChildMarket, "0.034"),
			childSpec(1, order.ChildMarket, "0.033"),
		},
	}

	start := time.Now()
	result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", result.Status, result.Err)
	}
	for i, c := range result.Children {
		if c.State != order.StateFilled {
			t.Errorf("chunk %d: expected filled, got %s", i, c.State)
		}
	}
	if len(fake.placeSeq) != 2 || fake.placeSeq[0] != "of-test-000" || fake.placeSeq[1] != "of-test-001" {
		t.Errorf("chunks must be submitted in order, got %v", fake.placeSeq)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("interval pause skipped, elapsed %s", elapsed)
	}
}

func TestLinkedPair_FillCancelsSibling(t *testing.T) {
	fake := newFakeExchange()
	fake.fillAfter["of-test-000"] = 2

	tp := childSpec(0, order.ChildLimit, "0.01")
	tp.LinkGroup = "oco-test"
	sl := childSpec(1, order.ChildStopLimit, "0.01")
	sl.LinkGroup = "oco-test"

	plan := order.Plan{
		IntentID: "intent-oco",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicyLinkedPair,
		Children: []order.ChildSpec{tp, sl},
	}

	result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Children[0].State != order.StateFilled {
		t.Errorf("take-profit leg: expected filled, got %s", result.Children[0].State)
	}
	if result.Children[1].State != order.StateCancelled {
		t.Errorf("stop leg: expected cancelled, got %s", result.Children[1].State)
	}
	if fake.liveOrders() != 0 {
		t.Errorf("no live orders may remain, got %d", fake.liveOrders())
	}
}

func TestLinkedPair_SiblingCancelRetriesUntilClosed(t *testing.T) {
	fake := newFakeExchange()
	fake.fillAfter["of-test-000"] = 1
	// 前两次撤单失败，幸存腿不得就此裸挂
	fake.cancelErrs["of-test-001"] = 2

	plan := order.Plan{
		IntentID: "intent-oco-cancel-retry",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicyLinkedPair,
		Children: []order.ChildSpec{
			childSpec(0, order.ChildLimit, "0.01"),
			childSpec(1, order.ChildStopLimit, "0.01"),
		},
	}

	result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Children[1].State != order.StateCancelled {
		t.Errorf("sibling must be cancelled after retries, got %s", result.Children[1].State)
	}
	if fake.liveOrders() != 0 {
		t.Errorf("no live orders may remain, got %d", fake.liveOrders())
	}
}

func TestLinkedPair_AtMostOneFillUnderAdversarialOrdering(t *testing.T) {
	// 对抗性交织：轮流让每条腿先成交，属性必须对任意顺序成立
	for _, first := range []string{"of-test-000", "of-test-001"} {
		fake := newFakeExchange()
		fake.fillAfter[first] = 1

		a := childSpec(0, order.ChildLimit, "0.01")
		b := childSpec(1, order.ChildStopLimit, "0.01")
		plan := order.Plan{
			IntentID: "intent-oco-race",
			Symbol:   "BTC/USDT:USDT",
			Policy:   order.PolicyLinkedPair,
			Children: []order.ChildSpec{a, b},
		}

		result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

		if result.Status != order.StatusCompleted {
			t.Fatalf("first=%s: expected completed, got %s (err=%v)", first, result.Status, result.Err)
		}
		filled, cancelled := 0, 0
		for _, c := range result.Children {
			switch c.State {
			case order.StateFilled:
				filled++
			case order.StateCancelled:
				cancelled++
			}
		}
		if filled != 1 || cancelled != 1 {
			t.Errorf("first=%s: expected exactly one filled and one cancelled, got filled=%d cancelled=%d",
				first, filled, cancelled)
		}
	}
}

func TestLinkedPair_CancelRacingWithSiblingFillIsNotAnError(t *testing.T) {
	fake := newFakeExchange()
	fake.fillAfter["of-test-000"] = 1
	// 撤单指令到达时兄弟腿恰好已成交：撤单为no-op，引擎接受交易所确认的终态
	fake.fillOnCancel["of-test-001"] = true

	plan := order.Plan{
		IntentID: "intent-oco-fill-race",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicyLinkedPair,
		Children: []order.ChildSpec{
			childSpec(0, order.ChildLimit, "0.01"),
			childSpec(1, order.ChildStopLimit, "0.01"),
		},
	}

	result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusCompleted {
		t.Fatalf("race must not be an error, got %s (err=%v)", result.Status, result.Err)
	}
	for i, c := range result.Children {
		if c.State != order.StateFilled {
			t.Errorf("leg %d: expected exchange-confirmed fill, got %s", i, c.State)
		}
	}
}

func TestParallelPlan_RejectionDoesNotAffectSiblings(t *testing.T) {
	fake := newFakeExchange()
	fake.rejectClient["of-test-002"] = true

	plan := order.Plan{
		IntentID: "intent-grid",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicyParallel,
		Children: []order.ChildSpec{
			childSpec(0, order.ChildLimit, "0.001"),
			childSpec(1, order.ChildLimit, "0.001"),
			childSpec(2, order.ChildLimit, "0.001"),
			childSpec(3, order.ChildLimit, "0.001"),
		},
	}

	result := New(fake, fastOptions(), nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusPartiallyCompleted {
		t.Fatalf("expected partially completed, got %s", result.Status)
	}
	for i, c := range result.Children {
		if i == 2 {
			if c.State != order.StateRejected {
				t.Errorf("level 2: expected rejected, got %s", c.State)
			}
			continue
		}
		if c.State != order.StateSubmitted {
			t.Errorf("level %d: sibling must stay open, got %s", i, c.State)
		}
	}
	if len(fake.cancels) != 0 {
		t.Errorf("grid siblings must not be cancelled on rejection, got %v", fake.cancels)
	}
}

func TestUserCancellation_CancelsOpenChildren(t *testing.T) {
	fake := newFakeExchange()

	plan := order.Plan{
		IntentID: "intent-cancel",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Interval: time.Hour,
		Children: []order.ChildSpec{
			childSpec(0, order.ChildLimit, "0.01"),
			childSpec(1, order.ChildLimit, "0.01"),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := New(fake, fastOptions(), nil, nil).Run(ctx, plan)

	if result.Status != order.StatusCancelled {
		t.Fatalf("expected cancelled, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Children[0].State != order.StateCancelled {
		t.Errorf("open child must be cancelled, got %s", result.Children[0].State)
	}
	if result.Children[1].State != order.StatePending {
		t.Errorf("unsubmitted child must stay pending, got %s", result.Children[1].State)
	}
	if fake.liveOrders() != 0 {
		t.Errorf("cancellation must not abandon live orders, got %d", fake.liveOrders())
	}
}

func TestPlanDeadline_FailsAndCleansUp(t *testing.T) {
	fake := newFakeExchange()
	// 市价子订单永不成交

	opts := fastOptions()
	opts.StepTimeout = time.Hour
	opts.IntentDeadline = 40 * time.Millisecond

	plan := order.Plan{
		IntentID: "intent-deadline",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Children: []order.ChildSpec{childSpec(0, order.ChildMarket, "0.01")},
	}

	result := New(fake, opts, nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !errors.Is(result.Err, ErrPlanTimeout) {
		t.Errorf("expected ErrPlanTimeout, got %v", result.Err)
	}
	if fake.liveOrders() != 0 {
		t.Errorf("deadline must not abandon live orders, got %d", fake.liveOrders())
	}
}

func TestStepTimeout_CancelsOutstandingChild(t *testing.T) {
	fake := newFakeExchange()

	opts := fastOptions()
	opts.StepTimeout = 30 * time.Millisecond

	plan := order.Plan{
		IntentID: "intent-step-timeout",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Children: []order.ChildSpec{childSpec(0, order.ChildMarket, "0.01")},
	}

	result := New(fake, opts, nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Children[0].State != order.StateCancelled {
		t.Errorf("outstanding child must be cancelled, got %s", result.Children[0].State)
	}
}

func TestStepTimeout_AcceptsPartialFillWhenConfigured(t *testing.T) {
	fake := newFakeExchange()
	fake.partialAfter["of-test-000"] = "0.004"

	opts := fastOptions()
	opts.StepTimeout = 30 * time.Millisecond
	opts.AcceptPartialOnTimeout = true

	plan := order.Plan{
		IntentID: "intent-partial",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Children: []order.ChildSpec{childSpec(0, order.ChildMarket, "0.01")},
	}

	result := New(fake, opts, nil, nil).Run(context.Background(), plan)

	if result.Status != order.StatusCompleted {
		t.Fatalf("expected completed with partial fill, got %s (err=%v)", result.Status, result.Err)
	}
	if !result.Children[0].FilledQty.Equal(decimal.RequireFromString("0.004")) {
		t.Errorf("expected partial fill recorded, got %s", result.Children[0].FilledQty)
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []Transition
}

func (c *captureSink) Transition(ctx context.Context, ev Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func TestEngine_EmitsTransitionEvents(t *testing.T) {
	fake := newFakeExchange()
	fake.fillOnAck["of-test-000"] = true

	sink := &captureSink{}
	plan := order.Plan{
		IntentID: "intent-events",
		Symbol:   "BTC/USDT:USDT",
		Policy:   order.PolicySequential,
		Children: []order.ChildSpec{childSpec(0, order.ChildMarket, "0.01")},
	}

	result := New(fake, fastOptions(), sink, nil).Run(context.Background(), plan)
	if result.Status != order.StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) == 0 {
		t.Fatalf("expected at least one transition event")
	}
	first := sink.events[0]
	if first.IntentID != "intent-events" || first.From != order.StatePending || first.To != order.StateFilled {
		t.Errorf("unexpected first transition: %+v", first)
	}
}

var _ Client = (*fakeExchange)(nil)
