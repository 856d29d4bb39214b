// Package engine 实现多订单执行引擎的核心状态机：
// 消费编译后的执行计划，按编排策略驱动子订单走向终态。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/internal/exchange"
	"orderflow/internal/order"
)

// ErrPlanTimeout 表示计划级别的截止时间已到。
var ErrPlanTimeout = errors.New("plan deadline exceeded")

// Client 抽象执行引擎所需的交易所操作，方便切换真实或模拟实现。
type Client interface {
	PlaceOrder(ctx context.Context, spec order.ChildSpec) (order.Ack, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (order.StatusSnapshot, error)
}

// Options 控制引擎节奏与容错策略。
type Options struct {
	StepTimeout            time.Duration
	PollInterval           time.Duration
	IntentDeadline         time.Duration
	MaxParallel            int
	LinkedFillThreshold    float64
	AcceptPartialOnTimeout bool
	CleanupTimeout         time.Duration
}

// Engine 驱动单个执行计划到达终态。每个计划由一个逻辑任务驱动，
// Parallel 与 LinkedPair 策略会派生有界并发的子任务。
type Engine struct {
	client Client
	sink   EventSink
	logger *zap.Logger
	opts   Options
}

// New 创建执行引擎。
func New(client Client, opts Options, sink EventSink, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 15 * time.Second
	}
	return &Engine{
		client: client,
		sink:   sink,
		logger: logger,
		opts:   opts,
	}
}

// Run 执行计划并返回最终汇总。外部取消（ctx结束）会停止后续提交，
// 并尽力撤销所有尚未到达终态的子订单，不会静默遗弃。
func (e *Engine) Run(ctx context.Context, plan order.Plan) order.Result {
	runCtx := ctx
	var cancelRun context.CancelFunc
	if e.opts.IntentDeadline > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, e.opts.IntentDeadline)
		defer cancelRun()
	}

	t := &tracker{engine: e, intentID: plan.IntentID}
	t.results = make([]order.ChildResult, len(plan.Children))
	for i, spec := range plan.Children {
		t.results[i] = order.ChildResult{Spec: spec, State: order.StatePending}
	}

	var (
		status  order.Status
		planErr error
	)

	switch plan.Policy {
	case order.PolicySequential:
		status, planErr = e.runSequential(runCtx, t, plan)
	case order.PolicyParallel:
		status, planErr = e.runParallel(runCtx, t, plan)
	case order.PolicyLinkedPair:
		status, planErr = e.runLinkedPair(runCtx, t, plan)
	default:
		status, planErr = order.StatusFailed, fmt.Errorf("未知编排策略: %s", plan.Policy)
	}

	// 外部取消与截止时间都要求清理仍挂着的子订单；
	// 计划在信号到达前已经正常完成的不受影响
	if ctx.Err() != nil && planErr != nil {
		e.cleanup(t)
		status = order.StatusCancelled
		planErr = ctx.Err()
	} else if runCtx.Err() != nil && planErr != nil {
		e.cleanup(t)
		status = order.StatusFailed
		planErr = fmt.Errorf("%w: %v", ErrPlanTimeout, planErr)
	}

	result := order.Result{
		IntentID:   plan.IntentID,
		Status:     status,
		Children:   t.snapshot(),
		Err:        planErr,
		FinishedAt: time.Now().UTC(),
	}

	e.logger.Info("执行计划结束",
		zap.String("intent_id", plan.IntentID),
		zap.String("policy", string(plan.Policy)),
		zap.String("status", string(status)),
		zap.Int("children", len(result.Children)),
		zap.Int("open_children", len(result.OpenChildren())),
		zap.Error(planErr),
	)
	return result
}

// runSequential 逐个提交子订单，前一个到达可接受状态后才提交下一个；
// 任一步骤被拒绝或失败则放弃剩余步骤，已完成步骤的终态保持不变。
func (e *Engine) runSequential(ctx context.Context, t *tracker, plan order.Plan) (order.Status, error) {
	for i := range plan.Children {
		if i > 0 && plan.Interval > 0 {
			if err := sleepCtx(ctx, plan.Interval); err != nil {
				return order.StatusFailed, err
			}
		}
		if err := e.runChild(ctx, t, i); err != nil {
			return order.StatusFailed, fmt.Errorf("第%d步执行失败: %w", i+1, err)
		}
	}
	return order.StatusCompleted, nil
}

// runParallel 有界并发提交全部子订单，单个拒单不影响兄弟订单。
func (e *Engine) runParallel(ctx context.Context, t *tracker, plan order.Plan) (order.Status, error) {
	limit := e.opts.MaxParallel
	if limit <= 0 || limit > len(plan.Children) {
		limit = len(plan.Children)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range plan.Children {
		idx := i
		g.Go(func() error {
			if err := e.runChild(ctx, t, idx); err != nil {
				// 网格档位相互独立，失败只记录在该子订单上
				e.logger.Warn("并行子订单失败",
					zap.String("intent_id", t.intentID),
					zap.Int("index", idx),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range t.snapshot() {
		if r.Err != nil || r.State == order.StateRejected {
			failed++
		}
	}
	switch {
	case failed == 0:
		return order.StatusCompleted, nil
	case failed == len(plan.Children):
		return order.StatusFailed, errors.New("全部网格档位提交失败")
	default:
		return order.StatusPartiallyCompleted, fmt.Errorf("%d/%d 个子订单失败", failed, len(plan.Children))
	}
}

// runLinkedPair 提交两腿并互设看护：任一腿成交（或部分成交超过阈值）
// 即撤销另一腿。撤单与成交竞态由交易所的幂等撤单语义吸收，
// 引擎接受交易所确认的任何终态组合。
func (e *Engine) runLinkedPair(ctx context.Context, t *tracker, plan order.Plan) (order.Status, error) {
	if len(plan.Children) != 2 {
		return order.StatusFailed, fmt.Errorf("联动计划需要两腿，当前 %d", len(plan.Children))
	}

	for i := 0; i < 2; i++ {
		if err := e.placeChild(ctx, t, i); err != nil {
			if i == 1 {
				// 第二腿提交失败时撤掉第一腿，避免裸腿
				e.cancelChild(t, 0, "sibling placement failed")
			}
			return order.StatusFailed, fmt.Errorf("第%d腿提交失败: %w", i+1, err)
		}
	}

	g, watchCtx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		idx := i
		g.Go(func() error {
			return e.watchLinked(watchCtx, t, idx, 1-idx)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return order.StatusFailed, err
	}

	results := t.snapshot()
	filled := 0
	for _, r := range results {
		if r.State == order.StateFilled || r.FilledQty.IsPositive() {
			filled++
		}
	}
	if filled >= 1 {
		return order.StatusCompleted, nil
	}
	if results[0].State == order.StateCancelled && results[1].State == order.StateCancelled {
		return order.StatusCancelled, errors.New("两腿均被撤销")
	}
	return order.StatusFailed, errors.New("联动计划未产生成交")
}

// runChild 提交子订单并等待其到达可接受状态：
// 挂单型（限价/条件）开仓即算完成本步，市价型需等待终态。
func (e *Engine) runChild(ctx context.Context, t *tracker, idx int) error {
	if err := e.placeChild(ctx, t, idx); err != nil {
		return err
	}

	r := t.get(idx)
	if r.State.Terminal() {
		if r.State == order.StateRejected {
			return fmt.Errorf("%w: 子订单 %s 被拒绝", exchange.ErrOrderRejected, r.Spec.ClientOrderID)
		}
		return nil
	}
	if r.Spec.Resting() {
		// 限价/条件单挂上交易所即视为本步完成
		return nil
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()

	err := e.pollUntilTerminal(stepCtx, t, idx)
	if err == nil {
		r = t.get(idx)
		if r.State == order.StateRejected {
			return fmt.Errorf("%w: 子订单 %s 被拒绝", exchange.ErrOrderRejected, r.Spec.ClientOrderID)
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// 步骤超时：撤销在途订单，按策略决定是否接受部分成交
	e.cancelChild(t, idx, "step timeout")
	r = t.get(idx)
	if e.opts.AcceptPartialOnTimeout && r.FilledQty.IsPositive() {
		e.logger.Warn("步骤超时但已有部分成交，按配置继续",
			zap.String("intent_id", t.intentID),
			zap.Int("index", idx),
			zap.String("filled", r.FilledQty.String()),
		)
		return nil
	}
	return fmt.Errorf("子订单 %s 步骤超时: %w", r.Spec.ClientOrderID, err)
}

func (e *Engine) placeChild(ctx context.Context, t *tracker, idx int) error {
	spec := t.get(idx).Spec

	ack, err := e.client.PlaceOrder(ctx, spec)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderRejected) {
			t.transition(ctx, idx, "", order.StateRejected, err.Error())
			t.setErr(idx, err)
			return err
		}
		t.setErr(idx, err)
		return err
	}

	t.transition(ctx, idx, ack.OrderID, ack.State, "placed")
	t.setFill(idx, ack.FilledQty)
	return nil
}

// pollUntilTerminal 轮询订单状态直至终态或上下文结束。
func (e *Engine) pollUntilTerminal(ctx context.Context, t *tracker, idx int) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		r := t.get(idx)
		snapshot, err := e.client.OrderStatus(ctx, r.Spec.Symbol, r.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("查询订单状态失败",
				zap.String("intent_id", t.intentID),
				zap.String("order_id", r.OrderID),
				zap.Error(err),
			)
			continue
		}

		t.apply(ctx, idx, snapshot)
		if snapshot.State.Terminal() {
			return nil
		}
	}
}

// watchLinked 看护联动腿：本腿成交（或部分成交超阈值）或被撤销时，
// 对兄弟腿发出撤单。兄弟腿已成交/已撤销的撤单结果视为成功。
func (e *Engine) watchLinked(ctx context.Context, t *tracker, idx, sibling int) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		r := t.get(idx)
		if r.State.Terminal() {
			if r.State != order.StateRejected {
				e.closeSibling(ctx, t, sibling)
			}
			return nil
		}
		if r.State == order.StatePartiallyFilled && e.beyondThreshold(r) {
			e.cancelSibling(ctx, t, sibling)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		snapshot, err := e.client.OrderStatus(ctx, r.Spec.Symbol, r.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		t.apply(ctx, idx, snapshot)
	}
}

func (e *Engine) beyondThreshold(r order.ChildResult) bool {
	if !r.FilledQty.IsPositive() {
		return false
	}
	if e.opts.LinkedFillThreshold <= 0 {
		return true
	}
	ratio := r.FilledQty.Div(r.Spec.Quantity).InexactFloat64()
	return ratio > e.opts.LinkedFillThreshold
}

// closeSibling 反复对兄弟腿发出撤单，直至其到达交易所确认的终态。
// 单次撤单失败不放弃，等待下一个轮询周期重试，避免幸存腿裸挂到截止时间。
func (e *Engine) closeSibling(ctx context.Context, t *tracker, sibling int) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		r := t.get(sibling)
		if r.OrderID == "" || r.State.Terminal() {
			return
		}
		e.cancelSibling(ctx, t, sibling)

		if r = t.get(sibling); r.State.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) cancelSibling(ctx context.Context, t *tracker, sibling int) {
	r := t.get(sibling)
	if r.OrderID == "" || r.State.Terminal() {
		return
	}
	if err := e.client.CancelOrder(ctx, r.Spec.Symbol, r.OrderID); err != nil {
		// 竞态下兄弟腿可能恰好成交，由后续轮询确认其真实终态
		e.logger.Debug("撤销兄弟腿失败，等待状态确认",
			zap.String("intent_id", t.intentID),
			zap.String("order_id", r.OrderID),
			zap.Error(err),
		)
		return
	}
	snapshot, err := e.client.OrderStatus(ctx, r.Spec.Symbol, r.OrderID)
	if err == nil {
		t.apply(ctx, sibling, snapshot)
	}
}

// cancelChild 用独立上下文尽力撤销子订单并刷新其终态。
func (e *Engine) cancelChild(t *tracker, idx int, reason string) {
	r := t.get(idx)
	if r.OrderID == "" || r.State.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.CleanupTimeout)
	defer cancel()

	if err := e.client.CancelOrder(ctx, r.Spec.Symbol, r.OrderID); err != nil {
		e.logger.Error("撤销子订单失败",
			zap.String("intent_id", t.intentID),
			zap.String("order_id", r.OrderID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	snapshot, err := e.client.OrderStatus(ctx, r.Spec.Symbol, r.OrderID)
	if err != nil {
		t.transition(ctx, idx, r.OrderID, order.StateCancelled, reason)
		return
	}
	t.apply(ctx, idx, snapshot)
}

// cleanup 在取消或超时后撤销所有仍未终态的子订单。
func (e *Engine) cleanup(t *tracker) {
	for i := range t.results {
		e.cancelChild(t, i, "plan aborted")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// tracker 持有计划内各子订单的状态，所有变更都经由它发出迁移事件。
type tracker struct {
	engine   *Engine
	intentID string

	mu      sync.Mutex
	results []order.ChildResult
}

func (t *tracker) get(idx int) order.ChildResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results[idx]
}

func (t *tracker) snapshot() []order.ChildResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]order.ChildResult, len(t.results))
	copy(out, t.results)
	return out
}

func (t *tracker) setErr(idx int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[idx].Err = err
}

func (t *tracker) setFill(idx int, filled decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[idx].FilledQty = filled
}

func (t *tracker) apply(ctx context.Context, idx int, s order.StatusSnapshot) {
	t.mu.Lock()
	changed := t.results[idx].State != s.State
	from := t.results[idx].State
	t.results[idx].State = s.State
	t.results[idx].FilledQty = s.FilledQty
	t.results[idx].AvgPrice = s.AvgPrice
	if s.OrderID != "" {
		t.results[idx].OrderID = s.OrderID
	}
	spec := t.results[idx].Spec
	orderID := t.results[idx].OrderID
	t.mu.Unlock()

	if changed {
		t.emit(ctx, spec, orderID, from, s.State, "")
	}
}

func (t *tracker) transition(ctx context.Context, idx int, orderID string, to order.State, detail string) {
	t.mu.Lock()
	from := t.results[idx].State
	t.results[idx].State = to
	if orderID != "" {
		t.results[idx].OrderID = orderID
	}
	spec := t.results[idx].Spec
	id := t.results[idx].OrderID
	t.mu.Unlock()

	if from != to {
		t.emit(ctx, spec, id, from, to, detail)
	}
}

func (t *tracker) emit(ctx context.Context, spec order.ChildSpec, orderID string, from, to order.State, detail string) {
	ev := Transition{
		Timestamp:     time.Now().UTC(),
		IntentID:      t.intentID,
		ChildOrderID:  orderID,
		ClientOrderID: spec.ClientOrderID,
		From:          from,
		To:            to,
		Detail:        detail,
	}

	t.engine.logger.Info("订单状态迁移",
		zap.String("intent_id", ev.IntentID),
		zap.String("child_order_id", ev.ChildOrderID),
		zap.String("client_order_id", ev.ClientOrderID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.String("detail", ev.Detail),
	)
	if t.engine.sink != nil {
		t.engine.sink.Transition(ctx, ev)
	}
}
