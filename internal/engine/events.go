package engine

import (
	"context"
	"time"

	"orderflow/internal/order"
)

// Transition 描述一次子订单状态迁移。
type Transition struct {
	Timestamp     time.Time   `json:"timestamp"`
	IntentID      string      `json:"intent_id"`
	ChildOrderID  string      `json:"child_order_id"`
	ClientOrderID string      `json:"client_order_id"`
	From          order.State `json:"from_state"`
	To            order.State `json:"to_state"`
	Detail        string      `json:"detail,omitempty"`
}

// EventSink 接收状态迁移事件，由journal等组件实现。
// 实现必须非阻塞或快速返回，事件投递失败不影响执行。
type EventSink interface {
	Transition(ctx context.Context, ev Transition)
}
