// Package journal 将执行过程持久化为可查询的事件流。
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderflow/internal/engine"
	"orderflow/internal/order"
)

// Service 负责持久化订单状态迁移与执行结果。
// 写入失败只记日志，绝不阻塞或中断执行引擎。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化journal服务，创建所需表结构。
func NewService(store *Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS order_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	intent_id TEXT NOT NULL,
	child_order_id TEXT,
	client_order_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	detail TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_events_intent ON order_events(intent_id);

CREATE TABLE IF NOT EXISTS execution_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	intent_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	error TEXT,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_results_intent ON execution_results(intent_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return nil
}

// Transition 实现 engine.EventSink，写入单条状态迁移。
func (s *Service) Transition(ctx context.Context, ev engine.Transition) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_events (intent_id, child_order_id, client_order_id, from_state, to_state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.IntentID, ev.ChildOrderID, ev.ClientOrderID,
		string(ev.From), string(ev.To), ev.Detail,
		ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("journal: 写入状态迁移失败",
			zap.String("intent_id", ev.IntentID),
			zap.Error(err),
		)
	}
}

type childPayload struct {
	ClientOrderID string `json:"client_order_id"`
	OrderID       string `json:"order_id,omitempty"`
	State         string `json:"state"`
	FilledQty     string `json:"filled_qty"`
	AvgPrice      string `json:"avg_price,omitempty"`
	Err           string `json:"error,omitempty"`
}

// RecordResult 写入意图级别的最终汇总。
func (s *Service) RecordResult(ctx context.Context, result order.Result) {
	children := make([]childPayload, 0, len(result.Children))
	for _, c := range result.Children {
		p := childPayload{
			ClientOrderID: c.Spec.ClientOrderID,
			OrderID:       c.OrderID,
			State:         string(c.State),
			FilledQty:     c.FilledQty.String(),
		}
		if c.AvgPrice.IsPositive() {
			p.AvgPrice = c.AvgPrice.String()
		}
		if c.Err != nil {
			p.Err = c.Err.Error()
		}
		children = append(children, p)
	}

	payload, err := json.Marshal(children)
	if err != nil {
		s.logger.Warn("journal: 序列化执行结果失败", zap.Error(err))
		return
	}

	var errText string
	if result.Err != nil {
		errText = result.Err.Error()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_results (intent_id, status, payload, error, finished_at)
		 VALUES (?, ?, ?, ?, ?)`,
		result.IntentID, string(result.Status), string(payload), errText,
		result.FinishedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Warn("journal: 写入执行结果失败",
			zap.String("intent_id", result.IntentID),
			zap.Error(err),
		)
	}
}

// EventCount 返回指定意图的事件数量，供查询与测试使用。
func (s *Service) EventCount(ctx context.Context, intentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_events WHERE intent_id = ?`, intentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("journal: 查询事件数量失败: %w", err)
	}
	return count, nil
}

var _ engine.EventSink = (*Service)(nil)
