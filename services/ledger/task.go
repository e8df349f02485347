package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/taskname"
)

type ExpirePayload struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

func NewExpireTask(p ExpirePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PointsExpire, payload,
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(5),
	), nil
}

type ExportPayload struct {
	AccountID string `json:"account_id"`
}

func NewExportTask(p ExportPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.HistoryExport, payload,
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(3),
	), nil
}

// Task holds the ledger's asynq handlers.
type Task struct {
	ledger   *Service
	exporter *Exporter
}

func NewTask(ledger *Service, exporter *Exporter) *Task {
	return &Task{ledger: ledger, exporter: exporter}
}

func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.PointsExpire, t.HandleExpire)
	mux.HandleFunc(taskname.HistoryExport, t.HandleExport)
}

func (t *Task) HandleExpire(ctx context.Context, task *asynq.Task) error {
	var p ExpirePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", task.Type()),
		zap.String("account_id", p.AccountID),
		zap.Int64("amount", p.Amount),
	)

	description := p.Description
	if description == "" {
		description = "Истечение срока действия баллов"
	}

	res, err := t.ledger.Expire(ctx, p.AccountID, p.Amount, description)
	if err != nil {
		if errutil.IsTransient(err) {
			zapLog.Warn("expiration deferred", zap.Error(err))
			return err
		}
		zapLog.Error("expiration rejected", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if res.Transaction == nil {
		zapLog.Info("nothing to expire")
		return nil
	}

	zapLog.Info("points expired",
		zap.Int64("expired", -res.Transaction.Amount),
		zap.Int64("balance_after", res.NewBalance),
	)
	return nil
}

func (t *Task) HandleExport(ctx context.Context, task *asynq.Task) error {
	var p ExportPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if t.exporter == nil {
		return fmt.Errorf("history export disabled: %w", asynq.SkipRetry)
	}
	if err := requireAccount(p.AccountID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	_, err := t.exporter.Export(ctx, p.AccountID)
	return err
}
