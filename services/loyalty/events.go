package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/otelcol"
	"vhm24-loyalty/pkg/taskname"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/quest"
)

var ErrInvalidEvent = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_EVENT", "invalid event payload")

// OrderCompletedPayload is published by the ordering service once a vending
// order is paid and dispensed. CashbackPoints is computed by the publisher.
type OrderCompletedPayload struct {
	AccountID      string `json:"account_id"`
	OrderID        string `json:"order_id"`
	OrderAmount    int64  `json:"order_amount"`
	CashbackPoints int64  `json:"cashback_points"`
	MachineID      string `json:"machine_id,omitempty"`
}

type ReferralConfirmedPayload struct {
	AccountID  string `json:"account_id"`
	ReferralID string `json:"referral_id"`
	RefereeID  string `json:"referee_id"`
	Bonus      int64  `json:"bonus"`
}

func NewOrderCompletedTask(p OrderCompletedPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.OrderCompleted, payload,
		asynq.Queue(taskname.QueueCritical),
		asynq.MaxRetry(10),
		asynq.TaskID("order:"+p.OrderID),
	), nil
}

func NewReferralConfirmedTask(p ReferralConfirmedPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ReferralConfirmed, payload,
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(10),
		asynq.TaskID("referral:"+p.ReferralID),
	), nil
}

// EventResult reports what one ingested event changed. Duplicate is set when
// the event's reference was already recorded and nothing was applied.
type EventResult struct {
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	NewBalance  int64               `json:"new_balance"`
	Quests      []*quest.Status     `json:"quests,omitempty"`
	Duplicate   bool                `json:"duplicate"`
}

type ingest struct {
	accountID string
	credit    *ledger.RecordParams
	trigger   quest.Trigger
	attrs     map[string]any
}

// OrderCompleted credits the cashback and advances order quests in one
// transaction keyed by the order id.
func (s *Service) OrderCompleted(ctx context.Context, p OrderCompletedPayload) (*EventResult, error) {
	if p.AccountID == "" || p.OrderID == "" || p.OrderAmount < 0 || p.CashbackPoints < 0 {
		return nil, ErrInvalidEvent
	}

	in := ingest{
		accountID: p.AccountID,
		trigger:   quest.TriggerOrderCompleted,
		attrs: map[string]any{
			"order_id":   p.OrderID,
			"amount":     p.OrderAmount,
			"cashback":   p.CashbackPoints,
			"machine_id": p.MachineID,
		},
	}
	// zero-cashback orders only advance quests and rely on the asynq task id
	// for deduplication
	if p.CashbackPoints > 0 {
		in.credit = &ledger.RecordParams{
			AccountID:   p.AccountID,
			Type:        ledger.OrderReward,
			Amount:      p.CashbackPoints,
			Description: "Заказ " + p.OrderID,
			Metadata:    map[string]any{"order_amount": p.OrderAmount, "machine_id": p.MachineID},
		}
	}
	return s.ingest(ctx, in, "order:"+p.OrderID)
}

// ReferralConfirmed pays the referral bonus to the referrer and advances
// referral quests.
func (s *Service) ReferralConfirmed(ctx context.Context, p ReferralConfirmedPayload) (*EventResult, error) {
	if p.AccountID == "" || p.ReferralID == "" || p.Bonus < 0 || p.AccountID == p.RefereeID {
		return nil, ErrInvalidEvent
	}

	in := ingest{
		accountID: p.AccountID,
		trigger:   quest.TriggerReferralConfirmed,
		attrs:     map[string]any{"referral_id": p.ReferralID, "referee_id": p.RefereeID},
	}
	if p.Bonus > 0 {
		in.credit = &ledger.RecordParams{
			AccountID:   p.AccountID,
			Type:        ledger.ReferralBonus,
			Amount:      p.Bonus,
			Description: "Приглашение " + p.RefereeID,
		}
	}
	return s.ingest(ctx, in, "referral:"+p.ReferralID)
}

func (s *Service) ingest(ctx context.Context, in ingest, ref string) (*EventResult, error) {
	ctx, span := tracer.Start(ctx, "loyalty.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", in.accountID),
		attribute.String("trigger", string(in.trigger)),
		attribute.String("reference_id", ref),
	)

	unlock := s.ledger.LockAccount(in.accountID)
	defer unlock()

	out := &EventResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.credit != nil {
			in.credit.ReferenceID = ref
			res, err := s.ledger.RecordTx(ctx, tx, *in.credit)
			if err != nil {
				return err
			}
			out.Transaction = res.Transaction
			out.NewBalance = res.NewBalance
		} else {
			acc, err := s.ledger.AccountTx(ctx, tx, in.accountID)
			if err != nil {
				return err
			}
			out.NewBalance = acc.Balance
		}

		statuses, err := s.quests.ApplyEventTx(ctx, tx, in.accountID, in.trigger, in.attrs)
		if err != nil {
			return err
		}
		out.Quests = statuses
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return &EventResult{Duplicate: true}, nil
	}
	if err != nil {
		return nil, errutil.Transient("event ingestion failed", err)
	}

	if out.Transaction != nil {
		s.ledger.Committed(ctx, out.Transaction)
	}
	return out, nil
}

func (s *Service) enqueue(ctx context.Context, t *asynq.Task) (string, error) {
	if s.enqueuer == nil {
		return "", ErrQueueUnavailable
	}
	info, err := s.enqueuer.Enqueue(ctx, t)
	if err != nil {
		return "", errutil.Transient("enqueue failed", err)
	}
	return info.ID, nil
}

// Task adapts the event handlers to asynq.
type Task struct {
	svc *Service
}

func NewTask(svc *Service) *Task {
	return &Task{svc: svc}
}

func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.OrderCompleted, t.HandleOrderCompleted)
	mux.HandleFunc(taskname.ReferralConfirmed, t.HandleReferralConfirmed)
}

func (t *Task) HandleOrderCompleted(ctx context.Context, task *asynq.Task) error {
	var p OrderCompletedPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	res, err := t.svc.OrderCompleted(ctx, p)
	return t.finish(ctx, task, p.AccountID, res, err)
}

func (t *Task) HandleReferralConfirmed(ctx context.Context, task *asynq.Task) error {
	var p ReferralConfirmedPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	res, err := t.svc.ReferralConfirmed(ctx, p)
	return t.finish(ctx, task, p.AccountID, res, err)
}

// finish logs the outcome and turns permanent failures into SkipRetry so
// asynq archives them instead of retrying.
func (t *Task) finish(ctx context.Context, task *asynq.Task, accountID string, res *EventResult, err error) error {
	zapLog := zap.L().With(otelcol.LogFields(ctx)...).With(
		zap.String("task_type", task.Type()),
		zap.String("account_id", accountID),
	)

	if err != nil {
		if errutil.IsTransient(err) {
			zapLog.Warn("event ingestion failed, will retry", zap.Error(err))
			return err
		}
		zapLog.Error("event rejected", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if res.Duplicate {
		zapLog.Info("event already processed")
		return nil
	}
	zapLog.Info("event processed", zap.Int64("new_balance", res.NewBalance), zap.Int("quests", len(res.Quests)))
	return nil
}
