package notification

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/task"
	"vhm24-loyalty/pkg/taskname"
	"vhm24-loyalty/services/ledger"
)

// Publisher hands committed ledger transactions to the delivery worker.
type Publisher struct {
	enqueuer task.Enqueuer
	queue    string
}

func NewPublisher(enqueuer task.Enqueuer, cfg *config.Config) *Publisher {
	queue := cfg.Loyalty.NotificationQueue
	if queue == "" {
		queue = taskname.QueueDefault
	}
	return &Publisher{enqueuer: enqueuer, queue: queue}
}

func NewDeliverTask(p DeliverPayload, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.NotificationDeliver, payload,
		asynq.Queue(queue),
		asynq.MaxRetry(10),
		// one delivery per transaction even if publish is retried
		asynq.TaskID("notify:"+p.TransactionID),
	), nil
}

func (p *Publisher) Publish(ctx context.Context, txn *ledger.Transaction) error {
	t, err := NewDeliverTask(DeliverPayload{
		AccountID:     txn.AccountID,
		TransactionID: txn.ID.String(),
		Type:          txn.Type,
		Amount:        txn.Amount,
		BalanceAfter:  txn.BalanceAfter,
		Description:   txn.Description,
		CreatedAt:     txn.CreatedAt,
	}, p.queue)
	if err != nil {
		return err
	}

	_, err = p.enqueuer.Enqueue(ctx, t)
	return err
}
