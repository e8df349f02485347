package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/featureflags"
	"vhm24-loyalty/pkg/task/mock"
	"vhm24-loyalty/pkg/taskname"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type staticFlags map[string]bool

func (f staticFlags) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (f staticFlags) Enabled(_ context.Context, identifier, feature string, fallback bool) bool {
	if v, ok := f[identifier+"/"+feature]; ok {
		return v
	}
	return fallback
}

func newTestService(t *testing.T, flags featureflags.FeatureFlag) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node, Flags: flags})
}

func TestPublisherEnqueuesDeliverTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mock.NewMockEnqueuer(ctrl)

	cfg := &config.Config{}
	cfg.Loyalty.NotificationQueue = "notifications"
	pub := NewPublisher(enqueuer, cfg)

	txn := &ledger.Transaction{
		ID:           snowflake.ID(42),
		AccountID:    "acc-1",
		Type:         ledger.OrderReward,
		Amount:       250,
		BalanceAfter: 1250,
		CreatedAt:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}

	enqueuer.EXPECT().
		Enqueue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
			require.Equal(t, taskname.NotificationDeliver, task.Type())

			var p DeliverPayload
			require.NoError(t, json.Unmarshal(task.Payload(), &p))
			require.Equal(t, "acc-1", p.AccountID)
			require.Equal(t, "42", p.TransactionID)
			require.Equal(t, int64(1250), p.BalanceAfter)
			return &asynq.TaskInfo{ID: "notify:42", Queue: "notifications"}, nil
		})

	require.NoError(t, pub.Publish(context.Background(), txn))
}

func TestPublisherSurfacesEnqueueError(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mock.NewMockEnqueuer(ctrl)
	pub := NewPublisher(enqueuer, &config.Config{})

	enqueuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))

	err := pub.Publish(context.Background(), &ledger.Transaction{ID: 1, AccountID: "acc-1", Type: ledger.Redemption, Amount: -5})
	require.ErrorContains(t, err, "redis down")
	require.Equal(t, taskname.QueueDefault, pub.queue)
}

func TestLedgerRecordSurvivesPublisherFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mock.NewMockEnqueuer(ctrl)
	enqueuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down")).Times(1)

	db := testutil.NewTestDB(t, ledger.Models()...)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	l := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Publisher: NewPublisher(enqueuer, &config.Config{})})

	res, err := l.Record(context.Background(), ledger.RecordParams{AccountID: "acc-1", Type: ledger.OrderReward, Amount: 90})
	require.NoError(t, err)
	require.Equal(t, int64(90), res.NewBalance)
}

func TestDeliverStoresInboxOnce(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	p := DeliverPayload{AccountID: "acc-1", TransactionID: "7", Type: ledger.TaskCompletion, Amount: 100, BalanceAfter: 1100}

	n, err := svc.Deliver(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, "Задание выполнено!", n.Title)

	again, err := svc.Deliver(ctx, p)
	require.NoError(t, err)
	require.Nil(t, again)

	inbox, err := svc.List(ctx, "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, n.ID, inbox[0].ID)
}

func TestDeliverRespectsFlag(t *testing.T) {
	svc := newTestService(t, staticFlags{"acc-off/" + featureflags.NotificationsEnabled: false})
	ctx := context.Background()

	n, err := svc.Deliver(ctx, DeliverPayload{AccountID: "acc-off", TransactionID: "1", Type: ledger.OrderReward, Amount: 10, BalanceAfter: 10})
	require.NoError(t, err)
	require.Nil(t, n)

	n, err = svc.Deliver(ctx, DeliverPayload{AccountID: "acc-on", TransactionID: "2", Type: ledger.OrderReward, Amount: 10, BalanceAfter: 10})
	require.NoError(t, err)
	require.NotNil(t, n)

	inbox, err := svc.List(ctx, "acc-off", 10)
	require.NoError(t, err)
	require.Empty(t, inbox)
}

func TestHandleDeliver(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	err := svc.HandleDeliver(ctx, asynq.NewTask(taskname.NotificationDeliver, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	payload, err := json.Marshal(DeliverPayload{AccountID: "acc-1", TransactionID: "9", Type: ledger.Expiration, Amount: -40, BalanceAfter: 0})
	require.NoError(t, err)
	require.NoError(t, svc.HandleDeliver(ctx, asynq.NewTask(taskname.NotificationDeliver, payload)))

	inbox, err := svc.List(ctx, "acc-1", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Equal(t, "Баллы истекли", inbox[0].Title)
}

func TestMarkRead(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	n, err := svc.Deliver(ctx, DeliverPayload{AccountID: "acc-1", TransactionID: "3", Type: ledger.ReferralBonus, Amount: 500, BalanceAfter: 500})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, "acc-1", n.ID))
	require.NoError(t, svc.MarkRead(ctx, "acc-1", n.ID))
	require.ErrorIs(t, svc.MarkRead(ctx, "acc-2", n.ID), ErrNotificationNotFound)
}
