package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/celengine"
	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/db/pagination"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/task"
	"vhm24-loyalty/pkg/task/mock"
	"vhm24-loyalty/pkg/taskname"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/notification"
	"vhm24-loyalty/services/quest"
	"vhm24-loyalty/services/reward"
	"vhm24-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Service
	quests  *quest.Service
	rewards *reward.Service
	inbox   *notification.Service
}

func newFixture(t *testing.T, enqueuer task.Enqueuer) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	engine, err := celengine.New()
	require.NoError(t, err)

	l := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f := &fixture{
		ledger:  l,
		quests:  quest.NewService(quest.ServiceParams{DB: db, Node: node, Ledger: l, CEL: engine}),
		rewards: reward.NewService(reward.ServiceParams{DB: db, Node: node, Ledger: l}),
		inbox:   notification.NewService(notification.ServiceParams{DB: db, Node: node}),
	}

	cfg := &config.Config{}
	cfg.Loyalty.HistoryPageSize = 2
	f.svc = NewService(ServiceParams{
		Config:   cfg,
		DB:       db,
		Ledger:   l,
		Quests:   f.quests,
		Rewards:  f.rewards,
		Inbox:    f.inbox,
		Enqueuer: enqueuer,
	})
	return f
}

func (f *fixture) quest(t *testing.T, q quest.Quest) *quest.Quest {
	t.Helper()
	q.IsActive = true
	if q.Type == "" {
		q.Type = quest.Achievement
	}
	saved, err := f.quests.Save(context.Background(), &q)
	require.NoError(t, err)
	return saved
}

func TestOrderCompletedIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	q := f.quest(t, quest.Quest{
		Title:        "Три заказа",
		Trigger:      quest.TriggerOrderCompleted,
		TargetValue:  3,
		RewardPoints: 100,
	})

	order := OrderCompletedPayload{AccountID: "acc-1", OrderID: "ord-1", OrderAmount: 25000, CashbackPoints: 250}

	res, err := f.svc.OrderCompleted(ctx, order)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, int64(250), res.NewBalance)
	require.NotNil(t, res.Transaction)
	require.Equal(t, ledger.OrderReward, res.Transaction.Type)
	require.Len(t, res.Quests, 1)
	require.Equal(t, int64(1), res.Quests[0].Progress.CurrentValue)

	again, err := f.svc.OrderCompleted(ctx, order)
	require.NoError(t, err)
	require.True(t, again.Duplicate)

	b, err := f.ledger.Balance(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, int64(250), b.Balance)

	st, err := f.quests.Get(ctx, "acc-1", q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Progress.CurrentValue)
}

func TestOrderWithoutCashbackAdvancesQuests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.quest(t, quest.Quest{
		Title:        "Потратить 100 000",
		Trigger:      quest.TriggerOrderCompleted,
		Measure:      quest.MeasureAmount,
		TargetValue:  100000,
		RewardPoints: 1000,
	})

	res, err := f.svc.OrderCompleted(ctx, OrderCompletedPayload{AccountID: "acc-1", OrderID: "ord-9", OrderAmount: 40000})
	require.NoError(t, err)
	require.Nil(t, res.Transaction)
	require.Equal(t, int64(0), res.NewBalance)
	require.Len(t, res.Quests, 1)
	require.Equal(t, 40, res.Quests[0].Percent)
}

func TestReferralConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.ReferralConfirmed(ctx, ReferralConfirmedPayload{AccountID: "acc-1", ReferralID: "r-1", RefereeID: "acc-1", Bonus: 500})
	require.ErrorIs(t, err, ErrInvalidEvent)

	res, err := f.svc.ReferralConfirmed(ctx, ReferralConfirmedPayload{AccountID: "acc-1", ReferralID: "r-1", RefereeID: "acc-2", Bonus: 500})
	require.NoError(t, err)
	require.Equal(t, int64(500), res.NewBalance)
	require.Equal(t, ledger.ReferralBonus, res.Transaction.Type)

	again, err := f.svc.ReferralConfirmed(ctx, ReferralConfirmedPayload{AccountID: "acc-1", ReferralID: "r-1", RefereeID: "acc-2", Bonus: 500})
	require.NoError(t, err)
	require.True(t, again.Duplicate)
}

func TestRecordTransactionTypes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.RecordTransaction(ctx, "acc-1", RecordRequest{Type: ledger.TaskCompletion, Amount: 100})
	require.ErrorIs(t, err, ErrTypeNotAllowed)

	_, err = f.svc.RecordTransaction(ctx, "acc-1", RecordRequest{Type: ledger.OrderReward, Amount: 1000, ReferenceID: "ord-1"})
	require.NoError(t, err)

	res, err := f.svc.RecordTransaction(ctx, "acc-1", RecordRequest{Type: ledger.Redemption, Amount: -400})
	require.NoError(t, err)
	require.Equal(t, int64(600), res.NewBalance)

	_, err = f.svc.RecordTransaction(ctx, "acc-1", RecordRequest{Type: ledger.Redemption, Amount: -601})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestAdjustBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.AdjustBalance(ctx, "acc-1", "admin-1", AdjustRequest{Amount: 500})
	require.ErrorIs(t, err, ErrInvalidAdjustment)

	res, err := f.svc.AdjustBalance(ctx, "acc-1", "admin-1", AdjustRequest{Amount: 2000, Description: "Компенсация"})
	require.NoError(t, err)
	require.Equal(t, int64(2000), res.NewBalance)

	res, err = f.svc.AdjustBalance(ctx, "acc-1", "admin-1", AdjustRequest{Amount: -500, Description: "Возврат ошибочного начисления"})
	require.NoError(t, err)
	require.Equal(t, int64(1500), res.NewBalance)
	require.Equal(t, ledger.AdminAdjustment, res.Transaction.Type)

	report, err := f.svc.VerifyChain(ctx, "acc-1")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Transactions)
}

func TestHistoryUsesConfiguredPageSize(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.AdjustBalance(ctx, "acc-1", "admin-1", AdjustRequest{Amount: 10, Description: "bonus"})
		require.NoError(t, err)
	}

	items, page, err := f.svc.History(ctx, "acc-1", nil, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.True(t, page.HasMore)
}

func TestScheduleWithoutQueue(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ScheduleExport(context.Background(), "acc-1")
	require.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestScheduleTasks(t *testing.T) {
	ctrl := gomock.NewController(t)
	enqueuer := mock.NewMockEnqueuer(ctrl)
	f := newFixture(t, enqueuer)

	enqueuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, got *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
			require.Equal(t, taskname.PointsExpire, got.Type())
			var p ledger.ExpirePayload
			require.NoError(t, json.Unmarshal(got.Payload(), &p))
			require.Equal(t, int64(300), p.Amount)
			return &asynq.TaskInfo{ID: "t-1"}, nil
		})

	id, err := f.svc.ScheduleExpiration(context.Background(), ledger.ExpirePayload{AccountID: "acc-1", Amount: 300})
	require.NoError(t, err)
	require.Equal(t, "t-1", id)

	_, err = f.svc.ScheduleExpiration(context.Background(), ledger.ExpirePayload{AccountID: "acc-1"})
	require.ErrorIs(t, err, ledger.ErrInvalidTransaction)

	enqueuer.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))
	_, err = f.svc.ScheduleExport(context.Background(), "acc-1")
	require.NotErrorIs(t, err, ErrQueueUnavailable)
	require.True(t, errutil.IsTransient(err))
}

func TestTaskHandlers(t *testing.T) {
	f := newFixture(t, nil)
	h := NewTask(f.svc)
	ctx := context.Background()

	err := h.HandleOrderCompleted(ctx, asynq.NewTask(taskname.OrderCompleted, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	invalid, err := NewOrderCompletedTask(OrderCompletedPayload{AccountID: "acc-1", CashbackPoints: 10})
	require.NoError(t, err)
	require.ErrorIs(t, h.HandleOrderCompleted(ctx, invalid), asynq.SkipRetry)

	valid, err := NewOrderCompletedTask(OrderCompletedPayload{AccountID: "acc-1", OrderID: "ord-7", OrderAmount: 1000, CashbackPoints: 10})
	require.NoError(t, err)
	require.NoError(t, h.HandleOrderCompleted(ctx, valid))
	require.NoError(t, h.HandleOrderCompleted(ctx, valid))

	referral, err := NewReferralConfirmedTask(ReferralConfirmedPayload{AccountID: "acc-1", ReferralID: "r-7", RefereeID: "acc-9", Bonus: 50})
	require.NoError(t, err)
	require.NoError(t, h.HandleReferralConfirmed(ctx, referral))

	b, err := f.ledger.Balance(ctx, "acc-1")
	require.NoError(t, err)
	require.Equal(t, int64(60), b.Balance)
}
