package quest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/celengine"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	db     *gorm.DB
	now    time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, append(ledger.Models(), Models()...)...)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	engine, err := celengine.New()
	require.NoError(t, err)

	l := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	f := &fixture{
		ledger: l,
		db:     db,
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(ServiceParams{DB: db, Node: node, Ledger: l, CEL: engine})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) quest(t *testing.T, q Quest) *Quest {
	t.Helper()
	q.IsActive = true
	saved, err := f.svc.Save(context.Background(), &q)
	require.NoError(t, err)
	return saved
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b.Balance
}

func TestPercent(t *testing.T) {
	cases := []struct {
		current, target int64
		want            int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{7, 3, 100},
		{-1, 3, 0},
		{5, 0, 100},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Percent(tc.current, tc.target), "%d/%d", tc.current, tc.target)
	}
}

func TestUpdateProgressClampsAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.quest(t, Quest{Title: "Три заказа", Type: Weekly, TargetValue: 3, RewardPoints: 100})

	st, err := f.svc.UpdateProgress(ctx, "acc-1", q.ID, 2)
	require.NoError(t, err)
	require.Equal(t, InProgress, st.State)
	require.Equal(t, 66, st.Percent)

	st, err = f.svc.UpdateProgress(ctx, "acc-1", q.ID, 5)
	require.NoError(t, err)
	require.Equal(t, Completed, st.State)
	require.Equal(t, int64(3), st.Progress.CurrentValue)
	require.True(t, st.Progress.IsCompleted)
	require.Equal(t, 100, st.Percent)

	// completed progress no longer moves
	st, err = f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Progress.CurrentValue)

	_, err = f.svc.UpdateProgress(ctx, "acc-1", q.ID, 0)
	require.True(t, errors.Is(err, ErrInvalidProgress))
}

func TestClaimNonRepeatableOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.quest(t, Quest{Title: "Первый заказ", Type: Achievement, TargetValue: 1, RewardPoints: 500})

	_, err := f.svc.Claim(ctx, "acc-1", q.ID)
	require.True(t, errors.Is(err, ErrQuestNotCompleted))

	_, err = f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)

	res, err := f.svc.Claim(ctx, "acc-1", q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), res.NewBalance)
	require.Equal(t, Claimed, res.Status.State)
	require.Equal(t, 1, res.Status.Progress.CompletionCount)

	_, err = f.svc.Claim(ctx, "acc-1", q.ID)
	require.True(t, errors.Is(err, ErrAlreadyClaimed))

	f.advance(365 * 24 * time.Hour)
	_, err = f.svc.Claim(ctx, "acc-1", q.ID)
	require.True(t, errors.Is(err, ErrAlreadyClaimed))

	st, err := f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)
	require.Equal(t, Claimed, st.State)

	require.Equal(t, int64(500), f.balance(t, "acc-1"))
}

func TestClaimCreditsQuestReward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Record(ctx, ledger.RecordParams{AccountID: "acc-a", Type: ledger.OrderReward, Amount: 1000})
	require.NoError(t, err)

	q := f.quest(t, Quest{Title: "Оцените заказ", Type: Daily, TargetValue: 1, RewardPoints: 100})
	_, err = f.svc.UpdateProgress(ctx, "acc-a", q.ID, 1)
	require.NoError(t, err)

	res, err := f.svc.Claim(ctx, "acc-a", q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1100), res.NewBalance)

	for txn, err := range f.ledger.History(ctx, "acc-a", ledger.HistoryFilter{Limit: 1}) {
		require.NoError(t, err)
		require.Equal(t, ledger.TaskCompletion, txn.Type)
		require.Equal(t, int64(100), txn.Amount)
		require.Equal(t, int64(1100), txn.BalanceAfter)
		require.Equal(t, "Оцените заказ", txn.Description)
	}
}

func TestRepeatableCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.quest(t, Quest{
		Title:               "Ежедневный кофе",
		Type:                Daily,
		TargetValue:         1,
		RewardPoints:        50,
		IsRepeatable:        true,
		RepeatCooldownHours: 24,
	})

	_, err := f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)
	res, err := f.svc.Claim(ctx, "acc-1", q.ID)
	require.NoError(t, err)
	require.Equal(t, Cooldown, res.Status.State)
	require.Equal(t, int64(0), res.Status.Progress.CurrentValue)
	require.False(t, res.Status.Progress.RewardClaimed)

	f.advance(12 * time.Hour)
	st, err := f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)
	require.Equal(t, Cooldown, st.State)
	require.Equal(t, int64(0), st.Progress.CurrentValue)

	_, err = f.svc.Claim(ctx, "acc-1", q.ID)
	require.True(t, errors.Is(err, ErrQuestOnCooldown))
	require.Equal(t, int64(50), f.balance(t, "acc-1"))

	f.advance(13 * time.Hour)
	st, err = f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)
	require.Equal(t, Completed, st.State)

	res, err = f.svc.Claim(ctx, "acc-1", q.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), res.NewBalance)
	require.Equal(t, 2, res.Status.Progress.CompletionCount)
	require.Equal(t, int64(0), res.Status.Progress.CurrentValue)
	require.False(t, res.Status.Progress.IsCompleted)
}

func TestRepeatableMaxCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := 2
	q := f.quest(t, Quest{
		Title:          "Пригласи друга",
		Type:           Special,
		Trigger:        TriggerReferralConfirmed,
		TargetValue:    1,
		RewardPoints:   1000,
		IsRepeatable:   true,
		MaxCompletions: &limit,
	})

	for i := 0; i < limit; i++ {
		_, err := f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
		require.NoError(t, err)
		_, err = f.svc.Claim(ctx, "acc-1", q.ID)
		require.NoError(t, err)
	}

	st, err := f.svc.UpdateProgress(ctx, "acc-1", q.ID, 1)
	require.NoError(t, err)
	require.Equal(t, Exhausted, st.State)

	_, err = f.svc.Claim(ctx, "acc-1", q.ID)
	require.True(t, errors.Is(err, ErrMaxCompletionsReached))
	require.Equal(t, int64(2000), f.balance(t, "acc-1"))
}

func TestClaimInactiveQuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q := Quest{Title: "Архив", Type: Special, TargetValue: 1, RewardPoints: 10}
	saved, err := f.svc.Save(ctx, &q)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "acc-1", saved.ID)
	require.True(t, errors.Is(err, ErrQuestNotFound))
	_, err = f.svc.UpdateProgress(ctx, "acc-1", saved.ID, 1)
	require.True(t, errors.Is(err, ErrQuestNotFound))
	_, err = f.svc.Claim(ctx, "acc-1", "")
	require.True(t, errors.Is(err, ErrQuestNotFound))
}

func TestApplyEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	big := f.quest(t, Quest{
		Title:        "Три крупных заказа",
		Type:         Weekly,
		Trigger:      TriggerOrderCompleted,
		Condition:    "event.amount >= 50000",
		TargetValue:  3,
		RewardPoints: 300,
	})
	spend := f.quest(t, Quest{
		Title:        "Потратить 200 000",
		Type:         Achievement,
		Trigger:      TriggerOrderCompleted,
		Measure:      MeasureAmount,
		TargetValue:  200_000,
		RewardPoints: 2000,
	})
	referral := f.quest(t, Quest{
		Title:        "Пригласи друга",
		Type:         Special,
		Trigger:      TriggerReferralConfirmed,
		TargetValue:  1,
		RewardPoints: 1000,
	})

	out, err := f.svc.ApplyEvent(ctx, "acc-1", TriggerOrderCompleted, map[string]any{"amount": 75000})
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = f.svc.ApplyEvent(ctx, "acc-1", TriggerOrderCompleted, map[string]any{"amount": 10000.0})
	require.NoError(t, err)
	require.Len(t, out, 1)

	statuses, err := f.svc.List(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	byID := map[string]*Status{}
	for _, st := range statuses {
		byID[st.Quest.ID] = st
	}
	require.Equal(t, int64(1), byID[big.ID].Progress.CurrentValue)
	require.Equal(t, 33, byID[big.ID].Percent)
	require.Equal(t, int64(85_000), byID[spend.ID].Progress.CurrentValue)
	require.Equal(t, 42, byID[spend.ID].Percent)
	require.Equal(t, NotStarted, byID[referral.ID].State)
	require.Nil(t, byID[referral.ID].Progress)

	_, err = f.svc.ApplyEvent(ctx, "acc-1", "unknown", nil)
	require.True(t, errors.Is(err, ErrInvalidProgress))
}

func TestSaveValidatesAndUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, &Quest{Title: "Без повтора", Type: Daily, TargetValue: 1, RepeatCooldownHours: 24})
	require.True(t, errors.Is(err, ErrInvalidQuest))

	_, err = f.svc.Save(ctx, &Quest{Title: "Плохое условие", Type: Daily, TargetValue: 1, Condition: "event.amount >"})
	require.True(t, errors.Is(err, ErrInvalidQuest))

	_, err = f.svc.Save(ctx, &Quest{Title: "Ноль", Type: Daily, TargetValue: 0})
	require.True(t, errors.Is(err, ErrInvalidQuest))

	first, err := f.svc.Save(ctx, &Quest{Title: "Coffee Lover", Type: Weekly, TargetValue: 5, RewardPoints: 10, IsActive: true})
	require.NoError(t, err)
	require.Equal(t, "coffee-lover", first.Slug)
	require.Equal(t, TriggerManual, first.Trigger)

	second, err := f.svc.Save(ctx, &Quest{Slug: "coffee-lover", Title: "Coffee Lover", Type: Weekly, TargetValue: 7, RewardPoints: 20, IsActive: true})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	st, err := f.svc.Get(ctx, "acc-1", first.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), st.Quest.TargetValue)
	require.Equal(t, int64(20), st.Quest.RewardPoints)
}
