package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/celengine"
	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/db"
	"vhm24-loyalty/pkg/gen"
	"vhm24-loyalty/pkg/logger"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/loyalty"
	"vhm24-loyalty/services/quest"
	"vhm24-loyalty/services/reward"
)

// seed migrates the schema and upserts the starter quest and reward catalog.
// Entries are keyed by slug so running it twice is harmless.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		celengine.Module,
		ledger.Module,
		quest.Module,
		reward.Module,
		fx.Invoke(seed),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("seed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
}

func seed(zapLog *zap.Logger, db *gorm.DB, quests *quest.Service, rewards *reward.Service) error {
	ctx := context.Background()
	if err := loyalty.Migrate(db.WithContext(ctx)); err != nil {
		return err
	}

	for i := range questCatalog {
		q, err := quests.Save(ctx, &questCatalog[i])
		if err != nil {
			return err
		}
		zapLog.Info("quest seeded", zap.String("slug", q.Slug), zap.String("id", q.ID))
	}
	for i := range rewardCatalog {
		r, err := rewards.Save(ctx, &rewardCatalog[i])
		if err != nil {
			return err
		}
		zapLog.Info("reward seeded", zap.String("slug", r.Slug), zap.String("id", r.ID))
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

var questCatalog = []quest.Quest{
	{
		Slug:         "first-order",
		Title:        "Первый заказ",
		Description:  "Сделайте первый заказ в любом автомате VendHub",
		Type:         quest.Achievement,
		Trigger:      quest.TriggerOrderCompleted,
		TargetValue:  1,
		RewardPoints: 500,
		IsActive:     true,
		SortOrder:    1,
	},
	{
		Slug:                "daily-coffee",
		Title:               "Кофе дня",
		Description:         "Купите напиток сегодня",
		Type:                quest.Daily,
		Trigger:             quest.TriggerOrderCompleted,
		TargetValue:         1,
		RewardPoints:        50,
		IsRepeatable:        true,
		RepeatCooldownHours: 24,
		IsActive:            true,
		SortOrder:           2,
	},
	{
		Slug:                "weekly-five",
		Title:               "Пять заказов за неделю",
		Type:                quest.Weekly,
		Trigger:             quest.TriggerOrderCompleted,
		TargetValue:         5,
		RewardPoints:        300,
		IsRepeatable:        true,
		RepeatCooldownHours: 24 * 7,
		IsActive:            true,
		SortOrder:           3,
	},
	{
		Slug:         "big-spender",
		Title:        "Потратить 100 000 сум",
		Type:         quest.Achievement,
		Trigger:      quest.TriggerOrderCompleted,
		Measure:      quest.MeasureAmount,
		TargetValue:  100000,
		RewardPoints: 1000,
		IsActive:     true,
		SortOrder:    4,
	},
	{
		Slug:           "invite-friend",
		Title:          "Пригласите друга",
		Type:           quest.Special,
		Trigger:        quest.TriggerReferralConfirmed,
		TargetValue:    1,
		RewardPoints:   1000,
		IsRepeatable:   true,
		MaxCompletions: ptr(5),
		IsActive:       true,
		SortOrder:      5,
	},
}

var rewardCatalog = []reward.Reward{
	{
		Slug:           "free-coffee",
		Name:           "Бесплатный кофе",
		Description:    "Любой напиток до 15 000 сум",
		PointsCost:     5000,
		StockRemaining: ptr(int64(500)),
		IsActive:       true,
		IsFeatured:     true,
		SortOrder:      1,
	},
	{
		Slug:        "discount-20",
		Name:        "Скидка 20%",
		Description: "Промокод на следующий заказ",
		PointsCost:  3000,
		PromoCode:   ptr("VH20"),
		IsActive:    true,
		SortOrder:   2,
	},
	{
		Slug:          "bonus-exchange",
		Name:          "Бонусный обмен",
		Description:   "Обменяйте 1 000 баллов на 1 200",
		PointsCost:    1000,
		PointsAwarded: 1200,
		IsActive:      true,
		SortOrder:     3,
	},
}
