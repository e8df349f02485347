package quest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/celengine"
	"vhm24-loyalty/pkg/db/option"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/otelcol"
	"vhm24-loyalty/pkg/repository"
	"vhm24-loyalty/services/ledger"
)

var tracer = otel.Tracer("vhm24-loyalty/services/quest")

var claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_quest_claims_total",
	Help: "Quest reward claims by outcome.",
}, []string{"outcome"})

// Ledger is the part of the ledger a quest claim writes through.
type Ledger interface {
	LockAccount(accountID string) (unlock func())
	RecordTx(ctx context.Context, tx *gorm.DB, p ledger.RecordParams) (*ledger.RecordResult, error)
	Committed(ctx context.Context, txns ...*ledger.Transaction)
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger Ledger
	cel    *celengine.Engine
	now    func() time.Time

	quests   repository.Repository[Quest]
	progress repository.Repository[Progress]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger Ledger
	CEL    *celengine.Engine
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		ledger: p.Ledger,
		cel:    p.CEL,
		now:    time.Now,

		quests:   repository.ProvideStore[Quest](p.DB),
		progress: repository.ProvideStore[Progress](p.DB),
	}
}

type ClaimResult struct {
	TransactionID snowflake.ID `json:"transaction_id"`
	NewBalance    int64        `json:"new_balance"`
	Status        *Status      `json:"status"`
}

// Save validates and upserts a quest definition by slug.
func (s *Service) Save(ctx context.Context, q *Quest) (*Quest, error) {
	q.Title = strings.TrimSpace(q.Title)
	if q.Slug == "" {
		q.Slug = slug.Make(q.Title)
	}
	if q.Trigger == "" {
		q.Trigger = TriggerManual
	}
	if q.Measure == "" {
		q.Measure = MeasureCount
	}
	if err := s.validate(q); err != nil {
		return nil, err
	}

	existing, err := s.quests.FindOne(ctx, &Quest{Slug: q.Slug})
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}

	if existing == nil {
		if q.ID == "" {
			q.ID = s.node.Generate().String()
		}
		if err := s.quests.Create(ctx, q); err != nil {
			return nil, errutil.Transient("quest store unavailable", err)
		}
		return q, nil
	}

	q.ID = existing.ID
	q.CreatedAt = existing.CreatedAt
	if err := s.quests.Update(ctx, q.ID, map[string]any{
		"title":                 q.Title,
		"description":           q.Description,
		"type":                  q.Type,
		"trigger_event":         q.Trigger,
		"measure":               q.Measure,
		"condition_expr":        q.Condition,
		"target_value":          q.TargetValue,
		"reward_points":         q.RewardPoints,
		"is_repeatable":         q.IsRepeatable,
		"repeat_cooldown_hours": q.RepeatCooldownHours,
		"max_completions":       q.MaxCompletions,
		"is_active":             q.IsActive,
		"sort_order":            q.SortOrder,
	}); err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	return q, nil
}

func (s *Service) validate(q *Quest) error {
	invalid := func(field, msg string) error {
		return ErrInvalidQuest.With(errutil.WithDetails(errutil.Detail{Field: field, Message: msg}))
	}

	switch {
	case q.Title == "":
		return invalid("title", "is required")
	case q.Slug == "":
		return invalid("slug", "is required")
	case q.TargetValue <= 0:
		return invalid("target_value", "must be positive")
	case q.RewardPoints < 0:
		return invalid("reward_points", "must not be negative")
	case !q.Trigger.Valid():
		return invalid("trigger", fmt.Sprintf("unknown trigger %q", q.Trigger))
	case q.Measure != MeasureCount && q.Measure != MeasureAmount:
		return invalid("measure", fmt.Sprintf("unknown measure %q", q.Measure))
	case !q.IsRepeatable && q.RepeatCooldownHours != 0:
		return invalid("repeat_cooldown_hours", "only repeatable quests have a cooldown")
	case q.RepeatCooldownHours < 0:
		return invalid("repeat_cooldown_hours", "must not be negative")
	case q.MaxCompletions != nil && *q.MaxCompletions <= 0:
		return invalid("max_completions", "must be positive")
	}

	if s.cel != nil {
		if err := s.cel.Validate(q.Condition); err != nil {
			return invalid("condition", err.Error())
		}
	}
	return nil
}

func (s *Service) activeQuest(ctx context.Context, tx *gorm.DB, questID string) (*Quest, error) {
	if questID == "" {
		return nil, ErrQuestNotFound
	}
	q, err := s.quests.WithTrx(tx).FindOne(ctx, &Quest{ID: questID})
	if err != nil {
		return nil, err
	}
	if q == nil || !q.IsActive {
		return nil, ErrQuestNotFound
	}
	return q, nil
}

func (s *Service) lockedProgress(ctx context.Context, tx *gorm.DB, accountID, questID string) (*Progress, error) {
	return s.progress.WithTrx(tx).FindOne(ctx, &Progress{AccountID: accountID, QuestID: questID}, option.WithLockingUpdate())
}

// UpdateProgress adds delta to the account's progress on one quest, clamped at
// the target. Progress that is completed, claimed, cooling down or capped is
// left untouched.
func (s *Service) UpdateProgress(ctx context.Context, accountID, questID string, delta int64) (*Status, error) {
	ctx, span := tracer.Start(ctx, "quest.UpdateProgress")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("quest_id", questID))

	if accountID == "" || delta <= 0 {
		return nil, ErrInvalidProgress.With(errutil.WithMessage("delta must be positive"))
	}

	unlock := s.ledger.LockAccount(accountID)
	defer unlock()

	var st *Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q, err := s.activeQuest(ctx, tx, questID)
		if err != nil {
			return err
		}
		st, err = s.advanceTx(ctx, tx, accountID, q, delta, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	return st, nil
}

func (s *Service) advanceTx(ctx context.Context, tx *gorm.DB, accountID string, q *Quest, delta int64, now time.Time) (*Status, error) {
	repo := s.progress.WithTrx(tx)

	p, err := s.lockedProgress(ctx, tx, accountID, q.ID)
	if err != nil {
		return nil, err
	}

	if p == nil {
		p = &Progress{
			ID:        s.node.Generate().String(),
			AccountID: accountID,
			QuestID:   q.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.Create(ctx, p); err != nil {
			return nil, err
		}
	}

	if state, _ := lock(q, p, now); state != "" || p.IsCompleted {
		return statusOf(q, p, now), nil
	}

	next := p.CurrentValue + delta
	if next > q.TargetValue || next < p.CurrentValue {
		next = q.TargetValue
	}
	p.CurrentValue = next
	p.IsCompleted = next >= q.TargetValue
	p.UpdatedAt = now

	if err := repo.Update(ctx, p.ID, map[string]any{
		"current_value": p.CurrentValue,
		"is_completed":  p.IsCompleted,
		"updated_at":    p.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	return statusOf(q, p, now), nil
}

// Claim pays out a completed quest. Cooldown and the completion cap are checked
// before completion, so a repeatable quest inside its cooldown always reports
// QuestOnCooldown.
func (s *Service) Claim(ctx context.Context, accountID, questID string) (*ClaimResult, error) {
	ctx, span := tracer.Start(ctx, "quest.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("quest_id", questID))

	zapLog := zap.L().With(otelcol.LogFields(ctx)...).With(
		zap.String("account_id", accountID),
		zap.String("quest_id", questID),
	)

	unlock := s.ledger.LockAccount(accountID)
	defer unlock()

	var (
		res *ClaimResult
		txn *ledger.Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		q, err := s.activeQuest(ctx, tx, questID)
		if err != nil {
			return err
		}

		p, err := s.lockedProgress(ctx, tx, accountID, questID)
		if err != nil {
			return err
		}

		if state, at := lock(q, p, now); state != "" {
			switch state {
			case Claimed:
				return ErrAlreadyClaimed
			case Exhausted:
				return ErrMaxCompletionsReached
			case Cooldown:
				return ErrQuestOnCooldown.With(errutil.WithDetails(errutil.Detail{
					Field: "available_at", Message: at.Format(time.RFC3339),
				}))
			}
		}
		if p == nil || !p.IsCompleted {
			return ErrQuestNotCompleted
		}
		if p.RewardClaimed {
			return ErrAlreadyClaimed
		}

		completion := p.CompletionCount + 1
		rec, err := s.ledger.RecordTx(ctx, tx, ledger.RecordParams{
			AccountID:   accountID,
			Type:        ledger.TaskCompletion,
			Amount:      q.RewardPoints,
			Description: q.Title,
			ReferenceID: "quest:" + q.ID + ":" + strconv.Itoa(completion),
			Metadata:    map[string]any{"quest_id": q.ID, "quest_slug": q.Slug, "completion": completion},
		})
		if err != nil {
			return err
		}

		p.CompletionCount = completion
		p.LastCompletedAt = &now
		p.RewardClaimed = true
		p.UpdatedAt = now
		if q.IsRepeatable {
			p.CurrentValue = 0
			p.IsCompleted = false
			p.RewardClaimed = false
		}

		if err := s.progress.WithTrx(tx).Update(ctx, p.ID, map[string]any{
			"current_value":     p.CurrentValue,
			"is_completed":      p.IsCompleted,
			"reward_claimed":    p.RewardClaimed,
			"completion_count":  p.CompletionCount,
			"last_completed_at": p.LastCompletedAt,
			"updated_at":        p.UpdatedAt,
		}); err != nil {
			return err
		}

		txn = rec.Transaction
		res = &ClaimResult{
			TransactionID: rec.TransactionID,
			NewBalance:    rec.NewBalance,
			Status:        statusOf(q, p, now),
		}
		return nil
	})
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			claimsTotal.WithLabelValues(strings.ToLower(be.Reason)).Inc()
		}
		zapLog.Info("quest claim rejected", zap.Error(err))
		return nil, errutil.Transient("quest store unavailable", err)
	}

	claimsTotal.WithLabelValues("ok").Inc()
	zapLog.Info("quest claimed", zap.Int64("new_balance", res.NewBalance))

	s.ledger.Committed(ctx, txn)
	return res, nil
}

// ApplyEvent advances every active quest listening to trigger whose condition
// matches attrs. All matching quests move in one transaction.
func (s *Service) ApplyEvent(ctx context.Context, accountID string, trigger Trigger, attrs map[string]any) ([]*Status, error) {
	ctx, span := tracer.Start(ctx, "quest.ApplyEvent")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("trigger", string(trigger)))

	if accountID == "" || !trigger.Valid() {
		return nil, ErrInvalidProgress.With(errutil.WithMessage("account and a known trigger are required"))
	}

	unlock := s.ledger.LockAccount(accountID)
	defer unlock()

	var out []*Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.ApplyEventTx(ctx, tx, accountID, trigger, attrs)
		return err
	})
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	return out, nil
}

// ApplyEventTx is ApplyEvent inside a caller-owned transaction. The caller
// holds the account lock.
func (s *Service) ApplyEventTx(ctx context.Context, tx *gorm.DB, accountID string, trigger Trigger, attrs map[string]any) ([]*Status, error) {
	if accountID == "" || !trigger.Valid() {
		return nil, ErrInvalidProgress.With(errutil.WithMessage("account and a known trigger are required"))
	}

	now := s.now().UTC()
	quests, err := s.quests.WithTrx(tx).Find(ctx, &Quest{Trigger: trigger, IsActive: true})
	if err != nil {
		return nil, err
	}

	var out []*Status
	for _, q := range quests {
		if s.cel != nil {
			ok, err := s.cel.Match(q.Condition, string(trigger), attrs)
			if err != nil {
				zap.L().With(otelcol.LogFields(ctx)...).Warn("quest condition failed",
					zap.String("quest_id", q.ID), zap.String("condition", q.Condition), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}

		delta := int64(1)
		if q.Measure == MeasureAmount {
			delta = amountOf(attrs)
		}
		if delta <= 0 {
			continue
		}

		st, err := s.advanceTx(ctx, tx, accountID, q, delta, now)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// amountOf reads the event's "amount" attribute as whole units.
func amountOf(attrs map[string]any) int64 {
	switch v := attrs["amount"].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float32:
		return int64(math.Floor(float64(v)))
	case float64:
		return int64(math.Floor(v))
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int64(math.Floor(f))
		}
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// List returns active quests with the account's progress, in display order.
func (s *Service) List(ctx context.Context, accountID string) ([]*Status, error) {
	ctx, span := tracer.Start(ctx, "quest.List")
	defer span.End()

	quests, err := s.quests.Find(ctx, &Quest{IsActive: true})
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	sort.SliceStable(quests, func(i, j int) bool {
		if quests[i].SortOrder != quests[j].SortOrder {
			return quests[i].SortOrder < quests[j].SortOrder
		}
		return quests[i].ID < quests[j].ID
	})

	rows, err := s.progress.Find(ctx, &Progress{AccountID: accountID})
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	byQuest := make(map[string]*Progress, len(rows))
	for _, p := range rows {
		byQuest[p.QuestID] = p
	}

	now := s.now().UTC()
	out := make([]*Status, 0, len(quests))
	for _, q := range quests {
		out = append(out, statusOf(q, byQuest[q.ID], now))
	}
	return out, nil
}

// Get returns one quest with the account's progress.
func (s *Service) Get(ctx context.Context, accountID, questID string) (*Status, error) {
	q, err := s.activeQuest(ctx, nil, questID)
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	p, err := s.progress.FindOne(ctx, &Progress{AccountID: accountID, QuestID: questID})
	if err != nil {
		return nil, errutil.Transient("quest store unavailable", err)
	}
	return statusOf(q, p, s.now().UTC()), nil
}
