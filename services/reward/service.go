package reward

import (
	"context"
	"errors"
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

	"vhm24-loyalty/pkg/db/option"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/otelcol"
	"vhm24-loyalty/pkg/repository"
	"vhm24-loyalty/pkg/sequence"
	"vhm24-loyalty/services/ledger"
)

var tracer = otel.Tracer("vhm24-loyalty/services/reward")

var claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_reward_claims_total",
	Help: "Reward claims by outcome.",
}, []string{"outcome"})

// Ledger is the part of the ledger a reward claim writes through.
type Ledger interface {
	LockAccount(accountID string) (unlock func())
	AccountTx(ctx context.Context, tx *gorm.DB, accountID string) (*ledger.Account, error)
	RecordTx(ctx context.Context, tx *gorm.DB, p ledger.RecordParams) (*ledger.RecordResult, error)
	Committed(ctx context.Context, txns ...*ledger.Transaction)
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger Ledger
	codes  sequence.Generator
	now    func() time.Time

	rewards repository.Repository[Reward]
	claims  repository.Repository[Claim]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger Ledger
	Codes  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		ledger: p.Ledger,
		codes:  p.Codes,
		now:    time.Now,

		rewards: repository.ProvideStore[Reward](p.DB),
		claims:  repository.ProvideStore[Claim](p.DB),
	}
}

// Save validates and upserts a reward by slug.
func (s *Service) Save(ctx context.Context, r *Reward) (*Reward, error) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Slug == "" {
		r.Slug = slug.Make(r.Name)
	}

	invalid := func(field, msg string) error {
		return ErrInvalidReward.With(errutil.WithDetails(errutil.Detail{Field: field, Message: msg}))
	}
	switch {
	case r.Name == "":
		return nil, invalid("name", "is required")
	case r.PointsCost < 0:
		return nil, invalid("points_cost", "must not be negative")
	case r.PointsAwarded < 0:
		return nil, invalid("points_awarded", "must not be negative")
	case r.StockRemaining != nil && *r.StockRemaining < 0:
		return nil, invalid("stock_remaining", "must not be negative")
	}

	existing, err := s.rewards.FindOne(ctx, &Reward{Slug: r.Slug})
	if err != nil {
		return nil, errutil.Transient("catalog unavailable", err)
	}
	if existing == nil {
		if r.ID == "" {
			r.ID = s.node.Generate().String()
		}
		if err := s.rewards.Create(ctx, r); err != nil {
			return nil, errutil.Transient("catalog unavailable", err)
		}
		return r, nil
	}

	r.ID = existing.ID
	r.CreatedAt = existing.CreatedAt
	if err := s.rewards.Update(ctx, r.ID, map[string]any{
		"name":            r.Name,
		"description":     r.Description,
		"points_cost":     r.PointsCost,
		"points_awarded":  r.PointsAwarded,
		"promo_code":      r.PromoCode,
		"stock_remaining": r.StockRemaining,
		"is_active":       r.IsActive,
		"is_featured":     r.IsFeatured,
		"sort_order":      r.SortOrder,
	}); err != nil {
		return nil, errutil.Transient("catalog unavailable", err)
	}
	return r, nil
}

// ListActive returns the visible catalog, featured rewards first.
func (s *Service) ListActive(ctx context.Context) ([]*Reward, error) {
	rewards, err := s.rewards.Find(ctx, &Reward{IsActive: true})
	if err != nil {
		return nil, errutil.Transient("catalog unavailable", err)
	}
	sort.SliceStable(rewards, func(i, j int) bool {
		a, b := rewards[i], rewards[j]
		if a.IsFeatured != b.IsFeatured {
			return a.IsFeatured
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.PointsCost < b.PointsCost
	})
	return rewards, nil
}

func (s *Service) Get(ctx context.Context, rewardID string) (*Reward, error) {
	if rewardID == "" {
		return nil, ErrRewardNotFound
	}
	r, err := s.rewards.FindOne(ctx, &Reward{ID: rewardID})
	if err != nil {
		return nil, errutil.Transient("catalog unavailable", err)
	}
	if r == nil {
		return nil, ErrRewardNotFound
	}
	return r, nil
}

// Claim exchanges points for a reward. Stock, the redemption debit, the award
// credit and the claim snapshot commit together or not at all.
func (s *Service) Claim(ctx context.Context, accountID, rewardID string) (*ClaimResult, error) {
	ctx, span := tracer.Start(ctx, "reward.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("reward_id", rewardID))

	zapLog := zap.L().With(otelcol.LogFields(ctx)...).With(
		zap.String("account_id", accountID),
		zap.String("reward_id", rewardID),
	)

	if rewardID == "" {
		return nil, ErrRewardNotFound
	}

	claimID := s.node.Generate().String()

	unlock := s.ledger.LockAccount(accountID)
	defer unlock()

	var (
		res  *ClaimResult
		txns []*ledger.Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()

		r, err := s.rewards.WithTrx(tx).FindOne(ctx, &Reward{ID: rewardID})
		if err != nil {
			return err
		}
		switch {
		case r == nil:
			return ErrRewardNotFound
		case !r.IsActive:
			return ErrRewardInactive
		case !r.Unlimited() && *r.StockRemaining <= 0:
			return ErrOutOfStock
		}

		account, err := s.ledger.AccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account.Balance < r.PointsCost {
			return ErrInsufficientPoints.With(errutil.WithDetails(
				errutil.Detail{Field: "balance", Message: strconv.FormatInt(account.Balance, 10)},
				errutil.Detail{Field: "points_cost", Message: strconv.FormatInt(r.PointsCost, 10)},
			))
		}

		if !r.Unlimited() {
			// decrement only while stock remains; a concurrent claim that took the
			// last unit leaves nothing to update
			dec := tx.WithContext(ctx).Model(&Reward{}).
				Where("id = ? AND stock_remaining > 0", r.ID).
				Updates(map[string]any{
					"stock_remaining": gorm.Expr("stock_remaining - 1"),
					"updated_at":      now,
				})
			if dec.Error != nil {
				return dec.Error
			}
			if dec.RowsAffected == 0 {
				return ErrOutOfStock
			}
		}

		// taken once every check passed so rejected claims leave no gap in the sequence
		code, err := s.nextCode(ctx, claimID)
		if err != nil {
			return errutil.Transient("claim code unavailable", err)
		}

		newBalance := account.Balance
		claim := &Claim{
			ID:                   claimID,
			Code:                 code,
			RewardID:             r.ID,
			AccountID:            accountID,
			RewardName:           r.Name,
			PointsCostAtClaim:    r.PointsCost,
			PointsAwardedAtClaim: r.PointsAwarded,
			PromoCodeAtClaim:     r.PromoCode,
			Status:               StatusClaimed,
			ClaimedAt:            now,
		}

		if r.PointsCost > 0 {
			debit, err := s.ledger.RecordTx(ctx, tx, ledger.RecordParams{
				AccountID:   accountID,
				Type:        ledger.Redemption,
				Amount:      -r.PointsCost,
				Description: r.Name,
				ReferenceID: "reward-claim:" + claimID,
				Metadata:    map[string]any{"reward_id": r.ID, "claim_id": claimID, "claim_code": code},
			})
			if err != nil {
				if errors.Is(err, ledger.ErrInsufficientBalance) {
					return ErrInsufficientPoints
				}
				return err
			}
			newBalance = debit.NewBalance
			id := int64(debit.TransactionID)
			claim.RedemptionTxID = &id
			txns = append(txns, debit.Transaction)
		}

		if r.PointsAwarded > 0 {
			award, err := s.ledger.RecordTx(ctx, tx, ledger.RecordParams{
				AccountID:   accountID,
				Type:        ledger.AdminAdjustment,
				Amount:      r.PointsAwarded,
				Description: r.Name,
				ReferenceID: "reward-award:" + claimID,
				Metadata:    map[string]any{"reward_id": r.ID, "claim_id": claimID, "claim_code": code},
			})
			if err != nil {
				return err
			}
			newBalance = award.NewBalance
			txns = append(txns, award.Transaction)
		}

		if err := s.claims.WithTrx(tx).Create(ctx, claim); err != nil {
			return err
		}

		res = &ClaimResult{
			ClaimID:    claim.ID,
			Code:       claim.Code,
			NewBalance: newBalance,
			PromoCode:  claim.PromoCodeAtClaim,
			Claim:      claim,
		}
		if claim.RedemptionTxID != nil {
			res.DebitTxID = snowflake.ID(*claim.RedemptionTxID)
		}
		return nil
	})
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) {
			claimsTotal.WithLabelValues(strings.ToLower(be.Reason)).Inc()
		}
		zapLog.Info("reward claim rejected", zap.Error(err))
		return nil, errutil.Transient("catalog unavailable", err)
	}

	claimsTotal.WithLabelValues("ok").Inc()
	zapLog.Info("reward claimed", zap.String("claim_code", res.Code), zap.Int64("new_balance", res.NewBalance))

	s.ledger.Committed(ctx, txns...)
	return res, nil
}

func (s *Service) nextCode(ctx context.Context, claimID string) (string, error) {
	if s.codes == nil {
		return "RWD-" + claimID, nil
	}
	return s.codes.NextClaimCode(ctx)
}

// ListClaims returns the account's claims, newest first.
func (s *Service) ListClaims(ctx context.Context, accountID string) ([]*Claim, error) {
	claims, err := s.claims.Find(ctx, &Claim{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "claimed_at", OrderBy: "desc"}),
	)
	if err != nil {
		return nil, errutil.Transient("catalog unavailable", err)
	}
	return claims, nil
}

// MarkUsed moves a claim from claimed to used. The transition is one way.
func (s *Service) MarkUsed(ctx context.Context, accountID, claimID string) (*Claim, error) {
	if accountID == "" || claimID == "" {
		return nil, ErrClaimNotFound
	}

	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&Claim{}).
		Where("id = ? AND account_id = ? AND status = ?", claimID, accountID, StatusClaimed).
		Updates(map[string]any{"status": StatusUsed, "used_at": now})
	if res.Error != nil {
		return nil, errutil.Transient("catalog unavailable", res.Error)
	}

	claim, err := s.claims.FindOne(ctx, &Claim{ID: claimID, AccountID: accountID})
	if err != nil {
		return nil, errutil.Transient("catalog unavailable", err)
	}
	if claim == nil {
		return nil, ErrClaimNotFound
	}
	if res.RowsAffected == 0 {
		used := ErrClaimAlreadyUsed
		if claim.UsedAt != nil {
			used = used.With(errutil.WithDetails(errutil.Detail{Field: "used_at", Message: claim.UsedAt.Format(time.RFC3339)}))
		}
		return nil, used
	}
	return claim, nil
}
