package loyalty

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/db/pagination"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/otelcol"
	"vhm24-loyalty/pkg/task"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/notification"
	"vhm24-loyalty/services/quest"
	"vhm24-loyalty/services/reward"
)

var tracer = otel.Tracer("vhm24-loyalty/services/loyalty")

var (
	ErrTypeNotAllowed    = errutil.Sentinel(errutil.StatusForbidden, "TRANSACTION_TYPE_NOT_ALLOWED", "transaction type cannot be recorded directly")
	ErrInvalidAdjustment = errutil.Sentinel(errutil.StatusBadRequest, "INVALID_ADJUSTMENT", "adjustment needs a non-zero amount and a description")
	ErrQueueUnavailable  = errutil.Sentinel(errutil.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "background queue is not configured")
)

// recordable are the types an integrating service may post directly. Quest
// rewards, admin adjustments and expirations have their own entry points.
var recordable = map[ledger.TransactionType]bool{
	ledger.OrderReward:   true,
	ledger.ReferralBonus: true,
	ledger.Redemption:    true,
}

// Service is the single entry point used by the HTTP handlers and the event
// workers. It owns no state; every mutation goes through the ledger.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	quests   *quest.Service
	rewards  *reward.Service
	inbox    *notification.Service
	enqueuer task.Enqueuer
	pageSize int
}

type ServiceParams struct {
	fx.In
	Config   *config.Config
	DB       *gorm.DB
	Ledger   *ledger.Service
	Quests   *quest.Service
	Rewards  *reward.Service
	Inbox    *notification.Service
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	size := p.Config.Loyalty.HistoryPageSize
	if size <= 0 {
		size = pagination.DefaultLimit
	}
	return &Service{
		db:       p.DB,
		ledger:   p.Ledger,
		quests:   p.Quests,
		rewards:  p.Rewards,
		inbox:    p.Inbox,
		enqueuer: p.Enqueuer,
		pageSize: size,
	}
}

func (s *Service) Balance(ctx context.Context, accountID string) (*ledger.Balance, error) {
	return s.ledger.Balance(ctx, accountID)
}

// History returns one page of the account history, newest first.
func (s *Service) History(ctx context.Context, accountID string, types []ledger.TransactionType, p pagination.Pagination) ([]*ledger.Transaction, *pagination.PageInfo, error) {
	if p.Limit <= 0 {
		p.Limit = s.pageSize
	}
	return s.ledger.Page(ctx, accountID, types, p)
}

type RecordRequest struct {
	Type        ledger.TransactionType `json:"type" binding:"required"`
	Amount      int64                  `json:"amount" binding:"required"`
	Description string                 `json:"description"`
	ReferenceID string                 `json:"reference_id"`
	Metadata    map[string]any         `json:"metadata"`
}

// RecordTransaction posts an order reward, referral bonus or points payment.
func (s *Service) RecordTransaction(ctx context.Context, accountID string, req RecordRequest) (*ledger.RecordResult, error) {
	if !recordable[req.Type] {
		return nil, ErrTypeNotAllowed.With(errutil.WithDetails(errutil.Detail{Field: "type", Message: string(req.Type)}))
	}
	return s.ledger.Record(ctx, ledger.RecordParams{
		AccountID:   accountID,
		Type:        req.Type,
		Amount:      req.Amount,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
		Metadata:    req.Metadata,
	})
}

type AdjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// AdjustBalance records an admin_adjustment in either direction. Debits are
// still bounded by the balance.
func (s *Service) AdjustBalance(ctx context.Context, accountID, actor string, req AdjustRequest) (*ledger.RecordResult, error) {
	ctx, span := tracer.Start(ctx, "loyalty.AdjustBalance")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("actor", actor))

	req.Description = strings.TrimSpace(req.Description)
	if req.Amount == 0 || req.Description == "" {
		return nil, ErrInvalidAdjustment
	}

	res, err := s.ledger.Record(ctx, ledger.RecordParams{
		AccountID:   accountID,
		Type:        ledger.AdminAdjustment,
		Amount:      req.Amount,
		Description: req.Description,
		Metadata:    map[string]any{"actor": actor},
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(otelcol.LogFields(ctx)...).Info("balance adjusted",
		zap.String("account_id", accountID),
		zap.String("actor", actor),
		zap.Int64("amount", req.Amount),
		zap.Int64("new_balance", res.NewBalance),
	)
	return res, nil
}

func (s *Service) VerifyChain(ctx context.Context, accountID string) (*ledger.ChainReport, error) {
	return s.ledger.VerifyChain(ctx, accountID)
}

func (s *Service) Quests(ctx context.Context, accountID string) ([]*quest.Status, error) {
	return s.quests.List(ctx, accountID)
}

func (s *Service) ClaimQuest(ctx context.Context, accountID, questID string) (*quest.ClaimResult, error) {
	return s.quests.Claim(ctx, accountID, questID)
}

type EventRequest struct {
	Trigger    quest.Trigger  `json:"trigger" binding:"required"`
	Attributes map[string]any `json:"attributes"`
}

func (s *Service) ApplyEvent(ctx context.Context, accountID string, req EventRequest) ([]*quest.Status, error) {
	return s.quests.ApplyEvent(ctx, accountID, req.Trigger, req.Attributes)
}

func (s *Service) Rewards(ctx context.Context) ([]*reward.Reward, error) {
	return s.rewards.ListActive(ctx)
}

func (s *Service) ClaimReward(ctx context.Context, accountID, rewardID string) (*reward.ClaimResult, error) {
	return s.rewards.Claim(ctx, accountID, rewardID)
}

func (s *Service) Claims(ctx context.Context, accountID string) ([]*reward.Claim, error) {
	return s.rewards.ListClaims(ctx, accountID)
}

func (s *Service) UseClaim(ctx context.Context, accountID, claimID string) (*reward.Claim, error) {
	return s.rewards.MarkUsed(ctx, accountID, claimID)
}

func (s *Service) Notifications(ctx context.Context, accountID string, limit int) ([]*notification.Notification, error) {
	return s.inbox.List(ctx, accountID, limit)
}

func (s *Service) ReadNotification(ctx context.Context, accountID, notificationID string) error {
	return s.inbox.MarkRead(ctx, accountID, notificationID)
}

// ScheduleExpiration queues a points expiration for the worker.
func (s *Service) ScheduleExpiration(ctx context.Context, p ledger.ExpirePayload) (string, error) {
	if p.Amount <= 0 {
		return "", ledger.ErrInvalidTransaction.With(errutil.WithMessage("expiration amount must be positive"))
	}
	t, err := ledger.NewExpireTask(p)
	if err != nil {
		return "", err
	}
	return s.enqueue(ctx, t)
}

// ScheduleExport queues a CSV export of the account history.
func (s *Service) ScheduleExport(ctx context.Context, accountID string) (string, error) {
	t, err := ledger.NewExportTask(ledger.ExportPayload{AccountID: accountID})
	if err != nil {
		return "", err
	}
	return s.enqueue(ctx, t)
}
