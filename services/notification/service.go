package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/db/option"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/featureflags"
	"vhm24-loyalty/pkg/repository"
	"vhm24-loyalty/pkg/taskname"
)

var ErrNotificationNotFound = errutil.Sentinel(errutil.StatusNotFound, "NOTIFICATION_NOT_FOUND", "notification not found")

// Service is the in-app inbox: the delivery worker writes it, clients read it.
type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	flags featureflags.FeatureFlag
	now   func() time.Time

	inbox repository.Repository[Notification]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Flags featureflags.FeatureFlag `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		flags: p.Flags,
		now:   time.Now,
		inbox: repository.ProvideStore[Notification](p.DB),
	}
}

// Deliver composes and stores the notification for one transaction. It
// returns (nil, nil) when notifications are switched off for the account or
// the transaction was already delivered.
func (s *Service) Deliver(ctx context.Context, p DeliverPayload) (*Notification, error) {
	if s.flags != nil && !s.flags.Enabled(ctx, p.AccountID, featureflags.NotificationsEnabled, true) {
		return nil, nil
	}

	msg := Compose(p.Type, p.Amount, p.BalanceAfter, p.Description)
	n := &Notification{
		ID:            s.node.Generate().String(),
		AccountID:     p.AccountID,
		TransactionID: p.TransactionID,
		Type:          p.Type,
		Title:         msg.Title,
		Message:       msg.Message,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.inbox.Create(ctx, n); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil
		}
		return nil, errutil.Transient("inbox unavailable", err)
	}
	return n, nil
}

// List returns the newest notifications first.
func (s *Service) List(ctx context.Context, accountID string, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	out, err := s.inbox.Find(ctx, &Notification{AccountID: accountID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, errutil.Transient("inbox unavailable", err)
	}
	return out, nil
}

func (s *Service) MarkRead(ctx context.Context, accountID, notificationID string) error {
	if notificationID == "" {
		return ErrNotificationNotFound
	}
	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND account_id = ?", notificationID, accountID).
		Where("read_at IS NULL").
		Update("read_at", s.now().UTC())
	if res.Error != nil {
		return errutil.Transient("inbox unavailable", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	n, err := s.inbox.FindOne(ctx, &Notification{ID: notificationID, AccountID: accountID})
	if err != nil {
		return errutil.Transient("inbox unavailable", err)
	}
	if n == nil {
		return ErrNotificationNotFound
	}
	return nil
}

// HandleDeliver is the asynq handler for taskname.NotificationDeliver.
func (s *Service) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("account_id", p.AccountID),
		zap.String("transaction_id", p.TransactionID),
	)

	n, err := s.Deliver(ctx, p)
	if err != nil {
		zapLog.Warn("notification delivery failed", zap.Error(err))
		return err
	}
	if n == nil {
		zapLog.Debug("notification skipped")
		return nil
	}

	zapLog.Info("notification delivered", zap.String("title", n.Title))
	return nil
}

func (s *Service) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.NotificationDeliver, s.HandleDeliver)
}
