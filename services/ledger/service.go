package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"vhm24-loyalty/pkg/db/option"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/keylock"
	"vhm24-loyalty/pkg/otelcol"
	"vhm24-loyalty/pkg/repository"
	"vhm24-loyalty/services/tier"
)

var tracer = otel.Tracer("vhm24-loyalty/services/ledger")

var (
	recordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_ledger_transactions_total",
		Help: "Committed ledger transactions by type.",
	}, []string{"type"})
	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_ledger_rejections_total",
		Help: "Ledger records rejected before mutation, by reason.",
	}, []string{"reason"})
)

// Publisher receives every committed transaction. Failures are logged and never
// undo the ledger write.
type Publisher interface {
	Publish(ctx context.Context, txn *Transaction) error
}

// Service is the only writer of points_accounts and points_transactions.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	locks     *keylock.Locker
	cache     BalanceCache
	publisher Publisher
	loads     singleflight.Group
	now       func() time.Time

	accounts     repository.Repository[Account]
	transactions repository.Repository[Transaction]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Locks     *keylock.Locker
	Cache     BalanceCache `optional:"true"`
	Publisher Publisher    `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	if p.DB == nil || p.Node == nil {
		panic("ledger: db and snowflake node are required")
	}

	s := &Service{
		db:        p.DB,
		node:      p.Node,
		locks:     p.Locks,
		cache:     p.Cache,
		publisher: p.Publisher,
		now:       time.Now,

		accounts:     repository.ProvideStore[Account](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),
	}
	if s.locks == nil {
		s.locks = keylock.New()
	}
	if s.cache == nil {
		s.cache = NopCache{}
	}
	return s
}

// LockAccount serializes writers of one account inside this process. It must be
// taken before opening the database transaction that writes the account.
func (s *Service) LockAccount(accountID string) (unlock func()) {
	return s.locks.Lock(accountID)
}

// Record appends one transaction in its own database transaction.
func (s *Service) Record(ctx context.Context, p RecordParams) (*RecordResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", p.AccountID),
		attribute.String("type", string(p.Type)),
		attribute.Int64("amount", p.Amount),
	)

	opts := append(otelcol.LogFields(ctx),
		zap.String("account_id", p.AccountID),
		zap.String("type", string(p.Type)),
		zap.Int64("amount", p.Amount),
	)

	unlock := s.LockAccount(p.AccountID)
	defer unlock()

	var res *RecordResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.RecordTx(ctx, tx, p)
		return err
	})
	if err != nil {
		zap.L().With(opts...).Warn("ledger record rejected", zap.Error(err))
		return nil, errutil.Transient("ledger unavailable", err)
	}

	zap.L().With(opts...).Info("ledger record committed",
		zap.String("transaction_id", res.TransactionID.String()),
		zap.Int64("balance_after", res.NewBalance),
	)

	s.Committed(ctx, res.Transaction)
	return res, nil
}

// RecordTx appends one transaction inside tx. The caller owns the account lock,
// commits tx and then calls Committed.
func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, p RecordParams) (*RecordResult, error) {
	if err := validate(p); err != nil {
		rejectedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	account, err := s.lockedAccount(ctx, tx, p.AccountID)
	if err != nil {
		return nil, err
	}

	if p.ReferenceID != "" {
		ref := p.ReferenceID
		exist, err := s.transactions.WithTrx(tx).FindOne(ctx, &Transaction{AccountID: p.AccountID, ReferenceID: &ref})
		if err != nil {
			return nil, err
		}
		if exist != nil {
			rejectedTotal.WithLabelValues("duplicate").Inc()
			return nil, ErrDuplicateReference.With(errutil.WithDetails(errutil.Detail{Field: "reference_id", Message: ref}))
		}
	}

	newBalance := account.Balance + p.Amount
	if newBalance < 0 {
		rejectedTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, ErrInsufficientBalance.With(errutil.WithDetails(
			errutil.Detail{Field: "balance", Message: fmt.Sprintf("%d", account.Balance)},
			errutil.Detail{Field: "amount", Message: fmt.Sprintf("%d", p.Amount)},
		))
	}

	lifetime := account.LifetimePoints
	if p.Amount > 0 {
		lifetime += p.Amount
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	txn := &Transaction{
		ID:           s.node.Generate(),
		AccountID:    p.AccountID,
		Type:         p.Type,
		Amount:       p.Amount,
		BalanceAfter: newBalance,
		Description:  strings.TrimSpace(p.Description),
		PreviousHash: account.LastHash,
		CreatedAt:    now,
	}
	if p.ReferenceID != "" {
		ref := p.ReferenceID
		txn.ReferenceID = &ref
	}
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, ErrInvalidTransaction.With(errutil.WithErr(err))
		}
		txn.Metadata = datatypes.JSON(b)
	}
	txn.Hash = txn.GenerateHash()

	if err := s.transactions.WithTrx(tx).Create(ctx, txn); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}

	// compare-and-swap on the chain head: a writer on another replica that got
	// in first makes this update miss
	update := tx.WithContext(ctx).Model(&Account{}).
		Where("account_id = ? AND last_hash = ?", account.AccountID, account.LastHash).
		Updates(map[string]any{
			"balance":         newBalance,
			"lifetime_points": lifetime,
			"tier":            tier.For(lifetime).Tier,
			"last_hash":       txn.Hash,
			"updated_at":      now,
		})
	if update.Error != nil {
		return nil, update.Error
	}
	if update.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}

	account.Balance = newBalance
	account.LifetimePoints = lifetime
	account.Tier = tier.For(lifetime).Tier
	account.LastHash = txn.Hash
	account.UpdatedAt = now

	return &RecordResult{
		TransactionID: txn.ID,
		NewBalance:    newBalance,
		Transaction:   txn,
		Account:       account,
	}, nil
}

func validate(p RecordParams) error {
	switch {
	case strings.TrimSpace(p.AccountID) == "":
		return ErrInvalidTransaction.With(errutil.WithMessage("account_id is required"))
	case !p.Type.Valid():
		return ErrInvalidTransaction.With(errutil.WithMessage(fmt.Sprintf("unknown transaction type %q", p.Type)))
	case !p.Type.Allows(p.Amount):
		return ErrInvalidTransaction.With(errutil.WithMessage(fmt.Sprintf("amount %d not allowed for %s", p.Amount, p.Type)))
	}
	return nil
}

func requireAccount(accountID string) error {
	if strings.TrimSpace(accountID) == "" {
		return ErrAccountRequired
	}
	return nil
}

// lockedAccount loads the account row FOR UPDATE, creating it on first use.
func (s *Service) lockedAccount(ctx context.Context, tx *gorm.DB, accountID string) (*Account, error) {
	repo := s.accounts.WithTrx(tx)

	account, err := repo.FindOne(ctx, &Account{AccountID: accountID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	now := s.now().UTC()
	account = &Account{
		AccountID: accountID,
		Tier:      tier.Bronze,
		LastHash:  genesisHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(ctx, account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConcurrentUpdate
		}
		return nil, err
	}
	return account, nil
}

// AccountTx reads the account inside tx without creating it. A missing account
// is reported as an empty bronze account.
func (s *Service) AccountTx(ctx context.Context, tx *gorm.DB, accountID string) (*Account, error) {
	account, err := s.accounts.WithTrx(tx).FindOne(ctx, &Account{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &Account{AccountID: accountID, Tier: tier.Bronze, LastHash: genesisHash}, nil
	}
	return account, nil
}

// Committed runs the post-commit side effects for transactions written through
// RecordTx: cache invalidation, metrics, notification hand-off.
func (s *Service) Committed(ctx context.Context, txns ...*Transaction) {
	for _, txn := range txns {
		if txn == nil {
			continue
		}

		s.cache.Invalidate(ctx, txn.AccountID)
		recordedTotal.WithLabelValues(string(txn.Type)).Inc()

		if s.publisher == nil {
			continue
		}
		if err := s.publisher.Publish(ctx, txn); err != nil {
			zap.L().With(otelcol.LogFields(ctx)...).Warn("failed to publish ledger notification",
				zap.String("account_id", txn.AccountID),
				zap.String("transaction_id", txn.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// Balance serves the read model through the cache. The cache is never consulted
// by writers.
func (s *Service) Balance(ctx context.Context, accountID string) (*Balance, error) {
	ctx, span := tracer.Start(ctx, "ledger.Balance")
	defer span.End()

	if err := requireAccount(accountID); err != nil {
		return nil, err
	}

	if b, ok := s.cache.Get(ctx, accountID); ok {
		return b, nil
	}

	v, err, _ := s.loads.Do(accountID, func() (any, error) {
		account, err := s.accounts.FindOne(ctx, &Account{AccountID: accountID})
		if err != nil {
			return nil, err
		}
		if account == nil {
			account = &Account{AccountID: accountID, Tier: tier.Bronze}
		}
		b := balanceOf(account)
		s.cache.Set(ctx, b)

		// A writer may have committed and invalidated between the read and
		// the Set. Drop the entry unless the row is still at the read state.
		current, err := s.accounts.FindOne(ctx, &Account{AccountID: accountID})
		if err != nil || (current != nil && current.LastHash != account.LastHash) {
			s.cache.Invalidate(ctx, accountID)
		}
		if err == nil && current != nil {
			b = balanceOf(current)
		}
		return b, nil
	})
	if err != nil {
		zap.L().With(otelcol.LogFields(ctx)...).Error("failed to load balance", zap.String("account_id", accountID), zap.Error(err))
		return nil, errutil.Transient("ledger unavailable", err)
	}

	return v.(*Balance), nil
}

// Expire debits up to amount points as an expiration. The debit is clamped to
// the current balance, so expiring more than is available empties the account
// instead of failing. A nil Transaction in the result means nothing expired.
func (s *Service) Expire(ctx context.Context, accountID string, amount int64, description string) (*RecordResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.Expire")
	defer span.End()

	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidTransaction.With(errutil.WithMessage("expiration amount must be positive"))
	}

	unlock := s.LockAccount(accountID)
	defer unlock()

	var res *RecordResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.AccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		debit := min(amount, account.Balance)
		if debit == 0 {
			res = &RecordResult{NewBalance: account.Balance, Account: account}
			return nil
		}

		res, err = s.RecordTx(ctx, tx, RecordParams{
			AccountID:   accountID,
			Type:        Expiration,
			Amount:      -debit,
			Description: description,
		})
		return err
	})
	if err != nil {
		return nil, errutil.Transient("ledger unavailable", err)
	}

	s.Committed(ctx, res.Transaction)
	return res, nil
}
