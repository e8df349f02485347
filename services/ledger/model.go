package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	"vhm24-loyalty/services/tier"
)

// TransactionType is the closed set of reasons a balance may change.
type TransactionType string

const (
	TaskCompletion  TransactionType = "task_completion"
	OrderReward     TransactionType = "order_reward"
	ReferralBonus   TransactionType = "referral_bonus"
	AdminAdjustment TransactionType = "admin_adjustment"
	Redemption      TransactionType = "redemption"
	Expiration      TransactionType = "expiration"
)

// TransactionTypes lists every known type in display order.
var TransactionTypes = []TransactionType{
	TaskCompletion, OrderReward, ReferralBonus, AdminAdjustment, Redemption, Expiration,
}

func (t TransactionType) String() string {
	switch t {
	case TaskCompletion, OrderReward, ReferralBonus, AdminAdjustment, Redemption, Expiration:
		return string(t)
	default:
		return ""
	}
}

func (t TransactionType) Valid() bool {
	return t.String() != ""
}

// Allows reports whether amount has a sign this type may carry. Earning types
// credit, spending types debit, admin adjustments go either way.
func (t TransactionType) Allows(amount int64) bool {
	if amount == 0 {
		return false
	}
	switch t {
	case TaskCompletion, OrderReward, ReferralBonus:
		return amount > 0
	case Redemption, Expiration:
		return amount < 0
	case AdminAdjustment:
		return true
	default:
		return false
	}
}

func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

const genesisHash = "GENESIS"

// Account is the derived state of one loyalty member. Only the ledger writes it.
type Account struct {
	AccountID      string    `gorm:"column:account_id;primaryKey;size:64"`
	Balance        int64     `gorm:"column:balance;not null;default:0"`
	LifetimePoints int64     `gorm:"column:lifetime_points;not null;default:0"`
	Tier           tier.Tier `gorm:"column:tier;size:16;not null;default:'bronze'"`
	LastHash       string    `gorm:"column:last_hash;size:64;not null"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "points_accounts" }

// Transaction is one immutable ledger line.
type Transaction struct {
	ID           snowflake.ID    `gorm:"column:id;primaryKey;autoIncrement:false;index:idx_points_tx_account_id,priority:2" json:"id"`
	AccountID    string          `gorm:"column:account_id;size:64;not null;index:idx_points_tx_account_id,priority:1;uniqueIndex:idx_points_tx_reference,priority:1" json:"account_id"`
	Type         TransactionType `gorm:"column:type;size:32;not null" json:"type"`
	Amount       int64           `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64           `gorm:"column:balance_after;not null" json:"balance_after"`
	Description  string          `gorm:"column:description;type:text" json:"description,omitempty"`
	ReferenceID  *string         `gorm:"column:reference_id;size:128;uniqueIndex:idx_points_tx_reference,priority:2" json:"reference_id,omitempty"`
	Metadata     datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash string          `gorm:"column:previous_hash;size:64;not null" json:"-"`
	Hash         string          `gorm:"column:hash;size:64;not null" json:"-"`
	CreatedAt    time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

func (Transaction) TableName() string { return "points_transactions" }

func (t *Transaction) reference() string {
	if t.ReferenceID == nil {
		return ""
	}
	return *t.ReferenceID
}

func (t *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":            t.ID.String(),
		"account_id":    t.AccountID,
		"type":          string(t.Type),
		"amount":        fmt.Sprintf("%d", t.Amount),
		"balance_after": fmt.Sprintf("%d", t.BalanceAfter),
		"description":   t.Description,
		"reference_id":  t.reference(),
		"created_at":    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": t.PreviousHash,
	}
}

func (t *Transaction) GenerateHash() string {
	fields := t.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Balance is the read model served to clients and cached.
type Balance struct {
	AccountID      string    `json:"account_id"`
	Balance        int64     `json:"balance"`
	LifetimePoints int64     `json:"lifetime_points"`
	Tier           tier.Info `json:"tier"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func balanceOf(a *Account) *Balance {
	return &Balance{
		AccountID:      a.AccountID,
		Balance:        a.Balance,
		LifetimePoints: a.LifetimePoints,
		Tier:           tier.For(a.LifetimePoints),
		UpdatedAt:      a.UpdatedAt,
	}
}

type RecordParams struct {
	AccountID   string
	Type        TransactionType
	Amount      int64
	Description string
	// ReferenceID makes the record idempotent per account (order id, referral id).
	ReferenceID string
	Metadata    map[string]any
}

type RecordResult struct {
	TransactionID snowflake.ID
	NewBalance    int64
	Transaction   *Transaction
	Account       *Account
}

// Models returns every table owned by the ledger.
func Models() []any {
	return []any{&Account{}, &Transaction{}}
}
