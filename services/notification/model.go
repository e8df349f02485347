package notification

import (
	"time"

	"vhm24-loyalty/services/ledger"
)

// Notification is one inbox entry. TransactionID is unique so a redelivered
// task never duplicates an entry.
type Notification struct {
	ID            string                 `gorm:"column:id;primaryKey;size:32" json:"id"`
	AccountID     string                 `gorm:"column:account_id;size:64;not null;index:idx_notifications_account,priority:1" json:"account_id"`
	TransactionID string                 `gorm:"column:transaction_id;size:32;not null;uniqueIndex" json:"transaction_id"`
	Type          ledger.TransactionType `gorm:"column:type;size:32;not null" json:"type"`
	Title         string                 `gorm:"column:title;size:255;not null" json:"title"`
	Message       string                 `gorm:"column:message;type:text;not null" json:"message"`
	ReadAt        *time.Time             `gorm:"column:read_at" json:"read_at,omitempty"`
	CreatedAt     time.Time              `gorm:"column:created_at;index:idx_notifications_account,priority:2" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

// DeliverPayload is the asynq payload handed from the ledger to the delivery
// worker.
type DeliverPayload struct {
	AccountID     string                 `json:"account_id"`
	TransactionID string                 `json:"transaction_id"`
	Type          ledger.TransactionType `json:"type"`
	Amount        int64                  `json:"amount"`
	BalanceAfter  int64                  `json:"balance_after"`
	Description   string                 `json:"description,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func Models() []any {
	return []any{&Notification{}}
}
