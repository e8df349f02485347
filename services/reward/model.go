package reward

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Reward struct {
	ID            string  `gorm:"column:id;primaryKey;size:32" json:"id"`
	Slug          string  `gorm:"column:slug;size:128;uniqueIndex;not null" json:"slug"`
	Name          string  `gorm:"column:name;size:255;not null" json:"name"`
	Description   string  `gorm:"column:description;type:text" json:"description,omitempty"`
	PointsCost    int64   `gorm:"column:points_cost;not null" json:"points_cost"`
	PointsAwarded int64   `gorm:"column:points_awarded;not null;default:0" json:"points_awarded"`
	PromoCode     *string `gorm:"column:promo_code;size:64" json:"-"`
	// StockRemaining is nil for unlimited rewards.
	StockRemaining *int64    `gorm:"column:stock_remaining" json:"stock_remaining"`
	IsActive       bool      `gorm:"column:is_active;not null" json:"is_active"`
	IsFeatured     bool      `gorm:"column:is_featured;not null;default:false" json:"is_featured"`
	SortOrder      int       `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Reward) TableName() string { return "rewards" }

// Unlimited reports whether the reward has no stock cap.
func (r *Reward) Unlimited() bool { return r.StockRemaining == nil }

type ClaimStatus string

const (
	StatusClaimed ClaimStatus = "claimed"
	StatusUsed    ClaimStatus = "used"
)

// Claim freezes what the member got at claim time. Later edits to the reward
// never reach it.
type Claim struct {
	ID                   string      `gorm:"column:id;primaryKey;size:32" json:"id"`
	Code                 string      `gorm:"column:code;size:32;uniqueIndex;not null" json:"code"`
	RewardID             string      `gorm:"column:reward_id;size:32;not null;index" json:"reward_id"`
	AccountID            string      `gorm:"column:account_id;size:64;not null;index:idx_reward_claims_account,priority:1" json:"account_id"`
	RewardName           string      `gorm:"column:reward_name;size:255;not null" json:"reward_name"`
	PointsCostAtClaim    int64       `gorm:"column:points_cost_at_claim;not null" json:"points_cost_at_claim"`
	PointsAwardedAtClaim int64       `gorm:"column:points_awarded_at_claim;not null" json:"points_awarded_at_claim"`
	PromoCodeAtClaim     *string     `gorm:"column:promo_code_at_claim;size:64" json:"promo_code_at_claim,omitempty"`
	RedemptionTxID       *int64      `gorm:"column:redemption_tx_id" json:"-"`
	Status               ClaimStatus `gorm:"column:status;size:16;not null" json:"status"`
	ClaimedAt            time.Time   `gorm:"column:claimed_at;not null;index:idx_reward_claims_account,priority:2" json:"claimed_at"`
	UsedAt               *time.Time  `gorm:"column:used_at" json:"used_at,omitempty"`
}

func (Claim) TableName() string { return "reward_claims" }

type ClaimResult struct {
	ClaimID    string       `json:"claim_id"`
	Code       string       `json:"code"`
	NewBalance int64        `json:"new_balance"`
	PromoCode  *string      `json:"promo_code,omitempty"`
	Claim      *Claim       `json:"claim"`
	DebitTxID  snowflake.ID `json:"debit_transaction_id,omitempty"`
}

func Models() []any {
	return []any{&Reward{}, &Claim{}}
}
