package quest

import (
	"time"
)

type Type string

const (
	Daily       Type = "daily"
	Weekly      Type = "weekly"
	Achievement Type = "achievement"
	Special     Type = "special"
)

// Trigger is the event kind that advances a quest.
type Trigger string

const (
	TriggerOrderCompleted    Trigger = "order_completed"
	TriggerReferralConfirmed Trigger = "referral_confirmed"
	TriggerVisit             Trigger = "visit"
	TriggerManual            Trigger = "manual"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerOrderCompleted, TriggerReferralConfirmed, TriggerVisit, TriggerManual:
		return true
	default:
		return false
	}
}

// Measure decides how much one matching event advances progress.
type Measure string

const (
	// MeasureCount advances by one per event.
	MeasureCount Measure = "count"
	// MeasureAmount advances by the event's "amount" attribute.
	MeasureAmount Measure = "amount"
)

type Quest struct {
	ID          string  `gorm:"column:id;primaryKey;size:32" json:"id"`
	Slug        string  `gorm:"column:slug;size:128;uniqueIndex;not null" json:"slug"`
	Title       string  `gorm:"column:title;size:255;not null" json:"title"`
	Description string  `gorm:"column:description;type:text" json:"description,omitempty"`
	Type        Type    `gorm:"column:type;size:32;not null" json:"type"`
	Trigger     Trigger `gorm:"column:trigger_event;size:32;not null;default:'manual'" json:"trigger"`
	Measure     Measure `gorm:"column:measure;size:16;not null;default:'count'" json:"measure"`
	// Condition is an optional CEL expression over `trigger` and `event`.
	Condition           string    `gorm:"column:condition_expr;type:text" json:"condition,omitempty"`
	TargetValue         int64     `gorm:"column:target_value;not null" json:"target_value"`
	RewardPoints        int64     `gorm:"column:reward_points;not null" json:"reward_points"`
	IsRepeatable        bool      `gorm:"column:is_repeatable;not null;default:false" json:"is_repeatable"`
	RepeatCooldownHours int       `gorm:"column:repeat_cooldown_hours;not null;default:0" json:"repeat_cooldown_hours,omitempty"`
	MaxCompletions      *int      `gorm:"column:max_completions" json:"max_completions,omitempty"`
	IsActive            bool      `gorm:"column:is_active;not null" json:"is_active"`
	SortOrder           int       `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
	CreatedAt           time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Quest) TableName() string { return "quests" }

func (q *Quest) cooldown() time.Duration {
	if !q.IsRepeatable {
		return 0
	}
	return time.Duration(q.RepeatCooldownHours) * time.Hour
}

// Progress is one account's standing on one quest.
type Progress struct {
	ID              string     `gorm:"column:id;primaryKey;size:32" json:"-"`
	AccountID       string     `gorm:"column:account_id;size:64;not null;uniqueIndex:idx_quest_progress_account_quest,priority:1" json:"account_id"`
	QuestID         string     `gorm:"column:quest_id;size:32;not null;uniqueIndex:idx_quest_progress_account_quest,priority:2" json:"quest_id"`
	CurrentValue    int64      `gorm:"column:current_value;not null;default:0" json:"current_value"`
	IsCompleted     bool       `gorm:"column:is_completed;not null;default:false" json:"is_completed"`
	RewardClaimed   bool       `gorm:"column:reward_claimed;not null;default:false" json:"reward_claimed"`
	CompletionCount int        `gorm:"column:completion_count;not null;default:0" json:"completion_count"`
	LastCompletedAt *time.Time `gorm:"column:last_completed_at" json:"last_completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Progress) TableName() string { return "quest_progress" }

type State string

const (
	NotStarted State = "not_started"
	InProgress State = "in_progress"
	Completed  State = "completed"
	Claimed    State = "claimed"
	// Cooldown is a claimed repeatable quest waiting for its next cycle.
	Cooldown State = "cooldown"
	// Exhausted is a repeatable quest that hit its completion cap.
	Exhausted State = "exhausted"
)

// Status is the client view of a quest for one account.
type Status struct {
	Quest       *Quest     `json:"quest"`
	Progress    *Progress  `json:"progress,omitempty"`
	State       State      `json:"state"`
	Percent     int        `json:"percent"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
}

// Percent is floor(current/target*100) capped at 100.
func Percent(current, target int64) int {
	if target <= 0 {
		return 100
	}
	if current <= 0 {
		return 0
	}
	if current >= target {
		return 100
	}
	return int(current * 100 / target)
}

// lock reports why progress is frozen at now, if it is.
func lock(q *Quest, p *Progress, now time.Time) (State, *time.Time) {
	if p == nil {
		return "", nil
	}
	if !q.IsRepeatable {
		if p.RewardClaimed {
			return Claimed, nil
		}
		return "", nil
	}
	if q.MaxCompletions != nil && p.CompletionCount >= *q.MaxCompletions {
		return Exhausted, nil
	}
	if p.LastCompletedAt != nil {
		next := p.LastCompletedAt.Add(q.cooldown())
		if now.Before(next) {
			return Cooldown, &next
		}
	}
	return "", nil
}

func statusOf(q *Quest, p *Progress, now time.Time) *Status {
	st := &Status{Quest: q, Progress: p}
	if p != nil {
		st.Percent = Percent(p.CurrentValue, q.TargetValue)
	}

	if state, at := lock(q, p, now); state != "" {
		st.State = state
		st.AvailableAt = at
		return st
	}

	switch {
	case p == nil || (p.CurrentValue == 0 && !p.IsCompleted):
		st.State = NotStarted
	case p.IsCompleted:
		st.State = Completed
	default:
		st.State = InProgress
	}
	return st
}

func Models() []any {
	return []any{&Quest{}, &Progress{}}
}
