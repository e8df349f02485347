package option

import (
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vhm24-loyalty/pkg/db/pagination"
)

// QueryOption decorates a gorm query before it is executed by a repository.
type QueryOption func(*gorm.DB) *gorm.DB

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	// Allow lists the columns a caller may sort by. Empty means any.
	Allow map[string]bool
}

// WithSortBy orders by a whitelisted column, defaulting to created_at.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := s.SortBy
		if column == "" {
			column = "created_at"
		}
		if len(s.Allow) > 0 && !s.Allow[column] {
			return db
		}
		return db.Order(clause.OrderByColumn{
			Column: clause.Column{Name: column},
			Desc:   strings.EqualFold(s.OrderBy, "desc"),
		})
	}
}

// LockingUpdate adds SELECT ... FOR UPDATE. SQLite has no row locks and
// serializes writers itself, so the clause is skipped there.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

type Operator string

const (
	EQ  Operator = "eq"
	NEQ Operator = "neq"
	GT  Operator = "gt"
	GTE Operator = "gte"
	LT  Operator = "lt"
	LTE Operator = "lte"
	IN  Operator = "in"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func (c Condition) expression() clause.Expression {
	column := clause.Column{Name: c.Field}
	switch c.Operator {
	case NEQ:
		return clause.Neq{Column: column, Value: c.Value}
	case GT:
		return clause.Gt{Column: column, Value: c.Value}
	case GTE:
		return clause.Gte{Column: column, Value: c.Value}
	case LT:
		return clause.Lt{Column: column, Value: c.Value}
	case LTE:
		return clause.Lte{Column: column, Value: c.Value}
	case IN:
		values, _ := c.Value.([]any)
		return clause.IN{Column: column, Values: values}
	default:
		return clause.Eq{Column: column, Value: c.Value}
	}
}

// ApplyOperator ANDs every condition into the query.
func ApplyOperator(conditions ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conditions {
			db = db.Where(c.expression())
		}
		return db
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

// ApplyPagination fetches one row more than the page size so the caller can tell
// whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return WithLimit(p.Limit + 1)
}
