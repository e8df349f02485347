package ledger

import (
	"context"
	"iter"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/db/option"
	"vhm24-loyalty/pkg/db/pagination"
	"vhm24-loyalty/pkg/errutil"
	"vhm24-loyalty/pkg/otelcol"
)

const defaultHistoryBatch = 100

// HistoryFilter narrows a history walk. Zero values mean no restriction.
type HistoryFilter struct {
	Types []TransactionType
	Since time.Time
	Until time.Time
	// Limit caps the number of yielded transactions.
	Limit int
	// BatchSize is the number of rows fetched per round trip.
	BatchSize int
}

func (f HistoryFilter) conditions() []option.Condition {
	var conds []option.Condition
	if len(f.Types) > 0 {
		values := make([]any, 0, len(f.Types))
		for _, t := range f.Types {
			values = append(values, string(t))
		}
		conds = append(conds, option.Condition{Field: "type", Operator: option.IN, Value: values})
	}
	if !f.Since.IsZero() {
		conds = append(conds, option.Condition{Field: "created_at", Operator: option.GTE, Value: f.Since.UTC()})
	}
	if !f.Until.IsZero() {
		conds = append(conds, option.Condition{Field: "created_at", Operator: option.LT, Value: f.Until.UTC()})
	}
	return conds
}

// History yields the account's transactions most recent first. Rows are fetched
// lazily in batches keyed on the snowflake id, so a walk that stops early costs
// one query and every call starts over from the newest row.
func (s *Service) History(ctx context.Context, accountID string, filter HistoryFilter) iter.Seq2[*Transaction, error] {
	batch := filter.BatchSize
	if batch <= 0 {
		batch = defaultHistoryBatch
	}

	return func(yield func(*Transaction, error) bool) {
		if err := requireAccount(accountID); err != nil {
			yield(nil, err)
			return
		}

		var (
			before  snowflake.ID
			yielded int
		)

		for {
			size := batch
			if filter.Limit > 0 && filter.Limit-yielded < size {
				size = filter.Limit - yielded
			}
			if size <= 0 {
				return
			}

			rows, err := s.historyBatch(ctx, accountID, filter, before, size)
			if err != nil {
				yield(nil, errutil.Transient("ledger unavailable", err))
				return
			}

			for _, row := range rows {
				if !yield(row, nil) {
					return
				}
				yielded++
			}

			if len(rows) < size {
				return
			}
			before = rows[len(rows)-1].ID
		}
	}
}

func (s *Service) historyBatch(ctx context.Context, accountID string, filter HistoryFilter, before snowflake.ID, size int) ([]*Transaction, error) {
	// an empty AccountID would drop out of the struct condition and match every account
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	conds := filter.conditions()
	if before != 0 {
		conds = append(conds, option.Condition{Field: "id", Operator: option.LT, Value: int64(before)})
	}

	return s.transactions.Find(ctx, &Transaction{AccountID: accountID},
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc"}),
		option.WithLimit(size),
	)
}

// Page returns one cursor page of history for the HTTP surface.
func (s *Service) Page(ctx context.Context, accountID string, types []TransactionType, p pagination.Pagination) ([]*Transaction, *pagination.PageInfo, error) {
	ctx, span := tracer.Start(ctx, "ledger.Page")
	defer span.End()

	if err := requireAccount(accountID); err != nil {
		return nil, nil, err
	}
	p = p.Normalize()

	var before snowflake.ID
	if p.Cursor != "" {
		cursor, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		before = id
	}

	rows, err := s.historyBatch(ctx, accountID, HistoryFilter{Types: types}, before, p.Limit+1)
	if err != nil {
		zap.L().With(otelcol.LogFields(ctx)...).Error("failed to page history", zap.String("account_id", accountID), zap.Error(err))
		return nil, nil, errutil.Transient("ledger unavailable", err)
	}

	rows, info := pagination.BuildCursorPageInfo(rows, p.Limit, func(t *Transaction) pagination.Cursor {
		return pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	return rows, info, nil
}

// ChainReport is the outcome of VerifyChain. BrokenAt holds the first
// transaction whose hash, link or running balance does not check out.
type ChainReport struct {
	AccountID    string `json:"account_id"`
	Transactions int    `json:"transactions"`
	Balance      int64  `json:"balance"`
	Valid        bool   `json:"valid"`
	BrokenAt     string `json:"broken_at,omitempty"`
	Problem      string `json:"problem,omitempty"`
}

// VerifyChain replays the account from genesis, checking every hash link, every
// balance_after and finally the stored balance.
func (s *Service) VerifyChain(ctx context.Context, accountID string) (*ChainReport, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	report := &ChainReport{AccountID: accountID, Valid: true}
	fail := func(id, problem string) (*ChainReport, error) {
		report.Valid = false
		report.BrokenAt = id
		report.Problem = problem
		zap.L().With(otelcol.LogFields(ctx)...).Warn("ledger chain broken",
			zap.String("account_id", accountID),
			zap.String("transaction_id", id),
			zap.String("problem", problem),
		)
		return report, nil
	}

	prevHash := genesisHash
	var (
		running  int64
		lifetime int64
		after    snowflake.ID
	)

	for {
		conds := []option.Condition{}
		if after != 0 {
			conds = append(conds, option.Condition{Field: "id", Operator: option.GT, Value: int64(after)})
		}
		rows, err := s.transactions.Find(ctx, &Transaction{AccountID: accountID},
			option.ApplyOperator(conds...),
			option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
			option.WithLimit(defaultHistoryBatch),
		)
		if err != nil {
			return nil, errutil.Transient("ledger unavailable", err)
		}

		for _, row := range rows {
			id := row.ID.String()
			if row.PreviousHash != prevHash {
				return fail(id, "previous hash mismatch")
			}
			if row.GenerateHash() != row.Hash {
				return fail(id, "hash mismatch")
			}
			running += row.Amount
			if row.Amount > 0 {
				lifetime += row.Amount
			}
			if running != row.BalanceAfter {
				return fail(id, "balance_after "+strconv.FormatInt(row.BalanceAfter, 10)+" expected "+strconv.FormatInt(running, 10))
			}
			if running < 0 {
				return fail(id, "negative running balance")
			}
			prevHash = row.Hash
			report.Transactions++
		}

		if len(rows) < defaultHistoryBatch {
			break
		}
		after = rows[len(rows)-1].ID
	}

	report.Balance = running

	account, err := s.accounts.FindOne(ctx, &Account{AccountID: accountID})
	if err != nil {
		return nil, errutil.Transient("ledger unavailable", err)
	}
	if account == nil {
		if report.Transactions > 0 {
			return fail("", "account row missing")
		}
		return report, nil
	}
	switch {
	case account.Balance != running:
		return fail("", "account balance "+strconv.FormatInt(account.Balance, 10)+" expected "+strconv.FormatInt(running, 10))
	case account.LifetimePoints != lifetime:
		return fail("", "lifetime points "+strconv.FormatInt(account.LifetimePoints, 10)+" expected "+strconv.FormatInt(lifetime, 10))
	case account.LastHash != prevHash:
		return fail("", "account head does not match last transaction")
	}

	return report, nil
}
