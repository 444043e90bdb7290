package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"contaflow.app/internal/ledger"
)

// Store implements ledger.Service on Postgres. Every operation runs inside a
// single SQL transaction that first pins the owner into the row-level
// security context, so the RLS policies and the explicit owner predicates
// enforce scoping independently of each other.
type Store struct {
	db   *sql.DB
	opts ledger.Options
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string, opts ledger.Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, opts: opts}, nil
}

// NewWithDB wraps an existing handle (tests, shared pools).
func NewWithDB(db *sql.DB, opts ledger.Options) *Store {
	return &Store{db: db, opts: opts}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// withOwnerTx runs fn inside one unit of work with the owner pinned as the
// transaction-local RLS context. Any error rolls the whole transaction back.
func (s *Store) withOwnerTx(ctx context.Context, owner string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select set_config('app.current_owner', $1, true)`, owner); err != nil {
		return fmt.Errorf("set owner context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const accountColumns = `id, owner, name, kind, initial_cents, current_cents, credit_limit_cents, due_day, closing_day, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (ledger.Account, error) {
	var (
		acc        ledger.Account
		limitCents sql.NullInt64
		dueDay     sql.NullInt32
		closingDay sql.NullInt32
	)
	err := row.Scan(&acc.ID, &acc.Owner, &acc.Name, &acc.Kind, &acc.InitialCents, &acc.CurrentCents,
		&limitCents, &dueDay, &closingDay, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	if limitCents.Valid || dueDay.Valid || closingDay.Valid {
		acc.Credit = &ledger.CreditTerms{
			LimitCents: limitCents.Int64,
			DueDay:     int(dueDay.Int32),
			ClosingDay: int(closingDay.Int32),
		}
	}
	return acc, nil
}

const txColumns = `id, owner, account_id, destination_account_id, type, amount_cents, category, description, date, raw_message, installments_count, installment_number, group_id, is_cleared, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var (
		t            ledger.Transaction
		dest         sql.NullString
		category     sql.NullString
		description  sql.NullString
		rawMessage   sql.NullString
		installments sql.NullInt32
		installment  sql.NullInt32
		groupID      sql.NullString
	)
	err := row.Scan(&t.ID, &t.Owner, &t.AccountID, &dest, &t.Type, &t.AmountCents,
		&category, &description, &t.Date, &rawMessage, &installments, &installment, &groupID,
		&t.Cleared, &t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.DestinationID = dest.String
	t.Category = category.String
	t.Description = description.String
	t.RawMessage = rawMessage.String
	t.Installments = int(installments.Int32)
	t.Installment = int(installment.Int32)
	t.GroupID = groupID.String
	return t, nil
}

func (s *Store) CreateAccount(ctx context.Context, owner, name string, kind ledger.AccountKind, initialCents int64, credit *ledger.CreditTerms) (ledger.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" || !ledger.ValidKind(kind) {
		return ledger.Account{}, ledger.ErrInvalidKind
	}
	if credit != nil && (credit.DueDay < 1 || credit.DueDay > 31 || credit.ClosingDay < 1 || credit.ClosingDay > 31) {
		return ledger.Account{}, ledger.ErrInvalidDayOfMonth
	}

	var created ledger.Account
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		// Duplicate policy uses the same fuzzy containment as resolution.
		if _, err := s.findByName(ctx, tx, owner, name); err == nil {
			return ledger.ErrDuplicateName
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		var err error
		created, err = s.insertAccount(ctx, tx, owner, name, kind, initialCents, credit)
		return err
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return created, nil
}

func (s *Store) insertAccount(ctx context.Context, tx *sql.Tx, owner, name string, kind ledger.AccountKind, initialCents int64, credit *ledger.CreditTerms) (ledger.Account, error) {
	var (
		limitCents sql.NullInt64
		dueDay     sql.NullInt32
		closingDay sql.NullInt32
	)
	if credit != nil {
		limitCents = sql.NullInt64{Int64: credit.LimitCents, Valid: true}
		dueDay = sql.NullInt32{Int32: int32(credit.DueDay), Valid: true}
		closingDay = sql.NullInt32{Int32: int32(credit.ClosingDay), Valid: true}
	}
	row := tx.QueryRowContext(ctx, `
		insert into accounts(id, owner, name, kind, initial_cents, current_cents, credit_limit_cents, due_day, closing_day)
		values (gen_random_uuid(), $1, $2, $3, $4, $4, $5, $6, $7)
		returning `+accountColumns,
		owner, name, string(kind), initialCents, limitCents, dueDay, closingDay)
	return scanAccount(row)
}

// findByName is the case-insensitive containment lookup; the oldest matching
// account wins so resolution stays deterministic.
func (s *Store) findByName(ctx context.Context, tx *sql.Tx, owner, ref string) (ledger.Account, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ledger.Account{}, ledger.ErrNotFound
	}
	row := tx.QueryRowContext(ctx, `
		select `+accountColumns+` from accounts
		where owner = $1 and position(lower($2) in lower(name)) > 0
		order by created_at asc limit 1`, owner, ref)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return acc, err
}

func (s *Store) findByID(ctx context.Context, tx *sql.Tx, owner, id string) (ledger.Account, error) {
	row := tx.QueryRowContext(ctx, `
		select `+accountColumns+` from accounts where owner = $1 and id = $2`, owner, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return acc, err
}

// resolveOrWallet resolves id > fuzzy ref > wallet, creating the wallet on
// first use.
func (s *Store) resolveOrWallet(ctx context.Context, tx *sql.Tx, owner, id, ref string) (ledger.Account, error) {
	if id != "" {
		acc, err := s.findByID(ctx, tx, owner, id)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return ledger.Account{}, err
		}
	}
	acc, err := s.findByName(ctx, tx, owner, ref)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, err
	}
	wallet := s.walletName()
	acc, err = s.findByName(ctx, tx, owner, wallet)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, err
	}
	return s.insertAccount(ctx, tx, owner, wallet, ledger.KindCash, 0, nil)
}

func (s *Store) walletName() string {
	if s.opts.WalletName != "" {
		return s.opts.WalletName
	}
	return ledger.DefaultWalletName
}

func (s *Store) location() *time.Location {
	if s.opts.Location != nil {
		return s.opts.Location
	}
	return time.UTC
}

func (s *Store) ListAccounts(ctx context.Context, owner string) ([]ledger.Account, error) {
	var out []ledger.Account
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select `+accountColumns+` from accounts where owner = $1 order by created_at asc`, owner)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			acc, err := scanAccount(rows)
			if err != nil {
				return err
			}
			out = append(out, acc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ResolveAccountOrDefault(ctx context.Context, owner, ref string) (ledger.Account, error) {
	var acc ledger.Account
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		var err error
		acc, err = s.resolveOrWallet(ctx, tx, owner, "", ref)
		return err
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

// lockAccounts takes row locks in sorted id order to avoid deadlocks between
// concurrent units of work touching the same accounts.
func lockAccounts(ctx context.Context, tx *sql.Tx, ids ...string) error {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)
	for _, id := range uniq {
		var dummy int
		if err := tx.QueryRowContext(ctx, `select 1 from accounts where id = $1 for update`, id).Scan(&dummy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.ErrNotFound
			}
			return err
		}
	}
	return nil
}

// applyDelta is the balance synchronizer primitive: an atomic in-database
// read-modify-write, never a read-compute-write-back round trip.
func applyDelta(ctx context.Context, tx *sql.Tx, accountID string, cents int64) error {
	res, err := tx.ExecContext(ctx, `
		update accounts set current_cents = current_cents + $2, updated_at = now()
		where id = $1`, accountID, cents)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// effectDeltas mirrors the signed effect rules: income credits the account,
// expense debits it, a transfer debits the source and credits the
// destination when one was resolved.
func effectDeltas(t ledger.Transaction) map[string]int64 {
	deltas := make(map[string]int64, 2)
	switch t.Type {
	case ledger.TypeIncome:
		deltas[t.AccountID] += t.AmountCents
	case ledger.TypeExpense:
		deltas[t.AccountID] -= t.AmountCents
	case ledger.TypeTransfer:
		deltas[t.AccountID] -= t.AmountCents
		if t.DestinationID != "" {
			deltas[t.DestinationID] += t.AmountCents
		}
	}
	return deltas
}

func applyEffects(ctx context.Context, tx *sql.Tx, t ledger.Transaction, sign int64) error {
	deltas := effectDeltas(t)
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := applyDelta(ctx, tx, id, sign*deltas[id]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RegisterTransaction(ctx context.Context, owner string, req ledger.RegisterRequest) (ledger.Transaction, error) {
	if err := ledger.ValidateRegister(req); err != nil {
		return ledger.Transaction{}, err
	}

	var first ledger.Transaction
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		source, err := s.resolveOrWallet(ctx, tx, owner, req.AccountID, req.AccountName)
		if err != nil {
			return err
		}

		destID := ""
		if req.Type == ledger.TypeTransfer {
			if req.DestinationID != "" {
				if acc, err := s.findByID(ctx, tx, owner, req.DestinationID); err == nil {
					destID = acc.ID
				} else if !errors.Is(err, ledger.ErrNotFound) {
					return err
				}
			} else if req.DestinationName != "" {
				if acc, err := s.findByName(ctx, tx, owner, req.DestinationName); err == nil {
					destID = acc.ID
				} else if !errors.Is(err, ledger.ErrNotFound) {
					return err
				}
			}
			if destID == "" && s.opts.OnPartialResolution != nil {
				ref := req.DestinationName
				if ref == "" {
					ref = req.DestinationID
				}
				s.opts.OnPartialResolution(owner, ref)
			}
		}

		if err := lockAccounts(ctx, tx, source.ID, destID); err != nil {
			return err
		}

		date := req.Date
		if date.IsZero() {
			date = time.Now().In(s.location())
		}

		if req.Installments > 1 {
			var groupID string
			if err := tx.QueryRowContext(ctx, `select gen_random_uuid()`).Scan(&groupID); err != nil {
				return err
			}
			for _, period := range ledger.PlanInstallments(req.AmountCents, req.Installments, date) {
				leg := ledger.Transaction{
					Owner:        owner,
					AccountID:    source.ID,
					Type:         req.Type,
					AmountCents:  period.AmountCents,
					Category:     req.Category,
					Description:  fmt.Sprintf("%s (%d/%d)", req.Description, period.Index, req.Installments),
					Date:         period.Date,
					RawMessage:   req.RawMessage,
					Installments: req.Installments,
					Installment:  period.Index,
					GroupID:      groupID,
				}
				stored, err := s.insertTransaction(ctx, tx, leg)
				if err != nil {
					return err
				}
				if err := applyEffects(ctx, tx, stored, +1); err != nil {
					return err
				}
				if period.Index == 1 {
					first = stored
				}
			}
			return nil
		}

		leg := ledger.Transaction{
			Owner:         owner,
			AccountID:     source.ID,
			DestinationID: destID,
			Type:          req.Type,
			AmountCents:   req.AmountCents,
			Category:      req.Category,
			Description:   req.Description,
			Date:          date,
			RawMessage:    req.RawMessage,
		}
		stored, err := s.insertTransaction(ctx, tx, leg)
		if err != nil {
			return err
		}
		if err := applyEffects(ctx, tx, stored, +1); err != nil {
			return err
		}
		first = stored
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	return first, nil
}

func (s *Store) insertTransaction(ctx context.Context, tx *sql.Tx, t ledger.Transaction) (ledger.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		insert into transactions(id, owner, account_id, destination_account_id, type, amount_cents, category, description, date, raw_message, installments_count, installment_number, group_id)
		values (gen_random_uuid(), $1, $2, nullif($3,''), $4, $5, nullif($6,''), nullif($7,''), $8, nullif($9,''), nullif($10,0), nullif($11,0), nullif($12,'')::uuid)
		returning `+txColumns,
		t.Owner, t.AccountID, t.DestinationID, string(t.Type), t.AmountCents,
		t.Category, t.Description, t.Date, t.RawMessage,
		t.Installments, t.Installment, t.GroupID)
	return scanTransaction(row)
}

func (s *Store) getTransactionForUpdate(ctx context.Context, tx *sql.Tx, owner, id string) (ledger.Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		select `+txColumns+` from transactions where owner = $1 and id = $2 for update`, owner, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, err
}

func (s *Store) UpdateTransaction(ctx context.Context, owner, id string, fields ledger.UpdateFields) error {
	if fields.Empty() {
		return ledger.ErrEmptyUpdate
	}
	if fields.AmountCents != nil && *fields.AmountCents <= 0 {
		return ledger.ErrInvalidAmount
	}

	return s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		current, err := s.getTransactionForUpdate(ctx, tx, owner, id)
		if err != nil {
			return err
		}

		if fields.AmountCents != nil && *fields.AmountCents != current.AmountCents {
			if err := lockAccounts(ctx, tx, current.AccountID, current.DestinationID); err != nil {
				return err
			}
			// Edit is delete-then-reinsert for balance purposes.
			if err := applyEffects(ctx, tx, current, -1); err != nil {
				return err
			}
			current.AmountCents = *fields.AmountCents
			if err := applyEffects(ctx, tx, current, +1); err != nil {
				return err
			}
		}

		set := []string{}
		args := []any{}
		add := func(col string, v any) {
			args = append(args, v)
			set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
		}
		if fields.AmountCents != nil {
			add("amount_cents", *fields.AmountCents)
		}
		if fields.Category != nil {
			add("category", *fields.Category)
		}
		if fields.Description != nil {
			add("description", *fields.Description)
		}
		if fields.Date != nil {
			add("date", *fields.Date)
		}
		if fields.Cleared != nil {
			add("is_cleared", *fields.Cleared)
		}
		args = append(args, owner, id)
		query := fmt.Sprintf(`update transactions set %s where owner = $%d and id = $%d`,
			strings.Join(set, ", "), len(args)-1, len(args))
		_, err = tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *Store) BulkUpdateTransactions(ctx context.Context, owner string, ids []string, fields ledger.BulkUpdateFields) (int, error) {
	if fields.Empty() {
		return 0, ledger.ErrEmptyUpdate
	}

	set := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if fields.Category != nil {
		add("category", *fields.Category)
	}
	if fields.Description != nil {
		add("description", *fields.Description)
	}
	if fields.Cleared != nil {
		add("is_cleared", *fields.Cleared)
	}

	count := 0
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		for _, id := range ids {
			a := append(append([]any{}, args...), owner, id)
			query := fmt.Sprintf(`update transactions set %s where owner = $%d and id = $%d`,
				strings.Join(set, ", "), len(a)-1, len(a))
			res, err := tx.ExecContext(ctx, query, a...)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				count += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) DeleteTransactions(ctx context.Context, owner string, ids []string) error {
	deleted := 0
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		for _, id := range ids {
			t, err := s.getTransactionForUpdate(ctx, tx, owner, id)
			if errors.Is(err, ledger.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := lockAccounts(ctx, tx, t.AccountID, t.DestinationID); err != nil {
				return err
			}
			if err := applyEffects(ctx, tx, t, -1); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `delete from transactions where owner = $1 and id = $2`, owner, id); err != nil {
				return err
			}
			deleted++
		}
		if deleted == 0 {
			return ledger.ErrNotFound
		}
		return nil
	})
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike neutralizes pattern metacharacters so the description filter is
// a literal substring match, same as the in-memory service.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// buildFilter renders the filter into WHERE fragments; $1 is always owner.
func buildFilter(owner string, f ledger.Filter) ([]string, []any) {
	where := []string{"owner = $1"}
	args := []any{owner}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("date <= $%d", f.To)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Description != "" {
		add("description ilike $%d", "%"+escapeLike(f.Description)+"%")
	}
	if f.HasMin {
		add("amount_cents >= $%d", f.MinCents)
	}
	if f.HasMax {
		add("amount_cents <= $%d", f.MaxCents)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	return where, args
}

func (s *Store) ListTransactions(ctx context.Context, owner string, f ledger.Filter, p ledger.Page) ([]ledger.Transaction, int, error) {
	where, args := buildFilter(owner, f)
	cond := strings.Join(where, " and ")

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		items []ledger.Transaction
		total int
	)
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `select count(*) from transactions where `+cond, args...).Scan(&total); err != nil {
			return err
		}
		pageArgs := append(append([]any{}, args...), offset, limit)
		query := fmt.Sprintf(`select %s from transactions where %s order by date desc offset $%d limit $%d`,
			txColumns, cond, len(pageArgs)-1, len(pageArgs))
		rows, err := tx.QueryContext(ctx, query, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			items = append(items, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *Store) ListRecent(ctx context.Context, owner string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	var items []ledger.Transaction
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select `+txColumns+` from transactions
			where owner = $1 order by created_at desc limit $2`, owner, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			items = append(items, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) MonthlyAggregates(ctx context.Context, owner string, from time.Time) ([]ledger.MonthlyTotal, error) {
	var out []ledger.MonthlyTotal
	err := s.withOwnerTx(ctx, owner, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select to_char(date, 'YYYY-MM') as month, sum(amount_cents)
			from transactions
			where owner = $1 and date >= $2
			group by 1 order by 1`, owner, from)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var mt ledger.MonthlyTotal
			if err := rows.Scan(&mt.Month, &mt.TotalCents); err != nil {
				return err
			}
			out = append(out, mt)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
