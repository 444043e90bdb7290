package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultWalletName is the account created implicitly the first time an owner
// registers a transaction with no resolvable account.
const DefaultWalletName = "Carteira"

// Service defines the ledger operation surface. Every call is scoped to a
// single owner; implementations must never let one owner observe another's
// rows.
type Service interface {
	CreateAccount(ctx context.Context, owner, name string, kind AccountKind, initialCents int64, credit *CreditTerms) (Account, error)
	ListAccounts(ctx context.Context, owner string) ([]Account, error)
	// ResolveAccountOrDefault maps a free-text account reference to an
	// account via case-insensitive substring match, falling back to the
	// owner's wallet (created on demand) when ref does not resolve.
	ResolveAccountOrDefault(ctx context.Context, owner, ref string) (Account, error)

	// RegisterTransaction records an income, expense or transfer as one
	// atomic unit of work, expanding installment purchases into dated legs
	// and keeping account balances in step. The first installment is
	// returned as the representative record.
	RegisterTransaction(ctx context.Context, owner string, req RegisterRequest) (Transaction, error)
	ListTransactions(ctx context.Context, owner string, f Filter, p Page) ([]Transaction, int, error)
	ListRecent(ctx context.Context, owner string, limit int) ([]Transaction, error)
	UpdateTransaction(ctx context.Context, owner, id string, fields UpdateFields) error
	BulkUpdateTransactions(ctx context.Context, owner string, ids []string, fields BulkUpdateFields) (int, error)
	DeleteTransactions(ctx context.Context, owner string, ids []string) error
	MonthlyAggregates(ctx context.Context, owner string, from time.Time) ([]MonthlyTotal, error)
}

// Options tune service behavior shared by all implementations.
type Options struct {
	// WalletName overrides DefaultWalletName for implicitly created accounts.
	WalletName string
	// Location is the owner-local timezone used when a transaction carries
	// no date. Defaults to UTC.
	Location *time.Location
	// OnPartialResolution observes transfers whose destination reference
	// could not be resolved. The source leg still posts; this hook exists so
	// the condition is never silent.
	OnPartialResolution func(owner, ref string)
}

func (o Options) walletName() string {
	if o.WalletName != "" {
		return o.WalletName
	}
	return DefaultWalletName
}

func (o Options) location() *time.Location {
	if o.Location != nil {
		return o.Location
	}
	return time.UTC
}

// ValidateRegister enforces the request contract before any write. It is
// shared by every Service implementation.
func ValidateRegister(req RegisterRequest) error {
	if req.AmountCents <= 0 {
		return ErrInvalidAmount
	}
	if !ValidType(req.Type) {
		return ErrInvalidType
	}
	if req.Installments < 0 {
		return ErrInvalidInstallments
	}
	if req.Installments > 1 && req.Type != TypeExpense {
		return ErrInstallmentsExpense
	}
	return nil
}

func validateCredit(credit *CreditTerms) error {
	if credit == nil {
		return nil
	}
	if credit.DueDay < 1 || credit.DueDay > 31 || credit.ClosingDay < 1 || credit.ClosingDay > 31 {
		return ErrInvalidDayOfMonth
	}
	return nil
}

// balanceDelta is one signed balance effect on an account.
type balanceDelta struct {
	accountID string
	cents     int64
}

// effects returns the signed balance deltas a transaction applies. Reversal
// is the same list negated, so edits behave like delete-then-reinsert.
func effects(t *Transaction) []balanceDelta {
	switch t.Type {
	case TypeIncome:
		return []balanceDelta{{t.AccountID, t.AmountCents}}
	case TypeExpense:
		return []balanceDelta{{t.AccountID, -t.AmountCents}}
	case TypeTransfer:
		d := []balanceDelta{{t.AccountID, -t.AmountCents}}
		if t.DestinationID != "" {
			d = append(d, balanceDelta{t.DestinationID, t.AmountCents})
		}
		return d
	}
	return nil
}

func negated(deltas []balanceDelta) []balanceDelta {
	out := make([]balanceDelta, len(deltas))
	for i, d := range deltas {
		out[i] = balanceDelta{d.accountID, -d.cents}
	}
	return out
}

// InMemory implements Service with in-process concurrency safety. It backs
// tests and local development; durable deployments use the Postgres store.
type InMemory struct {
	opts Options

	mu       sync.RWMutex
	accounts []*Account // creation order; fuzzy matches resolve oldest-first
	txs      []*Transaction
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger.
func NewInMemory(opts Options) *InMemory {
	return &InMemory{opts: opts}
}

func (s *InMemory) CreateAccount(ctx context.Context, owner, name string, kind AccountKind, initialCents int64, credit *CreditTerms) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, fmt.Errorf("%w: empty account name", ErrInvalidKind)
	}
	if !ValidKind(kind) {
		return Account{}, ErrInvalidKind
	}
	if err := validateCredit(credit); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findByNameLocked(owner, name) != nil {
		return Account{}, ErrDuplicateName
	}
	acc := s.createAccountLocked(owner, name, kind, initialCents, credit)
	return *acc, nil
}

// createAccountLocked inserts without the duplicate-name policy check; the
// check belongs to the facade-level CreateAccount, not to implicit wallet
// creation.
func (s *InMemory) createAccountLocked(owner, name string, kind AccountKind, initialCents int64, credit *CreditTerms) *Account {
	now := time.Now().UTC()
	acc := &Account{
		ID:           newID(),
		Owner:        owner,
		Name:         name,
		Kind:         kind,
		InitialCents: initialCents,
		CurrentCents: initialCents,
		Credit:       credit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts = append(s.accounts, acc)
	return acc
}

// findByNameLocked is a case-insensitive substring match, oldest account
// first.
func (s *InMemory) findByNameLocked(owner, ref string) *Account {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if ref == "" {
		return nil
	}
	for _, acc := range s.accounts {
		if acc.Owner == owner && strings.Contains(strings.ToLower(acc.Name), ref) {
			return acc
		}
	}
	return nil
}

func (s *InMemory) findByIDLocked(owner, id string) *Account {
	for _, acc := range s.accounts {
		if acc.Owner == owner && acc.ID == id {
			return acc
		}
	}
	return nil
}

func (s *InMemory) ListAccounts(ctx context.Context, owner string) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, acc := range s.accounts {
		if acc.Owner == owner {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (s *InMemory) ResolveAccountOrDefault(ctx context.Context, owner, ref string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.resolveOrWalletLocked(owner, "", ref), nil
}

// resolveOrWalletLocked resolves id > fuzzy ref > wallet, creating the wallet
// when the owner has none.
func (s *InMemory) resolveOrWalletLocked(owner, id, ref string) *Account {
	if id != "" {
		if acc := s.findByIDLocked(owner, id); acc != nil {
			return acc
		}
	}
	if acc := s.findByNameLocked(owner, ref); acc != nil {
		return acc
	}
	if acc := s.findByNameLocked(owner, s.opts.walletName()); acc != nil {
		return acc
	}
	return s.createAccountLocked(owner, s.opts.walletName(), KindCash, 0, nil)
}

func (s *InMemory) RegisterTransaction(ctx context.Context, owner string, req RegisterRequest) (Transaction, error) {
	if err := ValidateRegister(req); err != nil {
		return Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source := s.resolveOrWalletLocked(owner, req.AccountID, req.AccountName)

	destID := ""
	if req.Type == TypeTransfer {
		if req.DestinationID != "" {
			if acc := s.findByIDLocked(owner, req.DestinationID); acc != nil {
				destID = acc.ID
			}
		} else if acc := s.findByNameLocked(owner, req.DestinationName); acc != nil {
			destID = acc.ID
		}
		if destID == "" && s.opts.OnPartialResolution != nil {
			ref := req.DestinationName
			if ref == "" {
				ref = req.DestinationID
			}
			s.opts.OnPartialResolution(owner, ref)
		}
	}

	date := req.Date
	if date.IsZero() {
		date = time.Now().In(s.opts.location())
	}
	now := time.Now().UTC()

	var first *Transaction
	if req.Installments > 1 {
		groupID := newID()
		for _, period := range PlanInstallments(req.AmountCents, req.Installments, date) {
			tx := &Transaction{
				ID:           newID(),
				Owner:        owner,
				AccountID:    source.ID,
				Type:         req.Type,
				AmountCents:  period.AmountCents,
				Category:     req.Category,
				Description:  installmentDescription(req.Description, period.Index, req.Installments),
				Date:         period.Date,
				RawMessage:   req.RawMessage,
				Installments: req.Installments,
				Installment:  period.Index,
				GroupID:      groupID,
				CreatedAt:    now,
			}
			s.txs = append(s.txs, tx)
			s.applyLocked(effects(tx))
			if first == nil {
				first = tx
			}
		}
	} else {
		tx := &Transaction{
			ID:            newID(),
			Owner:         owner,
			AccountID:     source.ID,
			DestinationID: destID,
			Type:          req.Type,
			AmountCents:   req.AmountCents,
			Category:      req.Category,
			Description:   req.Description,
			Date:          date,
			RawMessage:    req.RawMessage,
			CreatedAt:     now,
		}
		s.txs = append(s.txs, tx)
		s.applyLocked(effects(tx))
		first = tx
	}
	return *first, nil
}

func installmentDescription(desc string, index, count int) string {
	return fmt.Sprintf("%s (%d/%d)", desc, index, count)
}

// applyLocked is the balance synchronizer: one signed read-modify-write per
// affected account, under the same lock as the row writes.
func (s *InMemory) applyLocked(deltas []balanceDelta) {
	for _, d := range deltas {
		for _, acc := range s.accounts {
			if acc.ID == d.accountID {
				acc.CurrentCents += d.cents
				acc.UpdatedAt = time.Now().UTC()
				break
			}
		}
	}
}

func (s *InMemory) findTxLocked(owner, id string) (int, *Transaction) {
	for i, tx := range s.txs {
		if tx.Owner == owner && tx.ID == id {
			return i, tx
		}
	}
	return -1, nil
}

func (s *InMemory) UpdateTransaction(ctx context.Context, owner, id string, fields UpdateFields) error {
	if fields.Empty() {
		return ErrEmptyUpdate
	}
	if fields.AmountCents != nil && *fields.AmountCents <= 0 {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, tx := s.findTxLocked(owner, id)
	if tx == nil {
		return ErrNotFound
	}

	if fields.AmountCents != nil && *fields.AmountCents != tx.AmountCents {
		s.applyLocked(negated(effects(tx)))
		tx.AmountCents = *fields.AmountCents
		s.applyLocked(effects(tx))
	}
	if fields.Category != nil {
		tx.Category = *fields.Category
	}
	if fields.Description != nil {
		tx.Description = *fields.Description
	}
	if fields.Date != nil {
		tx.Date = *fields.Date
	}
	if fields.Cleared != nil {
		tx.Cleared = *fields.Cleared
	}
	return nil
}

func (s *InMemory) BulkUpdateTransactions(ctx context.Context, owner string, ids []string, fields BulkUpdateFields) (int, error) {
	if fields.Empty() {
		return 0, ErrEmptyUpdate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		_, tx := s.findTxLocked(owner, id)
		if tx == nil {
			continue
		}
		if fields.Category != nil {
			tx.Category = *fields.Category
		}
		if fields.Description != nil {
			tx.Description = *fields.Description
		}
		if fields.Cleared != nil {
			tx.Cleared = *fields.Cleared
		}
		count++
	}
	return count, nil
}

func (s *InMemory) DeleteTransactions(ctx context.Context, owner string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		i, tx := s.findTxLocked(owner, id)
		if tx == nil {
			continue
		}
		s.applyLocked(negated(effects(tx)))
		s.txs = append(s.txs[:i], s.txs[i+1:]...)
		deleted++
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func matches(tx *Transaction, f Filter) bool {
	if !f.From.IsZero() && tx.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.Date.After(f.To) {
		return false
	}
	if f.Category != "" && tx.Category != f.Category {
		return false
	}
	if f.Description != "" && !strings.Contains(strings.ToLower(tx.Description), strings.ToLower(f.Description)) {
		return false
	}
	if f.HasMin && tx.AmountCents < f.MinCents {
		return false
	}
	if f.HasMax && tx.AmountCents > f.MaxCents {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	return true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *InMemory) ListTransactions(ctx context.Context, owner string, f Filter, p Page) ([]Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Transaction
	for _, tx := range s.txs {
		if tx.Owner == owner && matches(tx, f) {
			all = append(all, *tx)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Date.After(all[j].Date) })

	total := len(all)
	limit := clampLimit(p.Limit)
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *InMemory) ListRecent(ctx context.Context, owner string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Transaction
	for _, tx := range s.txs {
		if tx.Owner == owner {
			all = append(all, *tx)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if l := clampLimit(limit); len(all) > l {
		all = all[:l]
	}
	return all, nil
}

func (s *InMemory) MonthlyAggregates(ctx context.Context, owner string, from time.Time) ([]MonthlyTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make(map[string]int64)
	for _, tx := range s.txs {
		if tx.Owner != owner || tx.Date.Before(from) {
			continue
		}
		buckets[tx.Date.Format("2006-01")] += tx.AmountCents
	}
	months := make([]string, 0, len(buckets))
	for m := range buckets {
		months = append(months, m)
	}
	sort.Strings(months)
	out := make([]MonthlyTotal, 0, len(months))
	for _, m := range months {
		out = append(out, MonthlyTotal{Month: m, TotalCents: buckets[m]})
	}
	return out, nil
}
