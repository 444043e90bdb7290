package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Amounts are represented in minor units (cents). No floats.

// AccountKind classifies an account.
type AccountKind string

const (
	KindChecking   AccountKind = "CHECKING"
	KindCredit     AccountKind = "CREDIT"
	KindInvestment AccountKind = "INVESTMENT"
	KindCash       AccountKind = "CASH"
)

// ValidKind reports whether k is one of the supported account kinds.
func ValidKind(k AccountKind) bool {
	switch k {
	case KindChecking, KindCredit, KindInvestment, KindCash:
		return true
	}
	return false
}

// TransactionType classifies a monetary movement.
type TransactionType string

const (
	TypeIncome   TransactionType = "INCOME"
	TypeExpense  TransactionType = "EXPENSE"
	TypeTransfer TransactionType = "TRANSFER"
)

// ValidType reports whether t is one of the supported transaction types.
func ValidType(t TransactionType) bool {
	switch t {
	case TypeIncome, TypeExpense, TypeTransfer:
		return true
	}
	return false
}

// CreditTerms carries the credit-card specific account fields.
type CreditTerms struct {
	LimitCents int64 `json:"limit_cents"`
	DueDay     int   `json:"due_day"`     // 1..31
	ClosingDay int   `json:"closing_day"` // 1..31
}

// Account is a named per-owner account with a running balance.
// CurrentCents always equals InitialCents plus the signed effects of every
// non-deleted transaction touching the account.
type Account struct {
	ID           string       `json:"id"`
	Owner        string       `json:"-"`
	Name         string       `json:"name"`
	Kind         AccountKind  `json:"kind"`
	InitialCents int64        `json:"initial_cents"`
	CurrentCents int64        `json:"current_cents"`
	Credit       *CreditTerms `json:"credit,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Transaction is a single monetary movement, optionally one leg of an
// installment group.
type Transaction struct {
	ID            string          `json:"id"`
	Owner         string          `json:"-"`
	AccountID     string          `json:"account_id"`
	DestinationID string          `json:"destination_account_id,omitempty"` // TRANSFER only
	Type          TransactionType `json:"type"`
	AmountCents   int64           `json:"amount_cents"`
	Category      string          `json:"category,omitempty"`
	Description   string          `json:"description,omitempty"`
	Date          time.Time       `json:"date"`
	RawMessage    string          `json:"-"` // originating free text, audit only
	Installments  int             `json:"installments_count,omitempty"`
	Installment   int             `json:"installment_number,omitempty"` // 1-based
	GroupID       string          `json:"group_id,omitempty"`
	Cleared       bool            `json:"is_cleared"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RegisterRequest is the structured intent handed to RegisterTransaction,
// typically produced by an external extractor.
type RegisterRequest struct {
	AmountCents     int64
	Type            TransactionType
	Category        string
	Description     string
	AccountID       string // explicit id wins over AccountName
	AccountName     string // fuzzy reference
	DestinationID   string // TRANSFER only
	DestinationName string // TRANSFER only, fuzzy reference
	Installments    int    // 0 or 1 means a standalone transaction
	Date            time.Time
	RawMessage      string
}

// UpdateFields is a partial update; nil fields are left untouched.
type UpdateFields struct {
	Category    *string
	Description *string
	AmountCents *int64
	Date        *time.Time
	Cleared     *bool
}

// Empty reports whether no field is set.
func (u UpdateFields) Empty() bool {
	return u.Category == nil && u.Description == nil && u.AmountCents == nil &&
		u.Date == nil && u.Cleared == nil
}

// BulkUpdateFields is the subset of fields that may be rewritten across many
// rows at once. Amount and date are excluded so bulk edits never move balances.
type BulkUpdateFields struct {
	Category    *string
	Description *string
	Cleared     *bool
}

// Empty reports whether no field is set.
func (u BulkUpdateFields) Empty() bool {
	return u.Category == nil && u.Description == nil && u.Cleared == nil
}

// Filter narrows ListTransactions results. Zero values mean "no constraint".
type Filter struct {
	From        time.Time
	To          time.Time
	Category    string
	Description string // case-insensitive substring
	MinCents    int64
	MaxCents    int64
	Type        TransactionType
	HasMin      bool
	HasMax      bool
}

// Page is offset/limit pagination.
type Page struct {
	Offset int
	Limit  int
}

// MonthlyTotal is one calendar-month aggregate bucket.
type MonthlyTotal struct {
	Month      string `json:"month"` // YYYY-MM
	TotalCents int64  `json:"total_cents"`
}

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("invalid amount (must be > 0)")
	ErrInvalidType         = errors.New("invalid transaction type")
	ErrInvalidKind         = errors.New("invalid account kind")
	ErrInvalidInstallments = errors.New("invalid installment count")
	ErrInstallmentsExpense = errors.New("installments are supported for expenses only")
	ErrDuplicateName       = errors.New("account name already exists")
	ErrInvalidDayOfMonth   = errors.New("day of month must be between 1 and 31")
	ErrEmptyUpdate         = errors.New("no fields to update")
)

func newID() string {
	return uuid.NewString()
}
