package ledger

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

const owner = "+5511999990000"

func balance(t *testing.T, s *InMemory, owner, name string) int64 {
	t.Helper()
	accounts, err := s.ListAccounts(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	for _, acc := range accounts {
		if acc.Name == name {
			return acc.CurrentCents
		}
	}
	t.Fatalf("account %q not found", name)
	return 0
}

func TestIncomeExpenseTransferBalances(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, owner, "Nubank", KindChecking, 0, nil); err != nil {
		t.Fatal(err)
	}

	_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 500000, Type: TypeIncome, Category: "Salário", AccountName: "Nubank",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := balance(t, s, owner, "Nubank"); got != 500000 {
		t.Fatalf("after income: balance=%d want 500000", got)
	}

	_, err = s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 5000, Type: TypeExpense, Category: "Alimentação", AccountName: "Nubank",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := balance(t, s, owner, "Nubank"); got != 495000 {
		t.Fatalf("after expense: balance=%d want 495000", got)
	}

	if _, err := s.CreateAccount(ctx, owner, "Carteira", KindCash, 0, nil); err != nil {
		t.Fatal(err)
	}
	_, err = s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 10000, Type: TypeTransfer, AccountName: "Nubank", DestinationName: "Carteira",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := balance(t, s, owner, "Nubank"); got != 485000 {
		t.Fatalf("after transfer: source=%d want 485000", got)
	}
	if got := balance(t, s, owner, "Carteira"); got != 10000 {
		t.Fatalf("after transfer: destination=%d want 10000", got)
	}
}

func TestRegisterCreatesWalletWhenNothingResolves(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	tx, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 2500, Type: TypeExpense, Category: "Transporte",
	})
	if err != nil {
		t.Fatal(err)
	}
	accounts, _ := s.ListAccounts(ctx, owner)
	if len(accounts) != 1 || accounts[0].Name != DefaultWalletName || accounts[0].Kind != KindCash {
		t.Fatalf("expected implicit wallet, got %+v", accounts)
	}
	if tx.AccountID != accounts[0].ID {
		t.Fatalf("transaction not attached to wallet")
	}
	if accounts[0].CurrentCents != -2500 {
		t.Fatalf("wallet balance=%d want -2500", accounts[0].CurrentCents)
	}
}

func TestInstallmentExpense(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	start := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	first, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 10000, Type: TypeExpense, Category: "Eletrônicos",
		Description: "Fone", Installments: 3, Date: start,
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Installment != 1 || first.Installments != 3 || first.GroupID == "" {
		t.Fatalf("unexpected representative record: %+v", first)
	}
	if !strings.HasSuffix(first.Description, "(1/3)") {
		t.Fatalf("description %q missing installment suffix", first.Description)
	}

	txs, total, err := s.ListTransactions(ctx, owner, Filter{}, Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("expected 3 installments, got %d", total)
	}
	var sum int64
	for _, tx := range txs {
		if tx.GroupID != first.GroupID {
			t.Fatalf("installment %d not in group", tx.Installment)
		}
		sum += tx.AmountCents
	}
	if sum != 10000 {
		t.Fatalf("installment amounts sum to %d, want 10000", sum)
	}
	// Balance reflects the whole plan immediately.
	if got := balance(t, s, owner, DefaultWalletName); got != -10000 {
		t.Fatalf("wallet balance=%d want -10000", got)
	}
}

func TestDeleteInstallmentRestoresOnlyItsAmount(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	start := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 10000, Type: TypeExpense, Installments: 3, Date: start,
	})
	if err != nil {
		t.Fatal(err)
	}
	txs, _, _ := s.ListTransactions(ctx, owner, Filter{}, Page{Limit: 10})
	var last Transaction
	for _, tx := range txs {
		if tx.Installment == 3 {
			last = tx
		}
	}
	if err := s.DeleteTransactions(ctx, owner, []string{last.ID}); err != nil {
		t.Fatal(err)
	}
	if got := balance(t, s, owner, DefaultWalletName); got != -6666 {
		t.Fatalf("wallet balance=%d want -6666", got)
	}
	remaining, total, _ := s.ListTransactions(ctx, owner, Filter{}, Page{Limit: 10})
	if total != 2 {
		t.Fatalf("expected 2 remaining installments, got %d", total)
	}
	for _, tx := range remaining {
		if tx.Installment == 3 {
			t.Fatalf("deleted installment still listed")
		}
	}
}

func TestInstallmentsRejectedForIncomeAndTransfer(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	for _, typ := range []TransactionType{TypeIncome, TypeTransfer} {
		_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
			AmountCents: 1000, Type: typ, Installments: 2,
		})
		if err != ErrInstallmentsExpense {
			t.Fatalf("type %s: expected ErrInstallmentsExpense, got %v", typ, err)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	if _, err := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 0, Type: TypeExpense}); err != ErrInvalidAmount {
		t.Fatalf("zero amount: got %v", err)
	}
	if _, err := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: -5, Type: TypeExpense}); err != ErrInvalidAmount {
		t.Fatalf("negative amount: got %v", err)
	}
	if _, err := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 100, Type: "REFUND"}); err != ErrInvalidType {
		t.Fatalf("bad type: got %v", err)
	}
	if _, err := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 100, Type: TypeExpense, Installments: -1}); err != ErrInvalidInstallments {
		t.Fatalf("negative installments: got %v", err)
	}
}

func TestTransferWithUnresolvedDestination(t *testing.T) {
	var gotOwner, gotRef string
	s := NewInMemory(Options{OnPartialResolution: func(o, ref string) {
		gotOwner, gotRef = o, ref
	}})
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, owner, "Nubank", KindChecking, 50000, nil); err != nil {
		t.Fatal(err)
	}
	tx, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 10000, Type: TypeTransfer, AccountName: "Nubank", DestinationName: "Inexistente",
	})
	if err != nil {
		t.Fatal(err)
	}
	if tx.DestinationID != "" {
		t.Fatalf("destination should be unresolved")
	}
	if gotOwner != owner || gotRef != "Inexistente" {
		t.Fatalf("partial resolution hook not observed: %q %q", gotOwner, gotRef)
	}
	// Only the source leg posts.
	if got := balance(t, s, owner, "Nubank"); got != 40000 {
		t.Fatalf("source balance=%d want 40000", got)
	}
}

func TestCreateAccountRejectsDuplicateAndBadInput(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, owner, "Nubank Roxinho", KindChecking, 0, nil); err != nil {
		t.Fatal(err)
	}
	// Fuzzy containment triggers the conflict, matching resolution behavior.
	if _, err := s.CreateAccount(ctx, owner, "Nubank", KindChecking, 0, nil); err != ErrDuplicateName {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if _, err := s.CreateAccount(ctx, owner, "Conta", "SAVINGS", 0, nil); err != ErrInvalidKind {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if _, err := s.CreateAccount(ctx, owner, "Cartão", KindCredit, 0, &CreditTerms{LimitCents: 100000, DueDay: 32, ClosingDay: 1}); err != ErrInvalidDayOfMonth {
		t.Fatalf("expected ErrInvalidDayOfMonth, got %v", err)
	}
	// Same name under a different owner is fine.
	if _, err := s.CreateAccount(ctx, "+5511888880000", "Nubank Roxinho", KindChecking, 0, nil); err != nil {
		t.Fatalf("other owner rejected: %v", err)
	}
}

func TestFuzzyResolutionPrefersOldestAccount(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	first, _ := s.CreateAccount(ctx, owner, "Banco Inter", KindChecking, 0, nil)
	if _, err := s.CreateAccount(ctx, owner, "Inter Black", KindCredit, 0, &CreditTerms{LimitCents: 500000, DueDay: 10, ClosingDay: 3}); err != nil {
		t.Fatal(err)
	}
	acc, err := s.ResolveAccountOrDefault(ctx, owner, "inter")
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != first.ID {
		t.Fatalf("resolved %q, want oldest match %q", acc.Name, first.Name)
	}
}

func TestUpdateTransactionRebalances(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	tx, err := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 5000, Type: TypeExpense})
	if err != nil {
		t.Fatal(err)
	}
	newAmount := int64(7500)
	cleared := true
	if err := s.UpdateTransaction(ctx, owner, tx.ID, UpdateFields{AmountCents: &newAmount, Cleared: &cleared}); err != nil {
		t.Fatal(err)
	}
	if got := balance(t, s, owner, DefaultWalletName); got != -7500 {
		t.Fatalf("balance=%d want -7500", got)
	}

	if err := s.UpdateTransaction(ctx, owner, "missing", UpdateFields{Cleared: &cleared}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateTransaction(ctx, owner, tx.ID, UpdateFields{}); err != ErrEmptyUpdate {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
	// Another owner can never touch the row.
	if err := s.UpdateTransaction(ctx, "+5511888880000", tx.ID, UpdateFields{Cleared: &cleared}); err != ErrNotFound {
		t.Fatalf("cross-owner update: expected ErrNotFound, got %v", err)
	}
}

func TestBulkUpdateSkipsForeignRows(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	a, _ := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 100, Type: TypeExpense})
	b, _ := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 200, Type: TypeExpense})
	other, _ := s.RegisterTransaction(ctx, "+5511888880000", RegisterRequest{AmountCents: 300, Type: TypeExpense})

	category := "Assinaturas"
	count, err := s.BulkUpdateTransactions(ctx, owner, []string{a.ID, b.ID, other.ID}, BulkUpdateFields{Category: &category})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count=%d want 2", count)
	}
	txs, _, _ := s.ListTransactions(ctx, "+5511888880000", Filter{}, Page{Limit: 10})
	if txs[0].Category == category {
		t.Fatalf("bulk update leaked across owners")
	}
}

func TestDeleteUnknownIsNotFound(t *testing.T) {
	s := NewInMemory(Options{})
	if err := s.DeleteTransactions(context.Background(), owner, []string{"nope"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransactionsFiltersAndPaginates(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	base := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
			AmountCents: int64(1000 * (i + 1)),
			Type:        TypeExpense,
			Category:    "Mercado",
			Description: "Compra semanal",
			Date:        base.AddDate(0, 0, i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 9000, Type: TypeIncome, Category: "Salário", Date: base,
	})
	if err != nil {
		t.Fatal(err)
	}

	items, total, err := s.ListTransactions(ctx, owner, Filter{
		Category: "Mercado",
		MinCents: 2000, HasMin: true,
		MaxCents: 4000, HasMax: true,
	}, Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("total=%d want 3", total)
	}
	if len(items) != 2 {
		t.Fatalf("page size=%d want 2", len(items))
	}
	if items[0].Date.Before(items[1].Date) {
		t.Fatalf("expected newest first")
	}

	items, total, err = s.ListTransactions(ctx, owner, Filter{Description: "SEMANAL", Type: TypeExpense}, Page{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(items) != 5 {
		t.Fatalf("description filter: total=%d len=%d", total, len(items))
	}
}

func TestIdempotentRead(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 100, Type: TypeExpense})
	if err != nil {
		t.Fatal(err)
	}

	a1, _ := s.ListAccounts(ctx, owner)
	a2, _ := s.ListAccounts(ctx, owner)
	if len(a1) != len(a2) || a1[0].CurrentCents != a2[0].CurrentCents {
		t.Fatalf("ListAccounts not stable: %+v vs %+v", a1, a2)
	}
	t1, n1, _ := s.ListTransactions(ctx, owner, Filter{}, Page{Limit: 10})
	t2, n2, _ := s.ListTransactions(ctx, owner, Filter{}, Page{Limit: 10})
	if n1 != n2 || len(t1) != len(t2) || t1[0].ID != t2[0].ID {
		t.Fatalf("ListTransactions not stable")
	}
}

func TestConcurrentExpensesConserveBalance(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	if _, err := s.CreateAccount(ctx, owner, "Nubank", KindChecking, 100000, nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RegisterTransaction(ctx, owner, RegisterRequest{
				AmountCents: 100, Type: TypeExpense, AccountName: "Nubank",
			})
		}()
	}
	wg.Wait()

	if got := balance(t, s, owner, "Nubank"); got != 100000-int64(N)*100 {
		t.Fatalf("balance=%d want %d", got, 100000-int64(N)*100)
	}
}

func TestBalanceInvariantAfterMixedHistory(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, owner, "Nubank", KindChecking, 12345, nil); err != nil {
		t.Fatal(err)
	}
	income, _ := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 50000, Type: TypeIncome, AccountName: "Nubank"})
	_, _ = s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 7000, Type: TypeExpense, AccountName: "Nubank"})
	expense, _ := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 3000, Type: TypeExpense, AccountName: "Nubank"})

	newAmount := int64(4000)
	if err := s.UpdateTransaction(ctx, owner, expense.ID, UpdateFields{AmountCents: &newAmount}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTransactions(ctx, owner, []string{income.ID}); err != nil {
		t.Fatal(err)
	}

	// initial + Σ signed effects of surviving rows: 12345 - 7000 - 4000
	if got := balance(t, s, owner, "Nubank"); got != 1345 {
		t.Fatalf("balance=%d want 1345", got)
	}
}

func TestMonthlyAggregates(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	start := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 10000, Type: TypeExpense, Installments: 3, Date: start,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 500, Type: TypeExpense, Date: start.AddDate(0, 1, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	totals, err := s.MonthlyAggregates(ctx, owner, start)
	if err != nil {
		t.Fatal(err)
	}
	want := []MonthlyTotal{
		{Month: "2024-01", TotalCents: 3333},
		{Month: "2024-02", TotalCents: 3833},
		{Month: "2024-03", TotalCents: 3334},
	}
	if len(totals) != len(want) {
		t.Fatalf("got %d buckets, want %d", len(totals), len(want))
	}
	for i, w := range want {
		if totals[i] != w {
			t.Errorf("bucket %d: got %+v want %+v", i, totals[i], w)
		}
	}
}

func TestListRecentOrdersByCreation(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()

	old := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	_, _ = s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 100, Type: TypeExpense, Date: old})
	time.Sleep(2 * time.Millisecond)
	newest, _ := s.RegisterTransaction(ctx, owner, RegisterRequest{AmountCents: 200, Type: TypeExpense, Date: old.AddDate(-1, 0, 0)})

	recent, err := s.ListRecent(ctx, owner, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != newest.ID {
		t.Fatalf("expected newest-created first, got %+v", recent)
	}
}

func TestWriteCSV(t *testing.T) {
	s := NewInMemory(Options{})
	ctx := context.Background()
	_, err := s.RegisterTransaction(ctx, owner, RegisterRequest{
		AmountCents: 4990, Type: TypeExpense, Category: "Mercado", Description: "Feira",
		Date: time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	txs, _, _ := s.ListTransactions(ctx, owner, Filter{}, Page{Limit: 10})

	var buf bytes.Buffer
	if err := WriteCSV(&buf, txs); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,date,type,amount") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "49.90") {
		t.Fatalf("amount not formatted: %s", lines[1])
	}
}

func TestParseAndFormatAmount(t *testing.T) {
	cases := map[string]int64{
		"50":     5000,
		"49.90":  4990,
		"0.01":   1,
		"100.00": 10000,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAmount(%q)=%d want %d", in, got, want)
		}
	}
	if _, err := ParseAmount("1.999"); err == nil {
		t.Fatal("sub-cent precision should be rejected")
	}
	if _, err := ParseAmount("abc"); err == nil {
		t.Fatal("garbage should be rejected")
	}
	if got := FormatAmount(4990); got != "49.90" {
		t.Fatalf("FormatAmount=%q", got)
	}
}
