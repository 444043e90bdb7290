package main

import (
	"context"
	"log"
	"time"

	"contaflow.app/internal/ledger"
)

// Exercises the core ledger flows against the in-memory service and fails
// loudly when any balance drifts.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := ledger.NewInMemory(ledger.Options{})
	owner := "+5511999990000"

	// Income of 5000.00 into a fresh wallet.
	_, err := svc.RegisterTransaction(ctx, owner, ledger.RegisterRequest{
		AmountCents: 500_000,
		Type:        ledger.TypeIncome,
		Category:    "salario",
	})
	if err != nil {
		log.Fatalf("income: %v", err)
	}

	// Expense of 50.00.
	_, err = svc.RegisterTransaction(ctx, owner, ledger.RegisterRequest{
		AmountCents: 5_000,
		Type:        ledger.TypeExpense,
		Category:    "mercado",
	})
	if err != nil {
		log.Fatalf("expense: %v", err)
	}
	expectBalance(ctx, svc, owner, ledger.DefaultWalletName, 495_000)

	// Transfer 100.00 into a savings account.
	savings, err := svc.CreateAccount(ctx, owner, "Poupanca", ledger.KindInvestment, 0, nil)
	if err != nil {
		log.Fatalf("create savings: %v", err)
	}
	_, err = svc.RegisterTransaction(ctx, owner, ledger.RegisterRequest{
		AmountCents:   10_000,
		Type:          ledger.TypeTransfer,
		AccountName:   ledger.DefaultWalletName,
		DestinationID: savings.ID,
	})
	if err != nil {
		log.Fatalf("transfer: %v", err)
	}
	expectBalance(ctx, svc, owner, ledger.DefaultWalletName, 485_000)
	expectBalance(ctx, svc, owner, "Poupanca", 10_000)

	// Installment purchase of 100.00 in 3x.
	first, err := svc.RegisterTransaction(ctx, owner, ledger.RegisterRequest{
		AmountCents:  10_000,
		Type:         ledger.TypeExpense,
		Category:     "eletronicos",
		Description:  "fone",
		Installments: 3,
	})
	if err != nil {
		log.Fatalf("installments: %v", err)
	}
	if first.Installments != 3 || first.GroupID == "" {
		log.Fatalf("installment metadata missing: %+v", first)
	}
	legs, _, err := svc.ListTransactions(ctx, owner, ledger.Filter{Category: "eletronicos"}, ledger.Page{Limit: 10})
	if err != nil {
		log.Fatalf("list installments: %v", err)
	}
	var sum int64
	for _, leg := range legs {
		sum += leg.AmountCents
	}
	if len(legs) != 3 || sum != 10_000 {
		log.Fatalf("installment split wrong: %d legs, %d cents", len(legs), sum)
	}
	expectBalance(ctx, svc, owner, ledger.DefaultWalletName, 475_000)

	// Conservation over all accounts.
	accounts, err := svc.ListAccounts(ctx, owner)
	if err != nil {
		log.Fatalf("list accounts: %v", err)
	}
	var total int64
	for _, acc := range accounts {
		total += acc.CurrentCents
	}
	if total != 485_000 {
		log.Fatalf("conservation failed: total %d", total)
	}

	log.Println("smoke-ledger OK")
}

func expectBalance(ctx context.Context, svc ledger.Service, owner, name string, want int64) {
	acc, err := svc.ResolveAccountOrDefault(ctx, owner, name)
	if err != nil {
		log.Fatalf("resolve %s: %v", name, err)
	}
	if acc.CurrentCents != want {
		log.Fatalf("%s balance = %d, want %d", name, acc.CurrentCents, want)
	}
}
