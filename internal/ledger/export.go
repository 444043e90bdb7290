package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"id", "date", "type", "amount", "category", "description",
	"account_id", "destination_account_id",
	"installment_number", "installments_count", "group_id",
	"is_cleared", "created_at",
}

// WriteCSV renders transactions for the reporting sink. Field order follows
// csvHeader; amounts are two-decimal strings.
func WriteCSV(w io.Writer, txs []Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, tx := range txs {
		installment, count := "", ""
		if tx.GroupID != "" {
			installment = strconv.Itoa(tx.Installment)
			count = strconv.Itoa(tx.Installments)
		}
		record := []string{
			tx.ID,
			tx.Date.Format(time.RFC3339),
			string(tx.Type),
			FormatAmount(tx.AmountCents),
			tx.Category,
			tx.Description,
			tx.AccountID,
			tx.DestinationID,
			installment,
			count,
			tx.GroupID,
			strconv.FormatBool(tx.Cleared),
			tx.CreatedAt.Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %s: %w", tx.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
