package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"contaflow.app/internal/audit"
	"contaflow.app/internal/ledger"
	"contaflow.app/internal/obs"
	"contaflow.app/internal/stream"
)

const dateLayout = "2006-01-02"

type createAccountRequest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	InitialAmount string `json:"initial_amount"`
	Credit        *struct {
		LimitAmount string `json:"limit_amount"`
		DueDay      int    `json:"due_day"`
		ClosingDay  int    `json:"closing_day"`
	} `json:"credit"`
}

type registerTransactionRequest struct {
	Amount       string `json:"amount"`
	Type         string `json:"type"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	AccountID    string `json:"account_id"`
	Account      string `json:"account"`
	DestID       string `json:"destination_account_id"`
	Destination  string `json:"destination_account"`
	Installments int    `json:"installments"`
	Date         string `json:"date"`
	RawMessage   string `json:"raw_message"`
}

type updateTransactionRequest struct {
	Category    *string `json:"category"`
	Description *string `json:"description"`
	Amount      *string `json:"amount"`
	Date        *string `json:"date"`
	Cleared     *bool   `json:"is_cleared"`
}

type bulkUpdateRequest struct {
	IDs         []string `json:"ids"`
	Category    *string  `json:"category"`
	Description *string  `json:"description"`
	Cleared     *bool    `json:"is_cleared"`
}

type deleteTransactionsRequest struct {
	IDs []string `json:"ids"`
}

type accountView struct {
	ledger.Account
	InitialAmount string `json:"initial_amount"`
	CurrentAmount string `json:"current_amount"`
}

type transactionView struct {
	ledger.Transaction
	Amount string `json:"amount"`
}

type registerTransactionResponse struct {
	transactionView
	Warnings []string `json:"warnings,omitempty"`
}

type listTransactionsResponse struct {
	Items []transactionView `json:"items"`
	Total int               `json:"total"`
	AsOf  time.Time         `json:"as_of"`
}

func viewAccount(acc ledger.Account) accountView {
	return accountView{
		Account:       acc,
		InitialAmount: ledger.FormatAmount(acc.InitialCents),
		CurrentAmount: ledger.FormatAmount(acc.CurrentCents),
	}
}

func viewTransaction(t ledger.Transaction) transactionView {
	return transactionView{
		Transaction: t,
		Amount:      ledger.FormatAmount(t.AmountCents),
	}
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	case http.MethodGet:
		a.listAccounts(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleTransactionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerTransaction(w, r)
	case http.MethodGet:
		a.listTransactions(w, r)
	case http.MethodDelete:
		a.deleteTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodPatch:
		a.updateTransaction(w, r, id)
	case http.MethodDelete:
		a.deleteTransaction(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if len(name) > 120 {
		writeError(w, r, http.StatusBadRequest, "name too long")
		return
	}

	var initial int64
	if strings.TrimSpace(req.InitialAmount) != "" {
		v, err := ledger.ParseAmount(req.InitialAmount)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "initial_amount: "+err.Error())
			return
		}
		initial = v
	}

	var credit *ledger.CreditTerms
	if req.Credit != nil {
		limit, err := ledger.ParseAmount(req.Credit.LimitAmount)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "credit.limit_amount: "+err.Error())
			return
		}
		credit = &ledger.CreditTerms{
			LimitCents: limit,
			DueDay:     req.Credit.DueDay,
			ClosingDay: req.Credit.ClosingDay,
		}
	}

	kind := ledger.AccountKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	acc, err := a.svc.CreateAccount(r.Context(), owner, name, kind, initial, credit)
	obs.ObserveLedgerOp("account.create", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.account.create", map[string]any{
		"account_id": acc.ID,
		"kind":       string(acc.Kind),
	})
	a.publish(stream.Event{
		Owner:     owner,
		Kind:      stream.KindAccountCreated,
		AccountID: acc.ID,
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, viewAccount(acc))
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	accounts, err := a.svc.ListAccounts(r.Context(), owner)
	obs.ObserveLedgerOp("account.list", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	var totalCents int64
	for _, acc := range accounts {
		views = append(views, viewAccount(acc))
		totalCents += acc.CurrentCents
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         views,
		"total_balance": ledger.FormatAmount(totalCents),
	})
}

func (a *API) registerTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req registerTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cents, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "amount: "+err.Error())
		return
	}

	var date time.Time
	if strings.TrimSpace(req.Date) != "" {
		date, err = parseDate(req.Date)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "date: "+err.Error())
			return
		}
	}

	reg := ledger.RegisterRequest{
		AmountCents:     cents,
		Type:            ledger.TransactionType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Category:        strings.TrimSpace(req.Category),
		Description:     strings.TrimSpace(req.Description),
		AccountID:       strings.TrimSpace(req.AccountID),
		AccountName:     strings.TrimSpace(req.Account),
		DestinationID:   strings.TrimSpace(req.DestID),
		DestinationName: strings.TrimSpace(req.Destination),
		Installments:    req.Installments,
		Date:            date,
		RawMessage:      req.RawMessage,
	}

	tx, err := a.svc.RegisterTransaction(r.Context(), owner, reg)
	obs.ObserveLedgerOp("transaction.register", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	resp := registerTransactionResponse{transactionView: viewTransaction(tx)}
	if tx.Type == ledger.TypeTransfer && tx.DestinationID == "" &&
		(reg.DestinationID != "" || reg.DestinationName != "") {
		resp.Warnings = append(resp.Warnings, "destination account not found; only the source leg was recorded")
	}

	a.audit(r.Context(), "ledger.transaction.register", map[string]any{
		"transaction_id": tx.ID,
		"type":           string(tx.Type),
		"amount_cents":   strconv.FormatInt(tx.AmountCents, 10),
		"installments":   strconv.Itoa(tx.Installments),
	})
	a.publish(stream.Event{
		Owner:         owner,
		Kind:          stream.KindTransactionRegistered,
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Type:          string(tx.Type),
		AmountCents:   tx.AmountCents,
	})

	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := a.svc.ListTransactions(r.Context(), owner, filter, page)
	obs.ObserveLedgerOp("transaction.list", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	views := make([]transactionView, 0, len(items))
	for _, t := range items {
		views = append(views, viewTransaction(t))
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items: views,
		Total: total,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handleRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.ListRecent(r.Context(), owner, limit)
	obs.ObserveLedgerOp("transaction.recent", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	views := make([]transactionView, 0, len(items))
	for _, t := range items {
		views = append(views, viewTransaction(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) updateTransaction(w http.ResponseWriter, r *http.Request, id string) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req updateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fields := ledger.UpdateFields{
		Category:    req.Category,
		Description: req.Description,
		Cleared:     req.Cleared,
	}
	if req.Amount != nil {
		cents, err := ledger.ParseAmount(*req.Amount)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "amount: "+err.Error())
			return
		}
		fields.AmountCents = &cents
	}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "date: "+err.Error())
			return
		}
		fields.Date = &date
	}

	err := a.svc.UpdateTransaction(r.Context(), owner, id, fields)
	obs.ObserveLedgerOp("transaction.update", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.transaction.update", map[string]any{
		"transaction_id": id,
	})
	a.publish(stream.Event{
		Owner:         owner,
		Kind:          stream.KindTransactionUpdated,
		TransactionID: id,
	})

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req bulkUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "ids is required")
		return
	}

	updated, err := a.svc.BulkUpdateTransactions(r.Context(), owner, req.IDs, ledger.BulkUpdateFields{
		Category:    req.Category,
		Description: req.Description,
		Cleared:     req.Cleared,
	})
	obs.ObserveLedgerOp("transaction.bulk_update", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.transaction.bulk_update", map[string]any{
		"requested": strconv.Itoa(len(req.IDs)),
		"updated":   strconv.Itoa(updated),
	})

	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (a *API) deleteTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var req deleteTransactionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "ids is required")
		return
	}
	a.deleteByIDs(w, r, owner, req.IDs)
}

func (a *API) deleteTransaction(w http.ResponseWriter, r *http.Request, id string) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	a.deleteByIDs(w, r, owner, []string{id})
}

func (a *API) deleteByIDs(w http.ResponseWriter, r *http.Request, owner string, ids []string) {
	err := a.svc.DeleteTransactions(r.Context(), owner, ids)
	obs.ObserveLedgerOp("transaction.delete", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.transaction.delete", map[string]any{
		"count": strconv.Itoa(len(ids)),
	})
	for _, id := range ids {
		a.publish(stream.Event{
			Owner:         owner,
			Kind:          stream.KindTransactionDeleted,
			TransactionID: id,
		})
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var all []ledger.Transaction
	for offset := 0; ; {
		items, total, err := a.svc.ListTransactions(r.Context(), owner, filter, ledger.Page{Offset: offset, Limit: 500})
		if err != nil {
			obs.ObserveLedgerOp("transaction.export", err)
			handleLedgerError(w, r, err)
			return
		}
		all = append(all, items...)
		offset += len(items)
		if offset >= total || len(items) == 0 {
			break
		}
	}
	obs.ObserveLedgerOp("transaction.export", nil)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	if err := ledger.WriteCSV(w, all); err != nil {
		obs.Warn("csv export write failed", map[string]any{"error": err.Error()})
	}
}

func (a *API) handleMonthlyReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}

	from := time.Now().UTC().AddDate(0, -6, 0)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		month, err := time.Parse("2006-01", raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be YYYY-MM")
			return
		}
		from = month
	}

	totals, err := a.svc.MonthlyAggregates(r.Context(), owner, from)
	obs.ObserveLedgerOp("report.monthly", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": totals})
}

// StreamEvents serves the owner's live activity feed over Server-Sent Events.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if a.feed == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := a.feed.Subscribe(r.Context(), owner)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func (a *API) publish(evt stream.Event) {
	if a.feed != nil {
		a.feed.Publish(evt)
	}
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Warn("audit log failed", map[string]any{"event": event, "error": err.Error()})
	}
}

// --- parsing helpers ---

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	var f ledger.Filter
	var err error

	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		if f.From, err = parseDate(raw); err != nil {
			return f, errors.New("from: " + err.Error())
		}
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		if f.To, err = parseDate(raw); err != nil {
			return f, errors.New("to: " + err.Error())
		}
	}
	f.Category = strings.TrimSpace(q.Get("category"))
	f.Description = strings.TrimSpace(q.Get("q"))
	if raw := strings.TrimSpace(q.Get("min_amount")); raw != "" {
		cents, err := ledger.ParseAmount(raw)
		if err != nil {
			return f, errors.New("min_amount: " + err.Error())
		}
		f.MinCents, f.HasMin = cents, true
	}
	if raw := strings.TrimSpace(q.Get("max_amount")); raw != "" {
		cents, err := ledger.ParseAmount(raw)
		if err != nil {
			return f, errors.New("max_amount: " + err.Error())
		}
		f.MaxCents, f.HasMax = cents, true
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		t := ledger.TransactionType(strings.ToUpper(raw))
		if !ledger.ValidType(t) {
			return f, errors.New("type must be INCOME, EXPENSE or TRANSFER")
		}
		f.Type = t
	}
	return f, nil
}

func parsePage(r *http.Request) (ledger.Page, error) {
	q := r.URL.Query()
	var p ledger.Page
	var err error
	if p.Limit, err = parsePositiveInt(q.Get("limit"), 20, 1, 500); err != nil {
		return p, err
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return p, errors.New("offset must be a non-negative integer")
		}
		p.Offset = v
	}
	return p, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, ledger.ErrInvalidInstallments),
		errors.Is(err, ledger.ErrInstallmentsExpense),
		errors.Is(err, ledger.ErrInvalidDayOfMonth),
		errors.Is(err, ledger.ErrEmptyUpdate):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrDuplicateName):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
