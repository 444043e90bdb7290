package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"contaflow.app/internal/auth"
	"contaflow.app/internal/ledger"
	"contaflow.app/internal/obs"
	"contaflow.app/internal/stream"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the ledger service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	svc        ledger.Service
	tokens     *auth.Tokens
	feed       *stream.Feed
	version    string

	// RateBurst, RatePerSec and MaxBodyBytesN tune the outer middleware
	// chain; adjust them before the first Handler call.
	RateBurst     int
	RatePerSec    int
	MaxBodyBytesN int64

	// GatewaySecret authenticates the messaging gateway to the token
	// endpoint. Empty disables token issuing.
	GatewaySecret string
}

func New(svc ledger.Service, tokens *auth.Tokens, feed *stream.Feed, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		svc:        svc,
		tokens:     tokens,
		feed:       feed,
		version:    version,

		RateBurst:     40,
		RatePerSec:    20,
		MaxBodyBytesN: 1 << 20,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	a.mux.HandleFunc("/v1/accounts", a.handleAccountsCollection)
	a.mux.HandleFunc("/v1/transactions", a.handleTransactionsCollection)
	a.mux.HandleFunc("/v1/transactions/recent", a.handleRecent)
	a.mux.HandleFunc("/v1/transactions/bulk", a.handleBulkUpdate)
	a.mux.HandleFunc("/v1/transactions/export", a.handleExport)
	a.mux.HandleFunc("/v1/transactions/", a.handleTransactionResource)
	a.mux.HandleFunc("/v1/reports/monthly", a.handleMonthlyReport)
	a.mux.HandleFunc("/v1/events", a.StreamEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.MaxBodyBytesN)
	h = RateLimit(h, a.RateBurst, a.RatePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "contaflow-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "contaflow-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
