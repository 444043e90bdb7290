package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"contaflow.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// gatewaySecretHeader authenticates the messaging gateway to the token
	// endpoint; without it any caller could mint a token for any phone.
	gatewaySecretHeader = "X-Gateway-Secret"

	// ownerHeader identifies the caller when token auth is disabled. Meant
	// for local development and the messaging gateway sitting on a private
	// network.
	ownerHeader = "X-Owner-Phone"

	defaultTokenTTL = 24 * time.Hour
	maxTokenTTL     = 30 * 24 * time.Hour
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		owner, err := a.tokens.ParseOwner(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.ContextWithOwner(r.Context(), owner)))
	})
}

// owner resolves the acting owner for a request. With token auth enabled the
// owner always comes from the verified token; without it the gateway header
// is trusted.
func (a *API) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	if owner, ok := auth.OwnerFromContext(r.Context()); ok && owner != "" {
		return owner, true
	}
	if a.tokens == nil {
		if owner := strings.TrimSpace(r.Header.Get(ownerHeader)); owner != "" {
			return owner, true
		}
	}
	writeError(w, r, http.StatusUnauthorized, "owner identity required")
	return "", false
}

type tokenRequest struct {
	Phone      string `json:"phone"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// handleToken issues an owner token to the messaging gateway, which has
// already verified the sender's phone number. The gateway proves itself with
// a shared secret; the endpoint stays closed until one is configured.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token auth disabled")
		return
	}
	if a.GatewaySecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "token issuing disabled")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(gatewaySecretHeader)), []byte(a.GatewaySecret)) != 1 {
		writeError(w, r, http.StatusUnauthorized, "invalid gateway secret")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	phone := strings.TrimSpace(req.Phone)
	if phone == "" || !strings.HasPrefix(phone, "+") {
		writeError(w, r, http.StatusBadRequest, "phone must be in E.164 form")
		return
	}

	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl > maxTokenTTL {
			ttl = maxTokenTTL
		}
	}

	token, err := a.tokens.Generate(phone, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.audit(r.Context(), "auth.token.issue", map[string]any{"phone": phone})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": time.Now().UTC().Add(ttl).Format(time.RFC3339),
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
