package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/transactions/abc":        "/v1/transactions/:id",
		"/v1/transactions/recent":     "/v1/transactions/recent",
		"/v1/transactions/bulk":       "/v1/transactions/bulk",
		"/v1/transactions/export":     "/v1/transactions/export",
		"/v1/transactions?limit=10":   "/v1/transactions",
		"/v1/accounts":                "/v1/accounts",
		"/v1/reports/monthly":         "/v1/reports/monthly",
		"/v1/transactions/abc/extras": "/v1/transactions/abc/extras",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
