// Package http provides HTTP middleware that gates routes behind the
// payment gateway. Requests carry an X-PAYMENT header; rejected requests
// get a 402 Payment Required body listing the route's accepted schemes.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/gateway"
)

// Authorizer is the gateway surface the middleware needs. *gateway.Gateway
// satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, route, paymentHeader string, body []byte) (*gateway.Grant, error)
	PaymentRequired(route, resource string, cause error) paygate.PaymentRequiredResponse
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// GrantContextKey is the context key under which the middleware stores the
// verified payment grant.
const GrantContextKey = contextKey("paygate_grant")

// GrantFromContext returns the grant stored by the middleware.
func GrantFromContext(ctx context.Context) (*gateway.Grant, bool) {
	grant, ok := ctx.Value(GrantContextKey).(*gateway.Grant)
	return grant, ok
}

// NewMiddleware wraps handlers with payment gating. The request body is
// read for channel digest binding and restored before the downstream
// handler runs.
func NewMiddleware(auth Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := slog.Default()

			body, err := readBody(r)
			if err != nil {
				logger.Warn("failed to read request body", "path", r.URL.Path, "error", err)
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}

			grant, err := auth.Authorize(r.Context(), r.URL.Path, r.Header.Get("X-PAYMENT"), body)
			if err != nil {
				logger.Info("payment rejected", "path", r.URL.Path, "error", err)
				SendPaymentRequired(w, auth.PaymentRequired(r.URL.Path, resourceURL(r), err))
				return
			}

			logger.Info("payment verified",
				"path", r.URL.Path,
				"scheme", grant.Scheme,
				"payer", grant.Payer.Hex())

			for k, v := range grant.ResponseHeaders {
				w.Header().Set(k, v)
			}

			ctx := context.WithValue(r.Context(), GrantContextKey, grant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SendPaymentRequired writes the 402 response body.
func SendPaymentRequired(w http.ResponseWriter, resp paygate.PaymentRequiredResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Default().Warn("failed to encode 402 body", "error", err)
	}
}

// readBody drains the request body and replaces it so the downstream
// handler can read it again.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// resourceURL builds the absolute URL advertised in 402 bodies.
func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
