// Package pocketbase provides PocketBase-compatible middleware for payment
// gating. PocketBase routes are gated by binding the middleware to a route
// or route group via BindFunc.
package pocketbase

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	paygatehttp "github.com/paygate-labs/paygate-go/http"
)

// GrantEventKey is the RequestEvent store key under which the middleware
// stores the verified payment grant.
const GrantEventKey = "paygate_grant"

// NewPocketBaseMiddleware creates a payment-gating middleware for
// PocketBase routes.
//
// Example usage:
//
//	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
//	    middleware := NewPocketBaseMiddleware(gw)
//	    se.Router.GET("/api/premium", handler).BindFunc(middleware)
//	    return se.Next()
//	})
//
// Handlers read the grant from the event store:
//
//	grant := e.Get(GrantEventKey).(*gateway.Grant)
func NewPocketBaseMiddleware(auth paygatehttp.Authorizer) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		logger := slog.Default()
		path := e.Request.URL.Path

		body, err := readBody(e.Request)
		if err != nil {
			logger.Warn("failed to read request body", "path", path, "error", err)
			return e.BadRequestError("failed to read request body", err)
		}

		grant, err := auth.Authorize(e.Request.Context(), path, e.Request.Header.Get("X-PAYMENT"), body)
		if err != nil {
			logger.Info("payment rejected", "path", path, "error", err)
			return e.JSON(http.StatusPaymentRequired, auth.PaymentRequired(path, resourceURL(e.Request), err))
		}

		logger.Info("payment verified", "path", path, "scheme", grant.Scheme, "payer", grant.Payer.Hex())

		for k, v := range grant.ResponseHeaders {
			e.Response.Header().Set(k, v)
		}

		e.Set(GrantEventKey, grant)

		// Also store in stdlib context for compatibility with http package helpers.
		ctx := context.WithValue(e.Request.Context(), paygatehttp.GrantContextKey, grant)
		e.Request = e.Request.WithContext(ctx)

		return e.Next()
	}
}

// readBody drains the request body and replaces it so downstream handlers
// can read it again.
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
