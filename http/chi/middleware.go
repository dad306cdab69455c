// Package chi provides Chi-compatible middleware for payment gating.
// Chi middleware uses the stdlib http.Handler signature, so this package is
// a thin wrapper over the http package with an OPTIONS bypass for CORS
// preflight support.
package chi

import (
	"net/http"

	paygatehttp "github.com/paygate-labs/paygate-go/http"
)

// NewChiMiddleware creates a payment-gating middleware for Chi.
//
// OPTIONS requests bypass payment gating so CORS preflight succeeds. All
// other requests go through the http package middleware: the X-PAYMENT
// header is verified, rejections get a 402 body with the route's accepts
// list, and the grant is stored in the request context under
// paygatehttp.GrantContextKey.
//
// Example usage:
//
//	gw, _ := gateway.New(acceptances)
//	r := chi.NewRouter()
//	r.Use(NewChiMiddleware(gw))
//	r.Post("/api", func(w http.ResponseWriter, r *http.Request) {
//	    grant, _ := paygatehttp.GrantFromContext(r.Context())
//	    w.Write([]byte("payer: " + grant.Payer.Hex()))
//	})
func NewChiMiddleware(auth paygatehttp.Authorizer) func(http.Handler) http.Handler {
	inner := paygatehttp.NewMiddleware(auth)
	return func(next http.Handler) http.Handler {
		gated := inner(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			gated.ServeHTTP(w, r)
		})
	}
}
