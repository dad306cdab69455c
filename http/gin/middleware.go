// Package gin provides Gin-compatible middleware for payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http
// patterns and delegates all verification logic to the gateway.
package gin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	paygatehttp "github.com/paygate-labs/paygate-go/http"
)

// GinGrantKey is the gin.Context key under which the middleware stores the
// verified payment grant.
const GinGrantKey = "paygate_grant"

// NewGinMiddleware creates a payment-gating middleware for Gin.
//
// The middleware:
//   - Reads the X-PAYMENT header and the request body
//   - Returns 402 Payment Required with the route's accepts list on rejection
//   - Restores the request body so downstream handlers can read it
//   - Stores the grant in Gin context via c.Set(GinGrantKey, grant) and in the
//     request context via paygatehttp.GrantContextKey
//   - Calls c.Abort() on rejection and c.Next() on success
//
// Example usage:
//
//	gw, _ := gateway.New(acceptances)
//	r := gin.Default()
//	r.Use(NewGinMiddleware(gw))
//	r.POST("/api", func(c *gin.Context) {
//	    grant := c.MustGet(GinGrantKey).(*gateway.Grant)
//	    c.JSON(200, gin.H{"payer": grant.Payer.Hex()})
//	})
func NewGinMiddleware(auth paygatehttp.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := slog.Default()
		path := c.Request.URL.Path

		body, err := readBody(c.Request)
		if err != nil {
			logger.Warn("failed to read request body", "path", path, "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		grant, err := auth.Authorize(c.Request.Context(), path, c.GetHeader("X-PAYMENT"), body)
		if err != nil {
			logger.Info("payment rejected", "path", path, "error", err)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, auth.PaymentRequired(path, resourceURL(c.Request), err))
			return
		}

		logger.Info("payment verified", "path", path, "scheme", grant.Scheme, "payer", grant.Payer.Hex())

		for k, v := range grant.ResponseHeaders {
			c.Writer.Header().Set(k, v)
		}

		c.Set(GinGrantKey, grant)

		// Also store in stdlib context for compatibility with http package helpers.
		ctx := context.WithValue(c.Request.Context(), paygatehttp.GrantContextKey, grant)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
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
