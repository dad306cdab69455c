// Package mcp gates MCP (Model Context Protocol) tool calls behind the
// payment gateway. Paid tools carry an x402 payment in the tool call's
// params._meta; rejected calls get a JSON-RPC error with code 402 whose
// data field holds the accepted payment schemes.
package mcp

import (
	"context"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/gateway"
)

// MetaKeyPayment is the key for payment data in MCP request params._meta.
const MetaKeyPayment = "x402/payment"

// ToolResourcePrefix is the resource URI prefix for MCP tools. A tool named
// "weather" is gated by an acceptance whose Route is "mcp://tools/weather".
const ToolResourcePrefix = "mcp://tools/"

// ToolRoute returns the gateway route for a tool name.
func ToolRoute(name string) string {
	return ToolResourcePrefix + name
}

// Authorizer is the gateway surface the MCP handler needs. *gateway.Gateway
// satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, route, paymentHeader string, body []byte) (*gateway.Grant, error)
	PaymentRequired(route, resource string, cause error) paygate.PaymentRequiredResponse
	Accepts(route string) bool
}
