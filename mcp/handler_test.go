package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	paygate "github.com/paygate-labs/paygate-go"
	"github.com/paygate-labs/paygate-go/gateway"
)

type authStub struct {
	gated  map[string]bool
	grant  *gateway.Grant
	err    error
	route  string
	header string
	body   []byte
}

func (s *authStub) Authorize(ctx context.Context, route, paymentHeader string, body []byte) (*gateway.Grant, error) {
	s.route = route
	s.header = paymentHeader
	s.body = body
	if s.err != nil {
		return nil, s.err
	}
	return s.grant, nil
}

func (s *authStub) PaymentRequired(route, resource string, cause error) paygate.PaymentRequiredResponse {
	return paygate.PaymentRequiredResponse{
		X402Version: paygate.X402Version,
		Accepts: []paygate.PaymentRequirement{{
			Scheme:   paygate.SchemeOneTime,
			Network:  "base-sepolia",
			Amount:   "1000000",
			Resource: resource,
		}},
		Error: cause.Error(),
	}
}

func (s *authStub) Accepts(route string) bool { return s.gated[route] }

func passthrough(t *testing.T, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	})
}

func toolCall(name, payment string) string {
	meta := ""
	if payment != "" {
		meta = `,"_meta":{"x402/payment":` + payment + `}`
	}
	return `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + name + `","arguments":{"city":"Lisbon"}` + meta + `}}`
}

func TestHandlerPassesFreeToolsThrough(t *testing.T) {
	stub := &authStub{gated: map[string]bool{}}
	var called bool
	h := NewHandler(passthrough(t, &called), stub)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall("ping", "")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("free tool call did not reach the MCP handler")
	}
}

func TestHandlerPassesNonToolCallsThrough(t *testing.T) {
	stub := &authStub{gated: map[string]bool{ToolRoute("weather"): true}}
	var called bool
	h := NewHandler(passthrough(t, &called), stub)

	req := httptest.NewRequest(http.MethodPost, "/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("tools/list did not reach the MCP handler")
	}
}

func TestHandlerRejectsUnpaidToolCall(t *testing.T) {
	stub := &authStub{
		gated: map[string]bool{ToolRoute("weather"): true},
		err:   paygate.ErrMissingHeaders,
	}
	var called bool
	h := NewHandler(passthrough(t, &called), stub)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall("weather", "")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called {
		t.Error("unpaid gated tool call reached the MCP handler")
	}
	if stub.header != "" {
		t.Errorf("payment header = %q, want empty", stub.header)
	}

	var resp struct {
		Error struct {
			Code int             `json:"code"`
			Data json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rpc error: %v", err)
	}
	if resp.Error.Code != 402 {
		t.Errorf("error code = %d, want 402", resp.Error.Code)
	}

	var required paygate.PaymentRequiredResponse
	if err := json.Unmarshal(resp.Error.Data, &required); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if len(required.Accepts) != 1 || required.Accepts[0].Resource != ToolRoute("weather") {
		t.Errorf("accepts = %+v", required.Accepts)
	}
}

func TestHandlerAuthorizesPaidToolCall(t *testing.T) {
	stub := &authStub{
		gated: map[string]bool{ToolRoute("weather"): true},
		grant: &gateway.Grant{
			Scheme:          paygate.SchemeChannel,
			ResponseHeaders: map[string]string{"X-PAYMENT": `{"balance":"999000"}`},
		},
	}
	var called bool
	h := NewHandler(passthrough(t, &called), stub)

	payment := `{"x402Version":1,"network":"base-sepolia","scheme":"channel","payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall("weather", payment)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("paid tool call did not reach the MCP handler")
	}
	if stub.route != ToolRoute("weather") {
		t.Errorf("route = %q", stub.route)
	}
	if !strings.Contains(stub.header, `"channel"`) {
		t.Errorf("payment header = %q", stub.header)
	}
	if !strings.Contains(string(stub.body), "Lisbon") {
		t.Errorf("body passed to Authorize = %q", stub.body)
	}
	if rec.Header().Get("X-PAYMENT") != `{"balance":"999000"}` {
		t.Errorf("X-PAYMENT response header = %q", rec.Header().Get("X-PAYMENT"))
	}
}

func TestHandlerIgnoresNonPost(t *testing.T) {
	stub := &authStub{gated: map[string]bool{ToolRoute("weather"): true}}
	var called bool
	h := NewHandler(passthrough(t, &called), stub)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("GET request did not pass through")
	}
}
