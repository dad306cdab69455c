package mcp

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// Handler wraps an MCP HTTP handler and enforces payment on tool calls.
// Only POST requests carrying a JSON-RPC tools/call for a gated tool are
// intercepted; everything else passes through untouched.
type Handler struct {
	next http.Handler
	auth Authorizer
}

// NewHandler wraps an MCP HTTP handler with payment gating.
func NewHandler(next http.Handler, auth Authorizer) *Handler {
	return &Handler{next: next, auth: auth}
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Meta      map[string]any  `json:"_meta"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.next.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, nil, -32700, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method != "tools/call" {
		h.next.ServeHTTP(w, r)
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeRPCError(w, req.ID, -32602, "Invalid params", nil)
		return
	}

	route := ToolRoute(params.Name)
	if !h.auth.Accepts(route) {
		h.next.ServeHTTP(w, r)
		return
	}

	logger := slog.Default().With("tool", params.Name, "requestID", req.ID)

	grant, err := h.auth.Authorize(r.Context(), route, paymentHeader(params.Meta), params.Arguments)
	if err != nil {
		logger.Info("tool call payment rejected", "error", err)
		writeRPCError(w, req.ID, 402, "Payment required", h.auth.PaymentRequired(route, route, err))
		return
	}

	logger.Info("tool call payment verified", "scheme", grant.Scheme, "payer", grant.Payer.Hex())

	for k, v := range grant.ResponseHeaders {
		w.Header().Set(k, v)
	}
	h.next.ServeHTTP(w, r)
}

// paymentHeader renders the _meta payment object back to the JSON form the
// gateway parses. Missing payment yields "" which Authorize rejects.
func paymentHeader(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	payment, ok := meta[MetaKeyPayment]
	if !ok {
		return ""
	}
	raw, err := json.Marshal(payment)
	if err != nil {
		return ""
	}
	return string(raw)
}

// writeRPCError writes a JSON-RPC error response. JSON-RPC errors ride a 200
// HTTP status.
func writeRPCError(w http.ResponseWriter, id any, code int, message string, data any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if data != nil {
		errObj["data"] = data
	}
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Default().Warn("failed to encode rpc error", "error", err)
	}
}
