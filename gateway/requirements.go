package gateway

import (
	paygate "github.com/paygate-labs/paygate-go"
)

// defaultMaxTimeoutSeconds is the advertised payment validity window when an
// acceptance does not set one.
const defaultMaxTimeoutSeconds = 300

// schemeOrder fixes the order accepts are listed in 402 bodies.
var schemeOrder = []paygate.Scheme{paygate.SchemeOneTime, paygate.SchemeChannel, paygate.SchemeStream}

// PaymentRequired builds the 402 body for a route: every acceptance the
// route carries plus the rejection reason.
func (g *Gateway) PaymentRequired(route, resource string, cause error) paygate.PaymentRequiredResponse {
	byScheme := g.routes[route]
	accepts := make([]paygate.PaymentRequirement, 0, len(byScheme))
	for _, scheme := range schemeOrder {
		rt, ok := byScheme[scheme]
		if !ok {
			continue
		}
		accepts = append(accepts, rt.requirement(resource))
	}

	msg := "payment required"
	if cause != nil {
		msg = cause.Error()
	}
	return paygate.PaymentRequiredResponse{
		X402Version: paygate.X402Version,
		Accepts:     accepts,
		Error:       msg,
	}
}

// requirement renders the acceptance as a 402 accepts entry. Amounts are in
// base units; streams advertise the per-second flow rate.
func (rt *runtime) requirement(resource string) paygate.PaymentRequirement {
	timeout := rt.acc.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = defaultMaxTimeoutSeconds
	}

	req := paygate.PaymentRequirement{
		Scheme:            rt.acc.Scheme,
		Network:           rt.acc.Network,
		Amount:            rt.units.String(),
		PayTo:             paygate.NormalizeAddress(rt.acc.Recipient),
		Asset:             paygate.NormalizeAddress(rt.acc.Token),
		Resource:          resource,
		Description:       rt.acc.Description,
		MaxTimeoutSeconds: timeout,
	}

	switch rt.acc.Scheme {
	case paygate.SchemeOneTime:
		req.Extra = paygate.OneTimeExtra{
			AbsWindowSeconds:  int(rt.acc.AbsWindowOrDefault().Seconds()),
			SessionTTLSeconds: int(rt.acc.SessionTTLOrDefault().Seconds()),
			MaxRedemptions:    rt.acc.MaxRedemptionsOrDefault(),
		}
	case paygate.SchemeChannel:
		req.Extra = paygate.ChannelExtra
	}
	return req
}
