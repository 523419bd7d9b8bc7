package main

import (
	"net/http"
	"sort"
)

type PricingEntry struct {
	TaskType string  `json:"task_type"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type PricingPaymentHints struct {
	HeaderName     string `json:"header_name"`
	QueryParamName string `json:"query_param_name"`
	StatusCode     int    `json:"status_code"`
}

type PricingResponse struct {
	AgentID              string               `json:"agent_id"`
	PaymentMethods       []string             `json:"payment_methods,omitempty"`
	Prices               []PricingEntry       `json:"prices"`
	SpamBondRequired     bool                 `json:"spam_bond_required"`
	SpamBond             *SpamBondPolicy      `json:"spam_bond,omitempty"`
	PaymentHints         *PricingPaymentHints `json:"payment_hints,omitempty"`
	RequesterLimit       int                  `json:"requester_limit"`
	RequesterWindowSecs  int                  `json:"requester_window_secs"`
	RateLimitPerIPPerMin int                  `json:"rate_limit_per_ip_per_min,omitempty"`
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	m := s.inbox.Manifest()
	resp := PricingResponse{
		AgentID:          m.AgentID,
		PaymentMethods:   m.PaymentMethods,
		Prices:           pricesSorted(m.Pricing),
		SpamBondRequired: s.bond != nil,
		RequesterLimit:   s.inbox.limiter.limit,
	}
	resp.RequesterWindowSecs = int(s.inbox.limiter.interval.Seconds())
	if s.bond != nil {
		resp.SpamBond = m.SpamBond
		resp.PaymentHints = &PricingPaymentHints{
			HeaderName:     "X-Payment-Hash",
			QueryParamName: "payment_hash",
			StatusCode:     http.StatusPaymentRequired,
		}
	}
	if s.throttle != nil {
		resp.RateLimitPerIPPerMin = s.throttle.perMin
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, resp)
}

func pricesSorted(m map[string]Price) []PricingEntry {
	out := make([]PricingEntry, 0, len(m))
	for t, p := range m {
		out = append(out, PricingEntry{TaskType: t, Amount: p.Amount, Currency: p.Currency})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out
}
