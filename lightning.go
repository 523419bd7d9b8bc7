package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Wallet talks to an LNbits-compatible Lightning wallet API. Payments
// and task lifecycle are separate failure domains: nothing here touches
// task state.
type Wallet struct {
	config LightningConfig
	retry  time.Duration
}

type lnbitsEndpoint struct {
	baseURL       string
	hostOverride  string // Optional HTTP Host header override (for IP fallbacks behind TLS)
	tlsServerName string // Optional TLS SNI ServerName override (for IP fallbacks behind TLS)
}

// Invoice is a created Lightning invoice.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	AmountSats     int64  `json:"amount_sats"`
}

// PaymentStatus is the wallet's view of a payment hash.
type PaymentStatus struct {
	Paid     bool   `json:"paid"`
	Preimage string `json:"preimage,omitempty"`
}

// errWalletAuth marks credential problems, which never fall back.
var errWalletAuth = errors.New("wallet rejected credentials")

// NewWallet returns a wallet client, or nil if none is configured.
func NewWallet(cfg LightningConfig) *Wallet {
	if !cfg.Enabled() {
		return nil
	}
	return &Wallet{config: cfg, retry: 250 * time.Millisecond}
}

func (wl *Wallet) endpoints() []lnbitsEndpoint {
	primary := strings.TrimSpace(wl.config.LNbitsURL)
	if primary == "" {
		return nil
	}

	primaryURL, err := url.Parse(primary)
	if err != nil || primaryURL.Hostname() == "" {
		return []lnbitsEndpoint{{baseURL: primary}}
	}

	primaryHost := primaryURL.Hostname()
	primaryHostIsIP := net.ParseIP(primaryHost) != nil

	out := make([]lnbitsEndpoint, 0, 1+len(wl.config.LNbitsFallbackURLs))
	out = append(out, lnbitsEndpoint{baseURL: primary})

	for _, raw := range wl.config.LNbitsFallbackURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == primary {
			continue
		}

		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			out = append(out, lnbitsEndpoint{baseURL: raw})
			continue
		}

		ep := lnbitsEndpoint{baseURL: raw}
		// An IP fallback over HTTPS keeps the primary name for Host and
		// SNI so the certificate still validates.
		if !primaryHostIsIP && net.ParseIP(u.Hostname()) != nil && strings.EqualFold(u.Scheme, "https") {
			ep.hostOverride = primaryHost
			ep.tlsServerName = primaryHost
		}
		out = append(out, ep)
	}
	return out
}

func newHTTPClient(tlsServerName string) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if tlsServerName != "" {
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		} else {
			tr.TLSClientConfig = tr.TLSClientConfig.Clone()
		}
		tr.TLSClientConfig.ServerName = tlsServerName
	}
	return &http.Client{Timeout: 10 * time.Second, Transport: tr}
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do sends one API call, retrying once per endpoint on transient errors
// and then moving to the next configured endpoint.
func (wl *Wallet) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}

	var lastErr error
	for _, ep := range wl.endpoints() {
		u := strings.TrimRight(ep.baseURL, "/") + path
		client := newHTTPClient(ep.tlsServerName)

		for attempt := 0; attempt < 2; attempt++ {
			req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			if ep.hostOverride != "" {
				req.Host = ep.hostOverride
			}
			req.Header.Set("X-Api-Key", wl.config.LNbitsAPIKey)
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := client.Do(req)
			if err != nil {
				lastErr = err
				if attempt == 0 && ctx.Err() == nil {
					time.Sleep(wl.retry)
					continue
				}
				break
			}
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()

			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: LNbits returned %d", errWalletAuth, resp.StatusCode)
			}
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
				return respBody, nil
			}
			if isTransientStatus(resp.StatusCode) {
				lastErr = fmt.Errorf("LNbits returned %d", resp.StatusCode)
				if attempt == 0 {
					time.Sleep(wl.retry)
					continue
				}
				break
			}
			if len(respBody) > 0 {
				return nil, fmt.Errorf("LNbits returned %d: %s", resp.StatusCode, string(respBody))
			}
			return nil, fmt.Errorf("LNbits returned %d", resp.StatusCode)
		}
		log.Printf("lightning: %s %s failed, trying next endpoint: %v", method, ep.baseURL, lastErr)
	}
	if lastErr == nil {
		lastErr = errors.New("no wallet endpoint configured")
	}
	return nil, lastErr
}

// CreateInvoice asks the wallet for an incoming invoice.
func (wl *Wallet) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	body, err := wl.do(ctx, http.MethodPost, "/api/v1/payments", map[string]interface{}{
		"out":    false,
		"amount": amountSats,
		"memo":   memo,
	})
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	var result struct {
		PaymentRequest string `json:"payment_request"`
		Bolt11         string `json:"bolt11"`
		PaymentHash    string `json:"payment_hash"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	inv := result.PaymentRequest
	if inv == "" {
		inv = result.Bolt11
	}
	if inv == "" || result.PaymentHash == "" {
		return nil, errors.New("missing invoice or hash in wallet response")
	}
	return &Invoice{PaymentRequest: inv, PaymentHash: result.PaymentHash, AmountSats: amountSats}, nil
}

// CheckPayment reports whether paymentHash has settled.
func (wl *Wallet) CheckPayment(ctx context.Context, paymentHash string) (*PaymentStatus, error) {
	body, err := wl.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(paymentHash), nil)
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}
	var st PaymentStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode payment status: %w", err)
	}
	return &st, nil
}

// PayInvoice pays a BOLT11 invoice and returns the payment hash.
func (wl *Wallet) PayInvoice(ctx context.Context, bolt11 string) (string, error) {
	body, err := wl.do(ctx, http.MethodPost, "/api/v1/payments", map[string]interface{}{
		"out":    true,
		"bolt11": bolt11,
	})
	if err != nil {
		return "", fmt.Errorf("pay invoice: %w", err)
	}
	var result struct {
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode payment: %w", err)
	}
	if result.PaymentHash == "" {
		return "", errors.New("missing payment hash in wallet response")
	}
	return result.PaymentHash, nil
}

// bondInvoiceTTL bounds how long an issued bond invoice stays redeemable.
const bondInvoiceTTL = time.Hour

// bondInvoice is one invoice the gate issued.
type bondInvoice struct {
	AmountSats int64     `json:"amount_sats"`
	Expires    time.Time `json:"expires"`
	SpentAt    time.Time `json:"spent_at,omitempty"`
}

// SpamBondGate requires a paid, unused invoice before a task submission
// reaches the inbox pipeline. Only hashes of invoices the gate issued
// itself are redeemable, each exactly once. With a path the invoice
// set survives restarts.
type SpamBondGate struct {
	wallet     *Wallet
	amountSats int64
	path       string
	now        func() time.Time

	mu       sync.Mutex
	invoices map[string]*bondInvoice
}

// NewSpamBondGate returns nil when no bond is required. path may be
// empty to keep issued invoices in memory only.
func NewSpamBondGate(wallet *Wallet, policy SpamBondPolicy, path string) *SpamBondGate {
	if wallet == nil || policy.AmountSats <= 0 {
		return nil
	}
	return &SpamBondGate{
		wallet:     wallet,
		amountSats: policy.AmountSats,
		path:       path,
		now:        time.Now,
		invoices:   make(map[string]*bondInvoice),
	}
}

// Load restores the invoice set saved at path. A missing file is fine.
func (g *SpamBondGate) Load() error {
	if g.path == "" {
		return nil
	}
	data, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var saved map[string]*bondInvoice
	if err := json.Unmarshal(data, &saved); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for hash, inv := range saved {
		if inv != nil {
			g.invoices[hash] = inv
		}
	}
	return nil
}

// Save writes the invoice set to path.
func (g *SpamBondGate) Save() error {
	if g.path == "" {
		return nil
	}
	g.mu.Lock()
	data, err := json.Marshal(g.invoices)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return writeFileAtomic(g.path, data, 0o644)
}

// Prune forgets expired invoices. A forgotten hash is unknown, so it
// stays unredeemable.
func (g *SpamBondGate) Prune() int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for hash, inv := range g.invoices {
		if now.After(inv.Expires) {
			delete(g.invoices, hash)
			removed++
		}
	}
	return removed
}

// Sweep prunes and persists once.
func (g *SpamBondGate) Sweep() {
	removed := g.Prune()
	if err := g.Save(); err != nil {
		log.Printf("spam bond: save failed: %v", err)
		return
	}
	if removed > 0 {
		log.Debugf("spam bond: pruned %d expired invoices", removed)
	}
}

func (g *SpamBondGate) persist() {
	if err := g.Save(); err != nil {
		log.Printf("spam bond: save failed: %v", err)
	}
}

func (g *SpamBondGate) issue(inv *Invoice) {
	g.mu.Lock()
	g.invoices[inv.PaymentHash] = &bondInvoice{AmountSats: inv.AmountSats, Expires: g.now().Add(bondInvoiceTTL)}
	g.mu.Unlock()
	g.persist()
}

func paymentHashFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("X-Payment-Hash")); h != "" {
		return h
	}
	if h := strings.TrimSpace(r.URL.Query().Get("payment_hash")); h != "" {
		return h
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "L402 ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "L402 "))
	}
	return ""
}

// claim marks an issued, unexpired, unspent hash as spent. The returned
// message says why a hash cannot be claimed.
func (g *SpamBondGate) claim(hash string) (bool, string) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[hash]
	switch {
	case !ok:
		return false, "payment hash was not issued by this inbox, request a new invoice"
	case !inv.SpentAt.IsZero():
		return false, "payment hash already used, request a new invoice"
	case now.After(inv.Expires):
		return false, "invoice expired, request a new invoice"
	case inv.AmountSats < g.amountSats:
		return false, "invoice amount is below the current bond, request a new invoice"
	}
	inv.SpentAt = now
	return true, ""
}

func (g *SpamBondGate) release(hash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inv, ok := g.invoices[hash]; ok {
		inv.SpentAt = time.Time{}
	}
}

// Wrap gates next behind the bond.
func (g *SpamBondGate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if hash := paymentHashFromRequest(r); hash != "" {
			if ok, msg := g.claim(hash); !ok {
				writeError(w, newInboxError(KindPaymentRequired, http.StatusPaymentRequired, "%s", msg))
				return
			}
			st, err := g.wallet.CheckPayment(ctx, hash)
			if err != nil {
				g.release(hash)
				log.Printf("spam bond: payment check failed: %v", err)
				writeError(w, newInboxError(KindPaymentUnavailable, http.StatusServiceUnavailable,
					"payment provider unavailable, retry later"))
				return
			}
			if !st.Paid {
				g.release(hash)
				writeError(w, newInboxError(KindPaymentRequired, http.StatusPaymentRequired,
					"invoice not paid yet"))
				return
			}
			g.persist()
			next.ServeHTTP(w, r)
			return
		}

		inv, err := g.wallet.CreateInvoice(ctx, g.amountSats, "AIP spam bond")
		if err != nil {
			log.Printf("spam bond: invoice creation failed: %v", err)
			writeError(w, newInboxError(KindPaymentUnavailable, http.StatusServiceUnavailable,
				"payment provider unavailable, retry later"))
			return
		}
		g.issue(inv)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`L402 invoice="%s", macaroon="none"`, inv.PaymentRequest))
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":        KindPaymentRequired,
			"message":      fmt.Sprintf("Pay %d sats, then resubmit with the X-Payment-Hash header.", g.amountSats),
			"invoice":      inv.PaymentRequest,
			"payment_hash": inv.PaymentHash,
			"amount_sats":  g.amountSats,
		})
	})
}

// clientIP extracts the client IP from the request. Forwarding headers
// are client-controlled, so they count only when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
