// Package alert delivers budget alerts to an operator webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	roastguard "github.com/eugener/roastguard/internal"
)

// NewTransport returns a tuned *http.Transport with optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Webhook posts alerts as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook posting to url.
func NewWebhook(url string, resolver *dnscache.Resolver) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Transport: NewTransport(resolver),
			Timeout:   10 * time.Second,
		},
	}
}

type payload struct {
	roastguard.BudgetAlert
	Text string `json:"text"`
}

// Send delivers one alert. Any non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, a roastguard.BudgetAlert) error {
	body, err := json.Marshal(payload{BudgetAlert: a, Text: Text(a)})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: status %d", resp.StatusCode)
	}
	return nil
}

// Text renders a one-line human summary of a.
func Text(a roastguard.BudgetAlert) string {
	switch a.Kind {
	case roastguard.AlertExhausted:
		return fmt.Sprintf("roastguard: %s budget exhausted, %s of %s spent", a.Month, a.Spent, a.Cap)
	default:
		return fmt.Sprintf("roastguard: %s spend at %.0f%% of budget (%s of %s)", a.Month, a.Percent, a.Spent, a.Cap)
	}
}
