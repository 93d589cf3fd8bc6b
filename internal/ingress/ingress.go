// Package ingress talks to the routing layer (Traefik) that fronts all
// running workloads. The core never reaches containers directly; synthetic
// probes travel the same path as user traffic.
package ingress

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/usr-wwelsh/miniPaaS/pkg/config"
)

// Client issues requests through the ingress layer.
type Client struct {
	http         *http.Client
	baseURL      string
	pingURL      string
	domainSuffix string
}

// NewClient constructs an ingress client from configuration.
func NewClient(cfg config.Config) *Client {
	return &Client{
		http:         &http.Client{Timeout: cfg.ProbeTimeout},
		baseURL:      strings.TrimRight(cfg.IngressURL, "/"),
		pingURL:      cfg.IngressPingURL,
		domainSuffix: cfg.IngressDomainSuffix,
	}
}

// RoutingHost returns the Host header value the ingress routes for a
// subdomain.
func (c *Client) RoutingHost(subdomain string) string {
	return subdomain + c.domainSuffix
}

// Probe issues a synthetic GET addressed to the routing key and returns
// the HTTP status code. Transport failures surface as errors.
func (c *Client) Probe(ctx context.Context, subdomain string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return 0, err
	}
	req.Host = c.RoutingHost(subdomain)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Ping checks the ingress layer's own health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ingress returned status %d", resp.StatusCode)
	}
	return nil
}
