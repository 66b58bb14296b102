// Package ctl searches certificate transparency logs through crt.sh.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const maxResponseSize = 64 << 20

type mode int

const (
	modeDomain mode = iota
	modeOrganisation
)

var _ core.Tool = (*Client)(nil)

// Entry is one certificate row returned by crt.sh.
type Entry struct {
	ID         int64  `json:"id"`
	IssuerName string `json:"issuer_name"`
	CommonName string `json:"common_name"`
	NameValue  string `json:"name_value"`
	NotBefore  string `json:"not_before"`
	NotAfter   string `json:"not_after"`
}

type Client struct {
	name    string
	mode    mode
	baseURL string
	http    *http.Client
	limiter core.RateLimiter
	logger  toolkit.Logger

	retryInterval time.Duration
}

// NewDomainSearch finds subdomains of a wildcard target.
func NewDomainSearch(cfg config.CTLConfig, limiter core.RateLimiter, logger toolkit.Logger) *Client {
	return newClient("ctl", modeDomain, cfg, limiter, logger)
}

// NewOrganisationSearch finds root domains on certificates issued to a
// company.
func NewOrganisationSearch(cfg config.CTLConfig, limiter core.RateLimiter, logger toolkit.Logger) *Client {
	return newClient("ctl_company", modeOrganisation, cfg, limiter, logger)
}

func newClient(name string, m mode, cfg config.CTLConfig, limiter core.RateLimiter, logger toolkit.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://crt.sh"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{
		name:    name,
		mode:    m,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    httpclient.NewAPIClient(cfg.Timeout),
		limiter: limiter,
		logger:  logger,

		retryInterval: 2 * time.Second,
	}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	query := url.Values{"output": {"json"}}
	var domain string
	switch c.mode {
	case modeDomain:
		d, err := toolkit.Domain(req)
		if err != nil {
			return nil, err
		}
		domain = d
		query.Set("q", "%."+domain)
	case modeOrganisation:
		org := strings.TrimSpace(req.Target.Value)
		if org == "" {
			return nil, fmt.Errorf("organisation name is empty")
		}
		query.Set("O", org)
	}

	entries, raw, err := c.search(ctx, query)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries)*2)
	for _, e := range entries {
		names = append(names, e.CommonName)
		names = append(names, strings.Split(e.NameValue, "\n")...)
	}

	var items []string
	if c.mode == modeDomain {
		items = toolkit.InScopeHosts(names, domain)
	} else {
		items = rootDomains(names)
	}

	c.logger.Info("Certificate transparency search finished", "tool", c.name,
		"certificates", len(entries), "items", len(items))
	return &types.ToolOutput{Items: items, Raw: raw}, nil
}

// search retries transient crt.sh failures, which are common under load.
func (c *Client) search(ctx context.Context, query url.Values) ([]Entry, []byte, error) {
	endpoint := c.baseURL + "/?" + query.Encode()
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid crt.sh URL: %w", err)
	}

	var body []byte
	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.WaitForHost(ctx, u.Host); err != nil {
				return backoff.Permanent(err)
			}
		}
		resp, err := httpclient.Get(ctx, c.http, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer httpclient.CloseBody(resp)

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("crt.sh returned status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("crt.sh returned status %d", resp.StatusCode))
		}

		body, err = httpclient.ReadBody(resp, maxResponseSize)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx)); err != nil {
		return nil, nil, fmt.Errorf("failed to query crt.sh: %w", err)
	}

	var entries []Entry
	if len(strings.TrimSpace(string(body))) == 0 {
		return entries, body, nil
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, nil, fmt.Errorf("failed to parse crt.sh response: %w", err)
	}
	return entries, body, nil
}

func rootDomains(names []string) []string {
	roots := make([]string, 0, len(names))
	for _, n := range names {
		if root, ok := validation.RootDomain(n); ok {
			roots = append(roots, root)
		}
	}
	return toolkit.Dedupe(roots)
}
