// Package httpx probes hosts for live web servers, in the manner of
// projectdiscovery's httpx.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const maxBodySize = 512 << 10

var _ core.Tool = (*Prober)(nil)

// Result describes one live web server.
type Result struct {
	URL           string `json:"url"`
	Host          string `json:"host"`
	Scheme        string `json:"scheme"`
	StatusCode    int    `json:"status_code"`
	ContentLength int    `json:"content_length"`
	ContentType   string `json:"content_type,omitempty"`
	Title         string `json:"title,omitempty"`
	WebServer     string `json:"webserver,omitempty"`
	Location      string `json:"location,omitempty"`
	ResponseTime  string `json:"response_time"`
}

type Prober struct {
	cfg     config.HTTPXConfig
	http    *http.Client
	limiter core.RateLimiter
	logger  toolkit.Logger
}

func New(cfg config.HTTPXConfig, limiter core.RateLimiter, logger toolkit.Logger) *Prober {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 50
	}
	if len(cfg.Schemes) == 0 {
		cfg.Schemes = []string{"https", "http"}
	}
	return &Prober{
		cfg:     cfg,
		http:    httpclient.NewProbeClient(cfg.Timeout, cfg.FollowRedirects),
		limiter: limiter,
		logger:  logger,
	}
}

func (p *Prober) Name() string {
	return "httpx"
}

func (p *Prober) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	results, err := p.Probe(ctx, req.Inputs)
	if err != nil {
		return nil, err
	}

	items := make([]string, len(results))
	for i, r := range results {
		items[i] = r.URL
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode probe results: %w", err)
	}
	return &types.ToolOutput{Items: items, Raw: raw}, nil
}

// Probe tries each host on the configured schemes in order and keeps the
// first that answers.
func (p *Prober) Probe(ctx context.Context, hosts []string) ([]Result, error) {
	var mu sync.Mutex
	var results []Result

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Threads)
	for _, host := range toolkit.Dedupe(hosts) {
		host := host
		g.Go(func() error {
			for _, target := range p.candidates(host) {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r, err := p.probe(gctx, target)
				if err != nil {
					p.logger.Debug("Probe failed", "url", target, "error", err)
					continue
				}
				mu.Lock()
				results = append(results, *r)
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].URL < results[j].URL })
	p.logger.Info("HTTP probe finished", "hosts", len(hosts), "live", len(results))
	return results, nil
}

func (p *Prober) candidates(host string) []string {
	if strings.Contains(host, "://") {
		return []string{host}
	}
	out := make([]string, len(p.cfg.Schemes))
	for i, scheme := range p.cfg.Schemes {
		out[i] = scheme + "://" + host
	}
	return out
}

func (p *Prober) probe(ctx context.Context, target string) (*Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if p.limiter != nil {
		if err := p.limiter.WaitForHost(ctx, u.Host); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := httpclient.Get(ctx, p.http, target)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	body, err := httpclient.ReadBody(resp, maxBodySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return &Result{
		URL:           u.Scheme + "://" + u.Host,
		Host:          u.Hostname(),
		Scheme:        u.Scheme,
		StatusCode:    resp.StatusCode,
		ContentLength: len(body),
		ContentType:   resp.Header.Get("Content-Type"),
		Title:         Title(body),
		WebServer:     resp.Header.Get("Server"),
		Location:      resp.Header.Get("Location"),
		ResponseTime:  time.Since(start).Round(time.Millisecond).String(),
	}, nil
}

// Title returns the trimmed <title> of an HTML body.
func Title(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
