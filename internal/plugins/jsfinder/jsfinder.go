// Package jsfinder pulls hostnames out of the JavaScript served by live
// web servers.
package jsfinder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	regexp "github.com/wasilibs/go-re2"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const (
	maxScriptSize    = 2 << 20
	maxScriptsPerURL = 30
)

var cloudPattern = regexp.MustCompile(
	`(?i)[a-z0-9.\-]+\.(?:s3[a-z0-9.\-]*\.amazonaws\.com|blob\.core\.windows\.net|storage\.googleapis\.com|cloudfront\.net|azurewebsites\.net)`)

var _ core.Tool = (*Finder)(nil)

// Report is the raw output of a run.
type Report struct {
	Scripts []string `json:"scripts"`
	Hosts   []string `json:"hosts"`
	Cloud   []string `json:"cloud,omitempty"`
}

type Finder struct {
	http        *http.Client
	limiter     core.RateLimiter
	concurrency int
	logger      toolkit.Logger
}

func New(cfg config.CrawlerConfig, limiter core.RateLimiter, logger toolkit.Logger) *Finder {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Finder{
		http:        httpclient.NewReconClient(cfg.Timeout, cfg.UserAgent),
		limiter:     limiter,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

func (f *Finder) Name() string {
	return "subdomainizer"
}

func (f *Finder) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	domain, err := toolkit.Domain(req)
	if err != nil {
		return nil, err
	}
	hostPattern, err := HostPattern(domain)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var scripts, hosts, cloud []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, pageURL := range toolkit.BaseURLs(req.Inputs) {
		pageURL := pageURL
		g.Go(func() error {
			sources, err := f.collect(gctx, pageURL)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Debug("JavaScript collection failed", "url", pageURL, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for src, body := range sources {
				scripts = append(scripts, src)
				hosts = append(hosts, hostPattern.FindAllString(body, -1)...)
				cloud = append(cloud, cloudPattern.FindAllString(body, -1)...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := Report{
		Scripts: toolkit.Dedupe(scripts),
		Hosts:   toolkit.InScopeHosts(hosts, domain),
		Cloud:   toolkit.Dedupe(lower(cloud)),
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	f.logger.Info("JavaScript host extraction finished", "domain", domain,
		"scripts", len(report.Scripts), "hosts", len(report.Hosts), "cloud", len(report.Cloud))
	return &types.ToolOutput{Items: report.Hosts, Raw: raw}, nil
}

// HostPattern matches names under domain inside arbitrary text.
func HostPattern(domain string) (*regexp.Regexp, error) {
	escaped := strings.ReplaceAll(domain, ".", `\.`)
	p, err := regexp.Compile(`(?i)(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)*` + escaped + `\b`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile host pattern for %s: %w", domain, err)
	}
	return p, nil
}

// collect returns the page's inline script text and every external script
// keyed by source URL.
func (f *Finder) collect(ctx context.Context, pageURL string) (map[string]string, error) {
	body, final, err := f.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}

	sources := make(map[string]string)
	var inline strings.Builder
	var external []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			inline.WriteString(s.Text())
			inline.WriteByte('\n')
			return
		}
		if u, err := final.Parse(strings.TrimSpace(src)); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
			external = append(external, u.String())
		}
	})
	// The page itself can reference hosts in attributes or JSON blobs.
	sources[pageURL] = inline.String() + string(body)

	for _, src := range toolkit.Cap(toolkit.Dedupe(external), maxScriptsPerURL) {
		js, _, err := f.get(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Debug("Script fetch failed", "url", src, "error", err)
			continue
		}
		sources[src] = string(js)
	}
	return sources, nil
}

func (f *Finder) get(ctx context.Context, rawURL string) ([]byte, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if f.limiter != nil {
		if err := f.limiter.WaitForHost(ctx, u.Host); err != nil {
			return nil, nil, err
		}
	}
	resp, err := httpclient.Get(ctx, f.http, rawURL)
	if err != nil {
		return nil, nil, err
	}
	defer httpclient.CloseBody(resp)
	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("%s returned status %d", rawURL, resp.StatusCode)
	}
	body, err := httpclient.ReadBody(resp, maxScriptSize)
	if err != nil {
		return nil, nil, err
	}
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL
	}
	return body, u, nil
}

func lower(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
