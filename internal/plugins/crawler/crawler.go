// Package crawler walks in-scope web pages breadth first and extracts the
// hosts they link to and the words they contain.
package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
)

const maxPageSize = 2 << 20

const linkSelector = "a[href], link[href], script[src], img[src], iframe[src], form[action], area[href]"

// Page is one fetched document.
type Page struct {
	URL   string
	Depth int
	Links []*url.URL
	Text  string
}

type Crawler struct {
	cfg     config.CrawlerConfig
	http    *http.Client
	limiter core.RateLimiter
	logger  toolkit.Logger
}

func New(cfg config.CrawlerConfig, limiter core.RateLimiter, logger toolkit.Logger) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MinWordLen <= 0 {
		cfg.MinWordLen = 3
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 500
	}
	return &Crawler{
		cfg:     cfg,
		http:    httpclient.NewReconClient(cfg.Timeout, cfg.UserAgent),
		limiter: limiter,
		logger:  logger,
	}
}

// Config returns the effective crawl settings.
func (c *Crawler) Config() config.CrawlerConfig {
	return c.cfg
}

// ScopeFor follows links whose host is under domain or is one of the
// seeds' hosts.
func ScopeFor(domain string, seeds []string) func(*url.URL) bool {
	seedHosts := make(map[string]struct{}, len(seeds))
	for _, s := range seeds {
		if u, err := url.Parse(s); err == nil {
			seedHosts[strings.ToLower(u.Host)] = struct{}{}
		}
	}
	return func(u *url.URL) bool {
		if _, ok := seedHosts[strings.ToLower(u.Host)]; ok {
			return true
		}
		host, ok := validation.NormalizeHost(u.Hostname())
		return ok && validation.InScope(host, domain)
	}
}

// Crawl visits seeds and the in-scope pages they link to, level by level,
// until the depth or page budget runs out. visit is called serially.
func (c *Crawler) Crawl(ctx context.Context, seeds []string, scope func(*url.URL) bool, visit func(*Page)) error {
	visited := make(map[string]struct{})
	frontier := toolkit.Dedupe(seeds)
	fetched := 0

	for depth := 0; depth <= c.cfg.MaxDepth && len(frontier) > 0; depth++ {
		if remaining := c.cfg.MaxPages - fetched; len(frontier) > remaining {
			frontier = frontier[:remaining]
		}
		if len(frontier) == 0 {
			break
		}
		for _, u := range frontier {
			visited[u] = struct{}{}
		}
		fetched += len(frontier)

		var mu sync.Mutex
		var next []string

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)
		for _, pageURL := range frontier {
			pageURL := pageURL
			g.Go(func() error {
				page, err := c.fetch(gctx, pageURL)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					c.logger.Debug("Crawl fetch failed", "url", pageURL, "error", err)
					return nil
				}
				page.Depth = depth

				mu.Lock()
				defer mu.Unlock()
				visit(page)
				for _, link := range page.Links {
					if scope(link) {
						next = append(next, link.String())
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		frontier = frontier[:0]
		for _, u := range toolkit.Dedupe(next) {
			if _, ok := visited[u]; !ok {
				frontier = append(frontier, u)
			}
		}
	}

	c.logger.Debug("Crawl finished", "seeds", len(seeds), "pages", fetched)
	return nil
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (*Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", pageURL, err)
	}
	if c.limiter != nil {
		if err := c.limiter.WaitForHost(ctx, base.Host); err != nil {
			return nil, err
		}
	}

	resp, err := httpclient.Get(ctx, c.http, pageURL)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return &Page{URL: pageURL}, nil
	}
	body, err := httpclient.ReadBody(resp, maxPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	return ParsePage(base, body)
}

// ParsePage extracts absolute http(s) links and visible text.
func ParsePage(base *url.URL, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	page := &Page{URL: base.String()}
	doc.Find(linkSelector).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"href", "src", "action"} {
			if v, ok := s.Attr(attr); ok {
				if link := resolve(base, v); link != nil {
					page.Links = append(page.Links, link)
				}
			}
		}
	})

	doc.Find("script, style, noscript").Remove()
	var text strings.Builder
	text.WriteString(doc.Find("title").Text())
	text.WriteByte(' ')
	doc.Find(`meta[name="description"], meta[name="keywords"]`).Each(func(_ int, s *goquery.Selection) {
		text.WriteString(s.AttrOr("content", ""))
		text.WriteByte(' ')
	})
	text.WriteString(doc.Find("body").Text())
	page.Text = text.String()

	return page, nil
}

func resolve(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	u, err := base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil
	}
	u.Fragment = ""
	return u
}
