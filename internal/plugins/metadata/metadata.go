// Package metadata records response headers, page titles and TLS
// certificate details of live web servers.
package metadata

import (
	"bytes"
	"context"
	"crypto/tls"
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

const maxBodySize = 1 << 20

var interestingHeaders = []string{
	"Server", "X-Powered-By", "X-AspNet-Version", "X-Generator", "Via",
	"Strict-Transport-Security", "Content-Security-Policy", "X-Frame-Options",
}

var _ core.Tool = (*Collector)(nil)

// Record is the metadata gathered for one URL.
type Record struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	Title       string            `json:"title,omitempty"`
	Generator   string            `json:"generator,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Certificate *Certificate      `json:"certificate,omitempty"`
}

type Certificate struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	DNSNames  []string  `json:"dns_names,omitempty"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	Version   string    `json:"tls_version"`
}

type Collector struct {
	http        *http.Client
	limiter     core.RateLimiter
	concurrency int
	logger      toolkit.Logger
}

func New(cfg config.MetadataConfig, limiter core.RateLimiter, logger toolkit.Logger) *Collector {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	return &Collector{
		http:        httpclient.NewReconClient(cfg.Timeout, ""),
		limiter:     limiter,
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

func (c *Collector) Name() string {
	return "metadata"
}

func (c *Collector) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	var mu sync.Mutex
	var records []Record

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, target := range toolkit.BaseURLs(req.Inputs) {
		target := target
		g.Go(func() error {
			rec, err := c.collect(gctx, target)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.Debug("Metadata collection failed", "url", target, "error", err)
				return nil
			}
			mu.Lock()
			records = append(records, *rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })
	items := make([]string, len(records))
	for i, r := range records {
		items[i] = r.URL
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	c.logger.Info("Metadata collection finished", "targets", len(req.Inputs), "records", len(records))
	return &types.ToolOutput{Items: items, Raw: raw}, nil
}

func (c *Collector) collect(ctx context.Context, target string) (*Record, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.WaitForHost(ctx, u.Host); err != nil {
			return nil, err
		}
	}

	resp, err := httpclient.Get(ctx, c.http, target)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	rec := &Record{
		URL:         target,
		StatusCode:  resp.StatusCode,
		Headers:     make(map[string]string),
		Certificate: certificate(resp.TLS),
	}
	for _, h := range interestingHeaders {
		if v := resp.Header.Get(h); v != "" {
			rec.Headers[h] = v
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		body, err := httpclient.ReadBody(resp, maxBodySize)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			rec.Title = strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
			rec.Generator = doc.Find(`meta[name="generator"]`).AttrOr("content", "")
		}
	}
	return rec, nil
}

func certificate(state *tls.ConnectionState) *Certificate {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil
	}
	leaf := state.PeerCertificates[0]
	return &Certificate{
		Subject:   leaf.Subject.String(),
		Issuer:    leaf.Issuer.String(),
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		Version:   tls.VersionName(state.Version),
	}
}
