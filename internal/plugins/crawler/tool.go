package crawler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.Tool = (*SpiderTool)(nil)

// SpiderTool crawls the live web servers and reports every in-scope host
// seen in their links.
type SpiderTool struct {
	crawler *Crawler
}

func NewSpiderTool(c *Crawler) *SpiderTool {
	return &SpiderTool{crawler: c}
}

func (t *SpiderTool) Name() string {
	return "gospider"
}

func (t *SpiderTool) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	domain, err := toolkit.Domain(req)
	if err != nil {
		return nil, err
	}
	seeds := toolkit.BaseURLs(req.Inputs)
	if len(seeds) == 0 {
		return &types.ToolOutput{}, nil
	}

	var seen []string
	var pages []string
	err = t.crawler.Crawl(ctx, seeds, ScopeFor(domain, seeds), func(p *Page) {
		pages = append(pages, p.URL)
		for _, link := range p.Links {
			seen = append(seen, link.Hostname())
		}
	})
	if err != nil {
		return nil, err
	}

	items := toolkit.InScopeHosts(seen, domain)
	raw, err := json.Marshal(map[string]interface{}{"pages": pages, "hosts": items})
	if err != nil {
		return nil, fmt.Errorf("failed to encode crawl output: %w", err)
	}
	t.crawler.logger.Info("Spider finished", "domain", domain, "pages", len(pages), "hosts", len(items))
	return &types.ToolOutput{Items: items, Raw: raw}, nil
}
