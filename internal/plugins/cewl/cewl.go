// Package cewl builds a target-specific wordlist from the live web servers
// and brute forces it as subdomain labels.
package cewl

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/crawler"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/dnsbrute"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.Tool = (*Tool)(nil)

type Tool struct {
	crawler  *crawler.Crawler
	resolver *dnsbrute.Bruteforcer
	logger   toolkit.Logger
}

func New(c *crawler.Crawler, resolver *dnsbrute.Bruteforcer, logger toolkit.Logger) *Tool {
	return &Tool{crawler: c, resolver: resolver, logger: logger}
}

func (t *Tool) Name() string {
	return "cewl"
}

func (t *Tool) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	domain, err := toolkit.Domain(req)
	if err != nil {
		return nil, err
	}
	seeds := toolkit.BaseURLs(req.Inputs)
	if len(seeds) == 0 {
		return &types.ToolOutput{}, nil
	}

	words, err := t.Words(ctx, domain, seeds)
	if err != nil {
		return nil, err
	}
	t.logger.Info("Generated wordlist from live hosts", "domain", domain, "words", len(words))
	if len(words) == 0 {
		return &types.ToolOutput{}, nil
	}

	results, err := t.resolver.Resolve(ctx, domain, words)
	if err != nil {
		return nil, err
	}
	return dnsbrute.Output(results)
}

// Words crawls seeds and returns the most frequent page words.
func (t *Tool) Words(ctx context.Context, domain string, seeds []string) ([]string, error) {
	cfg := t.crawler.Config()
	counter := crawler.NewWordCounter(cfg.MinWordLen)
	err := t.crawler.Crawl(ctx, seeds, crawler.ScopeFor(domain, seeds), func(p *crawler.Page) {
		counter.Add(p.Text)
	})
	if err != nil {
		return nil, err
	}
	return counter.Top(cfg.MaxWords), nil
}
