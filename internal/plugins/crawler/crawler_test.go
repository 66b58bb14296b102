package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Acme Portal</title>
<meta name="keywords" content="payments, invoices">
<script src="/static/app.js"></script></head>
<body><a href="/about">About</a>
<a href="https://API.example.com/v1#docs">API</a>
<a href="//cdn.example.com/logo.png">Logo</a>
<a href="http://evil.com/">Elsewhere</a>
<a href="mailto:security@example.com">Mail</a>
<form action="https://auth.example.com/login"></form>
<script>var ignored = "scriptword";</script>
</body></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>Acme invoices team <a href="/deep">deep</a></body></html>`))
	})
	mux.HandleFunc("/deep", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>deep page</body></html>`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newCrawler(maxDepth int) *Crawler {
	return New(config.CrawlerConfig{
		MaxPages:    10,
		MaxDepth:    maxDepth,
		Timeout:     2 * time.Second,
		Concurrency: 2,
	}, nil, toolkit.Adapt(logger.NewNop()))
}

func TestCrawlHonoursDepth(t *testing.T) {
	server := newSite(t)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	sameHost := func(u *url.URL) bool { return u.Host == serverURL.Host }

	var pages []string
	err = newCrawler(1).Crawl(context.Background(), []string{server.URL}, sameHost, func(p *Page) {
		pages = append(pages, p.URL)
	})
	require.NoError(t, err)

	sort.Strings(pages)
	assert.Equal(t, []string{server.URL, server.URL + "/about", server.URL + "/static/app.js"}, pages)
}

func TestCrawlPageBudget(t *testing.T) {
	server := newSite(t)
	c := newCrawler(5)
	c.cfg.MaxPages = 2

	count := 0
	err := c.Crawl(context.Background(), []string{server.URL}, func(*url.URL) bool { return true }, func(*Page) {
		count++
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 2)
}

func TestParsePage(t *testing.T) {
	base, _ := url.Parse("https://www.example.com/index.html")
	page, err := ParsePage(base, []byte(`<html><head><title>Hello</title></head>
<body><a href="docs/">Docs</a><a href="#top">Top</a><a href="javascript:void(0)">x</a>
<img src="https://img.example.com/a.png"><style>.css{}</style>Body words</body></html>`))
	require.NoError(t, err)

	var links []string
	for _, l := range page.Links {
		links = append(links, l.String())
	}
	assert.Equal(t, []string{"https://www.example.com/docs/", "https://img.example.com/a.png"}, links)
	assert.Contains(t, page.Text, "Hello")
	assert.Contains(t, page.Text, "Body words")
	assert.NotContains(t, page.Text, ".css")
}

func TestSpiderToolReportsInScopeHosts(t *testing.T) {
	server := newSite(t)
	tool := NewSpiderTool(newCrawler(0))
	assert.Equal(t, "gospider", tool.Name())

	out, err := tool.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"},
		Inputs: []string{server.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "auth.example.com", "cdn.example.com"}, out.Items)
}

func TestSpiderToolWithoutInputs(t *testing.T) {
	out, err := NewSpiderTool(newCrawler(1)).Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"},
	})
	require.NoError(t, err)
	assert.Empty(t, out.Items)
}

func TestWordCounter(t *testing.T) {
	wc := NewWordCounter(3)
	wc.Add("Acme Portal payments, payments and INVOICES. a an -- dev-ops x")
	wc.Add("acme")
	assert.Equal(t, []string{"acme", "payments", "and", "dev-ops"}, wc.Top(4))
}
