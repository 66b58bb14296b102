package jsfinder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestHostPattern(t *testing.T) {
	p, err := HostPattern("example.com")
	require.NoError(t, err)

	text := `fetch("https://api.example.com/v1"); var x = 'STAGING.internal.example.com'; notexample.community; example.com.evil.net`
	assert.Equal(t, []string{"api.example.com", "STAGING.internal.example.com", "example.com"}, p.FindAllString(text, -1))
}

func TestFinderExtractsHostsFromScripts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head>
<script src="/js/app.js"></script>
<script src="/js/missing.js"></script>
<script>window.CONFIG = {auth: "https://sso.example.com"};</script>
</head><body data-api="graphql.example.com"></body></html>`))
	})
	mux.HandleFunc("/js/app.js", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`const base="https://api.example.com";const cdn="assets.example.com";
const bucket="acme-uploads.s3.amazonaws.com"; const other="tracker.evil.net";`))
	})
	mux.HandleFunc("/js/missing.js", http.NotFound)
	server := httptest.NewServer(mux)
	defer server.Close()

	finder := New(config.CrawlerConfig{Timeout: 2 * time.Second, Concurrency: 2}, nil, toolkit.Adapt(logger.NewNop()))
	assert.Equal(t, "subdomainizer", finder.Name())

	out, err := finder.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"},
		Inputs: []string{server.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "assets.example.com", "graphql.example.com", "sso.example.com"}, out.Items)
	assert.Contains(t, string(out.Raw), "acme-uploads.s3.amazonaws.com")
}
