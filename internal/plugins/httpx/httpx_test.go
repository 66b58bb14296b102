package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

func TestProbeFindsLiveServers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "nginx")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>\n  Acme   Login </title></head></html>"))
	}))
	defer server.Close()
	u, _ := url.Parse(server.URL)

	prober := New(config.HTTPXConfig{
		Timeout: 2 * time.Second,
		Threads: 4,
		Schemes: []string{"https", "http"},
	}, nil, toolkit.Adapt(logger.NewNop()))
	assert.Equal(t, "httpx", prober.Name())

	// 127.0.0.1:1 refuses connections on both schemes.
	out, err := prober.Run(context.Background(), types.JobRequest{
		Inputs: []string{u.Host, "127.0.0.1:1", u.Host},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"http://" + u.Host}, out.Items)

	var results []Result
	require.NoError(t, json.Unmarshal(out.Raw, &results))
	require.Len(t, results, 1)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)
	assert.Equal(t, "Acme Login", results[0].Title)
	assert.Equal(t, "nginx", results[0].WebServer)
	assert.Equal(t, "http", results[0].Scheme)
}

func TestProbeRecordsRedirectWithoutFollowing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://login.example.com/", http.StatusMovedPermanently)
	}))
	defer server.Close()

	prober := New(config.HTTPXConfig{Timeout: 2 * time.Second}, nil, toolkit.Adapt(logger.NewNop()))
	results, err := prober.Probe(context.Background(), []string{server.URL})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, http.StatusMovedPermanently, results[0].StatusCode)
	assert.Equal(t, "https://login.example.com/", results[0].Location)
}

func TestProbeEmptyInput(t *testing.T) {
	prober := New(config.HTTPXConfig{}, nil, toolkit.Adapt(logger.NewNop()))
	out, err := prober.Run(context.Background(), types.JobRequest{})
	require.NoError(t, err)
	assert.Empty(t, out.Items)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Hello World", Title([]byte("<title>Hello\tWorld</title>")))
	assert.Equal(t, "", Title([]byte("no markup")))
}
