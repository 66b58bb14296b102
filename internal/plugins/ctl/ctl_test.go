package ctl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

const sample = `[
 {"id":1,"issuer_name":"C=US, O=Let's Encrypt","common_name":"example.com","name_value":"example.com\nwww.example.com"},
 {"id":2,"issuer_name":"C=US, O=Let's Encrypt","common_name":"*.api.example.com","name_value":"*.api.example.com\nWWW.example.com"},
 {"id":3,"issuer_name":"C=US, O=Let's Encrypt","common_name":"shop.example.co.uk","name_value":"shop.example.co.uk\nother.net"}
]`

// newTestClient points a client at server using a client that can reach
// loopback.
func newTestClient(c *Client, server *httptest.Server) *Client {
	c.baseURL = server.URL
	c.http = httpclient.NewReconClient(5*time.Second, "")
	c.retryInterval = 10 * time.Millisecond
	return c
}

func TestDomainSearch(t *testing.T) {
	var query atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(sample))
	}))
	defer server.Close()

	client := newTestClient(NewDomainSearch(config.CTLConfig{}, nil, toolkit.Adapt(logger.NewNop())), server)
	assert.Equal(t, "ctl", client.Name())

	out, err := client.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "%.example.com", query.Load())
	assert.Equal(t, []string{"api.example.com", "example.com", "www.example.com"}, out.Items)
	assert.NotEmpty(t, out.Raw)
}

func TestOrganisationSearch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Example Corp", r.URL.Query().Get("O"))
		_, _ = w.Write([]byte(sample))
	}))
	defer server.Close()

	client := newTestClient(NewOrganisationSearch(config.CTLConfig{}, nil, toolkit.Adapt(logger.NewNop())), server)
	out, err := client.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeCompany, Value: "Example Corp"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"example.co.uk", "example.com", "other.net"}, out.Items)
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer server.Close()

	client := newTestClient(NewDomainSearch(config.CTLConfig{}, nil, toolkit.Adapt(logger.NewNop())), server)
	out, err := client.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"}})
	require.NoError(t, err)
	assert.Empty(t, out.Items)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(NewDomainSearch(config.CTLConfig{}, nil, toolkit.Adapt(logger.NewNop())), server)
	_, err := client.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
