package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockPrivateRefusesLoopback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(ClientConfig{Timeout: 5 * time.Second, BlockPrivate: true})
	_, err := Get(context.Background(), client, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private address blocked")
}

func TestReconClientReachesLoopback(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewReconClient(5*time.Second, "autoscan-test")
	resp, err := Get(context.Background(), client, server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "autoscan-test", gotUA)
}

func TestProbeClientDoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()

	client := NewProbeClient(5*time.Second, false)
	resp, err := Get(context.Background(), client, server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestRedirectLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	client := New(ClientConfig{Timeout: 5 * time.Second, FollowRedirects: true, MaxRedirects: 2})
	_, err := Get(context.Background(), client, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}

func TestGetRespectsCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewReconClient(5*time.Second, "")
	_, err := Get(ctx, client, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request cancelled")
}

func TestReadBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	resp, err := Get(context.Background(), NewReconClient(5*time.Second, ""), server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	body, err := ReadBody(resp, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(body))
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700:4700::1111", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, isPrivateIP(net.ParseIP(tt.ip)))
		})
	}
}
