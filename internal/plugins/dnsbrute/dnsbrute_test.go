package dnsbrute

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// startResolver serves A records from records. When wildcard is set every
// other name under the zone answers with it.
func startResolver(t *testing.T, records map[string]string, wildcard string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			ip, ok := records[q.Name]
			if !ok && wildcard != "" {
				ip, ok = wildcard, true
			}
			if ok && q.Qtype == dns.TypeA {
				rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			} else if !ok {
				m.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func newBruteforcer(resolver string, wordlist string) *Bruteforcer {
	return New(config.DNSConfig{
		Resolvers:   []string{resolver},
		Wordlist:    wordlist,
		Concurrency: 4,
	}, toolkit.Adapt(logger.NewNop()))
}

func TestResolveFindsRecords(t *testing.T) {
	addr := startResolver(t, map[string]string{
		"api.example.com.": "192.0.2.10",
		"dev.example.com.": "192.0.2.11",
	}, "")

	b := newBruteforcer(addr, "")
	results, err := b.Resolve(context.Background(), "example.com", []string{"api", "dev", "nothing", "API"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "api.example.com", results[0].Host)
	assert.Equal(t, []string{"192.0.2.10"}, results[0].IPs)
	assert.Equal(t, "dev.example.com", results[1].Host)
}

func TestResolveFiltersWildcardAnswers(t *testing.T) {
	addr := startResolver(t, map[string]string{
		"api.example.com.": "192.0.2.10",
	}, "203.0.113.1")

	b := newBruteforcer(addr, "")
	results, err := b.Resolve(context.Background(), "example.com", []string{"api", "random", "other"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "api.example.com", results[0].Host)
}

func TestRunUsesWordlistAndInputs(t *testing.T) {
	addr := startResolver(t, map[string]string{
		"vault.example.com.": "192.0.2.20",
		"jira.example.com.":  "192.0.2.21",
	}, "")

	wordlist := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(wordlist, []byte("# comment\nvault\nmissing\n"), 0o600))

	b := newBruteforcer(addr, wordlist)
	out, err := b.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"},
		Inputs: []string{"jira"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"jira.example.com", "vault.example.com"}, out.Items)
	assert.Contains(t, string(out.Raw), "192.0.2.20")
}

func TestRunMissingWordlist(t *testing.T) {
	b := newBruteforcer("127.0.0.1:1", "/does/not/exist")
	_, err := b.Run(context.Background(), types.JobRequest{
		Target: types.ScopeTarget{Type: types.TargetTypeWildcard, Value: "*.example.com"}})
	assert.Error(t, err)
}

func TestCandidateHosts(t *testing.T) {
	got := candidateHosts("example.com", []string{"www", "WWW", " api. ", "bad word", "", "a/b"})
	assert.Equal(t, []string{"www.example.com", "api.example.com"}, got)
}
