// Package dnsbrute resolves candidate labels under a domain against a pool
// of public resolvers.
package dnsbrute

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.Tool = (*Bruteforcer)(nil)

// Result is one resolved candidate.
type Result struct {
	Host  string   `json:"host"`
	IPs   []string `json:"ips"`
	CNAME string   `json:"cname,omitempty"`
}

type Bruteforcer struct {
	name        string
	resolvers   []string
	wordlist    string
	concurrency int
	client      *dns.Client
	logger      toolkit.Logger
}

func New(cfg config.DNSConfig, logger toolkit.Logger) *Bruteforcer {
	if len(cfg.Resolvers) == 0 {
		cfg.Resolvers = []string{"1.1.1.1:53", "8.8.8.8:53", "9.9.9.9:53"}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 50
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Bruteforcer{
		name:        "shuffledns",
		resolvers:   cfg.Resolvers,
		wordlist:    cfg.Wordlist,
		concurrency: cfg.Concurrency,
		client:      &dns.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

func (b *Bruteforcer) Name() string {
	return b.name
}

func (b *Bruteforcer) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	domain, err := toolkit.Domain(req)
	if err != nil {
		return nil, err
	}
	words, err := b.loadWordlist()
	if err != nil {
		return nil, err
	}
	words = append(words, req.Inputs...)

	results, err := b.Resolve(ctx, domain, words)
	if err != nil {
		return nil, err
	}
	return Output(results)
}

// Output converts results into a tool output.
func Output(results []Result) (*types.ToolOutput, error) {
	items := make([]string, len(results))
	for i, r := range results {
		items[i] = r.Host
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	return &types.ToolOutput{Items: items, Raw: raw}, nil
}

// Resolve tries every word as a label under domain and returns the names
// that resolve, excluding wildcard answers.
func (b *Bruteforcer) Resolve(ctx context.Context, domain string, words []string) ([]Result, error) {
	candidates := candidateHosts(domain, words)

	wildcard := b.wildcardAnswers(ctx, domain)
	if len(wildcard) > 0 {
		b.logger.Info("Wildcard DNS detected", "domain", domain, "ips", keys(wildcard))
	}

	var mu sync.Mutex
	var results []Result

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, host := range candidates {
		i, host := i, host
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ips, cname := b.lookup(gctx, host, i)
			if len(ips) == 0 || isWildcard(ips, wildcard) {
				return nil
			}
			mu.Lock()
			results = append(results, Result{Host: host, IPs: ips, CNAME: cname})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Host < results[j].Host })
	b.logger.Info("DNS brute force finished", "domain", domain,
		"tested", len(candidates), "found", len(results))
	return results, nil
}

// lookup asks resolvers in turn, starting at a position derived from n so
// load is spread across the pool.
func (b *Bruteforcer) lookup(ctx context.Context, host string, n int) ([]string, string) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	for attempt := 0; attempt < len(b.resolvers); attempt++ {
		resolver := b.resolvers[(n+attempt)%len(b.resolvers)]
		resp, _, err := b.client.ExchangeContext(ctx, msg, resolver)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ""
			}
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, ""
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}

		var ips []string
		var cname string
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				ips = append(ips, rr.A.String())
			case *dns.CNAME:
				cname = strings.TrimSuffix(rr.Target, ".")
			}
		}
		sort.Strings(ips)
		return ips, cname
	}
	return nil, ""
}

func (b *Bruteforcer) wildcardAnswers(ctx context.Context, domain string) map[string]struct{} {
	probe := "autoscan-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "." + domain
	ips, _ := b.lookup(ctx, probe, 0)
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	return set
}

func (b *Bruteforcer) loadWordlist() ([]string, error) {
	if b.wordlist == "" {
		return defaultWords, nil
	}
	f, err := os.Open(b.wordlist)
	if err != nil {
		return nil, fmt.Errorf("failed to open wordlist: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" && !strings.HasPrefix(w, "#") {
			words = append(words, w)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wordlist: %w", err)
	}
	return words, nil
}

func candidateHosts(domain string, words []string) []string {
	seen := make(map[string]struct{}, len(words))
	hosts := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(strings.ToLower(strings.TrimSpace(w)), ".")
		if w == "" || strings.ContainsAny(w, " /:@") {
			continue
		}
		host := w + "." + domain
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts
}

func isWildcard(ips []string, wildcard map[string]struct{}) bool {
	if len(wildcard) == 0 {
		return false
	}
	for _, ip := range ips {
		if _, ok := wildcard[ip]; !ok {
			return false
		}
	}
	return true
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var defaultWords = []string{
	"www", "mail", "ftp", "smtp", "pop", "imap", "webmail", "remote", "vpn",
	"api", "dev", "test", "staging", "stage", "qa", "uat", "prod", "beta",
	"admin", "portal", "app", "apps", "auth", "login", "sso", "id", "account",
	"blog", "shop", "store", "cdn", "static", "assets", "img", "images", "media",
	"docs", "help", "support", "status", "git", "gitlab", "jenkins", "ci", "jira",
	"confluence", "wiki", "grafana", "kibana", "monitor", "metrics", "internal",
	"intranet", "m", "mobile", "ns1", "ns2", "mx", "dashboard", "beta-api", "old",
}
