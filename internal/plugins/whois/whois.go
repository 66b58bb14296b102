// Package whois verifies candidate company domains against their WHOIS
// registrant organisation.
package whois

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var corporateSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true,
	"corp": true, "corporation": true, "co": true, "company": true, "gmbh": true,
	"ag": true, "sa": true, "plc": true, "bv": true, "pty": true, "group": true,
}

var _ core.Tool = (*Verifier)(nil)

// Lookup is one domain's WHOIS outcome.
type Lookup struct {
	Domain       string `json:"domain"`
	Organization string `json:"organization,omitempty"`
	Registrar    string `json:"registrar,omitempty"`
	Matched      bool   `json:"matched"`
	Error        string `json:"error,omitempty"`
}

type Verifier struct {
	timeout     time.Duration
	concurrency int
	query       func(domain string) (string, error)
	logger      toolkit.Logger
}

func New(cfg config.WhoisConfig, logger toolkit.Logger) *Verifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	client := whois.NewClient().SetTimeout(cfg.Timeout)
	return &Verifier{
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		query:       func(domain string) (string, error) { return client.Whois(domain) },
		logger:      logger,
	}
}

func (v *Verifier) Name() string {
	return "whois_company"
}

func (v *Verifier) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	org := NormalizeOrganization(req.Target.Value)
	if org == "" {
		return nil, fmt.Errorf("organisation name %q is empty after normalisation", req.Target.Value)
	}

	var mu sync.Mutex
	var lookups []Lookup

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for _, in := range toolkit.Dedupe(req.Inputs) {
		domain, ok := validation.RootDomain(in)
		if !ok {
			continue
		}
		g.Go(func() error {
			l := v.lookup(gctx, domain, org)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			lookups = append(lookups, l)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(lookups, func(i, j int) bool { return lookups[i].Domain < lookups[j].Domain })
	var items []string
	for _, l := range lookups {
		if l.Matched {
			items = append(items, l.Domain)
		}
	}
	raw, err := json.Marshal(lookups)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lookups: %w", err)
	}

	v.logger.Info("WHOIS verification finished", "organization", req.Target.Value,
		"checked", len(lookups), "verified", len(items))
	return &types.ToolOutput{Items: toolkit.Dedupe(items), Raw: raw}, nil
}

func (v *Verifier) lookup(ctx context.Context, domain, org string) Lookup {
	result := Lookup{Domain: domain}

	type answer struct {
		raw string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		raw, err := v.query(domain)
		ch <- answer{raw, err}
	}()

	var a answer
	select {
	case a = <-ch:
	case <-ctx.Done():
		result.Error = ctx.Err().Error()
		return result
	}
	if a.err != nil {
		result.Error = a.err.Error()
		return result
	}

	info, err := whoisparser.Parse(a.raw)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if info.Registrant != nil {
		result.Organization = info.Registrant.Organization
	}
	if info.Registrar != nil {
		result.Registrar = info.Registrar.Name
	}
	result.Matched = OrganizationMatches(result.Organization, org)
	return result
}

// NormalizeOrganization lower-cases an organisation name, drops
// punctuation and trailing corporate suffixes.
func NormalizeOrganization(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for len(fields) > 1 && corporateSuffixes[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// OrganizationMatches reports whether a registrant organisation belongs to
// the normalised target organisation.
func OrganizationMatches(registrant, normalizedTarget string) bool {
	reg := NormalizeOrganization(registrant)
	if reg == "" || normalizedTarget == "" {
		return false
	}
	return reg == normalizedTarget ||
		strings.HasPrefix(reg, normalizedTarget+" ") ||
		strings.HasPrefix(normalizedTarget, reg+" ")
}
