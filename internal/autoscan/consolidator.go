package autoscan

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Consolidator merges tool results into a session's consolidated sets.
// Sets only ever grow: the store inserts with conflict-ignore and never
// deletes, so consolidating the same inputs twice changes nothing.
type Consolidator struct {
	store  core.SessionStore
	logger *logger.Logger
}

func NewConsolidator(store core.SessionStore, log *logger.Logger) *Consolidator {
	return &Consolidator{store: store, logger: log.WithComponent("consolidator")}
}

func (c *Consolidator) Consolidate(ctx context.Context, session *types.Session, kind types.AssetKind, step types.Step, inputs []*types.ToolResult) (*types.ConsolidatedResult, error) {
	scope := scopeDomain(session)

	seen := make(map[string]struct{})
	rejected := 0
	for _, result := range inputs {
		if result == nil {
			continue
		}
		for _, raw := range result.Items {
			value, ok := Normalize(kind, scope, raw)
			if !ok {
				rejected++
				continue
			}
			seen[value] = struct{}{}
		}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)

	added := 0
	if len(values) > 0 {
		var err error
		added, err = c.store.AddAssets(ctx, session.ID, kind, step, values)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s assets: %w", kind, err)
		}
	}

	total, err := c.store.CountAssets(ctx, session.ID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s assets: %w", kind, err)
	}

	c.logger.Infow("Consolidated results",
		"session_id", session.ID,
		"step", step,
		"kind", kind,
		"inputs", len(inputs),
		"unique", len(values),
		"added", added,
		"rejected", rejected,
		"total", total,
	)

	return &types.ConsolidatedResult{
		SessionID: session.ID,
		Kind:      kind,
		Added:     added,
		Total:     total,
		Values:    values,
	}, nil
}

// Normalize turns one raw tool line into the canonical key for kind.
// scope, when set, restricts subdomains to that domain.
func Normalize(kind types.AssetKind, scope, raw string) (string, bool) {
	switch kind {
	case types.AssetSubdomain:
		host, ok := validation.NormalizeHost(raw)
		if !ok {
			return "", false
		}
		if scope != "" && !validation.InScope(host, scope) {
			return "", false
		}
		return host, true

	case types.AssetCompanyDomain:
		return validation.RootDomain(raw)

	case types.AssetNetworkRange:
		return validation.NormalizeCIDR(raw)

	case types.AssetLiveWebServer:
		return normalizeURL(raw)
	}
	return "", false
}

// normalizeURL keeps scheme, host and port of a live endpoint.
func normalizeURL(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host, ok := validation.NormalizeHost(u.Hostname())
	if !ok {
		return "", false
	}
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}

func scopeDomain(session *types.Session) string {
	if session.TargetType != types.TargetTypeWildcard {
		return ""
	}
	return validation.WildcardDomain(session.TargetValue)
}
