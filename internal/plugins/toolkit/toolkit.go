// Package toolkit holds the helpers shared by the native tool plugins.
package toolkit

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Logger is the logging surface handed to plugins.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Domain returns the root domain a request runs against. Wildcard targets
// yield the domain under the wildcard, URL targets their host.
func Domain(req types.JobRequest) (string, error) {
	value := req.Target.Value
	if req.Target.Type == types.TargetTypeWildcard {
		value = validation.WildcardDomain(value)
	}
	host, ok := validation.NormalizeHost(value)
	if !ok {
		return "", fmt.Errorf("target %q has no usable domain", req.Target.Value)
	}
	return host, nil
}

// InScopeHosts normalises raw values and keeps those under domain,
// deduplicated and sorted.
func InScopeHosts(raw []string, domain string) []string {
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		host, ok := validation.NormalizeHost(r)
		if !ok || !validation.InScope(host, domain) {
			continue
		}
		seen[host] = struct{}{}
	}
	return sortedKeys(seen)
}

// Dedupe trims, drops empties and sorts.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Lines splits tool output into non-empty trimmed lines.
func Lines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// BaseURLs turns probe inputs into absolute URLs. Bare hosts get https.
func BaseURLs(inputs []string) []string {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		if !strings.Contains(in, "://") {
			in = "https://" + in
		}
		u, err := url.Parse(in)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Scheme+"://"+u.Host)
	}
	return Dedupe(out)
}

// Cap truncates values to at most limit entries. A non-positive limit
// keeps everything.
func Cap(values []string, limit int) []string {
	if limit > 0 && len(values) > limit {
		return values[:limit]
	}
	return values
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Adapt exposes a structured logger through the plugin Logger interface.
func Adapt(l *logger.Logger) Logger {
	return &loggerAdapter{logger: l}
}

type loggerAdapter struct {
	logger *logger.Logger
}

func (l *loggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *loggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *loggerAdapter) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}
