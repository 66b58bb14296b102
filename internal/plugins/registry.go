package plugins

import (
	"fmt"
	"sort"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/browser"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/cewl"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/crawler"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/ctl"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/dnsbrute"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/external"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/httpx"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/jsfinder"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/metadata"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/whois"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/ratelimit"
)

// RegisterDefaultPlugins registers every tool the pipelines reference.
func RegisterDefaultPlugins(pm core.PluginManager, cfg config.ToolsConfig, log *logger.Logger) error {
	logAdapter := toolkit.Adapt(log.WithComponent("plugins"))
	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	// External binaries, registered in name order so failures are stable.
	names := make([]string, 0, len(cfg.Exec))
	for name := range cfg.Exec {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tool := external.New(name, cfg.Exec[name], logAdapter)
		if err := tool.Validate(); err != nil {
			log.Warnw("External tool not installed, its steps will fail", "tool", name, "error", err)
		}
		if err := pm.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}

	spider := crawler.New(cfg.Crawler, limiter, logAdapter)
	bruteforcer := dnsbrute.New(cfg.DNS, logAdapter)

	native := []core.Tool{
		ctl.NewDomainSearch(cfg.CTL, limiter, logAdapter),
		ctl.NewOrganisationSearch(cfg.CTL, limiter, logAdapter),
		bruteforcer,
		cewl.New(spider, bruteforcer, logAdapter),
		crawler.NewSpiderTool(spider),
		jsfinder.New(cfg.Crawler, limiter, logAdapter),
		httpx.New(cfg.HTTPX, limiter, logAdapter),
		browser.New(cfg.Screenshot, logAdapter),
		metadata.New(cfg.Metadata, limiter, logAdapter),
		whois.New(cfg.Whois, logAdapter),
	}
	for _, tool := range native {
		if err := pm.Register(tool); err != nil {
			return fmt.Errorf("failed to register %s: %w", tool.Name(), err)
		}
	}

	return nil
}
