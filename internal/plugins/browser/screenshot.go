// Package browser captures screenshots of live web servers with headless
// Chrome.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/config"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/plugins/toolkit"
	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

var _ core.Tool = (*Screenshotter)(nil)

// Capture is one screenshot taken.
type Capture struct {
	URL        string `json:"url"`
	File       string `json:"file,omitempty"`
	StatusCode int64  `json:"status_code,omitempty"`
	Title      string `json:"title,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Screenshotter struct {
	cfg    config.ScreenshotConfig
	logger toolkit.Logger
}

func New(cfg config.ScreenshotConfig, logger toolkit.Logger) *Screenshotter {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "screenshots"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 80
	}
	return &Screenshotter{cfg: cfg, logger: logger}
}

func (s *Screenshotter) Name() string {
	return "nuclei_screenshot"
}

func (s *Screenshotter) Run(ctx context.Context, req types.JobRequest) (*types.ToolOutput, error) {
	targets := toolkit.BaseURLs(req.Inputs)
	if len(targets) == 0 {
		return &types.ToolOutput{}, nil
	}

	dir := filepath.Join(s.cfg.OutputDir, sanitize(req.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(1366, 768),
	)
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// Start the browser once up front so tabs share it.
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	var mu sync.Mutex
	captures := make([]Capture, 0, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			c := s.capture(browserCtx, target, dir)
			mu.Lock()
			captures = append(captures, c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var items []string
	for _, c := range captures {
		if c.File != "" {
			items = append(items, c.URL)
		}
	}
	raw, err := json.Marshal(captures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode captures: %w", err)
	}

	s.logger.Info("Screenshots captured", "targets", len(targets), "captured", len(items), "dir", dir)
	return &types.ToolOutput{Items: toolkit.Dedupe(items), Raw: raw}, nil
}

func (s *Screenshotter) capture(browserCtx context.Context, target, dir string) Capture {
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, s.cfg.Timeout)
	defer cancel()

	result := Capture{URL: target}
	var statusMu sync.Mutex
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			statusMu.Lock()
			if result.StatusCode == 0 {
				result.StatusCode = resp.Response.Status
			}
			statusMu.Unlock()
		}
	})

	var buf []byte
	var title string
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(target),
		chromedp.Title(&title),
		chromedp.FullScreenshot(&buf, s.cfg.Quality),
	)
	statusMu.Lock()
	defer statusMu.Unlock()
	result.Title = title
	if err != nil {
		result.Error = err.Error()
		s.logger.Debug("Screenshot failed", "url", target, "error", err)
		return result
	}

	file := filepath.Join(dir, FileName(target, s.cfg.Quality))
	if err := os.WriteFile(file, buf, 0o644); err != nil {
		result.Error = err.Error()
		s.logger.Error("Failed to write screenshot", "file", file, "error", err)
		return result
	}
	result.File = file
	return result
}

// FileName derives a stable file name for a target URL. Quality 100
// produces PNG, anything lower JPEG.
func FileName(target string, quality int) string {
	ext := ".jpg"
	if quality == 100 {
		ext = ".png"
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return sanitize(target) + ext
	}
	return sanitize(u.Scheme+"_"+u.Host) + ext
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
