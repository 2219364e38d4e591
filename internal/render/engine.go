// Package render wraps a headless browser: load a store URL, dismiss popups,
// capture a top-of-page screenshot, and expose the DOM to the extractors.
package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/internal/config"
)

const (
	viewportWidth  = 1366
	viewportHeight = 900
)

// Renderer loads a URL and produces a RenderedPage plus a screenshot file.
type Renderer interface {
	Render(ctx context.Context, url, screenshotPath string, timeout time.Duration) (*RenderedPage, error)
}

// Engine is the chromedp-backed Renderer. One Engine owns the browser
// process; every Render call runs in its own tab context, so state is never
// shared across requests.
type Engine struct {
	cfg         config.RenderConfig
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewEngine starts the headless browser allocator with a desktop user agent
// and Brazilian locale.
func NewEngine(cfg config.RenderConfig) *Engine {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoFirstRun,
		chromedp.Headless,
		chromedp.NoSandbox,
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.Flag("lang", cfg.Locale),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Engine{
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

// Close shuts down the browser allocator.
func (e *Engine) Close() {
	if e.allocCancel != nil {
		e.allocCancel()
	}
}

// Render navigates to url, waits for DOM content plus a settle delay, closes
// overlays, scrolls to top, writes a clipped screenshot to screenshotPath and
// returns the page DOM. Each call is independent.
func (e *Engine) Render(ctx context.Context, url, screenshotPath string, timeout time.Duration) (*RenderedPage, error) {
	tabCtx, tabCancel := chromedp.NewContext(e.allocCtx)
	defer tabCancel()

	runCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	// Honor caller cancellation without sharing its values with the tab.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	log := zap.L().With(zap.String("url", url))

	var statusCode int
	settle := time.Duration(e.cfg.SettleDelayMs) * time.Millisecond

	resp, err := chromedp.RunResponse(runCtx,
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": e.cfg.Locale + ",pt;q=0.9"}),
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
		chromedp.Navigate(url),
	)
	if err != nil {
		return nil, classifyNavError(url, err)
	}
	if resp != nil {
		statusCode = int(resp.Status)
	}

	if err := chromedp.Run(runCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settle),
	); err != nil {
		return nil, classifyNavError(url, err)
	}

	e.dismissPopups(runCtx, log)

	var html string
	var pageHeight float64
	if err := chromedp.Run(runCtx,
		chromedp.Evaluate(`window.scrollTo(0, 0)`, nil),
		chromedp.Evaluate(`document.documentElement.scrollHeight`, &pageHeight),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, classifyNavError(url, err)
	}

	if blocked, blockType := DetectBlock(statusCode, html); blocked {
		log.Debug("render: page blocked", zap.String("block_type", string(blockType)))
		return nil, newError(ErrBlockedBySite, url, eris.Errorf("blocked: %s", blockType))
	}

	if err := e.screenshot(runCtx, screenshotPath, pageHeight); err != nil {
		return nil, newError(ErrScreenshot, url, err)
	}

	rendered, err := NewPageFromHTML(url, html)
	if err != nil {
		return nil, newError(ErrNavigation, url, err)
	}

	log.Debug("render: page rendered",
		zap.Int("status", statusCode),
		zap.Int("html_bytes", len(html)),
	)
	return rendered, nil
}

// screenshot captures the top clip of the page and writes it to path.
func (e *Engine) screenshot(ctx context.Context, path string, pageHeight float64) error {
	clip := ClipHeight(pageHeight)

	var buf []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{
				X:      0,
				Y:      0,
				Width:  viewportWidth,
				Height: clip,
				Scale:  1,
			}).
			Do(ctx)
		return err
	})

	if err := chromedp.Run(ctx,
		emulation.SetDeviceMetricsOverride(viewportWidth, int64(clip), 1, false),
		capture,
	); err != nil {
		return eris.Wrap(err, "render: capture screenshot")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "render: create screenshot dir")
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return eris.Wrap(err, "render: write screenshot")
	}
	return nil
}

// dismissPopups runs the three overlay passes. Failures fall through to the
// next pass; the screenshot proceeds regardless.
func (e *Engine) dismissPopups(ctx context.Context, log *zap.Logger) {
	passes := []struct {
		name string
		js   string
	}{
		{"accept", acceptPopupsJS},
		{"close", closePopupsJS},
		{"remove_overlays", removeOverlaysJS},
	}

	for _, pass := range passes {
		var acted int
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(pass.js, &acted),
			chromedp.Sleep(300*time.Millisecond),
		); err != nil {
			log.Debug("render: popup pass failed", zap.String("pass", pass.name), zap.Error(err))
			continue
		}
		if acted > 0 {
			log.Debug("render: popup pass acted", zap.String("pass", pass.name), zap.Int("count", acted))
		}
	}
}

// ClipHeight returns the screenshot clip height for a page of the given
// height: min(max(height*0.45, 900), 1800).
func ClipHeight(pageHeight float64) float64 {
	clip := pageHeight * 0.45
	if clip < 900 {
		clip = 900
	}
	if clip > 1800 {
		clip = 1800
	}
	return clip
}

func classifyNavError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrLoadTimeout, url, err)
	}
	return newError(ErrNavigation, url, err)
}
