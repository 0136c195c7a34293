package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const defaultUserAgent = `Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36`

// stealthScript runs on every new document before the site's own scripts,
// hiding the usual automation tells.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en', 'zh-CN', 'zh']});
`

// FatalError means the browser could not be started or has crashed. The run
// aborts immediately; there is nothing to retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("browser: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Options configures the headless browser.
type Options struct {
	Headless    bool
	Proxy       string
	UserAgent   string
	BinaryPath  string
	UserDataDir string
	DumpDir     string // where failure screenshots/page sources go
}

// Driver drives a single Chrome instance over CDP. The session stays alive
// for the whole login attempt; Close releases it.
type Driver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger
	dumpDir     string
}

// New starts the browser. A missing or broken binary fails here, before any
// login state is entered.
func New(opts Options, logger *slog.Logger) (*Driver, error) {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(ua),
	)
	if opts.BinaryPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.BinaryPath))
	}
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	if opts.Proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	d := &Driver{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
		dumpDir:     opts.DumpDir,
	}

	// Launch now and install the stealth overrides for every document.
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
	if err != nil {
		d.Close()
		return nil, &FatalError{Err: fmt.Errorf("failed to start browser: %w", err)}
	}

	d.logger.Info("browser started", "headless", opts.Headless)
	return d, nil
}

// Navigate loads a URL and waits for the body to be ready.
func (d *Driver) Navigate(url string) error {
	return d.run(30*time.Second,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// WaitVisible blocks until the selector is visible or the timeout elapses.
func (d *Driver) WaitVisible(sel string, timeout time.Duration) error {
	return d.run(timeout, chromedp.WaitVisible(sel, chromedp.ByQuery))
}

// SendKeys clears the matched input and types text into it.
func (d *Driver) SendKeys(sel, text string) error {
	return d.run(10*time.Second,
		chromedp.SetValue(sel, "", chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
}

// Click clicks the first element matching sel. If the native click fails
// (overlays, Ant Design buttons), it falls back to a script click.
func (d *Driver) Click(sel string) error {
	if err := d.run(10*time.Second, chromedp.Click(sel, chromedp.ByQuery)); err == nil {
		return nil
	}
	return d.run(10*time.Second,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q).click()`, sel), nil),
	)
}

// Exists reports whether any element matches sel right now.
func (d *Driver) Exists(sel string) (bool, error) {
	var found bool
	err := d.run(5*time.Second,
		chromedp.Evaluate(fmt.Sprintf(`document.querySelector(%q) !== null`, sel), &found),
	)
	return found, err
}

// TextContent returns the joined text of all elements matching sel.
func (d *Driver) TextContent(sel string) (string, error) {
	var texts []string
	err := d.run(5*time.Second, chromedp.Evaluate(fmt.Sprintf(
		`Array.from(document.querySelectorAll(%q)).map(e => e.textContent.trim()).filter(t => t.length > 0)`,
		sel), &texts))
	if err != nil {
		return "", err
	}
	out := ""
	for _, t := range texts {
		if out != "" {
			out += "\n"
		}
		out += t
	}
	return out, nil
}

// Disabled reports whether the first element matching sel carries a
// disabled attribute.
func (d *Driver) Disabled(sel string) (bool, error) {
	var disabled bool
	err := d.run(5*time.Second, chromedp.Evaluate(fmt.Sprintf(
		`(() => { const e = document.querySelector(%q); return e !== null && e.disabled === true; })()`,
		sel), &disabled))
	return disabled, err
}

// Location returns the current URL.
func (d *Driver) Location() (string, error) {
	var url string
	err := d.run(5*time.Second, chromedp.Location(&url))
	return url, err
}

// Title returns the current page title.
func (d *Driver) Title() (string, error) {
	var title string
	err := d.run(5*time.Second, chromedp.Title(&title))
	return title, err
}

// PageSource returns the serialized DOM of the current page.
func (d *Driver) PageSource() (string, error) {
	var html string
	err := d.run(10*time.Second,
		chromedp.Evaluate(`document.documentElement.outerHTML`, &html),
	)
	return html, err
}

// Sleep waits on the browser context, so it unblocks if the session dies.
func (d *Driver) Sleep(dur time.Duration) {
	_ = chromedp.Run(d.ctx, chromedp.Sleep(dur))
}

// DumpPage writes a screenshot and the page source to the dump directory for
// post-mortem inspection. Best effort; failures are only logged.
func (d *Driver) DumpPage(label string) {
	if d.dumpDir == "" {
		return
	}
	if err := os.MkdirAll(d.dumpDir, 0o755); err != nil {
		d.logger.Warn("cannot create dump dir", "dir", d.dumpDir, "error", err)
		return
	}
	stamp := time.Now().Format("2006-01-02T15-04-05")

	var shot []byte
	if err := d.run(15*time.Second, chromedp.FullScreenshot(&shot, 90)); err == nil {
		name := filepath.Join(d.dumpDir, fmt.Sprintf("%s_%s.png", label, stamp))
		if err := os.WriteFile(name, shot, 0o644); err != nil {
			d.logger.Warn("failed to save screenshot", "error", err)
		} else {
			d.logger.Info("saved failure screenshot", "path", name)
		}
	}

	if src, err := d.PageSource(); err == nil {
		name := filepath.Join(d.dumpDir, fmt.Sprintf("%s_%s.html", label, stamp))
		if err := os.WriteFile(name, []byte(src), 0o644); err != nil {
			d.logger.Warn("failed to save page source", "error", err)
		}
	}
}

// Close releases the browser. Always safe to call.
func (d *Driver) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
}

func (d *Driver) run(timeout time.Duration, actions ...chromedp.Action) error {
	ctx := d.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, timeout)
		defer cancel()
	}
	return chromedp.Run(ctx, actions...)
}
