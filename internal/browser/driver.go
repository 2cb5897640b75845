package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/saltenhof/gemini-session-pool/internal/config"
	"github.com/saltenhof/gemini-session-pool/internal/selectors"
	"github.com/saltenhof/gemini-session-pool/internal/types"
)

// staleLockFiles lists the Chrome singleton files that survive an unclean
// shutdown and prevent a new process from attaching to the same profile
// directory. They are safe to remove before every launch because Chrome
// only uses them to detect a second process racing for the same profile.
var staleLockFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

// Driver owns the single persistent browser context that backs every slot.
// Unlike a pool of disposable browsers, Driver launches exactly one browser
// against a disk-persisted Chrome profile so the logged-in Google session
// survives restarts; each slot gets its own tab (rod.Page) within that one
// context.
//
// Lock ordering: mu guards browser/firstPage/firstPageTaken only. Callers
// must not hold mu while waiting on slow page operations (navigation,
// WaitForLogin) - those operate on a *rod.Page handed out by CreateSlotPage
// and need no further synchronization from Driver.
type Driver struct {
	mu     sync.Mutex
	cfg    *config.Config
	sel    *selectors.Manager
	l      *launcher.Launcher
	browser *rod.Browser

	// firstPage is the tab Chrome opens automatically on launch. The
	// original tooling reuses it as slot 1 instead of opening (and
	// leaking) a second blank tab immediately after start.
	firstPage      *rod.Page
	firstPageTaken bool

	closed         atomic.Bool
	forcedReload   atomic.Bool // WaitForLogin issues at most one forced reload per process lifetime
}

// NewDriver constructs a Driver bound to the given config and selector
// manager. Start must be called before the driver is usable.
func NewDriver(cfg *config.Config, sel *selectors.Manager) *Driver {
	return &Driver{cfg: cfg, sel: sel}
}

// Start launches the browser against the configured profile directory and
// connects to it, reusing Chrome's initial tab as the first slot page.
func (d *Driver) Start(ctx context.Context) error {
	profileDir := d.cfg.Browser.ResolvedProfileDir()
	if profileDir == "" {
		return types.NewDriverError("start", "", fmt.Errorf("chrome_profile_dir is empty"))
	}
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return types.NewDriverError("start", "", fmt.Errorf("create profile dir: %w", err))
	}
	cleanupStaleLocks(profileDir)

	l := buildLauncher(d.cfg, profileDir)
	controlURL, err := l.Launch()
	if err != nil {
		return types.NewDriverError("start", "", fmt.Errorf("launch browser: %w", err))
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return types.NewDriverError("start", "", fmt.Errorf("connect to browser: %w", err))
	}

	pages, err := browser.Pages()
	if err != nil || len(pages) == 0 {
		_ = browser.Close()
		l.Kill()
		return types.NewDriverError("start", "", fmt.Errorf("no initial page available"))
	}

	d.mu.Lock()
	d.l = l
	d.browser = browser
	d.firstPage = pages[0]
	d.firstPageTaken = false
	d.mu.Unlock()

	log.Info().Str("profile_dir", profileDir).Msg("browser driver started")
	return nil
}

// CreateSlotPage returns a page for a newly-acquired slot: the reused
// initial tab the first time, a freshly opened tab every time after.
func (d *Driver) CreateSlotPage(ctx context.Context) (*rod.Page, error) {
	d.mu.Lock()
	if d.browser == nil {
		d.mu.Unlock()
		return nil, types.ErrDriverNotReady
	}
	if !d.firstPageTaken {
		d.firstPageTaken = true
		page := d.firstPage
		d.mu.Unlock()
		if err := d.prepPage(page); err != nil {
			return nil, err
		}
		return page, nil
	}
	browser := d.browser
	d.mu.Unlock()

	page, err := d.newStealthPage(browser.Context(ctx))
	if err != nil {
		return nil, types.NewDriverError("create_slot_page", "", err)
	}
	return page, nil
}

// newStealthPage opens a new tab with stealth.js injected before any page
// script runs, then layers the supplementary anti-detection patches on
// top and sets a standard desktop viewport.
func (d *Driver) newStealthPage(browser *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("open stealth page: %w", err)
	}
	if err := d.prepPage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// prepPage applies the supplementary anti-detection patches and a standard
// viewport to a page. Failure to set the viewport is logged, not fatal;
// an error returned by ApplyStealthToPage (a syntax or reference error in
// the stealth script) is returned as a driver error.
func (d *Driver) prepPage(page *rod.Page) error {
	if err := SetViewport(page, 1920, 1080); err != nil {
		log.Warn().Err(err).Msg("failed to set viewport on slot page")
	}
	if err := ApplyStealthToPage(page); err != nil {
		return types.NewDriverError("prep_page", "", err)
	}
	return nil
}

// RestartSlotPage closes a broken slot page and opens a replacement
// navigated back to the configured gem, used when a slot's page dies
// mid-session (crashed renderer, closed tab).
func (d *Driver) RestartSlotPage(ctx context.Context, old *rod.Page) (*rod.Page, error) {
	if old != nil {
		_ = old.Close()
	}

	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return nil, types.ErrDriverNotReady
	}

	page, err := d.newStealthPage(browser.Context(ctx))
	if err != nil {
		return nil, types.NewDriverError("restart_slot_page", "", err)
	}
	if err := d.NavigateToNewChat(ctx, page); err != nil {
		return nil, err
	}
	return page, nil
}

// NavigateToNewChat navigates a page to the configured gem URL and waits
// for a logged-in indicator, retrying navigation up to NavigationRetries
// times on timeout.
func (d *Driver) NavigateToNewChat(ctx context.Context, page *rod.Page) error {
	return d.navigateTo(ctx, page, d.cfg.Browser.GemURL, true)
}

// NavigateToBaseURL navigates a page to the base application URL (the
// plain app, not a specific gem) used once at startup for the auth flow,
// which Google's login redirect handles more reliably there than on a
// deep-linked gem. It does not wait for a logged-in indicator, since the
// page may still need a manual login at this point.
func (d *Driver) NavigateToBaseURL(ctx context.Context, page *rod.Page) error {
	return d.navigateTo(ctx, page, d.cfg.Browser.BaseURL, false)
}

func (d *Driver) navigateTo(ctx context.Context, page *rod.Page, url string, waitLoggedIn bool) error {
	s := d.sel.Get()
	timeout := time.Duration(d.cfg.Browser.NavigationTimeoutMS) * time.Millisecond
	retries := d.cfg.Browser.NavigationRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := func() error {
			pc := page.Context(ctx).Timeout(timeout)
			if err := pc.Navigate(url); err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			if err := pc.WaitLoad(); err != nil {
				return fmt.Errorf("wait load: %w", err)
			}
			if waitLoggedIn {
				if _, err := pc.Element(orSelector(s.LoggedInIndicators)); err != nil {
					return fmt.Errorf("wait logged-in indicator: %w", err)
				}
			}
			return nil
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("navigate attempt failed")
	}
	return types.NewDriverError("navigate", url, lastErr)
}

// IsLoggedIn reports whether the page currently shows a logged-in
// indicator and no not-logged-in indicator.
func (d *Driver) IsLoggedIn(page *rod.Page) bool {
	s := d.sel.Get()
	if hasAny(page, s.NotLoggedInIndicators) {
		return false
	}
	return hasAny(page, s.LoggedInIndicators)
}

// IsEnterprise reports whether the active Gemini session is on an
// enterprise (Workspace) tenant rather than the free consumer product.
func (d *Driver) IsEnterprise(page *rod.Page) bool {
	s := d.sel.Get()
	return hasAny(page, s.EnterpriseIndicators)
}

// WaitForLogin polls for a logged-in indicator for up to five minutes,
// forcing a single reload if the page is stuck on the post-auth redirect
// splash screen (zero-state-theme) past the halfway mark - Google's OAuth
// redirect occasionally lands the SPA in a state that never settles
// without user interaction otherwise.
func (d *Driver) WaitForLogin(ctx context.Context, page *rod.Page) error {
	const maxWait = 5 * time.Minute
	const pollInterval = 2 * time.Second

	deadline := time.Now().Add(maxWait)

	for time.Now().Before(deadline) {
		if d.IsLoggedIn(page) {
			return nil
		}

		if time.Now().After(deadline.Add(-maxWait/2)) && d.forcedReload.CompareAndSwap(false, true) {
			s := d.sel.Get()
			if hasAny(page, s.FreeIndicators) {
				if err := page.Context(ctx).Reload(); err != nil {
					log.Warn().Err(err).Msg("forced reload during wait_for_login failed")
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return types.ErrLoginTimeout
}

// DetectErrors inspects the page for bot detection, session-expiry, or a
// dismissible error dialog, returning a short machine-readable kind and
// whether it found anything.
func (d *Driver) DetectErrors(page *rod.Page) (kind string, found bool) {
	s := d.sel.Get()
	switch {
	case hasAny(page, s.BotDetection):
		return "bot_detection", true
	case hasAny(page, s.SessionExpired):
		return "session_expired", true
	case hasAny(page, s.ErrorDialogs):
		d.dismissErrorDialog(page, s.ErrorDialogs)
		return "dismissible_error", true
	default:
		return "", false
	}
}

func (d *Driver) dismissErrorDialog(page *rod.Page, candidates []string) {
	el, err := page.Timeout(2 * time.Second).Element(orSelector(candidates))
	if err != nil {
		return
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Debug().Err(err).Msg("failed to click error dialog dismiss button")
	}
}

// DismissCookieConsent clicks the cookie-consent accept button if present.
// Absence is not an error - the banner only shows on a fresh profile or
// after a regional consent policy change, and callers run this once per
// startup on the first tab only.
func (d *Driver) DismissCookieConsent(page *rod.Page) {
	s := d.sel.Get()
	el, err := page.Timeout(3 * time.Second).Element(orSelector(s.CookieAcceptButton))
	if err != nil {
		return
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		log.Debug().Err(err).Msg("failed to click cookie consent accept button")
	}
}

// CheckContextAlive pings the browser over CDP; a closed context fails to
// answer a trivial IPC call even before its process has fully exited.
func (d *Driver) CheckContextAlive() bool {
	d.mu.Lock()
	browser := d.browser
	d.mu.Unlock()
	if browser == nil {
		return false
	}
	_, err := browser.GetCookies()
	return err == nil
}

// CheckPageAlive evaluates a trivial expression on the page; a page whose
// renderer has crashed or whose tab has been closed fails this quickly
// instead of hanging on a real navigation.
func (d *Driver) CheckPageAlive(page *rod.Page) bool {
	if page == nil {
		return false
	}
	res, err := page.Timeout(3 * time.Second).Eval(`() => document.readyState`)
	return err == nil && res != nil
}

// RestartBrowser tears down the current browser process and relaunches it
// against the same profile directory, used after CheckContextAlive fails.
func (d *Driver) RestartBrowser(ctx context.Context) error {
	d.mu.Lock()
	browser := d.browser
	l := d.l
	d.mu.Unlock()

	if browser != nil {
		_ = browser.Close()
	}
	if l != nil {
		l.Kill()
	}

	return d.Start(ctx)
}

// EnsurePreferredModel switches the active model to cfg.Browser.PreferredModel
// if the currently selected model (read from the model-selector button's
// first line of text) doesn't already match, case-insensitively.
func (d *Driver) EnsurePreferredModel(page *rod.Page) error {
	preferred := strings.TrimSpace(d.cfg.Browser.PreferredModel)
	if preferred == "" {
		return nil
	}
	s := d.sel.Get()

	btn, err := page.Timeout(5 * time.Second).Element(orSelector(s.ModelSelector))
	if err != nil {
		return types.NewDriverError("ensure_preferred_model", "", fmt.Errorf("model selector not found: %w", err))
	}
	text, err := btn.Text()
	if err != nil {
		return types.NewDriverError("ensure_preferred_model", "", err)
	}
	firstLine := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	if strings.EqualFold(firstLine, preferred) {
		return nil
	}

	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return types.NewDriverError("ensure_preferred_model", "", fmt.Errorf("open model menu: %w", err))
	}

	items, err := page.Timeout(3 * time.Second).Elements(orSelector(s.ModelMenuItem))
	if err != nil || len(items) == 0 {
		_ = page.Keyboard.Press(input.Escape) // cancel the menu
		return types.NewDriverError("ensure_preferred_model", "", fmt.Errorf("no model menu items found"))
	}

	for _, item := range items {
		itemText, err := item.Text()
		if err != nil {
			continue
		}
		itemFirstLine := strings.TrimSpace(strings.SplitN(itemText, "\n", 2)[0])
		if strings.EqualFold(itemFirstLine, preferred) {
			if err := item.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return types.NewDriverError("ensure_preferred_model", "", err)
			}
			return nil
		}
	}

	_ = page.Keyboard.Press(input.Escape)
	return types.NewDriverError("ensure_preferred_model", "", fmt.Errorf("no menu item matched %q", preferred))
}

// Close tears down the browser and its launcher process. Safe to call once.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	browser := d.browser
	l := d.l
	d.mu.Unlock()

	var closeErr error
	if browser != nil {
		closeErr = browser.Close()
	}
	if l != nil {
		l.Kill()
	}
	return closeErr
}

// buildLauncher constructs the anti-detection launcher flag set for a
// persistent-profile browser, bound to a single UserDataDir and with no
// proxy flags - this service drives one fixed authenticated account, not
// rotating egress identities.
func buildLauncher(cfg *config.Config, profileDir string) *launcher.Launcher {
	l := launcher.New().UserDataDir(profileDir)

	if cfg.Browser.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	disabledFeatures := "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns"
	l = l.Set("disable-features", disabledFeatures)
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	l = l.Set("accept-lang", "en-US,en;q=0.9")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	l = l.Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	l = l.Set("disable-gpu-sandbox")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
		log.Debug().Msg("ARM detected: using software rendering with SwiftShader for WebGL")
	}

	return l
}

// cleanupStaleLocks removes Chrome's singleton lock files left behind by
// an unclean shutdown so a new process can attach to the same profile.
func cleanupStaleLocks(profileDir string) {
	for _, name := range staleLockFiles {
		path := filepath.Join(profileDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path).Msg("failed to remove stale chrome lock file")
		}
	}
}

// hasAny reports whether any of the given selector candidates matches an
// element on the page within a short timeout. Visibility is not checked.
func hasAny(page *rod.Page, candidates []string) bool {
	if len(candidates) == 0 {
		return false
	}
	_, err := page.Timeout(1500 * time.Millisecond).Element(orSelector(candidates))
	return err == nil
}

// orSelector joins candidate CSS selectors into a single comma-separated
// selector so the DOM query tries all of them at once.
func orSelector(candidates []string) string {
	return strings.Join(candidates, ", ")
}

// isARM reports whether the process is running on an ARM host, which
// needs a different GPU compositing flag to keep SwiftShader's software
// WebGL path working.
func isARM() bool {
	return strings.HasPrefix(runtime.GOARCH, "arm") || runtime.GOARCH == "arm64"
}
