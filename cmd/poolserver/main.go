// Package main provides the entry point for the Gemini session pool server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/saltenhof/gemini-session-pool/internal/browser"
	"github.com/saltenhof/gemini-session-pool/internal/clipboard"
	"github.com/saltenhof/gemini-session-pool/internal/config"
	"github.com/saltenhof/gemini-session-pool/internal/handlers"
	"github.com/saltenhof/gemini-session-pool/internal/metrics"
	"github.com/saltenhof/gemini-session-pool/internal/middleware"
	"github.com/saltenhof/gemini-session-pool/internal/pool"
	"github.com/saltenhof/gemini-session-pool/internal/selectors"
	"github.com/saltenhof/gemini-session-pool/internal/slot"
	"github.com/saltenhof/gemini-session-pool/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (defaults to $POOL_CONFIG or ./config.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gemini-session-pool %s\n", version.Full())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	cfg.Validate()
	setupLogging(cfg.Logging)
	printBanner()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sel, err := selectors.NewManager("", false)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize selector catalog")
	}
	defer sel.Close()

	driver := browser.NewDriver(cfg, sel)
	if err := driver.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start browser driver")
	}

	if err := bringUpFirstSlot(ctx, driver); err != nil {
		log.Fatal().Err(err).Msg("failed to bring up the first browser tab")
	}

	extractor := clipboard.NewExtractor(sel, clipboard.DefaultLockFilePath())
	slots := buildSlots(ctx, driver, extractor, sel, cfg)

	p := pool.New(slots, cfg.Pool, cfg.Health, cfg.Browser, driver)
	p.StartMonitors()

	if cfg.Metrics.Enabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		stopMemCollector := make(chan struct{})
		defer close(stopMemCollector)
		go metrics.StartMemoryCollector(15*time.Second, stopMemCollector)
	}

	shutdownCh := make(chan struct{}, 1)
	h := handlers.New(p)
	router := handlers.NewRouter(h, shutdownCh)

	finalHandler := buildMiddlewareChain(cfg, router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	responseTimeout := time.Duration(cfg.Browser.ResponseTimeoutMS) * time.Millisecond
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       responseTimeout + 10*time.Second,
		WriteTimeout:      responseTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_size", cfg.Pool.Size).
			Bool("api_key_enabled", cfg.Security.APIKeyEnabled).
			Bool("rate_limit_enabled", cfg.Security.RateLimitEnabled).
			Msg("session pool is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested via /api/shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pool shutdown error")
	}
	if err := driver.Close(); err != nil {
		log.Error().Err(err).Msg("driver close error")
	}

	log.Info().Msg("shutdown complete")
}

// bringUpFirstSlot runs the auth leg of startup on the reused initial tab:
// navigate to the base app URL (the redirect-heavy login flow is more
// reliable there than on a deep-linked gem), dismiss the cookie banner,
// wait for a human to log in if necessary, then move to the target gem
// and lock in the preferred model. The page stays open and is handed back
// to the slot pool as slot one rather than being discarded.
func bringUpFirstSlot(ctx context.Context, d *browser.Driver) error {
	page, err := d.CreateSlotPage(ctx)
	if err != nil {
		return fmt.Errorf("create first tab: %w", err)
	}

	if err := d.NavigateToBaseURL(ctx, page); err != nil {
		return fmt.Errorf("navigate to base url: %w", err)
	}

	d.DismissCookieConsent(page)

	if !d.IsLoggedIn(page) {
		log.Warn().Msg("not logged in - waiting up to 5 minutes for manual login")
		if err := d.WaitForLogin(ctx, page); err != nil {
			return fmt.Errorf("wait for login: %w", err)
		}
	}

	if err := d.NavigateToNewChat(ctx, page); err != nil {
		return fmt.Errorf("navigate to gem: %w", err)
	}
	if err := d.EnsurePreferredModel(page); err != nil {
		log.Warn().Err(err).Msg("failed to set preferred model on first tab, continuing with whatever is selected")
	}

	return nil
}

// buildSlots creates the first slot from the already-navigated first tab
// and opens one additional tab per remaining pool seat. A tab that fails
// to open becomes an ERROR slot with a nil page, and a tab that opens but
// fails to navigate becomes an ERROR slot holding that page, rather than
// aborting startup - callers can still reset it later via /api/pool/slot/{id}/reset.
func buildSlots(ctx context.Context, d *browser.Driver, extractor *clipboard.Extractor, sel *selectors.Manager, cfg *config.Config) []*slot.Slot {
	slots := make([]*slot.Slot, cfg.Pool.Size)

	firstPage, err := d.CreateSlotPage(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to reattach first slot page, starting in error state")
		slots[0] = slot.NewSlot("slot-0", nil, d, extractor, sel, &cfg.Browser)
		slots[0].MarkError()
	} else {
		slots[0] = slot.NewSlot("slot-0", firstPage, d, extractor, sel, &cfg.Browser)
	}

	for i := 1; i < cfg.Pool.Size; i++ {
		id := fmt.Sprintf("slot-%d", i)
		page, err := d.CreateSlotPage(ctx)
		if err != nil {
			log.Error().Err(err).Str("slot", id).Msg("failed to open tab, starting slot in error state")
			slots[i] = slot.NewSlot(id, nil, d, extractor, sel, &cfg.Browser)
			slots[i].MarkError()
			continue
		}
		if err := d.NavigateToNewChat(ctx, page); err != nil {
			log.Error().Err(err).Str("slot", id).Msg("failed to navigate new tab, starting slot in error state")
			slots[i] = slot.NewSlot(id, page, d, extractor, sel, &cfg.Browser)
			slots[i].MarkError()
			continue
		}
		if err := d.EnsurePreferredModel(page); err != nil {
			log.Warn().Err(err).Str("slot", id).Msg("failed to set preferred model, continuing with whatever is selected")
		}
		slots[i] = slot.NewSlot(id, page, d, extractor, sel, &cfg.Browser)
	}

	return slots
}

func buildMiddlewareChain(cfg *config.Config, next http.Handler) http.Handler {
	finalHandler := next

	finalHandler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.Security.CORSAllowedOrigins,
	})(finalHandler)

	finalHandler = middleware.SecurityHeaders(finalHandler)

	if cfg.Security.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}

	if cfg.Security.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.Security.RateLimitRPM).
			Bool("trust_proxy", cfg.Security.TrustProxy).
			Msg("rate limiting enabled")
		finalHandler = middleware.RateLimitWithTrust(cfg.Security.RateLimitRPM, cfg.Security.TrustProxy)(finalHandler)
	}

	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	return finalHandler
}

// levelFilterWriter drops records below min, letting a single zerolog
// logger fan out to writers held to different verbosity thresholds - the
// console and the rotating file log at cfg.Level and cfg.ErrorLevel
// respectively.
type levelFilterWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (lw levelFilterWriter) Write(p []byte) (int, error) { return lw.w.Write(p) }

func (lw levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

func parseLevel(s string, fallback zerolog.Level) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return fallback
	}
	return level
}

// setupLogging configures zerolog to write to stdout at cfg.Level and,
// when cfg.Dir is set, additionally to a rotating file at cfg.ErrorLevel -
// mirroring the original's stderr handler plus RotatingFileHandler split,
// where the file captures more verbosity than the console.
func setupLogging(cfg config.LoggingConfig) {
	consoleLevel := parseLevel(cfg.Level, zerolog.InfoLevel)
	writers := []io.Writer{
		levelFilterWriter{w: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, min: consoleLevel},
	}
	globalLevel := consoleLevel

	if cfg.Dir != "" {
		dir := cfg.ResolvedDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory %s: %v\n", dir, err)
		} else {
			fileLevel := parseLevel(cfg.ErrorLevel, zerolog.DebugLevel)
			fileWriter := &lumberjack.Logger{
				Filename:   filepath.Join(dir, "session-pool.log"),
				MaxSize:    cfg.MaxFileSizeMB,
				MaxBackups: cfg.BackupCount,
				Compress:   true,
			}
			writers = append(writers, levelFilterWriter{w: fileWriter, min: fileLevel})
			if fileLevel < globalLevel {
				globalLevel = fileLevel
			}
		}
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(globalLevel)
}

func printBanner() {
	banner := `
  ____                _       _ ____            _             ____             _
 / ___| ___ _ __ ___ (_)_ __ (_)  _ \ ___   ___ | |  ___ ___  |  _ \ ___   ___ | |
| |  _ / _ \ '_ ' _ \| | '_ \| | |_) / _ \ / _ \| | / __/ _ \ | |_) / _ \ / _ \| |
| |_| |  __/ | | | | | | | | | |  __/ (_) | (_) | || (_|  __/ |  __/ (_) | (_) | |
 \____|\___|_| |_| |_|_|_| |_|_|_|   \___/ \___/|_(_)___\___| |_|   \___/ \___/|_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting gemini-session-pool")
}
