// Package clipboard extracts a finished Gemini reply from the page by
// clicking its copy button and reading the result back off the OS
// clipboard, falling back to a DOM scrape when the clipboard path fails.
//
// The clipboard is a resource shared by the whole machine, not just this
// process - if another automation server on the same host also drives a
// clipboard-based copy, the two must never interleave their sentinel/
// click/read sequences. Two levels of locking guard against that:
//
//  1. An in-process sync.Mutex, serializing concurrent slots within this
//     server.
//  2. A cross-process kernel file lock on a fixed path, serializing this
//     server against any other process doing the same thing. The lock is
//     released by the OS the instant the holding process dies, so a crash
//     can never wedge the clipboard shut.
//
// Only the short copy sequence is held under lock - the long wait for
// Gemini to finish generating runs lock-free so slots never block each
// other while idle-waiting.
package clipboard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	atclipboard "github.com/atotto/clipboard"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/saltenhof/gemini-session-pool/internal/humanize"
	"github.com/saltenhof/gemini-session-pool/internal/selectors"
	"github.com/saltenhof/gemini-session-pool/internal/types"
)

const (
	sentinelValue        = "__SENTINEL__"
	phase1Timeout        = 30 * time.Second
	phase1PollInterval   = 1 * time.Second
	phase2PollInterval   = 1 * time.Second
	postGenerationSettle = 1500 * time.Millisecond
	postCopyWait         = 800 * time.Millisecond
)

// stoppedIndicators are substrings (checked case-insensitively) that
// appear in a response's text when the user - or a double-clicked stop
// button - halted generation before it finished.
var stoppedIndicators = []string{
	"antwort angehalten",
	"response stopped",
	"you stopped this response",
}

// Extractor owns the two-level clipboard lock and the logic to pull a
// finished response out of the page.
type Extractor struct {
	sel          *selectors.Manager
	lockFilePath string
	procMu       sync.Mutex // Level 1: intra-process
}

// NewExtractor builds an Extractor. lockFilePath should be the same path
// across every process on the host that touches the clipboard this way -
// the original convention is a dotfile under the user's home directory.
func NewExtractor(sel *selectors.Manager, lockFilePath string) *Extractor {
	return &Extractor{sel: sel, lockFilePath: lockFilePath}
}

// DefaultLockFilePath returns ~/.clipboard-lock, expanding the home
// directory, or a relative fallback if it cannot be resolved.
func DefaultLockFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clipboard-lock"
	}
	return filepath.Join(home, ".clipboard-lock")
}

// ExtractResponse waits for Gemini to produce and finish a new reply, then
// copies it out via the copy button. previousCount is the number of
// model-response elements on the page before the message was sent, used
// to detect that a genuinely new response has appeared.
func (e *Extractor) ExtractResponse(ctx context.Context, page *rod.Page, previousCount int, responseTimeout time.Duration) (text, format string, err error) {
	if err := e.waitForNewResponse(ctx, page, previousCount); err != nil {
		return "", "", err
	}
	if err := e.waitForGenerationDone(ctx, page, responseTimeout); err != nil {
		return "", "", err
	}

	humanize.SleepWithContext(ctx, postGenerationSettle)

	if err := e.checkNotStoppedOrEmpty(page); err != nil {
		return "", "", err
	}

	return e.copyWithLocks(ctx, page)
}

// waitForNewResponse polls, without holding any lock, until a new
// model-response element appears or phase1Timeout elapses.
func (e *Extractor) waitForNewResponse(ctx context.Context, page *rod.Page, previousCount int) error {
	s := e.sel.Get()
	deadline := time.Now().Add(phase1Timeout)

	for {
		elements, err := page.Elements(s.ModelResponse)
		if err == nil && len(elements) > previousCount {
			return nil
		}
		if time.Now().After(deadline) {
			log.Error().Msg("no new model-response element detected")
			return types.ErrSendTimeout
		}
		if !humanize.SleepWithContext(ctx, phase1PollInterval) {
			return ctx.Err()
		}
	}
}

// waitForGenerationDone polls, without holding any lock, until Gemini
// clears its busy indicator and stop button or responseTimeout elapses.
func (e *Extractor) waitForGenerationDone(ctx context.Context, page *rod.Page, responseTimeout time.Duration) error {
	s := e.sel.Get()
	deadline := time.Now().Add(responseTimeout)

	for {
		busy, err := page.Elements(s.GenerationBusy)
		stillBusy := err == nil && len(busy) > 0
		if !stillBusy {
			if !hasElement(page, s.StopButton) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return types.ErrSendTimeout
		}
		if !humanize.SleepWithContext(ctx, phase2PollInterval) {
			return ctx.Err()
		}
	}
}

// checkNotStoppedOrEmpty inspects the last response for a
// stopped-generation indicator or empty content.
func (e *Extractor) checkNotStoppedOrEmpty(page *rod.Page) error {
	s := e.sel.Get()
	responses, err := page.Elements(s.ModelResponse)
	if err != nil || len(responses) == 0 {
		return nil
	}
	last := responses[len(responses)-1]
	preview, _ := last.Text()
	preview = strings.TrimSpace(preview)
	lower := strings.ToLower(preview)

	for _, indicator := range stoppedIndicators {
		if strings.Contains(lower, indicator) {
			log.Error().Str("preview", truncate(preview, 100)).Msg("gemini response was stopped")
			return types.ErrResponseStopped
		}
	}
	if preview == "" {
		log.Error().Msg("gemini response element is empty")
		return types.ErrResponseEmpty
	}
	return nil
}

// copyWithLocks acquires both lock levels and runs the copy sequence.
func (e *Extractor) copyWithLocks(ctx context.Context, page *rod.Page) (text, format string, err error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	unlock, err := e.lockCrossProcess(ctx)
	if err != nil {
		return "", "", fmt.Errorf("acquire cross-process clipboard lock: %w", err)
	}
	defer unlock()

	return e.copyResponse(page)
}

// lockCrossProcess takes the kernel file lock on a worker goroutine so a
// caller waiting on it can still be interrupted via ctx - flock itself
// blocks the calling OS thread and can't observe context cancellation.
// If ctx is canceled first, the goroutine is left to finish acquiring and
// release the lock/file on its own; it cannot be killed mid-syscall.
func (e *Extractor) lockCrossProcess(ctx context.Context) (unlock func(), err error) {
	f, err := os.OpenFile(e.lockFilePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- platformLock(f) }()

	select {
	case lockErr := <-done:
		if lockErr != nil {
			_ = f.Close()
			return nil, lockErr
		}
		return func() {
			_ = platformUnlock(f)
			_ = f.Close()
		}, nil
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				_ = platformUnlock(f)
			}
			_ = f.Close()
		}()
		return nil, ctx.Err()
	}
}

// copyResponse finds the last model-response, clicks its copy button, and
// reads the result back off the clipboard, falling back to a DOM scrape
// when no copy button is found or the clipboard never updates. Must be
// called while holding both lock levels.
func (e *Extractor) copyResponse(page *rod.Page) (text, format string, err error) {
	s := e.sel.Get()
	responses, rerr := page.Elements(s.ModelResponse)
	if rerr != nil || len(responses) == 0 {
		log.Warn().Msg("no model-response elements found, using DOM fallback")
		t, err := e.domScrapeResponse(page)
		return t, "plaintext", err
	}
	last := responses[len(responses)-1]

	copyBtn, _ := last.Element(strings.Join(s.CopyButton, ", "))
	if copyBtn == nil {
		all, _ := page.Elements(strings.Join(s.CopyButton, ", "))
		if len(all) > 0 {
			copyBtn = all[len(all)-1]
		}
	}
	if copyBtn == nil {
		log.Warn().Msg("copy button not found in model-response, using DOM fallback")
		t, err := e.domScrapeResponse(page)
		return t, "plaintext", err
	}

	if err := atclipboard.WriteAll(sentinelValue); err != nil {
		log.Warn().Err(err).Msg("failed to set clipboard sentinel")
	}

	if err := copyBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", "", fmt.Errorf("click copy button: %w", err)
	}
	time.Sleep(postCopyWait)

	if clip, err := atclipboard.ReadAll(); err == nil && clip != "" && clip != sentinelValue {
		return clip, "markdown", nil
	}

	if js, err := page.Eval(`() => navigator.clipboard.readText()`); err == nil && js != nil {
		if jsText := js.Value.Str(); jsText != "" && jsText != sentinelValue {
			return jsText, "markdown", nil
		}
	}

	log.Warn().Msg("clipboard not updated, using DOM fallback")
	t, err := e.domScrapeResponse(page)
	return t, "plaintext", err
}

// domScrapeResponse extracts the last response's text straight from the
// DOM, used when the clipboard copy path is unavailable.
func (e *Extractor) domScrapeResponse(page *rod.Page) (string, error) {
	s := e.sel.Get()
	responses, err := page.Elements(s.ModelResponse)
	if err == nil && len(responses) > 0 {
		last := responses[len(responses)-1]
		if markdown, _ := last.Element(s.ResponseText); markdown != nil {
			return markdown.Text()
		}
		return last.Text()
	}

	markdownDivs, err := page.Elements(s.ResponseText)
	if err == nil && len(markdownDivs) > 0 {
		return markdownDivs[len(markdownDivs)-1].Text()
	}
	return "", nil
}

// hasElement reports whether any of the given CSS candidates matches an
// element currently on the page.
func hasElement(page *rod.Page, candidates []string) bool {
	if len(candidates) == 0 {
		return false
	}
	el, err := page.Element(strings.Join(candidates, ", "))
	return err == nil && el != nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
