// Package slot implements the per-tab state machine and send-and-extract
// protocol: acquiring a lease, pasting a message into the Quill.js editor,
// sending it, and pulling the finished reply back out through the
// clipboard extractor.
package slot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	atclipboard "github.com/atotto/clipboard"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/saltenhof/gemini-session-pool/internal/browser"
	"github.com/saltenhof/gemini-session-pool/internal/clipboard"
	"github.com/saltenhof/gemini-session-pool/internal/config"
	"github.com/saltenhof/gemini-session-pool/internal/humanize"
	"github.com/saltenhof/gemini-session-pool/internal/security"
	"github.com/saltenhof/gemini-session-pool/internal/selectors"
	"github.com/saltenhof/gemini-session-pool/internal/types"
)

const (
	maxPasteRetries      = 3
	uploadTimeout        = 60 * time.Second
	uploadPollInterval   = 500 * time.Millisecond
	sendTimeoutMargin    = 100 * time.Second
	postSendButtonWait   = 300 * time.Millisecond
	postEnterWait        = 1 * time.Second
	postClearWait        = 300 * time.Millisecond
	postPasteWait        = 500 * time.Millisecond
	postFocusWait        = 200 * time.Millisecond
)

// State is one of a slot's three possible lifecycle states.
type State int

const (
	StateFree State = iota
	StateBusy
	StateError
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Slot wraps a single browser tab and manages its FREE -> BUSY -> FREE
// lifecycle, with ERROR as a recovery state reachable from either.
//
// Lock ordering follows the teacher's convention: always acquire opMu
// before mu when both are needed. opMu serializes send operations on
// the slot (coarse-grained, held for the whole send-and-extract turn);
// mu protects the small bookkeeping fields below it (fine-grained, never
// held during slow page I/O).
type Slot struct {
	id        string
	driver    *browser.Driver
	extractor *clipboard.Extractor
	sel       *selectors.Manager
	cfg       *config.BrowserConfig

	opMu sync.Mutex

	mu             sync.Mutex
	page           *rod.Page
	state          State
	owner          string
	leaseToken     string
	messageCount   int
	messagePreview string

	lastActivity atomic.Int64 // unix nano
	isSending    atomic.Bool
}

// NewSlot builds a Slot in the FREE state wrapping page.
func NewSlot(id string, page *rod.Page, driver *browser.Driver, extractor *clipboard.Extractor, sel *selectors.Manager, cfg *config.BrowserConfig) *Slot {
	s := &Slot{
		id:        id,
		page:      page,
		driver:    driver,
		extractor: extractor,
		sel:       sel,
		cfg:       cfg,
		state:     StateFree,
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

func (s *Slot) ID() string { return s.id }

func (s *Slot) Page() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slot) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Slot) LeaseToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseToken
}

func (s *Slot) IsSending() bool { return s.isSending.Load() }

func (s *Slot) IdleSeconds() float64 {
	return time.Since(time.Unix(0, s.lastActivity.Load())).Seconds()
}

// Touch refreshes the idle clock; called on every successful lease
// operation so an active slot never looks idle to the inactivity monitor.
func (s *Slot) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Acquire transitions FREE -> BUSY and mints a fresh lease token.
func (s *Slot) Acquire(owner string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateFree {
		return "", fmt.Errorf("slot %s is %s, cannot acquire: %w", s.id, s.state, types.ErrSlotNotFree)
	}

	token, err := security.GenerateLeaseToken()
	if err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}

	s.state = StateBusy
	s.owner = owner
	s.leaseToken = token
	s.messageCount = 0
	s.messagePreview = ""
	s.lastActivity.Store(time.Now().UnixNano())

	log.Info().Str("slot_id", s.id).Str("owner", owner).Msg("slot acquired")
	return token, nil
}

// Release transitions BUSY -> FREE and clears ownership.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateFree
	s.owner = ""
	s.leaseToken = ""
	s.messageCount = 0
	s.messagePreview = ""
	s.isSending.Store(false)

	log.Info().Str("slot_id", s.id).Msg("slot released")
}

// MarkError transitions any state -> ERROR, clearing ownership so no
// in-flight lease can be mistaken for still valid.
func (s *Slot) MarkError() {
	s.mu.Lock()
	prev := s.state
	s.state = StateError
	s.owner = ""
	s.leaseToken = ""
	s.mu.Unlock()

	s.isSending.Store(false)
	log.Warn().Str("slot_id", s.id).Str("previous_state", prev.String()).Msg("slot marked ERROR")
}

// MarkFree transitions ERROR -> FREE with a replacement page, used after
// the pool recycles a slot whose tab or browser context died.
func (s *Slot) MarkFree(newPage *rod.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.page = newPage
	s.state = StateFree
	s.owner = ""
	s.leaseToken = ""
	s.messageCount = 0
	s.messagePreview = ""
	s.isSending.Store(false)
	s.lastActivity.Store(time.Now().UnixNano())

	log.Info().Str("slot_id", s.id).Msg("slot recovered -> FREE")
}

// ValidateLease checks a presented token against the slot's current
// lease, returning a *types.LeaseError on any mismatch.
func (s *Slot) ValidateLease(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateBusy {
		return types.NewLeaseExpiredError(s.id)
	}
	if s.leaseToken != token {
		return types.NewInvalidTokenError(s.id)
	}
	return nil
}

// Snapshot returns a point-in-time status view for the pool status
// endpoint.
func (s *Slot) Snapshot() types.SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.SlotStatus{
		ID:             s.id,
		State:          s.state.String(),
		Owner:          s.owner,
		IdleSeconds:    int(s.IdleSeconds()),
		MessageCount:   s.messageCount,
		MessagePreview: s.messagePreview,
	}
}

// SendMessage sends message (optionally with file attachments) to Gemini
// on this slot's tab and waits for the finished reply, enforcing an
// overall timeout slightly above the configured response timeout so a
// hung page can't block the slot forever.
func (s *Slot) SendMessage(ctx context.Context, message string, filePaths []string) (text, format string, durationMS int64, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.isSending.Store(true)
	s.Touch()
	defer s.isSending.Store(false)

	start := time.Now()
	timeout := time.Duration(s.cfg.ResponseTimeoutMS)*time.Millisecond + sendTimeoutMargin

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, format, err = s.sendImpl(sendCtx, message, filePaths)
	durationMS = time.Since(start).Milliseconds()

	if err != nil {
		if sendCtx.Err() != nil && ctx.Err() == nil {
			return "", "", durationMS, types.NewSendError(s.id, "send_timeout", types.ErrSendTimeout)
		}
		return "", "", durationMS, err
	}

	s.mu.Lock()
	s.messageCount++
	s.messagePreview = truncate(message, 50)
	s.mu.Unlock()
	s.Touch()

	return text, format, durationMS, nil
}

func (s *Slot) sendImpl(ctx context.Context, message string, filePaths []string) (text, format string, err error) {
	page := s.Page()
	sv := s.sel.Get()

	existing, err := page.Elements(sv.ModelResponse)
	previousCount := 0
	if err == nil {
		previousCount = len(existing)
	}

	if len(filePaths) > 0 {
		if err := s.uploadFiles(page, filePaths); err != nil {
			return "", "", types.NewSendError(s.id, "driver_error", err)
		}
	}

	textarea, err := page.Element(strings.Join(sv.PromptTextarea, ", "))
	if err != nil {
		return "", "", types.NewSendError(s.id, "driver_error", fmt.Errorf("prompt textarea not found: %w", types.ErrElementNotFound))
	}

	if err := s.clearPasteAndVerify(ctx, page, textarea, message); err != nil {
		return "", "", types.NewSendError(s.id, "paste_verification_failed", err)
	}

	humanize.SleepWithContext(ctx, postSendButtonWait)

	if err := page.Keyboard.Press(input.Enter); err != nil {
		return "", "", types.NewSendError(s.id, "driver_error", fmt.Errorf("press enter: %w", err))
	}
	humanize.SleepWithContext(ctx, postEnterWait)

	editorText := ""
	if t, err := textarea.Text(); err == nil {
		editorText = normalizeText(t)
	}

	if editorText != "" {
		log.Warn().Str("slot_id", s.id).Msg("editor not empty after enter, trying send button")
		if err := s.clickSendButtonFallback(page, sv); err != nil {
			log.Warn().Err(err).Str("slot_id", s.id).Msg("send button fallback failed")
		}
	}

	responseTimeout := time.Duration(s.cfg.ResponseTimeoutMS) * time.Millisecond
	return s.extractor.ExtractResponse(ctx, page, previousCount, responseTimeout)
}

// clickSendButtonFallback clicks the send button only if no stop button is
// visible - a visible stop button means the message was already sent and
// the thing we're looking at is the stop button wearing the send button's
// selector, not an unsent message.
func (s *Slot) clickSendButtonFallback(page *rod.Page, sv *selectors.Selectors) error {
	hasSend, sendBtn, err := page.Has(strings.Join(sv.SendButton, ", "))
	if err != nil || !hasSend {
		return nil
	}
	visible, _ := sendBtn.Visible()
	if !visible {
		return nil
	}
	if hasStop, stopBtn, err := page.Has(strings.Join(sv.StopButton, ", ")); err == nil && hasStop {
		if v, _ := stopBtn.Visible(); v {
			log.Info().Str("slot_id", s.id).Msg("stop button visible, message already sent")
			return nil
		}
	}
	return sendBtn.Click(proto.InputMouseButtonLeft, 1)
}

// uploadFiles attaches files before the message is sent. Unlike
// Playwright, rod can set files on a file input via CDP's
// DOM.setFileInputFiles regardless of whether the input is visible, so
// there is no need to wait for a file-chooser dialog event: once the
// input element exists in the DOM (hidden or not), SetFiles works.
func (s *Slot) uploadFiles(page *rod.Page, filePaths []string) error {
	if hasInput, directInput, err := page.Has(`input[type="file"]`); err == nil && hasInput {
		if err := directInput.SetFiles(filePaths); err != nil {
			return fmt.Errorf("set files on direct input: %w", err)
		}
		s.waitForUploadComplete(page)
		log.Info().Str("slot_id", s.id).Int("file_count", len(filePaths)).Msg("files attached via direct input")
		return nil
	}

	sv := s.sel.Get()
	hasBtn, uploadBtn, err := page.Has(strings.Join(sv.FileUploadButton, ", "))
	if err != nil || !hasBtn {
		return fmt.Errorf("no upload button or file input found: %w", types.ErrElementNotFound)
	}
	if err := uploadBtn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click upload button: %w", err)
	}

	time.Sleep(500 * time.Millisecond)
	hasFileInput, fileInput, err := page.Has(`input[type="file"]`)
	if err != nil || !hasFileInput {
		return fmt.Errorf("file input did not appear after opening upload menu: %w", types.ErrElementNotFound)
	}
	if err := fileInput.SetFiles(filePaths); err != nil {
		return fmt.Errorf("set files after opening upload menu: %w", err)
	}

	s.waitForUploadComplete(page)
	log.Info().Str("slot_id", s.id).Int("file_count", len(filePaths)).Msg("files attached via upload menu")
	return nil
}

// waitForUploadComplete polls until the send button is no longer disabled
// by an in-flight upload, logging and proceeding anyway on timeout.
func (s *Slot) waitForUploadComplete(page *rod.Page) {
	time.Sleep(1 * time.Second)

	deadline := time.Now().Add(uploadTimeout)
	for time.Now().Before(deadline) {
		disabled, _, err := page.Has(`button.send-button[disabled], button.send-button.disabled`)
		if err != nil || !disabled {
			return
		}
		time.Sleep(uploadPollInterval)
	}
	log.Warn().Str("slot_id", s.id).Msg("upload timeout, sending anyway")
}

// clearPasteAndVerify clears the Quill.js editor, pastes message via the
// OS clipboard, and verifies the resulting text matches, retrying up to
// maxPasteRetries times since Quill occasionally drops a paste event.
func (s *Slot) clearPasteAndVerify(ctx context.Context, page *rod.Page, textarea *rod.Element, message string) error {
	expected := normalizeText(message)

	for attempt := 1; attempt <= maxPasteRetries; attempt++ {
		if err := textarea.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("focus editor: %w", err)
		}
		humanize.SleepWithContext(ctx, postFocusWait)

		if _, err := textarea.Eval(`() => { this.focus(); const sel = window.getSelection(); const range = document.createRange(); range.selectNodeContents(this); sel.removeAllRanges(); sel.addRange(range); }`); err != nil {
			return fmt.Errorf("select editor contents: %w", err)
		}
		if err := page.Keyboard.Press(input.Backspace); err != nil {
			return fmt.Errorf("clear editor: %w", err)
		}
		humanize.SleepWithContext(ctx, postClearWait)

		if err := atclipboard.WriteAll(message); err != nil {
			log.Warn().Err(err).Str("slot_id", s.id).Msg("failed to set clipboard for paste")
		}
		if err := pasteFromClipboard(page); err != nil {
			return fmt.Errorf("paste from clipboard: %w", err)
		}
		humanize.SleepWithContext(ctx, postPasteWait)

		actualRaw, _ := textarea.Text()
		actual := normalizeText(actualRaw)

		if actual == expected {
			log.Debug().Str("slot_id", s.id).Int("chars", len(expected)).Int("attempt", attempt).Msg("textarea verified")
			return nil
		}

		log.Warn().Str("slot_id", s.id).Int("attempt", attempt).Int("expected_chars", len(expected)).Int("actual_chars", len(actual)).Msg("textarea verification failed")

		if attempt < maxPasteRetries {
			humanize.SleepWithContext(ctx, 500*time.Millisecond)
		}
	}

	return types.ErrPasteVerificationFailed
}

// pasteFromClipboard simulates Ctrl+V so the page's real paste handler
// fires (Quill.js listens for the paste event itself; writing text
// directly into the DOM would bypass its formatting pipeline).
func pasteFromClipboard(page *rod.Page) error {
	if err := page.Keyboard.Down(input.ControlLeft); err != nil {
		return err
	}
	defer page.Keyboard.Up(input.ControlLeft)
	return page.Keyboard.Press(input.KeyV)
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeText mirrors the original's comparison normalization: strip,
// unify line endings, collapse runs of whitespace to a single space.
func normalizeText(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return whitespaceRe.ReplaceAllString(text, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
