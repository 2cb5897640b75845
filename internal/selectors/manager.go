// Package selectors provides the Gemini web UI element catalog: role name
// to CSS selector candidate lists, tried in order (comma-joined) against
// the live DOM so a frontend markup change only needs a catalog edit,
// never a code change.
package selectors

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about selector reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// Manager provides hot-reload capable selector management. It maintains
// the embedded default catalog and optionally watches an external
// override file for runtime updates. Reads are lock-free using
// atomic.Value.
type Manager struct {
	embedded     *Selectors   // compiled-in defaults (immutable)
	current      atomic.Value // *Selectors - atomic swap for lock-free reads
	externalPath string       // path to external override file
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex // protects reload operations
	stats        ReloadStats
	closed       bool
}

// NewManager creates a new Manager. If externalPath is empty, only
// embedded selectors are used. If hotReload is true and externalPath is
// set, file changes trigger reloads.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}

	m.current.Store(m.embedded)

	if externalPath != "" {
		if err := m.loadExternal(); err != nil {
			log.Warn().
				Err(err).
				Str("path", externalPath).
				Msg("failed to load external selectors, using embedded defaults")
		} else {
			log.Info().
				Str("path", externalPath).
				Msg("loaded external selectors file")
		}

		if hotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", externalPath).
					Msg("failed to start file watcher, hot-reload disabled")
			} else {
				log.Info().
					Str("path", externalPath).
					Msg("hot-reload enabled for selectors file")
			}
		}
	}

	return m, nil
}

// Get returns the current Selectors instance. This is a lock-free O(1)
// operation safe for concurrent use.
func (m *Manager) Get() *Selectors {
	return m.current.Load().(*Selectors)
}

// Reload manually reloads selectors from the external file. Returns an
// error if no external path is configured or reload fails. On failure,
// the previous selectors remain in use.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return fmt.Errorf("no external selectors path configured")
	}

	return m.loadExternalLocked()
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the file watcher and cleans up resources. Safe to call
// multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// loadExternal loads selectors from the external file.
func (m *Manager) loadExternal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadExternalLocked()
}

// loadExternalLocked loads selectors from the external file. Must be
// called with m.mu held.
func (m *Manager) loadExternalLocked() error {
	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read selectors file: %w", err)
	}

	merged, err := m.parseAndValidate(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse selectors file: %w", err)
	}

	m.current.Store(merged)

	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Int64("reload_count", m.stats.ReloadCount).
		Msg("selectors hot-reloaded successfully")

	return nil
}

// parseAndValidate parses YAML data, fills the fields it leaves empty from
// the embedded defaults, and validates the merged result.
func (m *Manager) parseAndValidate(data []byte) (*Selectors, error) {
	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	merged := m.mergeWithEmbedded(&s)
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	return merged, nil
}

// Validate checks that the Selectors have the minimum candidates needed
// to drive a send-and-extract turn: without a prompt textarea, send
// button, or response text selector there is no way to talk to Gemini
// at all.
func (s *Selectors) Validate() error {
	if len(s.PromptTextarea) == 0 {
		return fmt.Errorf("selectors must have at least one prompt_textarea candidate")
	}
	if len(s.SendButton) == 0 {
		return fmt.Errorf("selectors must have at least one send_button candidate")
	}
	if s.ResponseText == "" {
		return fmt.Errorf("selectors must have a response_text selector")
	}
	return nil
}

// mergeWithEmbedded creates a new Selectors by merging external with
// embedded. External candidates take precedence per field; embedded
// fills in any field the override left empty.
func (m *Manager) mergeWithEmbedded(external *Selectors) *Selectors {
	merged := *m.embedded

	if len(external.PromptTextarea) > 0 {
		merged.PromptTextarea = external.PromptTextarea
	}
	if len(external.SendButton) > 0 {
		merged.SendButton = external.SendButton
	}
	if len(external.StopButton) > 0 {
		merged.StopButton = external.StopButton
	}
	if len(external.CopyButton) > 0 {
		merged.CopyButton = external.CopyButton
	}
	if len(external.AddButton) > 0 {
		merged.AddButton = external.AddButton
	}
	if len(external.FileUploadButton) > 0 {
		merged.FileUploadButton = external.FileUploadButton
	}
	if len(external.ModelSelector) > 0 {
		merged.ModelSelector = external.ModelSelector
	}
	if len(external.ModelMenuItem) > 0 {
		merged.ModelMenuItem = external.ModelMenuItem
	}
	if len(external.NewChat) > 0 {
		merged.NewChat = external.NewChat
	}
	if len(external.CookieAcceptButton) > 0 {
		merged.CookieAcceptButton = external.CookieAcceptButton
	}
	if len(external.NotLoggedInIndicators) > 0 {
		merged.NotLoggedInIndicators = external.NotLoggedInIndicators
	}
	if len(external.LoggedInIndicators) > 0 {
		merged.LoggedInIndicators = external.LoggedInIndicators
	}
	if len(external.SessionExpired) > 0 {
		merged.SessionExpired = external.SessionExpired
	}
	if len(external.ErrorDialogs) > 0 {
		merged.ErrorDialogs = external.ErrorDialogs
	}
	if len(external.BotDetection) > 0 {
		merged.BotDetection = external.BotDetection
	}
	if len(external.EnterpriseIndicators) > 0 {
		merged.EnterpriseIndicators = external.EnterpriseIndicators
	}
	if len(external.FreeIndicators) > 0 {
		merged.FreeIndicators = external.FreeIndicators
	}
	if external.ModelResponse != "" {
		merged.ModelResponse = external.ModelResponse
	}
	if external.ResponseText != "" {
		merged.ResponseText = external.ResponseText
	}
	if external.ResponseContainer != "" {
		merged.ResponseContainer = external.ResponseContainer
	}
	if external.GenerationBusy != "" {
		merged.GenerationBusy = external.GenerationBusy
	}
	if external.GenerationDone != "" {
		merged.GenerationDone = external.GenerationDone
	}
	if external.ResponseHeading != "" {
		merged.ResponseHeading = external.ResponseHeading
	}
	if external.GemSidebarButton != "" {
		merged.GemSidebarButton = external.GemSidebarButton
	}

	return &merged
}

// startWatcher starts the file watcher for hot-reload.
func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()

	return nil
}

// watchFile watches for file changes and triggers reloads.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	// Debounce timer to coalesce rapid file changes.
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("selectors file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", m.externalPath).
							Msg("hot-reload failed, keeping previous selectors")
					}
					debouncing = false
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")

		case <-m.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// GetManager is a convenience function that returns a Manager using only
// embedded selectors (no external file, no hot-reload).
func GetManager() *Manager {
	m := &Manager{
		embedded: Get(),
		stopCh:   make(chan struct{}),
	}
	m.current.Store(m.embedded)
	return m
}
