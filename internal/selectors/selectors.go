// Package selectors provides the Gemini web UI element catalog: role name
// to CSS selector candidate lists, tried in order (comma-joined) against
// the live DOM so a frontend markup change only needs a catalog edit,
// never a code change.
package selectors

import (
	"embed"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed selectors.yaml
var defaultSelectorsFS embed.FS

// Selectors holds every CSS selector candidate list used to locate and
// interact with elements of the Gemini chat UI, plus the handful of
// single combined selectors used for structural queries (response
// container, busy/done state).
type Selectors struct {
	// Chat interaction
	PromptTextarea   []string `yaml:"prompt_textarea"`
	SendButton       []string `yaml:"send_button"`
	StopButton       []string `yaml:"stop_button"`
	CopyButton       []string `yaml:"copy_button"`
	AddButton        []string `yaml:"add_button"`
	FileUploadButton []string `yaml:"file_upload_button"`
	ModelSelector    []string `yaml:"model_selector"`
	ModelMenuItem    []string `yaml:"model_menu_item"`
	NewChat          []string `yaml:"new_chat"`

	// Login & session state
	CookieAcceptButton    []string `yaml:"cookie_accept_button"`
	NotLoggedInIndicators []string `yaml:"not_logged_in_indicators"`
	LoggedInIndicators    []string `yaml:"logged_in_indicators"`
	SessionExpired        []string `yaml:"session_expired_indicators"`

	// Error & bot-detection recovery
	ErrorDialogs []string `yaml:"error_dialogs"`
	BotDetection []string `yaml:"bot_detection"`

	// Enterprise / free tier detection
	EnterpriseIndicators []string `yaml:"enterprise_indicators"`
	FreeIndicators       []string `yaml:"free_indicators"`

	// Response structure (single combined selectors, not candidate lists)
	ModelResponse     string `yaml:"model_response"`
	ResponseText      string `yaml:"response_text"`
	ResponseContainer string `yaml:"response_container"`
	GenerationBusy    string `yaml:"generation_busy"`
	GenerationDone    string `yaml:"generation_done"`
	ResponseHeading   string `yaml:"response_heading"`

	GemSidebarButton string `yaml:"gem_sidebar_button"`
}

var (
	instance *Selectors
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Selectors instance loaded from the embedded
// selectors.yaml file.
func Get() *Selectors {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("failed to load embedded selectors, using hardcoded fallback")
			instance = defaultSelectors()
		}
	})
	return instance
}

// load reads selectors from the embedded YAML file.
func load() (*Selectors, error) {
	data, err := defaultSelectorsFS.ReadFile("selectors.yaml")
	if err != nil {
		return nil, err
	}

	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	log.Debug().
		Int("prompt_textarea_candidates", len(s.PromptTextarea)).
		Int("send_button_candidates", len(s.SendButton)).
		Int("copy_button_candidates", len(s.CopyButton)).
		Msg("selectors loaded")

	return &s, nil
}

// defaultSelectors returns hardcoded fallback patterns, used only if the
// embedded YAML somehow fails to parse.
func defaultSelectors() *Selectors {
	return &Selectors{
		PromptTextarea: []string{
			".ql-editor.textarea",
			`div[role="textbox"][contenteditable="true"]`,
			".ql-editor",
			"rich-textarea",
		},
		SendButton: []string{
			"button.send-button",
			`button[aria-label="Send message"]`,
		},
		StopButton: []string{
			`[data-mat-icon-name="stop"]`,
			`button:has([data-mat-icon-name="stop"])`,
			`button[aria-label="Stop generating"]`,
			"button.stop-button",
		},
		CopyButton: []string{
			`button[data-test-id="copy-button"]`,
			`button[aria-label="Copy"]`,
		},
		AddButton: []string{
			`[aria-controls="upload-file-menu"]`,
			"div.file-uploader button",
		},
		FileUploadButton: []string{
			`[data-test-id="local-images-files-uploader-button"]`,
		},
		ModelSelector: []string{
			`button[data-test-id="bard-mode-menu-button"]`,
		},
		ModelMenuItem: []string{
			"button.mat-mdc-menu-item",
			"mat-option",
			`div[role="menuitem"]`,
		},
		NewChat: []string{
			`a[aria-label="New chat"]`,
			`side-nav-action-button[data-test-id="new-chat-button"] a`,
		},
		CookieAcceptButton: []string{
			`button:has-text("Accept all")`,
		},
		NotLoggedInIndicators: []string{
			"button.sign-in-button",
			`button:has-text("Sign in")`,
			`a:has-text("Sign in")`,
		},
		LoggedInIndicators: []string{
			`a[aria-label*="Google Account:"]`,
			"rich-textarea",
			`.ql-editor[contenteditable="true"]`,
		},
		SessionExpired: []string{
			"button.sign-in-button",
			`button:has-text("Sign in")`,
		},
		ErrorDialogs: []string{
			`button:has-text("Try again")`,
			`div:has-text("Something went wrong")`,
		},
		BotDetection: []string{
			`div:has-text("unusual traffic")`,
		},
		EnterpriseIndicators: []string{
			"rich-textarea.enterprise",
			".enterprise-indicator-logo-container",
			".enterprise-display",
		},
		FreeIndicators: []string{
			"body.zero-state-theme",
		},
		ModelResponse:     "model-response",
		ResponseText:      ".markdown.markdown-main-panel",
		ResponseContainer: ".response-container",
		GenerationBusy:    `.markdown.markdown-main-panel[aria-busy="true"]`,
		GenerationDone:    `.markdown.markdown-main-panel[aria-busy="false"]`,
		ResponseHeading:   "h2.cdk-visually-hidden",
		GemSidebarButton:  "button.bot-new-conversation-butt",
	}
}
