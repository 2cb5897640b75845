package selectors

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManager_EmbeddedOnly(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	sel := m.Get()
	if sel == nil {
		t.Fatal("Get() returned nil")
	}

	if len(sel.PromptTextarea) == 0 {
		t.Error("expected prompt_textarea candidates from embedded selectors")
	}
	if len(sel.SendButton) == 0 {
		t.Error("expected send_button candidates from embedded selectors")
	}
	if sel.ResponseText == "" {
		t.Error("expected response_text selector from embedded selectors")
	}
}

func TestNewManager_ExternalFile(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "selectors.yaml")

	content := `
prompt_textarea:
  - "custom-editor"
send_button:
  - "custom-send"
response_text: ".custom-markdown"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	sel := m.Get()
	if sel == nil {
		t.Fatal("Get() returned nil")
	}

	if len(sel.PromptTextarea) != 1 || sel.PromptTextarea[0] != "custom-editor" {
		t.Errorf("expected custom prompt_textarea, got %v", sel.PromptTextarea)
	}
	if sel.ResponseText != ".custom-markdown" {
		t.Errorf("expected custom response_text, got %q", sel.ResponseText)
	}

	// Fields absent from the override fall back to the embedded defaults.
	if len(sel.CopyButton) == 0 {
		t.Error("expected embedded copy_button candidates to be used")
	}
	if sel.GenerationBusy == "" {
		t.Error("expected embedded generation_busy selector to be used")
	}
}

func TestManager_Get_LockFree(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	const goroutines = 100
	const iterations = 1000

	done := make(chan bool)
	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				sel := m.Get()
				if sel == nil {
					t.Error("Get() returned nil")
					return
				}
				if len(sel.PromptTextarea) == 0 {
					t.Error("expected prompt_textarea candidates")
					return
				}
			}
			done <- true
		}()
	}

	for i := 0; i < goroutines; i++ {
		<-done
	}
}

func TestManager_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "selectors.yaml")

	content := `
prompt_textarea:
  - "initial-editor"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	sel := m.Get()
	if sel.PromptTextarea[0] != "initial-editor" {
		t.Errorf("expected 'initial-editor', got %s", sel.PromptTextarea[0])
	}

	newContent := `
prompt_textarea:
  - "updated-editor"
  - "fallback-editor"
`
	if err := os.WriteFile(tmpFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("failed to update temp file: %v", err)
	}

	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	sel = m.Get()
	if len(sel.PromptTextarea) != 2 {
		t.Errorf("expected 2 prompt_textarea candidates, got %d", len(sel.PromptTextarea))
	}
	if sel.PromptTextarea[0] != "updated-editor" {
		t.Errorf("expected 'updated-editor', got %s", sel.PromptTextarea[0])
	}

	stats := m.Stats()
	if stats.ReloadCount != 2 {
		t.Errorf("expected ReloadCount = 2, got %d", stats.ReloadCount)
	}
	if stats.LastError != nil {
		t.Errorf("expected no error, got %v", stats.LastError)
	}
}

func TestManager_Reload_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "selectors.yaml")

	validContent := `
prompt_textarea:
  - "valid-editor"
`
	if err := os.WriteFile(tmpFile, []byte(validContent), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	invalidContent := `
prompt_textarea:
  - not valid yaml {{{
    incomplete:
`
	if err := os.WriteFile(tmpFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to update temp file: %v", err)
	}

	if err := m.Reload(); err == nil {
		t.Error("expected Reload() to fail with invalid YAML")
	}

	sel := m.Get()
	if sel.PromptTextarea[0] != "valid-editor" {
		t.Errorf("expected original pattern to be preserved, got %s", sel.PromptTextarea[0])
	}

	stats := m.Stats()
	if stats.LastError == nil {
		t.Error("expected LastError to be set")
	}
}

func TestManager_Reload_NoExternalPath(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	if err := m.Reload(); err == nil {
		t.Error("expected Reload() to fail when no external path is configured")
	}
}

func TestManager_HotReload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping hot-reload test in short mode")
	}

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "selectors.yaml")

	content := `
prompt_textarea:
  - "hot-reload-test"
`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	sel := m.Get()
	if sel.PromptTextarea[0] != "hot-reload-test" {
		t.Errorf("expected 'hot-reload-test', got %s", sel.PromptTextarea[0])
	}

	newContent := `
prompt_textarea:
  - "auto-reloaded"
`
	if err := os.WriteFile(tmpFile, []byte(newContent), 0644); err != nil {
		t.Fatalf("failed to update temp file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	sel = m.Get()
	if sel.PromptTextarea[0] != "auto-reloaded" {
		t.Errorf("expected 'auto-reloaded' after hot-reload, got %s", sel.PromptTextarea[0])
	}
}

func TestSelectors_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sel     *Selectors
		wantErr bool
	}{
		{
			name: "valid with required fields",
			sel: &Selectors{
				PromptTextarea: []string{"editor"},
				SendButton:     []string{"send"},
				ResponseText:   ".markdown",
			},
			wantErr: false,
		},
		{
			name: "missing prompt_textarea",
			sel: &Selectors{
				SendButton:   []string{"send"},
				ResponseText: ".markdown",
			},
			wantErr: true,
		},
		{
			name: "missing send_button",
			sel: &Selectors{
				PromptTextarea: []string{"editor"},
				ResponseText:   ".markdown",
			},
			wantErr: true,
		},
		{
			name: "missing response_text",
			sel: &Selectors{
				PromptTextarea: []string{"editor"},
				SendButton:     []string{"send"},
			},
			wantErr: true,
		},
		{
			name:    "invalid - empty",
			sel:     &Selectors{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetManager(t *testing.T) {
	m := GetManager()
	if m == nil {
		t.Fatal("GetManager() returned nil")
	}
	defer m.Close()

	sel := m.Get()
	if sel == nil {
		t.Fatal("Get() returned nil")
	}
	if len(sel.PromptTextarea) == 0 {
		t.Error("expected prompt_textarea candidates")
	}
}

func TestManager_MergeWithEmbedded(t *testing.T) {
	m, err := NewManager("", false)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer m.Close()

	external := &Selectors{
		PromptTextarea: []string{"custom-editor"},
		// Other fields empty - should use embedded
	}

	merged := m.mergeWithEmbedded(external)

	if len(merged.PromptTextarea) != 1 || merged.PromptTextarea[0] != "custom-editor" {
		t.Errorf("expected custom prompt_textarea, got %v", merged.PromptTextarea)
	}

	if len(merged.SendButton) == 0 {
		t.Error("expected embedded send_button candidates to be used")
	}
	if len(merged.CopyButton) == 0 {
		t.Error("expected embedded copy_button candidates to be used")
	}
	if merged.ResponseText == "" {
		t.Error("expected embedded response_text to be used")
	}
	if merged.GenerationBusy == "" {
		t.Error("expected embedded generation_busy to be used")
	}
}

func TestManager_Close(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "selectors.yaml")

	content := `prompt_textarea: ["editor"]`
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	m, err := NewManager(tmpFile, true)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	// Double close should be safe.
	if err := m.Close(); err != nil {
		t.Logf("double Close() returned: %v (expected)", err)
	}
}
