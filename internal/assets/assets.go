// Package assets provides embedded static files for the application.
// Using Go's embed package allows for single-binary deployment without
// external file dependencies.
package assets

import (
	"bytes"
	"embed"
	"html"
	"html/template"
	"io/fs"
	"regexp"

	"github.com/saltenhof/gemini-session-pool/pkg/version"
)

// Templates embeds all HTML templates.
//
//go:embed templates/*.html
var Templates embed.FS

// GetTemplate parses and returns a named template from the embedded filesystem.
func GetTemplate(name string) (*template.Template, error) {
	return template.ParseFS(Templates, "templates/"+name)
}

// ReadTemplate returns the raw content of a template file.
func ReadTemplate(name string) ([]byte, error) {
	return fs.ReadFile(Templates, "templates/"+name)
}

// sanitizeVersion removes any potentially dangerous characters from the version string.
// This prevents XSS via build-time ldflags injection.
// Only allows alphanumeric characters, dots, dashes, underscores, and plus signs.
var versionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.\-_+]`)

// SanitizeVersion sanitizes a version string to prevent XSS attacks.
// Returns "unknown" if the result is empty after sanitization.
func SanitizeVersion(v string) string {
	// First HTML escape, then remove any remaining suspicious characters
	escaped := html.EscapeString(v)
	sanitized := versionSanitizer.ReplaceAllString(escaped, "")
	if sanitized == "" {
		return "unknown"
	}
	// Limit length to prevent DoS via extremely long version strings
	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	return sanitized
}

// TestUIPageData carries the values interpolated into the debug test UI.
type TestUIPageData struct {
	Version string
}

var testUITemplate = template.Must(GetTemplate("test_ui.html"))

// TestUIPage renders the operator debug UI served at GET /: a page for
// manually exercising acquire/send/release against the running pool
// without a REST client. Uses html/template for automatic escaping.
func TestUIPage() ([]byte, error) {
	var buf bytes.Buffer
	data := TestUIPageData{Version: SanitizeVersion(version.Full())}
	if err := testUITemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
