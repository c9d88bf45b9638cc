package proxy

import (
	"fmt"
	"strings"
)

const (
	// PickerScriptPath is the reserved path serving the picker script. It is
	// answered by the preview server itself and never forwarded upstream.
	PickerScriptPath = "/__viba_preview_picker.js"

	// PickerScriptVersion busts browser caches whenever the picker changes.
	PickerScriptVersion = 3
)

// PickerScriptTag returns the script tag injected into proxied HTML.
func PickerScriptTag() string {
	return fmt.Sprintf(`<script src="%s?v=%d"></script>`, PickerScriptPath, PickerScriptVersion)
}

// RewriteHTML injects the picker script tag before the first </body>, or
// appends it when the document has no closing body tag. Documents that
// already reference the picker are returned unchanged.
func RewriteHTML(html string) string {
	if strings.Contains(html, PickerScriptPath) {
		return html
	}

	tag := PickerScriptTag()

	if idx := indexFoldASCII(html, "</body>"); idx != -1 {
		var b strings.Builder
		b.Grow(len(html) + len(tag))
		b.WriteString(html[:idx])
		b.WriteString(tag)
		b.WriteString(html[idx:])
		return b.String()
	}

	return html + tag
}

// IsHTML reports whether a Content-Type header describes HTML. Multiple
// header values are joined before matching.
func IsHTML(contentType ...string) bool {
	joined := strings.ToLower(strings.Join(contentType, ";"))
	return strings.Contains(joined, "text/html")
}

// indexFoldASCII is strings.Index with ASCII case folding. Unlike lowering
// the whole document it never shifts byte offsets of non-ASCII text.
func indexFoldASCII(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if asciiEqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

func asciiEqualFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
