package rewrite

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestURLForCustomProtocol(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"http untouched", "http://example.com/a?b=c", "http://example.com/a?b=c"},
		{"https untouched", "https://example.com/", "https://example.com/"},
		{"data untouched", "data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{"relative untouched", "images/a.png", "images/a.png"},
		{"protocol relative untouched", "//cdn.example.com/x.js", "//cdn.example.com/x.js"},
		{"javascript neutralized", "javascript:alert(1)", "javascript:void(0)"},
		{"vbscript neutralized", "vbscript:msgbox", "javascript:void(0)"},
		{"javascript with leading space", " javascript:alert(1)", "javascript:void(0)"},
		{"javascript with tab in scheme", "java\tscript:alert(1)", "javascript:void(0)"},
		{"javascript with newline and control chars", "\x01\njava\rscript:alert(1) ", "javascript:void(0)"},
		{"javascript uppercase", "JavaScript:alert(1)", "javascript:void(0)"},
		{"custom scheme with surrounding space", " myapp://host/x ", "https://pw-myapp--host/x"},
		{"custom scheme", "vscode-file://vscode-app/index.html", "https://pw-vscode-file--vscode-app/index.html"},
		{"custom scheme with port", "myapp://host:8080/x", "https://pw-myapp--host:8080/x"},
		{"file without host", "file:///Users/me/a.png", "https://pw-file/Users/me/a.png"},
		{"blob keeps inner origin", "blob:https://example.com/1234", "https://pw-blob--example.com/1234"},
		{"legacy blob prefix stripped", legacyBlobPrefix + "blob:https://example.com/1234", "https://pw-blob--example.com/1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := URLForCustomProtocol(tt.in); got != tt.want {
				t.Errorf("URLForCustomProtocol(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// Feature: traceview, Property: URLs with an ordinary web scheme are never
// rewritten.
func TestPropertyLegacySchemesUnchanged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scheme := rapid.SampledFrom([]string{"http", "https", "ws", "wss", "ftp", "sftp"}).Draw(t, "scheme")
		host := rapid.StringMatching(`[a-z][a-z0-9]{0,10}\.(com|org|dev)`).Draw(t, "host")
		path := rapid.StringMatching(`(/[a-zA-Z0-9_.-]{1,8}){0,4}`).Draw(t, "path")
		in := scheme + "://" + host + path
		if got := URLForCustomProtocol(in); got != in {
			t.Fatalf("URL mismatch: got %q, want %q", got, in)
		}
	})
}

func TestStyleSheetURLs(t *testing.T) {
	in := `a{background:url("vscode-file://app/a.png")} b{background:url(https://x.com/b.png)} c{src:url('file:///f.woff')}`
	want := `a{background:url("https://pw-vscode-file--app/a.png")} b{background:url(https://x.com/b.png)} c{src:url('https://pw-file--/f.woff')}`
	if got := StyleSheetURLs(in); got != want {
		t.Errorf("css mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestEscapeStyleSheetURLs(t *testing.T) {
	in := `div{background:url('data:image/svg+xml,<svg></svg>')} p{background:url("a.png")}`
	got := EscapeStyleSheetURLs(in)
	if strings.Contains(got, "</") {
		t.Fatalf("escaped css still contains </: %q", got)
	}
	if !strings.Contains(got, `url("a.png")`) {
		t.Errorf("unrelated url was changed: %q", got)
	}
	if !strings.Contains(got, "%3C/svg%3E") {
		t.Errorf("expected percent-encoded closing tag in %q", got)
	}
}

func TestUnwrapPopoutURL(t *testing.T) {
	inner := "http://localhost:9323/trace/snapshot/page@1?trace=t.zip&name=before@call@1"
	popout := "http://localhost:9323/trace/snapshot.html?r=" + strings.NewReplacer("?", "%3F", "&", "%26", "=", "%3D").Replace(inner)
	if got := UnwrapPopoutURL(popout); got != inner {
		t.Errorf("popout: got %q, want %q", got, inner)
	}
	if got := UnwrapPopoutURL(inner); got != inner {
		t.Errorf("plain: got %q, want %q", got, inner)
	}
}
