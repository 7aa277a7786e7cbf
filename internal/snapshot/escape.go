package snapshot

import "strings"

var (
	htmlAttrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&#39;")
	htmlTextEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;")
)

// EscapeHTMLAttribute escapes s for use inside a double-quoted attribute.
func EscapeHTMLAttribute(s string) string { return htmlAttrEscaper.Replace(s) }

// EscapeHTML escapes s for use as element text.
func EscapeHTML(s string) string { return htmlTextEscaper.Replace(s) }
