// Package rewrite maps URLs found in recorded snapshots onto URLs the
// snapshot server can intercept.
//
// Schemes browsers would refuse to load from a snapshot page (custom app
// schemes, blob:, file:) are folded into an https URL whose host encodes the
// original scheme, e.g. "vscode-file://app/x" becomes
// "https://pw-vscode-file--app/x".
package rewrite

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// legacyBlobPrefix was used by older recorders to wrap blob URLs.
const legacyBlobPrefix = "http://playwright.bloburl/#"

var legacySchemes = []string{
	"about", "blob", "data", "file", "ftp", "http", "https",
	"mailto", "sftp", "ws", "wss",
}

func isLegacyScheme(scheme string) bool {
	return slices.Contains(legacySchemes, scheme)
}

// URLForCustomProtocol rewrites href so that a custom or otherwise
// unloadable scheme is carried inside an https host. Unparseable or relative
// URLs are returned unchanged.
func URLForCustomProtocol(href string) string {
	href = strings.TrimPrefix(href, legacyBlobPrefix)

	// Browsers read the scheme after stripping this whitespace, so script
	// schemes are matched on the cleaned form.
	clean := stripURLWhitespace(href)
	if m := schemePattern.FindStringSubmatch(clean); m != nil {
		switch strings.ToLower(m[1]) {
		case "javascript", "vbscript":
			return "javascript:void(0)"
		}
	}

	u, err := url.Parse(clean)
	if err != nil || u.Scheme == "" {
		return href
	}
	if u.Scheme != "blob" && u.Scheme != "file" && isLegacyScheme(u.Scheme) {
		return href
	}

	prefix := "pw-" + u.Scheme
	if u.Opaque != "" {
		// blob:https://origin/uuid keeps the inner origin as the host.
		inner, err := url.Parse(u.Opaque)
		if err == nil && inner.Host != "" {
			u.Host, u.Path, u.RawPath = inner.Host, inner.Path, inner.RawPath
		} else {
			u.Path = "/" + u.Opaque
		}
		u.Opaque = ""
	}

	host := prefix
	if h := u.Hostname(); h != "" {
		host = prefix + "--" + h
	}
	if p := u.Port(); p != "" {
		host += ":" + p
	}
	u.Host = host
	u.Scheme = "https"
	return u.String()
}

var schemePattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*):`)

// stripURLWhitespace trims leading and trailing C0 controls and spaces and
// removes tabs and newlines anywhere, as URL parsing in browsers does.
func stripURLWhitespace(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool { return r <= 0x20 })
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

var cssURLPattern = regexp.MustCompile(`(?i)url\(['"]?([\w-]+:)//`)

// StyleSheetURLs rewrites the scheme of every absolute url(...) reference in
// css using the same rules as URLForCustomProtocol.
func StyleSheetURLs(css string) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		protocol := cssURLPattern.FindStringSubmatch(match)[1]
		scheme := strings.TrimSuffix(protocol, ":")
		if scheme != "blob" && scheme != "file" && isLegacyScheme(scheme) {
			return match
		}
		return strings.Replace(match, protocol+"//", fmt.Sprintf("https://pw-%s--", scheme), 1)
	})
}

var (
	cssSingleQuotedURL = regexp.MustCompile(`(?i)url\(\s*'([^']*)'\s*\)`)
	cssDoubleQuotedURL = regexp.MustCompile(`(?i)url\(\s*"([^"]*)"\s*\)`)
)

// EscapeStyleSheetURLs percent-encodes quoted url(...) values that contain
// "</" so the sequence cannot close the surrounding <style> element.
func EscapeStyleSheetURLs(css string) string {
	for _, re := range []*regexp.Regexp{cssSingleQuotedURL, cssDoubleQuotedURL} {
		css = re.ReplaceAllStringFunc(css, func(match string) string {
			value := re.FindStringSubmatch(match)[1]
			if !strings.Contains(value, "</") {
				return match
			}
			return strings.Replace(match, value, encodeURI(value), 1)
		})
	}
	return css
}

const uriUnescaped = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789;,/?:@&=+$-_.!~*'()#"

// encodeURI matches the ECMAScript global of the same name.
func encodeURI(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(uriUnescaped, c) >= 0 {
			sb.WriteByte(c)
			continue
		}
		fmt.Fprintf(&sb, "%%%02X", c)
	}
	return sb.String()
}

// UnwrapPopoutURL returns the snapshot URL carried in the "r" parameter of a
// popped-out snapshot.html page, or rawURL itself for any other URL.
func UnwrapPopoutURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if strings.HasSuffix(u.Path, "/snapshot.html") {
		return u.Query().Get("r")
	}
	return rawURL
}
