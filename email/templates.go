package email

import (
	"fmt"
	"strings"

	"orbit-notifier/pkg/notifier"

	"github.com/microcosm-cc/bluemonday"
)

const linkPrefix = "Link: "

// policy is the final pass over rendered alert fragments.
var policy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowURLSchemes("http", "https")
	p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).Globally()
	p.RequireNoFollowOnLinks(false)
	return p
}()

func (s *Sender) formatAlertBody(displayName string, platform notifier.Platform, body string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #6c5ce7; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".source { color: #6c5ce7; font-weight: 600; font-size: 1.2em; }\n")
	b.WriteString(".platform { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".content { margin: 15px 0; }\n")
	b.WriteString(".view-post { display: inline-block; margin-top: 10px; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #6c5ce7; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".source, a { color: #a29bfe; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	var frag strings.Builder
	frag.WriteString("<div class=\"header\">\n")
	frag.WriteString(fmt.Sprintf("<span class=\"source\">%s</span>\n", escapeHTML(displayName)))
	frag.WriteString(fmt.Sprintf("<span class=\"platform\"> &bull; new %s post</span>\n", escapeHTML(platform.Label())))
	frag.WriteString("</div>\n")

	text, link := splitLink(body)
	frag.WriteString("<div class=\"content\">")
	frag.WriteString(strings.ReplaceAll(escapeHTML(text), "\n", "<br>\n"))
	frag.WriteString("</div>\n")
	if link != "" && isSafeURL(link) {
		frag.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"view-post\">View on %s</a>\n", escapeHTML(link), escapeHTML(platform.Label())))
	}

	if s.appURL != "" {
		frag.WriteString("<div class=\"footer\">\n")
		frag.WriteString(fmt.Sprintf("<a href=\"%s\">Manage your watchlist</a>\n", escapeHTML(s.appURL)))
		frag.WriteString("</div>\n")
	}

	b.WriteString(policy.Sanitize(frag.String()))
	b.WriteString("\n</body>\n</html>")
	return b.String()
}

// splitLink separates a trailing "Link: <url>" line from the alert text.
func splitLink(body string) (text, link string) {
	body = strings.TrimRight(body, "\n")
	idx := strings.LastIndex(body, "\n")
	last := body[idx+1:]
	if !strings.HasPrefix(last, linkPrefix) {
		return body, ""
	}
	link = strings.TrimSpace(strings.TrimPrefix(last, linkPrefix))
	if idx < 0 {
		return "", link
	}
	return strings.TrimRight(body[:idx], "\n"), link
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL accepts only absolute http and https URLs.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
