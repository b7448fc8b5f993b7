package email

import (
	"fmt"
	"strings"

	"hn-digest/pkg/digest"
)

func writeStyleHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".post { margin-bottom: 20px; padding-bottom: 15px; border-bottom: 1px solid #ecf0f1; }\n")
	b.WriteString(".post:last-of-type { border-bottom: none; }\n")
	b.WriteString(".points { color: #ff6600; font-weight: 600; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #ff6600; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".content { background: #2a2a2a; }\n")
	b.WriteString(".footer { border-top-color: #444; color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) formatDigestBody(posts []digest.Post, unsubURL string) string {
	var b strings.Builder
	writeStyleHead(&b)

	for _, post := range posts {
		b.WriteString("<div class=\"post\">\n")
		link := post.URL
		if link == "" {
			// Ask HN and similar posts have no external URL.
			link = "https://news.ycombinator.com/item?id=" + post.ID
		}
		b.WriteString(fmt.Sprintf("<a href=\"%s\"><strong>%s</strong></a>\n", escapeHTML(link), escapeHTML(post.Title)))
		b.WriteString(fmt.Sprintf("<div><span class=\"points\">%d points</span>", post.Points))
		commentsURL := "https://news.ycombinator.com/item?id=" + post.ID
		b.WriteString(fmt.Sprintf(" &bull; <a href=\"%s\">comments</a></div>\n", escapeHTML(commentsURL)))
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(unsubURL)))
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func (s *Sender) formatVerificationBody(verifyURL, strategyDescription string) string {
	var b strings.Builder
	writeStyleHead(&b)

	b.WriteString("<div class=\"content\">\n")
	b.WriteString("<p>You asked to receive a daily Hacker News digest with <strong>")
	b.WriteString(escapeHTML(strategyDescription))
	b.WriteString("</strong>.</p>\n")
	b.WriteString(fmt.Sprintf("<p><a href=\"%s\">Confirm your subscription</a></p>\n", escapeHTML(verifyURL)))
	b.WriteString("<p>The link expires in 24 hours. If you didn't request this, ignore this email and you won't be subscribed.</p>\n")
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func (s *Sender) formatPreferenceBody(strategyDescription, unsubURL string) string {
	var b strings.Builder
	writeStyleHead(&b)

	b.WriteString("<div class=\"content\">\n")
	b.WriteString("<p>Your daily digest is now set to <strong>")
	b.WriteString(escapeHTML(strategyDescription))
	b.WriteString("</strong>.</p>\n")
	b.WriteString("</div>\n")
	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Unsubscribe</a>\n", escapeHTML(unsubURL)))
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
