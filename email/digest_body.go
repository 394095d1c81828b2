package email

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"announcements-notifier/pkg/notifier"
)

const maxSnippet = 600 // Longer posts are cut and linked

// threadGroup is one thread's entries in first-seen order.
type threadGroup struct {
	event   *notifier.Event // First entry, carries thread id, title and container
	entries []*notifier.DigestEntry
}

func groupByThread(entries []*notifier.DigestEntry) []*threadGroup {
	var groups []*threadGroup
	index := make(map[string]*threadGroup)
	for _, e := range entries {
		g, ok := index[e.Event.ThreadID]
		if !ok {
			g = &threadGroup{event: e.Event}
			index[e.Event.ThreadID] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	return groups
}

func threadTitle(ev *notifier.Event) string {
	if ev.ThreadTitle != "" {
		return ev.ThreadTitle
	}
	if ev.Title != "" {
		return ev.Title
	}
	return "Untitled thread"
}

func digestSubject(d *notifier.Digest) string {
	groups := groupByThread(d.Entries)
	if len(groups) == 1 {
		return "New posts to " + threadTitle(groups[0].event)
	}
	return fmt.Sprintf("%d new posts in %d threads", len(d.Entries), len(groups))
}

func (s *Sender) threadURL(ev *notifier.Event) string {
	q := url.Values{"container": {ev.ContainerID}, "entityId": {ev.ThreadID}}
	u := s.baseURL + "/announcements/thread?" + q.Encode()
	if ev.IsResponse() {
		u += "#" + url.PathEscape(ev.PostID)
	}
	return u
}

func (s *Sender) preferencesURL(containerID string) string {
	return s.baseURL + "/announcements/emailPreferences?" + url.Values{"container": {containerID}}.Encode()
}

func (s *Sender) formatDigestBody(d *notifier.Digest) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2c6fad; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".thread { margin-bottom: 30px; }\n")
	b.WriteString(".thread h3 { margin-bottom: 8px; }\n")
	b.WriteString(".post { margin: 0 0 20px 0; padding-left: 12px; border-left: 3px solid #dde6ee; }\n")
	b.WriteString(".author { color: #2c6fad; font-weight: 600; }\n")
	b.WriteString(".timestamp { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".content { margin: 10px 0; }\n")
	b.WriteString(".content img { max-width: 100%; height: auto; display: block; }\n")
	b.WriteString(".content blockquote { border-left: 3px solid #ddd; padding-left: 15px; margin: 10px 0; color: #666; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #2c6fad; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".author, a { color: #6fa8dc; }\n")
	b.WriteString(".timestamp, .footer { color: #a0a0a0; }\n")
	b.WriteString(".post { border-left-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	latest := d.Entries[len(d.Entries)-1].Event.Created
	b.WriteString(fmt.Sprintf("<h2>Daily digest for %s</h2>\n",
		html.EscapeString(latest.In(s.loc).Format("Monday, January 2, 2006"))))
	b.WriteString("</div>\n")

	containers := make(map[string]bool)
	var containerOrder []string
	memberList, signedUp := false, false

	for _, g := range groupByThread(d.Entries) {
		if !containers[g.event.ContainerID] {
			containers[g.event.ContainerID] = true
			containerOrder = append(containerOrder, g.event.ContainerID)
		}

		b.WriteString("<div class=\"thread\">\n")
		b.WriteString(fmt.Sprintf("<h3><a href=\"%s\">%s</a></h3>\n",
			html.EscapeString(s.threadURL(g.event)), html.EscapeString(threadTitle(g.event))))

		for _, e := range g.entries {
			switch e.Reason {
			case notifier.ReasonMemberList:
				memberList = true
			default:
				signedUp = true
			}
			s.writePost(&b, e.Event)
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("<div class=\"footer\">\n")
	if memberList {
		b.WriteString("<p>You are receiving this digest because you are on the member list of one or more of these threads.</p>\n")
	}
	if signedUp {
		b.WriteString("<p>You are receiving this digest because you signed up for a daily digest of new posts.</p>\n")
	}
	for _, c := range containerOrder {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Change email preferences</a>\n", html.EscapeString(s.preferencesURL(c))))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func (s *Sender) writePost(b *strings.Builder, ev *notifier.Event) {
	author := ev.AuthorName
	if author == "" {
		author = fmt.Sprintf("User %d", ev.AuthorID)
	}

	b.WriteString("<div class=\"post\">\n")
	b.WriteString("<div class=\"meta\">\n")
	if ev.IsResponse() && ev.Title != "" {
		b.WriteString(fmt.Sprintf("<strong>%s</strong> &bull; ", html.EscapeString(ev.Title)))
	}
	b.WriteString(fmt.Sprintf("<span class=\"author\">%s</span>\n", html.EscapeString(author)))
	if !ev.Created.IsZero() {
		b.WriteString(fmt.Sprintf("<span class=\"timestamp\"> &bull; %s</span>\n",
			ev.Created.In(s.loc).Format("Jan 2, 2006 at 3:04 PM MST")))
	}
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	// Post bodies are user input; long ones become a plain-text excerpt.
	if text, truncated := snippet(ev.Body, maxSnippet); truncated {
		b.WriteString(html.EscapeString(text))
		b.WriteString(fmt.Sprintf("\n<p><a href=\"%s\">Read the full post</a></p>\n", html.EscapeString(s.threadURL(ev))))
	} else {
		b.WriteString(sanitizeHTML(ev.Body))
	}
	b.WriteString("</div>\n")
	b.WriteString("</div>\n")
}
