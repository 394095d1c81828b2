package email

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeHTMLAnnouncementPost(t *testing.T) {
	input := `<b>Release 24.3</b><br />
<br />
The new build is available on the <a href="https://labkey.example/download" target="_blank" class="externalLink" rel="nofollow"><span style="font-size: 15px">download page</span></a>.<br />
<img src="https://labkey.example/files/screenshot.png" alt="New dashboard" class="bbCodeImage" />
<p style="color: red">Please upgrade &amp; report issues.</p>`

	result := sanitizeHTML(input)

	if !strings.Contains(result, "<b>Release 24.3</b>") {
		t.Error("Bold tag should be preserved")
	}
	if !strings.Contains(result, "<br>") {
		t.Error("Line breaks should be preserved")
	}
	if !strings.Contains(result, `<a href="https://labkey.example/download"><span>download page</span></a>`) {
		t.Errorf("Link should keep only href, got: %s", result)
	}
	if !strings.Contains(result, `<img src="https://labkey.example/files/screenshot.png" alt="New dashboard">`) {
		t.Errorf("Image should keep src and alt, got: %s", result)
	}
	if !strings.Contains(result, "<p>Please upgrade &amp; report issues.</p>") {
		t.Errorf("Paragraph should lose its style and keep escaped text, got: %s", result)
	}
	for _, attr := range []string{"target=", "class=", "rel=", "style="} {
		if strings.Contains(result, attr) {
			t.Errorf("Attribute %s should be stripped, got: %s", attr, result)
		}
	}
}

func TestSanitizeHTMLLists(t *testing.T) {
	input := `<ul><li>First</li><li>Second</li></ul><ol><li>One</li></ol>`
	result := sanitizeHTML(input)
	if result != input {
		t.Errorf("Lists should pass through unchanged\ngot:  %s\nwant: %s", result, input)
	}
}

func TestSanitizeHTMLDangerousProtocols(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"javascript href", `<a href="javascript:alert(1)">click</a>`, `<a>click</a>`},
		{"mixed case javascript", `<a href="JaVaScRiPt:alert(1)">click</a>`, `<a>click</a>`},
		{"data image", `<img src="data:image/png;base64,AAAA" alt="x">`, `<img alt="x">`},
		{"vbscript", `<a href="vbscript:msgbox(1)">click</a>`, `<a>click</a>`},
		{"relative link", `<a href="/announcements/thread?entityId=1">thread</a>`, `<a href="/announcements/thread?entityId=1">thread</a>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeHTML(tt.input); got != tt.want {
				t.Errorf("sanitizeHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeHTMLXSSAttempts(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		forbidden string
	}{
		{"script tag", `<p>hi</p><script>alert(1)</script>`, "alert"},
		{"event handler", `<img src="x.png" onerror="alert(1)">`, "onerror"},
		{"style tag", `<style>body{display:none}</style><p>hi</p>`, "display"},
		{"nested script", `<div><span><script>steal()</script></span></div>`, "steal"},
		{"svg onload", `<svg onload="alert(1)"><circle/></svg>`, "onload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeHTML(tt.input)
			if strings.Contains(got, tt.forbidden) {
				t.Errorf("sanitizeHTML(%q) = %q, should not contain %q", tt.input, got, tt.forbidden)
			}
		})
	}
}

func TestSanitizeHTMLPlaceholders(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "iframe with safe src",
			input: `<iframe src="https://www.youtube.com/embed/abc"></iframe>`,
			want:  `[iframe: <a href="https://www.youtube.com/embed/abc">https://www.youtube.com/embed/abc</a>]`,
		},
		{
			name:  "iframe with unsafe src",
			input: `<iframe src="javascript:alert(1)"></iframe>`,
			want:  "[replaced iframe]",
		},
		{"video", `<video src="movie.mp4"></video>`, "[replaced video]"},
		{"embed", `<p><embed src="x.swf"></p>`, "<p>[replaced embed]</p>"},
		{"unknown wrapper keeps text", `<font color="red">warning</font>`, "warning"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeHTML(tt.input); got != tt.want {
				t.Errorf("sanitizeHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsSafeURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://labkey.example", true},
		{"http://labkey.example", true},
		{"mailto:admin@labkey.example", true},
		{"/relative/path", true},
		{"relative/path:with-colon", true},
		{"?container=home", true},
		{"javascript:alert(1)", false},
		{"  JAVASCRIPT:alert(1)", false},
		{"data:text/html,<b>x</b>", false},
		{"file:///etc/passwd", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isSafeURL(tt.url); got != tt.want {
			t.Errorf("isSafeURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestSnippet(t *testing.T) {
	text, truncated := snippet("<p>Short   post\n with <b>bold</b></p><script>x()</script>", 100)
	if truncated {
		t.Error("Short post should not be truncated")
	}
	if text != "Short post with bold" {
		t.Errorf("snippet text = %q", text)
	}

	long := "<p>" + strings.Repeat("word ", 200) + "</p>"
	text, truncated = snippet(long, 50)
	if !truncated {
		t.Fatal("Long post should be truncated")
	}
	if !strings.HasSuffix(text, "…") {
		t.Errorf("Truncated snippet should end with an ellipsis, got %q", text)
	}
	if n := utf8.RuneCountInString(text); n > 51 {
		t.Errorf("Truncated snippet has %d runes, want at most 51", n)
	}
	if strings.Contains(text, "wor…") {
		t.Errorf("Snippet should cut at a word boundary, got %q", text)
	}
}

func TestSnippetMultibyteWordBoundary(t *testing.T) {
	// The only space sits past half the budget in bytes but not in runes.
	text, truncated := snippet("<p>éééééé abcdefghijklmnopqrstuvwxyz</p>", 20)
	if !truncated {
		t.Fatal("Post should be truncated")
	}
	if want := "éééééé abcdefghijklm…"; text != want {
		t.Errorf("snippet = %q, want %q", text, want)
	}

	text, _ = snippet("<p>"+strings.Repeat("日本語 ", 20)+"</p>", 20)
	if want := strings.TrimSpace(strings.Repeat("日本語 ", 5)) + "…"; text != want {
		t.Errorf("snippet = %q, want %q", text, want)
	}
}
