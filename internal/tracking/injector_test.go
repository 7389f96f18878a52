package tracking

import (
	"strings"
	"testing"
)

func TestInjectRewritesLinksAndAppendsPixel(t *testing.T) {
	html := `<html><body><p>Hi</p><a href="https://acme.com/pricing">Pricing</a></body></html>`

	tracked, links := Inject(html, "abc123", "https://track.example.com/")

	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].OriginalURL != "https://acme.com/pricing" {
		t.Errorf("original url = %q", links[0].OriginalURL)
	}
	want := "https://track.example.com/api/track/abc123/click?lid=" + links[0].ID.String()
	if !strings.Contains(tracked, `href="`+want+`"`) {
		t.Errorf("rewritten href missing, got: %s", tracked)
	}
	if strings.Contains(tracked, `href="https://acme.com/pricing"`) {
		t.Error("original href left in tracked HTML")
	}
	if !strings.Contains(tracked, `src="https://track.example.com/api/track/abc123.png"`) {
		t.Error("pixel missing")
	}
	// Pixel sits inside the body, not after </html>.
	if strings.Index(tracked, "abc123.png") > strings.Index(tracked, "</body>") {
		t.Error("pixel injected outside body")
	}
}

func TestInjectMultipleLinksGetDistinctIDs(t *testing.T) {
	html := `<a href="https://a.com">A</a> <a href="https://b.com">B</a>`

	_, links := Inject(html, "h", "https://t.example.com")

	if len(links) != 2 {
		t.Fatalf("links = %d, want 2", len(links))
	}
	if links[0].ID == links[1].ID {
		t.Error("link ids collided")
	}
	if links[0].OriginalURL == links[1].OriginalURL {
		t.Error("original urls not preserved per link")
	}
}

func TestInjectLeavesMailtoAndAnchors(t *testing.T) {
	html := `<a href="mailto:x@y.com">mail</a> <a href="#top">top</a>`

	tracked, links := Inject(html, "h", "https://t.example.com")

	if len(links) != 0 {
		t.Errorf("non-http links rewritten: %d", len(links))
	}
	if !strings.Contains(tracked, `href="mailto:x@y.com"`) {
		t.Error("mailto link altered")
	}
}

func TestInjectNoBodyTag(t *testing.T) {
	tracked, _ := Inject("<p>plain fragment</p>", "h", "https://t.example.com")
	if !strings.HasSuffix(tracked, `alt=""/>`) {
		t.Errorf("pixel not appended to fragment: %s", tracked)
	}
}
