// Package tracking injects open pixels and rewritten click links into
// outbound HTML and serves the redirector endpoints that record them.
package tracking

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Inject rewrites every outbound link in html to pass through the click
// redirector and appends the open pixel. The returned links carry fresh
// ids and must be persisted against the tracking row before sending.
func Inject(html, hash, baseURL string) (string, []*models.TrackedLink) {
	base := strings.TrimRight(baseURL, "/")

	var links []*models.TrackedLink
	tracked := hrefPattern.ReplaceAllStringFunc(html, func(match string) string {
		original := hrefPattern.FindStringSubmatch(match)[1]
		link := &models.TrackedLink{ID: uuid.New(), OriginalURL: original}
		links = append(links, link)
		return fmt.Sprintf(`href="%s/api/track/%s/click?lid=%s"`, base, hash, link.ID)
	})

	pixel := fmt.Sprintf(`<img src="%s/api/track/%s.png" width="1" height="1" style="display:none" alt=""/>`, base, hash)
	if i := strings.LastIndex(strings.ToLower(tracked), "</body>"); i >= 0 {
		tracked = tracked[:i] + pixel + tracked[i:]
	} else {
		tracked += pixel
	}
	return tracked, links
}
