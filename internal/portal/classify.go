package portal

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/pkg/types"
)

// ClassifyLogin decides what the page reached after submitting the login
// form means. It is the single place that knows the portal's markers, so a
// portal redesign is fixed here and in the page fixtures.
func ClassifyLogin(rawURL, page string, m config.MarkersConfig) types.AuthOutcome {
	u, err := url.Parse(rawURL)
	path := strings.ToLower(rawURL)
	if err == nil {
		path = strings.ToLower(u.Path + "?" + u.RawQuery)
	}
	text := strings.ToLower(VisibleText(page))

	if containsAny(text, m.InvalidCredentials) {
		return types.AuthInvalidCredentials
	}
	if containsAny(path, m.UnavailablePaths) || containsAny(text, m.UnavailableText) {
		return types.AuthPortalUnavailable
	}
	if err == nil && containsAny(strings.ToLower(u.Path), m.SuccessPaths) {
		return types.AuthSuccess
	}
	if containsAny(path, m.IntermediatePaths) {
		return types.AuthIntermediate
	}
	return types.AuthUnknown
}

// IsLoginURL reports whether rawURL is one of the portal's login pages.
func IsLoginURL(rawURL string, m config.MarkersConfig) bool {
	return containsAny(strings.ToLower(rawURL), m.LoginPaths)
}

// ClassifyIngestionMode maps the summary's ingestion code to a mode. Only
// detail codes expose per-record lists; everything else, including an
// empty code, is aggregate-only.
func ClassifyIngestionMode(code string) types.IngestionMode {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(code)), "DET") {
		return types.DetailAvailable
	}
	return types.AggregateNoDetail
}

// VisibleText returns the whitespace-collapsed text of an HTML document,
// skipping script and style content.
func VisibleText(page string) string {
	z := html.NewTokenizer(strings.NewReader(page))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHiddenTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHiddenTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func isHiddenTag(name string) bool {
	return name == "script" || name == "style" || name == "noscript"
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
