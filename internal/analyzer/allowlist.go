package analyzer

import "strings"

const (
	filingHost       = "release.tdnet.info"
	redirectWrapHost = "webapi.yanoshin.jp/rd.php?"
)

// IsAllowedDocumentURL reports whether a URL may be sent to the
// download/summarization path. Only filing-host PDFs qualify, directly
// or through the yanoshin redirect wrapper; everything else is rejected
// before any bandwidth or API budget is spent on it.
func IsAllowedDocumentURL(u string) bool {
	s := strings.ToLower(strings.TrimSpace(u))
	if s == "" {
		return false
	}
	if strings.Contains(s, filingHost) && strings.HasSuffix(s, ".pdf") {
		return true
	}
	if strings.Contains(s, redirectWrapHost) && strings.Contains(s, filingHost) && strings.Contains(s, ".pdf") {
		return true
	}
	return false
}
