package tdnet

import (
	"regexp"
	"strings"
	"time"
)

// jst is the fixed UTC+9 offset assumed for zone-less upstream timestamps.
// Using a fixed zone instead of the system locale keeps normalization
// deterministic across environments.
var jst = time.FixedZone("JST", 9*60*60)

// DisclosureRecord is the canonical shape of one disclosure announcement
// from the TDnet index. All fields may be zero-valued; callers must not
// assume any field is populated.
type DisclosureRecord struct {
	Title       string
	Code        string    // canonical 4-digit security code, or ""
	RawCode     string    // upstream code as received, kept for display/audit
	DocumentURL string    // absolute filing URL, redirect wrappers unwrapped
	PublishedAt time.Time // UTC; zero means unknown
	Raw         map[string]any
}

// HasPublishedAt reports whether the record carries a parsed timestamp.
func (r DisclosureRecord) HasPublishedAt() bool {
	return !r.PublishedAt.IsZero()
}

// wrapperKeys is the priority order for the case-varying nesting key the
// upstream API has used across versions.
var wrapperKeys = []string{"Tdnet", "TDnet", "tdnet"}

// Normalize converts a raw index item into a DisclosureRecord. It never
// fails: absent or malformed fields produce zero values. This is the
// tolerant-reader boundary for upstream schema drift.
func Normalize(raw map[string]any) DisclosureRecord {
	td := raw
	for _, k := range wrapperKeys {
		if inner, ok := raw[k].(map[string]any); ok {
			td = inner
			break
		}
	}

	rec := DisclosureRecord{Raw: td}
	rec.Title = strings.TrimSpace(firstString(td, "title", "Title"))
	rec.RawCode = strings.TrimSpace(firstString(td, "code", "company_code", "Code"))
	rec.Code = CanonicalCode(rec.RawCode)
	rec.DocumentURL = UnwrapDocumentURL(strings.TrimSpace(firstString(td, "document_url", "documentUrl", "doc_url", "url")))
	rec.PublishedAt = ParseTime(firstString(td, "published_at", "pubdate", "date"))
	return rec
}

// firstString returns the first of the given keys present in m as a
// non-empty string.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// CanonicalCode reduces an upstream security code to the canonical 4-digit
// form. Five-digit codes ending in a padding zero ("45230") lose the last
// digit; otherwise the first four characters are used when they are all
// digits. Anything else yields "".
func CanonicalCode(raw string) string {
	c := strings.TrimSpace(raw)
	if len(c) == 5 && isDigits(c) && strings.HasSuffix(c, "0") {
		return c[:4]
	}
	if len(c) >= 4 && isDigits(c[:4]) {
		return c[:4]
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

const redirectWrapperMarker = "webapi.yanoshin.jp/rd.php?"

// UnwrapDocumentURL extracts the canonical filing URL from a yanoshin
// rd.php redirect wrapper. Only the webapi.yanoshin.jp wrapper host is
// unwrapped; an rd.php path on any other host, and URLs without the
// wrapper pattern, pass through unchanged.
func UnwrapDocumentURL(u string) string {
	if i := strings.Index(u, redirectWrapperMarker); i >= 0 {
		return u[i+len(redirectWrapperMarker):]
	}
	return u
}

// zonelessLayouts are tried in JST when a timestamp carries no offset.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// ParseTime parses an upstream timestamp into UTC. RFC3339 values (with a
// trailing Z translated to +00:00) keep their offset; zone-less values are
// assumed to be JST. Unparseable input returns the zero time.
func ParseTime(value string) time.Time {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}
	}

	if t, err := time.Parse(time.RFC3339, strings.Replace(s, "Z", "+00:00", 1)); err == nil {
		return t.UTC()
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, jst); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// earningsTitleRE is a loose matcher for earnings-report titles, Japanese
// and English variants included.
var earningsTitleRE = regexp.MustCompile(`(?i)(決算短信|四半期決算|通期決算|Financial Results|Earnings|Results)`)

// IsEarningsReport reports whether a disclosure title looks like an
// earnings report.
func IsEarningsReport(title string) bool {
	return earningsTitleRE.MatchString(title)
}
