package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no analysis exists for a document URL.
var ErrNotFound = errors.New("not found")

// Coarse write-time classification of a filing.
const (
	DocTypeKessan   = "kessan"   // earnings report (tanshin)
	DocTypeBriefing = "briefing" // presentation / briefing material
	DocTypeOther    = "other"
)

// Analysis is one cached summarization result, keyed by document URL.
// Rows are written once per URL and treated as immutable; the replace
// path exists only so schema upgrades can repair metadata columns.
type Analysis struct {
	DocURL      string
	Code        string
	Title       string
	PublishedAt time.Time // UTC; zero means unknown
	PayloadJSON string    // full summarization envelope, stored verbatim
	CreatedAt   time.Time

	// Metadata columns, synthesized from the payload for rows written
	// before the columns existed.
	Model         string
	Tokens        *int64
	SchemaVersion int

	// Derived columns computed at write time for range/category queries.
	Code4            string
	PublishedDateJST string // YYYY-MM-DD
	DocType          string
}

// payloadMeta is the subset of the stored payload used to backfill
// metadata for rows predating the metadata columns.
type payloadMeta struct {
	Model         string `json:"model"`
	Tokens        *int64 `json:"tokens"`
	SchemaVersion int    `json:"schema_version"`
}

// fillFromPayload populates empty metadata fields from values embedded
// in the payload JSON itself.
func (a *Analysis) fillFromPayload() {
	if a.Model != "" && a.Tokens != nil && a.SchemaVersion != 0 {
		return
	}
	var meta payloadMeta
	if err := json.Unmarshal([]byte(a.PayloadJSON), &meta); err != nil {
		return
	}
	if a.Model == "" {
		a.Model = meta.Model
	}
	if a.Tokens == nil {
		a.Tokens = meta.Tokens
	}
	if a.SchemaVersion == 0 {
		a.SchemaVersion = meta.SchemaVersion
	}
}
