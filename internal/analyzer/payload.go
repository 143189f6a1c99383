package analyzer

import (
	"encoding/json"
	"errors"
	"strings"
)

// SchemaVersion identifies the payload envelope layout written by this
// build. Bump when the envelope gains fields the store should repair.
const SchemaVersion = 1

// ErrSchemaMismatch marks a payload whose result does not match any
// known shape. Callers render it as a warning with the raw payload
// attached; it is never a crash.
var ErrSchemaMismatch = errors.New("result payload does not match known schema")

// Payload is the envelope persisted in the cache for a successful
// analysis, and returned (not persisted) for a failed one.
type Payload struct {
	OK            bool            `json:"ok"`
	Error         string          `json:"error,omitempty"`
	PDFURL        string          `json:"pdf_url,omitempty"`
	Model         string          `json:"model,omitempty"`
	Tokens        *int64          `json:"tokens,omitempty"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// FigureSet holds the four headline P&L figures. Values the model could
// not find stay nil.
type FigureSet struct {
	Sales          *float64 `json:"sales"`
	OpProfit       *float64 `json:"op_profit"`
	OrdinaryProfit *float64 `json:"ordinary_profit"`
	NetProfit      *float64 `json:"net_profit"`
}

// Revision describes a guidance revision disclosed in the filing.
type Revision struct {
	Exists    *bool   `json:"exists"`
	Direction *string `json:"direction"`
	Reason    *string `json:"reason"`
}

// Performance is the realized-results section of a summary.
type Performance struct {
	FigureSet
	YoY              FigureSet `json:"yoy"`
	ProgressFullYear FigureSet `json:"progress_full_year"`
	Revision         Revision  `json:"revision"`
}

// Guidance is the forward-looking section of a summary.
type Guidance struct {
	FullYearForecast FigureSet `json:"full_year_forecast"`
	Assumptions      []string  `json:"assumptions"`
	Notes            string    `json:"notes"`
}

// Summary is the fixed schema the summarization service is asked to
// produce for an earnings filing.
type Summary struct {
	OK          bool        `json:"ok"`
	Summary     string      `json:"summary"`
	Performance Performance `json:"performance"`
	Guidance    Guidance    `json:"guidance"`
	Highlights  []string    `json:"highlights"`
	Risks       []string    `json:"risks"`
	NextToCheck []string    `json:"next_to_check"`
}

// DecodeSummary validates a raw result against the known summary shape.
// Results that do not decode, or decode to an empty summary, report
// ErrSchemaMismatch so callers can fall back to showing the raw JSON.
func DecodeSummary(raw json.RawMessage) (Summary, error) {
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, ErrSchemaMismatch
	}
	if strings.TrimSpace(s.Summary) == "" {
		return Summary{}, ErrSchemaMismatch
	}
	return s, nil
}

// DecodePayload parses a stored payload envelope.
func DecodePayload(data string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Payload{}, ErrSchemaMismatch
	}
	return p, nil
}
