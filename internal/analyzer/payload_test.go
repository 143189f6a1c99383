package analyzer

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeSummary(t *testing.T) {
	raw := json.RawMessage(`{
		"ok": true,
		"summary": "増収増益。通期予想を上方修正。",
		"performance": {
			"sales": 123400,
			"op_profit": 5600,
			"yoy": {"sales": 12.3},
			"revision": {"exists": true, "direction": "up"}
		},
		"highlights": ["海外売上が好調"],
		"risks": ["為替の円高進行"]
	}`)
	s, err := DecodeSummary(raw)
	if err != nil {
		t.Fatalf("DecodeSummary: %v", err)
	}
	if !s.OK {
		t.Error("OK = false")
	}
	if s.Performance.Sales == nil || *s.Performance.Sales != 123400 {
		t.Errorf("Sales = %v", s.Performance.Sales)
	}
	if s.Performance.Revision.Direction == nil || *s.Performance.Revision.Direction != "up" {
		t.Errorf("Revision.Direction = %v", s.Performance.Revision.Direction)
	}
	if len(s.Highlights) != 1 || len(s.Risks) != 1 {
		t.Errorf("Highlights/Risks = %v / %v", s.Highlights, s.Risks)
	}
}

func TestDecodeSummary_SchemaMismatch(t *testing.T) {
	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{"not json", json.RawMessage(`not json`)},
		{"wrong shape", json.RawMessage(`[1,2,3]`)},
		{"missing summary", json.RawMessage(`{"ok":true}`)},
		{"empty summary", json.RawMessage(`{"ok":true,"summary":"  "}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeSummary(tt.raw); !errors.Is(err, ErrSchemaMismatch) {
				t.Errorf("err = %v, want ErrSchemaMismatch", err)
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	tokens := int64(987)
	p := Payload{
		OK:            true,
		PDFURL:        "https://release.tdnet.info/inbs/x.pdf",
		Model:         "gemini-2.0-flash",
		Tokens:        &tokens,
		SchemaVersion: SchemaVersion,
		Result:        json.RawMessage(`{"summary":"s"}`),
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := DecodePayload(string(data))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got.PDFURL != p.PDFURL || got.Model != p.Model || got.SchemaVersion != SchemaVersion {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Tokens == nil || *got.Tokens != 987 {
		t.Errorf("Tokens = %v", got.Tokens)
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	if _, err := DecodePayload("{"); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}
