package analyze

import (
	"testing"
)

func TestParseVerdict(t *testing.T) {
	data := []byte(`{
		"needsUpdate": true,
		"category": "documentation",
		"confidence": 0.92,
		"contradictions": ["doc claims the endpoint is GET"],
		"reasoning": "signature changed",
		"proposedPatch": "@@ -1,4 +1,4 @@\n",
		"classification": "SAFE_AUTO_APPLY"
	}`)

	v, err := ParseVerdict(data)
	if err != nil {
		t.Fatal(err)
	}
	if !v.NeedsUpdate || v.Category != CategoryDocumentation || v.Confidence != 0.92 {
		t.Errorf("fields not decoded: %+v", v)
	}
	if len(v.Contradictions) != 1 {
		t.Errorf("contradictions not decoded: %v", v.Contradictions)
	}
}

func TestParseVerdictClampsConfidence(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"needsUpdate": true, "category": "implementation", "confidence": 3.7}`))
	if err != nil {
		t.Fatal(err)
	}
	if v.Confidence != 1 {
		t.Errorf("expected clamp to 1, got %v", v.Confidence)
	}

	v, err = ParseVerdict([]byte(`{"needsUpdate": true, "category": "implementation", "confidence": -0.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if v.Confidence != 0 {
		t.Errorf("expected clamp to 0, got %v", v.Confidence)
	}
}

func TestParseVerdictUnknownCategory(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"needsUpdate": true, "category": "vibes", "confidence": 0.9}`))
	if err != nil {
		t.Fatal(err)
	}
	if v.Category != CategoryImplementation {
		t.Errorf("unknown category should normalize to implementation, got %s", v.Category)
	}
}

func TestParseVerdictNilContradictions(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"needsUpdate": false, "category": "documentation", "confidence": 0.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if v.Contradictions == nil {
		t.Error("contradictions should never be nil")
	}
}

func TestParseVerdictMalformed(t *testing.T) {
	if _, err := ParseVerdict([]byte(`the file probably needs updating`)); err == nil {
		t.Error("expected error for non-JSON output")
	}
}
