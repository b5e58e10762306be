package ai

import (
	"strings"
	"testing"
)

func TestStripMarkdownCodeBlock(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  ```json\n{\"a\": 1}\n```  ", "{\"a\": 1}"},
	}
	for _, tc := range cases {
		if got := stripMarkdownCodeBlock(tc.in); got != tc.want {
			t.Errorf("stripMarkdownCodeBlock(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseJSONResponse(t *testing.T) {
	obj, err := parseJSONResponse("```json\n{\"confluence_score\": 82, \"lot_multiplier\": 1.3, \"reason\": \"aligned\"}\n```")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if obj["confluence_score"].(float64) != 82 {
		t.Errorf("unexpected score: %v", obj["confluence_score"])
	}

	if _, err := parseJSONResponse("not json at all"); err == nil {
		t.Error("expected parse error on prose")
	}
}

func TestBuildEntryPrompt_DeterministicWithPayload(t *testing.T) {
	payload := map[string]any{"symbol": "GOLD", "action": "buy"}
	a, err := BuildEntryPrompt(payload, DefaultPromptOptions())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	b, _ := BuildEntryPrompt(payload, DefaultPromptOptions())
	if a != b {
		t.Error("prompt not deterministic for identical payload")
	}
	if !strings.HasPrefix(a, "Respond with STRICT JSON only") {
		t.Error("missing strict JSON directive")
	}
	if !strings.Contains(a, "\"symbol\":\"GOLD\"") {
		t.Error("payload not appended")
	}
}

func TestBuildPrompt_Compaction(t *testing.T) {
	long := strings.Repeat("x", 1000)
	items := make([]string, 40)
	for i := range items {
		items[i] = "sig"
	}
	payload := map[string]any{"reason": long, "signals": items}

	opts := PromptOptions{Compact: true, MaxItems: 20, MaxStrLen: 600}
	out, err := BuildClosePrompt(payload, opts)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if strings.Contains(out, long) {
		t.Error("long string not truncated")
	}
	if got := strings.Count(out, "\"sig\""); got != 20 {
		t.Errorf("expected 20 list items after compaction, got %d", got)
	}
}

func TestOracleConfig_Defaults(t *testing.T) {
	cfg := DefaultOracleConfig()
	if cfg.RetryCount != 3 || cfg.RetryWaitSec != 2 {
		t.Errorf("unexpected retry defaults: %+v", cfg)
	}
}
