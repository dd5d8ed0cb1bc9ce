package config

import (
	"encoding/json"
	"testing"
)

func TestStripJSONCommentsLine(t *testing.T) {
	in := `{
	// pool payout address
	"address": "t1abc", // trailing
	"fee": 1.0
}`
	var out map[string]interface{}
	if err := json.Unmarshal(StripJSONComments([]byte(in)), &out); err != nil {
		t.Fatalf("stripped document does not parse: %v", err)
	}
	if out["address"] != "t1abc" {
		t.Errorf("address = %v", out["address"])
	}
}

func TestStripJSONCommentsBlock(t *testing.T) {
	in := `{"a": 1, /* block
	comment */ "b": 2}`
	var out map[string]interface{}
	if err := json.Unmarshal(StripJSONComments([]byte(in)), &out); err != nil {
		t.Fatalf("stripped document does not parse: %v", err)
	}
	if out["b"] != float64(2) {
		t.Errorf("b = %v", out["b"])
	}
}

func TestStripJSONCommentsTrailingCommas(t *testing.T) {
	in := `{"a": [1, 2, 3,], "b": {"c": 1,},}`
	var out map[string]interface{}
	if err := json.Unmarshal(StripJSONComments([]byte(in)), &out); err != nil {
		t.Fatalf("stripped document does not parse: %v", err)
	}
}

func TestStripJSONCommentsPreservesStrings(t *testing.T) {
	in := `{"url": "http://example.com/path", "note": "a // not a comment", "esc": "say \"hi\", ok"}`
	var out map[string]string
	if err := json.Unmarshal(StripJSONComments([]byte(in)), &out); err != nil {
		t.Fatalf("stripped document does not parse: %v", err)
	}
	if out["url"] != "http://example.com/path" {
		t.Errorf("url mangled: %q", out["url"])
	}
	if out["note"] != "a // not a comment" {
		t.Errorf("note mangled: %q", out["note"])
	}
}
