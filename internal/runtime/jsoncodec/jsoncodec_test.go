package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type costLine struct {
	Service string `json:"service"`
	Cost    string `json:"cost_usd"`
	Tokens  int    `json:"tokens_in"`
}

func TestRecordRoundTrip(t *testing.T) {
	in := costLine{Service: "knowledge", Cost: "0.000123", Tokens: 42}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"service":"knowledge","cost_usd":"0.000123","tokens_in":42}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var out costLine
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %#v", out)
	}

	pretty, err := MarshalIndent(map[string]any{"status": "ok"}, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(pretty), "\n  \"status\"") {
		t.Fatalf("expected indented output, got %s", pretty)
	}
}

func TestStreamAppendsOneValuePerLine(t *testing.T) {
	var buf bytes.Buffer
	for i := 1; i <= 2; i++ {
		if err := Encode(&buf, costLine{Service: "audit", Tokens: i}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}
	if got := bytes.Count(buf.Bytes(), []byte("\n")); got != 2 {
		t.Fatalf("expected 2 lines, got %d", got)
	}

	dec := NewDecoder(&buf)
	var first, second costLine
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if first.Tokens != 1 || second.Tokens != 2 {
		t.Fatalf("unexpected stream order %#v %#v", first, second)
	}
}

func TestDecodeSingleValue(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, costLine{Service: "knowledge", Tokens: 7}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var out costLine
	if err := Decode(&buf, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Service != "knowledge" || out.Tokens != 7 {
		t.Fatalf("unexpected value %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(" {\"id\":\"a\"}\n")) {
		t.Fatal("expected object to be valid")
	}
	if Valid([]byte("not json")) {
		t.Fatal("expected raw text to be invalid")
	}
}

func TestMarshalLineEscapesNewlines(t *testing.T) {
	line, err := MarshalLine(map[string]any{"text": "a\nb", "b": 1, "a": 2})
	if err != nil {
		t.Fatalf("marshal line failed: %v", err)
	}
	if bytes.Count(line, []byte("\n")) != 1 || line[len(line)-1] != '\n' {
		t.Fatalf("expected exactly one trailing newline, got %q", line)
	}
	if !strings.HasPrefix(string(line), `{"a":2,"b":1`) {
		t.Fatalf("expected sorted keys, got %s", line)
	}
}

func TestUnmarshalObject(t *testing.T) {
	obj, err := UnmarshalObject([]byte("  {\"content\":\"hello\"}\n"))
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if obj["content"] != "hello" {
		t.Fatalf("unexpected object %#v", obj)
	}
	if _, err := UnmarshalObject([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed line")
	}
}
