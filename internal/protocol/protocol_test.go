package protocol

import (
	"bytes"
	"testing"
)

func TestFormatParseEventRoundTrip(t *testing.T) {
	body := FormatEvent("/chat/room", "/42", 7, []byte(`{"a":1}`))
	path, cb, json, ok := ParseEvent(body)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if path != "/chat/room/42" {
		t.Fatalf("unexpected path %q", path)
	}
	if cb != 7 {
		t.Fatalf("unexpected callback id %d", cb)
	}
	if !bytes.Equal(json, []byte(`{"a":1}`)) {
		t.Fatalf("unexpected json %q", json)
	}
}

func TestParseEventRejectsMissingColon(t *testing.T) {
	if _, _, _, ok := ParseEvent([]byte("no-colon-here")); ok {
		t.Fatalf("expected failure without a colon separator")
	}
}

func TestParseEventRejectsMissingEquals(t *testing.T) {
	if _, _, _, ok := ParseEvent([]byte("/a:123")); ok {
		t.Fatalf("expected failure without an equals separator")
	}
}

func TestParseEventRejectsNonNumericCallback(t *testing.T) {
	if _, _, _, ok := ParseEvent([]byte("/a:abc=null")); ok {
		t.Fatalf("expected failure on a non-numeric callback id")
	}
}

func TestParseEventRejectsEmptyCallback(t *testing.T) {
	if _, _, _, ok := ParseEvent([]byte("/a:=null")); ok {
		t.Fatalf("expected failure on an empty callback id")
	}
}
