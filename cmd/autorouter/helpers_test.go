package main

import (
	"net/http"
	"strings"
	"testing"
)

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"Bearer   abc123  ", "abc123"},
		{"", ""},
		{"Basic abc123", ""},
		{"Bearer", ""},
	}
	for _, c := range cases {
		if got := extractBearer(c.header); got != c.want {
			t.Errorf("extractBearer(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestReadAllNilBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	body, err := readAll(req)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if len(body) != 0 {
		t.Errorf("readAll() with nil body = %q, want empty", body)
	}
}

func TestReadAllReturnsBody(t *testing.T) {
	payload := `{"model":"gpt-4o","stream":true}`
	req, err := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	body, err := readAll(req)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	if string(body) != payload {
		t.Errorf("readAll() = %q, want %q", body, payload)
	}
}

func TestDecodeEncryptionKeyLiteral32Bytes(t *testing.T) {
	key := strings.Repeat("a", 32)
	got, err := decodeEncryptionKey(key)
	if err != nil {
		t.Fatalf("decodeEncryptionKey: %v", err)
	}
	if len(got) != 32 {
		t.Errorf("decodeEncryptionKey() len = %d, want 32", len(got))
	}
}

func TestDecodeEncryptionKeyRejectsShort(t *testing.T) {
	if _, err := decodeEncryptionKey("too-short"); err == nil {
		t.Error("decodeEncryptionKey() with a short literal key: expected an error, got nil")
	}
}
