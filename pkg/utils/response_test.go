package utils

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSONAllowsEmptyBody(t *testing.T) {
	var payload struct {
		ThreadID string `json:"threadId"`
	}

	req := httptest.NewRequest("POST", "/threads", strings.NewReader(""))
	if err := DecodeJSON(httptest.NewRecorder(), req, &payload); err != nil {
		t.Fatalf("empty body err: %v", err)
	}

	req = httptest.NewRequest("POST", "/threads", strings.NewReader(`{"threadId":"t-1"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &payload); err != nil || payload.ThreadID != "t-1" {
		t.Fatalf("unexpected decode %+v err=%v", payload, err)
	}

	req = httptest.NewRequest("POST", "/threads", strings.NewReader(`{"threadId":`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &payload); err == nil {
		t.Fatal("expected error for truncated body")
	}
}
