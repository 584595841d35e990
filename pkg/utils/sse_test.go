package utils

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendSSEEventFormatsFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	SendSSEEvent(rec, rec, "state", map[string]string{"state": "LISTENING"})

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	want := "event: state\ndata: {\"state\":\"LISTENING\"}\n\n"
	if body := rec.Body.String(); body != want {
		t.Fatalf("unexpected frame %q", body)
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, 404, "missing")

	if rec.Code != 404 || !strings.Contains(rec.Body.String(), `"error":"missing"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
