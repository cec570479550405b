package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"roomvoice/internal/domain"
)

func TestStatusClientDecodesEachResponseCode(t *testing.T) {
	t.Parallel()

	var lastPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		switch {
		case strings.HasSuffix(r.URL.Path, "/done"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ocr_id":"done","text":"contract"}`))
		case strings.HasSuffix(r.URL.Path, "/pending"):
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := NewHTTPStatusClient(server.URL, server.Client())

	done, payload, err := client.Fetch(context.Background(), domain.JobKindOCR, "done")
	if err != nil || !done {
		t.Fatalf("expected done, got done=%v err=%v", done, err)
	}
	if !strings.Contains(string(payload), "contract") {
		t.Fatalf("payload lost: %s", payload)
	}
	if lastPath != "/v1/ocr/done" {
		t.Fatalf("unexpected OCR path: %s", lastPath)
	}

	done, payload, err = client.Fetch(context.Background(), domain.JobKindLLM, "pending")
	if err != nil || done || payload != nil {
		t.Fatalf("expected pending, got done=%v payload=%s err=%v", done, payload, err)
	}
	if lastPath != "/v1/llm/reports/pending" {
		t.Fatalf("unexpected LLM path: %s", lastPath)
	}

	_, _, err = client.Fetch(context.Background(), domain.JobKindOCR, "broken")
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Fatalf("expected HTTP 500 error, got %v", err)
	}
}

func TestStatusClientEscapesJobIDs(t *testing.T) {
	t.Parallel()

	var rawPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewHTTPStatusClient(server.URL+"/", server.Client())
	if _, _, err := client.Fetch(context.Background(), domain.JobKindOCR, "a/b c"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if rawPath != "/v1/ocr/a%2Fb%20c" {
		t.Fatalf("job id not escaped: %s", rawPath)
	}
}

func TestStatusClientRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	client := NewHTTPStatusClient("http://localhost:1", nil)
	if _, _, err := client.Fetch(context.Background(), domain.JobKind("video"), "x"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
