package httputil

import (
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestMockClientReplaysInOrder(t *testing.T) {
	m := NewMockHTTPClient().
		AddResponse(200, `{"ok":true}`).
		AddResponse(500, "boom")

	req, _ := http.NewRequest(http.MethodGet, "http://example.test/incidents", nil)

	resp, err := m.Do(req)
	if err != nil {
		t.Fatalf("first Do failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || string(body) != `{"ok":true}` {
		t.Errorf("first response = %d %q", resp.StatusCode, body)
	}

	resp, err = m.Do(req)
	if err != nil {
		t.Fatalf("second Do failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("second status = %d, want 500", resp.StatusCode)
	}

	if len(m.Requests) != 2 {
		t.Errorf("recorded %d requests, want 2", len(m.Requests))
	}
}

func TestMockClientQueuedError(t *testing.T) {
	wantErr := errors.New("connection refused")
	m := NewMockHTTPClient().AddError(wantErr)

	req, _ := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	if _, err := m.Do(req); !errors.Is(err, wantErr) {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}
}

func TestMockClientExhausted(t *testing.T) {
	m := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	if _, err := m.Do(req); err == nil {
		t.Fatal("expected error when no responses queued")
	}
}
