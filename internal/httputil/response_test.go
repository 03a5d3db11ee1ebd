package httputil

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONOK(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONOK(w, map[string]int{"count": 3})

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["count"] != 3 {
		t.Errorf("count = %d, want 3", body["count"])
	}
}

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONError(w, 400, "bad date range")

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "bad date range" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestWriteNoDataIsStructured(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoData(w, "12th-and-main", "no records in range")

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["no_data"] != true {
		t.Errorf("no_data = %v, want true", body["no_data"])
	}
	if body["intersection_id"] != "12th-and-main" {
		t.Errorf("intersection_id = %v", body["intersection_id"])
	}
	// Distinguishable from an error body.
	if _, hasErr := body["error"]; hasErr {
		t.Error("no-data response must not carry an error field")
	}
}
