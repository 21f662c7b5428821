package endpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/run/classify"
)

func testTask() domain.Task {
	return domain.Task{
		ID:       "t1",
		GroupKey: domain.GroupKey{Model: "m", Variant: "v"},
		Payload:  "do the thing",
	}
}

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("auth header = %q", got)
		}
		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID != "t1" {
			t.Errorf("bad request body: %v", err)
		}
		q := 0.8
		_ = json.NewEncoder(w).Encode(callResponse{Quality: &q, Output: "ok"})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, "sekrit")
	out, err := c.Call(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out.Quality == nil || *out.Quality != 0.8 || out.Body != "ok" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestCallPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(callResponse{Partial: true})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, "")
	out, err := c.Call(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !out.Partial {
		t.Error("partial flag lost")
	}
}

func TestCallNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text result"))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, "")
	out, err := c.Call(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out.Body != "plain text result" {
		t.Errorf("body = %q", out.Body)
	}
}

// Error responses keep their classifier markers.
func TestCallErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, "")
	_, err := c.Call(context.Background(), testTask())
	if err == nil {
		t.Fatal("expected error for 503")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error lost status marker: %v", err)
	}
	if kind := classify.Classify(err); kind != domain.ErrKindDependency {
		t.Errorf("classified as %s, want dependency", kind)
	}
}
