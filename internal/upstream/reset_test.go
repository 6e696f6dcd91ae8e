package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResetDropAndReattachSequence(t *testing.T) {
	var gotMethods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethods = append(gotMethods, r.Method)
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"doorbell_direct":{"producers":[{"url":"rtsp://127.0.0.1:554/cam/realmonitor"}]}}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	start := time.Now()
	if err := c.Reset(context.Background(), "doorbell_direct"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 6*time.Second {
		t.Fatalf("Reset returned after %v, want >= 6s (2s+4s sleeps)", elapsed)
	}

	if len(gotMethods) != 3 || gotMethods[0] != http.MethodGet || gotMethods[1] != http.MethodDelete || gotMethods[2] != http.MethodPut {
		t.Fatalf("unexpected call sequence: %v", gotMethods)
	}
}

func TestResetAbortsWithNoProducer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"doorbell_direct":{"producers":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Reset(context.Background(), "doorbell_direct"); err == nil {
		t.Fatal("expected error when no rtsp producer is present")
	}
}
