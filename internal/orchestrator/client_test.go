package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_JobInfo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("show") != "info" {
			t.Errorf("expected show=info query param, got %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"RUNNING"}`))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	info, err := client.JobInfo(context.Background(), srv.URL, "W-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Raw["status"] != "RUNNING" {
		t.Errorf("unexpected raw body: %v", info.Raw)
	}
}

func TestClient_JobInfo_CachesResponse(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"RUNNING"}`))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	_, err := client.JobInfo(context.Background(), srv.URL, "W-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.JobInfo(context.Background(), srv.URL, "W-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected exactly one upstream call due to caching, got %d", calls)
	}
}

func TestClient_JobInfo_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	_, err := client.JobInfo(context.Background(), srv.URL, "W-1")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected status code: %d", httpErr.StatusCode)
	}
}

func TestClient_JobInfo_TransportError(t *testing.T) {
	client := NewClient(100*time.Millisecond, nil)
	_, err := client.JobInfo(context.Background(), "http://127.0.0.1:1", "W-1")

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestClient_Rerun_RejectsActionOverride(t *testing.T) {
	client := NewClient(5*time.Second, nil)
	_, err := client.Rerun(context.Background(), "http://example.com", "W-1", nil, map[string]string{"action": "start"})

	var invalidErr *InvalidArgumentError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestClient_Rerun_SendsXMLConfiguration(t *testing.T) {
	var gotBody, gotContentType, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotQuery = r.URL.RawQuery
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"submitted"}`))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	_, err := client.Rerun(context.Background(), srv.URL, "W-1", map[string]string{"b": "2", "a": "1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotContentType != "application/xml" {
		t.Errorf("expected application/xml content-type, got %s", gotContentType)
	}
	if gotQuery != "action=rerun" {
		t.Errorf("expected action=rerun query, got %s", gotQuery)
	}
	wantBody := `<configuration><property><name>a</name><value>1</value></property><property><name>b</name><value>2</value></property></configuration>`
	if gotBody != wantBody {
		t.Errorf("unexpected xml body:\ngot:  %s\nwant: %s", gotBody, wantBody)
	}
}

func TestClient_Rerun_SynthesizesSubmittedOnNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	result, err := client.Rerun(context.Background(), srv.URL, "W-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Raw["status"] != "submitted" {
		t.Errorf("expected synthesized submitted status, got %v", result.Raw)
	}
}

func TestClient_Rerun_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	_, err := client.Rerun(context.Background(), srv.URL, "W-1", nil, nil)

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
}
