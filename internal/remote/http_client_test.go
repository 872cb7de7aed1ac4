package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewClient(&ClientConfig{
		Endpoint: srv.URL,
		Token:    "test-token",
		Timeout:  2 * time.Second,
	})
	return client, srv
}

func TestClient_Create(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var body struct {
			Fields map[string]interface{} `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(wireDocument{
			ID:        "r1",
			Fields:    body.Fields,
			UpdatedAt: "2026-08-30T12:00:00Z",
		})
	}))
	defer srv.Close()

	doc, err := client.Create(context.Background(), "resource", "r1", map[string]interface{}{"name": "Tent"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/v1/collections/resource/documents/r1" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %s", gotAuth)
	}
	if doc.ID != "r1" || doc.Fields["name"] != "Tent" {
		t.Errorf("document = %+v", doc)
	}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if !doc.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", doc.UpdatedAt, want)
	}
}

func TestClient_Update(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		json.NewEncoder(w).Encode(wireDocument{ID: "r1", Fields: map[string]interface{}{"name": "Large Tent"}, UpdatedAt: "2026-08-30T12:00:00Z"})
	}))
	defer srv.Close()

	doc, err := client.Update(context.Background(), "resource", "r1", map[string]interface{}{"name": "Large Tent"})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if doc.Fields["name"] != "Large Tent" {
		t.Errorf("Fields = %v", doc.Fields)
	}
}

func TestClient_Delete(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := client.Delete(context.Background(), "resource", "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
}

func TestClient_Get_notFound(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(wireError{Message: "no such document"})
	}))
	defer srv.Close()

	_, err := client.Get(context.Background(), "resource", "missing")
	if err == nil {
		t.Fatal("Get() should fail")
	}
	if ClassOf(err) != FailureNotFound {
		t.Errorf("ClassOf() = %v, want not_found", ClassOf(err))
	}
}

func TestClient_statusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   FailureClass
	}{
		{http.StatusUnauthorized, FailurePermissionDenied},
		{http.StatusForbidden, FailurePermissionDenied},
		{http.StatusNotFound, FailureNotFound},
		{http.StatusConflict, FailureConflict},
		{http.StatusPreconditionFailed, FailureConflict},
		{http.StatusInternalServerError, FailureNetwork},
		{http.StatusServiceUnavailable, FailureNetwork},
		{http.StatusTooManyRequests, FailureNetwork},
		{http.StatusTeapot, FailureUnknown},
	}
	for _, tt := range tests {
		client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := client.Get(context.Background(), "resource", "r1")
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: Get() should fail", tt.status)
		}
		if got := ClassOf(err); got != tt.want {
			t.Errorf("status %d: ClassOf() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClient_networkFailure(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // Kill the server before the call.

	_, err := client.Get(context.Background(), "resource", "r1")
	if err == nil {
		t.Fatal("Get() should fail against dead server")
	}
	if ClassOf(err) != FailureNetwork {
		t.Errorf("ClassOf() = %v, want network", ClassOf(err))
	}
}

func TestClient_List(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("category"); got != "shelter" {
			t.Errorf("filter category = %s, want shelter", got)
		}
		json.NewEncoder(w).Encode(wireList{Documents: []wireDocument{
			{ID: "r1", Fields: map[string]interface{}{"name": "Tent"}, UpdatedAt: "2026-08-30T12:00:00Z"},
			{ID: "r2", Fields: map[string]interface{}{"name": "Tarp"}, UpdatedAt: "2026-08-30T13:00:00Z"},
		}})
	}))
	defer srv.Close()

	docs, err := client.List(context.Background(), "resource", map[string]string{"category": "shelter"})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "r1" || docs[1].ID != "r2" {
		t.Errorf("List() = %v", docs)
	}
}

func TestClassOf_plainError(t *testing.T) {
	if got := ClassOf(context.DeadlineExceeded); got != FailureNetwork {
		t.Errorf("deadline exceeded should classify as network, got %v", got)
	}
}
