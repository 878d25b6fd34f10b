package tracker //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
)

func TestReadyIssues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("labels"); got != "ready-for-agent" {
			t.Errorf("labels query = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "token tok" {
			t.Errorf("auth header = %q", got)
		}
		_, _ = w.Write([]byte(`[
			{"number": 7, "title": "fix the flux capacitor", "labels": [{"name": "ready-for-agent"}, {"name": "bug"}]},
			{"number": 9, "title": "add telemetry", "labels": [{"name": "ready-for-agent"}]}
		]`))
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("tok", srv.URL)
	issues, err := c.ReadyIssues(context.Background(), "acme/widgets", "ready-for-agent")
	if err != nil {
		t.Fatalf("ready issues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	if issues[0].Number != 7 || issues[0].Repo != "acme/widgets" {
		t.Fatalf("unexpected first issue: %+v", issues[0])
	}
	if len(issues[0].Labels) != 2 {
		t.Fatalf("labels not flattened: %v", issues[0].Labels)
	}
}

func TestReadyIssuesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("tok", srv.URL)
	if _, err := c.ReadyIssues(context.Background(), "acme/widgets", "ready-for-agent"); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestUpdateLabelsPreservesUnrelated(t *testing.T) {
	var mu sync.Mutex
	var putLabels []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"number": 3, "title": "t", "labels": [{"name": "ready-for-agent"}, {"name": "bug"}]}`))
		case r.Method == http.MethodPut:
			var labels []string
			if err := json.NewDecoder(r.Body).Decode(&labels); err != nil {
				t.Errorf("decode put body: %v", err)
			}
			mu.Lock()
			putLabels = labels
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("tok", srv.URL)
	err := c.UpdateLabels(context.Background(), "acme/widgets", 3,
		[]string{"agent-working"}, []string{"ready-for-agent"})
	if err != nil {
		t.Fatalf("update labels: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(putLabels)
	want := []string{"agent-working", "bug"}
	if len(putLabels) != 2 || putLabels[0] != want[0] || putLabels[1] != want[1] {
		t.Fatalf("put labels = %v, want %v", putLabels, want)
	}
}

func TestCreateComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues/5/comments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["body"] != "hello from foreman" {
			t.Errorf("comment body = %q", body["body"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("tok", srv.URL)
	if err := c.CreateComment(context.Background(), "acme/widgets", 5, "hello from foreman"); err != nil {
		t.Fatalf("create comment: %v", err)
	}
}
