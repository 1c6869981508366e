package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchPostsParsesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit = %q, want 100", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"data": [
				{"id": "p1", "message": "first", "permalink_url": "https://x/p1", "like_count": 3, "comment_count": 1},
				{"id": "p2", "message": "second"}
			],
			"paging": {"cursors": {"after": "abc"}, "next": "https://x/next"}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	page, err := c.FetchPosts(context.Background(), "tok", "loc_1", "", 0)
	if err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}
	if len(page.Posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(page.Posts))
	}
	p := page.Posts[0]
	if p.Owner != "loc_1" || p.ExternalID != "p1" || p.Message != "first" || p.LikeCount != 3 {
		t.Fatalf("first post = %+v", p)
	}
	if page.NextCursor != "abc" {
		t.Fatalf("NextCursor = %q, want abc", page.NextCursor)
	}
}

func TestFetchPostsLastPageHasNoCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("after"); got != "abc" {
			t.Errorf("after = %q, want abc", got)
		}
		w.Write([]byte(`{"data": [{"id": "p3"}], "paging": {"cursors": {"after": "def"}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	page, err := c.FetchPosts(context.Background(), "tok", "loc_1", "abc", 50)
	if err != nil {
		t.Fatalf("FetchPosts: %v", err)
	}
	// no paging.next means the walk ends even though a cursor came back
	if page.NextCursor != "" {
		t.Fatalf("NextCursor = %q, want empty on last page", page.NextCursor)
	}
}

func TestFetchPostsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"expired"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.FetchPosts(context.Background(), "tok", "loc_1", "", 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || !apiErr.Unauthorized() {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestFetchComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/p1/comments" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"data": [
			{"id": "c1", "from_name": "alice", "message": "hi", "like_count": 2},
			{"id": "c2", "from_name": "bob", "message": "reply", "parent_id": "c1"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	comments, err := c.FetchComments(context.Background(), "tok", "p1")
	if err != nil {
		t.Fatalf("FetchComments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("comments = %d, want 2", len(comments))
	}
	if comments[0].PostExternalID != "p1" || comments[0].Author != "alice" || comments[0].Text != "hi" {
		t.Fatalf("first comment = %+v", comments[0])
	}
	if comments[1].ParentExternalID != "c1" {
		t.Fatalf("reply parent = %q, want c1", comments[1].ParentExternalID)
	}
}
