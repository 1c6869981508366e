package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"socialsync/internal/models"
)

// PageLimit is the provider's per-page item ceiling.
const PageLimit = 100

// PostPage is one page of a paginated posts response. NextCursor is
// empty on the last page.
type PostPage struct {
	Posts      []models.Post
	NextCursor string
}

// APIError is a non-success provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the provider rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Client talks to the social provider's REST API. Every request carries
// a bounded timeout so a hung provider cannot pin a worker.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type postsResponse struct {
	Posts []struct {
		ID           string     `json:"id"`
		Message      string     `json:"message"`
		Permalink    string     `json:"permalink_url"`
		LikeCount    int        `json:"like_count"`
		CommentCount int        `json:"comment_count"`
		CreatedTime  *time.Time `json:"created_time"`
	} `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// FetchPosts requests one page of the tenant's posts. An empty cursor
// starts from the beginning; the returned cursor continues the walk.
func (c *Client) FetchPosts(ctx context.Context, accessToken, owner, cursor string, limit int) (PostPage, error) {
	if limit <= 0 || limit > PageLimit {
		limit = PageLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("after", cursor)
	}
	var resp postsResponse
	if err := c.getJSON(ctx, accessToken, "/me/posts?"+q.Encode(), &resp); err != nil {
		return PostPage{}, err
	}

	page := PostPage{}
	for _, p := range resp.Posts {
		page.Posts = append(page.Posts, models.Post{
			Owner:        owner,
			ExternalID:   p.ID,
			Message:      p.Message,
			Permalink:    p.Permalink,
			LikeCount:    p.LikeCount,
			CommentCount: p.CommentCount,
			PostedAt:     p.CreatedTime,
		})
	}
	if resp.Paging.Next != "" {
		page.NextCursor = resp.Paging.Cursors.After
	}
	return page, nil
}

type commentsResponse struct {
	Comments []struct {
		ID          string     `json:"id"`
		Author      string     `json:"from_name"`
		Message     string     `json:"message"`
		LikeCount   int        `json:"like_count"`
		ParentID    string     `json:"parent_id"`
		CreatedTime *time.Time `json:"created_time"`
	} `json:"data"`
}

// FetchComments returns the comments under one post, up to the page
// ceiling. Comment sync treats a single post's failure as non-fatal.
func (c *Client) FetchComments(ctx context.Context, accessToken, postExternalID string) ([]models.Comment, error) {
	path := fmt.Sprintf("/%s/comments?limit=%d", url.PathEscape(postExternalID), PageLimit)
	var resp commentsResponse
	if err := c.getJSON(ctx, accessToken, path, &resp); err != nil {
		return nil, err
	}

	comments := make([]models.Comment, 0, len(resp.Comments))
	for _, cm := range resp.Comments {
		comments = append(comments, models.Comment{
			PostExternalID:   postExternalID,
			ExternalID:       cm.ID,
			Author:           cm.Author,
			Text:             cm.Message,
			LikeCount:        cm.LikeCount,
			ParentExternalID: cm.ParentID,
			PostedAt:         cm.CreatedTime,
		})
	}
	return comments, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}
