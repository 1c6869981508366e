package models

import "time"

// Post is a tenant's social post mirrored locally. ExternalID is the
// provider's immutable id and drives upsert resolution.
type Post struct {
	ID           int64      `json:"id"`
	Owner        string     `json:"owner"`
	ExternalID   string     `json:"external_id"`
	Message      string     `json:"message"`
	Permalink    string     `json:"permalink,omitempty"`
	LikeCount    int        `json:"like_count"`
	CommentCount int        `json:"comment_count"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	SyncedAt     time.Time  `json:"synced_at"`
}

// Comment is a child record fetched per post. ParentExternalID is set
// for threaded replies.
type Comment struct {
	ID               int64      `json:"id"`
	PostExternalID   string     `json:"post_external_id"`
	ExternalID       string     `json:"external_id"`
	Author           string     `json:"author"`
	Text             string     `json:"text"`
	LikeCount        int        `json:"like_count"`
	ParentExternalID string     `json:"parent_external_id,omitempty"`
	PostedAt         *time.Time `json:"posted_at,omitempty"`
	SyncedAt         time.Time  `json:"synced_at"`
}
