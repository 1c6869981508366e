package store

import (
	"context"
	"fmt"

	"socialsync/internal/models"
)

// UpsertPost inserts or updates a post by its external id. Fields the
// incoming payload omits (zero values for counters excepted) are kept:
// message, permalink and posted_at only overwrite when non-empty.
// Returns true when a new row was created.
func (s *Store) UpsertPost(ctx context.Context, p models.Post) (bool, error) {
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (owner, external_id, message, permalink, like_count,
			comment_count, posted_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (owner, external_id) DO UPDATE
		SET message    = COALESCE(NULLIF(EXCLUDED.message, ''), posts.message),
			permalink  = COALESCE(NULLIF(EXCLUDED.permalink, ''), posts.permalink),
			like_count = EXCLUDED.like_count,
			comment_count = EXCLUDED.comment_count,
			posted_at  = COALESCE(EXCLUDED.posted_at, posts.posted_at),
			synced_at  = NOW()
		RETURNING (xmax = 0)
	`, p.Owner, p.ExternalID, p.Message, p.Permalink, p.LikeCount, p.CommentCount, p.PostedAt).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert post: %w", err)
	}
	return created, nil
}

// ListPosts returns the tenant's synced posts, oldest first, so comment
// sync walks them in a stable order.
func (s *Store) ListPosts(ctx context.Context, owner string) ([]models.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, external_id, message, permalink, like_count,
			comment_count, posted_at, synced_at
		FROM posts WHERE owner = $1 ORDER BY id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	var posts []models.Post
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.Owner, &p.ExternalID, &p.Message, &p.Permalink,
			&p.LikeCount, &p.CommentCount, &p.PostedAt, &p.SyncedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// UpsertComment inserts or updates a comment by external id under its
// parent post.
func (s *Store) UpsertComment(ctx context.Context, c models.Comment) (bool, error) {
	var created bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO comments (post_external_id, external_id, author, body,
			like_count, parent_external_id, posted_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW())
		ON CONFLICT (post_external_id, external_id) DO UPDATE
		SET author     = COALESCE(NULLIF(EXCLUDED.author, ''), comments.author),
			body       = COALESCE(NULLIF(EXCLUDED.body, ''), comments.body),
			like_count = EXCLUDED.like_count,
			parent_external_id = COALESCE(EXCLUDED.parent_external_id, comments.parent_external_id),
			posted_at  = COALESCE(EXCLUDED.posted_at, comments.posted_at),
			synced_at  = NOW()
		RETURNING (xmax = 0)
	`, c.PostExternalID, c.ExternalID, c.Author, c.Text, c.LikeCount,
		c.ParentExternalID, c.PostedAt).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert comment: %w", err)
	}
	return created, nil
}
