// Package sync executes one job's external synchronization workflow,
// updating the job record as it goes and tolerating partial failure
// without losing already-collected progress.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialsync/internal/models"
	"socialsync/internal/provider"
	"socialsync/internal/store"
	"socialsync/internal/telemetry"
	"socialsync/internal/token"
)

// MaxPageRequests caps pagination per invocation. Even against a
// provider that always claims another page, a post sync issues at most
// this many page fetches (500 posts at the 100-item ceiling).
const MaxPageRequests = 5

// JobStore is the job persistence surface the orchestrator drives.
type JobStore interface {
	CreateJob(ctx context.Context, owner, jobType string) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	JobStatus(ctx context.Context, id string) (string, error)
	MarkJobStarted(ctx context.Context, id string) error
	UpdateJobProgress(ctx context.Context, id string, u models.ProgressUpdate) error
	MarkJobCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkJobFailed(ctx context.Context, id, message string, details json.RawMessage) error
	MarkJobCancelled(ctx context.Context, id string) error
}

// ContentStore persists synced posts and comments.
type ContentStore interface {
	UpsertPost(ctx context.Context, p models.Post) (bool, error)
	ListPosts(ctx context.Context, owner string) ([]models.Post, error)
	UpsertComment(ctx context.Context, c models.Comment) (bool, error)
}

// PostSource pages through a tenant's posts on the provider.
type PostSource interface {
	FetchPosts(ctx context.Context, accessToken, owner, cursor string, limit int) (provider.PostPage, error)
}

// CommentSource fetches one post's comments. It is treated as a slow,
// best-effort black box that may fail per post.
type CommentSource interface {
	FetchComments(ctx context.Context, accessToken, postExternalID string) ([]models.Comment, error)
}

// TokenSource hands out currently-valid credentials. The orchestrator
// never caches one across external calls; a concurrent refresh may have
// rotated it.
type TokenSource interface {
	ActiveToken(ctx context.Context, scope models.TenantScope, policy token.RefreshPolicy) (models.TokenRecord, error)
}

// Config tunes one orchestrator instance.
type Config struct {
	// ItemDelay is slept between per-post comment fetches to stay under
	// provider rate limits. Deliberately a blocking sleep.
	ItemDelay time.Duration
	// RefreshPolicy governs what happens when a mid-job token refresh
	// fails while a stale token is still on hand. Empty means strict.
	RefreshPolicy token.RefreshPolicy
}

// Orchestrator carries out sync jobs end to end.
type Orchestrator struct {
	jobs     JobStore
	content  ContentStore
	posts    PostSource
	comments CommentSource
	tokens   TokenSource
	cfg      Config
	logger   *slog.Logger
}

func New(jobs JobStore, content ContentStore, posts PostSource, comments CommentSource, tokens TokenSource, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		content:  content,
		posts:    posts,
		comments: comments,
		tokens:   tokens,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs the job with the given id to a terminal state. It is the
// entry point workers invoke; exactly one worker executes a given job.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Error("job vanished before execution", "job_id", jobID, "error", err)
		return
	}
	if err := o.jobs.MarkJobStarted(ctx, jobID); err != nil {
		// Already started, cancelled before pickup, or otherwise settled.
		// The guarded update raced, so re-read the status for the log.
		status, statusErr := o.jobs.JobStatus(ctx, jobID)
		if statusErr != nil {
			status = "unknown"
		}
		o.logger.Warn("skipping job not in pending state", "job_id", jobID, "status", status, "error", err)
		return
	}
	telemetry.JobsStarted.Inc()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	switch job.Type {
	case models.TypeSyncPosts:
		err = o.runPostSync(ctx, job, "")
	case models.TypeSyncComments:
		err = o.runCommentSync(ctx, job, "")
	case models.TypeSyncAll:
		err = o.runFullSync(ctx, job)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}
	if err != nil {
		o.fail(ctx, jobID, err)
	}
}

// runPostSync pulls the tenant's posts page by page and upserts them.
// Any page-fetch error is fatal: a broken pagination cursor cannot be
// resumed safely, so the job fails rather than guess. A non-empty
// parentID makes the run also stop when the composite owning it is
// cancelled.
func (o *Orchestrator) runPostSync(ctx context.Context, job models.Job, parentID string) error {
	scope := models.ScopeForOwner(job.Owner)
	var (
		total   int
		success int
		cursor  string
	)

	for page := 0; page < MaxPageRequests; page++ {
		if stopped, err := o.cancelled(ctx, job.ID, parentID); err != nil || stopped {
			return err
		}

		cred, err := o.tokens.ActiveToken(ctx, scope, o.policy())
		if err != nil {
			return fmt.Errorf("credential for %s: %w", scope, err)
		}

		pg, err := o.posts.FetchPosts(ctx, cred.AccessToken, job.Owner, cursor, provider.PageLimit)
		if err != nil {
			return fmt.Errorf("fetch posts page %d: %w", page+1, err)
		}
		telemetry.PagesFetched.Inc()
		if len(pg.Posts) == 0 {
			break
		}

		for _, p := range pg.Posts {
			if _, err := o.content.UpsertPost(ctx, p); err != nil {
				return fmt.Errorf("upsert post %s: %w", p.ExternalID, err)
			}
		}
		total += len(pg.Posts)
		success += len(pg.Posts)
		telemetry.ItemsSynced.Add(float64(len(pg.Posts)))

		if err := o.jobs.UpdateJobProgress(ctx, job.ID, models.ProgressUpdate{
			Processed: &total, Success: &success, Total: &total,
		}); err != nil {
			o.logger.Error("progress update failed", "job_id", job.ID, "error", err)
		}

		if pg.NextCursor == "" {
			break
		}
		cursor = pg.NextCursor
	}

	return o.complete(ctx, job.ID, map[string]any{
		"total_posts":   total,
		"success_count": success,
		"error_count":   0,
		"message":       fmt.Sprintf("synchronized %d posts", success),
	})
}

// runCommentSync walks the tenant's already-synced posts and fetches
// each one's comments. A single post's failure lands in the error list
// and the job moves on; the run completes once every post is attempted.
func (o *Orchestrator) runCommentSync(ctx context.Context, job models.Job, parentID string) error {
	scope := models.ScopeForOwner(job.Owner)
	posts, err := o.content.ListPosts(ctx, job.Owner)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}
	if len(posts) == 0 {
		return o.complete(ctx, job.ID, map[string]any{
			"total_posts":    0,
			"total_comments": 0,
			"message":        "no posts to fetch comments for",
		})
	}

	totalPosts := len(posts)
	zero := 0
	if err := o.jobs.UpdateJobProgress(ctx, job.ID, models.ProgressUpdate{Total: &totalPosts, Processed: &zero}); err != nil {
		o.logger.Error("progress update failed", "job_id", job.ID, "error", err)
	}

	var (
		processed     int
		success       int
		errorCount    int
		totalComments int
		itemErrors    []models.ItemError
	)

	for i, post := range posts {
		if stopped, err := o.cancelled(ctx, job.ID, parentID); err != nil || stopped {
			return err
		}

		cred, err := o.tokens.ActiveToken(ctx, scope, o.policy())
		if err != nil {
			return fmt.Errorf("credential for %s: %w", scope, err)
		}

		comments, err := o.comments.FetchComments(ctx, cred.AccessToken, post.ExternalID)
		if err != nil {
			errorCount++
			itemErrors = append(itemErrors, models.ItemError{ItemID: post.ExternalID, Error: err.Error()})
			o.logger.Warn("comment fetch failed, continuing", "job_id", job.ID, "post", post.ExternalID, "error", err)
		} else {
			stored := 0
			for _, c := range comments {
				if _, err := o.content.UpsertComment(ctx, c); err != nil {
					o.logger.Error("comment upsert failed", "job_id", job.ID, "post", post.ExternalID, "error", err)
					continue
				}
				stored++
			}
			totalComments += stored
			success++
			telemetry.ItemsSynced.Add(float64(stored))
		}

		processed = i + 1
		if err := o.jobs.UpdateJobProgress(ctx, job.ID, models.ProgressUpdate{
			Processed: &processed, Success: &success, Errors: &errorCount,
		}); err != nil {
			o.logger.Error("progress update failed", "job_id", job.ID, "error", err)
		}

		if o.cfg.ItemDelay > 0 && i < len(posts)-1 {
			time.Sleep(o.cfg.ItemDelay)
		}
	}

	result := map[string]any{
		"total_posts":    totalPosts,
		"processed":      processed,
		"total_comments": totalComments,
		"success_count":  success,
		"error_count":    errorCount,
		"message":        fmt.Sprintf("synchronized comments for %d of %d posts", success, totalPosts),
	}
	if len(itemErrors) > 0 {
		result["errors"] = itemErrors
	}
	return o.complete(ctx, job.ID, result)
}

// runFullSync chains post sync then comment sync as child jobs. The
// composite completes iff the post phase completed; comment-phase
// per-item errors surface in the result without failing it. The parent
// record is re-checked between phases, and the child loops watch it
// too, so cancelling the composite stops external calls at the next
// unit of work.
func (o *Orchestrator) runFullSync(ctx context.Context, job models.Job) error {
	postsJob, err := o.runChild(ctx, job, models.TypeSyncPosts, o.runPostSync)
	if err != nil {
		return fmt.Errorf("post sync phase: %w", err)
	}
	if stopped, err := o.cancelled(ctx, job.ID); err != nil || stopped {
		return err
	}
	if postsJob.Status != models.StatusCompleted {
		msg := "post synchronization failed"
		if postsJob.ErrorMessage != nil {
			msg = fmt.Sprintf("post synchronization failed: %s", *postsJob.ErrorMessage)
		}
		return errors.New(msg)
	}

	commentsJob, err := o.runChild(ctx, job, models.TypeSyncComments, o.runCommentSync)
	if err != nil {
		o.logger.Warn("comment sync phase did not run cleanly", "job_id", job.ID, "error", err)
	}
	if stopped, err := o.cancelled(ctx, job.ID); err != nil || stopped {
		return err
	}

	result := map[string]any{
		"posts_job_id":    postsJob.ID,
		"comments_job_id": commentsJob.ID,
		"posts":           jobSummary(postsJob),
		"comments":        jobSummary(commentsJob),
		"message":         "full synchronization completed",
	}
	return o.complete(ctx, job.ID, result)
}

// runChild creates, executes and reloads one phase of a composite job.
// A child abandoned mid-run because the parent was cancelled is settled
// as cancelled rather than left in progress.
func (o *Orchestrator) runChild(ctx context.Context, parent models.Job, jobType string, run func(context.Context, models.Job, string) error) (models.Job, error) {
	child, err := o.jobs.CreateJob(ctx, parent.Owner, jobType)
	if err != nil {
		return models.Job{}, fmt.Errorf("create %s child: %w", jobType, err)
	}
	if err := o.jobs.MarkJobStarted(ctx, child.ID); err != nil {
		return models.Job{}, fmt.Errorf("start %s child: %w", jobType, err)
	}
	if err := run(ctx, child, parent.ID); err != nil {
		o.fail(ctx, child.ID, err)
	}
	if stopped, err := o.cancelled(ctx, parent.ID); err == nil && stopped {
		if err := o.jobs.MarkJobCancelled(ctx, child.ID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			o.logger.Error("could not cancel abandoned child job", "job_id", child.ID, "error", err)
		}
	}
	return o.jobs.GetJob(ctx, child.ID)
}

// cancelled checks for cooperative cancellation between units of work.
// Empty ids are skipped, so callers without a parent pass "". A true
// return means one of the records was flipped to cancelled and the
// worker should stop dispatching external calls.
func (o *Orchestrator) cancelled(ctx context.Context, jobIDs ...string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, id := range jobIDs {
		if id == "" {
			continue
		}
		status, err := o.jobs.JobStatus(ctx, id)
		if err != nil {
			return false, fmt.Errorf("check job status: %w", err)
		}
		if status == models.StatusCancelled {
			o.logger.Info("job cancelled, stopping", "job_id", id)
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) complete(ctx context.Context, jobID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := o.jobs.MarkJobCompleted(ctx, jobID, payload); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled in the gap after the last unit of work; the
			// terminal state stands.
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// fail settles the job with a caller-safe message; the full cause is
// logged and kept in error_details for diagnostics.
func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) {
	msg := "synchronization failed"
	switch {
	case errors.Is(cause, token.ErrTokenExpired):
		msg = "access token expired; re-authorization required"
	case errors.Is(cause, token.ErrNoToken):
		msg = "no credential installed for tenant"
	default:
		var apiErr *provider.APIError
		if errors.As(cause, &apiErr) {
			msg = fmt.Sprintf("provider request failed with status %d", apiErr.StatusCode)
		}
	}
	details, _ := json.Marshal(map[string]string{"cause": cause.Error()})
	o.logger.Error("job failed", "job_id", jobID, "error", cause)
	if err := o.jobs.MarkJobFailed(ctx, jobID, msg, details); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		o.logger.Error("could not mark job failed", "job_id", jobID, "error", err)
	}
	telemetry.JobsFailed.Inc()
}

func (o *Orchestrator) policy() token.RefreshPolicy {
	if o.cfg.RefreshPolicy == "" {
		return token.PolicyStrict
	}
	return o.cfg.RefreshPolicy
}

func jobSummary(j models.Job) map[string]any {
	s := map[string]any{
		"status":          j.Status,
		"total_items":     j.TotalItems,
		"processed_items": j.ProcessedItems,
		"success_count":   j.SuccessCount,
		"error_count":     j.ErrorCount,
	}
	if len(j.Result) > 0 {
		s["result"] = json.RawMessage(j.Result)
	}
	if j.ErrorMessage != nil {
		s["error_message"] = *j.ErrorMessage
	}
	return s
}
