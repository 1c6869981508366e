package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"socialsync/internal/models"
)

// Memory is an in-process implementation of the store surface. It backs
// unit tests and credential-less development runs; the Postgres store is
// the production path.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	tokens   map[int64]models.TokenRecord
	posts    map[string][]models.Post // keyed by owner
	comments map[string][]models.Comment
	nextID   int64
	nextPost int64
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]models.Job),
		tokens:   make(map[int64]models.TokenRecord),
		posts:    make(map[string][]models.Post),
		comments: make(map[string][]models.Comment),
	}
}

func (m *Memory) CreateJob(_ context.Context, owner, jobType string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	job := models.Job{
		ID:            uuid.New().String(),
		Owner:         owner,
		Type:          jobType,
		Status:        models.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, owner string, f JobFilter) ([]models.Job, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Owner != owner {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) JobStatus(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return job.Status, nil
}

func (m *Memory) MarkJobStarted(_ context.Context, id string) error {
	return m.mutateJob(id, func(j *models.Job) error {
		if j.Status != models.StatusPending {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		j.Status = models.StatusInProgress
		j.StartedAt = &now
		return nil
	})
}

func (m *Memory) UpdateJobProgress(_ context.Context, id string, u models.ProgressUpdate) error {
	return m.mutateJob(id, func(j *models.Job) error {
		if j.Status != models.StatusInProgress {
			return nil // progress on a settled job is dropped, matching the SQL guard
		}
		if u.Processed != nil && *u.Processed > j.ProcessedItems {
			j.ProcessedItems = *u.Processed
		}
		if u.Success != nil {
			j.SuccessCount = *u.Success
		}
		if u.Errors != nil {
			j.ErrorCount = *u.Errors
		}
		if u.Total != nil {
			j.TotalItems = *u.Total
		}
		return nil
	})
}

func (m *Memory) MarkJobCompleted(_ context.Context, id string, result json.RawMessage) error {
	return m.mutateJob(id, func(j *models.Job) error {
		if j.Status != models.StatusInProgress {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		j.Status = models.StatusCompleted
		j.Result = result
		j.CompletedAt = &now
		return nil
	})
}

func (m *Memory) MarkJobFailed(_ context.Context, id, message string, details json.RawMessage) error {
	return m.mutateJob(id, func(j *models.Job) error {
		if j.Status != models.StatusPending && j.Status != models.StatusInProgress {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		j.Status = models.StatusFailed
		j.ErrorMessage = &message
		j.ErrorDetails = details
		j.CompletedAt = &now
		return nil
	})
}

func (m *Memory) MarkJobCancelled(_ context.Context, id string) error {
	return m.mutateJob(id, func(j *models.Job) error {
		if j.Status != models.StatusPending && j.Status != models.StatusInProgress {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		j.Status = models.StatusCancelled
		j.CompletedAt = &now
		return nil
	})
}

func (m *Memory) mutateJob(id string, fn func(*models.Job) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&job); err != nil {
		return err
	}
	job.LastUpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *Memory) TokenForScope(ctx context.Context, scope models.TenantScope) (models.TokenRecord, error) {
	if scope.IsAgency() {
		return m.AgencyToken(ctx)
	}
	return m.LocationToken(ctx, scope.LocationID)
}

func (m *Memory) AgencyToken(_ context.Context) (models.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Level == models.LevelAgency {
			return t, nil
		}
	}
	return models.TokenRecord{}, ErrNotFound
}

func (m *Memory) LocationToken(_ context.Context, locationID string) (models.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Level == models.LevelLocation && t.LocationID == locationID {
			return t, nil
		}
	}
	return models.TokenRecord{}, ErrNotFound
}

func (m *Memory) ListLocationTokens(_ context.Context) ([]models.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TokenRecord
	for _, t := range m.tokens {
		if t.Level == models.LevelLocation {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) SaveToken(_ context.Context, t models.TokenRecord) (models.TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range m.tokens {
		same := existing.Level == models.LevelAgency && t.Level == models.LevelAgency ||
			existing.Level == models.LevelLocation && existing.LocationID == t.LocationID && t.Level == models.LevelLocation
		if same {
			t.ID = id
			t.CreatedAt = existing.CreatedAt
			t.UpdatedAt = now
			m.tokens[id] = t
			return t, nil
		}
	}
	m.nextID++
	t.ID = m.nextID
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tokens[t.ID] = t
	return t, nil
}

func (m *Memory) ReplaceTokenCredentials(_ context.Context, id int64, access, refresh string, expiresAt time.Time, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.AccessToken = access
	t.RefreshToken = refresh
	t.ExpiresAt = expiresAt
	if scope != "" {
		t.Scope = scope
	}
	t.UpdatedAt = time.Now().UTC()
	m.tokens[id] = t
	return nil
}

func (m *Memory) PurgeExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if t.ExpiresAt.Before(now) && t.RefreshToken == "" {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertPost(_ context.Context, p models.Post) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.posts[p.Owner]
	for i, existing := range list {
		if existing.ExternalID == p.ExternalID {
			if p.Message != "" {
				existing.Message = p.Message
			}
			if p.Permalink != "" {
				existing.Permalink = p.Permalink
			}
			existing.LikeCount = p.LikeCount
			existing.CommentCount = p.CommentCount
			if p.PostedAt != nil {
				existing.PostedAt = p.PostedAt
			}
			existing.SyncedAt = time.Now().UTC()
			list[i] = existing
			return false, nil
		}
	}
	m.nextPost++
	p.ID = m.nextPost
	p.SyncedAt = time.Now().UTC()
	m.posts[p.Owner] = append(list, p)
	return true, nil
}

func (m *Memory) ListPosts(_ context.Context, owner string) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Post, len(m.posts[owner]))
	copy(out, m.posts[owner])
	return out, nil
}

func (m *Memory) UpsertComment(_ context.Context, c models.Comment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.comments[c.PostExternalID]
	for i, existing := range list {
		if existing.ExternalID == c.ExternalID {
			if c.Author != "" {
				existing.Author = c.Author
			}
			if c.Text != "" {
				existing.Text = c.Text
			}
			existing.LikeCount = c.LikeCount
			if c.ParentExternalID != "" {
				existing.ParentExternalID = c.ParentExternalID
			}
			if c.PostedAt != nil {
				existing.PostedAt = c.PostedAt
			}
			existing.SyncedAt = time.Now().UTC()
			list[i] = existing
			return false, nil
		}
	}
	m.nextPost++
	c.ID = m.nextPost
	c.SyncedAt = time.Now().UTC()
	m.comments[c.PostExternalID] = append(list, c)
	return true, nil
}

// Comments returns the stored comments for one post, for tests.
func (m *Memory) Comments(postExternalID string) []models.Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Comment, len(m.comments[postExternalID]))
	copy(out, m.comments[postExternalID])
	return out
}
