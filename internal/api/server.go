package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"socialsync/internal/models"
	"socialsync/internal/provider"
	"socialsync/internal/ratelimit"
	"socialsync/internal/scheduler"
	"socialsync/internal/store"
	"socialsync/internal/telemetry"
	"socialsync/internal/token"
	"socialsync/internal/worker"
)

// JobReader is the read side of job persistence the API needs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, owner string, f store.JobFilter) ([]models.Job, error)
	MarkJobCancelled(ctx context.Context, id string) error
}

// Dispatcher creates and hands off ad-hoc jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, owner, jobType string) (models.Job, error)
	TriggerNow(id string) error
	Pause(id string) error
	Resume(id string) error
	Entries() []scheduler.EntryStatus
}

// CredentialManager is the token-lifecycle surface the API exposes:
// synchronous credential checks before job creation, grant storage on
// OAuth callback, and agency-to-location minting.
type CredentialManager interface {
	CheckCredential(ctx context.Context, scope models.TenantScope) error
	StoreGrant(ctx context.Context, payload provider.TokenPayload, appUserID *int64) (models.TokenRecord, error)
	MintLocationToken(ctx context.Context, locationID string, appUserID *int64) (models.TokenRecord, error)
}

// OAuthFlow starts and finishes the provider authorization-code flow.
type OAuthFlow interface {
	AuthCodeURL(state, userType string) string
	Exchange(ctx context.Context, code, userType string) (provider.TokenPayload, error)
}

// Server wires HTTP handlers for the trigger surface. Triggers return a
// job id promptly; the work itself runs on the pool.
type Server struct {
	jobs       JobReader
	dispatcher Dispatcher
	creds      CredentialManager
	oauth      OAuthFlow
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

func New(jobs JobReader, dispatcher Dispatcher, creds CredentialManager, oauth OAuthFlow, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	return &Server{
		jobs:       jobs,
		dispatcher: dispatcher,
		creds:      creds,
		oauth:      oauth,
		limiter:    limiter,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)

	r.Get("/oauth/authorize", s.handleAuthorize)
	r.Get("/oauth/callback", s.handleOAuthCallback)
	r.Post("/locations/{locationID}/token", s.handleMintLocationToken)

	r.Get("/scheduler/jobs", s.handleSchedulerEntries)
	r.Post("/scheduler/jobs/{id}/run", s.schedulerControl(s.dispatcher.TriggerNow))
	r.Post("/scheduler/jobs/{id}/pause", s.schedulerControl(s.dispatcher.Pause))
	r.Post("/scheduler/jobs/{id}/resume", s.schedulerControl(s.dispatcher.Resume))

	return r
}

type createJobRequest struct {
	JobType string `json:"job_type"`
}

type createJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Owner-ID header")
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !models.ValidJobType(req.JobType) {
		writeError(w, http.StatusBadRequest, "job_type must be one of sync_posts, sync_comments, sync_all")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	if s.creds != nil {
		if err := s.creds.CheckCredential(r.Context(), models.ScopeForOwner(owner)); err != nil {
			switch {
			case errors.Is(err, token.ErrTokenExpired):
				// Distinguishable marker: the caller should re-authorize,
				// not retry.
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error":         "access token expired",
					"token_expired": true,
				})
			case errors.Is(err, token.ErrNoToken):
				writeError(w, http.StatusNotFound, "no credential installed for tenant")
			default:
				s.logger.Error("credential check failed", "owner", owner, "error", err)
				writeError(w, http.StatusInternalServerError, "credential check failed")
			}
			return
		}
	}

	job, err := s.dispatcher.Dispatch(r.Context(), owner, req.JobType)
	if err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "worker queue saturated, try again later")
			return
		}
		s.logger.Error("dispatch failed", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: job.ID, Status: job.Status})
}

// jobView is the polling snapshot, job fields plus derived progress.
type jobView struct {
	models.Job
	ProgressPercent int      `json:"progress_percent"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func viewOf(j models.Job) jobView {
	v := jobView{Job: j, ProgressPercent: j.ProgressPercent()}
	if d, ok := j.Duration(); ok {
		secs := d.Seconds()
		v.DurationSeconds = &secs
	}
	return v
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Owner-ID header")
		return
	}
	f := store.JobFilter{Status: r.URL.Query().Get("status")}
	if f.Status != "" && f.Status != models.StatusPending && f.Status != models.StatusInProgress && !models.TerminalStatus(f.Status) {
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		f.Limit = n
	}
	jobs, err := s.jobs.ListJobs(r.Context(), owner, f)
	if err != nil {
		s.logger.Error("list jobs failed", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.jobs.MarkJobCancelled(r.Context(), job.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "job already finished")
			return
		}
		s.logger.Error("cancel failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

// ownedJob loads the path job and enforces that the caller owns it.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Owner-ID header")
		return models.Job{}, false
	}
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return models.Job{}, false
		}
		s.logger.Error("get job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return models.Job{}, false
	}
	if job.Owner != owner {
		writeError(w, http.StatusForbidden, "job belongs to another owner")
		return models.Job{}, false
	}
	return job, true
}

// handleAuthorize redirects the installer to the provider's consent
// page. user_type selects an agency (Company) or single-location grant.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	userType := r.URL.Query().Get("user_type")
	if userType == "" {
		userType = provider.UserTypeLocation
	}
	if userType != provider.UserTypeLocation && userType != provider.UserTypeCompany {
		writeError(w, http.StatusBadRequest, "user_type must be Location or Company")
		return
	}
	state := uuid.New().String()
	http.Redirect(w, r, s.oauth.AuthCodeURL(state, userType), http.StatusFound)
}

// handleOAuthCallback finishes the code exchange and stores the grant.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code parameter")
		return
	}
	userType := r.URL.Query().Get("user_type")
	if userType == "" {
		userType = provider.UserTypeLocation
	}

	payload, err := s.oauth.Exchange(r.Context(), code, userType)
	if err != nil {
		s.logger.Error("oauth code exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, "authorization code exchange failed")
		return
	}
	rec, err := s.creds.StoreGrant(r.Context(), payload, nil)
	if err != nil {
		s.logger.Error("could not store oauth grant", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store credential")
		return
	}
	s.logger.Info("oauth grant installed", "level", rec.Level, "location_id", rec.LocationID)
	writeJSON(w, http.StatusOK, rec)
}

// handleMintLocationToken derives a location credential from the agency
// credential, so a location never runs its own consent flow.
func (s *Server) handleMintLocationToken(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")
	rec, err := s.creds.MintLocationToken(r.Context(), locationID, nil)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrNoToken):
			writeError(w, http.StatusNotFound, "no agency credential installed")
		case errors.Is(err, token.ErrTokenExpired):
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":         "agency token expired",
				"token_expired": true,
			})
		default:
			s.logger.Error("location token mint failed", "location_id", locationID, "error", err)
			writeError(w, http.StatusBadGateway, "could not mint location token")
		}
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSchedulerEntries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.dispatcher.Entries()})
}

func (s *Server) schedulerControl(fn func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(id); err != nil {
			if errors.Is(err, scheduler.ErrUnknownEntry) {
				writeError(w, http.StatusNotFound, "unknown scheduler entry")
				return
			}
			s.logger.Error("scheduler control failed", "entry", id, "error", err)
			writeError(w, http.StatusInternalServerError, "scheduler control failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-Owner-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
