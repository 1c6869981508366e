package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"socialsync/internal/models"
)

const tokenColumns = `id, level, location_id, company_id, provider_user_id, app_user_id,
	access_token, refresh_token, token_type, expires_at, scope, created_at, updated_at`

// TokenForScope resolves a tenant scope to its stored credential.
func (s *Store) TokenForScope(ctx context.Context, scope models.TenantScope) (models.TokenRecord, error) {
	if scope.IsAgency() {
		return s.AgencyToken(ctx)
	}
	return s.LocationToken(ctx, scope.LocationID)
}

// AgencyToken returns the single agency-level credential.
func (s *Store) AgencyToken(ctx context.Context) (models.TokenRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE level = $1`, models.LevelAgency)
	return scanToken(row)
}

// LocationToken returns the credential installed for one location.
func (s *Store) LocationToken(ctx context.Context, locationID string) (models.TokenRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE location_id = $1`, locationID)
	return scanToken(row)
}

// ListLocationTokens returns every location credential, for fleet-wide
// periodic syncs.
func (s *Store) ListLocationTokens(ctx context.Context) ([]models.TokenRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens WHERE level = $1 ORDER BY id`, models.LevelLocation)
	if err != nil {
		return nil, fmt.Errorf("list location tokens: %w", err)
	}
	defer rows.Close()

	var out []models.TokenRecord
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveToken upserts a credential from an OAuth grant. The agency record
// is keyed by level (one row system-wide), location records by location_id.
func (s *Store) SaveToken(ctx context.Context, t models.TokenRecord) (models.TokenRecord, error) {
	now := time.Now().UTC()
	conflict := `(location_id)`
	if t.Level == models.LevelAgency {
		conflict = `(level) WHERE level = 'agency'`
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO oauth_tokens (level, location_id, company_id, provider_user_id, app_user_id,
			access_token, refresh_token, token_type, expires_at, scope, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT `+conflict+` DO UPDATE
		SET company_id = EXCLUDED.company_id,
			provider_user_id = EXCLUDED.provider_user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, t.Level, t.LocationID, t.CompanyID, t.ProviderUser, t.AppUserID,
		t.AccessToken, t.RefreshToken, t.TokenType, t.ExpiresAt, t.Scope, now)
	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return models.TokenRecord{}, fmt.Errorf("save token: %w", err)
	}
	t.UpdatedAt = now
	return t, nil
}

// ReplaceTokenCredentials swaps access token, refresh token and expiry
// in one statement after a successful provider refresh. The row is
// never left with a renewed access token but a stale refresh token.
func (s *Store) ReplaceTokenCredentials(ctx context.Context, id int64, access, refresh string, expiresAt time.Time, scope string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET access_token = $2, refresh_token = $3, expires_at = $4,
			scope = COALESCE(NULLIF($5, ''), scope), updated_at = NOW()
		WHERE id = $1
	`, id, access, refresh, expiresAt, scope)
	if err != nil {
		return fmt.Errorf("replace token credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpiredTokens deletes credentials past expiry that carry no
// refresh token and therefore can never be renewed.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_tokens WHERE expires_at < $1 AND refresh_token = ''
	`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (models.TokenRecord, error) {
	var (
		t        models.TokenRecord
		location pgtype.Text
		appUser  pgtype.Int8
	)
	err := row.Scan(&t.ID, &t.Level, &location, &t.CompanyID, &t.ProviderUser, &appUser,
		&t.AccessToken, &t.RefreshToken, &t.TokenType, &t.ExpiresAt, &t.Scope,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TokenRecord{}, ErrNotFound
	}
	if err != nil {
		return models.TokenRecord{}, fmt.Errorf("scan token: %w", err)
	}
	if location.Valid {
		t.LocationID = location.String
	}
	if appUser.Valid {
		v := appUser.Int64
		t.AppUserID = &v
	}
	return t, nil
}
