package clio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoToken is returned when no OAuth token has been provisioned yet.
var ErrNoToken = errors.New("clio: no oauth token on record")

// OAuthConfig holds the OAuth client credentials for the refresh grant.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// DBTokenSource stores the OAuth token pair in Postgres and refreshes it
// with the refresh-token grant. Safe for concurrent use.
type DBTokenSource struct {
	pool       *pgxpool.Pool
	cfg        OAuthConfig
	httpClient *http.Client

	mu     sync.Mutex
	cached string
}

// NewDBTokenSource creates a token source backed by the oauth_tokens table.
func NewDBTokenSource(pool *pgxpool.Pool, cfg OAuthConfig) *DBTokenSource {
	return &DBTokenSource{
		pool:       pool,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns the current access token, loading it from the store on
// first use.
func (s *DBTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	var access string
	err := s.pool.QueryRow(ctx, `
		SELECT access_token FROM oauth_tokens WHERE provider = 'clio'
	`).Scan(&access)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}

	s.cached = access
	return access, nil
}

// Refresh exchanges the stored refresh token for a new token pair and
// persists it.
func (s *DBTokenSource) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refresh string
	err := s.pool.QueryRow(ctx, `
		SELECT refresh_token FROM oauth_tokens WHERE provider = 'clio'
	`).Scan(&refresh)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("clio token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("clio token refresh: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("clio token refresh decode: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if body.RefreshToken == "" {
		body.RefreshToken = refresh
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE oauth_tokens
		SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = now()
		WHERE provider = 'clio'
	`, body.AccessToken, body.RefreshToken, expiresAt)
	if err != nil {
		return "", err
	}

	s.cached = body.AccessToken
	return body.AccessToken, nil
}

// ExpiresSoon reports whether the stored token expires within the margin.
// Used by the scheduled refresh job.
func (s *DBTokenSource) ExpiresSoon(ctx context.Context, margin time.Duration) (bool, error) {
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT expires_at FROM oauth_tokens WHERE provider = 'clio'
	`).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNoToken
	}
	if err != nil {
		return false, err
	}
	return time.Until(expiresAt) < margin, nil
}
