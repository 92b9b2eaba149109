package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tildaslashalef/venuesync/internal/config"
	"github.com/tildaslashalef/venuesync/internal/loggy"
)

// Claims are the access token claims the client reads. Tokens are verified
// by the server; the client only needs the subject and expiry.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenSession is a Session backed by a bearer access token and a refresh
// token exchanged at a refresh endpoint.
type TokenSession struct {
	mu            sync.RWMutex
	accessToken   string
	refreshToken  string
	claims        *Claims
	refreshURL    string
	fallbackActor string
	client        *http.Client
	logger        *loggy.Logger
}

// NewTokenSession creates a session from configuration
func NewTokenSession(cfg config.AuthConfig, logger *loggy.Logger) (*TokenSession, error) {
	s := &TokenSession{
		refreshToken:  cfg.RefreshToken,
		refreshURL:    cfg.RefreshURL,
		fallbackActor: cfg.ActorID,
		client:        &http.Client{Timeout: cfg.RefreshTimeout},
		logger:        logger.Component("auth"),
	}

	if cfg.AccessToken != "" {
		if err := s.setAccessToken(cfg.AccessToken); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ParseClaims reads the claims of an access token without verifying its
// signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	return claims, nil
}

func (s *TokenSession) setAccessToken(token string) error {
	claims, err := ParseClaims(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.accessToken = token
	s.claims = claims
	s.mu.Unlock()
	return nil
}

// ActorID returns the token's user, falling back to its subject and then to
// the configured actor.
func (s *TokenSession) ActorID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.claims != nil {
		if s.claims.UserID != "" {
			return s.claims.UserID
		}
		if s.claims.Subject != "" {
			return s.claims.Subject
		}
	}
	return s.fallbackActor
}

// Token returns the current access token
func (s *TokenSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// ExpiresAt returns the token expiry, zero when unknown
func (s *TokenSession) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return s.claims.ExpiresAt.Time
}

// Expired reports whether the token expired before now
func (s *TokenSession) Expired(now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Refresh exchanges the refresh token for a new access token
func (s *TokenSession) Refresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()

	if s.refreshURL == "" || refreshToken == "" {
		return ErrRefreshUnavailable
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refreshing session: status %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("refreshing session: %w", ErrNoToken)
	}

	if err := s.setAccessToken(out.AccessToken); err != nil {
		return err
	}
	if out.RefreshToken != "" {
		s.mu.Lock()
		s.refreshToken = out.RefreshToken
		s.mu.Unlock()
	}

	s.logger.Info("Session refreshed", "actor", s.ActorID(), "expires_in", out.ExpiresIn)
	return nil
}
