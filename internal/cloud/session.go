// ============================================================================
// printwatch vendor cloud session
// ============================================================================
//
// Package: internal/cloud
// File: session.go
// Purpose: Obtain and keep valid a credential against the vendor cloud and
//          expose device enumeration and job-task polling.
//
// Login order:
//   1. stored tokens (environment, then token file): used as-is while
//      unexpired, refreshed when close to expiry
//   2. password sign-in, with the verification-code step when the vendor
//      asks for one (code from the environment or an injected prompt)
//   Both failing is fatal: Login returns ErrLoginFailed.
//
// Refresh:
//   A background goroutine checks the expiry every RefreshCheck and
//   refreshes once fewer than RefreshMargin remain. Failures back off
//   exponentially (BackoffInitial doubling up to BackoffMax). After
//   MaxRefreshFailures consecutive failures ErrRefreshExhausted is
//   delivered on Fatal() and the loop exits.
//
// ============================================================================

package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/printwatch/internal/clock"
)

var (
	// ErrLoginFailed means neither stored tokens nor the password flow
	// produced a usable credential.
	ErrLoginFailed = errors.New("cloud login failed")
	// ErrRefreshExhausted means the credential could not be refreshed
	// MaxRefreshFailures times in a row.
	ErrRefreshExhausted = errors.New("cloud token refresh exhausted")
	// ErrNotLoggedIn is returned by API calls made before Login succeeds.
	ErrNotLoggedIn = errors.New("cloud session not logged in")
)

// Config configures a Session.
type Config struct {
	BaseURL   string // API host, e.g. https://api.bambulab.com
	AuthURL   string // sign-in host, e.g. https://bambulab.com
	Email     string
	TokenFile string // optional; tokens are read from and written back to it

	RefreshCheck       time.Duration
	RefreshMargin      time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	MaxRefreshFailures int
	RequestTimeout     time.Duration
	TaskLimit          int
	UserAgent          string

	Clock      clock.Clock
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Credentials are the secrets a Login may use.
type Credentials struct {
	Password     string
	Code         string
	Token        string
	RefreshToken string

	// Prompt supplies the verification code when Code is empty.
	Prompt func(ctx context.Context) (string, error)
}

// Session is an authenticated vendor cloud session.
type Session struct {
	cfg    Config
	client *http.Client
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.RWMutex
	token        string
	refreshToken string
	username     string
	expiresAt    time.Time

	fatal   chan error
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewSession creates a session. Call Login before any API call.
func NewSession(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "cloud")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RefreshCheck <= 0 {
		cfg.RefreshCheck = 30 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if cfg.MaxRefreshFailures <= 0 {
		cfg.MaxRefreshFailures = 5
	}
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "printwatch/1.0"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Session{
		cfg:    cfg,
		client: client,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		fatal:  make(chan error, 1),
		stopCh: make(chan struct{}),
	}
}

// Login authenticates, trying stored tokens before the password flow.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	stored := creds
	if stored.Token == "" {
		if fromFile, err := readTokenFile(s.cfg.TokenFile); err != nil {
			s.logger.Warn("token file unreadable", "path", s.cfg.TokenFile, "error", err)
		} else {
			stored.Token, stored.RefreshToken = fromFile.Token, fromFile.RefreshToken
		}
	}

	if stored.Token != "" {
		err := s.loginWithStored(ctx, stored.Token, stored.RefreshToken)
		if err == nil {
			return nil
		}
		s.logger.Warn("stored token unusable, falling back to password", "error", err)
	}

	if creds.Password == "" {
		return fmt.Errorf("%w: no usable stored token and no password", ErrLoginFailed)
	}
	token, refresh, err := s.passwordLogin(ctx, creds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := s.adopt(token, refresh, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	s.persist()
	s.logger.Info("logged in with password", "username", s.Username(), "expires_at", s.ExpiresAt())
	return nil
}

func (s *Session) loginWithStored(ctx context.Context, token, refresh string) error {
	if err := s.adopt(token, refresh, 0); err != nil {
		return err
	}
	if !s.needsRefresh(s.clock.Now()) {
		s.logger.Info("logged in with stored token", "username", s.Username(), "expires_at", s.ExpiresAt())
		s.persist()
		return nil
	}
	if refresh == "" {
		return fmt.Errorf("stored token expired and no refresh token")
	}
	if err := s.refresh(ctx); err != nil {
		return fmt.Errorf("refreshing stored token: %w", err)
	}
	s.persist()
	s.logger.Info("logged in with refreshed token", "username", s.Username(), "expires_at", s.ExpiresAt())
	return nil
}

// Start launches the background refresh loop. Login must have succeeded.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return ErrNotLoggedIn
	}
	if s.started {
		return nil
	}
	s.started = true
	s.wg.Add(1)
	go s.refreshLoop()
	s.logger.Info("refresh loop started", "check", s.cfg.RefreshCheck, "margin", s.cfg.RefreshMargin)
	return nil
}

// Stop stops the refresh loop and waits for it to exit. Safe to call more
// than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("refresh loop stopped")
}

// Fatal delivers at most one unrecoverable credential error.
func (s *Session) Fatal() <-chan error { return s.fatal }

// Username returns the account's username claim. Device telemetry sessions
// authenticate with it.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Token returns the current access token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ExpiresAt returns the access token expiry.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// MQTTCredentials returns the username/password pair device sessions use.
// It is read on every (re)connect so refreshed tokens are picked up.
func (s *Session) MQTTCredentials() (username, password string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username, s.token
}

func (s *Session) needsRefresh(now time.Time) bool {
	return s.ExpiresAt().Sub(now) < s.cfg.RefreshMargin
}

func (s *Session) refreshLoop() {
	defer s.wg.Done()

	failures := 0
	wait := s.cfg.RefreshCheck
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clock.After(wait):
		}

		if !s.needsRefresh(s.clock.Now()) {
			wait = s.cfg.RefreshCheck
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		err := s.refresh(ctx)
		cancel()
		if err == nil {
			failures = 0
			wait = s.cfg.RefreshCheck
			s.persist()
			s.logger.Info("token refreshed", "expires_at", s.ExpiresAt())
			continue
		}

		failures++
		if failures >= s.cfg.MaxRefreshFailures {
			s.logger.Error("token refresh failed, giving up", "failures", failures, "error", err)
			s.reportFatal(fmt.Errorf("%w: %d consecutive failures: %v", ErrRefreshExhausted, failures, err))
			return
		}
		wait = backoff(s.cfg.BackoffInitial, s.cfg.BackoffMax, failures)
		s.logger.Warn("token refresh failed, retrying", "failures", failures, "backoff", wait, "error", err)
	}
}

func (s *Session) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// backoff returns initial doubled failures-1 times, capped at max.
func backoff(initial, max time.Duration, failures int) time.Duration {
	d := initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
