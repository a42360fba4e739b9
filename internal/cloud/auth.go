package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	signInPath  = "/api/sign-in/form"
	codePath    = "/api/sign-in/code"
	refreshPath = "/v1/user-service/user/refreshtoken"
)

// storedTokens is the token file layout.
type storedTokens struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// adopt installs a token pair. The expiry comes from the token's exp claim;
// fallbackTTL is used when the token carries none.
func (s *Session) adopt(token, refresh string, fallbackTTL time.Duration) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parsing access token: %w", err)
	}

	username, _ := claims["username"].(string)
	if username == "" {
		return fmt.Errorf("access token has no username claim")
	}

	var expiresAt time.Time
	exp, err := claims.GetExpirationTime()
	switch {
	case err == nil && exp != nil:
		expiresAt = exp.Time
	case fallbackTTL > 0:
		expiresAt = s.clock.Now().Add(fallbackTTL)
	default:
		return fmt.Errorf("access token has no expiry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	if refresh != "" {
		s.refreshToken = refresh
	}
	s.username = username
	s.expiresAt = expiresAt
	return nil
}

// passwordLogin runs the form sign-in and, when requested, the
// verification-code step. Tokens come back as cookies or as a JSON body.
func (s *Session) passwordLogin(ctx context.Context, creds Credentials) (string, string, error) {
	form := url.Values{
		"account":  {s.cfg.Email},
		"password": {creds.Password},
		"apiError": {""},
	}

	resp, body, err := s.postForm(ctx, s.cfg.AuthURL+signInPath, form)
	if err != nil {
		return "", "", err
	}

	if strings.Contains(string(body), "verifyCode") {
		code := creds.Code
		if code == "" && creds.Prompt != nil {
			code, err = creds.Prompt(ctx)
			if err != nil {
				return "", "", fmt.Errorf("reading verification code: %w", err)
			}
		}
		if code == "" {
			return "", "", fmt.Errorf("verification code requested but none available")
		}
		s.logger.Info("verification code requested")

		form.Set("code", strings.TrimSpace(code))
		resp, body, err = s.postForm(ctx, s.cfg.AuthURL+codePath, form)
		if err != nil {
			return "", "", err
		}
	}

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("sign-in returned %s", resp.Status)
	}

	var token, refresh string
	for _, cookie := range resp.Cookies() {
		switch cookie.Name {
		case "token":
			token = cookie.Value
		case "refreshToken":
			refresh = cookie.Value
		}
	}
	if token == "" {
		var payload struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			token, refresh = payload.AccessToken, payload.RefreshToken
		}
	}
	if token == "" {
		return "", "", fmt.Errorf("sign-in response carried no token")
	}
	return token, refresh, nil
}

// refresh exchanges the refresh token for a new token pair.
func (s *Session) refresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()
	if refreshToken == "" {
		return fmt.Errorf("no refresh token")
	}

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+refreshPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh returned %s", resp.Status)
	}

	var result struct {
		AccessToken      string `json:"accessToken"`
		RefreshToken     string `json:"refreshToken"`
		RefreshExpiresIn int64  `json:"refreshExpiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	if result.AccessToken == "" {
		return fmt.Errorf("refresh response carried no token")
	}
	return s.adopt(result.AccessToken, result.RefreshToken, time.Duration(result.RefreshExpiresIn)*time.Second)
}

func (s *Session) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sign-in request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("reading sign-in response: %w", err)
	}
	return resp, body, nil
}

// persist writes the current token pair to the token file through a temp
// file and rename. Failures are logged; the session stays usable.
func (s *Session) persist() {
	if s.cfg.TokenFile == "" {
		return
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(storedTokens{Token: s.token, RefreshToken: s.refreshToken}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("encoding token file", "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.TokenFile), 0700); err != nil {
		s.logger.Error("creating token directory", "path", s.cfg.TokenFile, "error", err)
		return
	}
	tmp := s.cfg.TokenFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.logger.Error("writing token file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, s.cfg.TokenFile); err != nil {
		s.logger.Error("renaming token file", "path", s.cfg.TokenFile, "error", err)
	}
}

// readTokenFile returns the stored tokens; a missing file yields zero
// tokens and no error.
func readTokenFile(path string) (storedTokens, error) {
	var tokens storedTokens
	if path == "" {
		return tokens, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tokens, nil
	}
	if err != nil {
		return tokens, err
	}
	if err := json.Unmarshal(data, &tokens); err != nil {
		return tokens, fmt.Errorf("decoding %s: %w", path, err)
	}
	return tokens, nil
}
