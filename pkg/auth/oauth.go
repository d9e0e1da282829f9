// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package auth implements the OAuth PKCE device/authorization-code flow
// used to authenticate provider.LLMProvider backends against a subscription
// (rather than a static API key), plus on-disk credential storage.
package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// OAuthProviderConfig parameterizes the authorize/token endpoints and client
// identity for one provider's OAuth flow. Anthropic and OpenAI differ enough
// (JSON vs form token bodies, extra authorize params, separate authorize
// host) that both are expressed as field overrides on the same struct
// rather than two bespoke flows.
type OAuthProviderConfig struct {
	Issuer           string
	AuthorizeBaseURL string // overrides Issuer for the /authorize step only (Anthropic)
	TokenEndpoint    string // path appended to Issuer; defaults to "/oauth/token"
	ClientID         string
	Scopes           string
	Originator       string // OpenAI-only "originator" query param
	Port             int
	Provider         string // "openai" | "anthropic"
}

func (c OAuthProviderConfig) tokenEndpointURL() string {
	ep := c.TokenEndpoint
	if ep == "" {
		ep = "/oauth/token"
	}
	return c.Issuer + ep
}

func (c OAuthProviderConfig) authorizeBaseURL() string {
	if c.AuthorizeBaseURL != "" {
		return c.AuthorizeBaseURL
	}
	return c.Issuer
}

// OpenAIOAuthConfig returns the OAuth config for an OpenAI/ChatGPT subscription login.
func OpenAIOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:     "https://auth.openai.com",
		ClientID:   "app_EMoamEEZ73f0CkXaXp7hrann",
		Scopes:     "openid profile email offline_access",
		Originator: "codex_cli_rs",
		Port:       1455,
		Provider:   "openai",
	}
}

// AnthropicOAuthConfig returns the OAuth config for a Claude Max/Pro subscription login.
func AnthropicOAuthConfig() OAuthProviderConfig {
	return OAuthProviderConfig{
		Issuer:           "https://console.anthropic.com",
		AuthorizeBaseURL: "https://claude.ai",
		TokenEndpoint:    "/v1/oauth/token",
		ClientID:         "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		Scopes:           "org:create_api_key user:profile user:inference",
		Port:             8080,
		Provider:         "anthropic",
	}
}

// PKCECodes is one PKCE verifier/challenge pair for an authorization-code flow.
type PKCECodes struct {
	CodeVerifier  string
	CodeChallenge string
}

// GeneratePKCE creates a random code verifier and its S256 challenge.
func GeneratePKCE() (PKCECodes, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCECodes{}, fmt.Errorf("generating pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCECodes{CodeVerifier: verifier, CodeChallenge: challenge}, nil
}

// BuildAuthorizeURL constructs the browser-facing authorize URL for cfg.
func BuildAuthorizeURL(cfg OAuthProviderConfig, pkce PKCECodes, state, redirectURI string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	if cfg.Scopes != "" {
		q.Set("scope", cfg.Scopes)
	}
	q.Set("state", state)
	q.Set("code_challenge", pkce.CodeChallenge)
	q.Set("code_challenge_method", "S256")

	if cfg.Provider == "openai" {
		q.Set("id_token_add_organizations", "true")
		q.Set("codex_cli_simplified_flow", "true")
		if cfg.Originator != "" {
			q.Set("originator", cfg.Originator)
		}
	}

	return cfg.authorizeBaseURL() + "/oauth/authorize?" + q.Encode()
}

// AuthCredential is a persisted set of tokens for one provider.
type AuthCredential struct {
	Provider     string    `json:"provider"`
	AuthMethod   string    `json:"auth_method"` // "oauth" | "api_key"
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// refreshSkew is how far ahead of actual expiry NeedsRefresh reports true,
// so a refresh can complete before the token is rejected mid-request.
const refreshSkew = 60 * time.Second

// NeedsRefresh reports whether the access token is expired or about to be.
func (c *AuthCredential) NeedsRefresh() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt.Add(-refreshSkew))
}

func parseTokenResponse(body []byte, provider string) (*AuthCredential, error) {
	var raw struct {
		AccessToken  string      `json:"access_token"`
		RefreshToken string      `json:"refresh_token"`
		ExpiresIn    json.Number `json:"expires_in"`
		IDToken      string      `json:"id_token"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if raw.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	cred := &AuthCredential{
		Provider:     provider,
		AuthMethod:   "oauth",
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
	}

	if raw.ExpiresIn != "" {
		if secs, err := raw.ExpiresIn.Int64(); err == nil {
			cred.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}

	if raw.IDToken != "" {
		if accountID, ok := accountIDFromJWT(raw.IDToken); ok {
			cred.AccountID = accountID
		}
	}

	return cred, nil
}

// accountIDFromJWT extracts the ChatGPT account ID claim from an unverified
// JWT payload. The token is never validated here; it only round-trips a
// value the issuing server already authenticated.
func accountIDFromJWT(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return "", false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}
	auth, ok := claims["https://api.openai.com/auth"].(map[string]interface{})
	if !ok {
		return "", false
	}
	accountID, _ := auth["chatgpt_account_id"].(string)
	if accountID == "" {
		return "", false
	}
	return accountID, true
}

func exchangeCodeForTokens(cfg OAuthProviderConfig, code, verifier, redirectURI string) (*AuthCredential, error) {
	endpoint := cfg.tokenEndpointURL()

	var req *http.Request
	var err error
	if cfg.Provider == "anthropic" {
		body, _ := json.Marshal(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  redirectURI,
			"client_id":     cfg.ClientID,
			"code_verifier": verifier,
		})
		req, err = http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		form := url.Values{}
		form.Set("grant_type", "authorization_code")
		form.Set("code", code)
		form.Set("redirect_uri", redirectURI)
		form.Set("client_id", cfg.ClientID)
		form.Set("code_verifier", verifier)
		req, err = http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode, respBody)
	}

	return parseTokenResponse(respBody, cfg.Provider)
}

// RefreshAccessToken exchanges cred's refresh token for a new access token.
func RefreshAccessToken(cred *AuthCredential, cfg OAuthProviderConfig) (*AuthCredential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("credential has no refresh token")
	}

	endpoint := cfg.tokenEndpointURL()

	var req *http.Request
	var err error
	if cfg.Provider == "anthropic" {
		body, _ := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": cred.RefreshToken,
			"client_id":     cfg.ClientID,
		})
		req, err = http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", cred.RefreshToken)
		form.Set("client_id", cfg.ClientID)
		req, err = http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("refresh failed (%d): %s", resp.StatusCode, respBody)
	}

	refreshed, err := parseTokenResponse(respBody, cred.Provider)
	if err != nil {
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if refreshed.AccountID == "" {
		refreshed.AccountID = cred.AccountID
	}
	return refreshed, nil
}

// DeviceCodeResponse is the server's reply to a device-authorization
// request. Interval is tolerant of servers that encode it as either a JSON
// number or a numeric string.
type DeviceCodeResponse struct {
	DeviceAuthID    string `json:"device_auth_id"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"-"`
}

func parseDeviceCodeResponse(body []byte) (*DeviceCodeResponse, error) {
	var raw struct {
		DeviceAuthID    string          `json:"device_auth_id"`
		UserCode        string          `json:"user_code"`
		VerificationURI string          `json:"verification_uri"`
		Interval        json.RawMessage `json:"interval"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}

	resp := &DeviceCodeResponse{
		DeviceAuthID:    raw.DeviceAuthID,
		UserCode:        raw.UserCode,
		VerificationURI: raw.VerificationURI,
	}

	interval, err := parseFlexibleInt(raw.Interval)
	if err != nil {
		return nil, fmt.Errorf("parsing device code interval: %w", err)
	}
	resp.Interval = interval
	return resp, nil
}

func parseFlexibleInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("interval is neither a number nor a string: %s", raw)
	}
	return strconv.Atoi(s)
}

// credentialsDir returns (creating if needed) the directory credentials are
// stored in: $HOME/.picoclaw/auth.
func credentialsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".picoclaw", "auth")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating credentials directory: %w", err)
	}
	return dir, nil
}

// GetCredential loads the stored credential for a provider, or (nil, nil)
// if none is stored.
func GetCredential(provider string) (*AuthCredential, error) {
	dir, err := credentialsDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, provider+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading credential: %w", err)
	}

	var cred AuthCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parsing stored credential: %w", err)
	}
	return &cred, nil
}

// SetCredential persists cred for provider atomically (temp file + rename).
func SetCredential(provider string, cred *AuthCredential) error {
	dir, err := credentialsDir()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}

	path := filepath.Join(dir, provider+".json")
	tmp, err := os.CreateTemp(dir, "cred-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp credential file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming credential file: %w", err)
	}
	cleanup = false
	return nil
}
