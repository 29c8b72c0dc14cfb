package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// ErrAuthentication wraps every failure to obtain an access token.
var ErrAuthentication = errors.New("kite: authentication failed")

// StaticToken serves a pre-issued access token.
type StaticToken struct {
	token string
}

func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

func (s *StaticToken) AccessToken(context.Context) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("%w: no access token configured", ErrAuthentication)
	}
	return s.token, nil
}

func (s *StaticToken) Invalidate() {}

// LoginConfig holds the credentials for the interactive login flow.
type LoginConfig struct {
	APIKey     string
	APISecret  string
	UserID     string
	Password   string
	TOTPSecret string
	LoginURL   string
	APIURL     string
	Timeout    time.Duration
}

// LoginAuthenticator performs the Kite web login with a TOTP second factor
// and exchanges the resulting request token for an access token. The token
// is cached until Invalidate is called.
type LoginAuthenticator struct {
	config     LoginConfig
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	token string
}

func NewLoginAuthenticator(config LoginConfig) (*LoginAuthenticator, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	config.LoginURL = strings.TrimSuffix(config.LoginURL, "/")
	config.APIURL = strings.TrimSuffix(config.APIURL, "/")

	return &LoginAuthenticator{
		config: config,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: config.Timeout,
		},
		now: time.Now,
	}, nil
}

func (a *LoginAuthenticator) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *LoginAuthenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" {
		return a.token, nil
	}

	requestID, err := a.login(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", ErrAuthentication, err)
	}
	if err := a.twoFactor(ctx, requestID); err != nil {
		return "", fmt.Errorf("%w: two-factor: %v", ErrAuthentication, err)
	}
	requestToken, err := a.requestToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: request token: %v", ErrAuthentication, err)
	}
	session, err := a.exchange(ctx, requestToken)
	if err != nil {
		return "", fmt.Errorf("%w: session: %v", ErrAuthentication, err)
	}

	a.token = session.AccessToken
	return a.token, nil
}

// Checksum signs a request token for the session exchange.
func Checksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

func (a *LoginAuthenticator) login(ctx context.Context) (string, error) {
	form := url.Values{
		"user_id":  {a.config.UserID},
		"password": {a.config.Password},
	}
	var resp envelope[struct {
		RequestID string `json:"request_id"`
	}]
	if err := a.postForm(ctx, a.config.LoginURL+"/api/login", form, &resp); err != nil {
		return "", err
	}
	if resp.Data.RequestID == "" {
		return "", errors.New("no request id in login response")
	}
	return resp.Data.RequestID, nil
}

func (a *LoginAuthenticator) twoFactor(ctx context.Context, requestID string) error {
	code, err := totp.GenerateCode(a.config.TOTPSecret, a.now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}
	form := url.Values{
		"user_id":     {a.config.UserID},
		"request_id":  {requestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}
	var resp envelope[json.RawMessage]
	return a.postForm(ctx, a.config.LoginURL+"/api/twofa", form, &resp)
}

// requestToken follows the connect redirect chain until the redirect that
// carries request_token, which is captured without being fetched.
func (a *LoginAuthenticator) requestToken(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/connect/login?v=3&api_key=%s", a.config.LoginURL, url.QueryEscape(a.config.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	var token string
	client := *a.httpClient
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if t := r.URL.Query().Get("request_token"); t != "" {
			token = t
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("too many redirects")
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if token == "" {
		token = resp.Request.URL.Query().Get("request_token")
	}
	if token == "" {
		return "", fmt.Errorf("no request_token in redirect (status %d)", resp.StatusCode)
	}
	return token, nil
}

func (a *LoginAuthenticator) exchange(ctx context.Context, requestToken string) (*AccessToken, error) {
	form := url.Values{
		"api_key":       {a.config.APIKey},
		"request_token": {requestToken},
		"checksum":      {Checksum(a.config.APIKey, requestToken, a.config.APISecret)},
	}
	var resp envelope[AccessToken]
	if err := a.postForm(ctx, a.config.APIURL+"/session/token", form, &resp); err != nil {
		return nil, err
	}
	if resp.Data.AccessToken == "" {
		return nil, errors.New("no access token in session response")
	}
	resp.Data.LoginTime = a.now()
	return &resp.Data, nil
}

func (a *LoginAuthenticator) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", "3")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var failure envelope[json.RawMessage]
		if json.Unmarshal(body, &failure) == nil && failure.Message != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, failure.Message)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
