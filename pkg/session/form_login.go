package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"bookfetch/pkg/account"
	"bookfetch/pkg/creds"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
)

// FormLoginProvider authenticates against the remote library's HTML login
// form and keeps the resulting cookies in the session's client. Passwords are
// resolved through the credential stores, never held in config.
type FormLoginProvider struct {
	baseURL   string
	loginPath string
	userAgent string
	timeout   time.Duration
	creds     *creds.Manager
	logger    logger.Logger
}

// NewFormLoginProvider creates a provider for the given remote source
func NewFormLoginProvider(baseURL, loginPath, userAgent string, timeout time.Duration, manager *creds.Manager, log logger.Logger) *FormLoginProvider {
	if log == nil {
		log = logger.GetLogger()
	}
	return &FormLoginProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		loginPath: loginPath,
		userAgent: userAgent,
		timeout:   timeout,
		creds:     manager,
		logger:    log,
	}
}

// Acquire logs the account in and returns a session carrying its cookies
func (p *FormLoginProvider) Acquire(ctx context.Context, acct account.Account) (*Session, error) {
	cred, err := p.creds.Retrieve(acct.Email)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeAuth, fmt.Sprintf("no credential for %s", acct.Email), err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &http.Client{
		Jar:     jar,
		Timeout: p.timeout,
	}

	form := url.Values{}
	form.Set("email", acct.Email)
	form.Set("password", cred.Password)

	loginURL := p.baseURL + p.loginPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", p.userAgent)

	p.logger.DebugWithFields("Logging in", map[string]interface{}{
		"account": acct.Email,
		"url":     loginURL,
	})

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeTransient, "login request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeTransient, "failed to read login response", err)
	}

	if err := classifyLoginResponse(resp.StatusCode, string(body)); err != nil {
		p.logger.WarnWithFields("Login rejected", map[string]interface{}{
			"account": acct.Email,
			"status":  resp.StatusCode,
		})
		return nil, err
	}

	p.logger.InfoWithFields("Session acquired", map[string]interface{}{
		"account": acct.Email,
	})

	return &Session{
		AccountID: acct.Email,
		Client:    client,
		CreatedAt: time.Now(),
	}, nil
}

// classifyLoginResponse maps the login outcome onto the error taxonomy
func classifyLoginResponse(status int, body string) error {
	lower := strings.ToLower(body)

	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.ErrorTypeTransient, "login rate limited")
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return errs.New(errs.ErrorTypeAuth, fmt.Sprintf("login rejected with status %d", status))
	case status >= 500:
		return errs.New(errs.ErrorTypeTransient, fmt.Sprintf("login failed with status %d", status))
	case strings.Contains(lower, "blocked") || strings.Contains(lower, "banned") || strings.Contains(lower, "suspended"):
		return errs.New(errs.ErrorTypeAccountLocked, "account blocked by remote")
	case strings.Contains(lower, "incorrect") || strings.Contains(lower, "invalid password") || strings.Contains(lower, "wrong password"):
		return errs.New(errs.ErrorTypeAuth, "credentials rejected")
	case status != http.StatusOK && status != http.StatusFound:
		return errs.New(errs.ErrorTypeTransient, fmt.Sprintf("unexpected login status %d", status))
	}

	return nil
}
