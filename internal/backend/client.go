package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/commongrow/garden-core/internal/auth"
)

// maxResponseBytes caps how much of a backend response body is read.
const maxResponseBytes = 1 << 20

// defaultRequestTimeout applies when no http.Client is supplied.
const defaultRequestTimeout = 10 * time.Second

// ErrUnauthorized is returned when a bearer-authenticated request is
// refused, typically because the access token expired.
var ErrUnauthorized = errors.New("backend refused access token")

// StatusError carries an unexpected HTTP status from the backend.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: backend returned status %d", e.Op, e.Code)
}

// Is makes 5xx responses match auth.ErrTransient.
func (e *StatusError) Is(target error) bool {
	return target == auth.ErrTransient && e.Code >= http.StatusInternalServerError
}

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Client talks to the garden backend.
type Client struct {
	origin     *url.URL
	httpClient *http.Client
	userAgent  string
	logger     Logger
}

// New creates a backend client for the given API origin
// (e.g. "https://garden.example.org"). A nil httpClient gets a default
// with a 10s timeout; per-call deadlines come from the context.
func New(apiOrigin string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(apiOrigin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api origin must be http or https, got %q", apiOrigin)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		origin:     u,
		httpClient: httpClient,
		userAgent:  "gardencore",
		logger:     noopLogger{},
	}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetUserAgent sets the User-Agent sent on every request.
func (c *Client) SetUserAgent(ua string) {
	c.userAgent = ua
}

// Login submits credentials.
//
// Returns:
//   - *LoginResponse: status "ok" with identity, or "2fa_required" with a
//     pending factor context
//   - *auth.RejectedError: 401 invalid_credentials, 423 account_locked,
//     any other 4xx unknown
//   - auth.ErrTransient (wrapped): network failure, timeout or 5xx
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	body := map[string]string{"email": email, "password": password}

	var resp LoginResponse
	if err := c.doCredential(ctx, "login", "/api/auth/login", body, &resp); err != nil {
		return nil, err
	}
	switch resp.Status {
	case LoginStatusOK:
		if resp.Identity == nil {
			return nil, malformed("login", "ok response without identity")
		}
	case LoginStatusSecondRequired:
		if resp.PendingFactorContext == nil || resp.PendingFactorContext.Token == "" {
			return nil, malformed("login", "2fa_required response without pending context")
		}
	default:
		return nil, malformed("login", "unknown status "+strconv.Quote(resp.Status))
	}
	return &resp, nil
}

// VerifySecondFactor completes a pending second factor with a one-time code.
// Errors follow the same mapping as Login.
func (c *Client) VerifySecondFactor(ctx context.Context, pending PendingFactor, code string) (*VerifyResponse, error) {
	body := map[string]any{"pendingFactorContext": pending, "code": code}

	var resp VerifyResponse
	if err := c.doCredential(ctx, "2fa verify", "/api/auth/2fa/verify", body, &resp); err != nil {
		return nil, err
	}
	if resp.Identity == nil {
		return nil, malformed("2fa verify", "response without identity")
	}
	return &resp, nil
}

// SelectFactorMethod asks the backend to (re)send the code via method.
func (c *Client) SelectFactorMethod(ctx context.Context, pending PendingFactor, method string) error {
	body := map[string]any{"pendingFactorContext": pending, "method": method}
	return c.doCredential(ctx, "2fa method", "/api/auth/2fa/method", body, nil)
}

// Logout invalidates the backend session for token. Callers treat this as
// best-effort.
func (c *Client) Logout(ctx context.Context, token string) error {
	resp, err := c.send(ctx, http.MethodPost, "/api/auth/logout", token, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return statusErr("logout", resp.StatusCode)
	}
	return nil
}

// ListNotifications fetches the most recent limit activities.
func (c *Client) ListNotifications(ctx context.Context, token string, limit int) ([]Notification, error) {
	path := "/api/notifications?limit=" + strconv.Itoa(limit)
	resp, err := c.send(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("list notifications", resp.StatusCode)
	}

	var env notificationsEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&env); err != nil {
		return nil, malformed("list notifications", err.Error())
	}
	out := make([]Notification, 0, len(env.Data.Activities))
	for _, n := range env.Data.Activities {
		if n.ID == "" {
			c.logger.Debug("skipping notification without id")
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkNotificationRead acknowledges a read notification.
func (c *Client) MarkNotificationRead(ctx context.Context, token, id string) error {
	path := "/api/notifications/" + url.PathEscape(id) + "/read"
	resp, err := c.send(ctx, http.MethodPost, path, token, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode >= 300 {
		return statusErr("mark notification read", resp.StatusCode)
	}
	return nil
}

// doCredential posts a credential request and maps refusals to
// *auth.RejectedError. out may be nil when no body is expected.
func (c *Client) doCredential(ctx context.Context, op, path string, body, out any) error {
	resp, err := c.send(ctx, http.MethodPost, path, "", body)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		return &auth.RejectedError{Reason: auth.ReasonInvalidCredentials}
	case resp.StatusCode == http.StatusLocked:
		return &auth.RejectedError{Reason: auth.ReasonAccountLocked}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &auth.RejectedError{Reason: auth.ReasonUnknown}
	default:
		return statusErr(op, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return malformed(op, err.Error())
	}
	return nil
}

// send builds and executes one request. Transport failures, including
// context deadlines, come back wrapped around auth.ErrTransient.
func (c *Client) send(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.origin.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed",
			"method", method,
			"path", req.URL.Path,
			"request_id", requestID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s %s: %w", auth.ErrTransient, method, req.URL.Path, err)
	}
	c.logger.Debug("backend request",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", requestID,
	)
	return resp, nil
}

func statusErr(op string, code int) error {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return &StatusError{Op: op, Code: code}
}

// malformed reports an unusable success response. It is treated as
// transient so the user can retry.
func malformed(op, detail string) error {
	return fmt.Errorf("%w: %s: malformed response: %s", auth.ErrTransient, op, detail)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
}
