// Package keycloak talks to the identity provider deployed by qhub: it holds
// an admin session for the stages that configure realms and answers the
// reachability checks.
package keycloak

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/logging"
)

// Environment variables read by the terraform keycloak provider.
const (
	EnvURL      = "KEYCLOAK_URL"
	EnvClientID = "KEYCLOAK_CLIENT_ID"
	EnvUser     = "KEYCLOAK_USER"
	EnvPassword = "KEYCLOAK_PASSWORD"
	EnvRealm    = "KEYCLOAK_REALM"
)

// Credentials are the admin credentials published by the keycloak stage.
type Credentials struct {
	URL      string
	ClientID string
	Realm    string
	Username string
	Password string
}

// ParseCredentials decodes the keycloak_credentials output.
func ParseCredentials(v any) (Credentials, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Credentials{}, fmt.Errorf("keycloak credentials: expected an object, got %T", v)
	}
	get := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	c := Credentials{
		URL:      get("url"),
		ClientID: get("client_id"),
		Realm:    get("realm"),
		Username: get("username"),
		Password: get("password"),
	}
	return c, c.validate()
}

// CredentialsFromEnv reads credentials from the variables Env produces.
func CredentialsFromEnv(vars env.Vars) (Credentials, error) {
	c := Credentials{
		URL:      vars[EnvURL],
		ClientID: vars[EnvClientID],
		Realm:    vars[EnvRealm],
		Username: vars[EnvUser],
		Password: vars[EnvPassword],
	}
	return c, c.validate()
}

func (c Credentials) validate() error {
	var missing []string
	if c.URL == "" {
		missing = append(missing, "url")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("keycloak credentials: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Credentials) realm() string {
	if c.Realm == "" {
		return "master"
	}
	return c.Realm
}

func (c Credentials) clientID() string {
	if c.ClientID == "" {
		return "admin-cli"
	}
	return c.ClientID
}

// Env renders c as terraform keycloak provider variables.
func (c Credentials) Env() env.Vars {
	return env.Vars{
		EnvURL:      c.URL,
		EnvClientID: c.clientID(),
		EnvUser:     c.Username,
		EnvPassword: c.Password,
		EnvRealm:    c.realm(),
	}
}

// StatusError is returned when keycloak answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("keycloak %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("keycloak %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsStatusError reports whether err is a *StatusError.
func IsStatusError(err error) bool {
	var target *StatusError
	return errors.As(err, &target)
}

// Client is a minimal keycloak admin API client.
type Client struct {
	creds Credentials
	http  *retryablehttp.Client

	accessToken  string
	refreshToken string
}

// Option customizes a Client.
type Option func(*retryablehttp.Client)

// WithRetryMax bounds retries of failed requests.
func WithRetryMax(n int) Option {
	return func(c *retryablehttp.Client) { c.RetryMax = n }
}

// WithRetryWait sets the retry backoff bounds.
func WithRetryWait(min, max time.Duration) Option {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = min
		c.RetryWaitMax = max
	}
}

// WithInsecureTLS disables certificate verification, for self-signed ingress
// certificates.
func WithInsecureTLS() Option {
	return func(c *retryablehttp.Client) {
		if t, ok := c.HTTPClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
	}
}

// WithLogger routes retry logging through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *retryablehttp.Client) { c.Logger = logger }
}

// NewClient returns a client for creds. Nothing is sent until Login or Ping.
func NewClient(creds Credentials, opts ...Option) *Client {
	hc := retryablehttp.NewClient()
	hc.Logger = logging.Discard()
	hc.RetryMax = 4
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	for _, opt := range opts {
		opt(hc)
	}
	return &Client{creds: creds, http: hc}
}

// Credentials returns the credentials the client was built with.
func (c *Client) Credentials() Credentials { return c.creds }

func (c *Client) endpoint(parts ...string) string {
	base := strings.TrimRight(c.creds.URL, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return base + "/" + strings.Join(parts, "/")
}

func (c *Client) tokenURL() string {
	return c.endpoint("realms", c.creds.realm(), "protocol", "openid-connect", "token")
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Login obtains an admin access token with the password grant.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.creds.clientID()},
		"username":   {c.creds.Username},
		"password":   {c.creds.Password},
	}
	var tok tokenResponse
	if err := c.postForm(ctx, "login", c.tokenURL(), form, &tok); err != nil {
		return err
	}
	if tok.AccessToken == "" {
		return errors.New("keycloak login: empty access token")
	}
	c.accessToken = tok.AccessToken
	c.refreshToken = tok.RefreshToken
	return nil
}

// Logout ends the session started by Login. It is a no-op without a session.
func (c *Client) Logout(ctx context.Context) error {
	if c.refreshToken == "" {
		c.accessToken = ""
		return nil
	}
	form := url.Values{
		"client_id":     {c.creds.clientID()},
		"refresh_token": {c.refreshToken},
	}
	logoutURL := c.endpoint("realms", c.creds.realm(), "protocol", "openid-connect", "logout")
	if err := c.postForm(ctx, "logout", logoutURL, form, nil); err != nil {
		return err
	}
	c.accessToken, c.refreshToken = "", ""
	return nil
}

// Ping checks that keycloak serves the credentials' realm.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("realms", c.creds.realm()), nil, "")
	if err != nil {
		return fmt.Errorf("keycloak ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ping", resp)
	}
	return nil
}

// RealmExists reports whether the realm is present. It requires Login.
func (c *Client) RealmExists(ctx context.Context, realm string) (bool, error) {
	if c.accessToken == "" {
		return false, errors.New("keycloak realm lookup: not logged in")
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("admin", "realms", realm), nil, "")
	if err != nil {
		return false, fmt.Errorf("keycloak realm lookup: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("realm lookup", resp)
	}
}

func (c *Client) postForm(ctx context.Context, op, target string, form url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodPost, target, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return fmt.Errorf("keycloak %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("keycloak %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, raw)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
