// Package api is a thin client for the backend's REST endpoints used by chat.
package api

import (
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

	"github.com/4xmen/hamdam/internal/models"
)

const (
	DefaultPageSize = 100

	requestTimeout = 30 * time.Second
	maxErrorBody   = 1 << 20
)

var ErrNotFound = errors.New("not found")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s, %s", e.StatusCode, e.Status, e.Detail)
}

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	Token() (string, error)
}

type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }

// StaticToken always returns the same token.
func StaticToken(token string) TokenSource {
	return TokenFunc(func() (string, error) { return token, nil })
}

type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	pageSize int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: requestTimeout},
		tokens:   tokens,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMessages returns one page of the conversation with counterpartyID,
// oldest first.
func (c *Client) GetMessages(ctx context.Context, counterpartyID, skip, limit int) ([]models.Message, error) {
	query := url.Values{
		"skip":  {strconv.Itoa(skip)},
		"limit": {strconv.Itoa(limit)},
	}

	var messages []models.Message
	if err := c.get(ctx, "/chat/messages/"+strconv.Itoa(counterpartyID), query, &messages); err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return messages, nil
}

// GetConversation pages through the whole conversation and returns it oldest first.
func (c *Client) GetConversation(ctx context.Context, counterpartyID int) ([]models.Message, error) {
	var all []models.Message
	for skip := 0; ; skip += c.pageSize {
		page, err := c.GetMessages(ctx, counterpartyID, skip, c.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
	}
}

// GetTherapistInCharge returns the caller's assigned therapist, or
// ErrNotFound when none is assigned.
func (c *Client) GetTherapistInCharge(ctx context.Context) (*models.User, error) {
	var therapist *models.User
	if err := c.get(ctx, "/therapist", nil, &therapist); err != nil {
		return nil, fmt.Errorf("failed to fetch therapist: %w", err)
	}
	if therapist == nil {
		return nil, ErrNotFound
	}
	return therapist, nil
}

func (c *Client) GetPatients(ctx context.Context) ([]models.User, error) {
	var patients []models.User
	if err := c.get(ctx, "/patients", nil, &patients); err != nil {
		return nil, fmt.Errorf("failed to fetch patients: %w", err)
	}
	return patients, nil
}

// GetPatient looks the patient up among the caller's patients.
func (c *Client) GetPatient(ctx context.Context, id int) (*models.User, error) {
	patients, err := c.GetPatients(ctx)
	if err != nil {
		return nil, err
	}
	for i := range patients {
		if patients[i].ID == id {
			return &patients[i], nil
		}
	}
	return nil, ErrNotFound
}

func (c *Client) GetMe(ctx context.Context) (*models.User, error) {
	var me models.User
	if err := c.get(ctx, "/users/me", nil, &me); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	return &me, nil
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// SignIn exchanges credentials for an access token. It does not use the
// client's TokenSource.
func (c *Client) SignIn(ctx context.Context, email, password string) (*TokenResponse, error) {
	form := url.Values{
		"username": {email},
		"password": {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signin", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token TokenResponse
	if err := c.do(req, &token); err != nil {
		return nil, fmt.Errorf("failed to sign in: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("failed to sign in: empty access token")
	}
	return &token, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	detail := strings.TrimSpace(string(body))
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var text string
		if err := json.Unmarshal(payload.Detail, &text); err == nil {
			detail = text
		} else {
			detail = string(payload.Detail)
		}
	}

	return &StatusError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Detail:     detail,
	}
}
