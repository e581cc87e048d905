package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"techsync/internal/config"
	"techsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4096

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// ErrUnauthorized is wrapped when a 401 could not be cured by a refresh.
var ErrUnauthorized = errors.New("remote rejected credentials")

// Client calls the field-service REST API.
type Client struct {
	baseURL    string
	probeURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	creds      *Credentials
	logger     *zerolog.Logger
}

// BatchRequest is the body of POST /sync/batch.
type BatchRequest struct {
	Actions []WireAction `json:"actions"`
}

// WireAction is a SyncAction as the backend expects it.
type WireAction struct {
	models.SyncAction
	ClientID string `json:"clientId"`
	OrderID  string `json:"orderId,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// NewClient builds a client for cfg. probeURL may be empty, in which case
// Ping targets the base URL.
func NewClient(cfg config.RemoteConfig, probeURL string, creds *Credentials, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit.RPS > 0 {
		limit = rate.Limit(cfg.RateLimit.RPS)
		burst = cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
	}
	if probeURL == "" {
		probeURL = cfg.BaseURL
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		probeURL:   probeURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		creds:      creds,
		logger:     logger,
	}
}

// SubmitBatch posts actions to the batch endpoint.
func (c *Client) SubmitBatch(ctx context.Context, actions []models.SyncAction) (*models.BatchResponse, error) {
	body := BatchRequest{Actions: make([]WireAction, 0, len(actions))}
	for _, a := range actions {
		body.Actions = append(body.Actions, WireAction{SyncAction: a, ClientID: a.ID, OrderID: a.OrderID()})
	}

	var resp models.BatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/batch", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches the technician's agenda and notifications.
func (c *Client) Pull(ctx context.Context) (*models.PullResult, error) {
	var resp models.PullResult
	if err := c.doJSON(ctx, http.MethodGet, "/sync/pull", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrder fetches one order detail as raw JSON.
func (c *Client) GetOrder(ctx context.Context, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/tech/orders/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping reports whether the remote API answers. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	err := c.send(ctx, method, path, payload, out)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		return err
	}

	if refreshErr := c.refresh(ctx); refreshErr != nil {
		c.logger.Warn().Err(refreshErr).Msg("token refresh failed, clearing credentials")
		if c.creds != nil {
			if clearErr := c.creds.Clear(ctx); clearErr != nil {
				c.logger.Error().Err(clearErr).Msg("clear credentials")
			}
		}
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return c.send(ctx, method, path, payload, out)
}

func (c *Client) refresh(ctx context.Context) error {
	if c.creds == nil {
		return errors.New("no credential store")
	}
	token, err := c.creds.RefreshToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("no refresh token")
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: token})
	if err != nil {
		return err
	}
	var resp refreshResponse
	if err := c.send(ctx, http.MethodPost, "/auth/refresh", payload, &resp); err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return errors.New("refresh response has no access token")
	}
	c.logger.Info().Msg("access token refreshed")
	return c.creds.SetAccessToken(ctx, resp.AccessToken)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.addAuth(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) addAuth(req *http.Request) error {
	if c.creds == nil {
		return nil
	}
	token, err := c.creds.AccessToken(req.Context())
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
