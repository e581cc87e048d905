package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"techsync/internal/events"
	"techsync/internal/models"

	"github.com/gorilla/websocket"
)

// controlClient talks to a running agent's control API.
type controlClient struct {
	baseURL string
	apiKey  string
	header  string
	http    *http.Client
}

type actionsResponse struct {
	Actions []models.SyncAction `json:"actions"`
	Count   int                 `json:"count"`
}

type drainResponse struct {
	Results []models.SyncResult `json:"results"`
	Error   string              `json:"error,omitempty"`
}

type agendaResponse struct {
	Agenda []models.Snapshot `json:"agenda"`
}

type connectivityResponse struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

func newControlClient(baseURL, apiKey, header string) *controlClient {
	if header == "" {
		header = "x-api-key"
	}
	return &controlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		header:  header,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *controlClient) Actions(ctx context.Context) (*actionsResponse, error) {
	var resp actionsResponse
	return &resp, c.do(ctx, http.MethodGet, "/api/v1/actions", nil, &resp)
}

func (c *controlClient) Enqueue(ctx context.Context, actionType string, payload json.RawMessage) (string, error) {
	body := map[string]any{"type": actionType, "payload": payload}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/actions", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *controlClient) Drain(ctx context.Context) (*drainResponse, error) {
	var resp drainResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/sync", nil, &resp)
}

func (c *controlClient) Pull(ctx context.Context) (*models.PullResult, error) {
	var resp models.PullResult
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/sync/pull", nil, &resp)
}

func (c *controlClient) Agenda(ctx context.Context) ([]models.Snapshot, error) {
	var resp agendaResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/agenda", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agenda, nil
}

func (c *controlClient) Order(ctx context.Context, id string) (*models.Snapshot, error) {
	var resp models.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *controlClient) Connectivity(ctx context.Context) (bool, error) {
	var resp connectivityResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/connectivity", nil, &resp); err != nil {
		return false, err
	}
	return resp.Online, nil
}

func (c *controlClient) SetConnectivity(ctx context.Context, online bool) (*connectivityResponse, error) {
	var resp connectivityResponse
	return &resp, c.do(ctx, http.MethodPost, "/api/v1/connectivity", map[string]bool{"online": online}, &resp)
}

// Stream calls fn for every event until ctx is done or the agent closes the
// stream.
func (c *controlClient) Stream(ctx context.Context, fn func(events.Event) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/events"
	header := http.Header{}
	if c.apiKey != "" {
		header.Set(c.header, c.apiKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *controlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.header, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact agent at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			// Partial drain results still come with a 500.
			if out != nil {
				_ = json.Unmarshal(data, out)
			}
			return fmt.Errorf("%s %s: %s (http %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
