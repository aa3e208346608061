package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// pageSize is the largest page the list endpoint accepts
const pageSize = 100

// Directory enumerates assistants and fetches their configuration
type Directory interface {
	// ListAssistants returns every assistant in listing order
	ListAssistants(ctx context.Context) ([]Summary, error)
	// GetAssistant fetches the full configuration of one assistant
	GetAssistant(ctx context.Context, id string) (*Assistant, error)
}

// Client talks to the Assistants v2 REST API
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ Directory = (*Client)(nil)

// NewClient creates an API client. A nil httpClient uses a client with a
// 60 second timeout.
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// wireAssistantList is one page of GET /assistants
type wireAssistantList struct {
	Data    []Assistant `json:"data"`
	LastID  string      `json:"last_id"`
	HasMore bool        `json:"has_more"`
}

// ListAssistants pages through GET /assistants
func (c *Client) ListAssistants(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	after := ""
	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprint(pageSize))
		query.Set("order", "desc")
		if after != "" {
			query.Set("after", after)
		}

		var page wireAssistantList
		if err := c.do(ctx, http.MethodGet, "/assistants?"+query.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list assistants: %w", err)
		}

		for _, a := range page.Data {
			s := Summary{
				ID:        a.ID,
				Model:     a.Model,
				CreatedAt: time.Unix(a.CreatedAt, 0),
			}
			if a.Name != nil {
				s.Name = *a.Name
			}
			summaries = append(summaries, s)
		}

		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		after = page.LastID
		if after == "" {
			after = page.Data[len(page.Data)-1].ID
		}
	}

	c.logger.Info("assistants listed", "count", len(summaries))
	return summaries, nil
}

// GetAssistant fetches GET /assistants/{id}
func (c *Client) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	var a Assistant
	if err := c.do(ctx, http.MethodGet, "/assistants/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, fmt.Errorf("get assistant %s: %w", id, err)
	}
	c.logger.Debug("assistant fetched", "assistant", a.ID, "model", a.Model)
	return &a, nil
}

// Defaults applied by CreateAssistant to empty CreateParams fields
const (
	DefaultAssistantName         = "Default_Assistant"
	DefaultAssistantModel        = "gpt-4o-mini"
	DefaultAssistantInstructions = "You are a helpful assistant"
)

// CreateParams describes a new assistant. A nil Temperature sends 0.
type CreateParams struct {
	Name         string
	Model        string
	Instructions string
	Description  string
	Temperature  *float64
	TopP         *float64
	Tools        []map[string]any
	Metadata     map[string]string
}

// wireCreateAssistant is the body of POST /assistants
type wireCreateAssistant struct {
	Name         string            `json:"name"`
	Model        string            `json:"model"`
	Instructions string            `json:"instructions"`
	Description  string            `json:"description"`
	Temperature  float64           `json:"temperature"`
	TopP         *float64          `json:"top_p,omitempty"`
	Tools        []map[string]any  `json:"tools,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CreateAssistant creates an assistant with POST /assistants
func (c *Client) CreateAssistant(ctx context.Context, params CreateParams) (*Assistant, error) {
	body := wireCreateAssistant{
		Name:         params.Name,
		Model:        params.Model,
		Instructions: params.Instructions,
		Description:  params.Description,
		TopP:         params.TopP,
		Tools:        params.Tools,
		Metadata:     params.Metadata,
	}
	if body.Name == "" {
		body.Name = DefaultAssistantName
	}
	if body.Model == "" {
		body.Model = DefaultAssistantModel
	}
	if body.Instructions == "" {
		body.Instructions = DefaultAssistantInstructions
	}
	if params.Temperature != nil {
		body.Temperature = *params.Temperature
	}

	var a Assistant
	if err := c.do(ctx, http.MethodPost, "/assistants", body, &a); err != nil {
		return nil, fmt.Errorf("create assistant %s: %w", body.Name, err)
	}
	c.logger.Info("assistant created", "assistant", a.ID, "name", body.Name, "model", a.Model)
	return &a, nil
}

// DeleteAssistant removes an assistant with DELETE /assistants/{id}
func (c *Client) DeleteAssistant(ctx context.Context, id string) error {
	var resp struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/assistants/"+url.PathEscape(id), nil, &resp); err != nil {
		return fmt.Errorf("delete assistant %s: %w", id, err)
	}
	if !resp.Deleted {
		return fmt.Errorf("delete assistant %s: not deleted", id)
	}
	c.logger.Info("assistant deleted", "assistant", id)
	return nil
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses become *APIError; transport failures wrap ErrConnectivity.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", ErrConnectivity, method, req.URL.Path, unwrapURLError(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the
// full request URL
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// readAPIError parses an error response body
func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Code    any    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
		if wireError.Error.Code != nil {
			apiErr.Code = fmt.Sprint(wireError.Error.Code)
		}
		return apiErr
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
