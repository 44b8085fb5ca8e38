package engage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// headerResumeToken carries the raw resume token for unsecured sessions.
const headerResumeToken = "X-Resume-Token"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Engage server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is an optional bearer JWT. Visitors driving an unsecured session
	// with a resume token alone can leave it empty; staff, service, and admin
	// operations require it.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Engage intake session API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engage: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// StartSession opens a new intake session for the tenant identified by slug.
// The returned resume token is the only credential for the session until the
// visitor logs in; it is never shown again.
func (c *Client) StartSession(ctx context.Context, tenantSlug, practiceArea string) (*StartSessionResponse, error) {
	body := map[string]any{"tenant_slug": tenantSlug}
	if practiceArea != "" {
		body["practice_area"] = practiceArea
	}
	var resp StartSessionResponse
	if err := c.post(ctx, "/v1/sessions", "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessage appends one visitor turn and returns the snapshot after the
// session re-evaluated. resumeToken is required until the session secures.
func (c *Client) PostMessage(ctx context.Context, sessionID uuid.UUID, resumeToken string, req PostMessageRequest) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := c.post(ctx, "/v1/sessions/"+sessionID.String()+"/messages", resumeToken, req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CompleteLogin binds the authenticated bearer identity to the session,
// securing it permanently. Requires a token; the verified subject comes from
// the token, never from a request parameter.
func (c *Client) CompleteLogin(ctx context.Context, sessionID uuid.UUID, resumeToken string) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := c.post(ctx, "/v1/sessions/"+sessionID.String()+"/login", resumeToken, struct{}{}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetSession returns the snapshot plus transcript.
func (c *Client) GetSession(ctx context.Context, sessionID uuid.UUID, resumeToken string) (*SessionDetail, error) {
	var detail SessionDetail
	if err := c.get(ctx, "/v1/sessions/"+sessionID.String(), resumeToken, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// RecordEvidence resolves a dynamic goal (service role).
func (c *Client) RecordEvidence(ctx context.Context, sessionID uuid.UUID, goalID string, evidenceFound bool) (*SessionSnapshot, error) {
	path := "/v1/sessions/" + sessionID.String() + "/goals/" + url.PathEscape(goalID) + "/evidence"
	var snap SessionSnapshot
	if err := c.post(ctx, path, "", map[string]bool{"evidence_found": evidenceFound}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListOptions filter the dashboard session listing.
type ListOptions struct {
	Phase          Phase
	ConflictStatus ConflictStatus
	Assignee       string
	PracticeArea   string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// ListSessions returns a page of the tenant's dashboard index (staff role).
// The listing is eventually consistent with the authoritative sessions.
func (c *Client) ListSessions(ctx context.Context, opts *ListOptions) (*SessionList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Phase != "" {
			params.Set("phase", string(opts.Phase))
		}
		if opts.ConflictStatus != "" {
			params.Set("conflict", string(opts.ConflictStatus))
		}
		if opts.Assignee != "" {
			params.Set("assignee", opts.Assignee)
		}
		if opts.PracticeArea != "" {
			params.Set("practice_area", opts.PracticeArea)
		}
		if opts.IncludeDeleted {
			params.Set("include_deleted", "true")
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("engage: create request: %w", err)
	}
	c.setAuth(req, "")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engage: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engage: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// List endpoints use a flat envelope with pagination fields alongside data.
	var envelope struct {
		Data    []IndexRow `json:"data"`
		Total   int        `json:"total"`
		HasMore bool       `json:"has_more"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("engage: decode list response: %w", err)
	}
	return &SessionList{Sessions: envelope.Data, Total: envelope.Total, HasMore: envelope.HasMore}, nil
}

// Assign sets or clears (empty string) the session's assignee (staff role).
func (c *Client) Assign(ctx context.Context, sessionID uuid.UUID, assignee string) error {
	return c.patch(ctx, "/v1/sessions/"+sessionID.String()+"/assignee", map[string]string{"assignee": assignee}, nil)
}

// SessionsForSubject lists the session IDs a verified identity secured (staff role).
func (c *Client) SessionsForSubject(ctx context.Context, subject string) ([]uuid.UUID, error) {
	var resp struct {
		SessionIDs []uuid.UUID `json:"session_ids"`
	}
	if err := c.get(ctx, "/v1/identities/"+url.PathEscape(subject)+"/sessions", "", &resp); err != nil {
		return nil, err
	}
	return resp.SessionIDs, nil
}

// DeleteSession soft-deletes a session (admin role). Idempotent.
func (c *Client) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/sessions/"+sessionID.String(), nil)
}

// CreateConflictEntry adds a party to the tenant's conflict corpus (staff role).
func (c *Client) CreateConflictEntry(ctx context.Context, displayName string, fields map[string]string) (*ConflictEntry, error) {
	var entry ConflictEntry
	if err := c.post(ctx, "/v1/conflicts/entries", "", map[string]any{
		"display_name": displayName,
		"fields":       fields,
	}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Health reports server and dependency health. No authentication required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get(ctx, "/health", "", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) setAuth(req *http.Request, resumeToken string) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if resumeToken != "" {
		req.Header.Set(headerResumeToken, resumeToken)
	}
}

func (c *Client) post(ctx context.Context, path, resumeToken string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engage: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("engage: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, resumeToken, dest)
}

func (c *Client) patch(ctx context.Context, path string, body, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engage: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("engage: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, "", dest)
}

func (c *Client) get(ctx context.Context, path, resumeToken string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("engage: create request: %w", err)
	}
	return c.doRequest(req, resumeToken, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("engage: create request: %w", err)
	}
	return c.doRequest(req, "", dest)
}

func (c *Client) doRequest(req *http.Request, resumeToken string, dest any) error {
	c.setAuth(req, resumeToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engage: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("engage: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("engage: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
