package client

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
	"time"

	"github.com/terra-clan/cert-engine/internal/models"
)

// Client is a Go SDK for the cert-engine API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout. Accept and Resume block until the mint
// confirms, so keep it above the server's confirmation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new cert-engine client authenticated with an identity token
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError is an error answered by the API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an API error with code
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ListOptions contains paging options for list calls
type ListOptions struct {
	Status string
	Kind   string
	Limit  int
	Offset int
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Kind != "" {
		q.Set("kind", o.Kind)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Activities

// CreateActivity creates a hackathon or internship organized by the caller
func (c *Client) CreateActivity(ctx context.Context, req models.CreateActivityRequest) (*models.Activity, error) {
	var a models.Activity
	if err := c.call(ctx, http.MethodPost, "/api/v1/activities", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActivity retrieves an activity by ID
func (c *Client) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	var a models.Activity
	if err := c.call(ctx, http.MethodGet, "/api/v1/activities/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActivities lists activities
func (c *Client) ListActivities(ctx context.Context, opts ListOptions) ([]*models.Activity, error) {
	var out struct {
		Activities []*models.Activity `json:"activities"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/activities"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return out.Activities, nil
}

// Register registers the caller for an activity
func (c *Client) Register(ctx context.Context, activityID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/activities/"+url.PathEscape(activityID)+"/register", nil, nil)
}

// Teams

// CreateTeam creates a team led by the caller
func (c *Client) CreateTeam(ctx context.Context, activityID, name string) (*models.Team, error) {
	var t models.Team
	path := "/api/v1/activities/" + url.PathEscape(activityID) + "/teams"
	if err := c.call(ctx, http.MethodPost, path, models.CreateTeamRequest{Name: name}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Invite invites an email to a team the caller leads
func (c *Client) Invite(ctx context.Context, teamID, email string) (*models.Invite, error) {
	var inv models.Invite
	path := "/api/v1/teams/" + url.PathEscape(teamID) + "/invite"
	if err := c.call(ctx, http.MethodPost, path, models.InviteRequest{Email: email}, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// AcceptInvite joins the team that invited the caller
func (c *Client) AcceptInvite(ctx context.Context, teamID string) (*models.Team, error) {
	var t models.Team
	if err := c.call(ctx, http.MethodPost, "/api/v1/team-invites/accept", models.InviteResponseRequest{TeamID: teamID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Certificates

// SubmitProject creates or replaces the caller's project submission for an activity
func (c *Client) SubmitProject(ctx context.Context, activityID string, req models.SubmitProjectRequest) (*models.Submission, error) {
	var sub models.Submission
	path := "/api/v1/activities/" + url.PathEscape(activityID) + "/submissions"
	if err := c.call(ctx, http.MethodPost, path, req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// MySubmission returns the caller's submission, or nil when there is none
func (c *Client) MySubmission(ctx context.Context, activityID string) (*models.Submission, error) {
	var sub *models.Submission
	path := "/api/v1/activities/" + url.PathEscape(activityID) + "/submissions/my"
	if err := c.call(ctx, http.MethodGet, path, nil, &sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// IssueCertificate creates a pending certificate request for a participant
func (c *Client) IssueCertificate(ctx context.Context, activityID string, req models.IssueCertificateRequest) (*models.CertificateRequest, error) {
	var cert models.CertificateRequest
	path := "/api/v1/activities/" + url.PathEscape(activityID) + "/certificates"
	if err := c.call(ctx, http.MethodPost, path, req, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// PendingCertificates lists the caller's pending certificate requests
func (c *Client) PendingCertificates(ctx context.Context) ([]*models.PendingCertificate, error) {
	var out struct {
		Certificates []*models.PendingCertificate `json:"certificates"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/certificates/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

// GetCertificate retrieves a certificate request by ID
func (c *Client) GetCertificate(ctx context.Context, id string) (*models.CertificateRequest, error) {
	var cert models.CertificateRequest
	if err := c.call(ctx, http.MethodGet, "/api/v1/certificates/"+url.PathEscape(id), nil, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// AcceptCertificate accepts a pending request and mints it to walletAddress.
// The call blocks until the mint confirms or the server stops waiting.
func (c *Client) AcceptCertificate(ctx context.Context, id, walletAddress string) (*models.MintResult, error) {
	var result models.MintResult
	path := "/api/v1/certificates/" + url.PathEscape(id) + "/accept"
	if err := c.call(ctx, http.MethodPost, path, models.AcceptCertificateRequest{WalletAddress: walletAddress}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ResumeMint resumes a minting request whose previous attempt stopped
func (c *Client) ResumeMint(ctx context.Context, id string) (*models.MintResult, error) {
	var result models.MintResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/certificates/"+url.PathEscape(id)+"/resume", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

// call performs a request and decodes the envelope's data into out
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	status, resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("failed to unmarshal response (HTTP %d): %w", status, err)
	}

	if !result.Success {
		apiErr := &APIError{StatusCode: status, Code: "unknown"}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return apiErr
	}

	if out == nil || len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}
