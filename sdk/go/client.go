package gatelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gateline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	AccountID   string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Totals are the derived financial aggregates returned on every read.
type Totals struct {
	RecurringBenefits float64 `json:"recurring_benefits"`
	RecurringCosts    float64 `json:"recurring_costs"`
	OneoffBenefits    float64 `json:"oneoff_benefits"`
	OneoffCosts       float64 `json:"oneoff_costs"`
	RecurringImpact   float64 `json:"recurring_impact"`
}

// StageState is one gate's approval lifecycle.
type StageState struct {
	Status  string `json:"status"`
	Round   int    `json:"round"`
	Comment string `json:"comment,omitempty"`
}

// Initiative represents the API initiative model (partial: stage payloads
// stay raw so callers only decode what they need).
type Initiative struct {
	ID           string                     `json:"id"`
	WorkstreamID string                     `json:"workstream_id"`
	Name         string                     `json:"name"`
	ActiveStage  string                     `json:"active_stage"`
	Version      int64                      `json:"version"`
	Stages       map[string]json.RawMessage `json:"stages"`
	StageState   map[string]StageState      `json:"stage_state"`
	Totals       Totals                     `json:"totals"`
	CreatedAt    string                     `json:"created_at"`
	UpdatedAt    string                     `json:"updated_at"`
}

// Approval is one role's sign-off for one round of one gate.
type Approval struct {
	ID           string `json:"id"`
	InitiativeID string `json:"initiative_id"`
	StageKey     string `json:"stage_key"`
	RoundIndex   int    `json:"round_index"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	Comment      string `json:"comment,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsVersionConflict reports whether err is the optimistic-concurrency
// rejection; the caller should re-fetch and resubmit.
func IsVersionConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "version_conflict"
}

// CreateInitiative creates an initiative in the given workstream. stages may
// be nil or a map of stage key to payload.
func (c *Client) CreateInitiative(ctx context.Context, workstreamID, name string, stages map[string]any) (Initiative, error) {
	body := map[string]any{
		"workstream_id": workstreamID,
		"name":          name,
	}
	if stages != nil {
		body["stages"] = stages
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "v0/initiatives", body, &resp)
	return resp, err
}

// GetInitiative fetches an initiative with derived totals.
func (c *Client) GetInitiative(ctx context.Context, id string) (Initiative, error) {
	var resp Initiative
	err := c.do(ctx, http.MethodGet, "v0/initiatives/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateInitiative replaces an initiative at the given expected version.
func (c *Client) UpdateInitiative(ctx context.Context, id string, expectedVersion int64, fields map[string]any) (Initiative, error) {
	body := map[string]any{"expected_version": expectedVersion}
	for k, v := range fields {
		body[k] = v
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPut, "v0/initiatives/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// AdvanceStage moves the initiative to the next gate. target may be empty.
func (c *Client) AdvanceStage(ctx context.Context, id, target string) (Initiative, error) {
	body := map[string]any{}
	if target != "" {
		body["target_stage"] = target
	}
	var resp Initiative
	err := c.do(ctx, http.MethodPost, "v0/initiatives/"+url.PathEscape(id)+"/advance", body, &resp)
	return resp, err
}

// SubmitStage opens an approval round for a gate.
func (c *Client) SubmitStage(ctx context.Context, id, stage string) (Initiative, error) {
	endpoint := fmt.Sprintf("v0/initiatives/%s/stages/%s/submit", url.PathEscape(id), url.PathEscape(stage))
	var resp Initiative
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListApprovals returns approval tasks, optionally filtered.
func (c *Client) ListApprovals(ctx context.Context, status, accountID string) ([]Approval, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if accountID != "" {
		q.Set("account_id", accountID)
	}
	endpoint := "v0/approvals"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DecideApproval records a decision (approve, return, reject) on a pending
// approval and returns the initiative with its re-evaluated stage state.
func (c *Client) DecideApproval(ctx context.Context, approvalID, decision, comment string) (Initiative, error) {
	body := map[string]any{"decision": decision}
	if comment != "" {
		body["comment"] = comment
	}
	endpoint := "v0/approvals/" + url.PathEscape(approvalID) + "/decision"
	var resp Initiative
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AccountID != "":
		req.Header.Set("X-Account-Id", c.AccountID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Code: errorCode(b), Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func errorCode(body []byte) string {
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Code
}
